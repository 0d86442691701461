// Package actions is the static catalog of paid actions. Each payin type
// maps to one self-contained handler; handlers never call each other,
// composition happens only through payin lineage.
package actions

import (
	"encoding/json"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/snlabs/snpay/build"
	"github.com/snlabs/snpay/models/payins"
	"github.com/snlabs/snpay/models/payouts"
)

var log = build.AddSubLogger("ACTN")

// Exported errors
var (
	// ErrUnknownActionType means no handler is registered for the payin type
	ErrUnknownActionType = errors.New("unknown action type")
	// ErrInvalidArgument means the action arguments reference entities
	// that don't exist or fail ownership checks. Raised before any state
	// is created.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Context carries the ambient data a handler runs with. All reads and
// writes go through Tx so a handler's effects commit or roll back with
// the payin they belong to.
type Context struct {
	Tx *sqlx.Tx
	// UserID is nil for anonymous actors
	UserID *int
	// PayIn is set once the payin row exists, i.e. for Perform, OnPaid,
	// OnFail and side effects. It is nil during GetCost and Describe.
	PayIn   *payins.PayIn
	Network chaincfg.Params
}

// Anonymous reports whether the actor has no account
func (c Context) Anonymous() bool {
	return c.UserID == nil
}

// Result is what Perform hands back to the settlement engine
type Result struct {
	// ItemID links the payin to the item the action created or acted on
	ItemID *int
}

// Handler is one paid action. GetCost and Describe must be side-effect
// free and deterministic for unchanged referenced entities.
type Handler interface {
	// Anonable says whether anonymous actors may invoke this action
	Anonable() bool
	// PaymentMethods is the ordered preference list the method selector
	// walks. Order is significant.
	PaymentMethods() []payins.PaymentMethod
	// GetCost returns the price in millisatoshis. It validates referenced
	// entities and returns ErrInvalidArgument before any balance is
	// touched.
	GetCost(ctx Context, args json.RawMessage) (int64, error)
	// Perform executes the action's side effect
	Perform(ctx Context, args json.RawMessage) (Result, error)
	// OnPaid runs inside the PAID transaction, after payouts are applied
	OnPaid(ctx Context, args json.RawMessage) error
	// OnFail is the compensating action: it retracts whatever optimistic
	// effect Perform made visible
	OnFail(ctx Context, args json.RawMessage) error
	// Describe renders the invoice description for this action
	Describe(ctx Context, args json.RawMessage) (string, error)
	// Payouts declares where the collected mcost goes. The engine
	// persists these with the payin and applies them on PAID.
	Payouts(ctx Context, args json.RawMessage, mcost int64) ([]payouts.CustodialToken, error)
}

// PeerInvoiceable is implemented by receive-type handlers that can route
// a P2P payment to another user's wallet
type PeerInvoiceable interface {
	// InvoiceablePeer resolves the user whose wallet should be invoiced,
	// nil when no peer is invoiceable (the P2P method is then skipped)
	InvoiceablePeer(ctx Context, args json.RawMessage) (*int, error)
}

// SybilFeeBearer is implemented by handlers whose P2P payments carry a
// sybil surcharge
type SybilFeeBearer interface {
	// SybilFeePercent is an integer percentage applied on top of mcost
	SybilFeePercent() int64
}

// OptimismSupporter marks handlers whose Perform tolerates being
// compensated after the fact. Only these may settle optimistically.
type OptimismSupporter interface {
	SupportsOptimism() bool
}

// TargetItemResolver is implemented by handlers acting on an existing
// item. The engine links the payin to the item at creation time.
type TargetItemResolver interface {
	TargetItem(ctx Context, args json.RawMessage) (int, error)
}

// ConflictChecker is implemented by handlers that must serialize
// concurrent attempts against the same target (the bounty tail rule).
// It runs inside the transaction that creates the new attempt.
type ConflictChecker interface {
	CheckConflict(ctx Context, args json.RawMessage, retryOf *int) error
}

// Bolt11PayerOut is implemented by actions whose payout leaves the
// custodial ledger over Lightning instead of crediting an account
type Bolt11PayerOut interface {
	// PayoutBolt11 returns the outgoing payment to attempt once the
	// payin is funded. The engine persists and executes it.
	PayoutBolt11(ctx Context, args json.RawMessage) (payouts.Bolt11, error)
}

// SideEffector is implemented by handlers with non-critical side effects.
// EnqueueSideEffects runs in the PAID transaction and only queues jobs,
// delivery is asynchronous and at-least-once.
type SideEffector interface {
	EnqueueSideEffects(ctx Context, args json.RawMessage) error
}

// registry is immutable after process start. No dynamic registration.
var registry = map[payins.Type]Handler{
	payins.TypeItemCreate:       itemCreate{},
	payins.TypeZap:              zap{},
	payins.TypeDownZap:          downZap{},
	payins.TypePollVote:         pollVote{},
	payins.TypeBuyCredits:       buyCredits{},
	payins.TypeDonate:           donate{},
	payins.TypeWithdrawal:       withdrawal{},
	payins.TypeBountyPayment:    bountyPayment{},
	payins.TypeTerritoryBilling: territoryBilling{},
	payins.TypeInviteGift:       inviteGift{},
}

// Get returns the handler for the given payin type
func Get(typ payins.Type) (Handler, error) {
	handler, ok := registry[typ]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownActionType, "%s", typ)
	}
	return handler, nil
}

// Types lists every registered payin type
func Types() []payins.Type {
	types := make([]payins.Type, 0, len(registry))
	for typ := range registry {
		types = append(types, typ)
	}
	return types
}

// decodeArgs unmarshals handler arguments, mapping malformed input onto
// ErrInvalidArgument
func decodeArgs(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		return errors.Wrap(ErrInvalidArgument, "missing arguments")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return errors.Wrapf(ErrInvalidArgument, "malformed arguments: %v", err)
	}
	return nil
}
