// Package payins owns the PayIn ledger entity: one row per attempt to
// collect payment for a user action, its lifecycle transitions and its
// retry lineage. All state writes to a payin and its denormalized child
// rows go through SetState in this package, nothing else mutates them.
package payins

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/snlabs/snpay/build"
)

var log = build.AddSubLogger("PYIN")

// Type enumerates the paid actions the ledger knows about
type Type string

const (
	TypeItemCreate       Type = "ITEM_CREATE"
	TypeZap              Type = "ZAP"
	TypeDownZap          Type = "DOWN_ZAP"
	TypePollVote         Type = "POLL_VOTE"
	TypeBuyCredits       Type = "BUY_CREDITS"
	TypeDonate           Type = "DONATE"
	TypeWithdrawal       Type = "WITHDRAWAL"
	TypeBountyPayment    Type = "BOUNTY_PAYMENT"
	TypeTerritoryBilling Type = "TERRITORY_BILLING"
	TypeInviteGift       Type = "INVITE_GIFT"
)

// PaymentMethod is how the cost of a payin is collected
type PaymentMethod string

const (
	// MethodFeeCredit spends the user's platform credit balance
	MethodFeeCredit PaymentMethod = "FEE_CREDIT"
	// MethodRewardSats spends the user's custodial sat balance
	MethodRewardSats PaymentMethod = "REWARD_SATS"
	// MethodOptimistic performs the action first and trusts the invoice
	// will settle
	MethodOptimistic PaymentMethod = "OPTIMISTIC"
	// MethodPessimistic requires the invoice to settle before the action
	// is performed
	MethodPessimistic PaymentMethod = "PESSIMISTIC"
	// MethodP2P invoices the receiving peer's wallet directly and carries
	// a sybil fee
	MethodP2P PaymentMethod = "P2P"
)

// State is the lifecycle state of a payin. Terminal states are PAID and
// FAILED; a FAILED payin's only escape is spawning a successor via
// RETRYING.
type State string

const (
	StatePending  State = "PENDING"
	StatePaid     State = "PAID"
	StateFailed   State = "FAILED"
	StateRetrying State = "RETRYING"
)

// Terminal reports whether the state permits no further transitions
func (s State) Terminal() bool {
	return s == StatePaid || s == StateFailed
}

// FailureReason is the terminal cause recorded on a FAILED payin
type FailureReason string

const (
	ReasonInvoiceExpired   FailureReason = "INVOICE_EXPIRED"
	ReasonInvoiceCancelled FailureReason = "INVOICE_CANCELLED"
	ReasonPaymentFailed    FailureReason = "PAYMENT_FAILED"
)

// PayIn is the DB type for one payment attempt. mcost is immutable once
// the payin leaves PENDING.
type PayIn struct {
	ID     int  `db:"id"`
	Typ    Type `db:"payin_type"`
	UserID *int `db:"user_id"` // nil for anonymous actors

	// Args is the handler arguments as given at creation, kept so
	// deferred Perform and retries re-run the exact same request
	Args json.RawMessage `db:"args"`

	McostMsat     int64         `db:"mcost_msat"`
	PaymentMethod PaymentMethod `db:"payment_method"`

	State          State          `db:"payin_state"`
	StateChangedAt time.Time      `db:"payin_state_changed_at"`
	FailureReason  *FailureReason `db:"failure_reason"`
	// PerformError records an action handler failure after the money side
	// already settled. Money and action effect never diverge silently.
	PerformError *string `db:"perform_error"`

	SuccessorID  *int `db:"successor_id"`  // set on a retry, points at the attempt it replaces
	BenefactorID *int `db:"benefactor_id"` // set when an upstream payin paid our cost

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (p PayIn) String() string {
	fragments := []string{
		fmt.Sprintf("PayIn: {ID: %d", p.ID),
		fmt.Sprintf("Type: %s", p.Typ),
		fmt.Sprintf("State: %s", p.State),
		fmt.Sprintf("Method: %s", p.PaymentMethod),
		fmt.Sprintf("McostMsat: %d", p.McostMsat),
	}
	if p.UserID != nil {
		fragments = append(fragments, fmt.Sprintf("UserID: %d", *p.UserID))
	}
	if p.FailureReason != nil {
		fragments = append(fragments, fmt.Sprintf("FailureReason: %s", *p.FailureReason))
	}
	if p.SuccessorID != nil {
		fragments = append(fragments, fmt.Sprintf("SuccessorID: %d", *p.SuccessorID))
	}
	if p.BenefactorID != nil {
		fragments = append(fragments, fmt.Sprintf("BenefactorID: %d", *p.BenefactorID))
	}
	fragments = append(fragments, fmt.Sprintf("CreatedAt: %v }", p.CreatedAt))

	return strings.Join(fragments, ", ")
}

// All monetary arithmetic is 64 bit integer millisatoshis. The helpers
// below are the only sat<->msat conversion boundaries.

// SatsToMsats converts satoshis to millisatoshis, exactly
func SatsToMsats(sats int64) int64 {
	return sats * 1000
}

// MsatsToSatsFloor converts millisatoshis to whole satoshis, dropping the
// sub-sat remainder
func MsatsToSatsFloor(msats int64) int64 {
	return msats / 1000
}

// MsatsFeePercent computes an integer percentage fee, flooring. Never
// use floating point for this.
func MsatsFeePercent(msats int64, percent int64) int64 {
	return msats * percent / 100
}
