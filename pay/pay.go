// Package pay is the settlement engine: it creates payins, selects how
// they are funded, drives them through their lifecycle and guarantees
// that money movement and action effects land in the same database
// transaction.
package pay

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkg/errors"

	"github.com/snlabs/snpay/build"
	"github.com/snlabs/snpay/db"
	"github.com/snlabs/snpay/ln"
)

var log = build.AddSubLogger("PAYS")

// Exported errors. Together with actions.ErrInvalidArgument and the
// bounty conflict errors in payins these make up the engine's error
// surface: everything else coming out of the engine is an internal
// error.
var (
	// ErrInsufficientFunds means no payment method could cover the cost
	ErrInsufficientFunds = errors.New("insufficient funds for action")
	// ErrUnauthenticated means the action or every payment method on it
	// requires an account
	ErrUnauthenticated = errors.New("action requires an account")
	// ErrProviderTimeout means the Lightning backend did not answer in
	// time and the payment is in an unknown state. Nothing is rolled
	// back, reconciliation picks the payin up later.
	ErrProviderTimeout = errors.New("payment provider timed out")
	// ErrCostChanged means a referenced entity changed between pricing
	// and persisting, the caller should simply try again
	ErrCostChanged = errors.New("action cost changed during creation")
)

// Engine coordinates payin creation and settlement against the database
// and a Lightning backend
type Engine struct {
	db      *db.DB
	ln      ln.Provider
	network chaincfg.Params
}

// NewEngine wires up a settlement engine
func NewEngine(database *db.DB, provider ln.Provider, network chaincfg.Params) *Engine {
	return &Engine{db: database, ln: provider, network: network}
}

// providerCtx derives the bounded context every Lightning call runs with
func providerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, ln.CallTimeout)
}

// wrapProviderErr maps a provider failure onto the engine error surface
func wrapProviderErr(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(ErrProviderTimeout, op)
	}
	return errors.Wrapf(err, "payment provider failed during %s", op)
}
