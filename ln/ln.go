// Package ln defines the invoice provider contract the settlement engine
// depends on, together with the LND-backed implementation of it. Nothing
// outside this package speaks the Lightning node wire protocol.
package ln

import (
	"context"
	"time"

	"github.com/snlabs/snpay/build"
)

var log = build.AddSubLogger("LTNG")

// CallTimeout bounds every outbound call to the Lightning backend. Calls
// that exceed it surface as retryable provider errors, never as a
// paid/failed determination.
const CallTimeout = 15 * time.Second

// DefaultInvoiceExpiry is the expiry encoded into invoices when the caller
// doesn't specify one.
const DefaultInvoiceExpiry = 10 * time.Minute

const (
	// MaxAmountSatPerInvoice is the maximum amount of satoshis an invoice can be for
	MaxAmountSatPerInvoice = MaxAmountMsatPerInvoice / 1000
	// MaxAmountMsatPerInvoice is the maximum amount of millisatoshis an invoice can be for
	MaxAmountMsatPerInvoice = 4294967295
)

// Invoice is a freshly created inbound invoice
type Invoice struct {
	Bolt11 string
	// Hash is the hex encoded payment hash
	Hash string
	// Expiry is the invoice expiry in seconds
	Expiry int64
}

// InvoiceUpdate is the state of an inbound invoice as reported by the
// Lightning backend, either pushed on the subscription stream or polled
type InvoiceUpdate struct {
	// Hash is the hex encoded payment hash
	Hash          string
	Settled       bool
	Cancelled     bool
	MsatsReceived int64
}

// Payment is the result of successfully paying an outbound invoice
type Payment struct {
	// Preimage is the hex encoded proof of payment
	Preimage string
	FeeMsat  int64
}

// CreateInvoiceArgs are the arguments for creating an inbound invoice
type CreateInvoiceArgs struct {
	Msats       int64
	Description string
	Expiry      time.Duration
}

// PayInvoiceArgs are the arguments for paying an outbound invoice
type PayInvoiceArgs struct {
	Bolt11     string
	MaxFeeMsat int64
}

// Provider is the abstract Lightning backend the settlement engine talks
// to. Multiple backends are permissible, the engine depends only on this
// contract.
type Provider interface {
	CreateInvoice(ctx context.Context, args CreateInvoiceArgs) (Invoice, error)
	PayInvoice(ctx context.Context, args PayInvoiceArgs) (Payment, error)
	// SubscribeInvoiceUpdates delivers settlement and cancellation events
	// until ctx is done. The returned channel is closed on stream failure,
	// callers are expected to resubscribe.
	SubscribeInvoiceUpdates(ctx context.Context) (<-chan InvoiceUpdate, error)
	GetInvoiceStatus(ctx context.Context, hash string) (InvoiceUpdate, error)
}
