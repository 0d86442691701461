package pay

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/snlabs/snpay/async"
	"github.com/snlabs/snpay/ln"
	"github.com/snlabs/snpay/models/invoices"
	"github.com/snlabs/snpay/models/payins"
)

// DefaultSweepInterval is how often the sweep reconciles pending
// invoices the push stream may have missed
const DefaultSweepInterval = time.Minute

// resubscribe backoff for the invoice update stream
const (
	streamRetryAttempts = 10
	streamRetryBaseWait = time.Second
)

// RunReconciliation drives invoice settlement until ctx is cancelled:
// a push listener on the backend's update stream plus a periodic sweep
// over everything still pending. Both paths funnel into the same
// idempotent settlement, double delivery is harmless.
func (e *Engine) RunReconciliation(ctx context.Context, sweepInterval time.Duration) error {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- e.listenInvoices(ctx)
	}()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-listenErr:
			return errors.Wrap(err, "invoice listener gave up")
		case <-ticker.C:
			if err := e.SweepPending(ctx); err != nil {
				log.WithError(err).Error("Invoice sweep failed")
			}
		}
	}
}

// listenInvoices consumes the push stream, resubscribing with backoff
// when it drops
func (e *Engine) listenInvoices(ctx context.Context) error {
	for {
		var updates <-chan ln.InvoiceUpdate
		err := async.Retry(streamRetryAttempts, streamRetryBaseWait, func() error {
			var err error
			updates, err = e.ln.SubscribeInvoiceUpdates(ctx)
			return err
		})
		if err != nil {
			return errors.Wrap(err, "could not subscribe to invoice updates")
		}

		for update := range updates {
			if err := e.handleUpdate(update); err != nil {
				log.WithError(err).WithField("hash", update.Hash).
					Error("Could not process invoice update")
			}
		}

		// stream closed, resubscribe unless we are shutting down
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			log.Warn("Invoice update stream closed, resubscribing")
		}
	}
}

// handleUpdate routes one backend event into settlement. Updates for
// hashes we never issued are ignored, the node may carry invoices that
// are not ours.
func (e *Engine) handleUpdate(update ln.InvoiceUpdate) error {
	if _, err := invoices.GetByHash(e.db, update.Hash); err != nil {
		if errors.Is(err, invoices.ErrInvoiceNotFound) {
			log.WithField("hash", update.Hash).Debug("Ignoring update for foreign invoice")
			return nil
		}
		return err
	}

	switch {
	case update.Settled:
		return e.SettleInvoice(update.Hash, update.MsatsReceived, time.Now())
	case update.Cancelled:
		return e.FailInvoice(update.Hash, payins.ReasonInvoiceCancelled)
	default:
		return nil
	}
}

// SweepPending polls the backend for every invoice still open in the
// database and reconciles what it finds. Invoices past their expiry
// fail even if the backend still reports them open, nobody can pay them
// anymore. One bad invoice does not stop the sweep.
func (e *Engine) SweepPending(ctx context.Context) error {
	pending, err := invoices.ListPending(e.db)
	if err != nil {
		return err
	}

	var failures int
	for _, invoice := range pending {
		if err := e.sweepOne(ctx, invoice); err != nil {
			failures++
			log.WithError(err).WithField("hash", invoice.Hash).
				Error("Could not reconcile pending invoice")
		}
	}
	if failures > 0 {
		return errors.Errorf("could not reconcile %d of %d pending invoices",
			failures, len(pending))
	}
	return nil
}

func (e *Engine) sweepOne(ctx context.Context, invoice invoices.Invoice) error {
	callCtx, cancel := providerCtx(ctx)
	status, err := e.ln.GetInvoiceStatus(callCtx, invoice.Hash)
	cancel()
	if err != nil {
		return wrapProviderErr(err, "invoice status lookup")
	}

	switch {
	case status.Settled:
		return e.SettleInvoice(invoice.Hash, status.MsatsReceived, time.Now())
	case status.Cancelled:
		return e.FailInvoice(invoice.Hash, payins.ReasonInvoiceCancelled)
	case invoice.Expired(time.Now()):
		return e.FailInvoice(invoice.Hash, payins.ReasonInvoiceExpired)
	default:
		return nil
	}
}
