package pay

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/snlabs/snpay/actions"
	"github.com/snlabs/snpay/ln"
	"github.com/snlabs/snpay/models/invoices"
	"github.com/snlabs/snpay/models/payins"
	"github.com/snlabs/snpay/models/payouts"
	"github.com/snlabs/snpay/models/users"
)

func logFields(payin payins.PayIn) logrus.Fields {
	return logrus.Fields{
		"payin":  payin.ID,
		"type":   payin.Typ,
		"method": payin.PaymentMethod,
		"state":  payin.State,
	}
}

// SettleInvoice settles the payin behind a confirmed inbound invoice.
// Calling it twice for the same hash is a no-op, the push listener and
// the sweep may both report the same settlement.
func (e *Engine) SettleInvoice(hash string, msatsReceived int64, settledAt time.Time) error {
	tx, err := e.db.Beginx()
	if err != nil {
		return err
	}
	if err := e.settleInvoiceTx(tx, hash, msatsReceived, settledAt); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, invoices.ErrAlreadyTerminal) || errors.Is(err, payins.ErrAlreadyTerminal) {
			log.WithField("hash", hash).Debug("Invoice already settled, nothing to do")
			return nil
		}
		return err
	}
	return tx.Commit()
}

func (e *Engine) settleInvoiceTx(tx *sqlx.Tx, hash string, msatsReceived int64, settledAt time.Time) error {
	invoice, err := invoices.GetByHashForUpdate(tx, hash)
	if err != nil {
		return err
	}
	if _, err := invoices.Confirm(tx, hash, msatsReceived, settledAt); err != nil {
		return err
	}

	payin, err := payins.GetByIDForUpdate(tx, invoice.PayInID)
	if err != nil {
		return err
	}
	handler, err := actions.Get(payin.Typ)
	if err != nil {
		return err
	}
	actx := actions.Context{Tx: tx, UserID: payin.UserID, PayIn: &payin, Network: e.network}

	// the deferred effect runs for methods that held it back until the
	// money arrived
	performNow := payin.PaymentMethod == payins.MethodPessimistic ||
		payin.PaymentMethod == payins.MethodP2P
	if _, err := e.settleInTx(tx, actx, handler, payin, performNow); err != nil {
		return err
	}

	log.WithFields(logFields(payin)).WithField("hash", hash).Info("Settled invoice")
	return nil
}

// settleInTx drives a payin to PAID: state transition, payout
// application, the deferred action effect and the handler hooks, all in
// the caller's transaction.
//
// A failing Perform does not unwind the money movement. The failure is
// recorded on the payin and the funds stay where the ledger says they
// belong.
func (e *Engine) settleInTx(tx *sqlx.Tx, actx actions.Context, handler actions.Handler,
	payin payins.PayIn, performNow bool) (payins.PayIn, error) {

	updated, err := payins.SetState(tx, payin.ID, payins.StatePaid, nil)
	if err != nil {
		return payins.PayIn{}, err
	}
	actx.PayIn = &updated

	if err := payouts.ApplyAllCustodialTokens(tx, payin.ID); err != nil {
		return payins.PayIn{}, err
	}

	if performNow {
		performed, err := handler.Perform(actx, payin.Args)
		if err != nil {
			if recordErr := payins.RecordPerformError(tx, payin.ID, err); recordErr != nil {
				return payins.PayIn{}, recordErr
			}
			log.WithFields(logFields(updated)).WithError(err).Error(
				"Action failed after payment settled")
			return payins.GetByID(tx, payin.ID)
		}
		if performed.ItemID != nil {
			if err := payins.LinkItem(tx, *performed.ItemID, payin.ID); err != nil {
				return payins.PayIn{}, err
			}
		}
	}

	if err := handler.OnPaid(actx, payin.Args); err != nil {
		return payins.PayIn{}, err
	}
	if effector, ok := handler.(actions.SideEffector); ok {
		if err := effector.EnqueueSideEffects(actx, payin.Args); err != nil {
			return payins.PayIn{}, err
		}
	}
	return updated, nil
}

// FailInvoice fails the payin behind an expired or cancelled inbound
// invoice. Idempotent for the same reasons SettleInvoice is.
func (e *Engine) FailInvoice(hash string, reason payins.FailureReason) error {
	tx, err := e.db.Beginx()
	if err != nil {
		return err
	}
	if err := e.failInvoiceTx(tx, hash, reason); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, invoices.ErrAlreadyTerminal) || errors.Is(err, payins.ErrAlreadyTerminal) {
			return nil
		}
		return err
	}
	return tx.Commit()
}

func (e *Engine) failInvoiceTx(tx *sqlx.Tx, hash string, reason payins.FailureReason) error {
	invoice, err := invoices.GetByHashForUpdate(tx, hash)
	if err != nil {
		return err
	}
	if _, err := invoices.Cancel(tx, hash); err != nil {
		return err
	}

	payin, err := payins.GetByIDForUpdate(tx, invoice.PayInID)
	if err != nil {
		return err
	}
	updated, err := payins.SetState(tx, payin.ID, payins.StateFailed, &reason)
	if err != nil {
		return err
	}

	handler, err := actions.Get(payin.Typ)
	if err != nil {
		return err
	}
	actx := actions.Context{Tx: tx, UserID: payin.UserID, PayIn: &updated, Network: e.network}
	if err := handler.OnFail(actx, payin.Args); err != nil {
		return err
	}

	log.WithFields(logFields(updated)).WithField("hash", hash).Info("Failed invoice")
	return nil
}

// executeWithdrawal pays the outbound invoice of a freshly reserved
// withdrawal and settles or fails the payin on the outcome. On a
// provider timeout the payin stays PENDING with the reservation held,
// resolving it is an operational concern.
func (e *Engine) executeWithdrawal(ctx context.Context, payin payins.PayIn) (CreateResult, error) {
	bolt11, err := payouts.GetBolt11(e.db, payin.ID)
	if err != nil {
		return CreateResult{}, err
	}

	callCtx, cancel := providerCtx(ctx)
	defer cancel()
	payment, err := e.ln.PayInvoice(callCtx, ln.PayInvoiceArgs{
		Bolt11:     bolt11.Bolt11,
		MaxFeeMsat: bolt11.MaxFeeMsat,
	})
	if err != nil {
		wrapped := wrapProviderErr(err, "withdrawal payment")
		if errors.Is(wrapped, ErrProviderTimeout) {
			log.WithFields(logFields(payin)).Warn(
				"Withdrawal payment timed out, leaving payin pending")
			return CreateResult{}, wrapped
		}
		if failErr := e.failWithdrawal(payin, bolt11); failErr != nil {
			return CreateResult{}, failErr
		}
		return CreateResult{}, wrapped
	}

	settled, err := e.settleWithdrawal(payin, bolt11, payment)
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{PayIn: settled}, nil
}

// settleWithdrawal marks the payment as made and refunds the unspent
// part of the fee budget
func (e *Engine) settleWithdrawal(payin payins.PayIn, bolt11 payouts.Bolt11,
	payment ln.Payment) (payins.PayIn, error) {

	tx, err := e.db.Beginx()
	if err != nil {
		return payins.PayIn{}, err
	}
	updated, err := func() (payins.PayIn, error) {
		if _, err := payins.GetByIDForUpdate(tx, payin.ID); err != nil {
			return payins.PayIn{}, err
		}
		if err := payouts.SetBolt11Preimage(tx, bolt11.ID, payment.Preimage); err != nil {
			return payins.PayIn{}, err
		}

		if surplus := bolt11.MaxFeeMsat - payment.FeeMsat; surplus > 0 {
			refund, err := payouts.InsertCustodialToken(tx, payouts.CustodialToken{
				PayInID:   payin.ID,
				UserID:    &bolt11.UserID,
				Mtokens:   surplus,
				TokenType: payouts.TokenSats,
				PayOut:    payouts.TypeFeeRefund,
			})
			if err != nil {
				return payins.PayIn{}, err
			}
			if err := payouts.ApplyCustodialToken(tx, refund); err != nil {
				return payins.PayIn{}, err
			}
		}

		updated, err := payins.SetState(tx, payin.ID, payins.StatePaid, nil)
		if err != nil {
			return payins.PayIn{}, err
		}

		handler, err := actions.Get(payin.Typ)
		if err != nil {
			return payins.PayIn{}, err
		}
		if effector, ok := handler.(actions.SideEffector); ok {
			actx := actions.Context{Tx: tx, UserID: payin.UserID, PayIn: &updated, Network: e.network}
			if err := effector.EnqueueSideEffects(actx, payin.Args); err != nil {
				return payins.PayIn{}, err
			}
		}
		return updated, nil
	}()
	if err != nil {
		_ = tx.Rollback()
		return payins.PayIn{}, err
	}
	if err := tx.Commit(); err != nil {
		return payins.PayIn{}, err
	}

	log.WithFields(logFields(updated)).WithField("fee_msat", payment.FeeMsat).
		Info("Settled withdrawal")
	return updated, nil
}

// failWithdrawal releases the reservation after a definitive payment
// failure
func (e *Engine) failWithdrawal(payin payins.PayIn, bolt11 payouts.Bolt11) error {
	tx, err := e.db.Beginx()
	if err != nil {
		return err
	}
	err = func() error {
		if _, err := payins.GetByIDForUpdate(tx, payin.ID); err != nil {
			return err
		}
		reason := payins.ReasonPaymentFailed
		if _, err := payins.SetState(tx, payin.ID, payins.StateFailed, &reason); err != nil {
			return err
		}
		_, err := users.IncreaseBalance(tx, users.ChangeBalance{
			UserID: bolt11.UserID,
			Msats:  payin.McostMsat,
		})
		return err
	}()
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.WithFields(logFields(payin)).Info("Failed withdrawal, reservation released")
	return nil
}

// Retry replaces a FAILED payin with a fresh attempt. The new payin
// points at the one it replaces, cost and payment method are computed
// from scratch, and the old attempt moves to RETRYING in the same
// transaction that creates the new one.
func (e *Engine) Retry(ctx context.Context, payinID int) (CreateResult, error) {
	old, err := payins.GetByID(e.db, payinID)
	if err != nil {
		return CreateResult{}, err
	}
	if old.State != payins.StateFailed {
		return CreateResult{}, errors.Wrapf(payins.ErrIllegalTransition,
			"can only retry FAILED payins, %d is %s", payinID, old.State)
	}

	return e.Create(ctx, CreateArgs{
		Type:         old.Typ,
		UserID:       old.UserID,
		Args:         old.Args,
		BenefactorID: old.BenefactorID,
		retryOf:      &old.ID,
	})
}
