package pay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/snlabs/snpay/actions"
	"github.com/snlabs/snpay/ln"
	"github.com/snlabs/snpay/models/invoices"
	"github.com/snlabs/snpay/models/payins"
	"github.com/snlabs/snpay/models/payouts"
	"github.com/snlabs/snpay/models/users"
)

// CreateArgs is a request to create and fund one payin
type CreateArgs struct {
	Type payins.Type
	// UserID is nil for anonymous actors
	UserID *int
	// Args is the handler-specific payload, stored verbatim on the payin
	Args json.RawMessage
	// BenefactorID marks the upstream payin funding this one
	BenefactorID *int

	// retryOf is set by Retry only
	retryOf *int
}

// CreateResult is what the caller gets back. Invoice is set for invoiced
// payment methods, the payin then settles asynchronously once it is
// paid.
type CreateResult struct {
	PayIn   payins.PayIn
	Invoice *invoices.Invoice
}

// anonMethods are the payment methods that work without an account
var anonMethods = map[payins.PaymentMethod]bool{
	payins.MethodPessimistic: true,
	payins.MethodP2P:         true,
}

// Create prices an action, picks a payment method and persists the
// payin. Custodial methods settle synchronously before Create returns,
// invoiced methods return a pending payin with an attached invoice.
//
// The Lightning backend is never called while holding database locks:
// pricing happens in a throwaway read transaction, the invoice is
// created against the backend, and only then does the write transaction
// run. Pricing is re-checked inside the write transaction.
func (e *Engine) Create(ctx context.Context, args CreateArgs) (CreateResult, error) {
	handler, err := actions.Get(args.Type)
	if err != nil {
		return CreateResult{}, err
	}
	if args.UserID == nil && !handler.Anonable() {
		return CreateResult{}, errors.Wrapf(ErrUnauthenticated, "%s", args.Type)
	}

	mcost, method, err := e.price(handler, args)
	if err != nil {
		return CreateResult{}, err
	}

	// invoiced methods talk to the backend before any locks are taken
	var created *ln.Invoice
	if methodInvoiced(method) {
		invoice, err := e.createInvoice(ctx, handler, args, mcost, method)
		if err != nil {
			return CreateResult{}, err
		}
		created = &invoice
	}

	tx, err := e.db.Beginx()
	if err != nil {
		return CreateResult{}, err
	}
	result, err := e.persist(tx, handler, args, mcost, method, created)
	if err != nil {
		_ = tx.Rollback()
		return CreateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CreateResult{}, errors.Wrap(err, "could not commit payin")
	}

	// a funded withdrawal executes its Lightning payment after the
	// reservation committed
	if _, ok := handler.(actions.Bolt11PayerOut); ok && method == payins.MethodRewardSats {
		return e.executeWithdrawal(ctx, result.PayIn)
	}

	log.WithFields(logFields(result.PayIn)).Info("Created payin")
	return result, nil
}

// price runs the side-effect free part of creation in a read-only
// transaction that is always rolled back
func (e *Engine) price(handler actions.Handler, args CreateArgs) (int64, payins.PaymentMethod, error) {
	tx, err := e.db.Beginx()
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = tx.Rollback() }()

	actx := actions.Context{Tx: tx, UserID: args.UserID, Network: e.network}
	mcost, err := handler.GetCost(actx, args.Args)
	if err != nil {
		return 0, "", err
	}
	method, err := selectMethod(actx, handler, args.Args, mcost)
	if err != nil {
		return 0, "", err
	}
	return mcost, method, nil
}

// selectMethod walks the handler's ordered preference list and picks the
// first method the actor can actually use
func selectMethod(actx actions.Context, handler actions.Handler,
	raw json.RawMessage, mcost int64) (payins.PaymentMethod, error) {

	var user users.User
	if actx.UserID != nil {
		var err error
		user, err = users.GetByID(actx.Tx, *actx.UserID)
		if err != nil {
			return "", err
		}
	}

	for _, method := range handler.PaymentMethods() {
		if actx.Anonymous() && !anonMethods[method] {
			continue
		}
		switch method {
		case payins.MethodFeeCredit:
			if user.CreditsMsat >= mcost {
				return method, nil
			}
		case payins.MethodRewardSats:
			if user.BalanceMsat >= mcost {
				return method, nil
			}
		case payins.MethodOptimistic:
			if supportsOptimism(handler) {
				return method, nil
			}
		case payins.MethodPessimistic:
			return method, nil
		case payins.MethodP2P:
			peered, ok := handler.(actions.PeerInvoiceable)
			if !ok {
				continue
			}
			peer, err := peered.InvoiceablePeer(actx, raw)
			if err != nil {
				return "", err
			}
			if peer != nil {
				return method, nil
			}
		}
	}

	if actx.Anonymous() {
		return "", errors.Wrap(ErrUnauthenticated, "no payment method available to anonymous actor")
	}
	return "", errors.Wrap(ErrInsufficientFunds, "no payment method can cover the cost")
}

func supportsOptimism(handler actions.Handler) bool {
	supporter, ok := handler.(actions.OptimismSupporter)
	return ok && supporter.SupportsOptimism()
}

func methodInvoiced(method payins.PaymentMethod) bool {
	switch method {
	case payins.MethodOptimistic, payins.MethodPessimistic, payins.MethodP2P:
		return true
	}
	return false
}

// invoiceTotal is the amount the invoice is made out for: the action
// cost, plus the sybil surcharge on peer-to-peer payments
func invoiceTotal(handler actions.Handler, method payins.PaymentMethod, mcost int64) (total, sybilFee int64) {
	total = mcost
	if method == payins.MethodP2P {
		if bearer, ok := handler.(actions.SybilFeeBearer); ok {
			sybilFee = payins.MsatsFeePercent(mcost, bearer.SybilFeePercent())
			total += sybilFee
		}
	}
	return total, sybilFee
}

func (e *Engine) createInvoice(ctx context.Context, handler actions.Handler,
	args CreateArgs, mcost int64, method payins.PaymentMethod) (ln.Invoice, error) {

	total, _ := invoiceTotal(handler, method, mcost)
	if total > ln.MaxAmountMsatPerInvoice {
		return ln.Invoice{}, errors.Wrapf(actions.ErrInvalidArgument,
			"amount %d msat exceeds invoice limit", total)
	}

	// Describe is side-effect free, a throwaway read transaction is
	// enough
	tx, err := e.db.Beginx()
	if err != nil {
		return ln.Invoice{}, err
	}
	actx := actions.Context{Tx: tx, UserID: args.UserID, Network: e.network}
	description, err := handler.Describe(actx, args.Args)
	_ = tx.Rollback()
	if err != nil {
		return ln.Invoice{}, err
	}

	callCtx, cancel := providerCtx(ctx)
	defer cancel()
	invoice, err := e.ln.CreateInvoice(callCtx, ln.CreateInvoiceArgs{
		Msats:       total,
		Description: description,
		Expiry:      ln.DefaultInvoiceExpiry,
	})
	if err != nil {
		return ln.Invoice{}, wrapProviderErr(err, "invoice creation")
	}
	return invoice, nil
}

// persist is the write transaction of Create: conflict checks, the
// payin row and everything hanging off it, and synchronous settlement
// for custodial methods
func (e *Engine) persist(tx *sqlx.Tx, handler actions.Handler,
	args CreateArgs, mcost int64, method payins.PaymentMethod,
	created *ln.Invoice) (CreateResult, error) {

	actx := actions.Context{Tx: tx, UserID: args.UserID, Network: e.network}

	// referenced entities may have changed since pricing
	verified, err := handler.GetCost(actx, args.Args)
	if err != nil {
		return CreateResult{}, err
	}
	if verified != mcost {
		return CreateResult{}, errors.Wrapf(ErrCostChanged, "%d msat is now %d msat", mcost, verified)
	}

	if checker, ok := handler.(actions.ConflictChecker); ok {
		if err := checker.CheckConflict(actx, args.Args, args.retryOf); err != nil {
			return CreateResult{}, err
		}
	}

	// a retry moves the failed attempt to RETRYING in the same
	// transaction that creates its replacement
	if args.retryOf != nil {
		if _, err := payins.GetByIDForUpdate(tx, *args.retryOf); err != nil {
			return CreateResult{}, err
		}
		if _, err := payins.SetState(tx, *args.retryOf, payins.StateRetrying, nil); err != nil {
			return CreateResult{}, err
		}
	}

	payin, err := payins.Insert(tx, payins.PayIn{
		Typ:           args.Type,
		UserID:        args.UserID,
		Args:          args.Args,
		McostMsat:     mcost,
		PaymentMethod: method,
		SuccessorID:   args.retryOf,
		BenefactorID:  args.BenefactorID,
	})
	if err != nil {
		return CreateResult{}, err
	}
	actx.PayIn = &payin

	if resolver, ok := handler.(actions.TargetItemResolver); ok {
		itemID, err := resolver.TargetItem(actx, args.Args)
		if err != nil {
			return CreateResult{}, err
		}
		if err := payins.LinkItem(tx, itemID, payin.ID); err != nil {
			return CreateResult{}, err
		}
	}

	if err := e.insertPayouts(actx, tx, handler, args, payin, mcost, method); err != nil {
		return CreateResult{}, err
	}

	result := CreateResult{PayIn: payin}
	switch method {
	case payins.MethodFeeCredit:
		_, err = users.DecreaseCredits(tx, users.ChangeBalance{UserID: *args.UserID, Msats: mcost})
		if err != nil {
			return CreateResult{}, mapBalanceErr(err)
		}
		result.PayIn, err = e.settleInTx(tx, actx, handler, payin, true)
		if err != nil {
			return CreateResult{}, err
		}

	case payins.MethodRewardSats:
		_, err = users.DecreaseBalance(tx, users.ChangeBalance{UserID: *args.UserID, Msats: mcost})
		if err != nil {
			return CreateResult{}, mapBalanceErr(err)
		}
		// withdrawals stay PENDING until the outbound payment resolves
		if _, ok := handler.(actions.Bolt11PayerOut); !ok {
			result.PayIn, err = e.settleInTx(tx, actx, handler, payin, true)
			if err != nil {
				return CreateResult{}, err
			}
		}

	case payins.MethodOptimistic:
		// the action effect is published right away, OnFail retracts it
		// if the invoice never settles
		performed, err := handler.Perform(actx, args.Args)
		if err != nil {
			return CreateResult{}, err
		}
		if performed.ItemID != nil {
			if err := payins.LinkItem(tx, *performed.ItemID, payin.ID); err != nil {
				return CreateResult{}, err
			}
		}
		total, _ := invoiceTotal(handler, method, mcost)
		result.Invoice, err = e.insertInvoice(tx, payin, created, total)
		if err != nil {
			return CreateResult{}, err
		}

	case payins.MethodPessimistic, payins.MethodP2P:
		total, _ := invoiceTotal(handler, method, mcost)
		result.Invoice, err = e.insertInvoice(tx, payin, created, total)
		if err != nil {
			return CreateResult{}, err
		}
	}

	return result, nil
}

// insertPayouts persists the beneficiary ledger: the handler's custodial
// tokens, the sybil fee on P2P payments and, for withdrawals, the
// outbound bolt11
func (e *Engine) insertPayouts(actx actions.Context, tx *sqlx.Tx, handler actions.Handler,
	args CreateArgs, payin payins.PayIn, mcost int64, method payins.PaymentMethod) error {

	tokens, err := handler.Payouts(actx, args.Args, mcost)
	if err != nil {
		return err
	}
	if _, sybilFee := invoiceTotal(handler, method, mcost); sybilFee > 0 {
		tokens = append(tokens, payouts.CustodialToken{
			Mtokens:   sybilFee,
			TokenType: payouts.TokenSats,
			PayOut:    payouts.TypeRoutingFee,
		})
	}
	for _, token := range tokens {
		token.PayInID = payin.ID
		if _, err := payouts.InsertCustodialToken(tx, token); err != nil {
			return err
		}
	}

	if payer, ok := handler.(actions.Bolt11PayerOut); ok {
		bolt11, err := payer.PayoutBolt11(actx, args.Args)
		if err != nil {
			return err
		}
		bolt11.PayInID = payin.ID
		if _, err := payouts.InsertBolt11(tx, bolt11); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) insertInvoice(tx *sqlx.Tx, payin payins.PayIn, created *ln.Invoice,
	total int64) (*invoices.Invoice, error) {
	invoice, err := invoices.Insert(tx, invoices.Invoice{
		Hash:           created.Hash,
		PayInID:        payin.ID,
		Bolt11:         created.Bolt11,
		MsatsRequested: total,
		ExpiresAt:      time.Now().Add(time.Duration(created.Expiry) * time.Second),
	})
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

// mapBalanceErr maps a check constraint violation onto the engine error
// surface. It only fires when the balance changed between selection and
// debit.
func mapBalanceErr(err error) error {
	if errors.Is(err, users.ErrBalanceTooLow) {
		return errors.Wrap(ErrInsufficientFunds, "balance changed during creation")
	}
	return err
}
