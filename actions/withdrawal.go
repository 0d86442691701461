package actions

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/snlabs/snpay/ln"
	"github.com/snlabs/snpay/models/jobs"
	"github.com/snlabs/snpay/models/payins"
	"github.com/snlabs/snpay/models/payouts"
)

type withdrawalArgs struct {
	Bolt11 string `json:"bolt11"`
	// MaxFeeSats is the routing fee budget. Unspent budget is refunded
	// when the payment settles.
	MaxFeeSats int64 `json:"maxFeeSats"`
}

// withdrawal pays a user-supplied invoice from their custodial balance.
// The invoice amount plus the full fee budget is reserved up front.
type withdrawal struct{}

func (withdrawal) Anonable() bool { return false }

// Withdrawals only draw on the sats balance, credits are not
// withdrawable and invoicing yourself to pay yourself makes no sense
func (withdrawal) PaymentMethods() []payins.PaymentMethod {
	return []payins.PaymentMethod{payins.MethodRewardSats}
}

func (w withdrawal) decode(ctx Context, raw json.RawMessage) (withdrawalArgs, ln.DecodedBolt11, error) {
	var args withdrawalArgs
	if err := decodeArgs(raw, &args); err != nil {
		return withdrawalArgs{}, ln.DecodedBolt11{}, err
	}
	if args.MaxFeeSats < 0 {
		return withdrawalArgs{}, ln.DecodedBolt11{},
			errors.Wrap(ErrInvalidArgument, "fee budget cannot be negative")
	}
	decoded, err := ln.DecodeBolt11(args.Bolt11, ctx.Network)
	if err != nil {
		return withdrawalArgs{}, ln.DecodedBolt11{},
			errors.Wrapf(ErrInvalidArgument, "could not decode invoice: %v", err)
	}
	return args, decoded, nil
}

func (w withdrawal) GetCost(ctx Context, raw json.RawMessage) (int64, error) {
	args, decoded, err := w.decode(ctx, raw)
	if err != nil {
		return 0, err
	}
	return decoded.Msats + payins.SatsToMsats(args.MaxFeeSats), nil
}

func (w withdrawal) PayoutBolt11(ctx Context, raw json.RawMessage) (payouts.Bolt11, error) {
	args, decoded, err := w.decode(ctx, raw)
	if err != nil {
		return payouts.Bolt11{}, err
	}
	return payouts.Bolt11{
		UserID:     *ctx.UserID,
		Bolt11:     args.Bolt11,
		Hash:       decoded.Hash,
		Msats:      decoded.Msats,
		MaxFeeMsat: payins.SatsToMsats(args.MaxFeeSats),
	}, nil
}

func (withdrawal) Perform(ctx Context, raw json.RawMessage) (Result, error) {
	return Result{}, nil
}

func (withdrawal) OnPaid(ctx Context, raw json.RawMessage) error { return nil }
func (withdrawal) OnFail(ctx Context, raw json.RawMessage) error { return nil }

func (withdrawal) Describe(ctx Context, raw json.RawMessage) (string, error) {
	return "SN: withdraw funds", nil
}

// Payouts is empty: the funds leave over Lightning, and the engine adds
// the fee budget refund once the actual routing fee is known
func (withdrawal) Payouts(ctx Context, raw json.RawMessage, mcost int64) ([]payouts.CustodialToken, error) {
	return nil, nil
}

func (withdrawal) EnqueueSideEffects(ctx Context, raw json.RawMessage) error {
	_, err := jobs.Enqueue(ctx.Tx, jobs.KindWithdrawalSettled, struct {
		PayinID int `json:"payinId"`
		UserID  int `json:"userId"`
	}{PayinID: ctx.PayIn.ID, UserID: *ctx.UserID})
	return err
}
