package actions

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/snlabs/snpay/models/payins"
	"github.com/snlabs/snpay/models/payouts"
)

type buyCreditsArgs struct {
	Sats int64 `json:"sats"`
}

// buyCredits converts sats into non-withdrawable fee credits
type buyCredits struct{}

func (buyCredits) Anonable() bool { return false }

// Credits can't buy credits, only real sats can
func (buyCredits) PaymentMethods() []payins.PaymentMethod {
	return []payins.PaymentMethod{
		payins.MethodRewardSats,
		payins.MethodPessimistic,
	}
}

func (buyCredits) GetCost(ctx Context, raw json.RawMessage) (int64, error) {
	var args buyCreditsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return 0, err
	}
	if args.Sats <= 0 {
		return 0, errors.Wrap(ErrInvalidArgument, "amount must be positive")
	}
	return payins.SatsToMsats(args.Sats), nil
}

func (buyCredits) Perform(ctx Context, raw json.RawMessage) (Result, error) {
	return Result{}, nil
}

func (buyCredits) OnPaid(ctx Context, raw json.RawMessage) error { return nil }
func (buyCredits) OnFail(ctx Context, raw json.RawMessage) error { return nil }

func (buyCredits) Describe(ctx Context, raw json.RawMessage) (string, error) {
	return "SN: buy fee credits", nil
}

func (buyCredits) Payouts(ctx Context, raw json.RawMessage, mcost int64) ([]payouts.CustodialToken, error) {
	return []payouts.CustodialToken{{
		UserID:    ctx.UserID,
		Mtokens:   mcost,
		TokenType: payouts.TokenCredits,
		PayOut:    payouts.TypeBuyCredits,
	}}, nil
}
