package actions

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/snlabs/snpay/models/payins"
	"github.com/snlabs/snpay/models/payouts"
)

type donateArgs struct {
	Sats int64 `json:"sats"`
}

// donate pays into the rewards pool, no strings attached
type donate struct{}

func (donate) Anonable() bool { return true }

func (donate) PaymentMethods() []payins.PaymentMethod {
	return []payins.PaymentMethod{
		payins.MethodFeeCredit,
		payins.MethodRewardSats,
		payins.MethodPessimistic,
	}
}

func (donate) GetCost(ctx Context, raw json.RawMessage) (int64, error) {
	var args donateArgs
	if err := decodeArgs(raw, &args); err != nil {
		return 0, err
	}
	if args.Sats <= 0 {
		return 0, errors.Wrap(ErrInvalidArgument, "donation must be positive")
	}
	return payins.SatsToMsats(args.Sats), nil
}

func (donate) Perform(ctx Context, raw json.RawMessage) (Result, error) {
	return Result{}, nil
}

func (donate) OnPaid(ctx Context, raw json.RawMessage) error { return nil }
func (donate) OnFail(ctx Context, raw json.RawMessage) error { return nil }

func (donate) Describe(ctx Context, raw json.RawMessage) (string, error) {
	return "SN: donate to rewards pool", nil
}

func (donate) Payouts(ctx Context, raw json.RawMessage, mcost int64) ([]payouts.CustodialToken, error) {
	return []payouts.CustodialToken{{
		Mtokens:   mcost,
		TokenType: payouts.TokenSats,
		PayOut:    payouts.TypeDonation,
	}}, nil
}
