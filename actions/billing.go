package actions

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/snlabs/snpay/models/items"
	"github.com/snlabs/snpay/models/payins"
	"github.com/snlabs/snpay/models/payouts"
)

// Territory billing prices in sats
const (
	billingMonthlySats = 100_000
	billingYearlySats  = 1_000_000
	billingOnceSats    = 3_000_000
)

type billingArgs struct {
	Territory string `json:"territory"`
}

// territoryBilling charges a territory founder for the next billing
// period
type territoryBilling struct{}

func (territoryBilling) Anonable() bool { return false }

func (territoryBilling) PaymentMethods() []payins.PaymentMethod {
	return []payins.PaymentMethod{
		payins.MethodRewardSats,
		payins.MethodPessimistic,
	}
}

func (territoryBilling) territory(ctx Context, raw json.RawMessage) (items.Territory, error) {
	var args billingArgs
	if err := decodeArgs(raw, &args); err != nil {
		return items.Territory{}, err
	}
	territory, err := items.GetTerritory(ctx.Tx, args.Territory)
	if err != nil {
		return items.Territory{}, errors.Wrapf(ErrInvalidArgument,
			"territory %q does not exist", args.Territory)
	}
	if territory.FounderID != *ctx.UserID {
		return items.Territory{}, errors.Wrapf(ErrInvalidArgument,
			"only the founder can pay billing for %q", args.Territory)
	}
	return territory, nil
}

func (t territoryBilling) GetCost(ctx Context, raw json.RawMessage) (int64, error) {
	territory, err := t.territory(ctx, raw)
	if err != nil {
		return 0, err
	}
	switch territory.BillingType {
	case items.BillingMonthly:
		return payins.SatsToMsats(billingMonthlySats), nil
	case items.BillingYearly:
		return payins.SatsToMsats(billingYearlySats), nil
	case items.BillingOnce:
		return payins.SatsToMsats(billingOnceSats), nil
	default:
		return 0, errors.Wrapf(ErrInvalidArgument,
			"unknown billing type %q", territory.BillingType)
	}
}

func (territoryBilling) Perform(ctx Context, raw json.RawMessage) (Result, error) {
	return Result{}, nil
}

// OnPaid stamps the territory as billed for the period that was just
// paid for
func (t territoryBilling) OnPaid(ctx Context, raw json.RawMessage) error {
	territory, err := t.territory(ctx, raw)
	if err != nil {
		return err
	}
	return items.MarkTerritoryBilled(ctx.Tx, territory.ID, ctx.PayIn.StateChangedAt)
}

func (territoryBilling) OnFail(ctx Context, raw json.RawMessage) error { return nil }

func (territoryBilling) Describe(ctx Context, raw json.RawMessage) (string, error) {
	var args billingArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	return fmt.Sprintf("SN: billing for ~%s", args.Territory), nil
}

func (territoryBilling) Payouts(ctx Context, raw json.RawMessage, mcost int64) ([]payouts.CustodialToken, error) {
	return []payouts.CustodialToken{{
		Mtokens:   mcost,
		TokenType: payouts.TokenSats,
		PayOut:    payouts.TypeActionFee,
	}}, nil
}
