package actions

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/snlabs/snpay/models/items"
	"github.com/snlabs/snpay/models/payins"
	"github.com/snlabs/snpay/models/payouts"
)

type downZapArgs struct {
	ItemID int   `json:"itemId"`
	Msats  int64 `json:"msats"`
}

// downZap flags an item by burning sats against it. Unlike a zap the
// author gets nothing, the amount funds the rewards pool.
type downZap struct{}

func (downZap) Anonable() bool { return false }

func (downZap) PaymentMethods() []payins.PaymentMethod {
	return []payins.PaymentMethod{
		payins.MethodFeeCredit,
		payins.MethodRewardSats,
		payins.MethodOptimistic,
		payins.MethodPessimistic,
	}
}

func (downZap) SupportsOptimism() bool { return true }

func (downZap) GetCost(ctx Context, raw json.RawMessage) (int64, error) {
	var args downZapArgs
	if err := decodeArgs(raw, &args); err != nil {
		return 0, err
	}
	if args.Msats <= 0 {
		return 0, errors.Wrap(ErrInvalidArgument, "amount must be positive")
	}
	item, err := items.GetByID(ctx.Tx, args.ItemID)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidArgument, "item %d does not exist", args.ItemID)
	}
	if item.Status != items.StatusVisible {
		return 0, errors.Wrapf(ErrInvalidArgument, "item %d is not visible", args.ItemID)
	}
	return args.Msats, nil
}

func (downZap) TargetItem(ctx Context, raw json.RawMessage) (int, error) {
	var args downZapArgs
	if err := decodeArgs(raw, &args); err != nil {
		return 0, err
	}
	return args.ItemID, nil
}

func (downZap) Perform(ctx Context, raw json.RawMessage) (Result, error) {
	return Result{}, nil
}

func (downZap) OnPaid(ctx Context, raw json.RawMessage) error { return nil }
func (downZap) OnFail(ctx Context, raw json.RawMessage) error { return nil }

func (downZap) Describe(ctx Context, raw json.RawMessage) (string, error) {
	var args downZapArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	return fmt.Sprintf("SN: downzap item %d", args.ItemID), nil
}

func (downZap) Payouts(ctx Context, raw json.RawMessage, mcost int64) ([]payouts.CustodialToken, error) {
	return []payouts.CustodialToken{{
		Mtokens:   mcost,
		TokenType: payouts.TokenSats,
		PayOut:    payouts.TypeActionFee,
	}}, nil
}
