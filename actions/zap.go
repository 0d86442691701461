package actions

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/snlabs/snpay/models/items"
	"github.com/snlabs/snpay/models/jobs"
	"github.com/snlabs/snpay/models/payins"
	"github.com/snlabs/snpay/models/payouts"
)

// zapSybilFeePercent is the surcharge on peer-to-peer zaps, paid into
// the routing fee pool on top of the zapped amount
const zapSybilFeePercent = 10

type zapArgs struct {
	ItemID int   `json:"itemId"`
	Msats  int64 `json:"msats"`
}

// zap sends sats to the author of an item
type zap struct{}

func (zap) Anonable() bool { return true }

func (zap) PaymentMethods() []payins.PaymentMethod {
	return []payins.PaymentMethod{
		payins.MethodFeeCredit,
		payins.MethodRewardSats,
		payins.MethodP2P,
		payins.MethodOptimistic,
		payins.MethodPessimistic,
	}
}

func (zap) SupportsOptimism() bool { return true }

func (zap) SybilFeePercent() int64 { return zapSybilFeePercent }

// target loads and validates the zapped item
func (zap) target(ctx Context, raw json.RawMessage) (items.Item, error) {
	var args zapArgs
	if err := decodeArgs(raw, &args); err != nil {
		return items.Item{}, err
	}
	if args.Msats <= 0 {
		return items.Item{}, errors.Wrap(ErrInvalidArgument, "zap amount must be positive")
	}
	item, err := items.GetByID(ctx.Tx, args.ItemID)
	if err != nil {
		return items.Item{}, errors.Wrapf(ErrInvalidArgument, "item %d does not exist", args.ItemID)
	}
	if item.Status != items.StatusVisible {
		return items.Item{}, errors.Wrapf(ErrInvalidArgument, "item %d is not visible", args.ItemID)
	}
	return item, nil
}

func (z zap) GetCost(ctx Context, raw json.RawMessage) (int64, error) {
	if _, err := z.target(ctx, raw); err != nil {
		return 0, err
	}
	var args zapArgs
	if err := decodeArgs(raw, &args); err != nil {
		return 0, err
	}
	return args.Msats, nil
}

func (z zap) TargetItem(ctx Context, raw json.RawMessage) (int, error) {
	item, err := z.target(ctx, raw)
	if err != nil {
		return 0, err
	}
	return item.ID, nil
}

// InvoiceablePeer resolves the zap recipient for P2P payments. Items
// without an author (or self-zaps) have no invoiceable peer.
func (z zap) InvoiceablePeer(ctx Context, raw json.RawMessage) (*int, error) {
	item, err := z.target(ctx, raw)
	if err != nil {
		return nil, err
	}
	if item.UserID == nil {
		return nil, nil
	}
	if ctx.UserID != nil && *ctx.UserID == *item.UserID {
		return nil, nil
	}
	return item.UserID, nil
}

// Perform is a no-op, the economic effect of a zap is its payout
func (zap) Perform(ctx Context, raw json.RawMessage) (Result, error) {
	return Result{}, nil
}

func (zap) OnPaid(ctx Context, raw json.RawMessage) error { return nil }
func (zap) OnFail(ctx Context, raw json.RawMessage) error { return nil }

func (z zap) Describe(ctx Context, raw json.RawMessage) (string, error) {
	var args zapArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	return fmt.Sprintf("SN: zap %d sats to item %d",
		payins.MsatsToSatsFloor(args.Msats), args.ItemID), nil
}

func (z zap) Payouts(ctx Context, raw json.RawMessage, mcost int64) ([]payouts.CustodialToken, error) {
	item, err := z.target(ctx, raw)
	if err != nil {
		return nil, err
	}
	// item.UserID nil means the author was anonymous, the zap then
	// funds the rewards pool
	return []payouts.CustodialToken{{
		UserID:    item.UserID,
		Mtokens:   mcost,
		TokenType: payouts.TokenSats,
		PayOut:    payouts.TypeZap,
	}}, nil
}

func (z zap) EnqueueSideEffects(ctx Context, raw json.RawMessage) error {
	var args zapArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	item, err := items.GetByID(ctx.Tx, args.ItemID)
	if err != nil {
		return err
	}
	if item.UserID == nil {
		return nil
	}
	_, err = jobs.Enqueue(ctx.Tx, jobs.KindZapReceived, struct {
		ItemID int   `json:"itemId"`
		UserID int   `json:"userId"`
		Msats  int64 `json:"msats"`
	}{ItemID: item.ID, UserID: *item.UserID, Msats: args.Msats})
	return err
}
