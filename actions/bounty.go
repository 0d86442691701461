package actions

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/snlabs/snpay/models/items"
	"github.com/snlabs/snpay/models/payins"
	"github.com/snlabs/snpay/models/payouts"
	"github.com/snlabs/snpay/models/users"
)

type bountyArgs struct {
	// ItemID is the bounty post
	ItemID int `json:"itemId"`
	// RecipientID is the user being awarded the bounty
	RecipientID int `json:"recipientId"`
}

// bountyPayment awards a post's bounty to a user. Concurrent and
// retried attempts against the same bounty are serialized so it can
// only ever be paid once.
type bountyPayment struct{}

func (bountyPayment) Anonable() bool { return false }

func (bountyPayment) PaymentMethods() []payins.PaymentMethod {
	return []payins.PaymentMethod{
		payins.MethodRewardSats,
		payins.MethodPessimistic,
	}
}

func (bountyPayment) item(ctx Context, raw json.RawMessage) (items.Item, bountyArgs, error) {
	var args bountyArgs
	if err := decodeArgs(raw, &args); err != nil {
		return items.Item{}, args, err
	}
	item, err := items.GetByID(ctx.Tx, args.ItemID)
	if err != nil {
		return items.Item{}, args, errors.Wrapf(ErrInvalidArgument,
			"item %d does not exist", args.ItemID)
	}
	if item.BountyMsat == nil {
		return items.Item{}, args, errors.Wrapf(ErrInvalidArgument,
			"item %d carries no bounty", args.ItemID)
	}
	if item.UserID == nil || *item.UserID != *ctx.UserID {
		return items.Item{}, args, errors.Wrap(ErrInvalidArgument,
			"only the bounty poster can award it")
	}
	if _, err := users.GetByID(ctx.Tx, args.RecipientID); err != nil {
		return items.Item{}, args, errors.Wrapf(ErrInvalidArgument,
			"recipient %d does not exist", args.RecipientID)
	}
	return item, args, nil
}

func (b bountyPayment) GetCost(ctx Context, raw json.RawMessage) (int64, error) {
	item, _, err := b.item(ctx, raw)
	if err != nil {
		return 0, err
	}
	return *item.BountyMsat, nil
}

func (b bountyPayment) TargetItem(ctx Context, raw json.RawMessage) (int, error) {
	item, _, err := b.item(ctx, raw)
	if err != nil {
		return 0, err
	}
	return item.ID, nil
}

// CheckConflict enforces the single-winner rule for a bounty. It runs
// with the bounty's payin history locked.
func (b bountyPayment) CheckConflict(ctx Context, raw json.RawMessage, retryOf *int) error {
	var args bountyArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	return payins.CheckBountyAttempt(ctx.Tx, args.ItemID, retryOf)
}

func (bountyPayment) Perform(ctx Context, raw json.RawMessage) (Result, error) {
	return Result{}, nil
}

func (bountyPayment) OnPaid(ctx Context, raw json.RawMessage) error { return nil }
func (bountyPayment) OnFail(ctx Context, raw json.RawMessage) error { return nil }

func (bountyPayment) Describe(ctx Context, raw json.RawMessage) (string, error) {
	var args bountyArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	return fmt.Sprintf("SN: pay bounty on item %d", args.ItemID), nil
}

func (b bountyPayment) Payouts(ctx Context, raw json.RawMessage, mcost int64) ([]payouts.CustodialToken, error) {
	_, args, err := b.item(ctx, raw)
	if err != nil {
		return nil, err
	}
	return []payouts.CustodialToken{{
		UserID:    &args.RecipientID,
		Mtokens:   mcost,
		TokenType: payouts.TokenSats,
		PayOut:    payouts.TypeBounty,
	}}, nil
}
