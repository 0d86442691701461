package actions

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/snlabs/snpay/models/items"
	"github.com/snlabs/snpay/models/payins"
	"github.com/snlabs/snpay/models/payouts"
)

const pollVoteCostMsat = 1_000

type pollVoteArgs struct {
	ItemID   int `json:"itemId"`
	OptionID int `json:"optionId"`
}

// pollVote casts a paid vote on a poll item
type pollVote struct{}

func (pollVote) Anonable() bool { return false }

func (pollVote) PaymentMethods() []payins.PaymentMethod {
	return []payins.PaymentMethod{
		payins.MethodFeeCredit,
		payins.MethodRewardSats,
		payins.MethodOptimistic,
		payins.MethodPessimistic,
	}
}

func (pollVote) SupportsOptimism() bool { return true }

func (pollVote) GetCost(ctx Context, raw json.RawMessage) (int64, error) {
	var args pollVoteArgs
	if err := decodeArgs(raw, &args); err != nil {
		return 0, err
	}
	item, err := items.GetByID(ctx.Tx, args.ItemID)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidArgument, "item %d does not exist", args.ItemID)
	}
	if !item.IsPoll {
		return 0, errors.Wrapf(ErrInvalidArgument, "item %d is not a poll", args.ItemID)
	}
	if _, err := items.GetPollOption(ctx.Tx, args.ItemID, args.OptionID); err != nil {
		return 0, errors.Wrapf(ErrInvalidArgument,
			"option %d does not belong to poll %d", args.OptionID, args.ItemID)
	}
	voted, err := items.HasVoted(ctx.Tx, args.ItemID, *ctx.UserID)
	if err != nil {
		return 0, err
	}
	if voted {
		return 0, errors.Wrap(ErrInvalidArgument, "user already voted on this poll")
	}
	return pollVoteCostMsat, nil
}

func (pollVote) TargetItem(ctx Context, raw json.RawMessage) (int, error) {
	var args pollVoteArgs
	if err := decodeArgs(raw, &args); err != nil {
		return 0, err
	}
	return args.ItemID, nil
}

func (pollVote) Perform(ctx Context, raw json.RawMessage) (Result, error) {
	var args pollVoteArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Result{}, err
	}
	_, err := items.InsertPollVote(ctx.Tx, items.PollVote{
		ItemID:   args.ItemID,
		OptionID: args.OptionID,
		UserID:   *ctx.UserID,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{}, nil
}

func (pollVote) OnPaid(ctx Context, raw json.RawMessage) error { return nil }

// OnFail retracts the optimistically recorded vote
func (pollVote) OnFail(ctx Context, raw json.RawMessage) error {
	var args pollVoteArgs
	if err := decodeArgs(raw, &args); err != nil {
		return err
	}
	return items.DeletePollVote(ctx.Tx, args.ItemID, *ctx.UserID)
}

func (pollVote) Describe(ctx Context, raw json.RawMessage) (string, error) {
	var args pollVoteArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	return fmt.Sprintf("SN: vote on poll %d", args.ItemID), nil
}

func (pollVote) Payouts(ctx Context, raw json.RawMessage, mcost int64) ([]payouts.CustodialToken, error) {
	return []payouts.CustodialToken{{
		Mtokens:   mcost,
		TokenType: payouts.TokenSats,
		PayOut:    payouts.TypeActionFee,
	}}, nil
}
