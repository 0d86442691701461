package actions

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/snlabs/snpay/models/items"
	"github.com/snlabs/snpay/models/jobs"
	"github.com/snlabs/snpay/models/payins"
	"github.com/snlabs/snpay/models/payouts"
	"github.com/snlabs/snpay/models/users"
)

type inviteGiftArgs struct {
	InviteID  string `json:"inviteId"`
	InviteeID int    `json:"inviteeId"`
}

// inviteGift funds the welcome gift attached to an invite link when a
// new user redeems it. The inviter pays, the invitee receives.
type inviteGift struct{}

func (inviteGift) Anonable() bool { return false }

func (inviteGift) PaymentMethods() []payins.PaymentMethod {
	return []payins.PaymentMethod{payins.MethodRewardSats}
}

func (inviteGift) invite(ctx Context, raw json.RawMessage) (items.Invite, inviteGiftArgs, error) {
	var args inviteGiftArgs
	if err := decodeArgs(raw, &args); err != nil {
		return items.Invite{}, args, err
	}
	invite, err := items.GetInvite(ctx.Tx, args.InviteID)
	if err != nil {
		return items.Invite{}, args, errors.Wrapf(ErrInvalidArgument,
			"invite %q does not exist", args.InviteID)
	}
	if invite.Revoked {
		return items.Invite{}, args, errors.Wrapf(ErrInvalidArgument,
			"invite %q is revoked", args.InviteID)
	}
	if invite.UserID != *ctx.UserID {
		return items.Invite{}, args, errors.Wrap(ErrInvalidArgument,
			"invite belongs to another user")
	}
	if _, err := users.GetByID(ctx.Tx, args.InviteeID); err != nil {
		return items.Invite{}, args, errors.Wrapf(ErrInvalidArgument,
			"invitee %d does not exist", args.InviteeID)
	}
	return invite, args, nil
}

func (i inviteGift) GetCost(ctx Context, raw json.RawMessage) (int64, error) {
	invite, _, err := i.invite(ctx, raw)
	if err != nil {
		return 0, err
	}
	if invite.GiftMsat <= 0 {
		return 0, errors.Wrap(ErrInvalidArgument, "invite carries no gift")
	}
	return invite.GiftMsat, nil
}

func (inviteGift) Perform(ctx Context, raw json.RawMessage) (Result, error) {
	return Result{}, nil
}

func (inviteGift) OnPaid(ctx Context, raw json.RawMessage) error { return nil }
func (inviteGift) OnFail(ctx Context, raw json.RawMessage) error { return nil }

func (inviteGift) Describe(ctx Context, raw json.RawMessage) (string, error) {
	var args inviteGiftArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	return fmt.Sprintf("SN: invite gift %s", args.InviteID), nil
}

func (i inviteGift) Payouts(ctx Context, raw json.RawMessage, mcost int64) ([]payouts.CustodialToken, error) {
	_, args, err := i.invite(ctx, raw)
	if err != nil {
		return nil, err
	}
	return []payouts.CustodialToken{{
		UserID:    &args.InviteeID,
		Mtokens:   mcost,
		TokenType: payouts.TokenSats,
		PayOut:    payouts.TypeInviteGift,
	}}, nil
}

func (i inviteGift) EnqueueSideEffects(ctx Context, raw json.RawMessage) error {
	_, args, err := i.invite(ctx, raw)
	if err != nil {
		return err
	}
	_, err = jobs.Enqueue(ctx.Tx, jobs.KindInviteRedeemed, struct {
		InviteID  string `json:"inviteId"`
		InviteeID int    `json:"inviteeId"`
	}{InviteID: args.InviteID, InviteeID: args.InviteeID})
	return err
}
