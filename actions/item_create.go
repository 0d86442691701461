package actions

import (
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/snlabs/snpay/models/items"
	"github.com/snlabs/snpay/models/payins"
	"github.com/snlabs/snpay/models/payouts"
)

// Posting costs. Anonymous posts pay a multiplier, the classic sybil
// deterrent for actors without an account to lose.
const (
	itemCreateCostMsat = 1_000
	anonCostMultiplier = 100
	// founder's share of posting fees collected in their territory
	territoryFeeSharePercent = 70
)

type itemCreateArgs struct {
	Title       *string  `json:"title"`
	Text        *string  `json:"text"`
	Territory   *string  `json:"territory"`
	ParentID    *int     `json:"parentId"`
	BountyMsat  *int64   `json:"bountyMsat"`
	PollOptions []string `json:"pollOptions"`
}

// itemCreate is the paid action behind posting items and comments
type itemCreate struct{}

func (itemCreate) Anonable() bool { return true }

func (itemCreate) PaymentMethods() []payins.PaymentMethod {
	return []payins.PaymentMethod{
		payins.MethodFeeCredit,
		payins.MethodRewardSats,
		payins.MethodOptimistic,
		payins.MethodPessimistic,
	}
}

func (itemCreate) SupportsOptimism() bool { return true }

func (itemCreate) GetCost(ctx Context, raw json.RawMessage) (int64, error) {
	var args itemCreateArgs
	if err := decodeArgs(raw, &args); err != nil {
		return 0, err
	}
	if args.Title == nil && args.Text == nil {
		return 0, errors.Wrap(ErrInvalidArgument, "item needs a title or text")
	}
	if args.ParentID != nil {
		if _, err := items.GetByID(ctx.Tx, *args.ParentID); err != nil {
			return 0, errors.Wrap(ErrInvalidArgument, "parent item does not exist")
		}
	}
	if args.Territory != nil {
		if _, err := items.GetTerritory(ctx.Tx, *args.Territory); err != nil {
			return 0, errors.Wrap(ErrInvalidArgument, "territory does not exist")
		}
	}
	if args.BountyMsat != nil && *args.BountyMsat <= 0 {
		return 0, errors.Wrap(ErrInvalidArgument, "bounty must be positive")
	}
	if len(args.PollOptions) == 1 {
		return 0, errors.Wrap(ErrInvalidArgument, "poll needs at least two options")
	}

	cost := int64(itemCreateCostMsat)
	if ctx.Anonymous() {
		cost *= anonCostMultiplier
	}
	return cost, nil
}

func (itemCreate) Perform(ctx Context, raw json.RawMessage) (Result, error) {
	var args itemCreateArgs
	if err := decodeArgs(raw, &args); err != nil {
		return Result{}, err
	}

	item, err := items.Insert(ctx.Tx, items.Item{
		UserID:     ctx.UserID,
		ParentID:   args.ParentID,
		Territory:  args.Territory,
		Title:      args.Title,
		Text:       args.Text,
		BountyMsat: args.BountyMsat,
		IsPoll:     len(args.PollOptions) > 0,
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "could not insert item")
	}
	for _, option := range args.PollOptions {
		_, err := items.InsertPollOption(ctx.Tx, items.PollOption{
			ItemID: item.ID,
			Option: option,
		})
		if err != nil {
			return Result{}, errors.Wrap(err, "could not insert poll option")
		}
	}

	log.WithField("item", item.ID).Debug("Created item")
	return Result{ItemID: &item.ID}, nil
}

func (itemCreate) OnPaid(ctx Context, raw json.RawMessage) error { return nil }

// OnFail retracts an optimistically published item
func (itemCreate) OnFail(ctx Context, raw json.RawMessage) error {
	itemID, err := payins.GetLinkedItemID(ctx.Tx, ctx.PayIn.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// nothing was published before the payin failed
			return nil
		}
		return err
	}
	return items.SetStatus(ctx.Tx, itemID, items.StatusRemoved)
}

func (itemCreate) Describe(ctx Context, raw json.RawMessage) (string, error) {
	return "SN: create item", nil
}

func (i itemCreate) Payouts(ctx Context, raw json.RawMessage, mcost int64) ([]payouts.CustodialToken, error) {
	var args itemCreateArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}

	// no territory: the whole fee funds the rewards pool
	if args.Territory == nil {
		return []payouts.CustodialToken{{
			Mtokens:   mcost,
			TokenType: payouts.TokenSats,
			PayOut:    payouts.TypeActionFee,
		}}, nil
	}

	territory, err := items.GetTerritory(ctx.Tx, *args.Territory)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidArgument, "territory does not exist")
	}
	founderShare := payins.MsatsFeePercent(mcost, territoryFeeSharePercent)
	return []payouts.CustodialToken{
		{
			UserID:    &territory.FounderID,
			Mtokens:   founderShare,
			TokenType: payouts.TokenSats,
			PayOut:    payouts.TypeTerritoryRevenue,
		},
		{
			Mtokens:   mcost - founderShare,
			TokenType: payouts.TokenSats,
			PayOut:    payouts.TypeActionFee,
		},
	}, nil
}
