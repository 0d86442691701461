// Package itemstestutil creates item, territory and invite fixtures for tests
package itemstestutil

import (
	"testing"

	"github.com/brianvoe/gofakeit"
	"github.com/stretchr/testify/require"

	"github.com/snlabs/snpay/db"
	"github.com/snlabs/snpay/models/items"
)

// CreateItemOrFail creates a visible item owned by the given user
func CreateItemOrFail(t *testing.T, db *db.DB, userID int) items.Item {
	t.Helper()
	title := gofakeit.HipsterSentence(3)
	text := gofakeit.HipsterParagraph(1, 2, 5, " ")
	item, err := items.Insert(db, items.Item{
		UserID: &userID,
		Title:  &title,
		Text:   &text,
	})
	require.NoError(t, err)
	return item
}

// CreateBountyItemOrFail creates an item carrying a bounty of the given
// amount, owned by the given user
func CreateBountyItemOrFail(t *testing.T, db *db.DB, userID int, bountyMsat int64) items.Item {
	t.Helper()
	title := gofakeit.HipsterSentence(3)
	item, err := items.Insert(db, items.Item{
		UserID:     &userID,
		Title:      &title,
		BountyMsat: &bountyMsat,
	})
	require.NoError(t, err)
	return item
}

// CreatePollOrFail creates a poll item with the given options, returning the
// item and its inserted options
func CreatePollOrFail(t *testing.T, db *db.DB, userID int, options ...string) (items.Item, []items.PollOption) {
	t.Helper()
	title := gofakeit.HipsterSentence(3)
	item, err := items.Insert(db, items.Item{
		UserID: &userID,
		Title:  &title,
		IsPoll: true,
	})
	require.NoError(t, err)

	var inserted []items.PollOption
	for _, option := range options {
		opt, err := items.InsertPollOption(db, items.PollOption{
			ItemID: item.ID,
			Option: option,
		})
		require.NoError(t, err)
		inserted = append(inserted, opt)
	}
	return item, inserted
}

// CreateTerritoryOrFail creates an active territory founded by the given user
func CreateTerritoryOrFail(t *testing.T, db *db.DB, founderID int) items.Territory {
	t.Helper()
	territory, err := items.InsertTerritory(db, items.Territory{
		Name:        gofakeit.Word() + gofakeit.Generate("#####"),
		FounderID:   founderID,
		BillingType: items.BillingMonthly,
	})
	require.NoError(t, err)
	return territory
}

// CreateInviteOrFail creates an invite owned by the given user gifting the
// given amount
func CreateInviteOrFail(t *testing.T, db *db.DB, userID int, giftMsat int64) items.Invite {
	t.Helper()
	invite, err := items.InsertInvite(db, items.Invite{
		ID:       gofakeit.UUID(),
		UserID:   userID,
		GiftMsat: giftMsat,
	})
	require.NoError(t, err)
	return invite
}
