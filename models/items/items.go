// Package items holds the domain entities paid actions act on: items
// (posts and comments), polls, territories and invites. Only the fields
// the ledger needs are modelled here, rendering is someone else's problem.
package items

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/snlabs/snpay/build"
	"github.com/snlabs/snpay/db"
)

var log = build.AddSubLogger("ITEM")

// Exported errors
var (
	ErrItemNotFound      = errors.New("item not found")
	ErrTerritoryNotFound = errors.New("territory not found")
	ErrInviteNotFound    = errors.New("invite not found")
	ErrAlreadyVoted      = errors.New("user already voted on this poll")
)

// Item statuses. An optimistically created item is VISIBLE from the moment
// the payin is created; if the payin fails it is moved to REMOVED, which is
// the compensating action for the optimistic effect.
const (
	StatusVisible = "VISIBLE"
	StatusRemoved = "REMOVED"
)

// Item is a post or comment
type Item struct {
	ID         int       `db:"id"`
	UserID     *int      `db:"user_id"`
	ParentID   *int      `db:"parent_id"`
	Territory  *string   `db:"territory"`
	Title      *string   `db:"title"`
	Text       *string   `db:"text"`
	BountyMsat *int64    `db:"bounty_msat"`
	IsPoll     bool      `db:"is_poll"`
	Status     string    `db:"status"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

const returningFromItemsTable = ` RETURNING id, user_id, parent_id, territory, title,
	text, bounty_msat, is_poll, status, created_at, updated_at`

// Insert persists a new item
func Insert(tx db.Inserter, item Item) (Item, error) {
	if item.Status == "" {
		item.Status = StatusVisible
	}
	rows, err := tx.NamedQuery(`INSERT INTO items
		(user_id, parent_id, territory, title, text, bounty_msat, is_poll, status)
		VALUES (:user_id, :parent_id, :territory, :title, :text, :bounty_msat, :is_poll, :status)`+
		returningFromItemsTable, item)
	if err != nil {
		return Item{}, errors.Wrap(err, "could not insert item")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return Item{}, errors.Wrap(sql.ErrNoRows, "could not insert item")
	}
	var inserted Item
	if err := rows.StructScan(&inserted); err != nil {
		return Item{}, err
	}
	return inserted, nil
}

// GetByID reads a single item
func GetByID(d db.Getter, id int) (Item, error) {
	var item Item
	err := d.Get(&item, `SELECT id, user_id, parent_id, territory, title, text,
		bounty_msat, is_poll, status, created_at, updated_at
		FROM items WHERE id=$1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return Item{}, ErrItemNotFound
		}
		return Item{}, errors.Wrapf(err, "could not get item %d", id)
	}
	return item, nil
}

// SetStatus moves an item to the given status. Used to retract an
// optimistically visible item when its payin fails.
func SetStatus(tx db.Inserter, id int, status string) error {
	rows, err := tx.NamedQuery(`UPDATE items SET status = :status, updated_at = now()
		WHERE id = :id`+returningFromItemsTable,
		Item{ID: id, Status: status})
	if err != nil {
		return errors.Wrapf(err, "could not set item %d status to %s", id, status)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return ErrItemNotFound
	}
	log.WithField("item", id).WithField("status", status).Debug("Updated item status")
	return nil
}

// PollOption is one option of a poll item
type PollOption struct {
	ID     int    `db:"id"`
	ItemID int    `db:"item_id"`
	Option string `db:"option"`
}

// InsertPollOption adds an option to a poll item
func InsertPollOption(tx db.Inserter, opt PollOption) (PollOption, error) {
	rows, err := tx.NamedQuery(`INSERT INTO poll_options (item_id, option)
		VALUES (:item_id, :option) RETURNING id, item_id, option`, opt)
	if err != nil {
		return PollOption{}, errors.Wrap(err, "could not insert poll option")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return PollOption{}, errors.Wrap(sql.ErrNoRows, "could not insert poll option")
	}
	var inserted PollOption
	if err := rows.StructScan(&inserted); err != nil {
		return PollOption{}, err
	}
	return inserted, nil
}

// GetPollOption reads a poll option, verifying it belongs to the given item
func GetPollOption(d db.Getter, itemID, optionID int) (PollOption, error) {
	var opt PollOption
	err := d.Get(&opt, `SELECT id, item_id, option FROM poll_options
		WHERE id=$1 AND item_id=$2`, optionID, itemID)
	if err != nil {
		if err == sql.ErrNoRows {
			return PollOption{}, ErrItemNotFound
		}
		return PollOption{}, errors.Wrap(err, "could not get poll option")
	}
	return opt, nil
}

// PollVote is a single users vote on a poll
type PollVote struct {
	ID       int `db:"id"`
	ItemID   int `db:"item_id"`
	OptionID int `db:"option_id"`
	UserID   int `db:"user_id"`
}

// InsertPollVote records a vote. The unique constraint on (item_id, user_id)
// rejects double votes.
func InsertPollVote(tx db.Inserter, vote PollVote) (PollVote, error) {
	rows, err := tx.NamedQuery(`INSERT INTO poll_votes (item_id, option_id, user_id)
		VALUES (:item_id, :option_id, :user_id)
		RETURNING id, item_id, option_id, user_id`, vote)
	if err != nil {
		return PollVote{}, errors.Wrap(err, "could not insert poll vote")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return PollVote{}, ErrAlreadyVoted
	}
	var inserted PollVote
	if err := rows.StructScan(&inserted); err != nil {
		return PollVote{}, err
	}
	return inserted, nil
}

// DeletePollVote retracts a vote, used when an optimistic payin fails.
// Deleting an already deleted vote is a no-op.
func DeletePollVote(tx *sqlx.Tx, itemID, userID int) error {
	_, err := tx.Exec(`DELETE FROM poll_votes WHERE item_id=$1 AND user_id=$2`,
		itemID, userID)
	if err != nil {
		return errors.Wrap(err, "could not delete poll vote")
	}
	return nil
}

// HasVoted reports whether the user already voted on the given poll
func HasVoted(d db.Getter, itemID, userID int) (bool, error) {
	var count int
	err := d.Get(&count, `SELECT count(*) FROM poll_votes WHERE item_id=$1 AND user_id=$2`,
		itemID, userID)
	if err != nil {
		return false, errors.Wrap(err, "could not count poll votes")
	}
	return count > 0, nil
}

// Territory billing schedules
const (
	BillingMonthly = "MONTHLY"
	BillingYearly  = "YEARLY"
	BillingOnce    = "ONCE"
)

// Territory is a sub-forum with a recurring billing schedule
type Territory struct {
	ID          int       `db:"id"`
	Name        string    `db:"name"`
	FounderID   int       `db:"founder_id"`
	BillingType string    `db:"billing_type"`
	Status      string    `db:"status"`
	CreatedAt   time.Time `db:"created_at"`
	BilledAt    time.Time `db:"billed_at"`
}

// InsertTerritory persists a new territory
func InsertTerritory(tx db.Inserter, t Territory) (Territory, error) {
	if t.Status == "" {
		t.Status = "ACTIVE"
	}
	rows, err := tx.NamedQuery(`INSERT INTO territories (name, founder_id, billing_type, status)
		VALUES (:name, :founder_id, :billing_type, :status)
		RETURNING id, name, founder_id, billing_type, status, created_at, billed_at`, t)
	if err != nil {
		return Territory{}, errors.Wrap(err, "could not insert territory")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return Territory{}, errors.Wrap(sql.ErrNoRows, "could not insert territory")
	}
	var inserted Territory
	if err := rows.StructScan(&inserted); err != nil {
		return Territory{}, err
	}
	return inserted, nil
}

// GetTerritory reads a territory by name
func GetTerritory(d db.Getter, name string) (Territory, error) {
	var t Territory
	err := d.Get(&t, `SELECT id, name, founder_id, billing_type, status, created_at, billed_at
		FROM territories WHERE name=$1`, name)
	if err != nil {
		if err == sql.ErrNoRows {
			return Territory{}, ErrTerritoryNotFound
		}
		return Territory{}, errors.Wrapf(err, "could not get territory %s", name)
	}
	return t, nil
}

// MarkTerritoryBilled bumps the territory billing timestamp
func MarkTerritoryBilled(tx db.Inserter, id int, at time.Time) error {
	type billed struct {
		ID       int       `db:"id"`
		BilledAt time.Time `db:"billed_at"`
	}
	rows, err := tx.NamedQuery(`UPDATE territories SET billed_at = :billed_at
		WHERE id = :id RETURNING id`, billed{ID: id, BilledAt: at})
	if err != nil {
		return errors.Wrapf(err, "could not mark territory %d billed", id)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return ErrTerritoryNotFound
	}
	return nil
}

// Invite is a gift code that credits a new user when redeemed
type Invite struct {
	ID        string    `db:"id"`
	UserID    int       `db:"user_id"`
	GiftMsat  int64     `db:"gift_msat"`
	Revoked   bool      `db:"revoked"`
	CreatedAt time.Time `db:"created_at"`
}

// GetInvite reads an invite by code
func GetInvite(d db.Getter, id string) (Invite, error) {
	var invite Invite
	err := d.Get(&invite, `SELECT id, user_id, gift_msat, revoked, created_at
		FROM invites WHERE id=$1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return Invite{}, ErrInviteNotFound
		}
		return Invite{}, errors.Wrapf(err, "could not get invite %s", id)
	}
	return invite, nil
}

// InsertInvite persists a new invite
func InsertInvite(tx db.Inserter, invite Invite) (Invite, error) {
	rows, err := tx.NamedQuery(`INSERT INTO invites (id, user_id, gift_msat)
		VALUES (:id, :user_id, :gift_msat)
		RETURNING id, user_id, gift_msat, revoked, created_at`, invite)
	if err != nil {
		return Invite{}, errors.Wrap(err, "could not insert invite")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return Invite{}, errors.Wrap(sql.ErrNoRows, "could not insert invite")
	}
	var inserted Invite
	if err := rows.StructScan(&inserted); err != nil {
		return Invite{}, err
	}
	return inserted, nil
}
