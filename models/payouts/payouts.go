// Package payouts records where settled funds go: internal custodial
// credits (sats or platform credits, to a user or a system pool) and
// external bolt11 withdrawals. Rows are written when the owning payin is
// created and applied when it reaches PAID.
package payouts

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/snlabs/snpay/build"
	"github.com/snlabs/snpay/db"
	"github.com/snlabs/snpay/models/users"
)

var log = build.AddSubLogger("PYOT")

// TokenType is the custodial balance a payout credits
type TokenType string

const (
	TokenSats    TokenType = "SATS"
	TokenCredits TokenType = "CREDITS"
)

// Type says why funds are being paid out
type Type string

const (
	TypeZap              Type = "ZAP"
	TypeBounty           Type = "BOUNTY"
	TypeDonation         Type = "DONATION"
	TypeBuyCredits       Type = "BUY_CREDITS"
	TypeRoutingFee       Type = "ROUTING_FEE"
	TypeInviteGift       Type = "INVITE_GIFT"
	TypeTerritoryRevenue Type = "TERRITORY_REVENUE"
	TypeFeeRefund        Type = "FEE_REFUND"
	TypeActionFee        Type = "ACTION_FEE"
)

// CustodialToken is an internal credit: a nil UserID credits a system
// pool instead of a user
type CustodialToken struct {
	ID        int       `db:"id"`
	PayInID   int       `db:"payin_id"`
	UserID    *int      `db:"user_id"`
	Mtokens   int64     `db:"mtokens"`
	TokenType TokenType `db:"token_type"`
	PayOut    Type      `db:"payout_type"`
	State     string    `db:"state"`
	CreatedAt time.Time `db:"created_at"`
}

const custodialReturningSql = ` RETURNING id, payin_id, user_id, mtokens, token_type,
	payout_type, state, created_at`

// InsertCustodialToken persists a custodial payout row. Its state column
// is denormalized from the owning payin and maintained by
// payins.SetState.
func InsertCustodialToken(tx db.Inserter, token CustodialToken) (CustodialToken, error) {
	if token.Mtokens < 0 {
		return CustodialToken{}, errors.New("payout mtokens cant be negative")
	}
	if token.State == "" {
		token.State = "PENDING"
	}

	rows, err := tx.NamedQuery(`INSERT INTO payout_custodial_tokens
		(payin_id, user_id, mtokens, token_type, payout_type, state)
		VALUES (:payin_id, :user_id, :mtokens, :token_type, :payout_type, :state)`+
		custodialReturningSql, token)
	if err != nil {
		return CustodialToken{}, errors.Wrap(err, "could not insert custodial payout")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return CustodialToken{}, errors.Wrap(sql.ErrNoRows, "could not insert custodial payout")
	}
	var inserted CustodialToken
	if err := rows.StructScan(&inserted); err != nil {
		return CustodialToken{}, err
	}
	return inserted, nil
}

// GetCustodialTokens returns all custodial payout rows of a payin
func GetCustodialTokens(d *db.DB, payinID int) ([]CustodialToken, error) {
	var tokens []CustodialToken
	err := d.Select(&tokens, `SELECT id, payin_id, user_id, mtokens, token_type,
		payout_type, state, created_at
		FROM payout_custodial_tokens WHERE payin_id=$1 ORDER BY id`, payinID)
	if err != nil {
		return nil, errors.Wrapf(err, "could not get custodial payouts of payin %d", payinID)
	}
	return tokens, nil
}

func getCustodialTokensTx(tx *sqlx.Tx, payinID int) ([]CustodialToken, error) {
	var tokens []CustodialToken
	err := tx.Select(&tokens, `SELECT id, payin_id, user_id, mtokens, token_type,
		payout_type, state, created_at
		FROM payout_custodial_tokens WHERE payin_id=$1 ORDER BY id`, payinID)
	if err != nil {
		return nil, errors.Wrapf(err, "could not get custodial payouts of payin %d", payinID)
	}
	return tokens, nil
}

// pool returns the system pool a user-less payout credits
func (t CustodialToken) pool() string {
	if t.PayOut == TypeRoutingFee {
		return users.PoolRoutingFee
	}
	return users.PoolRewards
}

// ApplyCustodialToken credits the target balance of one payout row. It
// must run inside the transaction that marks the owning payin PAID. The
// increment is done by the database, never read-modify-write.
func ApplyCustodialToken(tx *sqlx.Tx, token CustodialToken) error {
	if token.Mtokens == 0 {
		return nil
	}

	if token.UserID == nil {
		_, err := users.CreditPool(tx, token.pool(), token.Mtokens)
		return err
	}

	cb := users.ChangeBalance{UserID: *token.UserID, Msats: token.Mtokens}
	var err error
	switch token.TokenType {
	case TokenCredits:
		_, err = users.IncreaseCredits(tx, cb)
	case TokenSats:
		_, err = users.IncreaseBalance(tx, cb)
	default:
		err = errors.Errorf("unknown custodial token type %s", token.TokenType)
	}
	return err
}

// ApplyAllCustodialTokens applies every custodial payout of a payin as a
// set. Partial application is never observable, the caller's transaction
// makes it atomic.
func ApplyAllCustodialTokens(tx *sqlx.Tx, payinID int) error {
	tokens, err := getCustodialTokensTx(tx, payinID)
	if err != nil {
		return err
	}
	for _, token := range tokens {
		if err := ApplyCustodialToken(tx, token); err != nil {
			return errors.Wrapf(err, "could not apply custodial payout %d", token.ID)
		}
	}
	if len(tokens) > 0 {
		log.WithField("payin", payinID).
			WithField("payouts", len(tokens)).
			Debug("Applied custodial payouts")
	}
	return nil
}

// Bolt11 is an outbound invoice we pay on the user's behalf
type Bolt11 struct {
	ID         int       `db:"id"`
	PayInID    int       `db:"payin_id"`
	UserID     int       `db:"user_id"`
	Bolt11     string    `db:"bolt11"`
	Hash       string    `db:"hash"`
	Msats      int64     `db:"msats"`
	MaxFeeMsat int64     `db:"max_fee_msat"`
	State      string    `db:"state"`
	Preimage   *string   `db:"preimage"`
	CreatedAt  time.Time `db:"created_at"`
}

const bolt11ReturningSql = ` RETURNING id, payin_id, user_id, bolt11, hash, msats,
	max_fee_msat, state, preimage, created_at`

// InsertBolt11 persists an outbound payout row
func InsertBolt11(tx db.Inserter, payout Bolt11) (Bolt11, error) {
	if payout.Msats <= 0 {
		return Bolt11{}, errors.New("payout msats must be positive")
	}
	if payout.MaxFeeMsat < 0 {
		return Bolt11{}, errors.New("max fee cant be negative")
	}
	if payout.State == "" {
		payout.State = "PENDING"
	}

	rows, err := tx.NamedQuery(`INSERT INTO payout_bolt11s
		(payin_id, user_id, bolt11, hash, msats, max_fee_msat, state)
		VALUES (:payin_id, :user_id, :bolt11, :hash, :msats, :max_fee_msat, :state)`+
		bolt11ReturningSql, payout)
	if err != nil {
		return Bolt11{}, errors.Wrap(err, "could not insert bolt11 payout")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return Bolt11{}, errors.Wrap(sql.ErrNoRows, "could not insert bolt11 payout")
	}
	var inserted Bolt11
	if err := rows.StructScan(&inserted); err != nil {
		return Bolt11{}, err
	}
	return inserted, nil
}

// GetBolt11 returns the outbound payout of a payin, if any
func GetBolt11(d db.Getter, payinID int) (Bolt11, error) {
	var payout Bolt11
	err := d.Get(&payout, `SELECT id, payin_id, user_id, bolt11, hash, msats,
		max_fee_msat, state, preimage, created_at
		FROM payout_bolt11s WHERE payin_id=$1`, payinID)
	if err != nil {
		if err == sql.ErrNoRows {
			return Bolt11{}, err
		}
		return Bolt11{}, errors.Wrapf(err, "could not get bolt11 payout of payin %d", payinID)
	}
	return payout, nil
}

// SetBolt11Preimage stores the proof of payment once the external
// payment settled
func SetBolt11Preimage(tx *sqlx.Tx, id int, preimage string) error {
	result, err := tx.Exec(`UPDATE payout_bolt11s SET preimage=$1 WHERE id=$2`, preimage, id)
	if err != nil {
		return errors.Wrapf(err, "could not set preimage on bolt11 payout %d", id)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
