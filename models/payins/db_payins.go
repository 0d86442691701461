package payins

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/snlabs/snpay/db"
)

// Exported errors
var (
	// ErrPayInNotFound means no payin with the given id exists
	ErrPayInNotFound = errors.New("payin not found")
	// ErrAlreadyTerminal is returned by SetState when the payin is already
	// in the requested terminal state. Callers treat it as a no-op, a
	// second settlement of the same payin must not be an error.
	ErrAlreadyTerminal = errors.New("payin already in requested terminal state")
	// ErrIllegalTransition means the requested transition is not part of
	// the payin lifecycle
	ErrIllegalTransition = errors.New("illegal payin state transition")
)

const payinsReturningSql = ` RETURNING id, payin_type, user_id, args, mcost_msat, payment_method,
	payin_state, payin_state_changed_at, failure_reason, perform_error,
	successor_id, benefactor_id, created_at, updated_at`

const selectFromPayinsSql = `SELECT id, payin_type, user_id, args, mcost_msat, payment_method,
	payin_state, payin_state_changed_at, failure_reason, perform_error,
	successor_id, benefactor_id, created_at, updated_at FROM payins `

// Insert persists a new payin in PENDING
func Insert(tx db.Inserter, p PayIn) (PayIn, error) {
	if p.McostMsat < 0 {
		return PayIn{}, errors.New("mcost cant be negative")
	}
	p.State = StatePending
	if len(p.Args) == 0 {
		p.Args = json.RawMessage(`{}`)
	}

	rows, err := tx.NamedQuery(`INSERT INTO payins
		(payin_type, user_id, args, mcost_msat, payment_method, payin_state, successor_id, benefactor_id)
		VALUES (:payin_type, :user_id, :args, :mcost_msat, :payment_method, :payin_state, :successor_id, :benefactor_id)`+
		payinsReturningSql, p)
	if err != nil {
		return PayIn{}, errors.Wrap(err, "could not insert payin")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return PayIn{}, errors.Wrap(sql.ErrNoRows, "could not insert payin")
	}
	var inserted PayIn
	if err := rows.StructScan(&inserted); err != nil {
		return PayIn{}, err
	}
	return inserted, nil
}

// GetByID reads a single payin
func GetByID(d db.Getter, id int) (PayIn, error) {
	var p PayIn
	if err := d.Get(&p, selectFromPayinsSql+`WHERE id=$1`, id); err != nil {
		if err == sql.ErrNoRows {
			return PayIn{}, ErrPayInNotFound
		}
		return PayIn{}, errors.Wrapf(err, "could not get payin %d", id)
	}
	return p, nil
}

// GetByIDForUpdate reads a payin, taking a row lock for the duration of
// the transaction. Settlement paths use this so concurrent attempts to
// settle the same payin are serialized by the database.
func GetByIDForUpdate(tx *sqlx.Tx, id int) (PayIn, error) {
	var p PayIn
	if err := tx.Get(&p, selectFromPayinsSql+`WHERE id=$1 FOR UPDATE`, id); err != nil {
		if err == sql.ErrNoRows {
			return PayIn{}, ErrPayInNotFound
		}
		return PayIn{}, errors.Wrapf(err, "could not lock payin %d", id)
	}
	return p, nil
}

// ListForUser returns a users payins, newest first
func ListForUser(d *db.DB, userID int, limit int) ([]PayIn, error) {
	if limit <= 0 {
		limit = 100
	}
	var result []PayIn
	err := d.Select(&result, selectFromPayinsSql+
		`WHERE user_id=$1 ORDER BY id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "could not list payins for user %d", userID)
	}
	return result, nil
}

// legalTransitions maps a target state to the states it may be entered
// from
var legalTransitions = map[State]State{
	StatePaid:     StatePending,
	StateFailed:   StatePending,
	StateRetrying: StateFailed,
}

// SetState is the single permitted mutator of payin state. It transitions
// the payin and cascades the denormalized state onto all child payout
// rows in the same transaction, keeping the consistency invariant without
// relying on caller discipline.
//
// Transitioning into an already-held terminal state returns
// ErrAlreadyTerminal so settlement is idempotent.
func SetState(tx *sqlx.Tx, id int, state State, reason *FailureReason) (PayIn, error) {
	from, ok := legalTransitions[state]
	if !ok {
		return PayIn{}, errors.Wrapf(ErrIllegalTransition, "into %s", state)
	}

	current, err := GetByIDForUpdate(tx, id)
	if err != nil {
		return PayIn{}, err
	}
	if current.State == state {
		return current, ErrAlreadyTerminal
	}
	if current.State != from {
		return PayIn{}, errors.Wrapf(ErrIllegalTransition,
			"%s -> %s for payin %d", current.State, state, id)
	}

	// a nil reason keeps whatever reason is already recorded, the
	// FAILED -> RETRYING transition must not erase the audit trail
	var updated PayIn
	err = tx.Get(&updated, `UPDATE payins
		SET payin_state=$1, payin_state_changed_at=now(),
			failure_reason=COALESCE($2, failure_reason), updated_at=now()
		WHERE id=$3`+payinsReturningSql, state, reason, id)
	if err != nil {
		return PayIn{}, errors.Wrapf(err, "could not transition payin %d to %s", id, state)
	}

	// cascade the denormalized state to child rows
	if _, err := tx.Exec(
		`UPDATE payout_custodial_tokens SET state=$1 WHERE payin_id=$2`,
		state, id); err != nil {
		return PayIn{}, errors.Wrapf(err, "could not cascade state to custodial tokens of payin %d", id)
	}
	if _, err := tx.Exec(
		`UPDATE payout_bolt11s SET state=$1 WHERE payin_id=$2`,
		state, id); err != nil {
		return PayIn{}, errors.Wrapf(err, "could not cascade state to bolt11 payout of payin %d", id)
	}

	log.WithFields(logrus.Fields{
		"payin": id,
		"from":  current.State,
		"to":    state,
	}).Info("Transitioned payin")

	return updated, nil
}

// RecordPerformError stores an action handler failure that happened after
// the money side settled. The payin stays PAID, the divergence is audit
// trail.
func RecordPerformError(tx *sqlx.Tx, id int, performErr error) error {
	result, err := tx.Exec(`UPDATE payins SET perform_error=$1, updated_at=now() WHERE id=$2`,
		performErr.Error(), id)
	if err != nil {
		return errors.Wrapf(err, "could not record perform error on payin %d", id)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrPayInNotFound
	}
	return nil
}

// LinkItem associates a payin with the item it acts on via the
// polymorphic link table
func LinkItem(tx *sqlx.Tx, itemID, payinID int) error {
	_, err := tx.Exec(`INSERT INTO item_payins (item_id, payin_id) VALUES ($1, $2)`,
		itemID, payinID)
	if err != nil {
		return errors.Wrapf(err, "could not link item %d to payin %d", itemID, payinID)
	}
	return nil
}

// GetLinkedItemID returns the item a payin is linked to
func GetLinkedItemID(d db.Getter, payinID int) (int, error) {
	var itemID int
	err := d.Get(&itemID, `SELECT item_id FROM item_payins WHERE payin_id=$1`, payinID)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("payin %d is not linked to an item: %w", payinID, sql.ErrNoRows)
		}
		return 0, errors.Wrapf(err, "could not get linked item for payin %d", payinID)
	}
	return itemID, nil
}
