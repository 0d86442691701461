// Package invoices persists inbound Lightning invoices: the invoices a
// user must pay before (pessimistic) or after (optimistic) their action
// is confirmed. Rows are immutable once confirmed or cancelled.
package invoices

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/snlabs/snpay/build"
	"github.com/snlabs/snpay/db"
)

var log = build.AddSubLogger("INVC")

// Exported errors
var (
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrAlreadyTerminal means the invoice was already confirmed or
	// cancelled. Reconciliation treats it as a no-op.
	ErrAlreadyTerminal = errors.New("invoice already confirmed or cancelled")
)

// Invoice is an inbound invoice row. The payment hash is the natural key.
type Invoice struct {
	Hash           string     `db:"hash"`
	PayInID        int        `db:"payin_id"`
	Bolt11         string     `db:"bolt11"`
	MsatsRequested int64      `db:"msats_requested"`
	MsatsReceived  *int64     `db:"msats_received"`
	ExpiresAt      time.Time  `db:"expires_at"`
	ConfirmedAt    *time.Time `db:"confirmed_at"`
	Cancelled      bool       `db:"cancelled"`
	CreatedAt      time.Time  `db:"created_at"`
}

// Terminal reports whether the invoice reached a final state
func (i Invoice) Terminal() bool {
	return i.ConfirmedAt != nil || i.Cancelled
}

// Expired reports whether the invoice expiry has passed
func (i Invoice) Expired(now time.Time) bool {
	return i.ExpiresAt.Before(now)
}

const invoicesReturningSql = ` RETURNING hash, payin_id, bolt11, msats_requested,
	msats_received, expires_at, confirmed_at, cancelled, created_at`

const selectFromInvoicesSql = `SELECT hash, payin_id, bolt11, msats_requested,
	msats_received, expires_at, confirmed_at, cancelled, created_at FROM invoices `

// Insert persists a freshly created invoice
func Insert(tx db.Inserter, invoice Invoice) (Invoice, error) {
	if invoice.MsatsRequested <= 0 {
		return Invoice{}, errors.New("cant insert 0 amount invoice")
	}

	rows, err := tx.NamedQuery(`INSERT INTO invoices
		(hash, payin_id, bolt11, msats_requested, expires_at)
		VALUES (:hash, :payin_id, :bolt11, :msats_requested, :expires_at)`+
		invoicesReturningSql, invoice)
	if err != nil {
		return Invoice{}, errors.Wrap(err, "could not insert invoice")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return Invoice{}, errors.Wrap(sql.ErrNoRows, "could not insert invoice")
	}
	var inserted Invoice
	if err := rows.StructScan(&inserted); err != nil {
		return Invoice{}, err
	}
	return inserted, nil
}

// GetByHash reads an invoice by its payment hash
func GetByHash(d db.Getter, hash string) (Invoice, error) {
	var invoice Invoice
	if err := d.Get(&invoice, selectFromInvoicesSql+`WHERE hash=$1`, hash); err != nil {
		if err == sql.ErrNoRows {
			return Invoice{}, ErrInvoiceNotFound
		}
		return Invoice{}, errors.Wrapf(err, "could not get invoice %s", hash)
	}
	return invoice, nil
}

// GetByHashForUpdate reads an invoice, taking a row lock so concurrent
// settlement attempts for the same hash are serialized
func GetByHashForUpdate(tx *sqlx.Tx, hash string) (Invoice, error) {
	var invoice Invoice
	if err := tx.Get(&invoice, selectFromInvoicesSql+`WHERE hash=$1 FOR UPDATE`, hash); err != nil {
		if err == sql.ErrNoRows {
			return Invoice{}, ErrInvoiceNotFound
		}
		return Invoice{}, errors.Wrapf(err, "could not lock invoice %s", hash)
	}
	return invoice, nil
}

// Confirm marks the invoice as paid with the received amount. The WHERE
// clause only matches non-terminal rows, a second confirmation returns
// ErrAlreadyTerminal.
func Confirm(tx *sqlx.Tx, hash string, msatsReceived int64, confirmedAt time.Time) (Invoice, error) {
	var updated Invoice
	err := tx.Get(&updated, `UPDATE invoices
		SET msats_received=$1, confirmed_at=$2
		WHERE hash=$3 AND confirmed_at IS NULL AND NOT cancelled`+invoicesReturningSql,
		msatsReceived, confirmedAt, hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return Invoice{}, ErrAlreadyTerminal
		}
		return Invoice{}, errors.Wrapf(err, "could not confirm invoice %s", hash)
	}

	log.WithField("hash", hash).Info("Confirmed invoice")
	return updated, nil
}

// Cancel marks the invoice as cancelled. Idempotence mirrors Confirm.
func Cancel(tx *sqlx.Tx, hash string) (Invoice, error) {
	var updated Invoice
	err := tx.Get(&updated, `UPDATE invoices
		SET cancelled=true
		WHERE hash=$1 AND confirmed_at IS NULL AND NOT cancelled`+invoicesReturningSql,
		hash)
	if err != nil {
		if err == sql.ErrNoRows {
			return Invoice{}, ErrAlreadyTerminal
		}
		return Invoice{}, errors.Wrapf(err, "could not cancel invoice %s", hash)
	}

	log.WithField("hash", hash).Info("Cancelled invoice")
	return updated, nil
}

// ListPending returns all invoices that have not reached a terminal
// state, oldest first. The reconciliation sweep walks these.
func ListPending(d *db.DB) ([]Invoice, error) {
	var pending []Invoice
	err := d.Select(&pending, selectFromInvoicesSql+
		`WHERE confirmed_at IS NULL AND NOT cancelled ORDER BY created_at ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "could not list pending invoices")
	}
	return pending, nil
}
