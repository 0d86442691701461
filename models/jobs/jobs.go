// Package jobs is a small Postgres-backed job queue for non-critical side
// effects (notifications). Jobs are enqueued inside the PAID transaction
// and delivered at least once by a polling worker; delivery failure never
// rolls back a settlement.
package jobs

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/snlabs/snpay/build"
	"github.com/snlabs/snpay/db"
)

var log = build.AddSubLogger("JOBS")

// Job kinds
const (
	KindZapReceived       = "zap_received"
	KindWithdrawalSettled = "withdrawal_settled"
	KindInviteRedeemed    = "invite_redeemed"
)

// maxAttempts is how often a job is retried before it is abandoned
const maxAttempts = 5

// retryDelay is how long a failed job waits before its next attempt
const retryDelay = time.Minute

// Job is one queued side effect
type Job struct {
	ID        int             `db:"id"`
	Kind      string          `db:"kind"`
	Payload   json.RawMessage `db:"payload"`
	RunAt     time.Time       `db:"run_at"`
	Attempts  int             `db:"attempts"`
	DoneAt    *time.Time      `db:"done_at"`
	CreatedAt time.Time       `db:"created_at"`
}

// Enqueue adds a job inside the callers transaction
func Enqueue(tx db.Inserter, kind string, payload interface{}) (Job, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Job{}, errors.Wrap(err, "could not marshal job payload")
	}

	rows, err := tx.NamedQuery(`INSERT INTO jobs (kind, payload)
		VALUES (:kind, :payload)
		RETURNING id, kind, payload, run_at, attempts, done_at, created_at`,
		Job{Kind: kind, Payload: encoded})
	if err != nil {
		return Job{}, errors.Wrapf(err, "could not enqueue %s job", kind)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return Job{}, errors.Wrap(sql.ErrNoRows, "could not enqueue job")
	}
	var job Job
	if err := rows.StructScan(&job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Claim picks up to limit runnable jobs, locking them for the duration of
// the transaction so concurrent workers don't double-deliver within one
// claim window. Delivery is still at-least-once overall.
func Claim(tx *sqlx.Tx, limit int) ([]Job, error) {
	var claimed []Job
	err := tx.Select(&claimed, `SELECT id, kind, payload, run_at, attempts, done_at, created_at
		FROM jobs
		WHERE done_at IS NULL AND run_at <= now() AND attempts < $1
		ORDER BY run_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, maxAttempts, limit)
	if err != nil {
		return nil, errors.Wrap(err, "could not claim jobs")
	}
	return claimed, nil
}

// MarkDone finishes a job
func MarkDone(tx *sqlx.Tx, id int) error {
	_, err := tx.Exec(`UPDATE jobs SET done_at=now() WHERE id=$1`, id)
	return errors.Wrapf(err, "could not mark job %d done", id)
}

// MarkFailed bumps the attempt counter and schedules the next try
func MarkFailed(tx *sqlx.Tx, id int) error {
	_, err := tx.Exec(`UPDATE jobs SET attempts=attempts+1, run_at=now()+make_interval(secs => $1)
		WHERE id=$2`, retryDelay.Seconds(), id)
	return errors.Wrapf(err, "could not mark job %d failed", id)
}

// Handler delivers one job. Returning an error reschedules the job.
type Handler func(job Job) error

// Work claims and delivers runnable jobs once. Errors are per-job, one
// failing delivery doesn't abort the batch.
func Work(d *db.DB, limit int, handler Handler) error {
	tx, err := d.Beginx()
	if err != nil {
		return errors.Wrap(err, "could not begin jobs tx")
	}

	claimed, err := Claim(tx, limit)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	for _, job := range claimed {
		if err := handler(job); err != nil {
			log.WithError(err).WithField("job", job.ID).
				WithField("kind", job.Kind).Error("Job delivery failed")
			if err := MarkFailed(tx, job.ID); err != nil {
				_ = tx.Rollback()
				return err
			}
			continue
		}
		if err := MarkDone(tx, job.ID); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return errors.Wrap(tx.Commit(), "could not commit jobs tx")
}
