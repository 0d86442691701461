package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/snlabs/snpay/db"
	"github.com/snlabs/snpay/models/jobs"
	"github.com/snlabs/snpay/models/users"
)

// DefaultPollInterval is how often the worker drains the job queue
const DefaultPollInterval = 10 * time.Second

// batch of jobs claimed per poll
const claimLimit = 25

// NewJobHandler returns the jobs.Handler that routes queued settlement
// side effects into the sender
func NewJobHandler(database *db.DB, sender Sender) jobs.Handler {
	return func(job jobs.Job) error {
		switch job.Kind {
		case jobs.KindZapReceived:
			var payload struct {
				ItemID int   `json:"itemId"`
				UserID int   `json:"userId"`
				Msats  int64 `json:"msats"`
			}
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return errors.Wrap(err, "bad zap payload")
			}
			user, err := users.GetByID(database, payload.UserID)
			if err != nil {
				return err
			}
			return sender.SendZapReceived(user, payload.ItemID, payload.Msats)

		case jobs.KindWithdrawalSettled:
			var payload struct {
				UserID int `json:"userId"`
			}
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return errors.Wrap(err, "bad withdrawal payload")
			}
			user, err := users.GetByID(database, payload.UserID)
			if err != nil {
				return err
			}
			return sender.SendWithdrawalSettled(user)

		case jobs.KindInviteRedeemed:
			var payload struct {
				InviteID  string `json:"inviteId"`
				InviteeID int    `json:"inviteeId"`
			}
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return errors.Wrap(err, "bad invite payload")
			}
			invite, err := inviteOwner(database, payload.InviteID)
			if err != nil {
				return err
			}
			return sender.SendInviteRedeemed(invite)

		default:
			// unknown kinds are dropped, not retried forever
			log.WithField("kind", job.Kind).Warn("Dropping job of unknown kind")
			return nil
		}
	}
}

func inviteOwner(database *db.DB, inviteID string) (users.User, error) {
	var ownerID int
	err := database.Get(&ownerID, `SELECT user_id FROM invites WHERE id=$1`, inviteID)
	if err != nil {
		return users.User{}, errors.Wrapf(err, "could not find invite %s", inviteID)
	}
	return users.GetByID(database, ownerID)
}

// RunWorker drains the job queue until ctx is cancelled
func RunWorker(ctx context.Context, database *db.DB, sender Sender, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	handler := NewJobHandler(database, sender)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := jobs.Work(database, claimLimit, handler); err != nil {
				log.WithError(err).Error("Job worker pass failed")
			}
		}
	}
}
