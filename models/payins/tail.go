package payins

import (
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// Bounty conflict errors. These are user-facing conflicts, never retried
// automatically.
var (
	ErrBountyAlreadyPaid = errors.New("bounty has already been paid")
	ErrBountyInProgress  = errors.New("a bounty payment for this item is in progress")
	ErrBountyStaleRetry  = errors.New("retry does not target the latest failed bounty attempt")
)

// BetterTail reports whether a should be preferred over b when selecting
// the tail of a bounty lineage. The total order is: PAID first, then
// anything not FAILED, then highest id. This ordering is the dedup
// mechanism preventing double payout, it must not change.
func BetterTail(a, b PayIn) bool {
	aPaid, bPaid := a.State == StatePaid, b.State == StatePaid
	if aPaid != bPaid {
		return aPaid
	}
	aLive, bLive := a.State != StateFailed, b.State != StateFailed
	if aLive != bLive {
		return aLive
	}
	return a.ID > b.ID
}

// SelectTail picks the tail out of the candidate set, returning nil when
// there are no candidates
func SelectTail(candidates []PayIn) *PayIn {
	if len(candidates) == 0 {
		return nil
	}
	sorted := make([]PayIn, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		return BetterTail(sorted[i], sorted[j])
	})
	return &sorted[0]
}

// GetBountyCandidates fetches all top-level bounty payment attempts for
// the given item: attempts that were not funded by an upstream payin and
// that have not been superseded by a retry. Must run in the same
// transaction that creates a new attempt, otherwise two concurrent
// payments can both observe a failed tail and both proceed.
func GetBountyCandidates(tx *sqlx.Tx, itemID int) ([]PayIn, error) {
	var candidates []PayIn
	err := tx.Select(&candidates, selectFromPayinsSql+`
		JOIN item_payins ip ON ip.payin_id = payins.id
		WHERE ip.item_id = $1
		  AND payin_type = $2
		  AND benefactor_id IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM payins later WHERE later.successor_id = payins.id
		  )
		FOR UPDATE OF payins`, itemID, TypeBountyPayment)
	if err != nil {
		return nil, errors.Wrapf(err, "could not get bounty candidates for item %d", itemID)
	}
	return candidates, nil
}

// CheckBountyAttempt decides whether a new bounty payment attempt against
// the given item may proceed. retryOf is non-nil when the attempt is a
// user-initiated retry of a failed payin.
func CheckBountyAttempt(tx *sqlx.Tx, itemID int, retryOf *int) error {
	candidates, err := GetBountyCandidates(tx, itemID)
	if err != nil {
		return err
	}
	tail := SelectTail(candidates)
	if tail == nil {
		if retryOf != nil {
			return ErrBountyStaleRetry
		}
		return nil
	}

	if tail.State == StatePaid {
		return ErrBountyAlreadyPaid
	}

	if retryOf != nil {
		// retries are permitted only against the latest failed tail
		if tail.State != StateFailed || tail.ID != *retryOf {
			return ErrBountyStaleRetry
		}
		return nil
	}

	if tail.State != StateFailed {
		return ErrBountyInProgress
	}
	return nil
}
