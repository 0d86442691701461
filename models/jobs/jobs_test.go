package jobs_test

import (
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snlabs/snpay/build"
	"github.com/snlabs/snpay/db"
	"github.com/snlabs/snpay/models/jobs"
	"github.com/snlabs/snpay/testutil"
)

var testDB *db.DB

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.ErrorLevel)
	rand.Seed(time.Now().UnixNano())

	testDB = testutil.InitDatabase(testutil.GetDatabaseConfig("jobs"))

	result := m.Run()
	if err := testDB.Close(); err != nil {
		panic(err)
	}
	os.Exit(result)
}

type zapPayload struct {
	ItemID int   `json:"itemId"`
	UserID int   `json:"userId"`
	Msats  int64 `json:"msats"`
}

func enqueueOrFail(t *testing.T, kind string, payload interface{}) jobs.Job {
	t.Helper()
	tx := testDB.MustBegin()
	job, err := jobs.Enqueue(tx, kind, payload)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return job
}

func getJobOrFail(t *testing.T, id int) jobs.Job {
	t.Helper()
	var job jobs.Job
	err := testDB.Get(&job, `SELECT id, kind, payload, run_at, attempts, done_at, created_at
		FROM jobs WHERE id=$1`, id)
	require.NoError(t, err)
	return job
}

func TestEnqueue(t *testing.T) {
	t.Parallel()

	job := enqueueOrFail(t, jobs.KindZapReceived, zapPayload{ItemID: 1, UserID: 2, Msats: 3000})

	assert.Equal(t, jobs.KindZapReceived, job.Kind)
	assert.JSONEq(t, `{"itemId": 1, "userId": 2, "msats": 3000}`, string(job.Payload))
	assert.Equal(t, 0, job.Attempts)
	assert.Nil(t, job.DoneAt)
	assert.False(t, job.RunAt.After(time.Now()), "a fresh job is runnable immediately")
}

// not parallel: Work drains the whole queue, concurrent Work calls would
// complete each other's jobs
func TestWork(t *testing.T) {
	good := enqueueOrFail(t, jobs.KindWithdrawalSettled, zapPayload{UserID: 1})
	bad := enqueueOrFail(t, jobs.KindInviteRedeemed, zapPayload{UserID: 2})

	var delivered []int
	handler := func(job jobs.Job) error {
		// only track this test's jobs, the queue is shared
		if job.ID != good.ID && job.ID != bad.ID {
			return nil
		}
		delivered = append(delivered, job.ID)
		if job.ID == bad.ID {
			return errors.New("recipient unreachable")
		}
		return nil
	}

	require.NoError(t, jobs.Work(testDB, 100, handler))
	assert.Contains(t, delivered, good.ID)
	assert.Contains(t, delivered, bad.ID)

	succeeded := getJobOrFail(t, good.ID)
	assert.NotNil(t, succeeded.DoneAt)

	failed := getJobOrFail(t, bad.ID)
	assert.Nil(t, failed.DoneAt)
	assert.Equal(t, 1, failed.Attempts)
	assert.True(t, failed.RunAt.After(time.Now()), "a failed job backs off before its retry")

	t.Run("failed jobs are not redelivered before their backoff", func(t *testing.T) {
		delivered = nil
		require.NoError(t, jobs.Work(testDB, 100, handler))
		assert.Empty(t, delivered)
	})
}

func TestClaimExcludesExhaustedJobs(t *testing.T) {
	job := enqueueOrFail(t, jobs.KindZapReceived, zapPayload{UserID: 3})
	_, err := testDB.Exec(`UPDATE jobs SET attempts=100 WHERE id=$1`, job.ID)
	require.NoError(t, err)

	var delivered bool
	handler := func(claimed jobs.Job) error {
		if claimed.ID == job.ID {
			delivered = true
		}
		return nil
	}
	require.NoError(t, jobs.Work(testDB, 100, handler))
	assert.False(t, delivered, "a job past its attempt budget is abandoned")
}
