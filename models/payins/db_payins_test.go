package payins_test

import (
	"database/sql"
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
	"github.com/snlabs/snpay/models/payins"
	"github.com/snlabs/snpay/models/payouts"
	"github.com/snlabs/snpay/testutil"
	"github.com/snlabs/snpay/testutil/itemstestutil"
	"github.com/snlabs/snpay/testutil/userstestutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("payins")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.ErrorLevel)

	rand.Seed(time.Now().UnixNano())

	testDB = testutil.InitDatabase(databaseConfig)

	result := m.Run()

	if err := testDB.Close(); err != nil {
		panic(err.Error())
	}

	os.Exit(result)
}

func insertPayinOrFail(t *testing.T, userID int, method payins.PaymentMethod) payins.PayIn {
	t.Helper()
	tx := testDB.MustBegin()
	inserted, err := payins.Insert(tx, payins.PayIn{
		Typ:           payins.TypeZap,
		UserID:        &userID,
		McostMsat:     21000,
		PaymentMethod: method,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return inserted
}

func setStateOrFail(t *testing.T, id int, state payins.State,
	reason *payins.FailureReason) payins.PayIn {
	t.Helper()
	tx := testDB.MustBegin()
	updated, err := payins.SetState(tx, id, state, reason)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return updated
}

func TestInsertPayin(t *testing.T) {
	t.Parallel()
	user := userstestutil.CreateUserOrFail(t, testDB)

	t.Run("insert starts out pending", func(t *testing.T) {
		inserted := insertPayinOrFail(t, user.ID, payins.MethodPessimistic)

		assert.Equal(t, payins.StatePending, inserted.State)
		assert.Nil(t, inserted.FailureReason)
		assert.Nil(t, inserted.SuccessorID)
	})

	t.Run("empty args default to an empty object", func(t *testing.T) {
		inserted := insertPayinOrFail(t, user.ID, payins.MethodPessimistic)
		assert.JSONEq(t, `{}`, string(inserted.Args))
	})

	t.Run("negative mcost is rejected", func(t *testing.T) {
		tx := testDB.MustBegin()
		defer func() { _ = tx.Rollback() }()

		_, err := payins.Insert(tx, payins.PayIn{
			Typ:           payins.TypeZap,
			UserID:        &user.ID,
			McostMsat:     -1,
			PaymentMethod: payins.MethodPessimistic,
		})
		require.Error(t, err)
	})
}

func TestGetPayin(t *testing.T) {
	t.Parallel()
	user := userstestutil.CreateUserOrFail(t, testDB)

	t.Run("can get inserted payin", func(t *testing.T) {
		inserted := insertPayinOrFail(t, user.ID, payins.MethodRewardSats)

		found, err := payins.GetByID(testDB, inserted.ID)
		require.NoError(t, err)
		assert.Equal(t, inserted.ID, found.ID)
		assert.Equal(t, inserted.McostMsat, found.McostMsat)
	})

	t.Run("unknown id yields not found", func(t *testing.T) {
		_, err := payins.GetByID(testDB, 999999999)
		assert.True(t, errors.Is(err, payins.ErrPayInNotFound))
	})
}

func TestSetState(t *testing.T) {
	t.Parallel()
	user := userstestutil.CreateUserOrFail(t, testDB)

	t.Run("pending to paid", func(t *testing.T) {
		inserted := insertPayinOrFail(t, user.ID, payins.MethodPessimistic)

		updated := setStateOrFail(t, inserted.ID, payins.StatePaid, nil)
		assert.Equal(t, payins.StatePaid, updated.State)
		assert.True(t, updated.StateChangedAt.After(inserted.StateChangedAt))
	})

	t.Run("pending to failed records the reason", func(t *testing.T) {
		inserted := insertPayinOrFail(t, user.ID, payins.MethodPessimistic)

		reason := payins.ReasonInvoiceExpired
		updated := setStateOrFail(t, inserted.ID, payins.StateFailed, &reason)
		assert.Equal(t, payins.StateFailed, updated.State)
		require.NotNil(t, updated.FailureReason)
		assert.Equal(t, payins.ReasonInvoiceExpired, *updated.FailureReason)
	})

	t.Run("settling twice is reported as already terminal", func(t *testing.T) {
		inserted := insertPayinOrFail(t, user.ID, payins.MethodPessimistic)
		setStateOrFail(t, inserted.ID, payins.StatePaid, nil)

		tx := testDB.MustBegin()
		defer func() { _ = tx.Rollback() }()

		current, err := payins.SetState(tx, inserted.ID, payins.StatePaid, nil)
		assert.True(t, errors.Is(err, payins.ErrAlreadyTerminal))
		assert.Equal(t, payins.StatePaid, current.State)
	})

	t.Run("failed payin can move to retrying", func(t *testing.T) {
		inserted := insertPayinOrFail(t, user.ID, payins.MethodPessimistic)
		reason := payins.ReasonPaymentFailed
		setStateOrFail(t, inserted.ID, payins.StateFailed, &reason)

		updated := setStateOrFail(t, inserted.ID, payins.StateRetrying, nil)
		assert.Equal(t, payins.StateRetrying, updated.State)
	})

	t.Run("retrying keeps the recorded failure reason", func(t *testing.T) {
		inserted := insertPayinOrFail(t, user.ID, payins.MethodPessimistic)
		reason := payins.ReasonInvoiceCancelled
		setStateOrFail(t, inserted.ID, payins.StateFailed, &reason)

		updated := setStateOrFail(t, inserted.ID, payins.StateRetrying, nil)
		require.NotNil(t, updated.FailureReason)
		assert.Equal(t, payins.ReasonInvoiceCancelled, *updated.FailureReason)
	})

	t.Run("pending payin can not move to retrying", func(t *testing.T) {
		inserted := insertPayinOrFail(t, user.ID, payins.MethodPessimistic)

		tx := testDB.MustBegin()
		defer func() { _ = tx.Rollback() }()

		_, err := payins.SetState(tx, inserted.ID, payins.StateRetrying, nil)
		assert.True(t, errors.Is(err, payins.ErrIllegalTransition))
	})

	t.Run("paid payin can not fail afterwards", func(t *testing.T) {
		inserted := insertPayinOrFail(t, user.ID, payins.MethodPessimistic)
		setStateOrFail(t, inserted.ID, payins.StatePaid, nil)

		tx := testDB.MustBegin()
		defer func() { _ = tx.Rollback() }()

		reason := payins.ReasonInvoiceCancelled
		_, err := payins.SetState(tx, inserted.ID, payins.StateFailed, &reason)
		assert.True(t, errors.Is(err, payins.ErrIllegalTransition))
	})

	t.Run("moving into pending is never legal", func(t *testing.T) {
		inserted := insertPayinOrFail(t, user.ID, payins.MethodPessimistic)

		tx := testDB.MustBegin()
		defer func() { _ = tx.Rollback() }()

		_, err := payins.SetState(tx, inserted.ID, payins.StatePending, nil)
		assert.True(t, errors.Is(err, payins.ErrIllegalTransition))
	})
}

func TestSetStateCascadesToPayouts(t *testing.T) {
	t.Parallel()
	user := userstestutil.CreateUserOrFail(t, testDB)
	receiver := userstestutil.CreateUserOrFail(t, testDB)

	inserted := insertPayinOrFail(t, user.ID, payins.MethodPessimistic)

	tx := testDB.MustBegin()
	_, err := payouts.InsertCustodialToken(tx, payouts.CustodialToken{
		PayInID:   inserted.ID,
		UserID:    &receiver.ID,
		Mtokens:   inserted.McostMsat,
		TokenType: payouts.TokenSats,
		PayOut:    payouts.TypeZap,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	setStateOrFail(t, inserted.ID, payins.StatePaid, nil)

	tokens, err := payouts.GetCustodialTokens(testDB, inserted.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, string(payins.StatePaid), tokens[0].State)
}

func TestRecordPerformError(t *testing.T) {
	t.Parallel()
	user := userstestutil.CreateUserOrFail(t, testDB)

	inserted := insertPayinOrFail(t, user.ID, payins.MethodPessimistic)
	setStateOrFail(t, inserted.ID, payins.StatePaid, nil)

	tx := testDB.MustBegin()
	err := payins.RecordPerformError(tx, inserted.ID, errors.New("item vanished"))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	found, err := payins.GetByID(testDB, inserted.ID)
	require.NoError(t, err)
	// money stays settled, the divergence is recorded
	assert.Equal(t, payins.StatePaid, found.State)
	require.NotNil(t, found.PerformError)
	assert.Equal(t, "item vanished", *found.PerformError)
}

func TestLinkItem(t *testing.T) {
	t.Parallel()
	user := userstestutil.CreateUserOrFail(t, testDB)
	item := itemstestutil.CreateItemOrFail(t, testDB, user.ID)

	inserted := insertPayinOrFail(t, user.ID, payins.MethodPessimistic)

	tx := testDB.MustBegin()
	require.NoError(t, payins.LinkItem(tx, item.ID, inserted.ID))
	require.NoError(t, tx.Commit())

	itemID, err := payins.GetLinkedItemID(testDB, inserted.ID)
	require.NoError(t, err)
	assert.Equal(t, item.ID, itemID)

	t.Run("unlinked payin reports no rows", func(t *testing.T) {
		other := insertPayinOrFail(t, user.ID, payins.MethodPessimistic)
		_, err := payins.GetLinkedItemID(testDB, other.ID)
		assert.True(t, errors.Is(err, sql.ErrNoRows))
	})
}

func TestCheckBountyAttempt(t *testing.T) {
	t.Parallel()
	poster := userstestutil.CreateUserOrFail(t, testDB)

	insertBountyAttempt := func(t *testing.T, itemID int, state payins.State) payins.PayIn {
		t.Helper()
		tx := testDB.MustBegin()
		inserted, err := payins.Insert(tx, payins.PayIn{
			Typ:           payins.TypeBountyPayment,
			UserID:        &poster.ID,
			McostMsat:     10000,
			PaymentMethod: payins.MethodPessimistic,
		})
		require.NoError(t, err)
		require.NoError(t, payins.LinkItem(tx, itemID, inserted.ID))
		require.NoError(t, tx.Commit())

		if state != payins.StatePending {
			var reason *payins.FailureReason
			if state == payins.StateFailed {
				r := payins.ReasonInvoiceExpired
				reason = &r
			}
			inserted = setStateOrFail(t, inserted.ID, state, reason)
		}
		return inserted
	}

	check := func(t *testing.T, itemID int, retryOf *int) error {
		t.Helper()
		tx := testDB.MustBegin()
		defer func() { _ = tx.Rollback() }()
		return payins.CheckBountyAttempt(tx, itemID, retryOf)
	}

	t.Run("first attempt may proceed", func(t *testing.T) {
		item := itemstestutil.CreateBountyItemOrFail(t, testDB, poster.ID, 10000)
		assert.NoError(t, check(t, item.ID, nil))
	})

	t.Run("paid tail blocks further attempts", func(t *testing.T) {
		item := itemstestutil.CreateBountyItemOrFail(t, testDB, poster.ID, 10000)
		insertBountyAttempt(t, item.ID, payins.StateFailed)
		insertBountyAttempt(t, item.ID, payins.StatePaid)
		insertBountyAttempt(t, item.ID, payins.StateFailed)

		err := check(t, item.ID, nil)
		assert.True(t, errors.Is(err, payins.ErrBountyAlreadyPaid))
	})

	t.Run("pending tail blocks concurrent attempts", func(t *testing.T) {
		item := itemstestutil.CreateBountyItemOrFail(t, testDB, poster.ID, 10000)
		insertBountyAttempt(t, item.ID, payins.StatePending)

		err := check(t, item.ID, nil)
		assert.True(t, errors.Is(err, payins.ErrBountyInProgress))
	})

	t.Run("failed tail permits a fresh attempt", func(t *testing.T) {
		item := itemstestutil.CreateBountyItemOrFail(t, testDB, poster.ID, 10000)
		insertBountyAttempt(t, item.ID, payins.StateFailed)

		assert.NoError(t, check(t, item.ID, nil))
	})

	t.Run("retry must target the latest failed tail", func(t *testing.T) {
		item := itemstestutil.CreateBountyItemOrFail(t, testDB, poster.ID, 10000)
		stale := insertBountyAttempt(t, item.ID, payins.StateFailed)
		latest := insertBountyAttempt(t, item.ID, payins.StateFailed)

		assert.NoError(t, check(t, item.ID, &latest.ID))

		err := check(t, item.ID, &stale.ID)
		assert.True(t, errors.Is(err, payins.ErrBountyStaleRetry))
	})

	t.Run("retry without any attempt is stale", func(t *testing.T) {
		item := itemstestutil.CreateBountyItemOrFail(t, testDB, poster.ID, 10000)
		retryOf := 123456
		err := check(t, item.ID, &retryOf)
		assert.True(t, errors.Is(err, payins.ErrBountyStaleRetry))
	})
}
