package users_test

import (
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snlabs/snpay/build"
	"github.com/snlabs/snpay/db"
	"github.com/snlabs/snpay/models/users"
	"github.com/snlabs/snpay/testutil"
	"github.com/snlabs/snpay/testutil/userstestutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("users")
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

func TestCreateUser(t *testing.T) {
	t.Parallel()

	t.Run("new user has zero balances", func(t *testing.T) {
		u := userstestutil.CreateUserOrFail(t, testDB)
		assert.Equal(t, int64(0), u.BalanceMsat)
		assert.Equal(t, int64(0), u.CreditsMsat)
		require.NotNil(t, u.Alias)
	})

	t.Run("empty alias stays null", func(t *testing.T) {
		u, err := users.Create(testDB, "")
		require.NoError(t, err)
		assert.Nil(t, u.Alias)
	})
}

func TestGetUserByID(t *testing.T) {
	t.Parallel()

	t.Run("can get created user", func(t *testing.T) {
		u := userstestutil.CreateUserOrFail(t, testDB)

		found, err := users.GetByID(testDB, u.ID)
		require.NoError(t, err)
		assert.Equal(t, u.ID, found.ID)
		assert.Equal(t, u.Alias, found.Alias)
	})

	t.Run("unknown id yields not found", func(t *testing.T) {
		_, err := users.GetByID(testDB, 999999999)
		assert.True(t, errors.Is(err, users.ErrUserNotFound))
	})
}

func TestChangeBalance(t *testing.T) {
	t.Parallel()

	t.Run("increase and decrease balance", func(t *testing.T) {
		u := userstestutil.CreateUserOrFail(t, testDB)

		increased, err := users.IncreaseBalance(testDB, users.ChangeBalance{
			UserID: u.ID, Msats: 50000,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(50000), increased.BalanceMsat)

		decreased, err := users.DecreaseBalance(testDB, users.ChangeBalance{
			UserID: u.ID, Msats: 20000,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(30000), decreased.BalanceMsat)
	})

	t.Run("balance can not go negative", func(t *testing.T) {
		u := userstestutil.CreateUserWithBalanceOrFail(t, testDB, 1000)

		_, err := users.DecreaseBalance(testDB, users.ChangeBalance{
			UserID: u.ID, Msats: 1001,
		})
		assert.True(t, errors.Is(err, users.ErrBalanceTooLow))

		// the failed debit must not have touched the balance
		found, err := users.GetByID(testDB, u.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), found.BalanceMsat)
	})

	t.Run("credits are a separate balance", func(t *testing.T) {
		u := userstestutil.CreateUserWithCreditsOrFail(t, testDB, 5000)

		_, err := users.DecreaseBalance(testDB, users.ChangeBalance{
			UserID: u.ID, Msats: 1,
		})
		assert.True(t, errors.Is(err, users.ErrBalanceTooLow))

		decreased, err := users.DecreaseCredits(testDB, users.ChangeBalance{
			UserID: u.ID, Msats: 5000,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(0), decreased.CreditsMsat)
	})

	t.Run("zero or negative amounts are rejected", func(t *testing.T) {
		u := userstestutil.CreateUserOrFail(t, testDB)

		_, err := users.IncreaseBalance(testDB, users.ChangeBalance{UserID: u.ID, Msats: 0})
		require.Error(t, err)
		_, err = users.IncreaseBalance(testDB, users.ChangeBalance{UserID: u.ID, Msats: -42})
		require.Error(t, err)
	})

	t.Run("changing an unknown user yields not found", func(t *testing.T) {
		_, err := users.IncreaseBalance(testDB, users.ChangeBalance{
			UserID: 999999999, Msats: 1000,
		})
		assert.True(t, errors.Is(err, users.ErrUserNotFound))
	})
}

func TestSetEmail(t *testing.T) {
	t.Parallel()

	u := userstestutil.CreateUserOrFail(t, testDB)
	email := gofakeit.Email()

	updated, err := users.SetEmail(testDB, u.ID, email)
	require.NoError(t, err)
	require.NotNil(t, updated.Email)
	assert.Equal(t, email, *updated.Email)

	t.Run("unknown user yields not found", func(t *testing.T) {
		_, err := users.SetEmail(testDB, 999999999, gofakeit.Email())
		assert.True(t, errors.Is(err, users.ErrUserNotFound))
	})
}

func TestCreditPool(t *testing.T) {
	t.Parallel()

	before, err := users.GetPool(testDB, users.PoolRewards)
	require.NoError(t, err)

	after, err := users.CreditPool(testDB, users.PoolRewards, 12345)
	require.NoError(t, err)
	assert.Equal(t, before.BalanceMsat+12345, after.BalanceMsat)

	t.Run("zero amounts are rejected", func(t *testing.T) {
		_, err := users.CreditPool(testDB, users.PoolRewards, 0)
		require.Error(t, err)
	})
}
