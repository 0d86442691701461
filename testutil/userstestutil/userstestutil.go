// Package userstestutil creates user fixtures for tests
package userstestutil

import (
	"fmt"
	"testing"

	"github.com/brianvoe/gofakeit"
	"github.com/stretchr/testify/require"

	"github.com/snlabs/snpay/db"
	"github.com/snlabs/snpay/models/users"
)

// CreateUserOrFail creates a user with a random alias
func CreateUserOrFail(t *testing.T, db *db.DB) users.User {
	t.Helper()
	alias := fmt.Sprintf("%s%d", gofakeit.Username(), gofakeit.Number(0, 1000000))
	u, err := users.Create(db, alias)
	require.NoError(t, err)
	return u
}

// CreateUserWithBalanceOrFail creates a user with the given withdrawable
// balance in millisatoshis
func CreateUserWithBalanceOrFail(t *testing.T, db *db.DB, msats int64) users.User {
	t.Helper()
	u := CreateUserOrFail(t, db)

	funded, err := users.IncreaseBalance(db, users.ChangeBalance{
		UserID: u.ID,
		Msats:  msats,
	})
	require.NoError(t, err)
	return funded
}

// CreateUserWithCreditsOrFail creates a user with the given platform credit
// balance in millisatoshis
func CreateUserWithCreditsOrFail(t *testing.T, db *db.DB, msats int64) users.User {
	t.Helper()
	u := CreateUserOrFail(t, db)

	funded, err := users.IncreaseCredits(db, users.ChangeBalance{
		UserID: u.ID,
		Msats:  msats,
	})
	require.NoError(t, err)
	return funded
}
