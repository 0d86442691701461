package users

import (
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/snlabs/snpay/build"
	"github.com/snlabs/snpay/db"
)

var log = build.AddSubLogger("USER")

// Exported errors
var (
	// ErrBalanceTooLow means a debit would have taken a balance below zero
	ErrBalanceTooLow = errors.New("balance too low")
	// ErrUserNotFound means no user with the given id exists
	ErrUserNotFound = errors.New("user not found")
)

// checkViolation is the postgres error code for a failed CHECK constraint,
// which is how the DB stops balances from going negative
const checkViolation = "23514"

// User is a database table. Balances are custodial and denominated in
// millisatoshis: balance_msat is withdrawable sats, credits_msat is
// platform credits.
type User struct {
	ID          int        `db:"id"`
	Alias       *string    `db:"alias"`
	Email       *string    `db:"email"`
	BalanceMsat int64      `db:"balance_msat"`
	CreditsMsat int64      `db:"credits_msat"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	DeletedAt   *time.Time `db:"deleted_at"`
}

const returningFromUsersTable = ` RETURNING id, alias, email, balance_msat, credits_msat,
	created_at, updated_at, deleted_at`

// Create inserts a new user with zero balances
func Create(d db.Inserter, alias string) (User, error) {
	user := User{}
	if alias != "" {
		user.Alias = &alias
	}

	rows, err := d.NamedQuery(
		`INSERT INTO users (alias) VALUES (:alias)`+returningFromUsersTable,
		user)
	if err != nil {
		return User{}, errors.Wrap(err, "could not insert user")
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return User{}, errors.Wrap(sql.ErrNoRows, "could not insert user")
	}
	var inserted User
	if err := rows.StructScan(&inserted); err != nil {
		return User{}, err
	}
	return inserted, nil
}

// GetByID selects all columns for user where id=id
func GetByID(d db.Getter, id int) (User, error) {
	userResult := User{}
	query := `SELECT id, alias, email, balance_msat, credits_msat, created_at, updated_at, deleted_at
		FROM users WHERE id=$1 LIMIT 1`

	if err := d.Get(&userResult, query, id); err != nil {
		if err == sql.ErrNoRows {
			return User{}, ErrUserNotFound
		}
		return User{}, errors.Wrapf(err, "GetByID(db, %d)", id)
	}

	return userResult, nil
}

// ChangeBalance is the argument for all balance mutations.
// This is using a struct as a parameter because these are critical
// operations and placing the arguments in the wrong order leads to
// changing the wrong users balance.
type ChangeBalance struct {
	UserID int
	Msats  int64
}

// SetEmail sets the email notifications for this user go to
func SetEmail(d db.Getter, id int, email string) (User, error) {
	var updated User
	err := d.Get(&updated, `UPDATE users SET email=$1, updated_at=now()
		WHERE id=$2`+returningFromUsersTable, email, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return User{}, ErrUserNotFound
		}
		return User{}, errors.Wrapf(err, "could not set email for user %d", id)
	}
	return updated, nil
}

// IncreaseBalance increases the withdrawable balance of user id x by y
// millisatoshis. The increment happens in the database so concurrent
// payins crediting the same user never lose updates.
func IncreaseBalance(tx db.InsertGetter, cb ChangeBalance) (User, error) {
	return changeColumn(tx, cb, "balance_msat", +1)
}

// DecreaseBalance decreases the withdrawable balance of user id x by y
// millisatoshis. A constraint on the DB prevents us from decreasing
// further than 0.
func DecreaseBalance(tx db.InsertGetter, cb ChangeBalance) (User, error) {
	return changeColumn(tx, cb, "balance_msat", -1)
}

// IncreaseCredits increases the platform credit balance of the given user
func IncreaseCredits(tx db.InsertGetter, cb ChangeBalance) (User, error) {
	return changeColumn(tx, cb, "credits_msat", +1)
}

// DecreaseCredits decreases the platform credit balance of the given user
func DecreaseCredits(tx db.InsertGetter, cb ChangeBalance) (User, error) {
	return changeColumn(tx, cb, "credits_msat", -1)
}

func changeColumn(tx db.InsertGetter, cb ChangeBalance, column string, sign int64) (User, error) {
	if cb.Msats <= 0 {
		return User{}, errors.New("amount cant be less than or equal to 0")
	}

	type balanceChange struct {
		User
		Change int64 `db:"change"`
	}

	query := `UPDATE users SET ` + column + ` = ` + column + ` + :change
		WHERE id = :id` + returningFromUsersTable

	rows, err := tx.NamedQuery(query, balanceChange{
		User:   User{ID: cb.UserID},
		Change: sign * cb.Msats,
	})
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == checkViolation {
			return User{}, ErrBalanceTooLow
		}
		return User{}, errors.Wrapf(err, "could not change %s by %d for user %d",
			column, sign*cb.Msats, cb.UserID)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return User{}, ErrUserNotFound
	}
	var user User
	if err := rows.StructScan(&user); err != nil {
		return User{}, err
	}

	log.WithFields(logrus.Fields{
		"userId": user.ID,
		"column": column,
		"amount": sign * cb.Msats,
	}).Debug("Changed user balance")

	return user, nil
}

// Pool is a system account that receives custodial payouts that have no
// user, e.g. the rewards pool
type Pool struct {
	Name        string `db:"name"`
	BalanceMsat int64  `db:"balance_msat"`
}

// Well known pool names
const (
	PoolRewards    = "rewards"
	PoolRoutingFee = "routing_fee"
)

// CreditPool atomically adds msats to the named system pool
func CreditPool(tx db.InsertGetter, name string, msats int64) (Pool, error) {
	if msats <= 0 {
		return Pool{}, errors.New("amount cant be less than or equal to 0")
	}

	type poolChange struct {
		Pool
		Change int64 `db:"change"`
	}

	rows, err := tx.NamedQuery(
		`UPDATE pools SET balance_msat = balance_msat + :change
			WHERE name = :name RETURNING name, balance_msat`,
		poolChange{Pool: Pool{Name: name}, Change: msats})
	if err != nil {
		return Pool{}, errors.Wrapf(err, "could not credit pool %s", name)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return Pool{}, errors.Errorf("no pool named %s", name)
	}
	var pool Pool
	if err := rows.StructScan(&pool); err != nil {
		return Pool{}, err
	}
	return pool, nil
}

// GetPool reads the named system pool
func GetPool(d db.Getter, name string) (Pool, error) {
	var pool Pool
	err := d.Get(&pool, `SELECT name, balance_msat FROM pools WHERE name=$1`, name)
	if err != nil {
		return Pool{}, errors.Wrapf(err, "could not get pool %s", name)
	}
	return pool, nil
}
