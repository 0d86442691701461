package db

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/snlabs/snpay/build"
)

var log = build.AddSubLogger("DBSE")

// DatabaseConfig describes a Postgres database we can connect to
type DatabaseConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	// Name of the database to connect to
	Name string
	// MigrationsPath is a golang-migrate source URL, typically file://...
	MigrationsPath string
}

// DB wraps a sqlx connection pool together with the migrations source it
// was configured with
type DB struct {
	*sqlx.DB
	MigrationsPath string
}

// Open connects to the Postgres database described by conf
func Open(conf DatabaseConfig) (*DB, error) {
	hostPort := conf.Host + ":" + strconv.Itoa(conf.Port)

	query := url.Values{}
	query.Set("sslmode", "disable")
	query.Set("timezone", "utc")

	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(conf.User, conf.Password),
		Host:     hostPort,
		Path:     conf.Name,
		RawQuery: query.Encode(),
	}

	conn, err := sqlx.Open("postgres", dsn.String())
	if err != nil {
		return nil, errors.Wrapf(err,
			"cannot connect to database %s with user %s at %s",
			conf.Name, conf.User, hostPort)
	}

	log.WithFields(logrus.Fields{
		"host":     hostPort,
		"user":     conf.User,
		"database": conf.Name,
	}).Info("Opened connection to DB")

	return &DB{
		DB:             conn,
		MigrationsPath: conf.MigrationsPath,
	}, nil
}

// MigrateOrReset applies migrations to the DB. If already applied, drops
// the db first, then applies migrations
func (d *DB) MigrateOrReset() error {
	err := d.MigrateUp()
	if err != nil {
		if err.Error() == "no change" {
			return d.Reset()
		}
		return errors.Wrap(err, "could not migrate or reset")
	}

	return nil
}

// Teardown drops the database, removing all data and schemas
func (d *DB) Teardown() error {
	err := d.Drop()
	if err != nil {
		return fmt.Errorf("cannot teardown DB: %w", err)
	}

	return nil
}

// Reset first drops the DB, then applies migrations
func (d *DB) Reset() error {
	if err := d.Teardown(); err != nil {
		return err
	}
	if err := d.MigrateOrReset(); err != nil {
		return err
	}

	return nil
}

// Drop drops the existing database
func (d *DB) Drop() error {
	migrator, err := d.migrator()
	if err != nil {
		return err
	}

	return migrator.Drop()
}

func (d *DB) migrator() (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(d.DB.DB, &postgres.Config{})
	if err != nil {
		return nil, err
	}

	migrator, err := migrate.NewWithDatabaseInstance(
		d.MigrationsPath,
		"postgres",
		driver,
	)
	if err != nil {
		log.WithError(err).Error("Could not get migrator")
		return nil, err
	}
	return migrator, nil
}

// Getter reads a single row into a struct. Satisfied by both *sqlx.DB and
// *sqlx.Tx, letting model functions run inside or outside a transaction.
type Getter interface {
	Get(dest interface{}, query string, args ...interface{}) error
}

// Inserter writes rows with named parameters
type Inserter interface {
	NamedQuery(query string, arg interface{}) (*sqlx.Rows, error)
}

// InsertGetter combines Getter and Inserter
type InsertGetter interface {
	Getter
	Inserter
}
