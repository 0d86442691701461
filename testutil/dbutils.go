package testutil

import (
	"fmt"
	"path"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"

	"github.com/snlabs/snpay/db"
	"github.com/snlabs/snpay/util"
)

// GetDatabaseConfig returns a DB config suitable for testing purposes. The
// given argument is added to the name of the database
func GetDatabaseConfig(name string) db.DatabaseConfig {
	return db.DatabaseConfig{
		User:           "snpay_test",
		Password:       "password",
		Port:           util.GetDatabasePort(),
		Host:           util.GetEnvOrElse("DATABASE_HOST", "localhost"),
		Name:           "snpay_" + name,
		MigrationsPath: migrationsPath(),
	}
}

// migrationsPath locates the migrations directory relative to this source
// file, so tests can run from any package directory
func migrationsPath() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		log.Fatal("could not determine path of testutil package")
	}
	migrations := filepath.Join(filepath.Dir(file), "..", "db", "migrations")
	return path.Join("file://", migrations)
}

// CreateIfNotExists creates the database named in the given config, unless
// it already exists. Connects as the postgres superuser.
func CreateIfNotExists(conf db.DatabaseConfig) error {
	rootConf := conf
	rootConf.User = "postgres"
	rootConf.Password = "postgres"
	rootConf.Name = "postgres"

	root, err := db.Open(rootConf)
	if err != nil {
		return errors.Wrap(err, "could not connect to root Postgres DB")
	}
	defer func() { _ = root.Close() }()

	var exists bool
	err = root.Get(&exists,
		"SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", conf.Name)
	if err != nil {
		return errors.Wrap(err, "could not query pg_database")
	}
	if exists {
		return nil
	}

	if _, err = root.Exec(fmt.Sprintf("CREATE DATABASE %s", conf.Name)); err != nil {
		return errors.Wrap(err, "could not create database")
	}

	_, err = root.Exec(fmt.Sprintf("GRANT ALL PRIVILEGES ON DATABASE %s TO %s",
		conf.Name, conf.User))
	return errors.Wrap(err, "could not grant privileges to test user")
}

// InitDatabase initializes a DB for the given config such that tests can
// be run against it
func InitDatabase(config db.DatabaseConfig) *db.DB {
	log.Info("Opening, destroying and creating test DB")

	if err := CreateIfNotExists(config); err != nil {
		log.Fatalf("Could not create test DB: %v", err)
	}

	testDB, err := db.Open(config)
	if err != nil {
		log.Fatalf("Could not open test database: %+v\n", err)
	}

	if err = testDB.Teardown(); err != nil {
		log.Fatalf("Could not tear down test DB: %v", err)
	}

	if err = testDB.MigrateUp(); err != nil {
		log.Fatalf("Could not migrate test database: %v", err)
	}

	return testDB
}
