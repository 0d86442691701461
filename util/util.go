// Package util has small env var helpers shared across packages.
package util

import (
	"log"
	"os"
	"strconv"
)

const defaultPostgresPort = 5432

// GetDatabasePort reads the `DATABASE_PORT` env var, falls back to 5432
func GetDatabasePort() int {
	databasePortStr := os.Getenv("DATABASE_PORT")
	if databasePortStr == "" {
		return defaultPostgresPort
	}
	databasePort, err := strconv.Atoi(databasePortStr)
	if err != nil {
		log.Fatalf("given database port (%s) is not a valid int", databasePortStr)
	}
	return databasePort
}

// GetEnvOrElse returns the value of the given environment variable, or the
// provided default value if the env variable is not set
func GetEnvOrElse(env string, defaultValue string) string {
	if found := os.Getenv(env); found != "" {
		return found
	}
	return defaultValue
}
