// Package actions provides the commands the snpay CLI can execute
package actions

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli"

	"github.com/snlabs/snpay/build"
	"github.com/snlabs/snpay/cmd/snpay/flags"
	"github.com/snlabs/snpay/db"
)

var log = build.AddSubLogger("MAIN")

// Db returns commands for handling DB access and migrations
func Db() cli.Command {
	return cli.Command{
		Name:  "db",
		Usage: "Database related commands",
		Flags: flags.Db,
		Subcommands: []cli.Command{
			{
				Name:    "up",
				Aliases: []string{"mu"},
				Usage:   "Migrates the database up to the most recent version",
				Action: func(c *cli.Context) error {
					return withDb(c, func(database *db.DB) error {
						return database.MigrateUp()
					})
				},
			},
			{
				Name:    "down",
				Aliases: []string{"md"},
				Usage:   "down x, migrates the database down x number of steps",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.NewExitError(
							"You need to specify a number of steps to migrate down", 22)
					}
					steps, err := strconv.Atoi(c.Args().First())
					if err != nil {
						return err
					}
					return withDb(c, func(database *db.DB) error {
						return database.MigrateDown(steps)
					})
				},
			},
			{
				Name:    "status",
				Aliases: []string{"ms"},
				Usage:   "Prints the current migration version and dirty state",
				Action: func(c *cli.Context) error {
					return withDb(c, func(database *db.DB) error {
						status, err := database.MigrationStatus()
						if err != nil {
							return err
						}
						fmt.Printf("version: %d dirty: %t\n", status.Version, status.Dirty)
						return nil
					})
				},
			},
			{
				Name:  "drop",
				Usage: "Drops the entire database, removing all data and schemas",
				Action: func(c *cli.Context) error {
					return withDb(c, func(database *db.DB) error {
						return database.Teardown()
					})
				},
			},
		},
	}
}

func withDb(c *cli.Context, fn func(database *db.DB) error) (err error) {
	conf := flags.ReadDbConf(c)
	database, err := db.Open(conf)
	if err != nil {
		return err
	}
	defer func() {
		if dbErr := database.Close(); dbErr != nil {
			err = dbErr
		}
	}()
	return fn(database)
}
