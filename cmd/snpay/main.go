package main

import (
	"fmt"
	"os"

	_ "github.com/lib/pq" // Import postgres
	"github.com/urfave/cli"

	"github.com/snlabs/snpay/build"
	"github.com/snlabs/snpay/cmd/snpay/actions"
	"github.com/snlabs/snpay/cmd/snpay/flags"
)

var log = build.AddSubLogger("MAIN")

func main() {
	app := cli.NewApp()
	app.Name = "snpay"
	app.Usage = "Lightning settlement engine for paid actions"
	app.Version = build.Version()
	app.EnableBashCompletion = true
	// have log levels be set for all commands/subcommands
	app.Before = func(c *cli.Context) error {
		level, err := build.ToLogLevel(c.GlobalString("logging.level"))
		if err != nil {
			return err
		}
		existingLevel := log.Level
		if existingLevel != level {
			build.SetLogLevels(level)
		}

		if logFile := c.GlobalString("logging.file"); logFile != "" {
			if err = build.SetLogFile(logFile); err != nil {
				return err
			}
		}
		return nil
	}

	app.Flags = flags.CommonFlags
	app.Commands = []cli.Command{
		actions.Db(),
		actions.Serve(),
	}

	err := app.Run(os.Args)
	if err != nil {
		// only print error if something was supplied to snpay, help
		// message is printed anyways
		if len(os.Args) > 1 {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
