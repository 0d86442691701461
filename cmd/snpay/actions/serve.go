package actions

import (
	"context"
	"fmt"
	"io/ioutil"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/snlabs/snpay/api"
	"github.com/snlabs/snpay/api/auth"
	"github.com/snlabs/snpay/build"
	"github.com/snlabs/snpay/cmd/snpay/flags"
	"github.com/snlabs/snpay/db"
	"github.com/snlabs/snpay/ln"
	"github.com/snlabs/snpay/notify"
	"github.com/snlabs/snpay/pay"
)

// Serve starts the settlement engine, its reconciliation workers and
// the REST API
func Serve() cli.Command {
	return cli.Command{
		Name:  "serve",
		Usage: "Starts the payin settlement api",
		Flags: flags.Concat(flags.Serve, flags.Db, flags.Lnd),
		Before: func(c *cli.Context) error {
			jwtPrivateKeyPath := c.String("rsa-jwt-key")
			jwtPrivateKeyBytes, err := ioutil.ReadFile(jwtPrivateKeyPath)
			if err != nil {
				return fmt.Errorf("could not read RSA JWT key: %w", err)
			}
			if err := auth.SetRawJwtPrivateKey(jwtPrivateKeyBytes); err != nil {
				return err
			}
			log.Info("Set JWT signing key")
			return nil
		},
		Action: func(c *cli.Context) (err error) {
			lnConfig, err := flags.ReadLnConf(c)
			if err != nil {
				return err
			}

			dbConf := flags.ReadDbConf(c)
			database, err := db.Open(dbConf)
			if err != nil {
				return err
			}
			defer func() {
				if dbErr := database.Close(); dbErr != nil {
					err = dbErr
				}
			}()

			if c.Bool("db.migrateup") {
				if err := database.MigrateUp(); err != nil {
					return err
				}
			}

			lnd, err := ln.NewLND(lnConfig)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{
				"network":   lnConfig.Network.Name,
				"rpcserver": lnConfig.RPCServer,
			}).Info("Opened connection to lnd")

			engine := pay.NewEngine(database, lnd, lnConfig.Network)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			go func() {
				if err := engine.RunReconciliation(ctx, pay.DefaultSweepInterval); err != nil &&
					ctx.Err() == nil {
					log.WithError(err).Fatal("Invoice reconciliation stopped")
				}
			}()

			var sender notify.Sender = notify.NoopSender{}
			if key := c.String("sendgrid.api-key"); key != "" {
				sender = notify.NewSendGridSender(key)
			}
			go func() {
				if err := notify.RunWorker(ctx, database, sender, notify.DefaultPollInterval); err != nil &&
					ctx.Err() == nil {
					log.WithError(err).Error("Notification worker stopped")
				}
			}()

			logLevel, err := build.ToLogLevel(c.GlobalString("logging.level"))
			if err != nil {
				return err
			}
			config := api.Config{
				LogLevel:    logLevel,
				Network:     lnConfig.Network,
				CorsOrigins: c.StringSlice("cors.origin"),
			}
			app, err := api.NewApp(database, engine, config)
			if err != nil {
				return err
			}

			address := fmt.Sprintf(":%d", c.Int("port"))
			log.WithField("address", address).Info("Serving API")
			return app.Router.Run(address)
		},
	}
}
