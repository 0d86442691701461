// Package flags provides functionality for managing flags for snpay
package flags

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/snlabs/snpay/db"
	"github.com/snlabs/snpay/ln"
)

// Concat joins flag groups into a fresh slice, leaving the groups
// themselves untouched
func Concat(groups ...[]cli.Flag) []cli.Flag {
	var joined []cli.Flag
	for _, group := range groups {
		joined = append(joined, group...)
	}
	return joined
}

// CommonFlags is the set of flags every command takes
var CommonFlags = Concat([]cli.Flag{
	cli.StringFlag{
		Name:  "network",
		Usage: "Bitcoin network lnd runs on: mainnet, testnet or regtest",
		Value: "regtest",
	},
}, logging)

// ReadDbConf assembles a DB config from the db.* flags
func ReadDbConf(c *cli.Context) db.DatabaseConfig {
	conf := db.DatabaseConfig{
		User:           c.String("db.user"),
		Password:       c.String("db.password"),
		Host:           c.String("db.host"),
		Port:           c.Int("db.port"),
		Name:           c.String("db.name"),
		MigrationsPath: c.String("db.migrationspath"),
	}

	// golang-migrate wants a source URL, default bare paths to file:
	parsed, err := url.Parse(conf.MigrationsPath)
	if err != nil {
		panic(fmt.Errorf("could not parse migrations path into URL: %w", err))
	}
	if parsed.Scheme == "" {
		conf.MigrationsPath = path.Join("file:", conf.MigrationsPath)
	}

	// flags belong to a context, and subcommand contexts don't see the
	// parents flags. recurse until we find the context where the DB
	// flags are defined.
	if conf.User == "" {
		parent := c.Parent()
		if parent == nil {
			panic("reached the root CLI context without finding DB credentials")
		}
		return ReadDbConf(parent)
	}
	return conf
}

// ReadNetwork reads the network flag, erroring if an invalid value is
// passed
func ReadNetwork(c *cli.Context) (chaincfg.Params, error) {
	networkString := c.GlobalString("network")
	switch networkString {
	case "mainnet":
		return chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return chaincfg.TestNet3Params, nil
	case "regtest", "":
		return chaincfg.RegressionNetParams, nil
	default:
		return chaincfg.Params{}, fmt.Errorf("unknown network: %s. Valid: mainnet, testnet, regtest", networkString)
	}
}

// ReadLnConf reads the appropriate flags for constructing a LND
// configuration
func ReadLnConf(c *cli.Context) (ln.LightningConfig, error) {
	network, err := ReadNetwork(c)
	if err != nil {
		return ln.LightningConfig{}, err
	}

	return ln.LightningConfig{
		LndDir:       c.String("lnd.dir"),
		TLSCertPath:  c.String("lnd.certpath"),
		MacaroonPath: c.String("lnd.macaroonpath"),
		Network:      network,
		RPCServer:    c.String("lnd.rpcserver"),
	}, nil
}

// Lnd is a list of flags that apply to functionality that needs LND
var Lnd = []cli.Flag{
	cli.StringFlag{
		Name:  "lnd.dir",
		Usage: "Path to lnd's base directory",
	},
	cli.StringFlag{
		Name:      "lnd.certpath",
		Usage:     "Path to lnd's tls.cert",
		TakesFile: true,
	},
	cli.StringFlag{
		Name:      "lnd.macaroonpath",
		Usage:     "Path to an admin.macaroon for lnd",
		TakesFile: true,
	},
	cli.StringFlag{
		Name:  "lnd.rpcserver",
		Value: ln.DefaultRpcServer,
		Usage: "host:port of ln daemon",
	},
}

// Db is the flags every command touching the database takes
var Db = []cli.Flag{
	cli.StringFlag{
		Name:     "db.user",
		Usage:    "User to connect to Postgres as",
		EnvVar:   "DATABASE_USER",
		Required: true,
	},
	cli.StringFlag{
		Name:     "db.password",
		Usage:    "Password for the Postgres user",
		EnvVar:   "DATABASE_PASSWORD",
		Required: true,
	},
	cli.StringFlag{
		Name:   "db.name",
		Usage:  "Name of the database to connect to",
		Value:  "snpay",
		EnvVar: "DATABASE_NAME",
	},
	cli.StringFlag{
		Name:  "db.host",
		Usage: "Host Postgres is running on",
		Value: "localhost",
	},
	cli.IntFlag{
		Name:   "db.port",
		Usage:  "Port Postgres is listening on",
		Value:  5432,
		EnvVar: "DATABASE_PORT",
	},
	cli.StringFlag{
		Name:      "db.migrationspath",
		Usage:     `Path to DB migrations. Needs scheme ("file", etc.) in front of path`,
		TakesFile: true,
		Value: func() string {
			dir, err := os.Getwd()
			if err != nil {
				panic(err)
			}
			return filepath.Join("file:", dir, "db", "migrations")
		}(),
	},
	cli.BoolFlag{
		Name:  "db.migrateup",
		Usage: "Run pending migrations before starting the API",
	},
}

// Serve is the flags the serve command takes on top of Db and Lnd
var Serve = []cli.Flag{
	cli.IntFlag{
		Name:  "port",
		Value: 8080,
		Usage: "Port the API listens on",
	},
	cli.StringFlag{
		Name:      "rsa-jwt-key",
		Usage:     "Path to PEM encoded RSA key used for signing JWTs",
		TakesFile: true,
		Required:  true,
	},
	cli.StringFlag{
		Name:   "sendgrid.api-key",
		Usage:  "API key used for sending notification emails",
		EnvVar: "SENDGRID_API_KEY",
	},
	cli.StringSliceFlag{
		Name:  "cors.origin",
		Usage: "Origin the API allows browser requests from, can be repeated",
	},
}

// logging is logging related CLI flags
var logging = []cli.Flag{
	cli.StringFlag{
		Name:  "logging.level",
		Value: logrus.InfoLevel.String(),
		Usage: "Log level for all subsystems: trace, debug, info, warn, error, fatal or panic",
	},
	cli.StringFlag{
		Name:      "logging.file",
		Usage:     "File to write logs to, in addition to stdout",
		TakesFile: true,
	},
}
