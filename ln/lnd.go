package ln

import (
	"context"
	"encoding/hex"
	"errors"
	"io/ioutil"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	pkgerrors "github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"
)

// LightningConfig is a struct containing all possible options for configuring
// a connection to lnd
type LightningConfig struct {
	LndDir      string
	TLSCertPath string
	// MacaroonPath corresponds to the --adminmacaroonpath startup option of
	// lnd
	MacaroonPath string
	Network      chaincfg.Params
	RPCServer    string
}

func configDefaultLndDir() string {
	if len(os.Getenv("LND_DIR")) != 0 {
		return os.Getenv("LND_DIR")
	}
	return btcutil.AppDataDir("lnd", false)
}

// DefaultRelativeMacaroonPath extracts the macaroon path using a specific network
func DefaultRelativeMacaroonPath(network chaincfg.Params) string {
	name := network.Name
	if name == "testnet3" {
		name = "testnet"
	}
	return filepath.Join("data", "chain",
		"bitcoin", name, "admin.macaroon")
}

const (
	DefaultRpcServer = "localhost:" + DefaultRpcPort
	DefaultRpcPort   = "10009"
)

// DefaultLndDir is the default location of .lnd
var DefaultLndDir = configDefaultLndDir()

// LND is the Provider implementation backed by an lnd node
type LND struct {
	client  lnrpc.LightningClient
	network chaincfg.Params
}

var _ Provider = &LND{}

// NewLND opens a new connection to lnd and returns a Provider backed by it
func NewLND(options LightningConfig) (*LND, error) {
	cfg := LightningConfig{
		LndDir:       options.LndDir,
		TLSCertPath:  cleanAndExpandPath(options.TLSCertPath),
		MacaroonPath: cleanAndExpandPath(options.MacaroonPath),
		Network:      options.Network,
		RPCServer:    options.RPCServer,
	}

	if cfg.TLSCertPath == "" {
		cfg.TLSCertPath = filepath.Join(cfg.LndDir, "tls.cert")
	}

	if cfg.MacaroonPath == "" {
		cfg.MacaroonPath = filepath.Join(cfg.LndDir,
			DefaultRelativeMacaroonPath(options.Network))
	}

	tlsCreds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "cannot get node tls credentials")
	}

	macaroonBytes, err := ioutil.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "cannot read macaroon file")
	}

	mac := &macaroon.Macaroon{}
	if err = mac.UnmarshalBinary(macaroonBytes); err != nil {
		return nil, pkgerrors.Wrap(err, "cannot unmarshal macaroon")
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(tlsCreds),
		grpc.WithBlock(),
		grpc.WithPerRPCCredentials(macaroons.NewMacaroonCredential(mac)),
	}

	withTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log.Infof("Connecting to lnd with lnddir=%s, network=%s, rpcServer=%s",
		cfg.LndDir, cfg.Network.Name, cfg.RPCServer)

	conn, err := grpc.DialContext(withTimeout, cfg.RPCServer, opts...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "cannot dial lnd")
	}

	log.Infof("opened connection to lnd on %s", cfg.RPCServer)

	return &LND{
		client:  lnrpc.NewLightningClient(conn),
		network: cfg.Network,
	}, nil
}

// NewLNDFromClient wraps an existing lnrpc client. Used by tests and by
// callers that manage the grpc connection themselves.
func NewLNDFromClient(client lnrpc.LightningClient, network chaincfg.Params) *LND {
	return &LND{client: client, network: network}
}

// CreateInvoice adds an invoice to lnd. The msat amount is ceiled to whole
// sats, we never invoice for less than what the payin costs.
func (l *LND) CreateInvoice(ctx context.Context, args CreateInvoiceArgs) (Invoice, error) {
	amountSat := msatsToSatsCeil(args.Msats)
	if amountSat <= 0 {
		return Invoice{}, errors.New("amount must be positive")
	}
	if amountSat > MaxAmountSatPerInvoice {
		return Invoice{}, errors.New("amount is larger than the maximum invoiceable amount")
	}
	if len(args.Description) > 256 {
		return Invoice{}, errors.New("description cant be longer than 256 characters")
	}

	expiry := args.Expiry
	if expiry == 0 {
		expiry = DefaultInvoiceExpiry
	}

	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	added, err := l.client.AddInvoice(ctx, &lnrpc.Invoice{
		Memo:   args.Description,
		Value:  amountSat,
		Expiry: int64(expiry / time.Second),
	})
	if err != nil {
		return Invoice{}, pkgerrors.Wrap(err, "could not add invoice to lnd")
	}

	log.WithField("hash", hex.EncodeToString(added.RHash)).
		Debug("Added invoice to lnd")

	return Invoice{
		Bolt11: added.PaymentRequest,
		Hash:   hex.EncodeToString(added.RHash),
		Expiry: int64(expiry / time.Second),
	}, nil
}

// PayInvoice pays an outbound invoice, limiting routing fees to MaxFeeMsat
func (l *LND) PayInvoice(ctx context.Context, args PayInvoiceArgs) (Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	response, err := l.client.SendPaymentSync(ctx, &lnrpc.SendRequest{
		PaymentRequest: args.Bolt11,
		FeeLimit: &lnrpc.FeeLimit{
			// lnd takes the fee limit in whole sats, flooring keeps us
			// inside the reserved max fee
			Limit: &lnrpc.FeeLimit_Fixed{Fixed: args.MaxFeeMsat / 1000},
		},
	})
	if err != nil {
		return Payment{}, pkgerrors.Wrap(err, "could not send payment")
	}
	if response.PaymentError != "" {
		return Payment{}, errors.New(response.PaymentError)
	}

	var feeMsat int64
	if response.PaymentRoute != nil {
		feeMsat = response.PaymentRoute.TotalFeesMsat
	}

	return Payment{
		Preimage: hex.EncodeToString(response.PaymentPreimage),
		FeeMsat:  feeMsat,
	}, nil
}

// SubscribeInvoiceUpdates subscribes to lnd invoice events
func (l *LND) SubscribeInvoiceUpdates(ctx context.Context) (<-chan InvoiceUpdate, error) {
	stream, err := l.client.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "could not subscribe to invoices")
	}

	updates := make(chan InvoiceUpdate)
	go func() {
		defer close(updates)
		for {
			invoice, err := stream.Recv()
			if err != nil {
				log.WithError(err).Error("Invoice subscription stream failed")
				return
			}
			select {
			case updates <- invoiceToUpdate(invoice):
			case <-ctx.Done():
				return
			}
		}
	}()

	return updates, nil
}

// GetInvoiceStatus looks up the given invoice in lnd
func (l *LND) GetInvoiceStatus(ctx context.Context, hash string) (InvoiceUpdate, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	invoice, err := l.client.LookupInvoice(ctx, &lnrpc.PaymentHash{RHashStr: hash})
	if err != nil {
		return InvoiceUpdate{}, pkgerrors.Wrapf(err, "could not look up invoice %s", hash)
	}

	return invoiceToUpdate(invoice), nil
}

func invoiceToUpdate(invoice *lnrpc.Invoice) InvoiceUpdate {
	return InvoiceUpdate{
		Hash:          hex.EncodeToString(invoice.RHash),
		Settled:       invoice.State == lnrpc.Invoice_SETTLED,
		Cancelled:     invoice.State == lnrpc.Invoice_CANCELED,
		MsatsReceived: invoice.AmtPaidMsat,
	}
}

func msatsToSatsCeil(msats int64) int64 {
	return (msats + 999) / 1000
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
// This function is taken from https://github.com/btcsuite/btcd
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		usr, err := user.Current()
		if err == nil {
			homeDir = usr.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
