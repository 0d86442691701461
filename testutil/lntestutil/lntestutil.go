// Package lntestutil provides a scriptable in-memory implementation of the
// Lightning provider contract, plus helpers for minting real, decodable
// payment requests signed with a throwaway key.
package lntestutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"

	"github.com/snlabs/snpay/ln"
)

var (
	// these variables are used for generating a payment request
	testPrivKeyBytes, _ = hex.DecodeString("e126f68f7eafcc8b74f54d269fe206be715000f94dac067d1c04a8ca3b2db734")
	testPrivKey, _      = btcec.PrivKeyFromBytes(btcec.S256(), testPrivKeyBytes)
	messageSigner       = zpay32.MessageSigner{
		SignCompact: func(hash []byte) ([]byte, error) {
			sig, err := btcec.SignCompact(btcec.S256(),
				testPrivKey, hash, true)
			if err != nil {
				return nil, fmt.Errorf("can't sign the "+
					"message: %v", err)
			}
			return sig, nil
		},
	}
)

// MockPreimage will create a random preimage
func MockPreimage() []byte {
	p := make([]byte, 32)
	_, _ = rand.Read(p)
	return p
}

// MockHash mocks a hashed preimage
func MockHash(preimage []byte) []byte {
	h := sha256.Sum256(preimage)
	return h[:]
}

// MockPaymentRequest mints a decodable payment request for the given
// amount on the given network
func MockPaymentRequest(network chaincfg.Params, msats int64) string {
	var paymentHash [32]byte
	copy(paymentHash[:], MockHash(MockPreimage()))
	return EncodePaymentRequest(network, paymentHash, msats,
		gofakeit.HipsterSentence(4))
}

// EncodePaymentRequest encodes and signs a payment request using lnd's
// zpay32 library
func EncodePaymentRequest(network chaincfg.Params, paymentHash [32]byte,
	msats int64, description string) string {
	invoice, err := zpay32.NewInvoice(&network,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(msats)),
		zpay32.Description(description),
	)
	if err != nil {
		panic(fmt.Errorf("could not create payment request: %w", err))
	}

	paymentRequest, err := invoice.Encode(messageSigner)
	if err != nil {
		panic(fmt.Errorf("could not sign invoice: %w", err))
	}

	return paymentRequest
}

// MockProvider is a scriptable Lightning backend for testing purposes. The
// zero value is not usable, use NewMockProvider.
type MockProvider struct {
	mu sync.Mutex

	// Network is the network minted payment requests are encoded for
	Network chaincfg.Params

	// CreateInvoiceErr, when set, is returned from every CreateInvoice call
	CreateInvoiceErr error
	// PayInvoiceErr, when set, is returned from every PayInvoice call
	PayInvoiceErr error
	// PaymentResponse is what successful PayInvoice calls return
	PaymentResponse ln.Payment

	// Statuses is what GetInvoiceStatus serves, keyed by payment hash.
	// Hashes not present report as open invoices.
	Statuses map[string]ln.InvoiceUpdate
	// StatusErrs makes GetInvoiceStatus fail for the given hashes,
	// taking precedence over Statuses
	StatusErrs map[string]error

	// Updates is the channel handed out by SubscribeInvoiceUpdates
	Updates chan ln.InvoiceUpdate

	// CreatedInvoices records every CreateInvoice call in order
	CreatedInvoices []ln.CreateInvoiceArgs
	// PaidInvoices records every successful PayInvoice call in order
	PaidInvoices []ln.PayInvoiceArgs
}

var _ ln.Provider = (*MockProvider)(nil)

// NewMockProvider returns a mock provider with sane defaults, minting
// regtest payment requests and paying invoices with a 1 sat routing fee
func NewMockProvider() *MockProvider {
	preimage := MockPreimage()
	return &MockProvider{
		Network: chaincfg.RegressionNetParams,
		PaymentResponse: ln.Payment{
			Preimage: hex.EncodeToString(preimage),
			FeeMsat:  1000,
		},
		Statuses:   make(map[string]ln.InvoiceUpdate),
		StatusErrs: make(map[string]error),
		Updates:    make(chan ln.InvoiceUpdate, 16),
	}
}

// CreateInvoice mints a fresh invoice with a random preimage
func (m *MockProvider) CreateInvoice(ctx context.Context,
	args ln.CreateInvoiceArgs) (ln.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CreateInvoiceErr != nil {
		return ln.Invoice{}, m.CreateInvoiceErr
	}

	m.CreatedInvoices = append(m.CreatedInvoices, args)

	var paymentHash [32]byte
	copy(paymentHash[:], MockHash(MockPreimage()))

	expiry := args.Expiry
	if expiry == 0 {
		expiry = ln.DefaultInvoiceExpiry
	}

	return ln.Invoice{
		Bolt11: EncodePaymentRequest(m.Network, paymentHash,
			args.Msats, args.Description),
		Hash:   hex.EncodeToString(paymentHash[:]),
		Expiry: int64(expiry.Seconds()),
	}, nil
}

// PayInvoice records the payment and returns the scripted result
func (m *MockProvider) PayInvoice(ctx context.Context,
	args ln.PayInvoiceArgs) (ln.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PayInvoiceErr != nil {
		return ln.Payment{}, m.PayInvoiceErr
	}

	m.PaidInvoices = append(m.PaidInvoices, args)
	return m.PaymentResponse, nil
}

// SubscribeInvoiceUpdates hands out the Updates channel. Tests push
// settlement events onto it directly.
func (m *MockProvider) SubscribeInvoiceUpdates(ctx context.Context) (
	<-chan ln.InvoiceUpdate, error) {
	return m.Updates, nil
}

// GetInvoiceStatus serves the scripted status for the hash, or an open
// invoice if none was scripted
func (m *MockProvider) GetInvoiceStatus(ctx context.Context, hash string) (
	ln.InvoiceUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.StatusErrs[hash]; ok {
		return ln.InvoiceUpdate{}, err
	}
	if status, ok := m.Statuses[hash]; ok {
		return status, nil
	}
	return ln.InvoiceUpdate{Hash: hash}, nil
}

// SetStatus scripts the status GetInvoiceStatus serves for the hash
func (m *MockProvider) SetStatus(update ln.InvoiceUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Statuses[update.Hash] = update
}

// SetStatusErr makes GetInvoiceStatus fail for the given hash
func (m *MockProvider) SetStatusErr(hash string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatusErrs[hash] = err
}

// LastCreatedInvoice returns the arguments of the most recent
// CreateInvoice call
func (m *MockProvider) LastCreatedInvoice() (ln.CreateInvoiceArgs, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.CreatedInvoices) == 0 {
		return ln.CreateInvoiceArgs{}, false
	}
	return m.CreatedInvoices[len(m.CreatedInvoices)-1], true
}
