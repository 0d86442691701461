package pay_test

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snlabs/snpay/build"
	"github.com/snlabs/snpay/db"
	"github.com/snlabs/snpay/ln"
	"github.com/snlabs/snpay/models/items"
	"github.com/snlabs/snpay/models/payins"
	"github.com/snlabs/snpay/models/payouts"
	"github.com/snlabs/snpay/models/users"
	"github.com/snlabs/snpay/pay"
	"github.com/snlabs/snpay/testutil"
	"github.com/snlabs/snpay/testutil/itemstestutil"
	"github.com/snlabs/snpay/testutil/lntestutil"
	"github.com/snlabs/snpay/testutil/userstestutil"
)

var testDB *db.DB

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.ErrorLevel)
	rand.Seed(time.Now().UnixNano())

	testDB = testutil.InitDatabase(testutil.GetDatabaseConfig("pay"))

	result := m.Run()
	if err := testDB.Close(); err != nil {
		panic(err)
	}
	os.Exit(result)
}

func newEngineOrFail(t *testing.T) (*pay.Engine, *lntestutil.MockProvider) {
	t.Helper()
	mock := lntestutil.NewMockProvider()
	return pay.NewEngine(testDB, mock, chaincfg.RegressionNetParams), mock
}

func zapArgs(itemID int, msats int64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"itemId": %d, "msats": %d}`, itemID, msats))
}

func balanceOrFail(t *testing.T, userID int) int64 {
	t.Helper()
	user, err := users.GetByID(testDB, userID)
	require.NoError(t, err)
	return user.BalanceMsat
}

func TestCreateZapWithBalance(t *testing.T) {
	t.Parallel()
	engine, _ := newEngineOrFail(t)

	author := userstestutil.CreateUserOrFail(t, testDB)
	item := itemstestutil.CreateItemOrFail(t, testDB, author.ID)
	zapper := userstestutil.CreateUserWithBalanceOrFail(t, testDB, 50_000)

	result, err := engine.Create(context.Background(), pay.CreateArgs{
		Type:   payins.TypeZap,
		UserID: &zapper.ID,
		Args:   zapArgs(item.ID, 21_000),
	})
	require.NoError(t, err)

	assert.Equal(t, payins.StatePaid, result.PayIn.State)
	assert.Equal(t, payins.MethodRewardSats, result.PayIn.PaymentMethod)
	assert.Equal(t, int64(21_000), result.PayIn.McostMsat)
	assert.Nil(t, result.Invoice, "custodial settlement needs no invoice")

	assert.Equal(t, int64(50_000-21_000), balanceOrFail(t, zapper.ID))
	assert.Equal(t, int64(21_000), balanceOrFail(t, author.ID))
}

func TestCreateZapWithCredits(t *testing.T) {
	t.Parallel()
	engine, _ := newEngineOrFail(t)

	author := userstestutil.CreateUserOrFail(t, testDB)
	item := itemstestutil.CreateItemOrFail(t, testDB, author.ID)
	zapper := userstestutil.CreateUserWithCreditsOrFail(t, testDB, 100_000)

	result, err := engine.Create(context.Background(), pay.CreateArgs{
		Type:   payins.TypeZap,
		UserID: &zapper.ID,
		Args:   zapArgs(item.ID, 40_000),
	})
	require.NoError(t, err)

	assert.Equal(t, payins.StatePaid, result.PayIn.State)
	assert.Equal(t, payins.MethodFeeCredit, result.PayIn.PaymentMethod)

	updated, err := users.GetByID(testDB, zapper.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), updated.CreditsMsat)
	assert.Equal(t, int64(0), updated.BalanceMsat, "credits must not touch the sats balance")

	// the author is paid in sats regardless of how the zapper funded it
	assert.Equal(t, int64(40_000), balanceOrFail(t, author.ID))
}

func TestAnonymousZap(t *testing.T) {
	t.Parallel()
	engine, _ := newEngineOrFail(t)

	author := userstestutil.CreateUserOrFail(t, testDB)
	item := itemstestutil.CreateItemOrFail(t, testDB, author.ID)

	result, err := engine.Create(context.Background(), pay.CreateArgs{
		Type: payins.TypeZap,
		Args: zapArgs(item.ID, 1_000_000),
	})
	require.NoError(t, err)

	assert.Equal(t, payins.StatePending, result.PayIn.State)
	assert.Equal(t, payins.MethodP2P, result.PayIn.PaymentMethod)
	assert.Nil(t, result.PayIn.UserID)
	require.NotNil(t, result.Invoice)

	// the invoice carries the 10% sybil surcharge on top of the zap
	assert.Equal(t, int64(1_100_000), result.Invoice.MsatsRequested)

	err = engine.SettleInvoice(result.Invoice.Hash, result.Invoice.MsatsRequested, time.Now())
	require.NoError(t, err)

	settled, err := payins.GetByID(testDB, result.PayIn.ID)
	require.NoError(t, err)
	assert.Equal(t, payins.StatePaid, settled.State)
	assert.Equal(t, int64(1_000_000), balanceOrFail(t, author.ID))

	// every settled msat is accounted for by a payout
	tokens, err := payouts.GetCustodialTokens(testDB, result.PayIn.ID)
	require.NoError(t, err)
	var total int64
	var sybilFee int64
	for _, token := range tokens {
		total += token.Mtokens
		if token.PayOut == payouts.TypeRoutingFee {
			require.Nil(t, token.UserID)
			sybilFee = token.Mtokens
		}
		assert.Equal(t, string(payins.StatePaid), token.State)
	}
	assert.Equal(t, result.Invoice.MsatsRequested, total)
	assert.Equal(t, int64(100_000), sybilFee)

	t.Run("second settlement is a no-op", func(t *testing.T) {
		err := engine.SettleInvoice(result.Invoice.Hash, result.Invoice.MsatsRequested, time.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(1_000_000), balanceOrFail(t, author.ID),
			"double delivery must not double pay")
	})
}

func TestAnonymousRequiresAccount(t *testing.T) {
	t.Parallel()
	engine, _ := newEngineOrFail(t)

	bolt11 := lntestutil.MockPaymentRequest(chaincfg.RegressionNetParams, 1_000_000)
	_, err := engine.Create(context.Background(), pay.CreateArgs{
		Type: payins.TypeWithdrawal,
		Args: json.RawMessage(fmt.Sprintf(`{"bolt11": %q, "maxFeeSats": 1}`, bolt11)),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, pay.ErrUnauthenticated))
}

func TestInsufficientFunds(t *testing.T) {
	t.Parallel()
	engine, _ := newEngineOrFail(t)

	broke := userstestutil.CreateUserOrFail(t, testDB)
	bolt11 := lntestutil.MockPaymentRequest(chaincfg.RegressionNetParams, 1_000_000)
	_, err := engine.Create(context.Background(), pay.CreateArgs{
		Type:   payins.TypeWithdrawal,
		UserID: &broke.ID,
		Args:   json.RawMessage(fmt.Sprintf(`{"bolt11": %q, "maxFeeSats": 1}`, bolt11)),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, pay.ErrInsufficientFunds))
}

func TestDonateInvoice(t *testing.T) {
	t.Parallel()
	engine, mock := newEngineOrFail(t)

	result, err := engine.Create(context.Background(), pay.CreateArgs{
		Type: payins.TypeDonate,
		Args: json.RawMessage(`{"sats": 1000}`),
	})
	require.NoError(t, err)

	assert.Equal(t, payins.MethodPessimistic, result.PayIn.PaymentMethod)
	require.NotNil(t, result.Invoice)

	created, ok := mock.LastCreatedInvoice()
	require.True(t, ok)
	assert.Equal(t, "SN: donate to rewards pool", created.Description)
	assert.Equal(t, int64(1_000_000), created.Msats)

	err = engine.SettleInvoice(result.Invoice.Hash, result.Invoice.MsatsRequested, time.Now())
	require.NoError(t, err)

	tokens, err := payouts.GetCustodialTokens(testDB, result.PayIn.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Nil(t, tokens[0].UserID, "donations credit the rewards pool, not a user")
	assert.Equal(t, payouts.TypeDonation, tokens[0].PayOut)
	assert.Equal(t, int64(1_000_000), tokens[0].Mtokens)
	assert.Equal(t, string(payins.StatePaid), tokens[0].State)
}

func TestOptimisticItemCreate(t *testing.T) {
	t.Parallel()
	engine, _ := newEngineOrFail(t)

	createItem := func(t *testing.T) (pay.CreateResult, int) {
		poster := userstestutil.CreateUserOrFail(t, testDB)
		result, err := engine.Create(context.Background(), pay.CreateArgs{
			Type:   payins.TypeItemCreate,
			UserID: &poster.ID,
			Args:   json.RawMessage(`{"title": "hello", "text": "world"}`),
		})
		require.NoError(t, err)

		require.Equal(t, payins.MethodOptimistic, result.PayIn.PaymentMethod)
		require.Equal(t, payins.StatePending, result.PayIn.State)
		require.NotNil(t, result.Invoice)

		// the item is published before the invoice settles
		itemID, err := payins.GetLinkedItemID(testDB, result.PayIn.ID)
		require.NoError(t, err)
		item, err := items.GetByID(testDB, itemID)
		require.NoError(t, err)
		require.Equal(t, items.StatusVisible, item.Status)
		return result, itemID
	}

	t.Run("settling keeps the item", func(t *testing.T) {
		result, itemID := createItem(t)

		err := engine.SettleInvoice(result.Invoice.Hash, result.Invoice.MsatsRequested, time.Now())
		require.NoError(t, err)

		settled, err := payins.GetByID(testDB, result.PayIn.ID)
		require.NoError(t, err)
		assert.Equal(t, payins.StatePaid, settled.State)

		item, err := items.GetByID(testDB, itemID)
		require.NoError(t, err)
		assert.Equal(t, items.StatusVisible, item.Status)
	})

	t.Run("expiry retracts the item", func(t *testing.T) {
		result, itemID := createItem(t)

		err := engine.FailInvoice(result.Invoice.Hash, payins.ReasonInvoiceExpired)
		require.NoError(t, err)

		failed, err := payins.GetByID(testDB, result.PayIn.ID)
		require.NoError(t, err)
		assert.Equal(t, payins.StateFailed, failed.State)
		require.NotNil(t, failed.FailureReason)
		assert.Equal(t, payins.ReasonInvoiceExpired, *failed.FailureReason)

		item, err := items.GetByID(testDB, itemID)
		require.NoError(t, err)
		assert.Equal(t, items.StatusRemoved, item.Status)
	})
}

func TestWithdrawal(t *testing.T) {
	t.Parallel()

	withdrawalArgs := func(msats int64) json.RawMessage {
		bolt11 := lntestutil.MockPaymentRequest(chaincfg.RegressionNetParams, msats)
		return json.RawMessage(fmt.Sprintf(`{"bolt11": %q, "maxFeeSats": 10}`, bolt11))
	}

	t.Run("settles and refunds unused fee budget", func(t *testing.T) {
		t.Parallel()
		engine, mock := newEngineOrFail(t)

		user := userstestutil.CreateUserWithBalanceOrFail(t, testDB, 6_000_000)
		result, err := engine.Create(context.Background(), pay.CreateArgs{
			Type:   payins.TypeWithdrawal,
			UserID: &user.ID,
			Args:   withdrawalArgs(5_000_000),
		})
		require.NoError(t, err)

		assert.Equal(t, payins.StatePaid, result.PayIn.State)
		assert.Equal(t, payins.MethodRewardSats, result.PayIn.PaymentMethod)
		assert.Equal(t, int64(5_010_000), result.PayIn.McostMsat, "cost is amount plus fee budget")

		require.Len(t, mock.PaidInvoices, 1)
		assert.Equal(t, int64(10_000), mock.PaidInvoices[0].MaxFeeMsat)

		// the mock charged 1 000 msat routing fee, the other 9 000 of
		// the budget come back
		assert.Equal(t, int64(6_000_000-5_010_000+9_000), balanceOrFail(t, user.ID))

		bolt11, err := payouts.GetBolt11(testDB, result.PayIn.ID)
		require.NoError(t, err)
		require.NotNil(t, bolt11.Preimage)
		assert.Equal(t, mock.PaymentResponse.Preimage, *bolt11.Preimage)
	})

	t.Run("payment failure refunds the reservation", func(t *testing.T) {
		t.Parallel()
		engine, mock := newEngineOrFail(t)
		mock.PayInvoiceErr = errors.New("no route")

		user := userstestutil.CreateUserWithBalanceOrFail(t, testDB, 6_000_000)
		_, err := engine.Create(context.Background(), pay.CreateArgs{
			Type:   payins.TypeWithdrawal,
			UserID: &user.ID,
			Args:   withdrawalArgs(5_000_000),
		})
		require.Error(t, err)
		assert.False(t, errors.Is(err, pay.ErrProviderTimeout))

		created, err := payins.ListForUser(testDB, user.ID, 1)
		require.NoError(t, err)
		require.Len(t, created, 1)
		assert.Equal(t, payins.StateFailed, created[0].State)
		require.NotNil(t, created[0].FailureReason)
		assert.Equal(t, payins.ReasonPaymentFailed, *created[0].FailureReason)

		assert.Equal(t, int64(6_000_000), balanceOrFail(t, user.ID),
			"a definitive failure returns the full reservation")
	})

	t.Run("provider timeout leaves the payin pending", func(t *testing.T) {
		t.Parallel()
		engine, mock := newEngineOrFail(t)
		mock.PayInvoiceErr = context.DeadlineExceeded

		user := userstestutil.CreateUserWithBalanceOrFail(t, testDB, 6_000_000)
		_, err := engine.Create(context.Background(), pay.CreateArgs{
			Type:   payins.TypeWithdrawal,
			UserID: &user.ID,
			Args:   withdrawalArgs(5_000_000),
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, pay.ErrProviderTimeout))

		created, err := payins.ListForUser(testDB, user.ID, 1)
		require.NoError(t, err)
		require.Len(t, created, 1)
		assert.Equal(t, payins.StatePending, created[0].State)

		// the payment may still be in flight, the reservation is held
		// until reconciliation decides
		assert.Equal(t, int64(6_000_000-5_010_000), balanceOrFail(t, user.ID))
	})
}

func TestRetry(t *testing.T) {
	t.Parallel()
	engine, _ := newEngineOrFail(t)

	author := userstestutil.CreateUserOrFail(t, testDB)
	item := itemstestutil.CreateItemOrFail(t, testDB, author.ID)

	result, err := engine.Create(context.Background(), pay.CreateArgs{
		Type: payins.TypeZap,
		Args: zapArgs(item.ID, 2_000),
	})
	require.NoError(t, err)
	require.NotNil(t, result.Invoice)

	t.Run("only failed payins can be retried", func(t *testing.T) {
		_, err := engine.Retry(context.Background(), result.PayIn.ID)
		require.Error(t, err)
		assert.True(t, errors.Is(err, payins.ErrIllegalTransition))
	})

	err = engine.FailInvoice(result.Invoice.Hash, payins.ReasonInvoiceCancelled)
	require.NoError(t, err)

	retried, err := engine.Retry(context.Background(), result.PayIn.ID)
	require.NoError(t, err)

	assert.Equal(t, payins.StatePending, retried.PayIn.State)
	require.NotNil(t, retried.PayIn.SuccessorID)
	assert.Equal(t, result.PayIn.ID, *retried.PayIn.SuccessorID)
	require.NotNil(t, retried.Invoice)
	assert.NotEqual(t, result.Invoice.Hash, retried.Invoice.Hash, "a retry gets a fresh invoice")

	old, err := payins.GetByID(testDB, result.PayIn.ID)
	require.NoError(t, err)
	assert.Equal(t, payins.StateRetrying, old.State)
	require.NotNil(t, old.FailureReason, "retrying keeps the failure audit trail")
	assert.Equal(t, payins.ReasonInvoiceCancelled, *old.FailureReason)
}

func TestBountySingleWinner(t *testing.T) {
	t.Parallel()
	engine, _ := newEngineOrFail(t)

	poster := userstestutil.CreateUserWithBalanceOrFail(t, testDB, 100_000)
	recipient := userstestutil.CreateUserOrFail(t, testDB)
	item := itemstestutil.CreateBountyItemOrFail(t, testDB, poster.ID, 10_000)

	args := json.RawMessage(fmt.Sprintf(`{"itemId": %d, "recipientId": %d}`,
		item.ID, recipient.ID))

	result, err := engine.Create(context.Background(), pay.CreateArgs{
		Type:   payins.TypeBountyPayment,
		UserID: &poster.ID,
		Args:   args,
	})
	require.NoError(t, err)

	assert.Equal(t, payins.StatePaid, result.PayIn.State)
	assert.Equal(t, int64(10_000), balanceOrFail(t, recipient.ID))
	assert.Equal(t, int64(90_000), balanceOrFail(t, poster.ID))

	t.Run("a second award is rejected", func(t *testing.T) {
		_, err := engine.Create(context.Background(), pay.CreateArgs{
			Type:   payins.TypeBountyPayment,
			UserID: &poster.ID,
			Args:   args,
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, payins.ErrBountyAlreadyPaid))
		assert.Equal(t, int64(10_000), balanceOrFail(t, recipient.ID))
	})
}

func TestSweepPending(t *testing.T) {
	t.Parallel()
	engine, mock := newEngineOrFail(t)

	author := userstestutil.CreateUserOrFail(t, testDB)
	item := itemstestutil.CreateItemOrFail(t, testDB, author.ID)

	create := func(t *testing.T, msats int64) pay.CreateResult {
		result, err := engine.Create(context.Background(), pay.CreateArgs{
			Type: payins.TypeZap,
			Args: zapArgs(item.ID, msats),
		})
		require.NoError(t, err)
		require.NotNil(t, result.Invoice)
		return result
	}

	t.Run("settles invoices the backend reports paid", func(t *testing.T) {
		result := create(t, 3_000)
		mock.SetStatus(ln.InvoiceUpdate{
			Hash:          result.Invoice.Hash,
			Settled:       true,
			MsatsReceived: result.Invoice.MsatsRequested,
		})

		require.NoError(t, engine.SweepPending(context.Background()))

		swept, err := payins.GetByID(testDB, result.PayIn.ID)
		require.NoError(t, err)
		assert.Equal(t, payins.StatePaid, swept.State)
	})

	t.Run("fails invoices past their expiry", func(t *testing.T) {
		result := create(t, 4_000)
		_, err := testDB.Exec(
			`UPDATE invoices SET expires_at = now() - interval '1 hour' WHERE hash = $1`,
			result.Invoice.Hash)
		require.NoError(t, err)

		require.NoError(t, engine.SweepPending(context.Background()))

		swept, err := payins.GetByID(testDB, result.PayIn.ID)
		require.NoError(t, err)
		assert.Equal(t, payins.StateFailed, swept.State)
		require.NotNil(t, swept.FailureReason)
		assert.Equal(t, payins.ReasonInvoiceExpired, *swept.FailureReason)
	})

	t.Run("leaves open invoices alone", func(t *testing.T) {
		result := create(t, 5_000)

		require.NoError(t, engine.SweepPending(context.Background()))

		swept, err := payins.GetByID(testDB, result.PayIn.ID)
		require.NoError(t, err)
		assert.Equal(t, payins.StatePending, swept.State)
	})
}

// waitForPayinState polls until the payin reaches the wanted state, failing
// the test if it does not get there in time
func waitForPayinState(t *testing.T, payinID int, want payins.State) payins.PayIn {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		payin, err := payins.GetByID(testDB, payinID)
		require.NoError(t, err)
		if payin.State == want {
			return payin
		}
		if time.Now().After(deadline) {
			t.Fatalf("payin %d never reached %s, still %s", payinID, want, payin.State)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestReconciliationPush(t *testing.T) {
	t.Parallel()
	engine, mock := newEngineOrFail(t)

	author := userstestutil.CreateUserOrFail(t, testDB)
	item := itemstestutil.CreateItemOrFail(t, testDB, author.ID)

	result, err := engine.Create(context.Background(), pay.CreateArgs{
		Type: payins.TypeZap,
		Args: zapArgs(item.ID, 6_000),
	})
	require.NoError(t, err)
	require.NotNil(t, result.Invoice)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		// sweep interval far beyond the test deadline, only the push
		// stream can settle anything here
		_ = engine.RunReconciliation(ctx, time.Hour)
	}()

	// an update for a hash the node carries but we never issued must be
	// skipped without killing the listener
	mock.Updates <- ln.InvoiceUpdate{
		Hash:    "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		Settled: true,
	}
	mock.Updates <- ln.InvoiceUpdate{
		Hash:          result.Invoice.Hash,
		Settled:       true,
		MsatsReceived: result.Invoice.MsatsRequested,
	}

	waitForPayinState(t, result.PayIn.ID, payins.StatePaid)
	assert.Equal(t, int64(6_000), balanceOrFail(t, author.ID))

	cancel()
	<-done
}

func TestSweepIsolatesFailures(t *testing.T) {
	t.Parallel()
	engine, mock := newEngineOrFail(t)

	author := userstestutil.CreateUserOrFail(t, testDB)
	item := itemstestutil.CreateItemOrFail(t, testDB, author.ID)

	create := func(t *testing.T, msats int64) pay.CreateResult {
		result, err := engine.Create(context.Background(), pay.CreateArgs{
			Type: payins.TypeZap,
			Args: zapArgs(item.ID, msats),
		})
		require.NoError(t, err)
		require.NotNil(t, result.Invoice)
		return result
	}

	broken := create(t, 7_000)
	settling := create(t, 8_000)
	expiring := create(t, 9_000)

	mock.SetStatusErr(broken.Invoice.Hash, errors.New("rpc connection refused"))
	mock.SetStatus(ln.InvoiceUpdate{
		Hash:          settling.Invoice.Hash,
		Settled:       true,
		MsatsReceived: settling.Invoice.MsatsRequested,
	})
	_, err := testDB.Exec(
		`UPDATE invoices SET expires_at = now() - interval '1 hour' WHERE hash = $1`,
		expiring.Invoice.Hash)
	require.NoError(t, err)

	// the broken invoice is reported, the other two still reconcile
	err = engine.SweepPending(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not reconcile 1 of")

	stuck, err := payins.GetByID(testDB, broken.PayIn.ID)
	require.NoError(t, err)
	assert.Equal(t, payins.StatePending, stuck.State)

	settled, err := payins.GetByID(testDB, settling.PayIn.ID)
	require.NoError(t, err)
	assert.Equal(t, payins.StatePaid, settled.State)

	expired, err := payins.GetByID(testDB, expiring.PayIn.ID)
	require.NoError(t, err)
	assert.Equal(t, payins.StateFailed, expired.State)
	require.NotNil(t, expired.FailureReason)
	assert.Equal(t, payins.ReasonInvoiceExpired, *expired.FailureReason)
}
