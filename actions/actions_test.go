package actions_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snlabs/snpay/actions"
	"github.com/snlabs/snpay/models/payins"
	"github.com/snlabs/snpay/models/payouts"
	"github.com/snlabs/snpay/testutil/lntestutil"
)

func getHandlerOrFail(t *testing.T, typ payins.Type) actions.Handler {
	t.Helper()
	handler, err := actions.Get(typ)
	require.NoError(t, err)
	return handler
}

func anonContext() actions.Context {
	return actions.Context{Network: chaincfg.RegressionNetParams}
}

func userContext(userID int) actions.Context {
	return actions.Context{UserID: &userID, Network: chaincfg.RegressionNetParams}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	t.Run("every payin type has a handler", func(t *testing.T) {
		for _, typ := range []payins.Type{
			payins.TypeItemCreate,
			payins.TypeZap,
			payins.TypeDownZap,
			payins.TypePollVote,
			payins.TypeBuyCredits,
			payins.TypeDonate,
			payins.TypeWithdrawal,
			payins.TypeBountyPayment,
			payins.TypeTerritoryBilling,
			payins.TypeInviteGift,
		} {
			handler, err := actions.Get(typ)
			require.NoError(t, err, typ)
			require.NotNil(t, handler, typ)
		}
		assert.Len(t, actions.Types(), 10)
	})

	t.Run("unknown type is rejected", func(t *testing.T) {
		_, err := actions.Get(payins.Type("TELEPORT"))
		assert.True(t, errors.Is(err, actions.ErrUnknownActionType))
	})
}

func TestDonate(t *testing.T) {
	t.Parallel()
	handler := getHandlerOrFail(t, payins.TypeDonate)

	t.Run("cost is the donated amount", func(t *testing.T) {
		cost, err := handler.GetCost(userContext(1), json.RawMessage(`{"sats": 1000}`))
		require.NoError(t, err)
		assert.Equal(t, int64(1_000_000), cost)
	})

	t.Run("invoice description", func(t *testing.T) {
		description, err := handler.Describe(userContext(1), json.RawMessage(`{"sats": 1000}`))
		require.NoError(t, err)
		assert.Equal(t, "SN: donate to rewards pool", description)
	})

	t.Run("anonymous donations are allowed", func(t *testing.T) {
		assert.True(t, handler.Anonable())

		cost, err := handler.GetCost(anonContext(), json.RawMessage(`{"sats": 21}`))
		require.NoError(t, err)
		assert.Equal(t, int64(21_000), cost)
	})

	t.Run("non-positive donations are rejected", func(t *testing.T) {
		for _, body := range []string{`{"sats": 0}`, `{"sats": -5}`, `{}`} {
			_, err := handler.GetCost(userContext(1), json.RawMessage(body))
			assert.True(t, errors.Is(err, actions.ErrInvalidArgument), body)
		}
	})

	t.Run("whole amount goes to the pool", func(t *testing.T) {
		tokens, err := handler.Payouts(userContext(1), json.RawMessage(`{"sats": 1000}`), 1_000_000)
		require.NoError(t, err)
		require.Len(t, tokens, 1)
		assert.Nil(t, tokens[0].UserID)
		assert.Equal(t, int64(1_000_000), tokens[0].Mtokens)
		assert.Equal(t, payouts.TypeDonation, tokens[0].PayOut)
	})
}

func TestWithdrawal(t *testing.T) {
	t.Parallel()
	handler := getHandlerOrFail(t, payins.TypeWithdrawal)

	t.Run("cost is invoice amount plus full fee budget", func(t *testing.T) {
		bolt11 := lntestutil.MockPaymentRequest(chaincfg.RegressionNetParams, 5_000_000)
		raw := json.RawMessage(fmt.Sprintf(`{"bolt11": %q, "maxFeeSats": 10}`, bolt11))

		cost, err := handler.GetCost(userContext(1), raw)
		require.NoError(t, err)
		assert.Equal(t, int64(5_010_000), cost)
	})

	t.Run("only the sats balance can fund withdrawals", func(t *testing.T) {
		assert.False(t, handler.Anonable())
		assert.Equal(t,
			[]payins.PaymentMethod{payins.MethodRewardSats},
			handler.PaymentMethods())
	})

	t.Run("negative fee budget is rejected", func(t *testing.T) {
		bolt11 := lntestutil.MockPaymentRequest(chaincfg.RegressionNetParams, 5_000_000)
		raw := json.RawMessage(fmt.Sprintf(`{"bolt11": %q, "maxFeeSats": -1}`, bolt11))

		_, err := handler.GetCost(userContext(1), raw)
		assert.True(t, errors.Is(err, actions.ErrInvalidArgument))
	})

	t.Run("garbage invoice is rejected", func(t *testing.T) {
		raw := json.RawMessage(`{"bolt11": "lnbcrtnotaninvoice", "maxFeeSats": 10}`)
		_, err := handler.GetCost(userContext(1), raw)
		assert.True(t, errors.Is(err, actions.ErrInvalidArgument))
	})

	t.Run("payout carries the decoded amount and fee budget", func(t *testing.T) {
		payerOut, ok := handler.(actions.Bolt11PayerOut)
		require.True(t, ok)

		bolt11 := lntestutil.MockPaymentRequest(chaincfg.RegressionNetParams, 5_000_000)
		raw := json.RawMessage(fmt.Sprintf(`{"bolt11": %q, "maxFeeSats": 10}`, bolt11))

		payout, err := payerOut.PayoutBolt11(userContext(42), raw)
		require.NoError(t, err)
		assert.Equal(t, 42, payout.UserID)
		assert.Equal(t, bolt11, payout.Bolt11)
		assert.Equal(t, int64(5_000_000), payout.Msats)
		assert.Equal(t, int64(10_000), payout.MaxFeeMsat)
	})

	t.Run("no custodial payouts are declared", func(t *testing.T) {
		tokens, err := handler.Payouts(userContext(1), nil, 5_010_000)
		require.NoError(t, err)
		assert.Empty(t, tokens)
	})
}

func TestItemCreateCost(t *testing.T) {
	t.Parallel()
	handler := getHandlerOrFail(t, payins.TypeItemCreate)

	raw := json.RawMessage(`{"title": "hello world"}`)

	t.Run("regular posting fee", func(t *testing.T) {
		cost, err := handler.GetCost(userContext(1), raw)
		require.NoError(t, err)
		assert.Equal(t, int64(1_000), cost)
	})

	t.Run("anonymous posters pay the multiplier", func(t *testing.T) {
		cost, err := handler.GetCost(anonContext(), raw)
		require.NoError(t, err)
		assert.Equal(t, int64(100_000), cost)
	})

	t.Run("item needs content", func(t *testing.T) {
		_, err := handler.GetCost(userContext(1), json.RawMessage(`{}`))
		assert.True(t, errors.Is(err, actions.ErrInvalidArgument))
	})

	t.Run("single option polls are rejected", func(t *testing.T) {
		_, err := handler.GetCost(userContext(1),
			json.RawMessage(`{"title": "poll", "pollOptions": ["only one"]}`))
		assert.True(t, errors.Is(err, actions.ErrInvalidArgument))
	})

	t.Run("fee without territory funds the pool", func(t *testing.T) {
		tokens, err := handler.Payouts(userContext(1), raw, 1_000)
		require.NoError(t, err)
		require.Len(t, tokens, 1)
		assert.Nil(t, tokens[0].UserID)
		assert.Equal(t, int64(1_000), tokens[0].Mtokens)
		assert.Equal(t, payouts.TypeActionFee, tokens[0].PayOut)
	})
}

func TestZapDescribe(t *testing.T) {
	t.Parallel()
	handler := getHandlerOrFail(t, payins.TypeZap)

	description, err := handler.Describe(userContext(1),
		json.RawMessage(`{"itemId": 7, "msats": 5000}`))
	require.NoError(t, err)
	assert.Equal(t, "SN: zap 5 sats to item 7", description)

	t.Run("zaps carry the sybil surcharge on p2p", func(t *testing.T) {
		bearer, ok := handler.(actions.SybilFeeBearer)
		require.True(t, ok)
		assert.Equal(t, int64(10), bearer.SybilFeePercent())
	})
}

func TestMethodPreferenceOrder(t *testing.T) {
	t.Parallel()

	t.Run("zap prefers credits then balance then p2p", func(t *testing.T) {
		handler := getHandlerOrFail(t, payins.TypeZap)
		expected := []payins.PaymentMethod{
			payins.MethodFeeCredit,
			payins.MethodRewardSats,
			payins.MethodP2P,
			payins.MethodOptimistic,
			payins.MethodPessimistic,
		}
		if diff := cmp.Diff(expected, handler.PaymentMethods()); diff != "" {
			t.Errorf("payment method preference mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("buying credits can not be paid with credits", func(t *testing.T) {
		handler := getHandlerOrFail(t, payins.TypeBuyCredits)
		expected := []payins.PaymentMethod{
			payins.MethodRewardSats,
			payins.MethodPessimistic,
		}
		if diff := cmp.Diff(expected, handler.PaymentMethods()); diff != "" {
			t.Errorf("payment method preference mismatch (-want +got):\n%s", diff)
		}
	})
}
