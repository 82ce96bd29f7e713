package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantegy/tokensentry/internal/crypto"
	"github.com/quantegy/tokensentry/internal/domain"
)

const devKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func testWallet(t *testing.T) *crypto.Wallet {
	t.Helper()
	wallet, err := crypto.NewWallet(devKey)
	require.NoError(t, err)
	return wallet
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAggregatorBuy(t *testing.T) {
	wallet := testWallet(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/swap", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Signature"))

		var req struct {
			TokenID     string  `json:"token_id"`
			Side        string  `json:"side"`
			Amount      float64 `json:"amount"`
			SlippageBps int     `json:"slippage_bps"`
			Wallet      string  `json:"wallet"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "mint-1", req.TokenID)
		assert.Equal(t, "buy", req.Side)
		assert.Equal(t, 500.0, req.Amount)
		assert.Equal(t, 150, req.SlippageBps)
		assert.Equal(t, wallet.Address(), req.Wallet)

		fmt.Fprint(w, `{"success":true,"amount_base":1000,"amount_quote":500,"avg_price":0.5,"tx_ref":"tx-abc"}`)
	}))
	defer srv.Close()

	agg := NewAggregator(srv.URL, wallet, discardLogger())
	res, err := agg.Buy(context.Background(), "mint-1", 500, domain.TradeOpts{SlippageBps: 150})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1000.0, res.AmountBase)
	assert.Equal(t, "tx-abc", res.TxRef)
}

func TestAggregatorSellReportsVenueRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"success":false,"error":"slippage exceeded"}`)
	}))
	defer srv.Close()

	agg := NewAggregator(srv.URL, testWallet(t), discardLogger())
	res, err := agg.Sell(context.Background(), "mint-1", 1000, domain.TradeOpts{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "slippage exceeded", res.Error)
}

func TestAggregatorRetriesTransportErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
			return
		}
		fmt.Fprint(w, `{"success":true,"amount_base":10,"amount_quote":5,"avg_price":0.5,"tx_ref":"tx-retry"}`)
	}))
	defer srv.Close()

	agg := NewAggregator(srv.URL, testWallet(t), discardLogger())
	res, err := agg.Buy(context.Background(), "mint-1", 5, domain.TradeOpts{MaxRetries: 2})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, calls)
}

func TestAggregatorExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	agg := NewAggregator(srv.URL, testWallet(t), discardLogger())
	_, err := agg.Buy(context.Background(), "mint-1", 5, domain.TradeOpts{MaxRetries: 1})
	assert.ErrorIs(t, err, domain.ErrTradeFailed)
}

func TestAggregatorRejectsNonPositiveAmount(t *testing.T) {
	agg := NewAggregator("http://unused", testWallet(t), discardLogger())
	_, err := agg.Buy(context.Background(), "mint-1", 0, domain.TradeOpts{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = agg.Sell(context.Background(), "mint-1", -1, domain.TradeOpts{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

type fixedOracle struct{ price float64 }

func (o fixedOracle) GetPrice(context.Context, string) (float64, error) {
	if o.price <= 0 {
		return 0, domain.ErrPriceUnavailable
	}
	return o.price, nil
}

func TestSimulatorFillsAtOraclePrice(t *testing.T) {
	sim := NewSimulator(fixedOracle{price: 2.0}, 100) // 1% slippage

	buy, err := sim.Buy(context.Background(), "mint-1", 202, domain.TradeOpts{})
	require.NoError(t, err)
	assert.True(t, buy.Success)
	assert.InDelta(t, 2.02, buy.AvgPrice, 1e-9)
	assert.InDelta(t, 100, buy.AmountBase, 1e-9)

	sell, err := sim.Sell(context.Background(), "mint-1", 100, domain.TradeOpts{})
	require.NoError(t, err)
	assert.InDelta(t, 1.98, sell.AvgPrice, 1e-9)
	assert.InDelta(t, 198, sell.AmountQuote, 1e-9)
}

func TestSimulatorFailsWithoutPrice(t *testing.T) {
	sim := NewSimulator(fixedOracle{}, 0)
	_, err := sim.Buy(context.Background(), "mint-1", 10, domain.TradeOpts{})
	assert.ErrorIs(t, err, domain.ErrTradeFailed)
}
