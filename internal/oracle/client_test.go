package oracle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantegy/tokensentry/internal/domain"
)

func TestClientGetPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/price", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		assert.Equal(t, []string{"mint-1"}, r.URL.Query()["ids"])
		fmt.Fprint(w, `{"data":{"mint-1":{"price":"0.0031"}}}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "secret")
	price, err := client.GetPrice(context.Background(), "mint-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.0031, price, 1e-12)
}

func TestClientGetPriceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data":{}}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	_, err := client.GetPrice(context.Background(), "mint-unknown")
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
}

func TestClientGetPriceServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream degraded", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	_, err := client.GetPrice(context.Background(), "mint-1")
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
}

func TestClientGetPricesBatchSkipsBadQuotes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data":{"a":{"price":"1.5"},"b":{"price":"not-a-number"},"c":{"price":"-2"}}}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	prices, err := client.GetPrices(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"a": 1.5}, prices)
}

// memCache is an in-memory domain.PriceCache for the read-through tests.
type memCache struct {
	mu      sync.Mutex
	prices  map[string]float64
	stamps  map[string]time.Time
	setHits int
}

func newMemCache() *memCache {
	return &memCache{prices: make(map[string]float64), stamps: make(map[string]time.Time)}
}

func (c *memCache) SetPrice(_ context.Context, tokenID string, price float64, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[tokenID] = price
	c.stamps[tokenID] = ts
	c.setHits++
	return nil
}

func (c *memCache) GetPrice(_ context.Context, tokenID string) (float64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	price, ok := c.prices[tokenID]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return price, c.stamps[tokenID], nil
}

func (c *memCache) GetPrices(_ context.Context, tokenIDs []string) (map[string]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64)
	for _, id := range tokenIDs {
		if price, ok := c.prices[id]; ok {
			out[id] = price
		}
	}
	return out, nil
}

// countingOracle counts upstream hits.
type countingOracle struct {
	price float64
	hits  int
}

func (o *countingOracle) GetPrice(context.Context, string) (float64, error) {
	o.hits++
	if o.price <= 0 {
		return 0, domain.ErrPriceUnavailable
	}
	return o.price, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCachedOracleServesFreshEntries(t *testing.T) {
	cache := newMemCache()
	upstream := &countingOracle{price: 2.5}
	cached := NewCachedOracle(upstream, cache, time.Minute, discardLogger())
	ctx := context.Background()

	require.NoError(t, cache.SetPrice(ctx, "mint-1", 3.0, time.Now().UTC()))

	price, err := cached.GetPrice(ctx, "mint-1")
	require.NoError(t, err)
	assert.Equal(t, 3.0, price)
	assert.Equal(t, 0, upstream.hits)
}

func TestCachedOracleRefetchesStaleEntries(t *testing.T) {
	cache := newMemCache()
	upstream := &countingOracle{price: 2.5}
	cached := NewCachedOracle(upstream, cache, time.Minute, discardLogger())
	ctx := context.Background()

	require.NoError(t, cache.SetPrice(ctx, "mint-1", 3.0, time.Now().UTC().Add(-2*time.Minute)))

	price, err := cached.GetPrice(ctx, "mint-1")
	require.NoError(t, err)
	assert.Equal(t, 2.5, price)
	assert.Equal(t, 1, upstream.hits)

	// The refetch refreshed the cache; the next lookup stays local.
	_, err = cached.GetPrice(ctx, "mint-1")
	require.NoError(t, err)
	assert.Equal(t, 1, upstream.hits)
}

func TestCachedOraclePropagatesUnavailable(t *testing.T) {
	cached := NewCachedOracle(&countingOracle{}, newMemCache(), time.Minute, discardLogger())
	_, err := cached.GetPrice(context.Background(), "mint-x")
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
}

func TestSimulatorWalk(t *testing.T) {
	sim := NewSimulator(map[string]float64{"mint-1": 100}, 0.01, 42)
	ctx := context.Background()

	prev := 100.0
	for i := 0; i < 50; i++ {
		price, err := sim.GetPrice(ctx, "mint-1")
		require.NoError(t, err)
		assert.Greater(t, price, 0.0)
		// 1% vol: single steps stay within a sane band.
		assert.InDelta(t, prev, price, prev*0.1)
		prev = price
	}

	_, err := sim.GetPrice(ctx, "mint-unknown")
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
}
