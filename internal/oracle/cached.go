package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantegy/tokensentry/internal/domain"
)

// CachedOracle answers price lookups from the shared cache when the entry is
// fresh enough and falls through to the upstream oracle otherwise, writing
// fetched prices back. The websocket feed keeps the cache warm, so in steady
// state the upstream is only hit for tokens the feed does not cover.
type CachedOracle struct {
	upstream domain.PriceOracle
	cache    domain.PriceCache
	maxAge   time.Duration
	logger   *slog.Logger
}

// NewCachedOracle wraps upstream with the cache. maxAge bounds how stale a
// cached price may be before it is refetched.
func NewCachedOracle(upstream domain.PriceOracle, cache domain.PriceCache, maxAge time.Duration, logger *slog.Logger) *CachedOracle {
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	return &CachedOracle{
		upstream: upstream,
		cache:    cache,
		maxAge:   maxAge,
		logger:   logger.With(slog.String("component", "cached_oracle")),
	}
}

// GetPrice implements domain.PriceOracle.
func (o *CachedOracle) GetPrice(ctx context.Context, tokenID string) (float64, error) {
	price, ts, err := o.cache.GetPrice(ctx, tokenID)
	if err == nil && time.Since(ts) <= o.maxAge {
		return price, nil
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		o.logger.WarnContext(ctx, "cached_oracle: cache read failed",
			slog.String("token_id", tokenID),
			slog.String("error", err.Error()),
		)
	}

	price, err = o.upstream.GetPrice(ctx, tokenID)
	if err != nil {
		return 0, fmt.Errorf("oracle: cached lookup %s: %w", tokenID, err)
	}

	if err := o.cache.SetPrice(ctx, tokenID, price, time.Now().UTC()); err != nil {
		o.logger.WarnContext(ctx, "cached_oracle: cache write failed",
			slog.String("token_id", tokenID),
			slog.String("error", err.Error()),
		)
	}
	return price, nil
}
