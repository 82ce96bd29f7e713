package oracle

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/quantegy/tokensentry/internal/domain"
)

// Simulator is an in-process oracle for dry runs: each token follows an
// independent random walk seeded at its configured start price. Volatility is
// the per-step standard deviation as a fraction of price.
type Simulator struct {
	mu         sync.Mutex
	prices     map[string]float64
	volatility float64
	autoSeed   float64
	rng        *rand.Rand
}

// NewSimulator creates a simulator over the given start prices.
func NewSimulator(startPrices map[string]float64, volatility float64, seed uint64) *Simulator {
	if volatility <= 0 {
		volatility = 0.02
	}
	prices := make(map[string]float64, len(startPrices))
	for id, price := range startPrices {
		prices[id] = price
	}
	return &Simulator{
		prices:     prices,
		volatility: volatility,
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// GetPrice implements domain.PriceOracle. Every call advances the walk one
// step, so repeated lookups trace a path.
func (s *Simulator) GetPrice(_ context.Context, tokenID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.prices[tokenID]
	if !ok {
		if s.autoSeed <= 0 {
			return 0, fmt.Errorf("oracle: simulator token %s: %w", tokenID, domain.ErrPriceUnavailable)
		}
		price = s.autoSeed
	}

	price *= 1 + s.rng.NormFloat64()*s.volatility
	if price <= 0 {
		price = 1e-12
	}
	s.prices[tokenID] = price
	return price, nil
}

// AutoSeed makes unknown tokens join the walk at the given start price
// instead of failing. Dry runs driven through the API rely on this.
func (s *Simulator) AutoSeed(startPrice float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSeed = startPrice
}

// SetPrice pins a token's price, adding it to the walk if absent.
func (s *Simulator) SetPrice(tokenID string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[tokenID] = price
}
