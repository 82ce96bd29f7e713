package executor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/quantegy/tokensentry/internal/domain"
)

// Simulator fills every trade at the oracle price, optionally shifted by a
// fixed slippage, and never touches a venue. Used in simulate mode and as the
// default when no aggregator is configured.
type Simulator struct {
	oracle      domain.PriceOracle
	slippageBps int
	seq         atomic.Int64
}

// NewSimulator creates a paper-fill executor over the given oracle.
func NewSimulator(oracle domain.PriceOracle, slippageBps int) *Simulator {
	return &Simulator{oracle: oracle, slippageBps: slippageBps}
}

// Buy implements domain.TradeExecutor: fills amountQuote at the oracle price
// plus slippage.
func (s *Simulator) Buy(ctx context.Context, tokenID string, amountQuote float64, _ domain.TradeOpts) (domain.TradeResult, error) {
	if amountQuote <= 0 {
		return domain.TradeResult{}, fmt.Errorf("executor: simulated buy %s amount %v: %w", tokenID, amountQuote, domain.ErrInvalidInput)
	}
	price, err := s.oracle.GetPrice(ctx, tokenID)
	if err != nil {
		return domain.TradeResult{}, fmt.Errorf("executor: simulated buy %s: %w: %w", tokenID, err, domain.ErrTradeFailed)
	}
	fill := price * (1 + float64(s.slippageBps)/10_000)
	return domain.TradeResult{
		Success:     true,
		AmountBase:  amountQuote / fill,
		AmountQuote: amountQuote,
		AvgPrice:    fill,
		TxRef:       fmt.Sprintf("sim-buy-%d", s.seq.Add(1)),
	}, nil
}

// Sell implements domain.TradeExecutor: disposes amountBase at the oracle
// price minus slippage.
func (s *Simulator) Sell(ctx context.Context, tokenID string, amountBase float64, _ domain.TradeOpts) (domain.TradeResult, error) {
	if amountBase <= 0 {
		return domain.TradeResult{}, fmt.Errorf("executor: simulated sell %s amount %v: %w", tokenID, amountBase, domain.ErrInvalidInput)
	}
	price, err := s.oracle.GetPrice(ctx, tokenID)
	if err != nil {
		return domain.TradeResult{}, fmt.Errorf("executor: simulated sell %s: %w: %w", tokenID, err, domain.ErrTradeFailed)
	}
	fill := price * (1 - float64(s.slippageBps)/10_000)
	return domain.TradeResult{
		Success:     true,
		AmountBase:  amountBase,
		AmountQuote: amountBase * fill,
		AvgPrice:    fill,
		TxRef:       fmt.Sprintf("sim-sell-%d", s.seq.Add(1)),
	}, nil
}
