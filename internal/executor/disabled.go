package executor

import (
	"context"
	"fmt"

	"github.com/quantegy/tokensentry/internal/domain"
)

// Disabled rejects every trade. It stands in for the aggregator when no
// wallet is configured, so read-only deployments still get a working manager.
type Disabled struct{}

// Buy always fails with ErrTradeFailed.
func (Disabled) Buy(context.Context, string, float64, domain.TradeOpts) (domain.TradeResult, error) {
	return domain.TradeResult{}, fmt.Errorf("executor: no wallet configured: %w", domain.ErrTradeFailed)
}

// Sell always fails with ErrTradeFailed.
func (Disabled) Sell(context.Context, string, float64, domain.TradeOpts) (domain.TradeResult, error) {
	return domain.TradeResult{}, fmt.Errorf("executor: no wallet configured: %w", domain.ErrTradeFailed)
}

var _ domain.TradeExecutor = Disabled{}
