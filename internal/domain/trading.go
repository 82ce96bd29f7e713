package domain

import "context"

// PriceOracle answers the current price of a token in quote currency. A
// failed lookup must surface ErrPriceUnavailable (wrapped), never a zero
// price.
type PriceOracle interface {
	GetPrice(ctx context.Context, tokenID string) (float64, error)
}

// TradeOpts tunes a single executor call.
type TradeOpts struct {
	SlippageBps int
	MaxRetries  int
}

// TradeResult is the outcome of one buy or sell. AmountBase is the base
// quantity bought (for Buy) or the quote proceeds received (for Sell is
// AmountQuote); TxRef identifies the settled transaction.
type TradeResult struct {
	Success     bool
	AmountBase  float64
	AmountQuote float64
	AvgPrice    float64
	TxRef       string
	Error       string
}

// TradeExecutor executes swaps against the venue. Implementations must be
// safe for concurrent use across different tokens; serialization per
// position is the Position Manager's job.
type TradeExecutor interface {
	// Buy spends amountQuote of quote currency on tokenID.
	Buy(ctx context.Context, tokenID string, amountQuote float64, opts TradeOpts) (TradeResult, error)
	// Sell disposes amountBase of tokenID for quote currency.
	Sell(ctx context.Context, tokenID string, amountBase float64, opts TradeOpts) (TradeResult, error)
}
