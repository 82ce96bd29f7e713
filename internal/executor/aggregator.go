// Package executor turns abstract buy/sell decisions into swaps on the
// aggregator. The Aggregator client talks to the live venue; the Simulator
// fills against the oracle for dry runs.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/quantegy/tokensentry/internal/crypto"
	"github.com/quantegy/tokensentry/internal/domain"
)

// Aggregator is the REST client for the swap aggregator. Requests are signed
// with the trading wallet; the aggregator recovers the address and executes
// against its balance.
type Aggregator struct {
	baseURL    string
	wallet     *crypto.Wallet
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAggregator creates a swap client. baseURL is the aggregator API root,
// e.g. "https://swap.quantegy.io/v1".
func NewAggregator(baseURL string, wallet *crypto.Wallet, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		baseURL: baseURL,
		wallet:  wallet,
		httpClient: &http.Client{
			Timeout: 45 * time.Second,
		},
		logger: logger.With(slog.String("component", "executor")),
	}
}

// swapRequest is the aggregator's /swap payload. Amount is quote currency for
// buys and base units for sells.
type swapRequest struct {
	TokenID     string  `json:"token_id"`
	Side        string  `json:"side"`
	Amount      float64 `json:"amount"`
	SlippageBps int     `json:"slippage_bps"`
	Wallet      string  `json:"wallet"`
	Timestamp   int64   `json:"timestamp"`
}

type swapResponse struct {
	Success     bool    `json:"success"`
	AmountBase  float64 `json:"amount_base"`
	AmountQuote float64 `json:"amount_quote"`
	AvgPrice    float64 `json:"avg_price"`
	TxRef       string  `json:"tx_ref"`
	Error       string  `json:"error"`
}

// Buy implements domain.TradeExecutor.
func (a *Aggregator) Buy(ctx context.Context, tokenID string, amountQuote float64, opts domain.TradeOpts) (domain.TradeResult, error) {
	return a.swap(ctx, tokenID, "buy", amountQuote, opts)
}

// Sell implements domain.TradeExecutor.
func (a *Aggregator) Sell(ctx context.Context, tokenID string, amountBase float64, opts domain.TradeOpts) (domain.TradeResult, error) {
	return a.swap(ctx, tokenID, "sell", amountBase, opts)
}

func (a *Aggregator) swap(ctx context.Context, tokenID, side string, amount float64, opts domain.TradeOpts) (domain.TradeResult, error) {
	if amount <= 0 {
		return domain.TradeResult{}, fmt.Errorf("executor: %s %s amount %v: %w", side, tokenID, amount, domain.ErrInvalidInput)
	}

	req := swapRequest{
		TokenID:     tokenID,
		Side:        side,
		Amount:      amount,
		SlippageBps: opts.SlippageBps,
		Wallet:      a.wallet.Address(),
		Timestamp:   time.Now().UTC().Unix(),
	}

	attempts := opts.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.TradeResult{}, fmt.Errorf("executor: %s %s: %w", side, tokenID, ctx.Err())
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		res, err := a.doSwap(ctx, req)
		if err != nil {
			lastErr = err
			a.logger.WarnContext(ctx, "executor: swap attempt failed",
				slog.String("token_id", tokenID),
				slog.String("side", side),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
			continue
		}
		return res, nil
	}
	return domain.TradeResult{}, fmt.Errorf("executor: %s %s after %d attempts: %w: %w", side, tokenID, attempts, lastErr, domain.ErrTradeFailed)
}

func (a *Aggregator) doSwap(ctx context.Context, req swapRequest) (domain.TradeResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return domain.TradeResult{}, fmt.Errorf("executor: encode swap: %w", err)
	}
	sig, err := a.wallet.SignPayload(payload)
	if err != nil {
		return domain.TradeResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/swap", bytes.NewReader(payload))
	if err != nil {
		return domain.TradeResult{}, fmt.Errorf("executor: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Signature", sig)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return domain.TradeResult{}, fmt.Errorf("executor: swap request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.TradeResult{}, fmt.Errorf("executor: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.TradeResult{}, fmt.Errorf("executor: status %d: %s", resp.StatusCode, string(body))
	}

	var parsed swapResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.TradeResult{}, fmt.Errorf("executor: decode response: %w", err)
	}

	return domain.TradeResult{
		Success:     parsed.Success,
		AmountBase:  parsed.AmountBase,
		AmountQuote: parsed.AmountQuote,
		AvgPrice:    parsed.AvgPrice,
		TxRef:       parsed.TxRef,
		Error:       parsed.Error,
	}, nil
}
