// Package oracle resolves current token prices. The HTTP client talks to a
// price aggregator REST API; CachedOracle layers the shared redis cache in
// front of it; the websocket feed streams updates into that cache; and the
// simulator drives everything with a random walk for dry runs.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/quantegy/tokensentry/internal/domain"
)

// Client is the REST client for the price aggregator API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a price aggregator client. baseURL is the API root, e.g.
// "https://price.quantegy.io/v2". apiKey may be empty for public endpoints.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// priceResponse matches the aggregator's /price payload: one entry per
// requested id, absent when the aggregator has no route for the token.
type priceResponse struct {
	Data map[string]struct {
		Price string `json:"price"`
	} `json:"data"`
}

// GetPrice returns the current quote price of one token. A missing or
// non-positive quote surfaces ErrPriceUnavailable.
func (c *Client) GetPrice(ctx context.Context, tokenID string) (float64, error) {
	prices, err := c.GetPrices(ctx, []string{tokenID})
	if err != nil {
		return 0, err
	}
	price, ok := prices[tokenID]
	if !ok {
		return 0, fmt.Errorf("oracle: token %s: %w", tokenID, domain.ErrPriceUnavailable)
	}
	return price, nil
}

// GetPrices returns quotes for a batch of tokens in one request. Tokens the
// aggregator cannot quote are absent from the result.
func (c *Client) GetPrices(ctx context.Context, tokenIDs []string) (map[string]float64, error) {
	if len(tokenIDs) == 0 {
		return map[string]float64{}, nil
	}

	q := url.Values{}
	for _, id := range tokenIDs {
		q.Add("ids", id)
	}
	reqURL := fmt.Sprintf("%s/price?%s", c.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle: fetch prices: %w: %w", err, domain.ErrPriceUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("oracle: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle: status %d: %s: %w", resp.StatusCode, truncate(body, 256), domain.ErrPriceUnavailable)
	}

	var parsed priceResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("oracle: decode response: %w", err)
	}

	out := make(map[string]float64, len(parsed.Data))
	for id, entry := range parsed.Data {
		price, err := strconv.ParseFloat(entry.Price, 64)
		if err != nil || price <= 0 {
			continue
		}
		out[id] = price
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
