package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantegy/tokensentry/internal/domain"
)

const (
	feedWriteWait      = 10 * time.Second
	feedPongWait       = 60 * time.Second
	feedPingPeriod     = (feedPongWait * 9) / 10
	feedReconnectDelay = 2 * time.Second
)

// Feed streams live price updates from the aggregator's WebSocket endpoint
// into the price cache. It reconnects on disconnect and re-subscribes to the
// configured tokens.
type Feed struct {
	wsURL    string
	tokenIDs []string
	cache    domain.PriceCache
	logger   *slog.Logger
}

// NewFeed creates a feed that subscribes to price updates for tokenIDs.
func NewFeed(wsURL string, tokenIDs []string, cache domain.PriceCache, logger *slog.Logger) *Feed {
	return &Feed{
		wsURL:    wsURL,
		tokenIDs: tokenIDs,
		cache:    cache,
		logger:   logger.With(slog.String("component", "price_feed")),
	}
}

// Run connects and consumes updates until ctx is cancelled, reconnecting
// after transient failures.
func (f *Feed) Run(ctx context.Context) error {
	if len(f.tokenIDs) == 0 {
		f.logger.InfoContext(ctx, "price_feed: no tokens to subscribe, exiting")
		return nil
	}
	for {
		if err := f.runConnection(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.WarnContext(ctx, "price_feed: disconnected, reconnecting",
				slog.String("error", err.Error()),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(feedReconnectDelay):
		}
	}
}

// subscribeCommand is the wire message requesting price updates.
type subscribeCommand struct {
	Op     string   `json:"op"`
	Tokens []string `json:"tokens"`
}

// priceUpdate is one streamed quote.
type priceUpdate struct {
	TokenID string `json:"token_id"`
	Price   string `json:"price"`
	Ts      int64  `json:"ts"`
}

func (f *Feed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("oracle: feed connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(feedPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(feedPongWait))
		return nil
	})

	cmd := subscribeCommand{Op: "subscribe", Tokens: f.tokenIDs}
	conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("oracle: feed subscribe: %w", err)
	}
	f.logger.InfoContext(ctx, "price_feed: subscribed",
		slog.Int("tokens", len(f.tokenIDs)),
	)

	// Ping loop keeps the connection alive; it exits with the read loop.
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		ticker := time.NewTicker(feedPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("oracle: feed read: %w", err)
		}
		f.handleMessage(ctx, msg)
	}
}

func (f *Feed) handleMessage(ctx context.Context, msg []byte) {
	var update priceUpdate
	if err := json.Unmarshal(msg, &update); err != nil || update.TokenID == "" {
		return
	}
	price, err := strconv.ParseFloat(update.Price, 64)
	if err != nil || price <= 0 {
		return
	}
	ts := time.Unix(update.Ts, 0).UTC()
	if update.Ts == 0 {
		ts = time.Now().UTC()
	}
	if err := f.cache.SetPrice(ctx, update.TokenID, price, ts); err != nil {
		f.logger.WarnContext(ctx, "price_feed: cache write failed",
			slog.String("token_id", update.TokenID),
			slog.String("error", err.Error()),
		)
	}
}
