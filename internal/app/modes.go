package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantegy/tokensentry/internal/crypto"
	"github.com/quantegy/tokensentry/internal/domain"
	"github.com/quantegy/tokensentry/internal/executor"
	"github.com/quantegy/tokensentry/internal/oracle"
	"github.com/quantegy/tokensentry/internal/server"
	"github.com/quantegy/tokensentry/internal/server/handler"
	"github.com/quantegy/tokensentry/internal/service"
)

// monitorLockKey names the distributed lock that guarantees a single monitor
// instance owns the tick loop. The lock is refreshed while held; the TTL only
// matters when the holder dies.
const (
	monitorLockKey = "monitor"
	monitorLockTTL = time.Minute
)

// runtime is the mode-specific service graph built on top of Wire's
// infrastructure dependencies.
type runtime struct {
	manager    *service.PositionManager
	monitor    *service.Monitor
	strategies *service.StrategyService
	oracle     domain.PriceOracle
}

// TradeMode runs the monitoring loop against the live oracle and executor.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	exec, err := a.liveExecutor(ctx)
	if err != nil {
		return fmt.Errorf("trade mode: %w", err)
	}

	rt, err := a.buildRuntime(ctx, deps, a.liveOracle(deps), exec)
	if err != nil {
		return fmt.Errorf("trade mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startNotifier(ctx, g, deps)
	a.startFeed(ctx, g, deps, rt)
	a.startMonitor(ctx, g, deps, rt)
	return waitQuietly(g)
}

// SimulateMode runs the same loop against the random-walk oracle and the
// always-fill executor. No wallet or external venue is touched. The operator
// API is served when enabled so positions can be opened by hand.
func (a *App) SimulateMode(ctx context.Context, deps *Dependencies) error {
	sim := oracle.NewSimulator(nil, 0.02, uint64(time.Now().UnixNano()))
	sim.AutoSeed(1.0)
	exec := executor.NewSimulator(sim, a.cfg.Executor.SlippageBps)

	rt, err := a.buildRuntime(ctx, deps, sim, exec)
	if err != nil {
		return fmt.Errorf("simulate mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startNotifier(ctx, g, deps)
	a.startMonitor(ctx, g, deps, rt)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, rt)
	}
	return waitQuietly(g)
}

// ServerMode serves the operator API without running the monitoring loop.
// When no wallet is configured, manual trade actions are rejected but the
// read-only endpoints and strategy CRUD keep working.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	var exec domain.TradeExecutor
	liveExec, err := a.liveExecutor(ctx)
	switch {
	case err == nil:
		exec = liveExec
	default:
		a.logger.WarnContext(ctx, "server mode: trade execution disabled",
			slog.String("error", err.Error()),
		)
		exec = executor.Disabled{}
	}

	rt, err := a.buildRuntime(ctx, deps, a.liveOracle(deps), exec)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}
	rt.monitor = nil // API only; another instance owns the tick loop

	g, ctx := errgroup.WithContext(ctx)
	a.startNotifier(ctx, g, deps)
	a.startHTTPServer(ctx, g, rt)
	return waitQuietly(g)
}

// FullMode runs everything: live trading loop, operator API, price feed, and
// the cold-storage archiver.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	exec, err := a.liveExecutor(ctx)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	rt, err := a.buildRuntime(ctx, deps, a.liveOracle(deps), exec)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startNotifier(ctx, g, deps)
	a.startFeed(ctx, g, deps, rt)
	a.startMonitor(ctx, g, deps, rt)
	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, rt)
	}
	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx)
		})
	}
	return waitQuietly(g)
}

// buildRuntime assembles the service graph shared by every mode and restores
// active positions from the store.
func (a *App) buildRuntime(ctx context.Context, deps *Dependencies, priceOracle domain.PriceOracle, exec domain.TradeExecutor) (*runtime, error) {
	manager := service.NewPositionManager(
		deps.PositionStore,
		deps.StrategyStore,
		deps.EventStore,
		exec,
		deps.Notifier,
		deps.EventBus,
		service.ManagerConfig{
			TradeOpts: domain.TradeOpts{
				SlippageBps: a.cfg.Executor.SlippageBps,
				MaxRetries:  a.cfg.Executor.MaxRetries,
			},
		},
		a.logger,
	)
	if err := manager.LoadActive(ctx); err != nil {
		return nil, fmt.Errorf("restore positions: %w", err)
	}

	monitor := service.NewMonitor(manager, priceOracle, deps.PriceCache, service.MonitorConfig{
		Interval:      a.cfg.Monitor.Interval.Duration,
		MaxConcurrent: a.cfg.Monitor.MaxConcurrent,
	}, a.logger)

	return &runtime{
		manager:    manager,
		monitor:    monitor,
		strategies: service.NewStrategyService(deps.StrategyStore, manager, a.logger),
		oracle:     priceOracle,
	}, nil
}

// liveOracle builds the HTTP price oracle wrapped in the Redis read-through
// cache.
func (a *App) liveOracle(deps *Dependencies) domain.PriceOracle {
	client := oracle.NewClient(a.cfg.Oracle.BaseURL, a.cfg.Oracle.APIKey)
	return oracle.NewCachedOracle(client, deps.PriceCache, a.cfg.Oracle.CacheMaxAge.Duration, a.logger)
}

// liveExecutor loads the trading wallet and builds the swap aggregator
// executor around it.
func (a *App) liveExecutor(ctx context.Context) (domain.TradeExecutor, error) {
	keyHex, err := crypto.LoadPrivateKey(crypto.KeySource{
		RawPrivateKey: a.cfg.Wallet.PrivateKey,
		KeyfilePath:   a.cfg.Wallet.KeyfilePath,
		Passphrase:    a.cfg.Wallet.Passphrase,
	})
	if err != nil {
		return nil, fmt.Errorf("load wallet key: %w", err)
	}
	wallet, err := crypto.NewWallet(keyHex)
	if err != nil {
		return nil, fmt.Errorf("derive wallet: %w", err)
	}

	a.logger.InfoContext(ctx, "trading wallet loaded",
		slog.String("address", wallet.Address()),
	)
	return executor.NewAggregator(a.cfg.Executor.BaseURL, wallet, a.logger), nil
}

// startNotifier runs the alert delivery worker.
func (a *App) startNotifier(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		return deps.Notifier.Run(ctx)
	})
}

// startMonitor acquires the single-instance lock and runs the tick loop. A
// second instance fails fast instead of double-trading.
func (a *App) startMonitor(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *runtime) {
	g.Go(func() error {
		unlock, err := deps.LockManager.Acquire(ctx, monitorLockKey, monitorLockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			return fmt.Errorf("app: another monitor instance holds the lock: %w", err)
		}
		if err != nil {
			return fmt.Errorf("app: acquire monitor lock: %w", err)
		}
		defer unlock()
		return rt.monitor.Run(ctx)
	})
}

// startFeed streams live prices into the cache over websocket when a feed URL
// is configured. The subscription covers tokens held at startup; the monitor
// polls the oracle regardless, so the feed is a latency win, not a
// correctness requirement.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *runtime) {
	if a.cfg.Oracle.WsURL == "" {
		return
	}

	seen := make(map[string]bool)
	var tokens []string
	for _, pos := range rt.manager.GetOpenPositions() {
		if !seen[pos.TokenID] {
			seen[pos.TokenID] = true
			tokens = append(tokens, pos.TokenID)
		}
	}

	feed := oracle.NewFeed(a.cfg.Oracle.WsURL, tokens, deps.PriceCache, a.logger)
	g.Go(func() error {
		return feed.Run(ctx)
	})
}

// startHTTPServer wires the operator API handlers and runs the server with
// graceful shutdown on context cancellation.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, rt *runtime) {
	var status handler.MonitorStatusProvider
	if rt.monitor != nil {
		status = rt.monitor
	}

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(a.cfg.Mode, a.logger),
		Positions:  handler.NewPositionHandler(rt.manager, rt.strategies, rt.oracle, a.logger),
		Strategies: handler.NewStrategyHandler(rt.strategies, a.logger),
		Status:     handler.NewStatusHandler(status, a.logger),
	}

	srv := server.NewServer(server.Config{
		Addr:        a.cfg.Server.Addr,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, handlers, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// waitQuietly waits for the group and swallows the cancellation that a clean
// shutdown produces.
func waitQuietly(g *errgroup.Group) error {
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
