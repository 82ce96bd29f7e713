package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantegy/tokensentry/internal/domain"
	"github.com/quantegy/tokensentry/internal/rules"
)

// Monitor state values. The monitor is either waiting for the next tick or in
// the middle of one; a tick that is still running when the next fires is never
// overlapped, the new tick is skipped instead.
const (
	monitorIdle int32 = iota
	monitorTicking
)

// MonitorConfig tunes the monitoring loop.
type MonitorConfig struct {
	// Interval between ticks.
	Interval time.Duration
	// MaxConcurrent caps how many positions are evaluated in parallel per
	// tick. Zero means unbounded.
	MaxConcurrent int
}

// Monitor drives the position manager on a fixed ticker. Each tick it fetches
// a price per distinct token, pushes the prices into the manager, and for
// every active position first considers the scale-in plan, then the exit
// rules. At most one action executes per position per tick.
type Monitor struct {
	manager *PositionManager
	oracle  domain.PriceOracle
	cache   domain.PriceCache
	cfg     MonitorConfig
	state   atomic.Int32
	ticks   atomic.Int64
	skipped atomic.Int64
	logger  *slog.Logger
}

// NewMonitor creates a Monitor. cache may be nil; fetched prices are then not
// shared with other consumers.
func NewMonitor(manager *PositionManager, oracle domain.PriceOracle, cache domain.PriceCache, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Monitor{
		manager: manager,
		oracle:  oracle,
		cache:   cache,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "monitor")),
	}
}

// Run executes the monitoring loop until ctx is cancelled. The first tick
// fires immediately, then on the fixed interval.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "monitor: starting",
		slog.Duration("interval", m.cfg.Interval),
	)

	m.tick(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "monitor: stopped")
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
			// A tick that overran the interval leaves the next fire queued
			// in the ticker's buffer. Executing it would run ticks back to
			// back; the missed tick is dropped, not deferred.
			select {
			case <-ticker.C:
				m.skipped.Add(1)
				m.logger.WarnContext(ctx, "monitor: tick skipped, previous tick overran the interval")
			default:
			}
		}
	}
}

// tick runs one evaluation pass. If the previous pass is still running, this
// one is skipped; the interval is a floor, not a queue.
func (m *Monitor) tick(ctx context.Context) {
	if !m.state.CompareAndSwap(monitorIdle, monitorTicking) {
		m.skipped.Add(1)
		m.logger.WarnContext(ctx, "monitor: tick skipped, previous tick still running")
		return
	}
	defer m.state.Store(monitorIdle)
	m.ticks.Add(1)

	positions := m.manager.GetOpenPositions()
	if len(positions) == 0 {
		return
	}

	prices := m.fetchPrices(ctx, positions)

	g, gctx := errgroup.WithContext(ctx)
	if m.cfg.MaxConcurrent > 0 {
		g.SetLimit(m.cfg.MaxConcurrent)
	}
	for i := range positions {
		pos := positions[i]
		g.Go(func() error {
			if err := m.evaluatePosition(gctx, pos, prices); err != nil {
				// Per-position isolation: log and keep the tick going for
				// everyone else.
				m.logger.WarnContext(gctx, "monitor: position evaluation failed",
					slog.String("position_id", pos.ID),
					slog.String("token_id", pos.TokenID),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// fetchPrices resolves one price per distinct token across the active set.
// Tokens whose price is unavailable are absent from the result and their
// positions sit the tick out.
func (m *Monitor) fetchPrices(ctx context.Context, positions []domain.Position) map[string]float64 {
	prices := make(map[string]float64)
	for _, pos := range positions {
		if _, ok := prices[pos.TokenID]; ok {
			continue
		}
		price, err := m.oracle.GetPrice(ctx, pos.TokenID)
		if err != nil {
			m.logger.WarnContext(ctx, "monitor: price unavailable",
				slog.String("token_id", pos.TokenID),
				slog.String("error", err.Error()),
			)
			continue
		}
		prices[pos.TokenID] = price
		if m.cache != nil {
			if err := m.cache.SetPrice(ctx, pos.TokenID, price, time.Now().UTC()); err != nil {
				m.logger.WarnContext(ctx, "monitor: price cache write failed",
					slog.String("token_id", pos.TokenID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return prices
}

// evaluatePosition applies one tick to one position: record the price, then
// scale-in before exit rules so an averaging-down buy at the bottom of a dip
// is not pre-empted by a stop-loss measured against the old basis.
func (m *Monitor) evaluatePosition(ctx context.Context, pos domain.Position, prices map[string]float64) error {
	price, ok := prices[pos.TokenID]
	if !ok {
		return fmt.Errorf("monitor: token %s: %w", pos.TokenID, domain.ErrPriceUnavailable)
	}
	if m.manager.Halted(pos.ID) || m.manager.ActionPending(pos.ID) {
		return nil
	}

	m.manager.UpdateMarketPrice(pos.ID, price)
	// Re-read so the decision sees the updated HighestPrice.
	current, ok := m.manager.GetPosition(pos.ID)
	if !ok {
		return nil
	}

	if phase := rules.NextScaleInPhase(&current, price); phase != nil {
		err := m.manager.ApplyScaleIn(ctx, current.ID, phase.PhaseNumber)
		return m.actionOutcome(err)
	}

	act, err := rules.Evaluate(&current, price, time.Now().UTC())
	if err != nil {
		if errors.Is(err, domain.ErrPositionClosed) {
			return nil
		}
		return err
	}
	if act == nil {
		return nil
	}

	switch act.Type {
	case domain.ActionFullClose:
		err = m.manager.ApplyFullClose(ctx, current.ID, act.Price, act.Reason)
	case domain.ActionPartialClose:
		err = m.manager.ApplyPartialClose(ctx, current.ID, act.Fraction, act.LevelID)
	default:
		err = fmt.Errorf("monitor: unexpected action %s: %w", act.Type, domain.ErrInvalidInput)
	}
	return m.actionOutcome(err)
}

// actionOutcome filters expected per-tick conditions out of the error path.
// A pending or halted position is simply not acted on this tick; a failed
// trade has already been counted by the manager and will retry next tick.
func (m *Monitor) actionOutcome(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrActionPending), errors.Is(err, domain.ErrHalted):
		return nil
	default:
		return err
	}
}

// MonitorStatus is a point-in-time snapshot for the operator API.
type MonitorStatus struct {
	State        string        `json:"state"`
	Interval     time.Duration `json:"interval"`
	Ticks        int64         `json:"ticks"`
	SkippedTicks int64         `json:"skipped_ticks"`
	Positions    int           `json:"positions"`
}

// Status reports the monitor's current state and counters.
func (m *Monitor) Status() MonitorStatus {
	state := "idle"
	if m.state.Load() == monitorTicking {
		state = "ticking"
	}
	return MonitorStatus{
		State:        state,
		Interval:     m.cfg.Interval,
		Ticks:        m.ticks.Load(),
		SkippedTicks: m.skipped.Load(),
		Positions:    len(m.manager.GetOpenPositions()),
	}
}
