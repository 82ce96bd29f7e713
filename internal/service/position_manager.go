// Package service contains the stateful engine built on top of the domain
// types: the position manager that owns the active position set and the
// monitor that drives it on a fixed tick.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantegy/tokensentry/internal/domain"
)

// Alerter is the slice of the notifier the manager needs. Delivery is
// fire-and-forget; the manager never blocks on it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// ManagerConfig tunes the position manager.
type ManagerConfig struct {
	// MaxActionRetries caps how many failed executor calls a position
	// tolerates before it is halted for manual intervention.
	MaxActionRetries int
	// TradeOpts is passed to every executor call.
	TradeOpts domain.TradeOpts
}

// managedPosition pairs a position with its runtime-only guard state. The
// pending flag is the serialization point: while set, no other action may
// touch the position, so a slow executor call can never race a second action.
type managedPosition struct {
	pos      *domain.Position
	pending  bool
	failures int
	halted   bool
}

// PositionManager owns the set of active positions. All mutation goes through
// it: creation, price updates from the monitor, and the three action kinds
// (full close, partial close, scale-in). Persistence, the exit event journal,
// the event bus, and operator notifications are applied as side effects of
// successful state transitions.
type PositionManager struct {
	mu       sync.Mutex
	active   map[string]*managedPosition
	store    domain.PositionStore
	strats   domain.StrategyStore
	events   domain.ExitEventStore
	executor domain.TradeExecutor
	alerter  Alerter
	bus      domain.EventBus
	cfg      ManagerConfig
	logger   *slog.Logger
}

// NewPositionManager creates a PositionManager. strats, events, alerter, and
// bus may be nil; the corresponding side effects are skipped.
func NewPositionManager(
	store domain.PositionStore,
	strats domain.StrategyStore,
	events domain.ExitEventStore,
	executor domain.TradeExecutor,
	alerter Alerter,
	bus domain.EventBus,
	cfg ManagerConfig,
	logger *slog.Logger,
) *PositionManager {
	if cfg.MaxActionRetries <= 0 {
		cfg.MaxActionRetries = 3
	}
	return &PositionManager{
		active:   make(map[string]*managedPosition),
		store:    store,
		strats:   strats,
		events:   events,
		executor: executor,
		alerter:  alerter,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "position_manager")),
	}
}

// LoadActive restores open and partially closed positions from the store into
// the in-memory set. Call once at startup before the monitor starts.
func (m *PositionManager) LoadActive(ctx context.Context) error {
	positions, err := m.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("position_manager: load active positions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range positions {
		pos := positions[i]
		m.active[pos.ID] = &managedPosition{pos: &pos}
	}

	m.logger.InfoContext(ctx, "position_manager: active positions loaded",
		slog.Int("count", len(positions)),
	)
	return nil
}

// CreateParams carries everything needed to open a position after a buy has
// filled.
type CreateParams struct {
	StrategyID string
	TokenID    string
	EntryPrice float64
	AmountBase float64
	QuoteSpent float64 // optional; defaults to EntryPrice * AmountBase
	ExitRules  domain.ExitRules
	ScaleIn    *domain.ScaleInPlan
}

// CreatePosition registers a freshly filled buy as a monitored position. It
// rejects non-positive amounts or prices with ErrInvalidInput and never
// partially applies.
func (m *PositionManager) CreatePosition(ctx context.Context, params CreateParams) (domain.Position, error) {
	if params.AmountBase <= 0 {
		return domain.Position{}, fmt.Errorf("position_manager: amount %v: %w", params.AmountBase, domain.ErrInvalidInput)
	}
	if params.EntryPrice <= 0 {
		return domain.Position{}, fmt.Errorf("position_manager: entry price %v: %w", params.EntryPrice, domain.ErrInvalidInput)
	}
	if params.TokenID == "" {
		return domain.Position{}, fmt.Errorf("position_manager: empty token id: %w", domain.ErrInvalidInput)
	}
	if err := validateRules(params.ExitRules, params.ScaleIn); err != nil {
		return domain.Position{}, err
	}

	now := time.Now().UTC()
	quoteSpent := params.QuoteSpent
	if quoteSpent <= 0 {
		quoteSpent = params.EntryPrice * params.AmountBase
	}

	rules := params.ExitRules
	rules.PartialLevels = normalizeLevels(rules.PartialLevels)

	pos := domain.Position{
		ID:              uuid.New().String(),
		StrategyID:      params.StrategyID,
		TokenID:         params.TokenID,
		EntryPrice:      params.EntryPrice,
		AvgEntryPrice:   quoteSpent / params.AmountBase,
		EntryTime:       now,
		AmountTotal:     params.AmountBase,
		AmountRemaining: params.AmountBase,
		QuoteSpent:      quoteSpent,
		CurrentPrice:    params.EntryPrice,
		HighestPrice:    params.EntryPrice,
		Status:          domain.PositionStatusOpen,
		ExitRules:       rules,
		ScaleIn:         params.ScaleIn,
		OpenedAt:        now,
	}

	if err := m.store.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("position_manager: persist position: %w", err)
	}

	m.mu.Lock()
	m.active[pos.ID] = &managedPosition{pos: &pos}
	m.mu.Unlock()

	m.publish(ctx, "position_opened", map[string]any{
		"position_id": pos.ID,
		"token_id":    pos.TokenID,
		"entry_price": pos.EntryPrice,
		"amount":      pos.AmountTotal,
	})
	m.alert(ctx, "position_opened", "Position opened",
		fmt.Sprintf("%s: %.6f @ %.8f", pos.TokenID, pos.AmountTotal, pos.EntryPrice))

	m.logger.InfoContext(ctx, "position_manager: position opened",
		slog.String("position_id", pos.ID),
		slog.String("token_id", pos.TokenID),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("amount", pos.AmountTotal),
	)
	return pos, nil
}

// OpenParams sizes a market buy that, once filled, becomes a monitored
// position.
type OpenParams struct {
	StrategyID  string
	TokenID     string
	AmountQuote float64
	ExitRules   domain.ExitRules
	ScaleIn     *domain.ScaleInPlan
}

// OpenPosition spends AmountQuote on the token and registers the fill as a
// new position. Nothing is persisted when the buy fails.
func (m *PositionManager) OpenPosition(ctx context.Context, params OpenParams) (domain.Position, error) {
	if params.AmountQuote <= 0 {
		return domain.Position{}, fmt.Errorf("position_manager: open amount %v: %w", params.AmountQuote, domain.ErrInvalidInput)
	}
	if params.TokenID == "" {
		return domain.Position{}, fmt.Errorf("position_manager: empty token id: %w", domain.ErrInvalidInput)
	}
	if err := validateRules(params.ExitRules, params.ScaleIn); err != nil {
		return domain.Position{}, err
	}

	res, err := m.executor.Buy(ctx, params.TokenID, params.AmountQuote, m.cfg.TradeOpts)
	if err != nil || !res.Success {
		return domain.Position{}, fmt.Errorf("position_manager: entry buy for %s: %s: %w",
			params.TokenID, tradeFailure(res, err), domain.ErrTradeFailed)
	}

	return m.CreatePosition(ctx, CreateParams{
		StrategyID: params.StrategyID,
		TokenID:    params.TokenID,
		EntryPrice: res.AvgPrice,
		AmountBase: res.AmountBase,
		QuoteSpent: res.AmountQuote,
		ExitRules:  params.ExitRules,
		ScaleIn:    params.ScaleIn,
	})
}

// validateRules rejects rule snapshots that could violate the fraction
// invariants once executed.
func validateRules(rules domain.ExitRules, plan *domain.ScaleInPlan) error {
	var sellSum float64
	for _, lvl := range rules.PartialLevels {
		if lvl.SellFraction <= 0 || lvl.SellFraction > 1 {
			return fmt.Errorf("position_manager: partial level sell fraction %v: %w", lvl.SellFraction, domain.ErrInvalidInput)
		}
		sellSum += lvl.SellFraction
	}
	if sellSum > 1 {
		return fmt.Errorf("position_manager: partial level fractions sum %v exceeds 1: %w", sellSum, domain.ErrInvalidInput)
	}

	if plan != nil {
		var sizeSum float64
		for _, ph := range plan.Phases {
			if ph.SizeFraction <= 0 || ph.SizeFraction > 1 {
				return fmt.Errorf("position_manager: scale-in size fraction %v: %w", ph.SizeFraction, domain.ErrInvalidInput)
			}
			sizeSum += ph.SizeFraction
		}
		if sizeSum > 1 {
			return fmt.Errorf("position_manager: scale-in fractions sum %v exceeds 1: %w", sizeSum, domain.ErrInvalidInput)
		}
		if plan.CurrentPhase != 0 {
			return fmt.Errorf("position_manager: scale-in plan must start at phase 0: %w", domain.ErrInvalidInput)
		}
	}
	return nil
}

// normalizeLevels assigns IDs to unlabeled levels and orders them by
// threshold so the evaluator's lowest-first pick is also the slice order.
func normalizeLevels(levels []domain.PartialProfitLevel) []domain.PartialProfitLevel {
	out := make([]domain.PartialProfitLevel, len(levels))
	copy(out, levels)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = uuid.New().String()
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ThresholdPercent < out[j].ThresholdPercent
	})
	return out
}

// beginAction acquires the per-position pending guard. Exactly one action may
// be in flight per position; a second attempt is a programming error surfaced
// as ErrActionPending and dropped by callers.
func (m *PositionManager) beginAction(id string) (*managedPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mp, ok := m.active[id]
	if !ok {
		return nil, fmt.Errorf("position_manager: position %s: %w", id, domain.ErrNotFound)
	}
	if mp.halted {
		return nil, fmt.Errorf("position_manager: position %s: %w", id, domain.ErrHalted)
	}
	if mp.pending {
		return nil, fmt.Errorf("position_manager: position %s: %w", id, domain.ErrActionPending)
	}
	mp.pending = true
	return mp, nil
}

// endAction releases the pending guard. Must run on every exit path of an
// action, including failures.
func (m *PositionManager) endAction(mp *managedPosition) {
	m.mu.Lock()
	mp.pending = false
	m.mu.Unlock()
}

// recordFailure bumps the bounded retry counter and halts the position once
// the cap is reached. The triggering condition is left unexecuted, so the
// next tick re-evaluates and re-attempts it until the cap trips.
func (m *PositionManager) recordFailure(ctx context.Context, mp *managedPosition, kind domain.ActionType, cause string) {
	m.mu.Lock()
	mp.failures++
	failures := mp.failures
	halted := failures >= m.cfg.MaxActionRetries
	mp.halted = halted
	id := mp.pos.ID
	token := mp.pos.TokenID
	m.mu.Unlock()

	m.logger.WarnContext(ctx, "position_manager: action failed",
		slog.String("position_id", id),
		slog.String("action", string(kind)),
		slog.Int("failures", failures),
		slog.String("error", cause),
	)

	if halted {
		m.alert(ctx, "action_failed", "Action failed, position halted",
			fmt.Sprintf("%s: %s failed %d times on %s; manual intervention required", id, kind, failures, token))
		m.appendEvent(ctx, domain.ExitEvent{
			ID:         uuid.New().String(),
			PositionID: id,
			TokenID:    token,
			Type:       kind,
			Success:    false,
			Error:      cause,
			CreatedAt:  time.Now().UTC(),
		})
	}
}

// recordSuccess resets the retry counter after any successful action.
func (m *PositionManager) recordSuccess(mp *managedPosition) {
	m.mu.Lock()
	mp.failures = 0
	m.mu.Unlock()
}

// ApplyFullClose liquidates everything the position still holds at the
// current market. On executor failure the position stays untouched and open;
// the same condition will re-trigger on the next tick until the retry cap
// halts the position.
func (m *PositionManager) ApplyFullClose(ctx context.Context, id string, exitPrice float64, reason domain.ExitReason) error {
	mp, err := m.beginAction(id)
	if err != nil {
		return err
	}
	defer m.endAction(mp)

	m.mu.Lock()
	pos := mp.pos
	if !pos.Active() {
		// The position was closed while this action was queued; drop it.
		m.mu.Unlock()
		return nil
	}
	amount := pos.AmountRemaining
	tokenID := pos.TokenID
	m.mu.Unlock()

	res, err := m.executor.Sell(ctx, tokenID, amount, m.cfg.TradeOpts)
	if err != nil || !res.Success {
		cause := tradeFailure(res, err)
		m.recordFailure(ctx, mp, domain.ActionFullClose, cause)
		return fmt.Errorf("position_manager: full close %s: %s: %w", id, cause, domain.ErrTradeFailed)
	}
	m.recordSuccess(mp)

	// Commit the state transition under the lock; concurrent readers see
	// either the open position or nothing, never a half-applied close.
	now := time.Now().UTC()
	m.mu.Lock()
	pos.RealizedPnL += res.AmountQuote - pos.AvgEntryPrice*amount
	pos.AmountRemaining = 0
	pos.Status = domain.PositionStatusClosed
	pos.CurrentPrice = exitPrice
	pos.ExitPrice = &exitPrice
	pos.ExitReason = string(reason)
	pos.ClosedAt = &now
	closed := clonePosition(pos)
	delete(m.active, id)
	m.mu.Unlock()

	if err := m.store.Update(ctx, closed); err != nil {
		// State is already applied in memory; surface the persistence gap
		// loudly rather than unwinding a completed trade.
		m.logger.ErrorContext(ctx, "position_manager: persist close failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
	}

	m.appendEvent(ctx, domain.ExitEvent{
		ID:         uuid.New().String(),
		PositionID: id,
		TokenID:    closed.TokenID,
		Type:       domain.ActionFullClose,
		Reason:     reason,
		Price:      exitPrice,
		AmountBase: amount,
		TxRef:      res.TxRef,
		Success:    true,
		CreatedAt:  now,
	})
	m.recordStrategyOutcome(ctx, &closed)

	m.publish(ctx, "position_closed", map[string]any{
		"position_id":  id,
		"token_id":     closed.TokenID,
		"exit_price":   exitPrice,
		"reason":       string(reason),
		"realized_pnl": closed.RealizedPnL,
	})
	m.alert(ctx, "position_closed", "Position closed",
		fmt.Sprintf("%s: %s @ %.8f, pnl %.4f", closed.TokenID, reason, exitPrice, closed.RealizedPnL))

	m.logger.InfoContext(ctx, "position_manager: position closed",
		slog.String("position_id", id),
		slog.String("reason", string(reason)),
		slog.Float64("exit_price", exitPrice),
		slog.Float64("realized_pnl", closed.RealizedPnL),
	)
	return nil
}

// ApplyPartialClose sells fraction * AmountTotal (capped at what remains) for
// the given profit level. Re-invocation for an already-executed level is a
// no-op, not an error.
func (m *PositionManager) ApplyPartialClose(ctx context.Context, id string, fraction float64, levelID string) error {
	mp, err := m.beginAction(id)
	if err != nil {
		return err
	}
	defer m.endAction(mp)

	m.mu.Lock()
	pos := mp.pos
	if !pos.Active() {
		m.mu.Unlock()
		return nil
	}
	lvl := findLevel(pos.ExitRules.PartialLevels, levelID)
	if lvl == nil {
		m.mu.Unlock()
		return fmt.Errorf("position_manager: partial level %s on %s: %w", levelID, id, domain.ErrNotFound)
	}
	if lvl.Executed {
		m.mu.Unlock()
		return nil
	}
	amount := fraction * pos.AmountTotal
	if amount > pos.AmountRemaining {
		amount = pos.AmountRemaining
	}
	tokenID := pos.TokenID
	m.mu.Unlock()

	if amount <= 0 {
		return nil
	}

	res, err := m.executor.Sell(ctx, tokenID, amount, m.cfg.TradeOpts)
	if err != nil || !res.Success {
		cause := tradeFailure(res, err)
		m.recordFailure(ctx, mp, domain.ActionPartialClose, cause)
		return fmt.Errorf("position_manager: partial close %s: %s: %w", id, cause, domain.ErrTradeFailed)
	}
	m.recordSuccess(mp)

	// The pending guard kept the level pointer stable across the executor
	// call; commit under the lock so readers never see a torn update.
	now := time.Now().UTC()
	m.mu.Lock()
	lvl.Executed = true
	lvl.ExecutedAt = &now
	pos.AmountRemaining -= amount
	pos.RealizedPnL += res.AmountQuote - pos.AvgEntryPrice*amount
	if pos.AmountRemaining <= 0 {
		pos.AmountRemaining = 0
		pos.Status = domain.PositionStatusClosed
		pos.ClosedAt = &now
		pos.ExitReason = string(domain.ReasonPartialProfit)
	} else {
		pos.Status = domain.PositionStatusPartiallyClosed
	}
	snapshot := clonePosition(pos)
	fullyClosed := snapshot.Status == domain.PositionStatusClosed
	if fullyClosed {
		delete(m.active, id)
	}
	m.mu.Unlock()

	if err := m.store.Update(ctx, snapshot); err != nil {
		m.logger.ErrorContext(ctx, "position_manager: persist partial close failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
	}

	m.appendEvent(ctx, domain.ExitEvent{
		ID:         uuid.New().String(),
		PositionID: id,
		TokenID:    snapshot.TokenID,
		Type:       domain.ActionPartialClose,
		Reason:     domain.ReasonPartialProfit,
		Price:      res.AvgPrice,
		AmountBase: amount,
		TxRef:      res.TxRef,
		Success:    true,
		CreatedAt:  now,
	})

	if fullyClosed {
		m.recordStrategyOutcome(ctx, &snapshot)
	}

	m.publish(ctx, "partial_close", map[string]any{
		"position_id": id,
		"token_id":    snapshot.TokenID,
		"level_id":    levelID,
		"amount":      amount,
		"remaining":   snapshot.AmountRemaining,
	})
	m.alert(ctx, "partial_close", "Partial profit taken",
		fmt.Sprintf("%s: sold %.6f (level %s), %.6f remaining", snapshot.TokenID, amount, levelID, snapshot.AmountRemaining))

	m.logger.InfoContext(ctx, "position_manager: partial close executed",
		slog.String("position_id", id),
		slog.String("level_id", levelID),
		slog.Float64("amount", amount),
		slog.Float64("remaining", snapshot.AmountRemaining),
	)
	return nil
}

// ApplyScaleIn executes the given phase: buys phase.SizeFraction of the
// strategy's per-position budget, folds the fill into the VWAP basis, marks
// the phase executed, and advances the plan pointer.
func (m *PositionManager) ApplyScaleIn(ctx context.Context, id string, phaseNumber int) error {
	mp, err := m.beginAction(id)
	if err != nil {
		return err
	}
	defer m.endAction(mp)

	m.mu.Lock()
	pos := mp.pos
	if !pos.Active() {
		m.mu.Unlock()
		return nil
	}
	plan := pos.ScaleIn
	if plan.Exhausted() {
		m.mu.Unlock()
		return fmt.Errorf("position_manager: scale-in on %s: plan exhausted: %w", id, domain.ErrInvalidInput)
	}
	phase := &plan.Phases[plan.CurrentPhase]
	if phase.PhaseNumber != phaseNumber || phase.Executed {
		// A stale decision from a previous tick; the current phase advanced
		// underneath it. Drop rather than double-buy.
		m.mu.Unlock()
		return nil
	}
	sizeFraction := phase.SizeFraction
	tokenID := pos.TokenID
	strategyID := pos.StrategyID
	initialSpend := pos.QuoteSpent
	m.mu.Unlock()

	budget, err := m.scaleInBudget(ctx, strategyID, initialSpend)
	if err != nil {
		return err
	}
	amountQuote := sizeFraction * budget
	if amountQuote <= 0 {
		return fmt.Errorf("position_manager: scale-in on %s: zero budget: %w", id, domain.ErrInvalidInput)
	}

	res, err := m.executor.Buy(ctx, tokenID, amountQuote, m.cfg.TradeOpts)
	if err != nil || !res.Success {
		cause := tradeFailure(res, err)
		m.recordFailure(ctx, mp, domain.ActionScaleIn, cause)
		return fmt.Errorf("position_manager: scale-in %s: %s: %w", id, cause, domain.ErrTradeFailed)
	}
	m.recordSuccess(mp)

	// Commit the fill under the lock; the pending guard kept the phase
	// pointer stable across the executor call.
	now := time.Now().UTC()
	m.mu.Lock()
	pos.ApplyFill(res.AmountBase, amountQuote)
	phase.Executed = true
	phase.ExecutedAt = &now
	plan.CurrentPhase++
	snapshot := clonePosition(pos)
	m.mu.Unlock()

	if err := m.store.Update(ctx, snapshot); err != nil {
		m.logger.ErrorContext(ctx, "position_manager: persist scale-in failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
	}

	m.appendEvent(ctx, domain.ExitEvent{
		ID:         uuid.New().String(),
		PositionID: id,
		TokenID:    snapshot.TokenID,
		Type:       domain.ActionScaleIn,
		Price:      res.AvgPrice,
		AmountBase: res.AmountBase,
		TxRef:      res.TxRef,
		Success:    true,
		CreatedAt:  now,
	})

	m.publish(ctx, "scale_in", map[string]any{
		"position_id": id,
		"token_id":    snapshot.TokenID,
		"phase":       phaseNumber,
		"amount":      res.AmountBase,
		"avg_entry":   snapshot.AvgEntryPrice,
	})
	m.alert(ctx, "scale_in", "Scale-in executed",
		fmt.Sprintf("%s: phase %d bought %.6f, basis now %.8f", snapshot.TokenID, phaseNumber, res.AmountBase, snapshot.AvgEntryPrice))

	m.logger.InfoContext(ctx, "position_manager: scale-in executed",
		slog.String("position_id", id),
		slog.Int("phase", phaseNumber),
		slog.Float64("amount_base", res.AmountBase),
		slog.Float64("avg_entry", snapshot.AvgEntryPrice),
	)
	return nil
}

// scaleInBudget resolves the quote budget a scale-in phase sizes against.
// Falls back to the position's own initial spend when no strategy is linked.
func (m *PositionManager) scaleInBudget(ctx context.Context, strategyID string, initialSpend float64) (float64, error) {
	if strategyID == "" || m.strats == nil {
		return initialSpend, nil
	}
	strat, err := m.strats.GetByID(ctx, strategyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return initialSpend, nil
		}
		return 0, fmt.Errorf("position_manager: load strategy %s: %w", strategyID, err)
	}
	return strat.PositionBudget(), nil
}

// recordStrategyOutcome folds a closed position into its strategy's totals.
func (m *PositionManager) recordStrategyOutcome(ctx context.Context, pos *domain.Position) {
	if pos.StrategyID == "" || m.strats == nil {
		return
	}
	strat, err := m.strats.GetByID(ctx, pos.StrategyID)
	if err != nil {
		m.logger.WarnContext(ctx, "position_manager: strategy lookup for outcome failed",
			slog.String("strategy_id", pos.StrategyID),
			slog.String("error", err.Error()),
		)
		return
	}
	strat.RecordOutcome(pos.RealizedPnL)
	if err := m.strats.Update(ctx, strat); err != nil {
		m.logger.WarnContext(ctx, "position_manager: strategy totals update failed",
			slog.String("strategy_id", pos.StrategyID),
			slog.String("error", err.Error()),
		)
	}
}

// UpdateMarketPrice records the latest observed price on a position. Only the
// monitor calls this; HighestPrice never decreases. The update is in-memory
// only, durable state changes ride on executed actions.
func (m *PositionManager) UpdateMarketPrice(id string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mp, ok := m.active[id]
	if !ok {
		return
	}
	mp.pos.CurrentPrice = price
	if price > mp.pos.HighestPrice {
		mp.pos.HighestPrice = price
	}
}

// GetOpenPositions returns copies of every active position, ordered by open
// time so tick iteration order is stable.
func (m *PositionManager) GetOpenPositions() []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.Position, 0, len(m.active))
	for _, mp := range m.active {
		out = append(out, clonePosition(mp.pos))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// GetPosition returns a copy of the active position with the given id.
func (m *PositionManager) GetPosition(id string) (domain.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mp, ok := m.active[id]
	if !ok {
		return domain.Position{}, false
	}
	return clonePosition(mp.pos), true
}

// ActionPending reports whether an action is currently in flight for the
// position; the monitor skips such positions for the tick.
func (m *PositionManager) ActionPending(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.active[id]
	return ok && mp.pending
}

// Halted reports whether the position hit its retry cap and awaits manual
// intervention.
func (m *PositionManager) Halted(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.active[id]
	return ok && mp.halted
}

// Resume clears the halted flag and retry counter so monitoring picks the
// position back up. Exposed through the operator API.
func (m *PositionManager) Resume(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mp, ok := m.active[id]
	if !ok {
		return fmt.Errorf("position_manager: position %s: %w", id, domain.ErrNotFound)
	}
	mp.halted = false
	mp.failures = 0

	m.logger.InfoContext(ctx, "position_manager: position resumed",
		slog.String("position_id", id),
	)
	return nil
}

// clonePosition deep-copies a position so callers cannot reach the manager's
// internal state through shared slices or the scale-in plan.
func clonePosition(pos *domain.Position) domain.Position {
	out := *pos
	if pos.ExitRules.PartialLevels != nil {
		out.ExitRules.PartialLevels = make([]domain.PartialProfitLevel, len(pos.ExitRules.PartialLevels))
		copy(out.ExitRules.PartialLevels, pos.ExitRules.PartialLevels)
	}
	if pos.ScaleIn != nil {
		plan := *pos.ScaleIn
		plan.Phases = make([]domain.ScaleInPhase, len(pos.ScaleIn.Phases))
		copy(plan.Phases, pos.ScaleIn.Phases)
		out.ScaleIn = &plan
	}
	if pos.ExitPrice != nil {
		p := *pos.ExitPrice
		out.ExitPrice = &p
	}
	if pos.ClosedAt != nil {
		t := *pos.ClosedAt
		out.ClosedAt = &t
	}
	return out
}

func findLevel(levels []domain.PartialProfitLevel, id string) *domain.PartialProfitLevel {
	for i := range levels {
		if levels[i].ID == id {
			return &levels[i]
		}
	}
	return nil
}

// tradeFailure renders an executor outcome into a cause string.
func tradeFailure(res domain.TradeResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if res.Error != "" {
		return res.Error
	}
	return "executor reported failure"
}

// appendEvent journals an exit event; journal failures are logged, never
// propagated into the action path.
func (m *PositionManager) appendEvent(ctx context.Context, evt domain.ExitEvent) {
	if m.events == nil {
		return
	}
	if err := m.events.Append(ctx, evt); err != nil {
		m.logger.WarnContext(ctx, "position_manager: exit event append failed",
			slog.String("position_id", evt.PositionID),
			slog.String("error", err.Error()),
		)
	}
}

// publish emits a lifecycle event on the bus; best effort.
func (m *PositionManager) publish(ctx context.Context, event string, payload map[string]any) {
	if m.bus == nil {
		return
	}
	payload["event"] = event
	data, _ := json.Marshal(payload)
	if err := m.bus.Publish(ctx, "positions", data); err != nil {
		m.logger.WarnContext(ctx, "position_manager: publish event failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// alert notifies the operator; best effort.
func (m *PositionManager) alert(ctx context.Context, event, title, message string) {
	if m.alerter == nil {
		return
	}
	if err := m.alerter.Notify(ctx, event, title, message); err != nil {
		m.logger.WarnContext(ctx, "position_manager: notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
