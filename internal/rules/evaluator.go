// Package rules contains the pure decision functions of the engine: the exit
// rule evaluator and the scale-in planner. Neither touches stores, caches, or
// the executor; they map a position snapshot and a price to at most one
// action.
package rules

import (
	"fmt"
	"time"

	"github.com/quantegy/tokensentry/internal/domain"
)

// Evaluate checks a position against its exit rules at the given price and
// time and returns the single triggered action, or nil when nothing fires.
//
// Rules are checked in fixed priority order; the first match wins regardless
// of magnitude, so catastrophic-loss protection always dominates
// opportunistic profit-taking:
//
//  1. stop-loss
//  2. max hold time
//  3. take-profit
//  4. trailing stop (only once armed)
//  5. partial profit-taking (lowest unexecuted threshold)
//
// Profit is measured against the VWAP basis (AvgEntryPrice) so positions that
// scaled in are judged on what they actually paid.
func Evaluate(pos *domain.Position, price float64, now time.Time) (*domain.Action, error) {
	if price <= 0 {
		return nil, fmt.Errorf("rules: evaluate %s: price %v: %w", pos.ID, price, domain.ErrInvalidInput)
	}
	if !pos.Active() {
		return nil, fmt.Errorf("rules: evaluate %s: status %s: %w", pos.ID, pos.Status, domain.ErrPositionClosed)
	}

	profit := pos.ProfitPercent(price)
	rulesCfg := pos.ExitRules

	// 1. Stop-loss.
	if rulesCfg.StopLossPercent > 0 && profit <= -rulesCfg.StopLossPercent {
		return &domain.Action{Type: domain.ActionFullClose, Reason: domain.ReasonStopLoss, Price: price}, nil
	}

	// 2. Max hold time.
	if rulesCfg.MaxHoldSeconds > 0 {
		maxHold := time.Duration(rulesCfg.MaxHoldSeconds) * time.Second
		if pos.HoldDuration(now) >= maxHold {
			return &domain.Action{Type: domain.ActionFullClose, Reason: domain.ReasonMaxHold, Price: price}, nil
		}
	}

	// 3. Take-profit.
	if rulesCfg.TakeProfitPercent > 0 && profit >= rulesCfg.TakeProfitPercent {
		return &domain.Action{Type: domain.ActionFullClose, Reason: domain.ReasonTakeProfit, Price: price}, nil
	}

	// 4. Trailing stop. Armed only once peak profit has crossed the trigger;
	// until then any retracement is ignored.
	if rulesCfg.Trailing.Enabled && pos.HighestPrice > 0 {
		armed := pos.PeakProfitPercent() >= rulesCfg.Trailing.TriggerPercent
		if armed {
			retrace := (pos.HighestPrice - price) / pos.HighestPrice * 100
			if retrace >= rulesCfg.Trailing.DistancePercent {
				return &domain.Action{Type: domain.ActionFullClose, Reason: domain.ReasonTrailingStop, Price: price}, nil
			}
		}
	}

	// 5. Partial profit-taking: the lowest-threshold unexecuted level whose
	// threshold has been reached. One level per tick.
	if lvl := nextPartialLevel(rulesCfg.PartialLevels, profit); lvl != nil {
		return &domain.Action{
			Type:     domain.ActionPartialClose,
			Reason:   domain.ReasonPartialProfit,
			Fraction: lvl.SellFraction,
			LevelID:  lvl.ID,
			Price:    price,
		}, nil
	}

	return nil, nil
}

// nextPartialLevel picks the unexecuted level with the lowest threshold that
// profit has reached. Levels are kept ordered at creation, but scan all of
// them so an out-of-order snapshot still resolves deterministically.
func nextPartialLevel(levels []domain.PartialProfitLevel, profit float64) *domain.PartialProfitLevel {
	var best *domain.PartialProfitLevel
	for i := range levels {
		lvl := &levels[i]
		if lvl.Executed || lvl.ThresholdPercent > profit {
			continue
		}
		if best == nil || lvl.ThresholdPercent < best.ThresholdPercent {
			best = lvl
		}
	}
	return best
}
