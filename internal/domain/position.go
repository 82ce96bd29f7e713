// Package domain defines the core types and collaborator interfaces shared by
// every layer of tokensentry: positions, strategies, exit rules, scale-in
// plans, and the store/cache/oracle/executor contracts.
package domain

import "time"

// PositionStatus tracks the lifecycle of a position.
type PositionStatus string

const (
	PositionStatusOpen            PositionStatus = "open"
	PositionStatusPartiallyClosed PositionStatus = "partially_closed"
	PositionStatusClosed          PositionStatus = "closed"
)

// TrailingStopRule closes a position once price retraces DistancePercent off
// the highest price seen, but only after profit has crossed TriggerPercent at
// least once.
type TrailingStopRule struct {
	Enabled         bool    `json:"enabled"`
	TriggerPercent  float64 `json:"trigger_percent"`
	DistancePercent float64 `json:"distance_percent"`
}

// PartialProfitLevel sells SellFraction of the position's total amount once
// profit reaches ThresholdPercent. Each level executes at most once.
type PartialProfitLevel struct {
	ID               string     `json:"id"`
	ThresholdPercent float64    `json:"threshold_percent"`
	SellFraction     float64    `json:"sell_fraction"`
	Executed         bool       `json:"executed"`
	ExecutedAt       *time.Time `json:"executed_at,omitempty"`
}

// ExitRules is the immutable rule snapshot captured when a position is opened.
type ExitRules struct {
	StopLossPercent   float64              `json:"stop_loss_percent"`
	TakeProfitPercent float64              `json:"take_profit_percent"`
	Trailing          TrailingStopRule     `json:"trailing"`
	PartialLevels     []PartialProfitLevel `json:"partial_levels,omitempty"`
	MaxHoldSeconds    int64                `json:"max_hold_seconds"`
}

// ScaleInPhase is one pre-planned averaging-down buy. TriggerDropPercent is
// measured against the original entry price, never the VWAP basis.
type ScaleInPhase struct {
	PhaseNumber        int        `json:"phase_number"`
	TriggerDropPercent float64    `json:"trigger_drop_percent"`
	SizeFraction       float64    `json:"size_fraction"`
	Executed           bool       `json:"executed"`
	ExecutedAt         *time.Time `json:"executed_at,omitempty"`
}

// ScaleInPlan is an ordered sequence of phases. CurrentPhase indexes the next
// phase to consider; phases execute strictly in order and never repeat.
type ScaleInPlan struct {
	Enabled      bool           `json:"enabled"`
	Phases       []ScaleInPhase `json:"phases,omitempty"`
	CurrentPhase int            `json:"current_phase"`
}

// Exhausted reports whether every phase has executed.
func (p *ScaleInPlan) Exhausted() bool {
	return p == nil || !p.Enabled || p.CurrentPhase >= len(p.Phases)
}

// Position is one monitored holding of a token. EntryPrice is the original
// first-fill price and is immutable; AvgEntryPrice is the volume-weighted
// basis across all buys and is what stop-loss/take-profit/trailing measure
// profit against. Scale-in triggers keep reading EntryPrice so the plan is
// not warped by its own buys.
type Position struct {
	ID         string `json:"id"`
	StrategyID string `json:"strategy_id,omitempty"`
	TokenID    string `json:"token_id"`

	EntryPrice    float64   `json:"entry_price"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	EntryTime     time.Time `json:"entry_time"`

	AmountTotal     float64 `json:"amount_total"`     // base units bought across all fills
	AmountRemaining float64 `json:"amount_remaining"` // base units still held
	QuoteSpent      float64 `json:"quote_spent"`      // quote currency spent across all buys

	CurrentPrice float64 `json:"current_price"`
	HighestPrice float64 `json:"highest_price"` // highest price seen since entry, never decreases

	Status    PositionStatus `json:"status"`
	ExitRules ExitRules      `json:"exit_rules"`
	ScaleIn   *ScaleInPlan   `json:"scale_in,omitempty"`

	RealizedPnL float64    `json:"realized_pnl"`
	ExitPrice   *float64   `json:"exit_price,omitempty"`
	ExitReason  string     `json:"exit_reason,omitempty"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// ProfitPercent returns the profit at price relative to the VWAP basis.
func (p *Position) ProfitPercent(price float64) float64 {
	if p.AvgEntryPrice <= 0 {
		return 0
	}
	return (price - p.AvgEntryPrice) / p.AvgEntryPrice * 100
}

// PeakProfitPercent returns the profit at the highest price seen, relative to
// the VWAP basis. Used to arm the trailing stop.
func (p *Position) PeakProfitPercent() float64 {
	return p.ProfitPercent(p.HighestPrice)
}

// DropFromEntryPercent returns how far price has fallen below the original
// entry price, as a positive percentage. Negative values mean price is above
// entry.
func (p *Position) DropFromEntryPercent(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (p.EntryPrice - price) / p.EntryPrice * 100
}

// Active reports whether the position still holds inventory and should be
// monitored.
func (p *Position) Active() bool {
	return p.Status == PositionStatusOpen || p.Status == PositionStatusPartiallyClosed
}

// HoldDuration returns how long the position has been held as of now.
func (p *Position) HoldDuration(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// ExecutedSellFraction sums the sell fractions of already-executed partial
// levels. The invariant ExecutedSellFraction <= 1.0 holds at all times.
func (p *Position) ExecutedSellFraction() float64 {
	var sum float64
	for _, lvl := range p.ExitRules.PartialLevels {
		if lvl.Executed {
			sum += lvl.SellFraction
		}
	}
	return sum
}

// ApplyFill folds an additional buy into the position, recomputing the VWAP
// basis from total quote spent over total base acquired.
func (p *Position) ApplyFill(amountBase, quoteSpent float64) {
	p.AmountTotal += amountBase
	p.AmountRemaining += amountBase
	p.QuoteSpent += quoteSpent
	if p.AmountTotal > 0 {
		p.AvgEntryPrice = p.QuoteSpent / p.AmountTotal
	}
}
