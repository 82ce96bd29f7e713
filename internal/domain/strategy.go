package domain

import "time"

// Strategy is a named configuration template governing how positions are
// sized and exited. It is created and edited through the operator API; the
// monitoring engine only reads it to size new positions and enforce
// concurrency and budget caps.
type Strategy struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`

	MaxConcurrentPositions int     `json:"max_concurrent_positions"`
	MaxPositionSize        float64 `json:"max_position_size"` // quote currency per position
	TotalBudget            float64 `json:"total_budget"`      // quote currency across all positions

	DefaultExitRules ExitRules    `json:"default_exit_rules"`
	DefaultScaleIn   *ScaleInPlan `json:"default_scale_in,omitempty"`

	Trades    int       `json:"trades"`
	Wins      int       `json:"wins"`
	Losses    int       `json:"losses"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedAt time.Time `json:"created_at"`
}

// PositionBudget returns the quote budget available to a single position
// under this strategy: MaxPositionSize, capped by an even split of
// TotalBudget across the concurrency limit when that is tighter.
func (s *Strategy) PositionBudget() float64 {
	budget := s.MaxPositionSize
	if s.MaxConcurrentPositions > 0 && s.TotalBudget > 0 {
		share := s.TotalBudget / float64(s.MaxConcurrentPositions)
		if share < budget {
			budget = share
		}
	}
	return budget
}

// RecordOutcome folds a closed position's result into the running totals.
func (s *Strategy) RecordOutcome(realizedPnL float64) {
	s.Trades++
	if realizedPnL >= 0 {
		s.Wins++
	} else {
		s.Losses++
	}
}
