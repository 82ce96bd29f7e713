package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantegy/tokensentry/internal/domain"
)

func newTestPosition() *domain.Position {
	entry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Position{
		ID:              "pos-1",
		TokenID:         "TOKEN",
		EntryPrice:      100,
		AvgEntryPrice:   100,
		EntryTime:       entry,
		AmountTotal:     1000,
		AmountRemaining: 1000,
		QuoteSpent:      100_000,
		CurrentPrice:    100,
		HighestPrice:    100,
		Status:          domain.PositionStatusOpen,
		OpenedAt:        entry,
		ExitRules: domain.ExitRules{
			StopLossPercent:   5,
			TakeProfitPercent: 20,
			MaxHoldSeconds:    3600,
		},
	}
}

func TestEvaluateStopLoss(t *testing.T) {
	pos := newTestPosition()
	now := pos.EntryTime.Add(time.Minute)

	act, err := Evaluate(pos, 94, now)
	require.NoError(t, err)
	require.NotNil(t, act)
	assert.Equal(t, domain.ActionFullClose, act.Type)
	assert.Equal(t, domain.ReasonStopLoss, act.Reason)

	act, err = Evaluate(pos, 96, now)
	require.NoError(t, err)
	assert.Nil(t, act)
}

func TestEvaluateStopLossDominates(t *testing.T) {
	// Stop-loss, max-hold, and a reachable partial level all satisfied at
	// once: the fixed priority order must pick stop-loss.
	pos := newTestPosition()
	pos.ExitRules.PartialLevels = []domain.PartialProfitLevel{
		{ID: "lvl-neg", ThresholdPercent: -10, SellFraction: 0.5},
	}

	act, err := Evaluate(pos, 94, pos.EntryTime.Add(2*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, act)
	assert.Equal(t, domain.ReasonStopLoss, act.Reason)
}

func TestEvaluatePriorityOrder(t *testing.T) {
	// Max-hold expired AND take-profit reached: max-hold wins (priority 2 vs 3).
	pos := newTestPosition()
	now := pos.EntryTime.Add(2 * time.Hour)

	act, err := Evaluate(pos, 130, now)
	require.NoError(t, err)
	require.NotNil(t, act)
	assert.Equal(t, domain.ReasonMaxHold, act.Reason)
}

func TestEvaluateTakeProfit(t *testing.T) {
	pos := newTestPosition()
	now := pos.EntryTime.Add(time.Minute)

	act, err := Evaluate(pos, 120, now)
	require.NoError(t, err)
	require.NotNil(t, act)
	assert.Equal(t, domain.ReasonTakeProfit, act.Reason)
}

func TestEvaluateMaxHold(t *testing.T) {
	pos := newTestPosition()

	act, err := Evaluate(pos, 101, pos.EntryTime.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, act)
	assert.Equal(t, domain.ActionFullClose, act.Type)
	assert.Equal(t, domain.ReasonMaxHold, act.Reason)

	act, err = Evaluate(pos, 101, pos.EntryTime.Add(59*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, act)
}

func TestEvaluateTrailingStopRequiresArming(t *testing.T) {
	pos := newTestPosition()
	pos.ExitRules = domain.ExitRules{
		Trailing: domain.TrailingStopRule{
			Enabled:         true,
			TriggerPercent:  10,
			DistancePercent: 5,
		},
	}
	now := pos.EntryTime.Add(time.Minute)

	// Peak never crossed +10%: a deep retracement must not trigger.
	pos.HighestPrice = 108
	act, err := Evaluate(pos, 90, now)
	require.NoError(t, err)
	assert.Nil(t, act)

	// Peak crossed +10%: a 5% retracement off the peak triggers.
	pos.HighestPrice = 112
	act, err = Evaluate(pos, 106, now)
	require.NoError(t, err)
	require.NotNil(t, act)
	assert.Equal(t, domain.ReasonTrailingStop, act.Reason)

	// Armed but retracement below the distance: no trigger.
	act, err = Evaluate(pos, 110, now)
	require.NoError(t, err)
	assert.Nil(t, act)
}

func TestEvaluatePartialLevels(t *testing.T) {
	pos := newTestPosition()
	pos.ExitRules = domain.ExitRules{
		PartialLevels: []domain.PartialProfitLevel{
			{ID: "lvl-8", ThresholdPercent: 8, SellFraction: 0.25},
			{ID: "lvl-15", ThresholdPercent: 15, SellFraction: 0.25},
		},
	}
	now := pos.EntryTime.Add(time.Minute)

	// +9% profit: only the 8% level fires.
	act, err := Evaluate(pos, 109, now)
	require.NoError(t, err)
	require.NotNil(t, act)
	assert.Equal(t, domain.ActionPartialClose, act.Type)
	assert.Equal(t, "lvl-8", act.LevelID)
	assert.InDelta(t, 0.25, act.Fraction, 1e-9)

	// Same price after the level executed: nothing fires again.
	pos.ExitRules.PartialLevels[0].Executed = true
	act, err = Evaluate(pos, 109, now)
	require.NoError(t, err)
	assert.Nil(t, act)

	// +16%: the next level fires, still one per tick.
	act, err = Evaluate(pos, 116, now)
	require.NoError(t, err)
	require.NotNil(t, act)
	assert.Equal(t, "lvl-15", act.LevelID)
}

func TestEvaluatePartialPicksLowestThreshold(t *testing.T) {
	pos := newTestPosition()
	pos.ExitRules = domain.ExitRules{
		PartialLevels: []domain.PartialProfitLevel{
			{ID: "lvl-15", ThresholdPercent: 15, SellFraction: 0.25},
			{ID: "lvl-8", ThresholdPercent: 8, SellFraction: 0.25},
		},
	}

	// Price gaps past both thresholds in one tick: the lowest fires first
	// even though it is listed second.
	act, err := Evaluate(pos, 120, pos.EntryTime.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, act)
	assert.Equal(t, "lvl-8", act.LevelID)
}

func TestEvaluateUsesVWAPBasis(t *testing.T) {
	pos := newTestPosition()
	// A scale-in averaged the basis down to 80 while entry stays 100.
	pos.AvgEntryPrice = 80

	// Price 94 is -6% vs entry but +17.5% vs basis: no stop-loss.
	act, err := Evaluate(pos, 94, pos.EntryTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, act)

	// Stop-loss measures from the basis: -5% of 80 is 76.
	act, err = Evaluate(pos, 75, pos.EntryTime.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, act)
	assert.Equal(t, domain.ReasonStopLoss, act.Reason)
}

func TestEvaluateRejectsBadInput(t *testing.T) {
	pos := newTestPosition()
	now := pos.EntryTime.Add(time.Minute)

	_, err := Evaluate(pos, 0, now)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = Evaluate(pos, -3, now)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	pos.Status = domain.PositionStatusClosed
	_, err = Evaluate(pos, 100, now)
	assert.ErrorIs(t, err, domain.ErrPositionClosed)
}
