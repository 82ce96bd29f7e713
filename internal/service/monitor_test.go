package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantegy/tokensentry/internal/domain"
)

type monitorFixture struct {
	*managerFixture
	monitor *Monitor
	oracle  *fakeOracle
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()
	mf := newManagerFixture(t)
	oracle := &fakeOracle{prices: make(map[string]float64)}
	return &monitorFixture{
		managerFixture: mf,
		oracle:         oracle,
		monitor: NewMonitor(mf.manager, oracle, nil, MonitorConfig{
			Interval:      time.Second,
			MaxConcurrent: 4,
		}, testLogger()),
	}
}

func TestTickClosesOnStopLoss(t *testing.T) {
	f := newMonitorFixture(t)
	pos := f.open(t, baseParams())
	f.oracle.set("TOKEN", 94)
	f.executor.fillPrice = 94

	f.monitor.tick(context.Background())

	_, ok := f.manager.GetPosition(pos.ID)
	assert.False(t, ok)
	stored, err := f.store.GetByID(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, stored.Status)
	assert.Equal(t, string(domain.ReasonStopLoss), stored.ExitReason)
}

func TestTickScaleInBeforeExitRules(t *testing.T) {
	f := newMonitorFixture(t)
	params := baseParams()
	params.ScaleIn = &domain.ScaleInPlan{
		Enabled: true,
		Phases:  []domain.ScaleInPhase{{PhaseNumber: 1, TriggerDropPercent: 5, SizeFraction: 0.5}},
	}
	pos := f.open(t, params)

	// Price 94 satisfies both the 5% scale-in trigger and the 5% stop-loss.
	// Scale-in is considered first and wins the tick.
	f.oracle.set("TOKEN", 94)
	f.executor.fillPrice = 94

	f.monitor.tick(context.Background())

	assert.Equal(t, 1, f.executor.buys)
	assert.Equal(t, 0, f.executor.sells)
	current, ok := f.manager.GetPosition(pos.ID)
	require.True(t, ok)
	assert.True(t, current.Active())
	assert.Equal(t, 1, current.ScaleIn.CurrentPhase)

	// Next tick: plan exhausted, the stop-loss measured against the new
	// basis takes over if still breached.
	f.oracle.set("TOKEN", 80)
	f.executor.fillPrice = 80
	f.monitor.tick(context.Background())

	_, ok = f.manager.GetPosition(pos.ID)
	assert.False(t, ok)
}

func TestTickSkipsTokenWithoutPrice(t *testing.T) {
	f := newMonitorFixture(t)
	pos := f.open(t, baseParams())
	// Oracle has no price for TOKEN.

	f.monitor.tick(context.Background())

	assert.Equal(t, 0, f.executor.sells)
	current, ok := f.manager.GetPosition(pos.ID)
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusOpen, current.Status)
}

func TestTickIsolatesPositionFailures(t *testing.T) {
	f := newMonitorFixture(t)

	// First position's token has no price; the second still gets evaluated.
	paramsA := baseParams()
	paramsA.TokenID = "DARK"
	f.open(t, paramsA)
	posB := f.open(t, baseParams())

	f.oracle.set("TOKEN", 94)
	f.executor.fillPrice = 94
	f.monitor.tick(context.Background())

	_, ok := f.manager.GetPosition(posB.ID)
	assert.False(t, ok, "position with an available price must still close")
}

func TestTickOneActionPerPosition(t *testing.T) {
	f := newMonitorFixture(t)
	params := baseParams()
	params.ExitRules = domain.ExitRules{
		PartialLevels: []domain.PartialProfitLevel{
			{ID: "lvl-5", ThresholdPercent: 5, SellFraction: 0.25},
			{ID: "lvl-10", ThresholdPercent: 10, SellFraction: 0.25},
		},
	}
	pos := f.open(t, params)

	// Price gaps past both thresholds; one tick executes only the lowest.
	f.oracle.set("TOKEN", 112)
	f.executor.fillPrice = 112
	f.monitor.tick(context.Background())

	assert.Equal(t, 1, f.executor.sells)
	current, ok := f.manager.GetPosition(pos.ID)
	require.True(t, ok)
	assert.True(t, current.ExitRules.PartialLevels[0].Executed)
	assert.False(t, current.ExitRules.PartialLevels[1].Executed)

	// The second level follows on the next tick.
	f.monitor.tick(context.Background())
	assert.Equal(t, 2, f.executor.sells)
	current, _ = f.manager.GetPosition(pos.ID)
	assert.True(t, current.ExitRules.PartialLevels[1].Executed)
}

func TestTickRetriesFailedSellNextTick(t *testing.T) {
	f := newMonitorFixture(t)
	pos := f.open(t, baseParams())
	f.oracle.set("TOKEN", 94)
	f.executor.fillPrice = 94
	f.executor.failSells = 1

	// First tick: the sell fails, position stays open.
	f.monitor.tick(context.Background())
	current, ok := f.manager.GetPosition(pos.ID)
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusOpen, current.Status)
	assert.Equal(t, 1000.0, current.AmountRemaining)

	// Second tick: same condition re-fires and succeeds.
	f.monitor.tick(context.Background())
	_, ok = f.manager.GetPosition(pos.ID)
	assert.False(t, ok)
	assert.Equal(t, 2, f.executor.sells)
}

func TestTickHaltedPositionSitsOut(t *testing.T) {
	f := newMonitorFixture(t)
	pos := f.open(t, baseParams())
	f.oracle.set("TOKEN", 94)
	f.executor.fillPrice = 94
	f.executor.failSells = 3

	for i := 0; i < 3; i++ {
		f.monitor.tick(context.Background())
	}
	require.True(t, f.manager.Halted(pos.ID))

	// Further ticks never touch the executor for a halted position.
	sellsBefore := f.executor.sells
	f.monitor.tick(context.Background())
	assert.Equal(t, sellsBefore, f.executor.sells)

	// Resume puts it back into rotation.
	require.NoError(t, f.manager.Resume(context.Background(), pos.ID))
	f.monitor.tick(context.Background())
	_, ok := f.manager.GetPosition(pos.ID)
	assert.False(t, ok)
}

func TestTickSkipWhileTicking(t *testing.T) {
	f := newMonitorFixture(t)
	f.open(t, baseParams())
	f.oracle.set("TOKEN", 94)

	f.monitor.state.Store(monitorTicking)
	f.monitor.tick(context.Background())

	assert.Equal(t, 0, f.executor.sells)
	assert.Equal(t, int64(1), f.monitor.skipped.Load())
	assert.Equal(t, int64(0), f.monitor.ticks.Load())
}

func TestMonitorStatus(t *testing.T) {
	f := newMonitorFixture(t)
	f.open(t, baseParams())
	f.oracle.set("TOKEN", 100)

	f.monitor.tick(context.Background())

	status := f.monitor.Status()
	assert.Equal(t, "idle", status.State)
	assert.Equal(t, int64(1), status.Ticks)
	assert.Equal(t, 1, status.Positions)
}

// slowOracle delays every lookup, simulating an oracle slower than the tick
// interval.
type slowOracle struct {
	mu     sync.Mutex
	prices map[string]float64
	delay  time.Duration
}

func (o *slowOracle) GetPrice(ctx context.Context, tokenID string) (float64, error) {
	select {
	case <-time.After(o.delay):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	price, ok := o.prices[tokenID]
	if !ok {
		return 0, domain.ErrPriceUnavailable
	}
	return price, nil
}

func TestRunDropsTickAfterOverrun(t *testing.T) {
	f := newMonitorFixture(t)
	f.open(t, baseParams())

	// Each tick takes three intervals, so a fire is always queued in the
	// ticker's buffer by the time the tick finishes.
	oracle := &slowOracle{prices: map[string]float64{"TOKEN": 100}, delay: 60 * time.Millisecond}
	monitor := NewMonitor(f.manager, oracle, nil, MonitorConfig{
		Interval: 20 * time.Millisecond,
	}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	err := monitor.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Queued fires are dropped and counted, never run back to back.
	assert.Greater(t, monitor.skipped.Load(), int64(0))
	assert.Greater(t, monitor.ticks.Load(), int64(1))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newMonitorFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.monitor.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}
