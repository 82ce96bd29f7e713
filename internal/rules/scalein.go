package rules

import "github.com/quantegy/tokensentry/internal/domain"

// NextScaleInPhase returns the scale-in phase that should fire at the given
// price, or nil. Only the phase at CurrentPhase is ever considered: phases
// are strictly ordered, so even if price gaps past several thresholds in one
// tick, later phases wait for their predecessors to execute on subsequent
// ticks.
//
// The drop is measured from the original entry price, not the VWAP basis, so
// the plan's own buys cannot shift its remaining triggers.
func NextScaleInPhase(pos *domain.Position, price float64) *domain.ScaleInPhase {
	plan := pos.ScaleIn
	if plan.Exhausted() || price <= 0 || !pos.Active() {
		return nil
	}

	phase := &plan.Phases[plan.CurrentPhase]
	if phase.Executed {
		// CurrentPhase should always point at an unexecuted phase; treat a
		// stale pointer as nothing-to-do rather than skipping ahead.
		return nil
	}

	if pos.DropFromEntryPercent(price) >= phase.TriggerDropPercent {
		return phase
	}
	return nil
}
