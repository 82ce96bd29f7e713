package domain

// ActionType classifies the single action a tick may apply to a position.
type ActionType string

const (
	ActionFullClose    ActionType = "full_close"
	ActionPartialClose ActionType = "partial_close"
	ActionScaleIn      ActionType = "scale_in"
)

// ExitReason records which rule produced a close.
type ExitReason string

const (
	ReasonStopLoss      ExitReason = "stop_loss"
	ReasonMaxHold       ExitReason = "max_hold"
	ReasonTakeProfit    ExitReason = "take_profit"
	ReasonTrailingStop  ExitReason = "trailing_stop"
	ReasonPartialProfit ExitReason = "partial_profit"
	ReasonManual        ExitReason = "manual"
)

// Action is the output of the exit rule evaluator: at most one per position
// per tick.
type Action struct {
	Type   ActionType
	Reason ExitReason

	// PARTIAL_CLOSE only.
	Fraction float64
	LevelID  string

	// Price the evaluator saw when it triggered.
	Price float64
}
