package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListActive(ctx context.Context) ([]Position, error)
	ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Position, error)
	DeleteBatch(ctx context.Context, ids []string) error
}

// StrategyStore persists strategies.
type StrategyStore interface {
	Create(ctx context.Context, s Strategy) error
	Update(ctx context.Context, s Strategy) error
	Delete(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (Strategy, error)
	List(ctx context.Context) ([]Strategy, error)
}

// ExitEvent is one executed (or terminally failed) action, journaled for
// audit and PnL history.
type ExitEvent struct {
	ID         string     `json:"id"`
	PositionID string     `json:"position_id"`
	TokenID    string     `json:"token_id"`
	Type       ActionType `json:"type"`
	Reason     ExitReason `json:"reason,omitempty"`
	Price      float64    `json:"price"`
	AmountBase float64    `json:"amount_base"`
	TxRef      string     `json:"tx_ref,omitempty"`
	Success    bool       `json:"success"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ExitEventStore persists the append-only exit event journal.
type ExitEventStore interface {
	Append(ctx context.Context, evt ExitEvent) error
	ListByPosition(ctx context.Context, positionID string) ([]ExitEvent, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]ExitEvent, error)
	DeleteBatch(ctx context.Context, ids []string) error
}
