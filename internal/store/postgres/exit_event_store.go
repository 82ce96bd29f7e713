package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantegy/tokensentry/internal/domain"
)

// ExitEventStore implements domain.ExitEventStore over the append-only
// exit_events table.
type ExitEventStore struct {
	pool *pgxpool.Pool
}

// NewExitEventStore creates an ExitEventStore backed by the given pool.
func NewExitEventStore(pool *pgxpool.Pool) *ExitEventStore {
	return &ExitEventStore{pool: pool}
}

const exitEventSelectCols = `id, position_id, token_id, action_type, reason,
	price, amount_base, tx_ref, success, error, created_at`

func scanExitEvents(rows pgx.Rows) ([]domain.ExitEvent, error) {
	var events []domain.ExitEvent
	for rows.Next() {
		var evt domain.ExitEvent
		var actionType, reason string
		if err := rows.Scan(
			&evt.ID, &evt.PositionID, &evt.TokenID, &actionType, &reason,
			&evt.Price, &evt.AmountBase, &evt.TxRef, &evt.Success, &evt.Error, &evt.CreatedAt,
		); err != nil {
			return nil, err
		}
		evt.Type = domain.ActionType(actionType)
		evt.Reason = domain.ExitReason(reason)
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Append inserts one journal row.
func (s *ExitEventStore) Append(ctx context.Context, evt domain.ExitEvent) error {
	const query = `
		INSERT INTO exit_events (
			id, position_id, token_id, action_type, reason,
			price, amount_base, tx_ref, success, error, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11
		)`

	_, err := s.pool.Exec(ctx, query,
		evt.ID, evt.PositionID, evt.TokenID, string(evt.Type), string(evt.Reason),
		evt.Price, evt.AmountBase, evt.TxRef, evt.Success, evt.Error, evt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append exit event %s: %w", evt.ID, err)
	}
	return nil
}

// ListByPosition returns a position's journal in chronological order.
func (s *ExitEventStore) ListByPosition(ctx context.Context, positionID string) ([]domain.ExitEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+exitEventSelectCols+` FROM exit_events
		 WHERE position_id = $1
		 ORDER BY created_at ASC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list exit events for %s: %w", positionID, err)
	}
	defer rows.Close()

	events, err := scanExitEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan exit events: %w", err)
	}
	return events, nil
}

// ListBefore returns events older than cutoff, oldest first. Used by the
// archiver.
func (s *ExitEventStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.ExitEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+exitEventSelectCols+` FROM exit_events
		 WHERE created_at < $1
		 ORDER BY created_at ASC
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list exit events before %s: %w", cutoff, err)
	}
	defer rows.Close()

	events, err := scanExitEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan exit events: %w", err)
	}
	return events, nil
}

// DeleteBatch removes events by id.
func (s *ExitEventStore) DeleteBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM exit_events WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("postgres: delete exit events: %w", err)
	}
	return nil
}
