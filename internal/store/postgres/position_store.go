package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantegy/tokensentry/internal/domain"
)

// PositionStore implements domain.PositionStore. Rule snapshots and scale-in
// plans are stored as JSONB next to the scalar columns.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, strategy_id, token_id, entry_price, avg_entry_price,
	entry_time, amount_total, amount_remaining, quote_spent,
	current_price, highest_price, status, exit_rules, scale_in,
	realized_pnl, exit_price, exit_reason, opened_at, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var strategyID *string
	var status string
	var rulesJSON []byte
	var scaleInJSON []byte

	err := row.Scan(
		&p.ID, &strategyID, &p.TokenID, &p.EntryPrice, &p.AvgEntryPrice,
		&p.EntryTime, &p.AmountTotal, &p.AmountRemaining, &p.QuoteSpent,
		&p.CurrentPrice, &p.HighestPrice, &status, &rulesJSON, &scaleInJSON,
		&p.RealizedPnL, &p.ExitPrice, &p.ExitReason, &p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}

	if strategyID != nil {
		p.StrategyID = *strategyID
	}
	p.Status = domain.PositionStatus(status)
	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &p.ExitRules); err != nil {
			return domain.Position{}, fmt.Errorf("decode exit rules: %w", err)
		}
	}
	if len(scaleInJSON) > 0 {
		var plan domain.ScaleInPlan
		if err := json.Unmarshal(scaleInJSON, &plan); err != nil {
			return domain.Position{}, fmt.Errorf("decode scale-in plan: %w", err)
		}
		p.ScaleIn = &plan
	}
	return p, nil
}

func positionArgs(p domain.Position) ([]any, error) {
	rulesJSON, err := json.Marshal(p.ExitRules)
	if err != nil {
		return nil, fmt.Errorf("encode exit rules: %w", err)
	}
	var scaleInJSON []byte
	if p.ScaleIn != nil {
		scaleInJSON, err = json.Marshal(p.ScaleIn)
		if err != nil {
			return nil, fmt.Errorf("encode scale-in plan: %w", err)
		}
	}
	var strategyID *string
	if p.StrategyID != "" {
		strategyID = &p.StrategyID
	}
	return []any{
		p.ID, strategyID, p.TokenID, p.EntryPrice, p.AvgEntryPrice,
		p.EntryTime, p.AmountTotal, p.AmountRemaining, p.QuoteSpent,
		p.CurrentPrice, p.HighestPrice, string(p.Status), rulesJSON, scaleInJSON,
		p.RealizedPnL, p.ExitPrice, p.ExitReason, p.OpenedAt, p.ClosedAt,
	}, nil
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, strategy_id, token_id, entry_price, avg_entry_price,
			entry_time, amount_total, amount_remaining, quote_spent,
			current_price, highest_price, status, exit_rules, scale_in,
			realized_pnl, exit_price, exit_reason, opened_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, NOW()
		)`

	args, err := positionArgs(p)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			strategy_id      = $2,
			token_id         = $3,
			entry_price      = $4,
			avg_entry_price  = $5,
			entry_time       = $6,
			amount_total     = $7,
			amount_remaining = $8,
			quote_spent      = $9,
			current_price    = $10,
			highest_price    = $11,
			status           = $12,
			exit_rules       = $13,
			scale_in         = $14,
			realized_pnl     = $15,
			exit_price       = $16,
			exit_reason      = $17,
			opened_at        = $18,
			closed_at        = $19,
			updated_at       = NOW()
		WHERE id = $1`

	args, err := positionArgs(p)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves one position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListActive returns all open and partially closed positions.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status IN ('open', 'partially_closed')
		 ORDER BY opened_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan active position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	return positions, nil
}

// ListClosedBefore returns closed positions whose closed_at is older than
// cutoff, oldest first. Used by the archiver.
func (s *PositionStore) ListClosedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'closed' AND closed_at < $1
		 ORDER BY closed_at ASC
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan closed position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	return positions, nil
}

// DeleteBatch removes positions by id.
func (s *PositionStore) DeleteBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("postgres: delete positions: %w", err)
	}
	return nil
}
