package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantegy/tokensentry/internal/domain"
)

// StrategyStore implements domain.StrategyStore.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a StrategyStore backed by the given pool.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

const strategySelectCols = `id, name, enabled, max_concurrent_positions,
	max_position_size, total_budget, default_exit_rules, default_scale_in,
	trades, wins, losses, updated_at, created_at`

func scanStrategy(row pgx.Row) (domain.Strategy, error) {
	var s domain.Strategy
	var rulesJSON []byte
	var scaleInJSON []byte

	err := row.Scan(
		&s.ID, &s.Name, &s.Enabled, &s.MaxConcurrentPositions,
		&s.MaxPositionSize, &s.TotalBudget, &rulesJSON, &scaleInJSON,
		&s.Trades, &s.Wins, &s.Losses, &s.UpdatedAt, &s.CreatedAt,
	)
	if err != nil {
		return domain.Strategy{}, err
	}

	if len(rulesJSON) > 0 {
		if err := json.Unmarshal(rulesJSON, &s.DefaultExitRules); err != nil {
			return domain.Strategy{}, fmt.Errorf("decode default exit rules: %w", err)
		}
	}
	if len(scaleInJSON) > 0 {
		var plan domain.ScaleInPlan
		if err := json.Unmarshal(scaleInJSON, &plan); err != nil {
			return domain.Strategy{}, fmt.Errorf("decode default scale-in: %w", err)
		}
		s.DefaultScaleIn = &plan
	}
	return s, nil
}

func strategyArgs(s domain.Strategy) ([]any, error) {
	rulesJSON, err := json.Marshal(s.DefaultExitRules)
	if err != nil {
		return nil, fmt.Errorf("encode default exit rules: %w", err)
	}
	var scaleInJSON []byte
	if s.DefaultScaleIn != nil {
		scaleInJSON, err = json.Marshal(s.DefaultScaleIn)
		if err != nil {
			return nil, fmt.Errorf("encode default scale-in: %w", err)
		}
	}
	return []any{
		s.ID, s.Name, s.Enabled, s.MaxConcurrentPositions,
		s.MaxPositionSize, s.TotalBudget, rulesJSON, scaleInJSON,
		s.Trades, s.Wins, s.Losses, s.UpdatedAt, s.CreatedAt,
	}, nil
}

// Create inserts a new strategy.
func (s *StrategyStore) Create(ctx context.Context, strat domain.Strategy) error {
	const query = `
		INSERT INTO strategies (
			id, name, enabled, max_concurrent_positions,
			max_position_size, total_budget, default_exit_rules, default_scale_in,
			trades, wins, losses, updated_at, created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12, $13
		)`

	args, err := strategyArgs(strat)
	if err != nil {
		return fmt.Errorf("postgres: create strategy %s: %w", strat.ID, err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: create strategy %s: %w", strat.ID, err)
	}
	return nil
}

// Update replaces all mutable fields of a strategy.
func (s *StrategyStore) Update(ctx context.Context, strat domain.Strategy) error {
	const query = `
		UPDATE strategies SET
			name                     = $2,
			enabled                  = $3,
			max_concurrent_positions = $4,
			max_position_size        = $5,
			total_budget             = $6,
			default_exit_rules       = $7,
			default_scale_in         = $8,
			trades                   = $9,
			wins                     = $10,
			losses                   = $11,
			updated_at               = NOW()
		WHERE id = $1`

	args, err := strategyArgs(strat)
	if err != nil {
		return fmt.Errorf("postgres: update strategy %s: %w", strat.ID, err)
	}
	// updated_at and created_at are managed by the database on update.
	tag, err := s.pool.Exec(ctx, query, args[:11]...)
	if err != nil {
		return fmt.Errorf("postgres: update strategy %s: %w", strat.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes a strategy.
func (s *StrategyStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM strategies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete strategy %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID retrieves one strategy.
func (s *StrategyStore) GetByID(ctx context.Context, id string) (domain.Strategy, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+strategySelectCols+` FROM strategies WHERE id = $1`, id)

	strat, err := scanStrategy(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Strategy{}, domain.ErrNotFound
		}
		return domain.Strategy{}, fmt.Errorf("postgres: get strategy %s: %w", id, err)
	}
	return strat, nil
}

// List returns all strategies ordered by creation time.
func (s *StrategyStore) List(ctx context.Context) ([]domain.Strategy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+strategySelectCols+` FROM strategies ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategies: %w", err)
	}
	defer rows.Close()

	var strategies []domain.Strategy
	for rows.Next() {
		strat, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan strategy: %w", err)
		}
		strategies = append(strategies, strat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list strategies: %w", err)
	}
	return strategies, nil
}
