package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quantegy/tokensentry/internal/domain"
)

// StrategyService manages strategy definitions and enforces their caps when
// new positions are opened.
type StrategyService struct {
	strats  domain.StrategyStore
	manager *PositionManager
	logger  *slog.Logger
}

// NewStrategyService creates a StrategyService.
func NewStrategyService(strats domain.StrategyStore, manager *PositionManager, logger *slog.Logger) *StrategyService {
	return &StrategyService{
		strats:  strats,
		manager: manager,
		logger:  logger.With(slog.String("component", "strategy_service")),
	}
}

// Create validates and persists a new strategy.
func (s *StrategyService) Create(ctx context.Context, strat domain.Strategy) (domain.Strategy, error) {
	if err := validateStrategy(strat); err != nil {
		return domain.Strategy{}, err
	}

	now := time.Now().UTC()
	strat.ID = uuid.New().String()
	strat.CreatedAt = now
	strat.UpdatedAt = now

	if err := s.strats.Create(ctx, strat); err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy_service: create %s: %w", strat.Name, err)
	}

	s.logger.InfoContext(ctx, "strategy_service: strategy created",
		slog.String("strategy_id", strat.ID),
		slog.String("name", strat.Name),
	)
	return strat, nil
}

// Update validates and persists changes to an existing strategy.
func (s *StrategyService) Update(ctx context.Context, strat domain.Strategy) error {
	if strat.ID == "" {
		return fmt.Errorf("strategy_service: empty strategy id: %w", domain.ErrInvalidInput)
	}
	if err := validateStrategy(strat); err != nil {
		return err
	}

	strat.UpdatedAt = time.Now().UTC()
	if err := s.strats.Update(ctx, strat); err != nil {
		return fmt.Errorf("strategy_service: update %s: %w", strat.ID, err)
	}
	return nil
}

// Delete removes a strategy. Positions already open under it keep running
// with their captured rule snapshots.
func (s *StrategyService) Delete(ctx context.Context, id string) error {
	if err := s.strats.Delete(ctx, id); err != nil {
		return fmt.Errorf("strategy_service: delete %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "strategy_service: strategy deleted",
		slog.String("strategy_id", id),
	)
	return nil
}

// Get returns one strategy by id.
func (s *StrategyService) Get(ctx context.Context, id string) (domain.Strategy, error) {
	strat, err := s.strats.GetByID(ctx, id)
	if err != nil {
		return domain.Strategy{}, fmt.Errorf("strategy_service: get %s: %w", id, err)
	}
	return strat, nil
}

// List returns all strategies.
func (s *StrategyService) List(ctx context.Context) ([]domain.Strategy, error) {
	strats, err := s.strats.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("strategy_service: list: %w", err)
	}
	return strats, nil
}

// AuthorizeOpen checks whether the strategy allows one more position: it must
// be enabled and below its concurrent-position cap.
func (s *StrategyService) AuthorizeOpen(ctx context.Context, id string) error {
	strat, err := s.strats.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("strategy_service: authorize open %s: %w", id, err)
	}
	if !strat.Enabled {
		return fmt.Errorf("strategy_service: strategy %s disabled: %w", id, domain.ErrInvalidInput)
	}

	var open int
	for _, pos := range s.manager.GetOpenPositions() {
		if pos.StrategyID == id {
			open++
		}
	}
	if open >= strat.MaxConcurrentPositions {
		return fmt.Errorf("strategy_service: strategy %s at position cap %d: %w", id, strat.MaxConcurrentPositions, domain.ErrInvalidInput)
	}
	return nil
}

func validateStrategy(strat domain.Strategy) error {
	if strat.Name == "" {
		return fmt.Errorf("strategy_service: empty strategy name: %w", domain.ErrInvalidInput)
	}
	if strat.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("strategy_service: max concurrent positions %d: %w", strat.MaxConcurrentPositions, domain.ErrInvalidInput)
	}
	if strat.MaxPositionSize <= 0 {
		return fmt.Errorf("strategy_service: max position size %v: %w", strat.MaxPositionSize, domain.ErrInvalidInput)
	}
	if strat.TotalBudget <= 0 {
		return fmt.Errorf("strategy_service: total budget %v: %w", strat.TotalBudget, domain.ErrInvalidInput)
	}
	return nil
}
