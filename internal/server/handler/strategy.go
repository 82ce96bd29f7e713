package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/quantegy/tokensentry/internal/domain"
)

// StrategyService defines the methods the strategy handler requires.
type StrategyService interface {
	Create(ctx context.Context, strat domain.Strategy) (domain.Strategy, error)
	Update(ctx context.Context, strat domain.Strategy) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (domain.Strategy, error)
	List(ctx context.Context) ([]domain.Strategy, error)
}

// StrategyHandler serves strategy CRUD endpoints.
type StrategyHandler struct {
	strategies StrategyService
	logger     *slog.Logger
}

// NewStrategyHandler creates a StrategyHandler.
func NewStrategyHandler(strategies StrategyService, logger *slog.Logger) *StrategyHandler {
	return &StrategyHandler{
		strategies: strategies,
		logger:     logHandler(logger, "strategy"),
	}
}

type listStrategiesResponse struct {
	Strategies []domain.Strategy `json:"strategies"`
}

// ListStrategies returns all strategies.
// GET /api/strategies
func (h *StrategyHandler) ListStrategies(w http.ResponseWriter, r *http.Request) {
	strats, err := h.strategies.List(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list strategies failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	if strats == nil {
		strats = []domain.Strategy{}
	}
	writeJSON(w, http.StatusOK, listStrategiesResponse{Strategies: strats})
}

// GetStrategy returns one strategy by id.
// GET /api/strategies/{id}
func (h *StrategyHandler) GetStrategy(w http.ResponseWriter, r *http.Request) {
	strat, err := h.strategies.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, strat)
}

// CreateStrategy validates and persists a new strategy.
// POST /api/strategies
func (h *StrategyHandler) CreateStrategy(w http.ResponseWriter, r *http.Request) {
	var strat domain.Strategy
	if err := json.NewDecoder(r.Body).Decode(&strat); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.strategies.Create(r.Context(), strat)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: create strategy failed",
			slog.String("name", strat.Name),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// UpdateStrategy replaces an existing strategy's configuration.
// PUT /api/strategies/{id}
func (h *StrategyHandler) UpdateStrategy(w http.ResponseWriter, r *http.Request) {
	var strat domain.Strategy
	if err := json.NewDecoder(r.Body).Decode(&strat); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	strat.ID = r.PathValue("id")

	if err := h.strategies.Update(r.Context(), strat); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: update strategy failed",
			slog.String("strategy_id", strat.ID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, strat)
}

// DeleteStrategy removes a strategy. Open positions keep their captured rule
// snapshots.
// DELETE /api/strategies/{id}
func (h *StrategyHandler) DeleteStrategy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.strategies.Delete(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"strategy_id": id, "status": "deleted"})
}
