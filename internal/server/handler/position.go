package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/quantegy/tokensentry/internal/domain"
	"github.com/quantegy/tokensentry/internal/service"
)

// PositionService defines the manager methods the position handler requires.
type PositionService interface {
	OpenPosition(ctx context.Context, params service.OpenParams) (domain.Position, error)
	ApplyFullClose(ctx context.Context, id string, exitPrice float64, reason domain.ExitReason) error
	Resume(ctx context.Context, id string) error
	GetOpenPositions() []domain.Position
	GetPosition(id string) (domain.Position, bool)
	Halted(id string) bool
}

// StrategyGate authorizes opens against a strategy and supplies its default
// rule templates.
type StrategyGate interface {
	AuthorizeOpen(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (domain.Strategy, error)
}

// PositionHandler serves position lifecycle endpoints.
type PositionHandler struct {
	positions  PositionService
	strategies StrategyGate
	oracle     domain.PriceOracle
	logger     *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionService, strategies StrategyGate, oracle domain.PriceOracle, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions:  positions,
		strategies: strategies,
		oracle:     oracle,
		logger:     logHandler(logger, "position"),
	}
}

type positionView struct {
	domain.Position
	Halted bool `json:"halted"`
}

type listPositionsResponse struct {
	Positions []positionView `json:"positions"`
}

// ListPositions returns every open or partially closed position.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions := h.positions.GetOpenPositions()
	views := make([]positionView, 0, len(positions))
	for _, pos := range positions {
		views = append(views, positionView{Position: pos, Halted: h.positions.Halted(pos.ID)})
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: views})
}

// GetPosition returns one monitored position.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pos, ok := h.positions.GetPosition(id)
	if !ok {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	writeJSON(w, http.StatusOK, positionView{Position: pos, Halted: h.positions.Halted(id)})
}

// openPositionRequest is the create-position payload. ExitRules and ScaleIn
// fall back to the strategy's defaults when omitted.
type openPositionRequest struct {
	StrategyID  string              `json:"strategy_id"`
	TokenID     string              `json:"token_id"`
	AmountQuote float64             `json:"amount_quote"`
	ExitRules   *domain.ExitRules   `json:"exit_rules"`
	ScaleIn     *domain.ScaleInPlan `json:"scale_in"`
}

// OpenPosition buys the requested quote amount of a token and registers the
// fill as a monitored position.
// POST /api/positions
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	params := service.OpenParams{
		StrategyID:  req.StrategyID,
		TokenID:     req.TokenID,
		AmountQuote: req.AmountQuote,
		ScaleIn:     req.ScaleIn,
	}
	if req.ExitRules != nil {
		params.ExitRules = *req.ExitRules
	}

	if req.StrategyID != "" {
		if err := h.strategies.AuthorizeOpen(r.Context(), req.StrategyID); err != nil {
			h.logger.WarnContext(r.Context(), "handler: open rejected",
				slog.String("strategy_id", req.StrategyID),
				slog.String("error", err.Error()),
			)
			writeDomainError(w, err)
			return
		}
		strat, err := h.strategies.Get(r.Context(), req.StrategyID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if req.ExitRules == nil {
			params.ExitRules = strat.DefaultExitRules
		}
		if req.ScaleIn == nil {
			params.ScaleIn = strat.DefaultScaleIn
		}
		if req.AmountQuote <= 0 {
			params.AmountQuote = strat.PositionBudget()
		}
	}

	pos, err := h.positions.OpenPosition(r.Context(), params)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: open position failed",
			slog.String("token_id", req.TokenID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, positionView{Position: pos})
}

// ClosePosition sells the full remaining amount at the current market price.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pos, ok := h.positions.GetPosition(id)
	if !ok {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}

	price, err := h.oracle.GetPrice(r.Context(), pos.TokenID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: close price lookup failed",
			slog.String("position_id", id),
			slog.String("token_id", pos.TokenID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	if err := h.positions.ApplyFullClose(r.Context(), id, price, domain.ReasonManual); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: manual close failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"position_id": id,
		"exit_price":  price,
		"reason":      domain.ReasonManual,
	})
}

// ResumePosition clears a halted position's failure state so the monitor
// picks it up again.
// POST /api/positions/{id}/resume
func (h *PositionHandler) ResumePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.positions.Resume(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"position_id": id, "status": "resumed"})
}
