package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantegy/tokensentry/internal/domain"
	"github.com/quantegy/tokensentry/internal/service"
)

type fakeManager struct {
	positions map[string]domain.Position
	halted    map[string]bool
	opened    []service.OpenParams
	openErr   error
	closes    []string
	closeErr  error
	resumes   []string
	resumeErr error
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		positions: make(map[string]domain.Position),
		halted:    make(map[string]bool),
	}
}

func (f *fakeManager) OpenPosition(_ context.Context, params service.OpenParams) (domain.Position, error) {
	f.opened = append(f.opened, params)
	if f.openErr != nil {
		return domain.Position{}, f.openErr
	}
	return domain.Position{ID: "pos-new", TokenID: params.TokenID, Status: domain.PositionStatusOpen}, nil
}

func (f *fakeManager) ApplyFullClose(_ context.Context, id string, _ float64, _ domain.ExitReason) error {
	f.closes = append(f.closes, id)
	return f.closeErr
}

func (f *fakeManager) Resume(_ context.Context, id string) error {
	if f.resumeErr != nil {
		return f.resumeErr
	}
	f.resumes = append(f.resumes, id)
	return nil
}

func (f *fakeManager) GetOpenPositions() []domain.Position {
	out := make([]domain.Position, 0, len(f.positions))
	for _, pos := range f.positions {
		out = append(out, pos)
	}
	return out
}

func (f *fakeManager) GetPosition(id string) (domain.Position, bool) {
	pos, ok := f.positions[id]
	return pos, ok
}

func (f *fakeManager) Halted(id string) bool { return f.halted[id] }

type fakeGate struct {
	strat        domain.Strategy
	authorizeErr error
	getErr       error
}

func (f *fakeGate) AuthorizeOpen(context.Context, string) error { return f.authorizeErr }

func (f *fakeGate) Get(context.Context, string) (domain.Strategy, error) {
	if f.getErr != nil {
		return domain.Strategy{}, f.getErr
	}
	return f.strat, nil
}

type fakeOracle struct {
	price float64
	err   error
}

func (f *fakeOracle) GetPrice(context.Context, string) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.price, nil
}

type fakeStrategies struct {
	strats    map[string]domain.Strategy
	createErr error
	updateErr error
}

func newFakeStrategies() *fakeStrategies {
	return &fakeStrategies{strats: make(map[string]domain.Strategy)}
}

func (f *fakeStrategies) Create(_ context.Context, strat domain.Strategy) (domain.Strategy, error) {
	if f.createErr != nil {
		return domain.Strategy{}, f.createErr
	}
	strat.ID = "strat-new"
	f.strats[strat.ID] = strat
	return strat, nil
}

func (f *fakeStrategies) Update(_ context.Context, strat domain.Strategy) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	if _, ok := f.strats[strat.ID]; !ok {
		return domain.ErrNotFound
	}
	f.strats[strat.ID] = strat
	return nil
}

func (f *fakeStrategies) Delete(_ context.Context, id string) error {
	if _, ok := f.strats[id]; !ok {
		return domain.ErrNotFound
	}
	delete(f.strats, id)
	return nil
}

func (f *fakeStrategies) Get(_ context.Context, id string) (domain.Strategy, error) {
	strat, ok := f.strats[id]
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	return strat, nil
}

func (f *fakeStrategies) List(context.Context) ([]domain.Strategy, error) {
	out := make([]domain.Strategy, 0, len(f.strats))
	for _, strat := range f.strats {
		out = append(out, strat)
	}
	return out, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// positionMux wires a PositionHandler onto the route patterns the server
// registers, so PathValue resolution works in tests.
func positionMux(h *PositionHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/positions", h.ListPositions)
	mux.HandleFunc("POST /api/positions", h.OpenPosition)
	mux.HandleFunc("GET /api/positions/{id}", h.GetPosition)
	mux.HandleFunc("POST /api/positions/{id}/close", h.ClosePosition)
	mux.HandleFunc("POST /api/positions/{id}/resume", h.ResumePosition)
	return mux
}

func strategyMux(h *StrategyHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/strategies", h.ListStrategies)
	mux.HandleFunc("POST /api/strategies", h.CreateStrategy)
	mux.HandleFunc("GET /api/strategies/{id}", h.GetStrategy)
	mux.HandleFunc("PUT /api/strategies/{id}", h.UpdateStrategy)
	mux.HandleFunc("DELETE /api/strategies/{id}", h.DeleteStrategy)
	return mux
}

func TestListPositionsIncludesHaltedFlag(t *testing.T) {
	manager := newFakeManager()
	manager.positions["p1"] = domain.Position{ID: "p1", TokenID: "TOK", Status: domain.PositionStatusOpen}
	manager.halted["p1"] = true

	h := NewPositionHandler(manager, &fakeGate{}, &fakeOracle{price: 1}, discardLogger())
	rec := httptest.NewRecorder()
	positionMux(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp listPositionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Positions, 1)
	assert.Equal(t, "p1", resp.Positions[0].ID)
	assert.True(t, resp.Positions[0].Halted)
}

func TestGetPositionNotFound(t *testing.T) {
	h := NewPositionHandler(newFakeManager(), &fakeGate{}, &fakeOracle{}, discardLogger())
	rec := httptest.NewRecorder()
	positionMux(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/positions/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpenPositionUsesStrategyDefaults(t *testing.T) {
	manager := newFakeManager()
	gate := &fakeGate{strat: domain.Strategy{
		ID:                     "s1",
		Enabled:                true,
		MaxConcurrentPositions: 4,
		MaxPositionSize:        500,
		TotalBudget:            1000,
		DefaultExitRules:       domain.ExitRules{StopLossPercent: 7},
	}}
	h := NewPositionHandler(manager, gate, &fakeOracle{price: 1}, discardLogger())

	body := `{"strategy_id":"s1","token_id":"TOK"}`
	rec := httptest.NewRecorder()
	positionMux(h).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions", strings.NewReader(body)))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, manager.opened, 1)
	params := manager.opened[0]
	assert.Equal(t, 7.0, params.ExitRules.StopLossPercent)
	// Budget is min(MaxPositionSize, TotalBudget/MaxConcurrentPositions).
	assert.Equal(t, 250.0, params.AmountQuote)
}

func TestOpenPositionRejectedByStrategyGate(t *testing.T) {
	manager := newFakeManager()
	gate := &fakeGate{authorizeErr: fmt.Errorf("at cap: %w", domain.ErrInvalidInput)}
	h := NewPositionHandler(manager, gate, &fakeOracle{price: 1}, discardLogger())

	body := `{"strategy_id":"s1","token_id":"TOK","amount_quote":100}`
	rec := httptest.NewRecorder()
	positionMux(h).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions", strings.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, manager.opened)
}

func TestOpenPositionTradeFailure(t *testing.T) {
	manager := newFakeManager()
	manager.openErr = fmt.Errorf("no route: %w", domain.ErrTradeFailed)
	h := NewPositionHandler(manager, &fakeGate{}, &fakeOracle{price: 1}, discardLogger())

	body := `{"token_id":"TOK","amount_quote":100,"exit_rules":{"stop_loss_percent":5}}`
	rec := httptest.NewRecorder()
	positionMux(h).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions", strings.NewReader(body)))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestClosePositionUsesOraclePrice(t *testing.T) {
	manager := newFakeManager()
	manager.positions["p1"] = domain.Position{ID: "p1", TokenID: "TOK", Status: domain.PositionStatusOpen}
	h := NewPositionHandler(manager, &fakeGate{}, &fakeOracle{price: 1.25}, discardLogger())

	rec := httptest.NewRecorder()
	positionMux(h).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/p1/close", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"p1"}, manager.closes)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1.25, resp["exit_price"])
	assert.Equal(t, string(domain.ReasonManual), resp["reason"])
}

func TestClosePositionPriceUnavailable(t *testing.T) {
	manager := newFakeManager()
	manager.positions["p1"] = domain.Position{ID: "p1", TokenID: "TOK"}
	h := NewPositionHandler(manager, &fakeGate{}, &fakeOracle{err: domain.ErrPriceUnavailable}, discardLogger())

	rec := httptest.NewRecorder()
	positionMux(h).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/p1/close", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, manager.closes)
}

func TestResumePosition(t *testing.T) {
	manager := newFakeManager()
	h := NewPositionHandler(manager, &fakeGate{}, &fakeOracle{}, discardLogger())

	rec := httptest.NewRecorder()
	positionMux(h).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/p1/resume", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"p1"}, manager.resumes)

	manager.resumeErr = fmt.Errorf("position p2: %w", domain.ErrNotFound)
	rec = httptest.NewRecorder()
	positionMux(h).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/positions/p2/resume", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStrategyCRUD(t *testing.T) {
	strats := newFakeStrategies()
	h := NewStrategyHandler(strats, discardLogger())
	mux := strategyMux(h)

	body := `{"name":"momentum","enabled":true,"max_concurrent_positions":2,"max_position_size":100,"total_budget":500}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/strategies", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created domain.Strategy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "strat-new", created.ID)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/strategies/strat-new", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/strategies/strat-new", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/strategies/strat-new", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateStrategyTakesIDFromPath(t *testing.T) {
	strats := newFakeStrategies()
	strats.strats["s1"] = domain.Strategy{ID: "s1", Name: "old"}
	h := NewStrategyHandler(strats, discardLogger())

	body := `{"name":"renamed","max_concurrent_positions":1,"max_position_size":50,"total_budget":50}`
	rec := httptest.NewRecorder()
	strategyMux(h).ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/strategies/s1", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "renamed", strats.strats["s1"].Name)
}

type fakeMonitor struct {
	status service.MonitorStatus
}

func (f *fakeMonitor) Status() service.MonitorStatus { return f.status }

func TestStatusHandler(t *testing.T) {
	h := NewStatusHandler(&fakeMonitor{status: service.MonitorStatus{State: "idle", Ticks: 7}}, discardLogger())
	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var status service.MonitorStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, int64(7), status.Ticks)
}

func TestStatusHandlerWithoutMonitor(t *testing.T) {
	h := NewStatusHandler(nil, discardLogger())
	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "disabled")
}

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler("simulate", discardLogger())
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"mode":"simulate"`)
	assert.Contains(t, rec.Body.String(), `"uptime"`)
}
