package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantegy/tokensentry/internal/domain"
)

// In-memory fakes for the manager's collaborators. They record enough for
// assertions and nothing more.

type fakePositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
	updates   int
	failNext  error
}

func newFakePositionStore() *fakePositionStore {
	return &fakePositionStore{positions: make(map[string]domain.Position)}
}

func (s *fakePositionStore) Create(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	if _, ok := s.positions[pos.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.positions[pos.ID] = pos
	return nil
}

func (s *fakePositionStore) Update(_ context.Context, pos domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[pos.ID]; !ok {
		return domain.ErrNotFound
	}
	s.positions[pos.ID] = pos
	s.updates++
	return nil
}

func (s *fakePositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (s *fakePositionStore) ListActive(_ context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, pos := range s.positions {
		if pos.Active() {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (s *fakePositionStore) ListClosedBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, pos := range s.positions {
		if pos.Status == domain.PositionStatusClosed && pos.ClosedAt != nil && pos.ClosedAt.Before(cutoff) {
			out = append(out, pos)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakePositionStore) DeleteBatch(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.positions, id)
	}
	return nil
}

type fakeStrategyStore struct {
	mu     sync.Mutex
	strats map[string]domain.Strategy
}

func newFakeStrategyStore() *fakeStrategyStore {
	return &fakeStrategyStore{strats: make(map[string]domain.Strategy)}
}

func (s *fakeStrategyStore) Create(_ context.Context, strat domain.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.strats[strat.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.strats[strat.ID] = strat
	return nil
}

func (s *fakeStrategyStore) Update(_ context.Context, strat domain.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.strats[strat.ID]; !ok {
		return domain.ErrNotFound
	}
	s.strats[strat.ID] = strat
	return nil
}

func (s *fakeStrategyStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.strats[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.strats, id)
	return nil
}

func (s *fakeStrategyStore) GetByID(_ context.Context, id string) (domain.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	strat, ok := s.strats[id]
	if !ok {
		return domain.Strategy{}, domain.ErrNotFound
	}
	return strat, nil
}

func (s *fakeStrategyStore) List(_ context.Context) ([]domain.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Strategy, 0, len(s.strats))
	for _, strat := range s.strats {
		out = append(out, strat)
	}
	return out, nil
}

type fakeEventStore struct {
	mu     sync.Mutex
	events []domain.ExitEvent
}

func (s *fakeEventStore) Append(_ context.Context, evt domain.ExitEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *fakeEventStore) ListByPosition(_ context.Context, positionID string) ([]domain.ExitEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ExitEvent
	for _, evt := range s.events {
		if evt.PositionID == positionID {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (s *fakeEventStore) ListBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.ExitEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ExitEvent
	for _, evt := range s.events {
		if evt.CreatedAt.Before(cutoff) {
			out = append(out, evt)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeEventStore) DeleteBatch(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := s.events[:0]
	for _, evt := range s.events {
		drop := false
		for _, id := range ids {
			if evt.ID == id {
				drop = true
				break
			}
		}
		if !drop {
			keep = append(keep, evt)
		}
	}
	s.events = keep
	return nil
}

// fakeExecutor fills at a fixed price. failSells/failBuys count down: while
// positive, the corresponding call fails.
type fakeExecutor struct {
	mu        sync.Mutex
	fillPrice float64
	failSells int
	failBuys  int
	buys      int
	sells     int
	lastSell  float64 // base amount of the most recent sell
	lastBuy   float64 // quote amount of the most recent buy
}

func (e *fakeExecutor) Buy(_ context.Context, _ string, amountQuote float64, _ domain.TradeOpts) (domain.TradeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buys++
	e.lastBuy = amountQuote
	if e.failBuys > 0 {
		e.failBuys--
		return domain.TradeResult{Success: false, Error: "no route"}, nil
	}
	return domain.TradeResult{
		Success:     true,
		AmountBase:  amountQuote / e.fillPrice,
		AmountQuote: amountQuote,
		AvgPrice:    e.fillPrice,
		TxRef:       fmt.Sprintf("buy-%d", e.buys),
	}, nil
}

func (e *fakeExecutor) Sell(_ context.Context, _ string, amountBase float64, _ domain.TradeOpts) (domain.TradeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sells++
	e.lastSell = amountBase
	if e.failSells > 0 {
		e.failSells--
		return domain.TradeResult{Success: false, Error: "slippage exceeded"}, nil
	}
	return domain.TradeResult{
		Success:     true,
		AmountBase:  amountBase,
		AmountQuote: amountBase * e.fillPrice,
		AvgPrice:    e.fillPrice,
		TxRef:       fmt.Sprintf("sell-%d", e.sells),
	}, nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *fakeAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *fakeAlerter) sent(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

// fakeOracle serves prices from a map; missing tokens are unavailable.
type fakeOracle struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (o *fakeOracle) GetPrice(_ context.Context, tokenID string) (float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	price, ok := o.prices[tokenID]
	if !ok {
		return 0, fmt.Errorf("fake oracle: %s: %w", tokenID, domain.ErrPriceUnavailable)
	}
	return price, nil
}

func (o *fakeOracle) set(tokenID string, price float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[tokenID] = price
}
