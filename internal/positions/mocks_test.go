package positions

import (
	"context"
	"errors"
	"sync"
	"time"

	"tinvest-trade-bot/internal/analyzer"
	"tinvest-trade-bot/internal/broker"
	"tinvest-trade-bot/internal/events"

	"github.com/stretchr/testify/mock"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Append(e events.Event) events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.Seq = int64(len(r.events) + 1)
	r.events = append(r.events, e)
	return e
}

func (r *recorder) byKind(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) Instrument(ctx context.Context, symbol string) (broker.Instrument, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(broker.Instrument), args.Error(1)
}

func (m *mockBroker) Candles(ctx context.Context, symbol string, from, to time.Time, interval string) ([]broker.Candle, error) {
	args := m.Called(ctx, symbol, from, to, interval)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]broker.Candle), args.Error(1)
}

func (m *mockBroker) Positions(ctx context.Context) ([]broker.Position, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]broker.Position), args.Error(1)
}

func (m *mockBroker) AccountInfo(ctx context.Context) (broker.AccountInfo, error) {
	args := m.Called(ctx)
	return args.Get(0).(broker.AccountInfo), args.Error(1)
}

func (m *mockBroker) PlaceMarketOrder(ctx context.Context, symbol string, qtyLots int, side broker.Side) (broker.Order, error) {
	args := m.Called(ctx, symbol, qtyLots, side)
	return args.Get(0).(broker.Order), args.Error(1)
}

type stubAnalyzer map[string]analyzer.Analysis

func (s stubAnalyzer) Analyze(_ context.Context, symbol string) (analyzer.Analysis, error) {
	a, ok := s[symbol]
	if !ok {
		return analyzer.Analysis{}, errors.New("no data")
	}
	return a, nil
}
