package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tinvest-trade-bot/internal/admission"
	"tinvest-trade-bot/internal/broker"
	"tinvest-trade-bot/internal/events"
	"tinvest-trade-bot/internal/performance"
	"tinvest-trade-bot/internal/positions"
	"tinvest-trade-bot/internal/risk"
	"tinvest-trade-bot/internal/symbols"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockBroker struct {
	mock.Mock
}

func (m *mockBroker) Instrument(ctx context.Context, symbol string) (broker.Instrument, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(broker.Instrument), args.Error(1)
}

func (m *mockBroker) Candles(ctx context.Context, symbol string, from, to time.Time, interval string) ([]broker.Candle, error) {
	args := m.Called(ctx, symbol, from, to, interval)
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

var (
	yesterday = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	today     = time.Date(2026, 3, 3, 7, 0, 0, 0, time.UTC)
	now       = time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
)

const ydexFIGI = "BBG006L8G4H1"

type fixture struct {
	boot      *Bootstrap
	log       *events.Log
	broker    *mockBroker
	registry  *positions.Registry
	risk      *risk.Tracker
	ctrl      *admission.Controller
	cooldowns *risk.Cooldowns
	tracker   *performance.Tracker
}

func at(e events.Event, ts time.Time) events.Event {
	e.TS = ts
	return e
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	log := events.New(filepath.Join(dir, "audit.jsonl"))
	t.Cleanup(func() { _ = log.Close() })

	log.Append(at(events.Trade("GAZP", events.ActionBuy, 1, 10, 150).WithAccount(100000, 100000), yesterday))
	log.Append(at(events.Trade("GAZP", events.ActionSell, 1, 10, 140).WithAccount(99900, 99900), yesterday.Add(time.Hour)))
	log.Append(at(events.Event{Kind: events.KindCycle}.WithAccount(100000, 100000), today))
	log.Append(at(events.Trade("SBER", events.ActionBuy, 2, 10, 250).WithAccount(100000, 95000), today.Add(time.Hour)))
	log.Append(at(events.Trade("YNDX", events.ActionBuy, 1, 1, 4000).WithAccount(100000, 91000), today.Add(90*time.Minute)))
	log.Append(at(events.Skip("LKOH", "cooldown"), today.Add(100*time.Minute)))
	log.Append(at(events.Event{Kind: events.KindCycle}.WithAccount(96000, 91000), today.Add(2*time.Hour)))

	b := new(mockBroker)
	b.On("Positions", mock.Anything).Return([]broker.Position{
		{Symbol: "SBER", QtyLots: 2, Lot: 10, CurrentPrice: 255},
		{Symbol: ydexFIGI, QtyLots: 1, Lot: 1, AvgPrice: 4100, CurrentPrice: 4050},
	}, nil)
	b.On("Instrument", mock.Anything, ydexFIGI).Return(broker.Instrument{Ticker: "YDEX", FIGI: ydexFIGI, Lot: 1}, nil).Once()

	resolver := symbols.NewResolver()
	registry := positions.NewRegistry(positions.LevelsConfig{StopLossPct: 0.02, TakeProfitPct: 0.04}, log, zap.NewNop())
	rt := risk.NewTracker(risk.Config{
		Calendar:          risk.Calendar{Location: time.UTC},
		DailyLossLimitPct: 0.03,
		StatePath:         filepath.Join(dir, "risk.json"),
	}, log, zap.NewNop())
	cooldowns := risk.NewCooldowns(3 * time.Hour)
	tracker := performance.NewTracker(performance.TrackerConfig{})
	ctrl := admission.NewController(admission.Config{MaxTradesPerDay: 5}, admission.Deps{
		Broker:    b,
		Registry:  registry,
		Risk:      rt,
		Cooldowns: cooldowns,
		Log:       log,
	}, admission.Services{}, zap.NewNop())

	boot := New(Deps{
		Broker:    b,
		Log:       log,
		Resolver:  resolver,
		Registry:  registry,
		Risk:      rt,
		Admission: ctrl,
		Cooldowns: cooldowns,
		Tracker:   tracker,
	}, 0, zap.NewNop())
	boot.now = func() time.Time { return now }

	return &fixture{boot: boot, log: log, broker: b, registry: registry, risk: rt, ctrl: ctrl, cooldowns: cooldowns, tracker: tracker}
}

func TestRun(t *testing.T) {
	t.Run("RestoresFromBrokerAndLog", func(t *testing.T) {
		// Arrange
		f := newFixture(t)
		require.NoError(t, f.registry.Open(positions.TrackedPosition{Symbol: "LKOH", EntryPrice: 7000, QtyLots: 1, Lot: 1}))

		// Act
		rep, err := f.boot.Run(context.Background())

		// Assert
		require.NoError(t, err)
		require.Len(t, rep.Restored, 2)
		assert.Equal(t, []string{"LKOH"}, rep.Dropped)

		sber, ok := f.registry.Get("SBER")
		require.True(t, ok)
		assert.Equal(t, 250.0, sber.EntryPrice)
		assert.Equal(t, positions.RestoredFromLedger, sber.RestoredFrom)
		assert.InDelta(t, 245, sber.StopLoss, 1e-9)

		ydex, ok := f.registry.Get("YDEX")
		require.True(t, ok)
		assert.Equal(t, 4100.0, ydex.EntryPrice)
		assert.Equal(t, positions.RestoredFromBroker, ydex.RestoredFrom)

		assert.Equal(t, 2, rep.TradesToday)
		assert.True(t, rep.Risk.EntriesBlocked)
		assert.Equal(t, risk.RuleDailyLossLimit, rep.Risk.BlockReason)
		assert.Equal(t, 100000.0, f.risk.State().DayStartEquity)

		_, cooling := f.cooldowns.Until("YDEX", now)
		assert.False(t, cooling, "cooldown from 08:30 expired before noon")
		_, cooling = f.cooldowns.Until("YDEX", today.Add(4*time.Hour))
		assert.True(t, cooling)

		assert.Equal(t, -100.0, f.tracker.Stats("GAZP").TotalPnL)
	})

	t.Run("Idempotent", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.boot.Run(context.Background())
		require.NoError(t, err)
		registry := f.registry.Snapshot()
		state := f.risk.State()
		trades := f.ctrl.TradesToday()

		rep, err := f.boot.Run(context.Background())

		require.NoError(t, err)
		assert.Empty(t, rep.Restored)
		assert.Empty(t, rep.Dropped)
		assert.Equal(t, registry, f.registry.Snapshot())
		assert.Equal(t, state, f.risk.State())
		assert.Equal(t, trades, f.ctrl.TradesToday())
		f.broker.AssertNumberOfCalls(t, "Instrument", 1)
	})

	t.Run("BrokerQuantityWins", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.registry.Open(positions.TrackedPosition{Symbol: "SBER", EntryPrice: 250, QtyLots: 5, Lot: 10}))

		_, err := f.boot.Run(context.Background())

		require.NoError(t, err)
		sber, _ := f.registry.Get("SBER")
		assert.Equal(t, 2, sber.QtyLots)
		assert.Equal(t, 250.0, sber.EntryPrice)
	})
}
