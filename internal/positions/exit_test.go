package positions

import (
	"context"
	"testing"
	"time"

	"tinvest-trade-bot/internal/analyzer"
	"tinvest-trade-bot/internal/broker"
	"tinvest-trade-bot/internal/events"
	"tinvest-trade-bot/internal/performance"
	"tinvest-trade-bot/internal/risk"
	"tinvest-trade-bot/internal/symbols"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)

type exitFixture struct {
	broker    *mockBroker
	rec       *recorder
	registry  *Registry
	cooldowns *risk.Cooldowns
	tracker   *performance.Tracker
	exiter    *Exiter
}

func newExitFixture(t *testing.T, qtyLots int) *exitFixture {
	t.Helper()
	f := &exitFixture{
		broker:    new(mockBroker),
		rec:       &recorder{},
		cooldowns: risk.NewCooldowns(10 * time.Minute),
		tracker:   performance.NewTracker(performance.TrackerConfig{}),
	}
	f.registry = newRegistry(f.rec)
	f.exiter = NewExiter(f.broker, f.registry, f.rec, f.cooldowns, f.tracker, nil, zap.NewNop())
	f.exiter.now = func() time.Time { return testNow }
	require.NoError(t, f.registry.Open(TrackedPosition{
		Symbol: "SBER", EntryPrice: 100, QtyLots: qtyLots, Lot: 10, StopLoss: 97, TakeProfit: 106,
	}))
	return f
}

func (f *exitFixture) request(qty int) ExitRequest {
	p, _ := f.registry.Get("SBER")
	return ExitRequest{Position: p, Price: 96, QtyLots: qty, Reason: ReasonStopLoss, CycleID: "c1"}
}

func sold(qty int, price float64) broker.Order {
	return broker.Order{ID: "o1", Symbol: "SBER", Side: broker.SideSell, LotsRequested: qty, LotsExecuted: qty, Lot: 10, Price: price}
}

var errQty = broker.NewOrderError("", "Not enough assets for a sale")

func TestExiter(t *testing.T) {
	ctx := context.Background()

	t.Run("FullExit", func(t *testing.T) {
		// Arrange
		f := newExitFixture(t, 2)
		f.broker.On("PlaceMarketOrder", ctx, "SBER", 2, broker.SideSell).Return(sold(2, 96), nil).Once()

		// Act
		_, err := f.exiter.Exit(ctx, f.request(2))

		// Assert
		require.NoError(t, err)
		trades := f.rec.byKind(events.KindTrade)
		require.Len(t, trades, 1)
		assert.Equal(t, events.ActionSell, trades[0].Action)
		assert.Equal(t, ReasonStopLoss, trades[0].Reason)
		assert.Equal(t, -80.0, trades[0].Details["pnl"])
		assert.Equal(t, 100.0, trades[0].Details["entry_price"])
		assert.Equal(t, 97.0, trades[0].Details["stop_level"])
		assert.Equal(t, "c1", trades[0].Details["cycle_id"])
		assert.Zero(t, f.registry.Len())
		_, cooling := f.cooldowns.Until("SBER", testNow)
		assert.True(t, cooling)
		assert.Equal(t, 1, f.tracker.Stats("SBER").RecentTrades)
		f.broker.AssertExpectations(t)
	})

	t.Run("RetriesWithBrokerQuantity", func(t *testing.T) {
		f := newExitFixture(t, 5)
		f.broker.On("PlaceMarketOrder", ctx, "SBER", 5, broker.SideSell).Return(broker.Order{}, errQty).Once()
		f.broker.On("Positions", ctx).Return([]broker.Position{{Symbol: "SBER", QtyLots: 3, Lot: 10}}, nil).Once()
		f.broker.On("PlaceMarketOrder", ctx, "SBER", 3, broker.SideSell).Return(sold(3, 96), nil).Once()

		_, err := f.exiter.Exit(ctx, f.request(5))

		require.NoError(t, err)
		assert.Zero(t, f.registry.Len())
		assert.Equal(t, 3, *f.rec.byKind(events.KindTrade)[0].QtyLots)
		f.broker.AssertExpectations(t)
	})

	t.Run("FallsBackToHalf", func(t *testing.T) {
		f := newExitFixture(t, 5)
		f.broker.On("PlaceMarketOrder", ctx, "SBER", 5, broker.SideSell).Return(broker.Order{}, errQty).Once()
		f.broker.On("Positions", ctx).Return([]broker.Position{{Symbol: "SBER", QtyLots: 4, Lot: 10}}, nil).Once()
		f.broker.On("PlaceMarketOrder", ctx, "SBER", 4, broker.SideSell).Return(broker.Order{}, errQty).Once()
		f.broker.On("PlaceMarketOrder", ctx, "SBER", 2, broker.SideSell).Return(sold(2, 96), nil).Once()

		_, err := f.exiter.Exit(ctx, f.request(5))

		require.NoError(t, err)
		p, ok := f.registry.Get("SBER")
		assert.True(t, ok)
		assert.Equal(t, 2, p.QtyLots)
		f.broker.AssertExpectations(t)
	})

	t.Run("NothingLeftDropsTracking", func(t *testing.T) {
		f := newExitFixture(t, 2)
		f.broker.On("PlaceMarketOrder", ctx, "SBER", 2, broker.SideSell).Return(broker.Order{}, errQty).Once()
		f.broker.On("Positions", ctx).Return([]broker.Position{}, nil).Once()

		_, err := f.exiter.Exit(ctx, f.request(2))

		assert.Error(t, err)
		assert.Zero(t, f.registry.Len())
		assert.Len(t, f.rec.byKind(events.KindSkip), 1)
	})

	t.Run("NonQuantityErrorStops", func(t *testing.T) {
		f := newExitFixture(t, 2)
		unavailable := broker.NewOrderError("30079", "Instrument is not available for trading")
		f.broker.On("PlaceMarketOrder", ctx, "SBER", 2, broker.SideSell).Return(broker.Order{}, unavailable).Once()

		_, err := f.exiter.Exit(ctx, f.request(2))

		assert.ErrorIs(t, err, broker.ErrInstrumentNotAvailable)
		skips := f.rec.byKind(events.KindSkip)
		require.Len(t, skips, 1)
		assert.Equal(t, "order_placement_failed", skips[0].Reason)
		assert.Equal(t, broker.ReasonInstrumentNotAvailable, skips[0].Details["reason"])
		assert.Equal(t, 1, f.registry.Len())
		_, cooling := f.cooldowns.Until("SBER", testNow)
		assert.True(t, cooling)
		f.broker.AssertExpectations(t)
	})
}

type monitorFixture struct {
	*exitFixture
	analysis stubAnalyzer
	monitor  *Monitor
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()
	f := &monitorFixture{exitFixture: newExitFixture(t, 2), analysis: stubAnalyzer{}}
	confirm := NewSellConfirmer(ConfirmConfig{MinConfSellStrong: 0.65, SellConfirmBars: 2, RSIStrongOverbought: 80})
	f.monitor = NewMonitor(MonitorConfig{MinConfSell: 0.5}, f.broker, f.analysis, f.registry, confirm, f.exiter,
		symbols.NewResolver(), performance.MOEXSession(time.UTC), f.rec, zap.NewNop())
	f.monitor.now = func() time.Time { return testNow }
	return f
}

func held(price float64, lots int) []broker.Position {
	return []broker.Position{{Symbol: "SBER", QtyLots: lots, Lot: 10, AvgPrice: 100, CurrentPrice: price}}
}

func TestMonitor(t *testing.T) {
	ctx := context.Background()

	t.Run("StopHit", func(t *testing.T) {
		f := newMonitorFixture(t)
		f.broker.On("Positions", ctx).Return(held(96, 2), nil)
		f.broker.On("PlaceMarketOrder", ctx, "SBER", 2, broker.SideSell).Return(sold(2, 96), nil).Once()

		require.NoError(t, f.monitor.Check(ctx, "c1", nil))

		trades := f.rec.byKind(events.KindTrade)
		require.Len(t, trades, 1)
		assert.Equal(t, ReasonStopLoss, trades[0].Reason)
		assert.Zero(t, f.registry.Len())
	})

	t.Run("TakeHit", func(t *testing.T) {
		f := newMonitorFixture(t)
		f.broker.On("Positions", ctx).Return(held(107, 2), nil)
		f.broker.On("PlaceMarketOrder", ctx, "SBER", 2, broker.SideSell).Return(sold(2, 107), nil).Once()

		require.NoError(t, f.monitor.Check(ctx, "c1", nil))

		assert.Equal(t, ReasonTakeProfit, f.rec.byKind(events.KindTrade)[0].Reason)
	})

	t.Run("SellConfirmPending", func(t *testing.T) {
		f := newMonitorFixture(t)
		f.analysis["SBER"] = analyzer.Analysis{Signal: analyzer.SignalSell, Confidence: 0.55, RSI: 60, ATR: 0.5}
		f.broker.On("Positions", ctx).Return(held(99, 2), nil)

		require.NoError(t, f.monitor.Check(ctx, "c1", nil))

		skips := f.rec.byKind(events.KindSkip)
		require.Len(t, skips, 1)
		assert.Equal(t, "sell_confirm_pending", skips[0].Reason)
		assert.Equal(t, 1, f.registry.Len())
		f.broker.AssertNotCalled(t, "PlaceMarketOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("SessionClosedDefersExit", func(t *testing.T) {
		f := newMonitorFixture(t)
		f.monitor.cfg.SessionCheck = true
		f.monitor.now = func() time.Time { return time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC) }
		f.broker.On("Positions", ctx).Return(held(96, 2), nil)

		require.NoError(t, f.monitor.Check(ctx, "c1", nil))

		assert.Equal(t, "trading_session_closed", f.rec.byKind(events.KindSkip)[0].Reason)
		assert.Equal(t, 1, f.registry.Len())
	})

	t.Run("RestoresAndDropsTracking", func(t *testing.T) {
		f := newMonitorFixture(t)
		f.broker.On("Positions", ctx).Return([]broker.Position{
			{Symbol: "YNDX", QtyLots: 1, Lot: 1, AvgPrice: 4000, CurrentPrice: 4010},
		}, nil)

		require.NoError(t, f.monitor.Check(ctx, "c1", nil))

		assert.Equal(t, []string{"YDEX"}, f.registry.Symbols())
		p, _ := f.registry.Get("YDEX")
		assert.Equal(t, RestoredFromBroker, p.RestoredFrom)
	})

	t.Run("ResolvesFIGI", func(t *testing.T) {
		f := newMonitorFixture(t)
		f.broker.On("Positions", ctx).Return([]broker.Position{
			{Symbol: "BBG004730N88", QtyLots: 2, Lot: 10, AvgPrice: 100, CurrentPrice: 101},
		}, nil)
		f.broker.On("Instrument", ctx, "BBG004730N88").Return(broker.Instrument{Ticker: "SBER", Lot: 10}, nil).Once()

		require.NoError(t, f.monitor.Check(ctx, "c1", nil))

		assert.Equal(t, []string{"SBER"}, f.registry.Symbols())
		f.broker.AssertExpectations(t)
	})

	t.Run("BrokerQuantityWins", func(t *testing.T) {
		for _, lots := range []int{1, 3} {
			f := newMonitorFixture(t)
			f.broker.On("Positions", ctx).Return(held(101, lots), nil)

			require.NoError(t, f.monitor.Check(ctx, "c1", nil))

			p, ok := f.registry.Get("SBER")
			require.True(t, ok)
			assert.Equal(t, lots, p.QtyLots)
			f.broker.AssertNotCalled(t, "PlaceMarketOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		}
	})

	t.Run("StopSellsBrokerQuantity", func(t *testing.T) {
		f := newMonitorFixture(t)
		f.broker.On("Positions", ctx).Return(held(96, 3), nil)
		f.broker.On("PlaceMarketOrder", ctx, "SBER", 3, broker.SideSell).Return(sold(3, 96), nil).Once()

		require.NoError(t, f.monitor.Check(ctx, "c1", nil))

		assert.Equal(t, ReasonStopLoss, f.rec.byKind(events.KindTrade)[0].Reason)
		assert.Zero(t, f.registry.Len())
		f.broker.AssertExpectations(t)
	})

	t.Run("Flatten", func(t *testing.T) {
		f := newMonitorFixture(t)
		f.broker.On("Positions", ctx).Return(held(101, 2), nil)
		f.broker.On("PlaceMarketOrder", ctx, "SBER", 2, broker.SideSell).Return(sold(2, 101), nil).Once()

		require.NoError(t, f.monitor.Flatten(ctx, "c1"))

		assert.Equal(t, ReasonFlatten, f.rec.byKind(events.KindTrade)[0].Reason)
		assert.Zero(t, f.registry.Len())
	})
}
