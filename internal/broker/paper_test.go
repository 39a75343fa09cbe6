package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockMarketData struct {
	mock.Mock
}

func (m *mockMarketData) Instrument(ctx context.Context, symbol string) (Instrument, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(Instrument), args.Error(1)
}

func (m *mockMarketData) Candles(ctx context.Context, symbol string, from, to time.Time, interval string) ([]Candle, error) {
	args := m.Called(ctx, symbol, from, to, interval)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Candle), args.Error(1)
}

func newPaper(md *mockMarketData, cash float64) *Paper {
	p := NewPaper(md, cash, "5m", zap.NewNop())
	p.now = func() time.Time { return time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC) }
	return p
}

func TestPaper(t *testing.T) {
	sber := Instrument{Ticker: "SBER", FIGI: "BBG004730N88", Lot: 10, TradingAvailable: true}

	t.Run("BuySellRoundTrip", func(t *testing.T) {
		// Arrange
		md := new(mockMarketData)
		md.On("Instrument", mock.Anything, "SBER").Return(sber, nil)
		md.On("Candles", mock.Anything, "SBER", mock.Anything, mock.Anything, "5m").
			Return([]Candle{{Close: 250}}, nil).Once()
		p := newPaper(md, 10000)

		// Act
		buy, err := p.PlaceMarketOrder(context.Background(), "SBER", 2, SideBuy)
		require.NoError(t, err)
		positions, _ := p.Positions(context.Background())
		afterBuy, _ := p.AccountInfo(context.Background())

		md.On("Candles", mock.Anything, "SBER", mock.Anything, mock.Anything, "5m").
			Return([]Candle{{Close: 260}}, nil).Once()
		_, err = p.Candles(context.Background(), "SBER", time.Time{}, time.Time{}, "5m")
		require.NoError(t, err)
		sell, err := p.PlaceMarketOrder(context.Background(), "SBER", 2, SideSell)
		require.NoError(t, err)
		final, _ := p.AccountInfo(context.Background())

		// Assert
		assert.Equal(t, 250.0, buy.Price)
		assert.Equal(t, 10, buy.Lot)
		require.Len(t, positions, 1)
		assert.Equal(t, 2, positions[0].QtyLots)
		assert.Equal(t, 250.0, positions[0].AvgPrice)
		assert.Equal(t, 5000.0, afterBuy.Cash)
		assert.Equal(t, 10000.0, afterBuy.Equity)
		assert.Equal(t, 260.0, sell.Price)
		assert.Equal(t, 10200.0, final.Equity)
		assert.Equal(t, 10200.0, final.Cash)
		md.AssertExpectations(t)
	})

	t.Run("InsufficientBalance", func(t *testing.T) {
		md := new(mockMarketData)
		md.On("Instrument", mock.Anything, "SBER").Return(sber, nil)
		md.On("Candles", mock.Anything, "SBER", mock.Anything, mock.Anything, "5m").Return([]Candle{{Close: 250}}, nil)
		p := newPaper(md, 1000)

		_, err := p.PlaceMarketOrder(context.Background(), "SBER", 1, SideBuy)

		assert.ErrorIs(t, err, ErrInsufficientBalance)
	})

	t.Run("OversellIsQuantityError", func(t *testing.T) {
		md := new(mockMarketData)
		md.On("Instrument", mock.Anything, "SBER").Return(sber, nil)
		md.On("Candles", mock.Anything, "SBER", mock.Anything, mock.Anything, "5m").Return([]Candle{{Close: 250}}, nil)
		p := newPaper(md, 10000)
		_, err := p.PlaceMarketOrder(context.Background(), "SBER", 1, SideBuy)
		require.NoError(t, err)

		_, err = p.PlaceMarketOrder(context.Background(), "SBER", 2, SideSell)

		assert.True(t, IsQuantityError(err))
	})

	t.Run("UnavailableInstrument", func(t *testing.T) {
		md := new(mockMarketData)
		md.On("Instrument", mock.Anything, "XXXX").Return(Instrument{Ticker: "XXXX", Lot: 1}, nil)
		p := newPaper(md, 10000)

		_, err := p.PlaceMarketOrder(context.Background(), "XXXX", 1, SideBuy)

		assert.Equal(t, ReasonInstrumentNotAvailable, Reason(err))
	})
}

type slowBroker struct {
	*Paper
}

func (s slowBroker) Positions(ctx context.Context) ([]Position, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Second):
		return nil, nil
	}
}

func TestWithTimeout(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		b := newPaper(new(mockMarketData), 0)

		assert.Same(t, b, WithTimeout(b, 0).(*Paper))
	})

	t.Run("BoundsCalls", func(t *testing.T) {
		b := WithTimeout(slowBroker{newPaper(new(mockMarketData), 0)}, 10*time.Millisecond)

		_, err := b.Positions(context.Background())

		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
