package analyzer

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"tinvest-trade-bot/internal/broker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func linearCandles(n int, start, step float64) []broker.Candle {
	out := make([]broker.Candle, n)
	for i := range out {
		c := start + step*float64(i)
		out[i] = broker.Candle{Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000}
	}
	return out
}

func TestIndicators(t *testing.T) {
	t.Run("SMA", func(t *testing.T) {
		out := sma([]float64{1, 2, 3, 4}, 2)

		assert.True(t, math.IsNaN(out[0]))
		assert.Equal(t, []float64{1.5, 2.5, 3.5}, out[1:])
	})

	t.Run("EMA", func(t *testing.T) {
		assert.Equal(t, []float64{0, 1, 1.5}, ema([]float64{0, 2, 2}, 3))
	})

	t.Run("RSIAllGains", func(t *testing.T) {
		out := rsi([]float64{1, 2, 3, 4, 5}, 3)

		assert.Equal(t, 100.0, last(out))
	})

	t.Run("RSIBalanced", func(t *testing.T) {
		out := rsi([]float64{10, 11, 10, 11, 10}, 4)

		assert.InDelta(t, 50.0, last(out), 1e-9)
	})

	t.Run("ATRConstantRange", func(t *testing.T) {
		out := atr([]float64{11, 12, 13}, []float64{9, 10, 11}, []float64{10, 11, 12}, 2)

		assert.Equal(t, 2.0, last(out))
	})
}

func TestAnalyze(t *testing.T) {
	t.Run("ShortHistoryHolds", func(t *testing.T) {
		a := Analyze(linearCandles(10, 100, 1), DefaultParams())

		assert.Equal(t, SignalHold, a.Signal)
		assert.Zero(t, a.Confidence)
		assert.Equal(t, 109.0, a.Price)
		assert.Len(t, a.Closes, 10)
	})

	t.Run("RisingSeries", func(t *testing.T) {
		a := Analyze(linearCandles(60, 100, 1), DefaultParams())

		assert.Equal(t, TrendUp, a.Trend)
		assert.Equal(t, 100.0, a.RSI)
		assert.Equal(t, 2, a.BuySignals)
		assert.Equal(t, 2, a.SellSignals)
		assert.Equal(t, SignalHold, a.Signal)
		assert.InDelta(t, 0.79, a.Confidence, 1e-9)
		assert.Equal(t, 2.0, a.ATR)
		assert.Equal(t, 1.0, a.VolumeRatio)
		assert.Greater(t, a.MACDHist, 0.0)
	})

	t.Run("FallingSeries", func(t *testing.T) {
		a := Analyze(linearCandles(60, 200, -1), DefaultParams())

		assert.Equal(t, TrendDown, a.Trend)
		assert.Equal(t, 2, a.BuySignals)
		assert.Equal(t, 2, a.SellSignals)
		assert.Equal(t, SignalHold, a.Signal)
		assert.Less(t, a.MACDHist, 0.0)
	})

	t.Run("VolumeSpikeIgnoredWithoutDominantSide", func(t *testing.T) {
		candles := linearCandles(60, 200, -1)
		candles[59].Volume = 5000

		a := Analyze(candles, DefaultParams())

		assert.Greater(t, a.VolumeRatio, highVolumeRatio)
		assert.Equal(t, 2, a.BuySignals)
		assert.Equal(t, 2, a.SellSignals)
	})

	t.Run("DetailsOmitNaN", func(t *testing.T) {
		a := Analyze(linearCandles(10, 100, 1), DefaultParams())

		d := a.Details()

		assert.NotContains(t, d, "rsi")
		assert.Equal(t, "hold", d["signal"])
	})
}

func TestShouldBuy(t *testing.T) {
	base := Analysis{
		Signal: SignalBuy, Confidence: 0.6, Trend: TrendUp, BuySignals: 2,
		RSI: 45, MACDHist: 0.2, MACDHistPrev: 0.1,
	}
	tests := []struct {
		name   string
		modify func(a *Analysis)
		want   bool
	}{
		{"Accepts", func(a *Analysis) {}, true},
		{"Overbought", func(a *Analysis) { a.RSI = 76 }, false},
		{"LowConfidence", func(a *Analysis) { a.Confidence = 0.4 }, false},
		{"HoldSignal", func(a *Analysis) { a.Signal = SignalHold }, false},
		{"DownTrend", func(a *Analysis) { a.Trend = TrendDown }, false},
		{"FallingKnife", func(a *Analysis) { a.MACDHist, a.MACDHistPrev = -0.2, -0.1 }, false},
		{"SidewaysNegativeMomentum", func(a *Analysis) {
			a.Trend, a.MACDHist, a.MACDHistPrev = TrendSideways, -0.1, -0.2
		}, false},
		{"SidewaysOversold", func(a *Analysis) {
			a.Trend, a.MACDHist, a.MACDHistPrev, a.RSI = TrendSideways, -0.1, -0.2, 33
		}, true},
		{"SidewaysStrongConfidence", func(a *Analysis) {
			a.Trend, a.MACDHist, a.MACDHistPrev, a.Confidence = TrendSideways, -0.1, -0.2, 0.85
		}, true},
		{"MissingIndicators", func(a *Analysis) { a.RSI, a.MACDHist, a.MACDHistPrev = math.NaN(), math.NaN(), math.NaN() }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := base
			tt.modify(&a)

			assert.Equal(t, tt.want, ShouldBuy(a, 0.55))
		})
	}
}

func TestShouldSell(t *testing.T) {
	assert.True(t, ShouldSell(Analysis{Signal: SignalSell, Confidence: 0.5}, 0.5))
	assert.False(t, ShouldSell(Analysis{Signal: SignalSell, Confidence: 0.4}, 0.5))
	assert.False(t, ShouldSell(Analysis{Signal: SignalBuy, Confidence: 0.9}, 0.5))
}

type mockMarketData struct {
	mock.Mock
}

func (m *mockMarketData) Instrument(ctx context.Context, symbol string) (broker.Instrument, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(broker.Instrument), args.Error(1)
}

func (m *mockMarketData) Candles(ctx context.Context, symbol string, from, to time.Time, interval string) ([]broker.Candle, error) {
	args := m.Called(ctx, symbol, from, to, interval)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]broker.Candle), args.Error(1)
}

func TestService(t *testing.T) {
	now := time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)

	t.Run("FetchesLookbackWindow", func(t *testing.T) {
		// Arrange
		md := new(mockMarketData)
		md.On("Candles", mock.Anything, "SBER", now.Add(-48*time.Hour), now, "5m").
			Return(linearCandles(60, 100, 1), nil)
		s := NewService(md, "5m", 48*time.Hour, zap.NewNop())
		s.now = func() time.Time { return now }

		// Act
		a, err := s.Analyze(context.Background(), "SBER")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "SBER", a.Symbol)
		assert.Equal(t, 159.0, a.Price)
		md.AssertExpectations(t)
	})

	t.Run("WrapsErrors", func(t *testing.T) {
		md := new(mockMarketData)
		md.On("Candles", mock.Anything, "SBER", mock.Anything, mock.Anything, "5m").
			Return(nil, errors.New("boom"))
		s := NewService(md, "5m", time.Hour, zap.NewNop())

		_, err := s.Analyze(context.Background(), "SBER")

		assert.ErrorContains(t, err, "candles for SBER")
	})
}
