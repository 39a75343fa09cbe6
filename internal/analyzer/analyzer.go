package analyzer

import (
	"context"
	"fmt"
	"math"
	"time"

	"tinvest-trade-bot/internal/broker"

	"go.uber.org/zap"
)

// Signal is the analyzer verdict for the latest bar.
type Signal string

const (
	SignalBuy  Signal = "buy"
	SignalSell Signal = "sell"
	SignalHold Signal = "hold"
)

// Trend is the moving average trend filter.
type Trend string

const (
	TrendUp       Trend = "up"
	TrendDown     Trend = "down"
	TrendSideways Trend = "sideways"
)

// Analysis is the indicator snapshot of one symbol at its latest bar.
// Indicators that could not be computed are NaN.
type Analysis struct {
	Symbol       string
	Price        float64
	Signal       Signal
	Confidence   float64
	Trend        Trend
	BuySignals   int
	SellSignals  int
	RSI          float64
	MAShort      float64
	MALong       float64
	MACD         float64
	MACDSignal   float64
	MACDHist     float64
	MACDHistPrev float64
	BBUpper      float64
	BBLower      float64
	VolumeRatio  float64
	ATR          float64

	// Closes is the close series the snapshot was computed from, oldest first.
	Closes []float64
}

// ATRPct returns ATR as a fraction of price, or 0 when either is unknown.
func (a Analysis) ATRPct() float64 {
	if !finite(a.ATR) || a.Price <= 0 {
		return 0
	}
	return a.ATR / a.Price
}

// HasATR reports whether a positive ATR is available.
func (a Analysis) HasATR() bool {
	return finite(a.ATR) && a.ATR > 0
}

// Details returns the finite indicator values keyed the way they appear in events.
func (a Analysis) Details() map[string]any {
	d := map[string]any{
		"signal":       string(a.Signal),
		"confidence":   a.Confidence,
		"trend":        string(a.Trend),
		"buy_signals":  a.BuySignals,
		"sell_signals": a.SellSignals,
		"volume_ratio": a.VolumeRatio,
	}
	for k, v := range map[string]float64{
		"rsi":       a.RSI,
		"macd_hist": a.MACDHist,
		"atr":       a.ATR,
		"ma_short":  a.MAShort,
		"ma_long":   a.MALong,
	} {
		if finite(v) {
			d[k] = v
		}
	}
	return d
}

// Params holds indicator periods and thresholds.
type Params struct {
	RSIPeriod     int
	RSIOversold   float64
	RSIOverbought float64
	MAShort       int
	MALong        int
	MACDFast      int
	MACDSlow      int
	MACDSignal    int
	BBPeriod      int
	BBStdDev      float64
	VolumePeriod  int
	ATRPeriod     int
}

// DefaultParams returns the periods the strategy was tuned with.
func DefaultParams() Params {
	return Params{
		RSIPeriod:     14,
		RSIOversold:   30,
		RSIOverbought: 70,
		MAShort:       20,
		MALong:        50,
		MACDFast:      12,
		MACDSlow:      26,
		MACDSignal:    9,
		BBPeriod:      20,
		BBStdDev:      2,
		VolumePeriod:  20,
		ATRPeriod:     14,
	}
}

const (
	minConfOneSignal  = 0.55
	minConfMultiBuy   = 0.45
	minConfSellSignal = 0.5
	minSellSignals    = 3
	highVolumeRatio   = 1.2
)

// Analyze computes the indicator snapshot for candles ordered oldest first.
// Fewer candles than the long moving average period yield a hold with zero confidence.
func Analyze(candles []broker.Candle, p Params) Analysis {
	nan := math.NaN()
	a := Analysis{
		Signal: SignalHold, Trend: TrendSideways, VolumeRatio: 1,
		RSI: nan, MAShort: nan, MALong: nan, MACD: nan, MACDSignal: nan,
		MACDHist: nan, MACDHistPrev: nan, BBUpper: nan, BBLower: nan, ATR: nan,
	}
	if len(candles) == 0 {
		return a
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i], highs[i], lows[i], volumes[i] = c.Close, c.High, c.Low, c.Volume
	}
	a.Closes = closes
	a.Price = last(closes)
	if len(candles) < p.MALong {
		return a
	}

	rsiSeries := rsi(closes, p.RSIPeriod)
	maShort, maLong := sma(closes, p.MAShort), sma(closes, p.MALong)
	macdLine, signalLine, hist := macd(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
	bbMid, bbStd := sma(closes, p.BBPeriod), rollingStd(closes, p.BBPeriod)
	volMA := sma(volumes, p.VolumePeriod)
	atrSeries := atr(highs, lows, closes, p.ATRPeriod)

	price := a.Price
	a.RSI = last(rsiSeries)
	a.MAShort, a.MALong = last(maShort), last(maLong)
	a.MACD, a.MACDSignal = last(macdLine), last(signalLine)
	a.MACDHist, a.MACDHistPrev = last(hist), prev(hist)
	a.BBUpper = last(bbMid) + p.BBStdDev*last(bbStd)
	a.BBLower = last(bbMid) - p.BBStdDev*last(bbStd)
	a.ATR = last(atrSeries)

	if finite(a.MAShort) && finite(a.MALong) {
		switch {
		case price > a.MALong && a.MAShort > a.MALong:
			a.Trend = TrendUp
		case price < a.MALong && a.MAShort < a.MALong:
			a.Trend = TrendDown
		}
	}

	buy, sell, conf := 0, 0, 0.0

	if finite(a.RSI) {
		switch {
		case a.RSI < p.RSIOversold:
			buy, conf = buy+2, conf+0.35
		case a.RSI < 35:
			buy, conf = buy+1, conf+0.18
		case a.RSI < 40:
			buy, conf = buy+1, conf+0.12
		case a.RSI > p.RSIOverbought:
			sell, conf = sell+2, conf+0.35
		case a.RSI > 65:
			sell, conf = sell+1, conf+0.18
		}
	}

	if finite(a.MAShort) && finite(a.MALong) {
		ps, pl := prev(maShort), prev(maLong)
		switch {
		case ps <= pl && a.MAShort > a.MALong:
			buy, conf = buy+2, conf+0.35
		case a.MAShort > a.MALong:
			buy, conf = buy+1, conf+0.22
		}
		switch {
		case ps >= pl && a.MAShort < a.MALong:
			sell, conf = sell+2, conf+0.3
		case a.MAShort < a.MALong:
			sell, conf = sell+1, conf+0.2
		}
	}

	if finite(a.MACD) && finite(a.MACDSignal) {
		pm, psig := prev(macdLine), prev(signalLine)
		switch {
		case pm <= psig && a.MACD > a.MACDSignal && a.MACDHist > 0:
			buy, conf = buy+2, conf+0.35
		case a.MACD > a.MACDSignal && a.MACDHist > 0:
			buy, conf = buy+1, conf+0.22
		case a.MACDHist > 0 && a.MACDHist > a.MACDHistPrev:
			buy, conf = buy+1, conf+0.15
		}
		switch {
		case pm >= psig && a.MACD < a.MACDSignal && a.MACDHist < 0:
			sell, conf = sell+2, conf+0.3
		case a.MACD < a.MACDSignal && a.MACDHist < 0:
			sell, conf = sell+1, conf+0.2
		}
	}

	if finite(a.BBLower) && finite(a.BBUpper) {
		switch {
		case price <= a.BBLower:
			buy, conf = buy+1, conf+0.2
		case price >= a.BBUpper:
			sell, conf = sell+1, conf+0.2
		}
	}

	if vol, vma := last(volumes), last(volMA); vol > 0 && vma > 0 {
		a.VolumeRatio = vol / vma
		if a.VolumeRatio > highVolumeRatio {
			switch {
			case buy > sell:
				buy, conf = buy+1, conf+0.15
			case sell > buy:
				sell, conf = sell+1, conf+0.15
			}
		}
	}

	if a.HasATR() && price > 0 {
		atrPct := a.ATR / price * 100
		if atrPct >= 0.5 && atrPct <= 3.0 && buy != sell {
			conf += 0.1
		}
		if before := prev(closes); before > 0 {
			change := math.Abs((price-before)/before) * 100
			if change > atrPct*1.5 {
				switch {
				case price > before && buy > sell:
					buy, conf = buy+1, conf+0.15
				case price < before && sell > buy:
					sell, conf = sell+1, conf+0.15
				}
			}
		}
	}

	a.BuySignals, a.SellSignals = buy, sell
	a.Confidence = math.Min(conf, 1)

	switch {
	case buy >= 1 && buy > sell && a.Trend != TrendDown:
		required := minConfMultiBuy
		if buy == 1 {
			required = minConfOneSignal
		}
		if conf >= required {
			a.Signal = SignalBuy
		}
	case sell >= minSellSignals && sell > buy && conf >= minConfSellSignal:
		a.Signal = SignalSell
	}
	return a
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// MarketAnalyzer produces an Analysis for a symbol.
type MarketAnalyzer interface {
	Analyze(ctx context.Context, symbol string) (Analysis, error)
}

// Service analyzes symbols from broker candles.
type Service struct {
	md       broker.MarketData
	params   Params
	interval string
	lookback time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

var _ MarketAnalyzer = (*Service)(nil)

// NewService returns an analyzer reading interval candles over lookback.
func NewService(md broker.MarketData, interval string, lookback time.Duration, logger *zap.Logger) *Service {
	return &Service{
		md:       md,
		params:   DefaultParams(),
		interval: interval,
		lookback: lookback,
		now:      time.Now,
		logger:   logger.Named("analyzer"),
	}
}

// Analyze fetches recent candles for symbol and computes its snapshot.
func (s *Service) Analyze(ctx context.Context, symbol string) (Analysis, error) {
	to := s.now().UTC()
	candles, err := s.md.Candles(ctx, symbol, to.Add(-s.lookback), to, s.interval)
	if err != nil {
		return Analysis{}, fmt.Errorf("candles for %s: %w", symbol, err)
	}
	a := Analyze(candles, s.params)
	a.Symbol = symbol
	s.logger.Debug("Analyzed symbol",
		zap.String("symbol", symbol),
		zap.Int("candles", len(candles)),
		zap.String("signal", string(a.Signal)),
		zap.Float64("confidence", a.Confidence),
		zap.String("trend", string(a.Trend)),
	)
	return a, nil
}
