package analyzer

const (
	rsiMaxBuy           = 75
	rsiSidewaysOversold = 35
	sidewaysStrongConf  = 0.8
)

// ShouldBuy applies the entry rules on top of the raw signal: no entries on strong
// overbought, sideways entries with negative momentum only on oversold or very high
// confidence, and never into a falling knife.
func ShouldBuy(a Analysis, minConf float64) bool {
	if finite(a.RSI) && a.RSI > rsiMaxBuy {
		return false
	}
	if a.Trend == TrendSideways && finite(a.MACDHist) && a.MACDHist < 0 {
		oversold := finite(a.RSI) && a.RSI <= rsiSidewaysOversold
		if !oversold && a.Confidence <= sidewaysStrongConf {
			return false
		}
	}
	if finite(a.MACDHist) && finite(a.MACDHistPrev) && a.MACDHist < 0 && a.MACDHist < a.MACDHistPrev {
		return false
	}
	return a.Signal == SignalBuy &&
		a.Confidence >= minConf &&
		a.BuySignals >= 1 &&
		a.Trend != TrendDown
}

// ShouldSell reports a sell signal with enough confidence.
func ShouldSell(a Analysis, minConf float64) bool {
	return a.Signal == SignalSell && a.Confidence >= minConf
}
