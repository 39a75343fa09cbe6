package performance

import "math"

// Regime classifies the broad market direction of a symbol.
type Regime string

const (
	RegimeBull     Regime = "BULL"
	RegimeBear     Regime = "BEAR"
	RegimeSideways Regime = "SIDEWAYS"
)

// Adjustment is the regime-specific scaling of entry parameters.
type Adjustment struct {
	BuyConfMult float64
	SizeMult    float64
}

const (
	regimeShortMA = 10
	regimeLongMA  = 20
)

// DetectRegime compares the last close with its 10 and 20 bar means.
func DetectRegime(closes []float64) Regime {
	if len(closes) < regimeLongMA {
		return RegimeSideways
	}
	price := closes[len(closes)-1]
	short, long := tailMean(closes, regimeShortMA), tailMean(closes, regimeLongMA)
	if math.IsNaN(short) || math.IsNaN(long) {
		return RegimeSideways
	}
	switch {
	case price > short && short > long:
		return RegimeBull
	case price < short && short < long:
		return RegimeBear
	}
	return RegimeSideways
}

// Adjust returns the multipliers for a regime.
func (r Regime) Adjust() Adjustment {
	switch r {
	case RegimeBull:
		return Adjustment{BuyConfMult: 0.95, SizeMult: 1.1}
	case RegimeBear:
		return Adjustment{BuyConfMult: 1.15, SizeMult: 0.8}
	}
	return Adjustment{BuyConfMult: 1.05, SizeMult: 0.9}
}

func tailMean(vals []float64, n int) float64 {
	if len(vals) < n {
		return math.NaN()
	}
	sum := 0.0
	for _, v := range vals[len(vals)-n:] {
		sum += v
	}
	return sum / float64(n)
}
