package admission

import "math"

// SizingConfig holds the position sizing parameters.
type SizingConfig struct {
	Mode                string
	RiskPerTrade        float64
	MaxPositionSize     float64
	MaxPositionValuePct float64
	HighLotThreshold    int
	HighLotSizeFactor   float64
}

// SharesFixed sizes by a confidence-scaled share of equity, at least one share.
func SharesFixed(equity, price, conf, maxPos float64) int {
	if price <= 0 {
		return 0
	}
	invest := equity * math.Min(maxPos*conf, maxPos)
	return max(1, int(invest/price))
}

// SharesByRisk sizes so that a stop-out loses at most equity*riskPerTrade*conf,
// capped by the max position share of equity. A stop at or above price falls
// back to SharesFixed.
func SharesByRisk(equity, price, stop, conf, riskPerTrade, maxPos float64) int {
	dist := math.Abs(price - stop)
	if dist <= 0 || price <= 0 {
		return SharesFixed(equity, price, conf, maxPos)
	}
	budget := equity * math.Max(0, riskPerTrade) * math.Max(0, math.Min(conf, 1))
	byRisk := 0
	if budget > 0 {
		byRisk = int(budget / dist)
	}
	capShares := int(equity * maxPos / price)
	if capShares > 0 {
		return max(0, min(byRisk, capShares))
	}
	return max(0, byRisk)
}

// Lots converts a share count to lots, applies the high-lot reduction and the
// size multiplier, and never returns less than one lot.
func (c SizingConfig) Lots(shares, lot int, mult float64) int {
	lot = max(1, lot)
	lots := max(1, shares/lot)
	if c.HighLotThreshold > 0 && lot >= c.HighLotThreshold && c.HighLotSizeFactor > 0 && c.HighLotSizeFactor < 1 {
		lots = max(1, int(float64(lots)*c.HighLotSizeFactor))
	}
	if mult > 0 && mult != 1 {
		lots = max(1, int(float64(lots)*mult))
	}
	return lots
}

// CapByValue limits lots so the position value stays within the equity share.
// It returns 0 when not even one lot fits.
func (c SizingConfig) CapByValue(lots, lot int, price, equity float64) int {
	if c.MaxPositionValuePct <= 0 || price <= 0 {
		return lots
	}
	maxValue := equity * c.MaxPositionValuePct
	if float64(lots*lot)*price <= maxValue {
		return lots
	}
	return int(maxValue / (float64(lot) * price))
}
