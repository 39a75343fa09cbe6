package positions

import (
	"math"

	"tinvest-trade-bot/internal/config"
)

// LevelsConfig holds the stop, take, trailing and breakeven parameters.
type LevelsConfig struct {
	StopLossPct         float64
	TakeProfitPct       float64
	TakeMinPct          float64
	MinStopDistancePct  float64
	ATRStopMult         float64
	ATRTakeMult         float64
	ATRTrailMult        float64
	TrailMinPct         float64
	BreakevenTriggerPct float64
	BreakevenLockPct    float64
}

// LevelsFromConfig maps the exits section. A zero trail_min_pct defaults to
// max(0.5%, stop_loss_pct/4).
func LevelsFromConfig(e config.Exits) LevelsConfig {
	c := LevelsConfig{
		StopLossPct:         e.StopLossPct,
		TakeProfitPct:       e.TakeProfitPct,
		TakeMinPct:          e.TakeMinPct,
		MinStopDistancePct:  e.MinStopDistancePct,
		ATRStopMult:         e.ATRStopMult,
		ATRTakeMult:         e.ATRTakeMult,
		ATRTrailMult:        e.ATRTrailMult,
		TrailMinPct:         e.TrailMinPct,
		BreakevenTriggerPct: e.BreakevenTriggerPct,
		BreakevenLockPct:    e.BreakevenLockPct,
	}
	if c.TrailMinPct <= 0 {
		c.TrailMinPct = math.Max(0.005, c.StopLossPct/4)
	}
	return c
}

// EntryLevels returns the initial stop and take for a fill at price. ATR levels
// are used when atr is positive, then bounded by the percentage rules.
func (c LevelsConfig) EntryLevels(price, atr float64) (stop, take float64) {
	pctStop := price * (1 - c.StopLossPct)
	pctTake := price * (1 + c.TakeProfitPct)
	if atr > 0 && !math.IsNaN(atr) {
		stop = price - c.ATRStopMult*atr
		take = price + c.ATRTakeMult*atr
	} else {
		stop, take = pctStop, pctTake
	}
	stop = math.Min(stop, pctStop)
	take = math.Min(take, pctTake)
	take = math.Max(take, price*(1+c.TakeMinPct))
	if c.MinStopDistancePct > 0 {
		stop = math.Min(stop, price*(1-c.MinStopDistancePct))
	}
	return stop, take
}

// RestoreLevels returns percentage levels around a recovered entry price.
func (c LevelsConfig) RestoreLevels(entry float64) (stop, take float64) {
	return entry * (1 - c.StopLossPct), entry * (1 + math.Max(c.TakeProfitPct, c.TakeMinPct))
}

// trailFloor is the highest stop allowed at price.
func (c LevelsConfig) trailFloor(price float64) float64 {
	if c.TrailMinPct <= 0 {
		return price
	}
	return price * (1 - c.TrailMinPct)
}
