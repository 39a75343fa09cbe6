// Package scoring ranks entry candidates. Scores only order candidates, they never reject one.
package scoring

import (
	"math"
	"sort"

	"tinvest-trade-bot/internal/analyzer"
)

// Weights tunes the candidate score.
type Weights struct {
	SignalsCap     float64
	SignalsDivisor float64
	VolumeCap      float64
	VolumeSlope    float64
	TrendBonus     float64
	ATRPenalty     float64
	ATRPenaltyPct  float64
	NoisyPenalty   float64
}

// DefaultWeights returns the production weights.
func DefaultWeights() Weights {
	return Weights{
		SignalsCap:     0.25,
		SignalsDivisor: 10,
		VolumeCap:      0.15,
		VolumeSlope:    0.15,
		TrendBonus:     0.05,
		ATRPenalty:     0.15,
		ATRPenaltyPct:  0.02,
		NoisyPenalty:   0.03,
	}
}

// Score computes the ranking score of an analysis with the default weights.
func Score(a analyzer.Analysis, noisy bool) float64 {
	return DefaultWeights().Score(a, noisy)
}

// Score computes the ranking score of an analysis.
func (w Weights) Score(a analyzer.Analysis, noisy bool) float64 {
	s := a.Confidence
	if w.SignalsDivisor > 0 {
		s += math.Min(w.SignalsCap, float64(a.BuySignals)/w.SignalsDivisor)
	}
	s += math.Min(w.VolumeCap, math.Max(0, a.VolumeRatio-1)*w.VolumeSlope)
	switch a.Trend {
	case analyzer.TrendUp:
		s += w.TrendBonus
	case analyzer.TrendDown:
		s -= w.TrendBonus
	}
	if pct := a.ATRPct(); pct > 0 && w.ATRPenaltyPct > 0 {
		s -= w.ATRPenalty * math.Min(1, pct/w.ATRPenaltyPct)
	}
	if noisy {
		s -= w.NoisyPenalty
	}
	return s
}

// Candidate is a scored entry candidate.
type Candidate struct {
	Symbol   string
	Score    float64
	Analysis analyzer.Analysis
}

// Rank sorts candidates by descending score. Ties keep discovery order.
func Rank(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].Score > cands[j].Score })
}
