package scoring

import (
	"math"
	"testing"

	"tinvest-trade-bot/internal/analyzer"

	"github.com/stretchr/testify/assert"
)

func TestScore(t *testing.T) {
	base := analyzer.Analysis{
		Price: 100, Confidence: 0.6, Trend: analyzer.TrendSideways,
		BuySignals: 2, VolumeRatio: 1, ATR: math.NaN(),
	}
	tests := []struct {
		name   string
		modify func(a *analyzer.Analysis)
		noisy  bool
		want   float64
	}{
		{"Base", func(a *analyzer.Analysis) {}, false, 0.8},
		{"SignalsCapped", func(a *analyzer.Analysis) { a.BuySignals = 7 }, false, 0.85},
		{"VolumeBonus", func(a *analyzer.Analysis) { a.VolumeRatio = 1.5 }, false, 0.875},
		{"VolumeCapped", func(a *analyzer.Analysis) { a.VolumeRatio = 5 }, false, 0.95},
		{"TrendUp", func(a *analyzer.Analysis) { a.Trend = analyzer.TrendUp }, false, 0.85},
		{"TrendDown", func(a *analyzer.Analysis) { a.Trend = analyzer.TrendDown }, false, 0.75},
		{"ATRPenalty", func(a *analyzer.Analysis) { a.ATR = 1 }, false, 0.725},
		{"ATRPenaltyCapped", func(a *analyzer.Analysis) { a.ATR = 10 }, false, 0.65},
		{"Noisy", func(a *analyzer.Analysis) {}, true, 0.77},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := base
			tt.modify(&a)

			assert.InDelta(t, tt.want, Score(a, tt.noisy), 1e-9)
		})
	}
}

func TestRank(t *testing.T) {
	t.Run("DescendingStable", func(t *testing.T) {
		cands := []Candidate{
			{Symbol: "A", Score: 0.5},
			{Symbol: "B", Score: 0.9},
			{Symbol: "C", Score: 0.5},
			{Symbol: "D", Score: 0.7},
		}

		Rank(cands)

		var got []string
		for _, c := range cands {
			got = append(got, c.Symbol)
		}
		assert.Equal(t, []string{"B", "D", "A", "C"}, got)
	})
}
