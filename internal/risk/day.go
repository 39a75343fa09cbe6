package risk

import (
	"math"
	"time"
)

const dateLayout = "2006-01-02"

// Calendar splits wall-clock time into trading days that roll over at a
// local hour instead of midnight.
type Calendar struct {
	Location  *time.Location
	ResetHour int
}

func (c Calendar) loc() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// TradingDay returns the date (YYYY-MM-DD) of the trading day t belongs to.
// Times before the reset hour count towards the previous day.
func (c Calendar) TradingDay(t time.Time) string {
	return c.DayStart(t).Format(dateLayout)
}

// DayStart returns the instant the trading day containing t began.
func (c Calendar) DayStart(t time.Time) time.Time {
	local := t.In(c.loc())
	start := time.Date(local.Year(), local.Month(), local.Day(), c.ResetHour, 0, 0, 0, c.loc())
	if local.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}

// ClampJumpThreshold bounds the cash-flow jump threshold to [0.05, 0.95].
func ClampJumpThreshold(v float64) float64 {
	if v <= 0 || math.IsNaN(v) {
		return 0.30
	}
	return math.Max(0.05, math.Min(0.95, v))
}

// IsJump reports whether moving from prev to cur looks like an external cash flow.
func IsJump(prev, cur, threshold float64) bool {
	if prev <= 0 {
		return false
	}
	return math.Abs(cur-prev)/prev >= threshold
}

// SegmentStart returns the index of the first sample after the last cash-flow
// jump in samples, or 0 when there is none.
func SegmentStart(samples []float64, threshold float64) int {
	start := 0
	for i := 1; i < len(samples); i++ {
		if IsJump(samples[i-1], samples[i], threshold) {
			start = i
		}
	}
	return start
}

// Drawdown returns the drawdown of cur from start and from peak.
func Drawdown(start, peak, cur float64) (fromStart, fromPeak float64) {
	if start > 0 {
		fromStart = math.Max(0, (start-cur)/start)
	}
	if peak > 0 {
		fromPeak = math.Max(0, (peak-cur)/peak)
	}
	return fromStart, fromPeak
}
