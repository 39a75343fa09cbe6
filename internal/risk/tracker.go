// Package risk derives the daily equity baseline from logged samples and owns
// the two one-way circuit breakers that stop new entries.
package risk

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"tinvest-trade-bot/internal/events"

	"go.uber.org/zap"
)

// Breaker rules, also used as risk_update reasons.
const (
	RuleDailyLossLimit    = "daily_loss_limit"
	RulePeakDrawdownLimit = "peak_drawdown_limit"
	RuleBreakerReset      = "breaker_reset"
)

// Config holds the limits of the tracker.
type Config struct {
	Calendar             Calendar
	DailyLossLimitPct    float64
	PeakDrawdownLimitPct float64
	JumpThreshold        float64
	StatePath            string
}

// State is the persisted daily snapshot. The log stays authoritative; the
// file only keeps breaker flags across restarts that lost their events.
type State struct {
	Date                string  `json:"date"`
	DayStartEquity      float64 `json:"dayStartEquity"`
	DayPeakEquity       float64 `json:"dayPeakEquity"`
	LossLimitTripped    bool    `json:"lossLimitTripped"`
	PeakDrawdownTripped bool    `json:"peakDrawdownTripped"`
}

// Status is a point-in-time view of the day's risk.
type Status struct {
	State
	Equity            float64 `json:"equity"`
	DrawdownFromStart float64 `json:"drawdownFromStart"`
	DrawdownFromPeak  float64 `json:"drawdownFromPeak"`
	Drawdown          float64 `json:"drawdown"`
	EntriesBlocked    bool    `json:"entriesBlocked"`
	BlockReason       string  `json:"blockReason,omitempty"`
}

// Tracker is owned by the decision loop and is not safe for concurrent use.
type Tracker struct {
	cfg    Config
	log    events.Appender
	logger *zap.Logger

	state      State
	lastEquity float64
}

// NewTracker creates a tracker appending its trips to log.
func NewTracker(cfg Config, log events.Appender, logger *zap.Logger) *Tracker {
	cfg.JumpThreshold = ClampJumpThreshold(cfg.JumpThreshold)
	return &Tracker{
		cfg:    cfg,
		log:    log,
		logger: logger.Named("risk"),
	}
}

// State returns the current day state.
func (t *Tracker) State() State { return t.state }

// Calendar returns the trading-day calendar of the tracker.
func (t *Tracker) Calendar() Calendar { return t.cfg.Calendar }

// EntriesBlocked reports whether a breaker is tripped and which one.
func (t *Tracker) EntriesBlocked() (bool, string) {
	switch {
	case t.state.LossLimitTripped:
		return true, RuleDailyLossLimit
	case t.state.PeakDrawdownTripped:
		return true, RulePeakDrawdownLimit
	}
	return false, ""
}

// Recompute rebuilds the state of the trading day containing at from that
// day's events, in append order. Breaker flags of a same-day snapshot are
// OR-ed in so that a restart never re-enables entries on its own.
func (t *Tracker) Recompute(today []events.Event, at time.Time) Status {
	day := t.cfg.Calendar.TradingDay(at)

	var samples []float64
	var lossTripped, peakTripped bool
	for _, e := range today {
		if t.cfg.Calendar.TradingDay(e.TS) != day {
			continue
		}
		if e.Kind == events.KindRiskUpdate {
			switch e.Reason {
			case RuleBreakerReset:
				samples = samples[:0]
				lossTripped, peakTripped = false, false
			case RuleDailyLossLimit:
				lossTripped = true
			case RulePeakDrawdownLimit:
				peakTripped = true
			}
		}
		if v, ok := e.EquityValue(); ok {
			samples = append(samples, v)
		}
	}

	st := State{Date: day, LossLimitTripped: lossTripped, PeakDrawdownTripped: peakTripped}
	t.lastEquity = 0
	if len(samples) > 0 {
		seg := samples[SegmentStart(samples, t.cfg.JumpThreshold):]
		st.DayStartEquity = seg[0]
		st.DayPeakEquity = seg[0]
		for _, v := range seg {
			if v > st.DayPeakEquity {
				st.DayPeakEquity = v
			}
			fromStart, fromPeak := Drawdown(st.DayStartEquity, st.DayPeakEquity, v)
			if t.lossBreached(fromStart) {
				st.LossLimitTripped = true
			}
			if t.peakBreached(fromPeak) {
				st.PeakDrawdownTripped = true
			}
		}
		t.lastEquity = samples[len(samples)-1]
	}

	if snap, err := LoadState(t.cfg.StatePath); err != nil {
		t.logger.Warn("Failed to load daily risk snapshot", zap.String("path", t.cfg.StatePath), zap.Error(err))
	} else if snap != nil && snap.Date == day {
		st.LossLimitTripped = st.LossLimitTripped || snap.LossLimitTripped
		st.PeakDrawdownTripped = st.PeakDrawdownTripped || snap.PeakDrawdownTripped
		if len(samples) == 0 && snap.DayStartEquity > 0 {
			st.DayStartEquity = snap.DayStartEquity
			st.DayPeakEquity = max(snap.DayPeakEquity, snap.DayStartEquity)
		}
	}

	t.state = st
	t.persist()
	t.logger.Info("Daily risk recomputed",
		zap.String("day", st.Date),
		zap.Int("samples", len(samples)),
		zap.Float64("start_equity", st.DayStartEquity),
		zap.Float64("peak_equity", st.DayPeakEquity),
		zap.Bool("loss_limit_tripped", st.LossLimitTripped),
		zap.Bool("peak_drawdown_tripped", st.PeakDrawdownTripped),
	)
	return t.status(t.lastEquity)
}

// Observe feeds a live equity sample taken at at.
func (t *Tracker) Observe(equity float64, at time.Time) Status {
	if equity <= 0 {
		return t.status(t.lastEquity)
	}
	day := t.cfg.Calendar.TradingDay(at)
	l := t.logger.With(zap.String("day", day), zap.Float64("equity", equity))

	switch {
	case t.state.Date != day:
		l.Info("New trading day")
		t.state = State{Date: day, DayStartEquity: equity, DayPeakEquity: equity}
		t.persist()
	case t.state.DayStartEquity <= 0:
		t.state.DayStartEquity = equity
		t.state.DayPeakEquity = equity
		t.persist()
	case IsJump(t.lastEquity, equity, t.cfg.JumpThreshold):
		l.Info("Cash-flow jump, rebasing day start", zap.Float64("previous", t.lastEquity))
		t.state.DayStartEquity = equity
		t.state.DayPeakEquity = equity
		t.persist()
	case equity > t.state.DayPeakEquity:
		t.state.DayPeakEquity = equity
		t.persist()
	}
	t.lastEquity = equity

	fromStart, fromPeak := Drawdown(t.state.DayStartEquity, t.state.DayPeakEquity, equity)
	if !t.state.LossLimitTripped && t.lossBreached(fromStart) {
		t.state.LossLimitTripped = true
		t.trip(RuleDailyLossLimit, equity, fromStart, t.cfg.DailyLossLimitPct)
	}
	if !t.state.PeakDrawdownTripped && t.peakBreached(fromPeak) {
		t.state.PeakDrawdownTripped = true
		t.trip(RulePeakDrawdownLimit, equity, fromPeak, t.cfg.PeakDrawdownLimitPct)
	}
	return t.status(equity)
}

// ResetBreakers clears both breakers and rebases the day to equity.
func (t *Tracker) ResetBreakers(equity float64, at time.Time) Status {
	if equity <= 0 {
		equity = t.lastEquity
	}
	t.state = State{
		Date:           t.cfg.Calendar.TradingDay(at),
		DayStartEquity: equity,
		DayPeakEquity:  equity,
	}
	t.lastEquity = equity
	e := events.RiskUpdate("", RuleBreakerReset)
	if equity > 0 {
		e.Equity = events.Float(equity)
	}
	t.log.Append(e)
	t.persist()
	t.logger.Warn("Circuit breakers reset by operator", zap.Float64("equity", equity))
	return t.status(equity)
}

func (t *Tracker) lossBreached(dd float64) bool {
	return t.cfg.DailyLossLimitPct > 0 && dd >= t.cfg.DailyLossLimitPct
}

func (t *Tracker) peakBreached(dd float64) bool {
	return t.cfg.PeakDrawdownLimitPct > 0 && dd >= t.cfg.PeakDrawdownLimitPct
}

func (t *Tracker) trip(rule string, equity, drawdown, limit float64) {
	t.logger.Warn("Circuit breaker tripped, new entries disabled",
		zap.String("rule", rule),
		zap.Float64("equity", equity),
		zap.Float64("drawdown", drawdown),
		zap.Float64("limit", limit),
	)
	e := events.RiskUpdate("", rule).
		With("day_start_equity", t.state.DayStartEquity).
		With("day_peak_equity", t.state.DayPeakEquity).
		With("drawdown", drawdown).
		With("limit", limit)
	e.Equity = events.Float(equity)
	t.log.Append(e)
	t.persist()
}

func (t *Tracker) status(equity float64) Status {
	s := Status{State: t.state, Equity: equity}
	if equity > 0 {
		s.DrawdownFromStart, s.DrawdownFromPeak = Drawdown(t.state.DayStartEquity, t.state.DayPeakEquity, equity)
		s.Drawdown = max(s.DrawdownFromStart, s.DrawdownFromPeak)
	}
	s.EntriesBlocked, s.BlockReason = t.EntriesBlocked()
	return s
}

func (t *Tracker) persist() {
	if t.cfg.StatePath == "" {
		return
	}
	if err := SaveState(t.cfg.StatePath, t.state); err != nil {
		t.logger.Error("Failed to persist daily risk snapshot", zap.String("path", t.cfg.StatePath), zap.Error(err))
	}
}

// LoadState reads the snapshot at path. A missing file yields nil, nil.
func LoadState(path string) (*State, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &st, nil
}

// SaveState writes the snapshot through a temp file and an atomic rename.
func SaveState(path string, st State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temporary state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}
