// Package performance holds the advisory services consulted by entry admission:
// per-symbol performance, market regime, correlation groups and the exchange session.
package performance

import (
	"sort"
	"sync"
	"time"

	"tinvest-trade-bot/internal/events"
	"tinvest-trade-bot/internal/ledger"
)

// Outcome is one closed trade result.
type Outcome struct {
	Symbol string
	PnL    float64
	Reason string
	TS     time.Time
}

// Stats summarises recent outcomes of a symbol.
type Stats struct {
	Symbol       string  `json:"symbol"`
	WinRate      float64 `json:"win_rate"`
	AvgPnL       float64 `json:"avg_pnl"`
	Streak       int     `json:"streak"`
	RecentTrades int     `json:"recent_trades"`
	RiskFactor   float64 `json:"risk_factor"`
	TotalPnL     float64 `json:"total_pnl"`
}

// TrackerConfig tunes the symbol tracker.
type TrackerConfig struct {
	Lookback      time.Duration
	BlockMinTrade int
	BlockLossRate float64
}

type symbolHistory struct {
	outcomes []Outcome
	streak   int
	total    float64
}

// Tracker adapts position size and entry confidence to each symbol's recent results.
type Tracker struct {
	cfg TrackerConfig
	now func() time.Time

	mu      sync.RWMutex
	symbols map[string]*symbolHistory
}

// NewTracker returns an empty tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 14 * 24 * time.Hour
	}
	return &Tracker{cfg: cfg, now: time.Now, symbols: make(map[string]*symbolHistory)}
}

// Seed rebuilds the history from replayed SELL fills. The P&L logged by the
// exit is used so a restart sees the outcomes the live process recorded.
func (t *Tracker) Seed(fills []ledger.Fill) {
	t.mu.Lock()
	t.symbols = make(map[string]*symbolHistory)
	t.mu.Unlock()
	for _, f := range fills {
		if f.Action != events.ActionSell {
			continue
		}
		t.Record(Outcome{Symbol: f.Symbol, PnL: f.PnL, TS: f.TS})
	}
}

// Record adds a closed trade. A zero PnL counts as a loss.
func (t *Tracker) Record(o Outcome) {
	if o.TS.IsZero() {
		o.TS = t.now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.symbols[o.Symbol]
	if !ok {
		h = &symbolHistory{}
		t.symbols[o.Symbol] = h
	}
	h.outcomes = append(h.outcomes, o)
	h.total += o.PnL
	switch {
	case o.PnL > 0 && h.streak >= 0:
		h.streak++
	case o.PnL > 0:
		h.streak = 1
	case h.streak <= 0:
		h.streak--
	default:
		h.streak = -1
	}

	cutoff := t.now().Add(-t.cfg.Lookback)
	kept := h.outcomes[:0]
	for _, r := range h.outcomes {
		if !r.TS.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	h.outcomes = kept
}

// Stats computes the symbol's stats over the lookback window.
func (t *Tracker) Stats(symbol string) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := Stats{Symbol: symbol, WinRate: 0.5, RiskFactor: 1}
	h, ok := t.symbols[symbol]
	if !ok {
		return st
	}
	st.Streak = h.streak
	st.TotalPnL = h.total

	cutoff := t.now().Add(-t.cfg.Lookback)
	wins, sum := 0, 0.0
	for _, o := range h.outcomes {
		if o.TS.Before(cutoff) {
			continue
		}
		st.RecentTrades++
		sum += o.PnL
		if o.PnL > 0 {
			wins++
		}
	}
	if st.RecentTrades > 0 {
		st.WinRate = float64(wins) / float64(st.RecentTrades)
		st.AvgPnL = sum / float64(st.RecentTrades)
	}

	rf := 1.0
	if st.RecentTrades >= 3 {
		switch {
		case st.WinRate < 0.35:
			rf *= 0.5
		case st.WinRate < 0.45:
			rf *= 0.75
		case st.WinRate > 0.60:
			rf *= 1.2
		}
	}
	switch {
	case st.Streak >= 3:
		rf *= 1.15
	case st.Streak <= -3:
		rf *= 0.7
	}
	st.RiskFactor = min(1.5, max(0.3, rf))
	return st
}

// SizeMultiplier scales the entry size.
func (t *Tracker) SizeMultiplier(symbol string) float64 {
	return t.Stats(symbol).RiskFactor
}

// ConfidenceAdjustment scales the minimum buy confidence; above 1 demands more.
func (t *Tracker) ConfidenceAdjustment(symbol string) float64 {
	st := t.Stats(symbol)
	if st.RecentTrades < 2 {
		return 1
	}
	switch {
	case st.WinRate < 0.40:
		return 1.15
	case st.WinRate < 0.50:
		return 1.05
	case st.WinRate > 0.65:
		return 0.95
	}
	return 1
}

// Blocked reports a symbol whose recent loss rate is too high to keep trading.
func (t *Tracker) Blocked(symbol string) bool {
	st := t.Stats(symbol)
	if st.RecentTrades < t.cfg.BlockMinTrade {
		return false
	}
	return 1-st.WinRate > t.cfg.BlockLossRate
}

// All returns stats for every known symbol sorted by symbol.
func (t *Tracker) All() []Stats {
	t.mu.RLock()
	syms := make([]string, 0, len(t.symbols))
	for s := range t.symbols {
		syms = append(syms, s)
	}
	t.mu.RUnlock()
	sort.Strings(syms)
	out := make([]Stats, 0, len(syms))
	for _, s := range syms {
		out = append(out, t.Stats(s))
	}
	return out
}
