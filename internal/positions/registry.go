// Package positions tracks open entries from fill to exit: protective levels,
// trailing and breakeven stops, sell confirmation and the exit retry ladder.
package positions

import (
	"errors"
	"sort"
	"sync"
	"time"

	"tinvest-trade-bot/internal/events"

	"go.uber.org/zap"
)

// State is the lifecycle state of a tracked position.
type State string

const (
	StateNone   State = "NONE"
	StateOpen   State = "OPEN"
	StateClosed State = "CLOSED"
)

// Restore sources recorded on recovered positions.
const (
	RestoredFromBroker = "broker_avg"
	RestoredFromLedger = "ledger_avg"
	RestoredFromPrice  = "current_price"
)

// Risk update rules.
const (
	RuleTrailing  = "trailing"
	RuleBreakeven = "breakeven"
)

var (
	ErrAlreadyTracked = errors.New("position already tracked")
	ErrNotTracked     = errors.New("position not tracked")
)

// TrackedPosition is the bot's view of one open holding.
type TrackedPosition struct {
	Symbol       string    `json:"symbol"`
	EntryPrice   float64   `json:"entryPrice"`
	QtyLots      int       `json:"qtyLots"`
	Lot          int       `json:"lot"`
	StopLoss     float64   `json:"stopLoss"`
	TakeProfit   float64   `json:"takeProfit"`
	EntryTS      time.Time `json:"entryTs"`
	State        State     `json:"state"`
	RestoredFrom string    `json:"restoredFrom,omitempty"`
}

// Shares is the tracked quantity in shares.
func (p TrackedPosition) Shares() float64 {
	return float64(p.QtyLots * p.Lot)
}

// PnLPct is the relative move of price from entry.
func (p TrackedPosition) PnLPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice
}

// Registry holds at most one open TrackedPosition per symbol.
type Registry struct {
	levels LevelsConfig
	log    events.Appender
	logger *zap.Logger

	mu        sync.RWMutex
	positions map[string]*TrackedPosition
}

// NewRegistry returns an empty registry.
func NewRegistry(levels LevelsConfig, log events.Appender, logger *zap.Logger) *Registry {
	return &Registry{
		levels:    levels,
		log:       log,
		logger:    logger.Named("positions"),
		positions: make(map[string]*TrackedPosition),
	}
}

// Levels returns the level parameters of the registry.
func (r *Registry) Levels() LevelsConfig { return r.levels }

// Open starts tracking p.
func (r *Registry) Open(p TrackedPosition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.positions[p.Symbol]; ok {
		return ErrAlreadyTracked
	}
	p.State = StateOpen
	r.positions[p.Symbol] = &p
	return nil
}

// Get returns the tracked position of symbol.
func (r *Registry) Get(symbol string) (TrackedPosition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.positions[symbol]
	if !ok {
		return TrackedPosition{State: StateNone}, false
	}
	return *p, true
}

// Close stops tracking symbol and returns its final state.
func (r *Registry) Close(symbol string) (TrackedPosition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[symbol]
	if !ok {
		return TrackedPosition{State: StateNone}, false
	}
	delete(r.positions, symbol)
	p.State = StateClosed
	return *p, true
}

// SetQty updates the tracked quantity after a partial exit.
func (r *Registry) SetQty(symbol string, qtyLots int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.positions[symbol]
	if !ok {
		return ErrNotTracked
	}
	p.QtyLots = qtyLots
	return nil
}

// Symbols lists tracked symbols in sorted order.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.positions))
	for s := range r.positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Len is the number of open positions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.positions)
}

// Snapshot copies every tracked position sorted by symbol.
func (r *Registry) Snapshot() []TrackedPosition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TrackedPosition, 0, len(r.positions))
	for _, p := range r.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Restore tracks a live holding found without a registry entry. The entry
// price comes from the broker average, then the ledger average, then price.
func (r *Registry) Restore(symbol string, qtyLots, lot int, price, brokerAvg, ledgerAvg float64) TrackedPosition {
	if p, ok := r.Get(symbol); ok {
		return p
	}
	entry, from := price, RestoredFromPrice
	switch {
	case brokerAvg > 0:
		entry, from = brokerAvg, RestoredFromBroker
	case ledgerAvg > 0:
		entry, from = ledgerAvg, RestoredFromLedger
	}
	stop, take := r.levels.RestoreLevels(entry)
	p := TrackedPosition{
		Symbol:       symbol,
		EntryPrice:   entry,
		QtyLots:      qtyLots,
		Lot:          max(1, lot),
		StopLoss:     stop,
		TakeProfit:   take,
		RestoredFrom: from,
	}
	if err := r.Open(p); err != nil {
		existing, _ := r.Get(symbol)
		return existing
	}
	r.logger.Info("Restored position tracking",
		zap.String("symbol", symbol),
		zap.Float64("entry", entry),
		zap.String("source", from),
		zap.Float64("stop", stop),
		zap.Float64("take", take),
	)
	p.State = StateOpen
	return p
}

// Trail raises the stop to price - mult*atr, bounded by the trailing floor.
func (r *Registry) Trail(symbol string, price, atr float64) bool {
	if atr <= 0 || r.levels.ATRTrailMult <= 0 {
		return false
	}
	desired := min(price-r.levels.ATRTrailMult*atr, r.levels.trailFloor(price))
	return r.raiseStop(symbol, price, desired, RuleTrailing, map[string]any{
		"atr":            atr,
		"atr_trail_mult": r.levels.ATRTrailMult,
		"trail_min_pct":  r.levels.TrailMinPct,
	})
}

// Breakeven locks the stop above entry once the gain reaches the trigger.
func (r *Registry) Breakeven(symbol string, price float64) bool {
	trigger, lock := r.levels.BreakevenTriggerPct, r.levels.BreakevenLockPct
	if trigger <= 0 || lock < 0 {
		return false
	}
	p, ok := r.Get(symbol)
	if !ok || p.PnLPct(price) < trigger {
		return false
	}
	desired := min(p.EntryPrice*(1+lock), r.levels.trailFloor(price))
	return r.raiseStop(symbol, price, desired, RuleBreakeven, map[string]any{
		"be_trigger_pct": trigger,
		"be_lock_pct":    lock,
	})
}

// raiseStop moves the stop up to desired. Stops never move down.
func (r *Registry) raiseStop(symbol string, price, desired float64, rule string, details map[string]any) bool {
	r.mu.Lock()
	p, ok := r.positions[symbol]
	if !ok || desired <= p.StopLoss {
		r.mu.Unlock()
		return false
	}
	old := p.StopLoss
	p.StopLoss = desired
	r.mu.Unlock()

	e := events.RiskUpdate(symbol, rule).WithPrice(price).
		With("stop_loss_old", old).
		With("stop_loss_new", desired)
	for k, v := range details {
		e = e.With(k, v)
	}
	r.log.Append(e)
	r.logger.Info("Stop raised",
		zap.String("symbol", symbol),
		zap.String("rule", rule),
		zap.Float64("old", old),
		zap.Float64("new", desired),
	)
	return true
}
