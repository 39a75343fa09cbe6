package events

import (
	"math"
	"time"
)

// Kind classifies a logged decision.
type Kind string

const (
	KindTrade      Kind = "trade"
	KindSkip       Kind = "skip"
	KindCycle      Kind = "cycle"
	KindRiskUpdate Kind = "risk_update"
)

const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
)

// Event is one immutable line of the decision log.
// Optional numeric fields are pointers so that "absent" and "zero" stay distinguishable on replay.
type Event struct {
	TS      time.Time      `json:"ts"`
	Seq     int64          `json:"seq"`
	Kind    Kind           `json:"kind"`
	Symbol  string         `json:"symbol,omitempty"`
	Action  string         `json:"action,omitempty"`
	QtyLots *int           `json:"qtyLots,omitempty"`
	Lot     *int           `json:"lot,omitempty"`
	Price   *float64       `json:"price,omitempty"`
	Equity  *float64       `json:"equity,omitempty"`
	Cash    *float64       `json:"cash,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Trade builds a fill record.
func Trade(symbol, action string, qtyLots, lot int, price float64) Event {
	return Event{
		Kind:    KindTrade,
		Symbol:  symbol,
		Action:  action,
		QtyLots: Int(qtyLots),
		Lot:     Int(lot),
		Price:   Float(price),
	}
}

// Skip builds a gate or execution rejection record.
func Skip(symbol, reason string) Event {
	return Event{Kind: KindSkip, Symbol: symbol, Reason: reason}
}

// RiskUpdate builds a stop/take or breaker change record.
func RiskUpdate(symbol, rule string) Event {
	return Event{Kind: KindRiskUpdate, Symbol: symbol, Reason: rule}
}

// Cycle builds the record that opens a decision cycle.
func Cycle(cycleID string) Event {
	e := Event{Kind: KindCycle}
	if cycleID != "" {
		e = e.With("cycle_id", cycleID)
	}
	return e
}

// WithAccount attaches an equity/cash sample.
func (e Event) WithAccount(equity, cash float64) Event {
	e.Equity = Float(equity)
	e.Cash = Float(cash)
	return e
}

// WithPrice attaches a price.
func (e Event) WithPrice(price float64) Event {
	e.Price = Float(price)
	return e
}

// With returns a copy of e with details[key] = value.
func (e Event) With(key string, value any) Event {
	d := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		d[k] = v
	}
	d[key] = value
	e.Details = d
	return e
}

// EquityValue reports the equity sample carried by the event, if any.
func (e Event) EquityValue() (float64, bool) {
	if e.Equity == nil || *e.Equity <= 0 || math.IsNaN(*e.Equity) || math.IsInf(*e.Equity, 0) {
		return 0, false
	}
	return *e.Equity, true
}

// Detail returns details[key] as a string, or "".
func (e Event) Detail(key string) string {
	if e.Details == nil {
		return ""
	}
	s, _ := e.Details[key].(string)
	return s
}

// IsTrade reports whether e is a fill on the given side ("" matches both).
func (e Event) IsTrade(action string) bool {
	if e.Kind != KindTrade {
		return false
	}
	return action == "" || e.Action == action
}
