// Package ledger rebuilds per-symbol average-cost positions and realized P&L
// by replaying trade events. It holds no state besides what the events imply.
package ledger

import (
	"math"
	"sort"
	"time"

	"tinvest-trade-bot/internal/events"
)

// dustShares is the residual quantity treated as a closed position.
const dustShares = 1e-9

// Position is the derived holding of one symbol.
type Position struct {
	Symbol string
	Shares float64
	Cost   float64
}

// AvgPrice is cost per share, or 0 for a flat position.
func (p Position) AvgPrice() float64 {
	if p.Shares > 0 {
		return p.Cost / p.Shares
	}
	return 0
}

// Fill is one applied trade together with the P&L it realized.
type Fill struct {
	Seq      int64
	TS       time.Time
	Symbol   string
	Action   string
	QtyLots  int
	Lot      int
	Shares   float64
	Price    float64
	Realized float64
	AvgCost  float64
	// PnL is the profit logged with the fill by the exit path, or Realized
	// when the event carries none.
	PnL float64
}

// Scanner is the forward read side of the event log.
type Scanner interface {
	Scan(fn func(events.Event) error) error
}

// Book accumulates positions in append order.
type Book struct {
	canon     func(string) string
	positions map[string]*Position
	realized  map[string]float64
	fills     []Fill
}

// Option configures a Book.
type Option func(*Book)

// WithCanonicalizer folds symbol aliases before accounting.
func WithCanonicalizer(fn func(string) string) Option {
	return func(b *Book) { b.canon = fn }
}

// NewBook returns an empty book.
func NewBook(opts ...Option) *Book {
	b := &Book{
		positions: make(map[string]*Position),
		realized:  make(map[string]float64),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Replay applies evts in order to a fresh book.
func Replay(evts []events.Event, opts ...Option) *Book {
	b := NewBook(opts...)
	for _, e := range evts {
		b.Apply(e)
	}
	return b
}

// ReplayLog applies every event of the log to a fresh book.
func ReplayLog(s Scanner, opts ...Option) (*Book, error) {
	b := NewBook(opts...)
	err := s.Scan(func(e events.Event) error {
		b.Apply(e)
		return nil
	})
	return b, err
}

// Apply books one event. Non-trade events and trades missing qty, lot or price
// are ignored and reported with ok == false.
func (b *Book) Apply(e events.Event) (realized float64, ok bool) {
	qtyLots, lot, price, ok := tradeFields(e)
	if !ok {
		return 0, false
	}
	symbol := e.Symbol
	if b.canon != nil {
		symbol = b.canon(symbol)
	}
	if symbol == "" {
		return 0, false
	}

	p := b.positions[symbol]
	if p == nil {
		p = &Position{Symbol: symbol}
		b.positions[symbol] = p
	}
	qty := float64(qtyLots) * float64(lot)
	avg := p.AvgPrice()
	booked := qty

	switch e.Action {
	case events.ActionBuy:
		p.Shares += qty
		p.Cost += qty * price
	case events.ActionSell:
		sellQty := math.Min(qty, p.Shares)
		booked = sellQty
		realized = sellQty * (price - avg)
		p.Shares -= sellQty
		p.Cost -= sellQty * avg
		if p.Shares < dustShares {
			p.Shares = 0
			p.Cost = 0
		}
		b.realized[symbol] += realized
	default:
		return 0, false
	}

	b.fills = append(b.fills, Fill{
		Seq:      e.Seq,
		TS:       e.TS,
		Symbol:   symbol,
		Action:   e.Action,
		QtyLots:  qtyLots,
		Lot:      lot,
		Shares:   booked,
		Price:    price,
		Realized: realized,
		AvgCost:  avg,
		PnL:      loggedPnL(e, realized),
	})
	return realized, true
}

func loggedPnL(e events.Event, fallback float64) float64 {
	switch v := e.Details["pnl"].(type) {
	case float64:
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			return v
		}
	case int:
		return float64(v)
	}
	return fallback
}

func tradeFields(e events.Event) (qtyLots, lot int, price float64, ok bool) {
	if e.Kind != events.KindTrade || e.QtyLots == nil || e.Lot == nil || e.Price == nil {
		return 0, 0, 0, false
	}
	qtyLots, lot, price = *e.QtyLots, *e.Lot, *e.Price
	if qtyLots <= 0 || lot <= 0 || price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, 0, 0, false
	}
	return qtyLots, lot, price, true
}

// Position returns the current holding of symbol (zero value when never traded).
func (b *Book) Position(symbol string) Position {
	if b.canon != nil {
		symbol = b.canon(symbol)
	}
	if p, ok := b.positions[symbol]; ok {
		return *p
	}
	return Position{Symbol: symbol}
}

// Positions returns the open holdings sorted by symbol.
func (b *Book) Positions() []Position {
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		if p.Shares > 0 {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Realized returns the realized P&L of symbol.
func (b *Book) Realized(symbol string) float64 {
	if b.canon != nil {
		symbol = b.canon(symbol)
	}
	return b.realized[symbol]
}

// TotalRealized sums realized P&L over all symbols.
func (b *Book) TotalRealized() float64 {
	keys := make([]string, 0, len(b.realized))
	for k := range b.realized {
		keys = append(keys, k)
	}
	// Fixed summation order keeps the total bit-identical across replays.
	sort.Strings(keys)
	var total float64
	for _, k := range keys {
		total += b.realized[k]
	}
	return total
}

// Fills returns every applied trade in append order.
func (b *Book) Fills() []Fill {
	return append([]Fill(nil), b.fills...)
}

// LastFill returns the most recently applied trade.
func (b *Book) LastFill() (Fill, bool) {
	if len(b.fills) == 0 {
		return Fill{}, false
	}
	return b.fills[len(b.fills)-1], true
}

// RealizedSince sums the P&L realized by fills stamped at or after from.
func (b *Book) RealizedSince(from time.Time) float64 {
	var total float64
	for _, f := range b.fills {
		if !f.TS.Before(from) {
			total += f.Realized
		}
	}
	return total
}

// DayRealized replays the full history and returns the P&L realized by the
// SELLs stamped at or after from. Average cost carries over from earlier days.
func DayRealized(evts []events.Event, from time.Time, opts ...Option) float64 {
	return Replay(evts, opts...).RealizedSince(from)
}
