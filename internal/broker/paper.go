package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type paperHolding struct {
	lot    int
	shares float64
	cost   float64
	lastPx float64
	figi   string
}

// Paper simulates fills at the last known close on top of a real market data source.
type Paper struct {
	md       MarketData
	logger   *zap.Logger
	now      func() time.Time
	interval string

	mu       sync.Mutex
	cash     float64
	holdings map[string]*paperHolding
	prices   map[string]float64
	seq      int
}

var _ Broker = (*Paper)(nil)

// NewPaper returns a paper broker starting with cash.
func NewPaper(md MarketData, cash float64, interval string, logger *zap.Logger) *Paper {
	return &Paper{
		md:       md,
		logger:   logger.Named("paper"),
		now:      time.Now,
		interval: interval,
		cash:     cash,
		holdings: make(map[string]*paperHolding),
		prices:   make(map[string]float64),
	}
}

// Instrument delegates to the market data source.
func (p *Paper) Instrument(ctx context.Context, symbol string) (Instrument, error) {
	return p.md.Instrument(ctx, symbol)
}

// Candles delegates to the market data source and remembers the last close.
func (p *Paper) Candles(ctx context.Context, symbol string, from, to time.Time, interval string) ([]Candle, error) {
	candles, err := p.md.Candles(ctx, symbol, from, to, interval)
	if err != nil {
		return nil, err
	}
	if n := len(candles); n > 0 {
		p.mu.Lock()
		p.prices[symbol] = candles[n-1].Close
		if h, ok := p.holdings[symbol]; ok {
			h.lastPx = candles[n-1].Close
		}
		p.mu.Unlock()
	}
	return candles, nil
}

// Positions lists simulated holdings sorted by symbol.
func (p *Paper) Positions(_ context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.holdings))
	for sym, h := range p.holdings {
		out = append(out, Position{
			Symbol:       sym,
			FIGI:         h.figi,
			QtyLots:      int(h.shares) / h.lot,
			Lot:          h.lot,
			Quantity:     h.shares,
			AvgPrice:     h.cost / h.shares,
			CurrentPrice: h.lastPx,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// AccountInfo values holdings at their last known price.
func (p *Paper) AccountInfo(_ context.Context) (AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	equity := p.cash
	for _, h := range p.holdings {
		equity += h.shares * h.lastPx
	}
	return AccountInfo{Equity: equity, Cash: p.cash, Currency: "RUB"}, nil
}

func (p *Paper) price(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	px, ok := p.prices[symbol]
	p.mu.Unlock()
	if ok && px > 0 {
		return px, nil
	}
	to := p.now()
	candles, err := p.Candles(ctx, symbol, to.Add(-24*time.Hour), to, p.interval)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, fmt.Errorf("no recent candles for %s", symbol)
	}
	return candles[len(candles)-1].Close, nil
}

// PlaceMarketOrder fills the whole quantity at the last close.
func (p *Paper) PlaceMarketOrder(ctx context.Context, symbol string, qtyLots int, side Side) (Order, error) {
	if qtyLots <= 0 {
		return Order{}, NewOrderError("", fmt.Sprintf("invalid quantity %d", qtyLots))
	}
	inst, err := p.Instrument(ctx, symbol)
	if err != nil {
		return Order{}, err
	}
	if !inst.TradingAvailable {
		return Order{}, NewOrderError(codeInstrumentForbidden, "Instrument is not available for trading")
	}
	px, err := p.price(ctx, symbol)
	if err != nil {
		return Order{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	shares := float64(qtyLots * inst.Lot)
	amount := shares * px
	h := p.holdings[symbol]

	switch side {
	case SideBuy:
		if amount > p.cash {
			return Order{}, NewOrderError(codeNotEnoughBalance, "Not enough balance")
		}
		if h == nil {
			h = &paperHolding{lot: inst.Lot, figi: inst.FIGI}
			p.holdings[symbol] = h
		}
		p.cash -= amount
		h.shares += shares
		h.cost += amount
		h.lastPx = px
	case SideSell:
		if h == nil || h.shares < shares {
			return Order{}, NewOrderError("", "Not enough assets for a sale")
		}
		avg := h.cost / h.shares
		p.cash += amount
		h.shares -= shares
		h.cost -= shares * avg
		h.lastPx = px
		if h.shares <= 0 {
			delete(p.holdings, symbol)
		}
	default:
		return Order{}, fmt.Errorf("unknown side %q", side)
	}

	p.seq++
	order := Order{
		ID:            fmt.Sprintf("paper-%d", p.seq),
		Symbol:        symbol,
		Side:          side,
		LotsRequested: qtyLots,
		LotsExecuted:  qtyLots,
		Lot:           inst.Lot,
		Price:         px,
		Status:        "EXECUTION_REPORT_STATUS_FILL",
	}
	p.logger.Info("Paper order filled",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Int("qty_lots", qtyLots),
		zap.Float64("price", px),
		zap.Float64("cash", p.cash),
	)
	return order, nil
}
