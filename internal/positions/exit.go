package positions

import (
	"context"
	"fmt"
	"time"

	"tinvest-trade-bot/internal/broker"
	"tinvest-trade-bot/internal/events"
	"tinvest-trade-bot/internal/performance"
	"tinvest-trade-bot/internal/risk"

	"go.uber.org/zap"
)

// Exit reasons.
const (
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
	ReasonSignal     = "signal"
	ReasonFlatten    = "flatten"
)

const maxExitAttempts = 3

// ExitRequest describes one exit of a tracked position.
type ExitRequest struct {
	Position TrackedPosition
	Price    float64
	QtyLots  int
	Reason   string
	CycleID  string
}

// Exiter sells tracked positions through the broker with a quantity retry ladder.
type Exiter struct {
	broker    broker.Broker
	registry  *Registry
	log       events.Appender
	cooldowns *risk.Cooldowns
	tracker   *performance.Tracker
	canon     func(string) string
	now       func() time.Time
	logger    *zap.Logger
}

// NewExiter wires an exiter. tracker may be nil.
func NewExiter(b broker.Broker, registry *Registry, log events.Appender, cooldowns *risk.Cooldowns, tracker *performance.Tracker, canon func(string) string, logger *zap.Logger) *Exiter {
	if canon == nil {
		canon = func(s string) string { return s }
	}
	return &Exiter{
		broker:    b,
		registry:  registry,
		log:       log,
		cooldowns: cooldowns,
		tracker:   tracker,
		canon:     canon,
		now:       time.Now,
		logger:    logger.Named("exit"),
	}
}

// Exit sells req.QtyLots of the position. On a quantity or balance mismatch it
// re-reads the broker quantity and retries with it, then with half of it.
func (x *Exiter) Exit(ctx context.Context, req ExitRequest) (broker.Order, error) {
	sym := req.Position.Symbol
	l := x.logger.With(zap.String("symbol", sym), zap.String("reason", req.Reason))
	defer x.cooldowns.Start(sym, x.now())

	qty := req.QtyLots
	if qty <= 0 {
		qty = req.Position.QtyLots
	}
	held := req.Position.QtyLots

	var lastErr error
	nothingLeft := false
	for attempt := 1; attempt <= maxExitAttempts; attempt++ {
		order, err := x.broker.PlaceMarketOrder(ctx, sym, qty, broker.SideSell)
		if err == nil {
			x.filled(req, order, qty, held)
			return order, nil
		}
		lastErr = err
		l.Warn("Sell attempt failed", zap.Int("attempt", attempt), zap.Int("qty_lots", qty), zap.Error(err))
		if !broker.IsQuantityError(err) || attempt == maxExitAttempts {
			break
		}
		if attempt == 1 {
			live, qerr := x.brokerQty(ctx, sym)
			if qerr != nil {
				l.Error("Failed to re-read broker quantity", zap.Error(qerr))
				break
			}
			if live <= 0 {
				nothingLeft = true
				break
			}
			held, qty = live, live
			continue
		}
		if qty = held / 2; qty < 1 {
			break
		}
	}

	if nothingLeft {
		l.Warn("Broker reports nothing left to sell, dropping tracking")
		x.registry.Close(sym)
		x.log.Append(x.skip(req, lastErr).With("broker_qty_lots", 0))
		return broker.Order{}, fmt.Errorf("sell %s: nothing left at broker: %w", sym, lastErr)
	}
	x.log.Append(x.skip(req, lastErr))
	return broker.Order{}, fmt.Errorf("sell %s: %w", sym, lastErr)
}

func (x *Exiter) brokerQty(ctx context.Context, symbol string) (int, error) {
	positions, err := x.broker.Positions(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if x.canon(p.Symbol) == symbol {
			return p.QtyLots, nil
		}
	}
	return 0, nil
}

func (x *Exiter) skip(req ExitRequest, err error) events.Event {
	e := events.Skip(req.Position.Symbol, "order_placement_failed").WithPrice(req.Price).
		With("side", string(broker.SideSell)).
		With("exit_reason", req.Reason).
		With("reason", broker.Reason(err)).
		With("qty_lots", req.QtyLots)
	if err != nil {
		e = e.With("error", err.Error())
	}
	if req.CycleID != "" {
		e = e.With("cycle_id", req.CycleID)
	}
	return e
}

func (x *Exiter) filled(req ExitRequest, order broker.Order, qty, held int) {
	pos := req.Position
	price := order.Price
	if price <= 0 {
		price = req.Price
	}
	lot := pos.Lot
	if order.Lot > 0 {
		lot = order.Lot
	}
	pnl := (price - pos.EntryPrice) * float64(qty*lot)

	e := events.Trade(pos.Symbol, events.ActionSell, qty, lot, price).
		With("reason", req.Reason).
		With("pnl", pnl).
		With("entry_price", pos.EntryPrice).
		With("stop_level", pos.StopLoss).
		With("take_level", pos.TakeProfit).
		With("qty_shares", float64(qty*lot)).
		With("order_id", order.ID)
	e.Reason = req.Reason
	if req.CycleID != "" {
		e = e.With("cycle_id", req.CycleID)
	}
	x.log.Append(e)

	if remaining := held - qty; remaining > 0 {
		if err := x.registry.SetQty(pos.Symbol, remaining); err != nil {
			x.logger.Warn("Partial exit on untracked position", zap.String("symbol", pos.Symbol))
		}
	} else {
		x.registry.Close(pos.Symbol)
	}
	if x.tracker != nil {
		x.tracker.Record(performance.Outcome{Symbol: pos.Symbol, PnL: pnl, Reason: req.Reason, TS: x.now()})
	}
	x.logger.Info("Position sold",
		zap.String("symbol", pos.Symbol),
		zap.String("reason", req.Reason),
		zap.Int("qty_lots", qty),
		zap.Float64("price", price),
		zap.Float64("pnl", pnl),
	)
}
