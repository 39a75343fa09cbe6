package admission

import (
	"context"
	"errors"
	"fmt"

	"tinvest-trade-bot/internal/broker"
	"tinvest-trade-bot/internal/events"
	"tinvest-trade-bot/internal/performance"
	"tinvest-trade-bot/internal/positions"
	"tinvest-trade-bot/internal/scoring"

	"go.uber.org/zap"
)

// Execution skip reasons.
const (
	ReasonInstrumentNotFound   = "instrument_not_found"
	ReasonLowATRPct            = "low_atr_pct"
	ReasonPositionTooExpensive = "position_too_expensive"
	ReasonTradingSessionClosed = "trading_session_closed"
	ReasonOrderPlacementFailed = "order_placement_failed"
	sizingModeRisk             = "risk"
)

// executeBuy sizes and places the entry of an admitted candidate. It reports
// whether a position was opened; rejections are logged as skips, not errors.
func (c *Controller) executeBuy(ctx context.Context, cycleID string, cand scoring.Candidate, rank int, acct broker.AccountInfo) (bool, error) {
	sym := cand.Symbol
	a := cand.Analysis
	price := a.Price
	l := c.logger.With(zap.String("symbol", sym), zap.String("cycle_id", cycleID), zap.Int("rank", rank))

	skip := func(reason string) events.Event {
		return c.skip(cycleID, sym, reason).
			WithPrice(price).
			With("rank", rank).
			With("score", cand.Score).
			With("confidence", a.Confidence)
	}

	inst, err := c.deps.Broker.Instrument(ctx, sym)
	if err != nil {
		c.deps.Log.Append(skip(ReasonInstrumentNotFound).With("error", err.Error()))
		return false, nil
	}
	if inst.Lot <= 0 {
		c.deps.Log.Append(skip(ReasonInstrumentNotFound).With("lot", inst.Lot))
		return false, nil
	}
	lot := inst.Lot

	atr := 0.0
	if a.HasATR() {
		atr = a.ATR
		if c.cfg.MinATRPct > 0 && a.ATRPct() < c.cfg.MinATRPct {
			c.deps.Log.Append(skip(ReasonLowATRPct).
				With("atr_pct", a.ATRPct()).
				With("min_atr_pct", c.cfg.MinATRPct))
			return false, nil
		}
	}
	stop, take := c.deps.Registry.Levels().EntryLevels(price, atr)

	sz := c.cfg.Sizing
	var shares int
	if sz.Mode == sizingModeRisk {
		shares = SharesByRisk(acct.Equity, price, stop, a.Confidence, sz.RiskPerTrade, sz.MaxPositionSize)
	} else {
		shares = SharesFixed(acct.Equity, price, a.Confidence, sz.MaxPositionSize)
	}
	lots := sz.Lots(shares, lot, c.sizeMultiplier(sym, a.Closes))
	capped := sz.CapByValue(lots, lot, price, acct.Equity)
	if capped < 1 {
		c.deps.Log.Append(skip(ReasonPositionTooExpensive).
			With("lot", lot).
			With("lot_value", price*float64(lot)).
			With("equity", acct.Equity).
			With("max_position_value_pct", sz.MaxPositionValuePct))
		return false, nil
	}
	if capped < lots {
		l.Debug("Entry capped by position value", zap.Int("lots", lots), zap.Int("capped", capped))
	}
	lots = capped

	if ok, why := c.svc.Correlation.CanOpen(sym, c.deps.Registry.Symbols()); !ok {
		c.deps.Log.Append(skip(ReasonCorrelationGuard).With("rule", why))
		return false, nil
	}
	if c.cfg.SessionCheck && c.svc.Session != nil {
		if open, why := c.svc.Session.IsOpen(c.now()); !open {
			c.deps.Log.Append(skip(ReasonTradingSessionClosed).With("session", why))
			return false, nil
		}
	}

	order, err := c.deps.Broker.PlaceMarketOrder(ctx, sym, lots, broker.SideBuy)
	c.deps.Cooldowns.Start(sym, c.now())
	if err != nil {
		e := skip(ReasonOrderPlacementFailed).
			With("side", string(broker.SideBuy)).
			With("reason", broker.Reason(err)).
			With("qty_lots", lots).
			With("error", err.Error())
		var oe *broker.OrderError
		if errors.As(err, &oe) {
			e = e.With("code", oe.Code).With("description", oe.Description)
		}
		c.deps.Log.Append(e)
		l.Warn("Buy order failed", zap.Error(err))
		return false, nil
	}

	fill := order.Price
	if fill <= 0 {
		fill = price
	}
	executed := order.LotsExecuted
	if executed <= 0 {
		executed = lots
	}
	if order.Lot > 0 {
		lot = order.Lot
	}
	pos := positions.TrackedPosition{
		Symbol:     sym,
		EntryPrice: fill,
		QtyLots:    executed,
		Lot:        lot,
		StopLoss:   stop,
		TakeProfit: take,
		EntryTS:    c.now(),
	}
	if err := c.deps.Registry.Open(pos); err != nil {
		return false, fmt.Errorf("track %s: %w", sym, err)
	}

	e := events.Trade(sym, events.ActionBuy, executed, lot, fill).
		WithAccount(acct.Equity, acct.Cash).
		With("stop_loss", stop).
		With("take_profit", take).
		With("score", cand.Score).
		With("rank", rank).
		With("confidence", a.Confidence).
		With("order_id", order.ID)
	if cycleID != "" {
		e = e.With("cycle_id", cycleID)
	}
	c.deps.Log.Append(e)
	c.incTrades()

	l.Info("Position opened",
		zap.Int("qty_lots", executed),
		zap.Int("lot", lot),
		zap.Float64("price", fill),
		zap.Float64("stop_loss", stop),
		zap.Float64("take_profit", take),
	)
	return true, nil
}

// sizeMultiplier combines the symbol's performance factor and the regime adjustment.
func (c *Controller) sizeMultiplier(sym string, closes []float64) float64 {
	mult := 1.0
	if c.svc.Tracker != nil {
		mult *= c.svc.Tracker.SizeMultiplier(sym)
	}
	if c.svc.Regime {
		mult *= performance.DetectRegime(closes).Adjust().SizeMult
	}
	return mult
}
