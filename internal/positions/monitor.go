package positions

import (
	"context"
	"fmt"
	"time"

	"tinvest-trade-bot/internal/analyzer"
	"tinvest-trade-bot/internal/broker"
	"tinvest-trade-bot/internal/events"
	"tinvest-trade-bot/internal/ledger"
	"tinvest-trade-bot/internal/performance"
	"tinvest-trade-bot/internal/symbols"

	"go.uber.org/zap"
)

// MonitorConfig tunes the positions pass.
type MonitorConfig struct {
	MinConfSell  float64
	SessionCheck bool
}

// Monitor runs the positions pass of a cycle: it reconciles the registry with
// the broker, moves stops and exits positions whose triggers fired.
type Monitor struct {
	cfg      MonitorConfig
	broker   broker.Broker
	analyzer analyzer.MarketAnalyzer
	registry *Registry
	confirm  *SellConfirmer
	exiter   *Exiter
	resolver *symbols.Resolver
	session  performance.Session
	log      events.Appender
	now      func() time.Time
	logger   *zap.Logger
}

// NewMonitor wires the positions pass.
func NewMonitor(cfg MonitorConfig, b broker.Broker, an analyzer.MarketAnalyzer, registry *Registry, confirm *SellConfirmer, exiter *Exiter, resolver *symbols.Resolver, session performance.Session, log events.Appender, logger *zap.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		broker:   b,
		analyzer: an,
		registry: registry,
		confirm:  confirm,
		exiter:   exiter,
		resolver: resolver,
		session:  session,
		log:      log,
		now:      time.Now,
		logger:   logger.Named("monitor"),
	}
}

// Check runs one positions pass. book supplies ledger averages for positions
// that need their tracking restored; it may be nil.
func (m *Monitor) Check(ctx context.Context, cycleID string, book *ledger.Book) error {
	live, err := m.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}

	seen := make(map[string]bool, len(live))
	for _, bp := range live {
		sym, ok := m.symbolOf(ctx, bp)
		if !ok {
			continue
		}
		seen[sym] = true
		if bp.CurrentPrice <= 0 || bp.QtyLots <= 0 {
			continue
		}
		ledgerAvg := 0.0
		if book != nil {
			ledgerAvg = book.Position(sym).AvgPrice()
		}
		m.registry.Restore(sym, bp.QtyLots, bp.Lot, bp.CurrentPrice, bp.AvgPrice, ledgerAvg)
		m.check(ctx, cycleID, sym, bp)
	}

	for _, sym := range m.registry.Symbols() {
		if !seen[sym] {
			m.registry.Close(sym)
			m.confirm.Reset(sym)
			m.logger.Info("Position gone at broker, tracking dropped", zap.String("symbol", sym))
		}
	}
	return nil
}

// symbolOf maps a broker position to its canonical ticker. Positions that
// stay unresolved are skipped.
func (m *Monitor) symbolOf(ctx context.Context, bp broker.Position) (string, bool) {
	sym, err := broker.ResolveTicker(ctx, m.broker, m.resolver, bp.Symbol)
	if err != nil {
		m.logger.Warn("Cannot resolve ticker, skipping position", zap.String("symbol", bp.Symbol), zap.Error(err))
		return "", false
	}
	return sym, true
}

func (m *Monitor) check(ctx context.Context, cycleID, sym string, bp broker.Position) {
	l := m.logger.With(zap.String("symbol", sym))
	price := bp.CurrentPrice

	p, ok := m.registry.Get(sym)
	if !ok {
		return
	}
	// The broker is authoritative for quantity, as in recovery.
	if bp.QtyLots != p.QtyLots {
		l.Warn("Lot quantity mismatch, following the broker", zap.Int("broker", bp.QtyLots), zap.Int("tracked", p.QtyLots))
		if err := m.registry.SetQty(sym, bp.QtyLots); err != nil {
			l.Error("Failed to update tracked quantity", zap.Error(err))
			return
		}
	}
	qty := bp.QtyLots

	a, err := m.analyzer.Analyze(ctx, sym)
	hasAnalysis := err == nil
	if err != nil {
		l.Warn("Analysis failed, checking levels only", zap.Error(err))
	}

	m.registry.Breakeven(sym, price)
	if hasAnalysis && a.HasATR() {
		m.registry.Trail(sym, price, a.ATR)
	}
	p, _ = m.registry.Get(sym)

	reason := ""
	switch {
	case price <= p.StopLoss:
		reason = ReasonStopLoss
	case price >= p.TakeProfit:
		reason = ReasonTakeProfit
	case hasAnalysis && analyzer.ShouldSell(a, m.cfg.MinConfSell):
		c := m.confirm.Confirm(sym, a, p.PnLPct(price))
		if !c.Exit {
			m.log.Append(withCycle(events.Skip(sym, "sell_confirm_pending").WithPrice(price).
				With("need_bars", c.Need).
				With("got_bars", c.Got).
				With("confidence", a.Confidence).
				With("pnl_pct", p.PnLPct(price)), cycleID))
			return
		}
		reason = ReasonSignal
	default:
		m.confirm.Reset(sym)
	}
	if reason == "" {
		l.Debug("Position held",
			zap.Float64("price", price),
			zap.Float64("stop", p.StopLoss),
			zap.Float64("take", p.TakeProfit),
		)
		return
	}

	if m.cfg.SessionCheck {
		if open, why := m.session.IsOpen(m.now()); !open {
			l.Warn("Exit deferred, session closed", zap.String("exit_reason", reason), zap.String("session", why))
			m.log.Append(withCycle(events.Skip(sym, "trading_session_closed").WithPrice(price).
				With("side", string(broker.SideSell)).
				With("exit_reason", reason).
				With("session", why), cycleID))
			return
		}
	}

	if live, err := m.exiter.brokerQty(ctx, sym); err == nil && live > 0 {
		qty = min(qty, live)
	}
	l.Info("Exit triggered",
		zap.String("reason", reason),
		zap.Float64("price", price),
		zap.Float64("stop", p.StopLoss),
		zap.Float64("take", p.TakeProfit),
		zap.Int("qty_lots", qty),
	)
	if _, err := m.exiter.Exit(ctx, ExitRequest{Position: p, Price: price, QtyLots: qty, Reason: reason, CycleID: cycleID}); err != nil {
		l.Error("Exit failed", zap.Error(err))
		return
	}
	m.confirm.Reset(sym)
}

// Flatten exits every tracked position at the broker's current price.
func (m *Monitor) Flatten(ctx context.Context, cycleID string) error {
	live, err := m.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}
	prices := make(map[string]broker.Position, len(live))
	for _, bp := range live {
		prices[m.resolver.Canonical(bp.Symbol)] = bp
	}
	var firstErr error
	for _, p := range m.registry.Snapshot() {
		bp, ok := prices[p.Symbol]
		if !ok || bp.QtyLots <= 0 {
			m.registry.Close(p.Symbol)
			continue
		}
		req := ExitRequest{Position: p, Price: bp.CurrentPrice, QtyLots: min(p.QtyLots, bp.QtyLots), Reason: ReasonFlatten, CycleID: cycleID}
		if _, err := m.exiter.Exit(ctx, req); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func withCycle(e events.Event, cycleID string) events.Event {
	if cycleID == "" {
		return e
	}
	return e.With("cycle_id", cycleID)
}
