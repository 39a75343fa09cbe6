// Package recovery rebuilds the in-memory trading state at startup: tracked
// positions from the broker, the day's risk from the log, and the counters
// the admission gates rely on.
package recovery

import (
	"context"
	"fmt"
	"time"

	"tinvest-trade-bot/internal/admission"
	"tinvest-trade-bot/internal/broker"
	"tinvest-trade-bot/internal/events"
	"tinvest-trade-bot/internal/ledger"
	"tinvest-trade-bot/internal/performance"
	"tinvest-trade-bot/internal/positions"
	"tinvest-trade-bot/internal/risk"
	"tinvest-trade-bot/internal/symbols"

	"go.uber.org/zap"
)

// Source is the read side of the event log.
type Source interface {
	ledger.Scanner
	Since(t time.Time, maxBytes int64) ([]events.Event, error)
}

// Deps are the components restored by the bootstrap. Tracker may be nil.
type Deps struct {
	Broker    broker.Broker
	Log       Source
	Resolver  *symbols.Resolver
	Registry  *positions.Registry
	Risk      *risk.Tracker
	Admission *admission.Controller
	Cooldowns *risk.Cooldowns
	Tracker   *performance.Tracker
}

// Report describes what a bootstrap restored.
type Report struct {
	Book        *ledger.Book
	Restored    []positions.TrackedPosition
	Dropped     []string
	TradesToday int
	Risk        risk.Status
}

// Bootstrap restores state from the broker snapshot and the event log.
type Bootstrap struct {
	deps         Deps
	tailMaxBytes int64
	now          func() time.Time
	logger       *zap.Logger
}

// New returns a bootstrap reading at most tailMaxBytes of today's log tail.
func New(deps Deps, tailMaxBytes int64, logger *zap.Logger) *Bootstrap {
	return &Bootstrap{
		deps:         deps,
		tailMaxBytes: tailMaxBytes,
		now:          time.Now,
		logger:       logger.Named("recovery"),
	}
}

// Run restores everything. It is idempotent: running it again against the
// same broker snapshot and log leaves the same state.
func (b *Bootstrap) Run(ctx context.Context) (Report, error) {
	now := b.now()
	canon := b.deps.Resolver.Canonical

	book, err := ledger.ReplayLog(b.deps.Log, ledger.WithCanonicalizer(canon))
	if err != nil {
		return Report{}, fmt.Errorf("replay ledger: %w", err)
	}
	rep := Report{Book: book}
	if b.deps.Tracker != nil {
		b.deps.Tracker.Seed(book.Fills())
	}

	today, err := b.deps.Log.Since(b.deps.Risk.Calendar().DayStart(now), b.tailMaxBytes)
	if err != nil {
		return rep, fmt.Errorf("read today's events: %w", err)
	}
	rep.Risk = b.deps.Risk.Recompute(today, now)
	rep.TradesToday = b.restoreCounters(today, now)

	restored, dropped, err := b.restorePositions(ctx, book)
	rep.Restored, rep.Dropped = restored, dropped
	if err != nil {
		return rep, err
	}

	b.logger.Info("State recovered",
		zap.Int("fills", len(book.Fills())),
		zap.Int("tracked", b.deps.Registry.Len()),
		zap.Int("restored", len(restored)),
		zap.Int("dropped", len(dropped)),
		zap.Int("trades_today", rep.TradesToday),
		zap.Bool("entries_blocked", rep.Risk.EntriesBlocked),
	)
	return rep, nil
}

// restoreCounters sets the trades-today count from today's BUYs and starts a
// cooldown at every trade of the day.
func (b *Bootstrap) restoreCounters(today []events.Event, now time.Time) int {
	cal := b.deps.Risk.Calendar()
	day := cal.TradingDay(now)
	buys := 0
	for _, e := range today {
		if !e.IsTrade("") || cal.TradingDay(e.TS) != day {
			continue
		}
		if e.Action == events.ActionBuy {
			buys++
		}
		if b.deps.Cooldowns != nil {
			b.deps.Cooldowns.Start(b.deps.Resolver.Canonical(e.Symbol), e.TS)
		}
	}
	if b.deps.Admission != nil {
		b.deps.Admission.SetTradesToday(buys, now)
	}
	return buys
}

// restorePositions makes the registry match the broker: live holdings are
// tracked, tracked symbols the broker no longer holds are dropped.
func (b *Bootstrap) restorePositions(ctx context.Context, book *ledger.Book) (restored []positions.TrackedPosition, dropped []string, err error) {
	live, err := b.deps.Broker.Positions(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list broker positions: %w", err)
	}

	held := make(map[string]bool, len(live))
	for _, bp := range live {
		if bp.QtyLots <= 0 {
			continue
		}
		sym, err := broker.ResolveTicker(ctx, b.deps.Broker, b.deps.Resolver, bp.Symbol)
		if err != nil {
			b.logger.Warn("Cannot resolve broker position, left untracked", zap.String("symbol", bp.Symbol), zap.Error(err))
			continue
		}
		held[sym] = true

		if p, ok := b.deps.Registry.Get(sym); ok {
			if p.QtyLots != bp.QtyLots {
				_ = b.deps.Registry.SetQty(sym, bp.QtyLots)
			}
			continue
		}
		p := b.deps.Registry.Restore(sym, bp.QtyLots, bp.Lot, bp.CurrentPrice, bp.AvgPrice, book.Position(sym).AvgPrice())
		restored = append(restored, p)
	}

	for _, sym := range b.deps.Registry.Symbols() {
		if !held[sym] {
			b.deps.Registry.Close(sym)
			dropped = append(dropped, sym)
		}
	}
	return restored, dropped, nil
}
