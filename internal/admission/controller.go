// Package admission decides which entry candidates of a cycle become orders:
// it runs the gates, ranks the survivors by score within the remaining slots
// and executes the admitted entries one by one.
package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tinvest-trade-bot/internal/analyzer"
	"tinvest-trade-bot/internal/broker"
	"tinvest-trade-bot/internal/config"
	"tinvest-trade-bot/internal/events"
	"tinvest-trade-bot/internal/performance"
	"tinvest-trade-bot/internal/positions"
	"tinvest-trade-bot/internal/risk"
	"tinvest-trade-bot/internal/scoring"
	"tinvest-trade-bot/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// unlimited stands in for a disabled count limit.
const unlimited = 999999

// Config holds the admission limits and filters.
type Config struct {
	MaxTradesPerDay  int
	MaxOpenPositions int
	MaxBuysPerCycle  int
	MinConfBuy       float64
	MinATRPct        float64
	SessionCheck     bool
	AutoBlock        bool
	Sizing           SizingConfig
	Filters          config.Filters
}

// ConfigFrom maps the application configuration.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		MaxTradesPerDay:  cfg.Trading.MaxTradesPerDay,
		MaxOpenPositions: cfg.Trading.MaxOpenPositions,
		MaxBuysPerCycle:  cfg.Trading.MaxBuysPerCycle,
		MinConfBuy:       cfg.Trading.MinConfBuy,
		MinATRPct:        cfg.Risk.MinATRPct,
		SessionCheck:     cfg.Trading.SessionCheck,
		AutoBlock:        cfg.Filters.AutoBlockMinTrades > 0,
		Sizing: SizingConfig{
			Mode:                cfg.Risk.PositionSizing,
			RiskPerTrade:        cfg.Risk.RiskPerTrade,
			MaxPositionSize:     cfg.Risk.MaxPositionSize,
			MaxPositionValuePct: cfg.Risk.MaxPositionValuePct,
			HighLotThreshold:    cfg.Risk.HighLotThreshold,
			HighLotSizeFactor:   cfg.Risk.HighLotSizeFactor,
		},
		Filters: cfg.Filters,
	}
}

// Services are the optional advisors consulted by the gates and sizing.
// Nil fields are disabled.
type Services struct {
	Tracker     *performance.Tracker
	Correlation *performance.CorrelationGuard
	Regime      bool
	Session     *performance.Session
}

// Deps are the collaborators of the controller.
type Deps struct {
	Broker    broker.Broker
	Analyzer  analyzer.MarketAnalyzer
	Registry  *positions.Registry
	Risk      *risk.Tracker
	Cooldowns *risk.Cooldowns
	Log       events.Appender
}

// Status is a point-in-time view of the controller.
type Status struct {
	EntriesEnabled bool                 `json:"entriesEnabled"`
	TradesToday    int                  `json:"tradesToday"`
	TradingDay     string               `json:"tradingDay"`
	OpenPositions  int                  `json:"openPositions"`
	Cooldowns      map[string]time.Time `json:"cooldowns"`
}

// Controller is driven by the decision loop. Only the entries toggle and
// Status may be used from other goroutines.
type Controller struct {
	cfg     Config
	deps    Deps
	svc     Services
	weights scoring.Weights
	noisy   map[string]bool
	now     func() time.Time
	logger  *zap.Logger

	entriesEnabled atomic.Bool

	mu          sync.Mutex
	tradesToday int
	tradesDay   string
}

// NewController wires a controller. Entries start enabled.
func NewController(cfg Config, deps Deps, svc Services, logger *zap.Logger) *Controller {
	noisy := make(map[string]bool, len(cfg.Filters.NoisySymbols))
	for _, s := range cfg.Filters.NoisySymbols {
		noisy[s] = true
	}
	c := &Controller{
		cfg:     cfg,
		deps:    deps,
		svc:     svc,
		weights: scoring.DefaultWeights(),
		noisy:   noisy,
		now:     time.Now,
		logger:  logger.Named("admission"),
	}
	c.entriesEnabled.Store(true)
	return c
}

// SetEntriesEnabled toggles new entries. Exits are never affected.
func (c *Controller) SetEntriesEnabled(enabled bool) {
	c.entriesEnabled.Store(enabled)
	c.logger.Info("Entries toggled", zap.Bool("enabled", enabled))
}

// EntriesEnabled reports the operator toggle.
func (c *Controller) EntriesEnabled() bool { return c.entriesEnabled.Load() }

// SetTradesToday restores the BUY count of the trading day containing at.
func (c *Controller) SetTradesToday(n int, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tradesToday = n
	c.tradesDay = c.deps.Risk.Calendar().TradingDay(at)
}

// TradesToday returns the BUY count of the current trading day.
func (c *Controller) TradesToday() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollDay(c.now())
	return c.tradesToday
}

func (c *Controller) rollDay(at time.Time) {
	day := c.deps.Risk.Calendar().TradingDay(at)
	if day != c.tradesDay {
		c.tradesDay = day
		c.tradesToday = 0
	}
}

func (c *Controller) incTrades() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollDay(c.now())
	c.tradesToday++
}

// Status returns the current admission state.
func (c *Controller) Status() Status {
	now := c.now()
	c.mu.Lock()
	c.rollDay(now)
	trades, day := c.tradesToday, c.tradesDay
	c.mu.Unlock()
	return Status{
		EntriesEnabled: c.EntriesEnabled(),
		TradesToday:    trades,
		TradingDay:     day,
		OpenPositions:  c.deps.Registry.Len(),
		Cooldowns:      c.deps.Cooldowns.Active(now),
	}
}

// Result summarises one admission pass.
type Result struct {
	Candidates int
	Allowed    int
	Admitted   []string
	Opened     []string
}

// Run evaluates every configured symbol without an open position, then admits
// and executes the best candidates within the remaining slots.
func (c *Controller) Run(ctx context.Context, cycleID string, symbols []string, acct broker.AccountInfo) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "admission.Run")
	defer span.End()

	var cands []scoring.Candidate
	for _, sym := range symbols {
		if _, open := c.deps.Registry.Get(sym); open {
			continue
		}
		cand, ok := c.evaluate(ctx, cycleID, sym)
		if ok {
			cands = append(cands, cand)
		}
	}

	admitted, allowed := c.rank(cycleID, cands)
	res := Result{Candidates: len(cands), Allowed: allowed}
	span.SetAttributes(attribute.Int("candidates", len(cands)), attribute.Int("allowed", allowed))

	for i, cand := range admitted {
		res.Admitted = append(res.Admitted, cand.Symbol)
		opened, err := c.executeBuy(ctx, cycleID, cand, i+1, acct)
		if err != nil {
			c.logger.Error("Entry failed", zap.String("symbol", cand.Symbol), zap.Error(err))
			continue
		}
		if opened {
			res.Opened = append(res.Opened, cand.Symbol)
		}
	}
	return res, nil
}

func (c *Controller) skip(cycleID, symbol, reason string) events.Event {
	e := events.Skip(symbol, reason)
	if cycleID != "" {
		e = e.With("cycle_id", cycleID)
	}
	return e
}

func remaining(limit, used int) int {
	if limit <= 0 {
		return unlimited
	}
	return max(0, limit-used)
}

// rank orders candidates by score and returns the admitted head. Rejected
// candidates are logged with their rank and the cutoff score.
func (c *Controller) rank(cycleID string, cands []scoring.Candidate) ([]scoring.Candidate, int) {
	if len(cands) == 0 {
		return nil, 0
	}
	remTrades := remaining(c.cfg.MaxTradesPerDay, c.TradesToday())
	remPositions := remaining(c.cfg.MaxOpenPositions, c.deps.Registry.Len())
	maxBuys := c.cfg.MaxBuysPerCycle
	if maxBuys <= 0 {
		maxBuys = unlimited
	}
	allowed := min(remTrades, remPositions, maxBuys)

	scoring.Rank(cands)

	if allowed == 0 {
		for _, cand := range cands {
			c.deps.Log.Append(c.skip(cycleID, cand.Symbol, ReasonRankNotSelected).
				WithPrice(cand.Analysis.Price).
				With("reason", "no_slots").
				With("score", cand.Score).
				With("remaining_trades", remTrades).
				With("remaining_positions", remPositions).
				With("max_buys_per_cycle", maxBuys))
		}
		return nil, 0
	}
	if allowed >= len(cands) {
		return cands, allowed
	}
	cutoff := cands[allowed-1].Score
	for i, cand := range cands[allowed:] {
		c.deps.Log.Append(c.skip(cycleID, cand.Symbol, ReasonRankNotSelected).
			WithPrice(cand.Analysis.Price).
			With("rank", allowed+i+1).
			With("score", cand.Score).
			With("cutoff", cutoff).
			With("selected", allowed))
	}
	return cands[:allowed], allowed
}
