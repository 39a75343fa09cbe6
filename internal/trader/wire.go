package trader

import (
	"fmt"
	"time"

	"tinvest-trade-bot/internal/admission"
	"tinvest-trade-bot/internal/analyzer"
	"tinvest-trade-bot/internal/broker"
	"tinvest-trade-bot/internal/config"
	"tinvest-trade-bot/internal/database"
	"tinvest-trade-bot/internal/events"
	"tinvest-trade-bot/internal/ledger"
	"tinvest-trade-bot/internal/performance"
	"tinvest-trade-bot/internal/positions"
	"tinvest-trade-bot/internal/recovery"
	"tinvest-trade-bot/internal/risk"
	"tinvest-trade-bot/internal/symbols"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EventLog is the event log as used by the engine: appended by the loop,
// scanned and tailed by recovery.
type EventLog interface {
	events.Appender
	recovery.Source
}

// Build wires every component from the configuration around a broker, the
// event log and the projection database.
func Build(cfg *config.Config, b broker.Broker, log EventLog, db *gorm.DB, logger *zap.Logger) (*Engine, error) {
	loc, err := cfg.Trading.Location()
	if err != nil {
		return nil, fmt.Errorf("trading timezone: %w", err)
	}
	resolver := symbols.NewResolver()
	if cfg.Trading.SymbolsFile != "" {
		if err := resolver.LoadFile(cfg.Trading.SymbolsFile); err != nil {
			return nil, err
		}
	}
	watchlist := make([]string, 0, len(cfg.Trading.Symbols))
	for _, s := range cfg.Trading.Symbols {
		if c := resolver.Canonical(s); c != "" {
			watchlist = append(watchlist, c)
		}
	}

	proj := database.NewProjection(db, cfg.Trading.DryRun, logger)
	book, err := proj.Rebuild(log, ledger.WithCanonicalizer(resolver.Canonical))
	if err != nil {
		return nil, err
	}
	if err := database.SyncInstruments(db, watchlist, cfg.Filters.NoisySymbols, resolver); err != nil {
		return nil, err
	}
	rec := database.NewRecorder(log, proj, book, logger)

	cal := risk.Calendar{Location: loc, ResetHour: cfg.Risk.DayResetHour}
	riskTracker := risk.NewTracker(risk.Config{
		Calendar:             cal,
		DailyLossLimitPct:    cfg.Risk.DailyLossLimitPct,
		PeakDrawdownLimitPct: cfg.Risk.PeakDrawdownLimitPct,
		JumpThreshold:        cfg.Risk.EquityJumpThreshold,
		StatePath:            cfg.Risk.StatePath,
	}, rec, logger)
	cooldowns := risk.NewCooldowns(cfg.Trading.SymbolCooldown)
	registry := positions.NewRegistry(positions.LevelsFromConfig(cfg.Exits), rec, logger)
	an := analyzer.NewService(b, cfg.Trading.BarInterval, cfg.Trading.HistoryLookback, logger)

	var perf *performance.Tracker
	if cfg.Filters.PerformanceTracker {
		perf = performance.NewTracker(performance.TrackerConfig{
			Lookback:      time.Duration(cfg.Filters.PerformanceLookbackDays) * 24 * time.Hour,
			BlockMinTrade: cfg.Filters.AutoBlockMinTrades,
			BlockLossRate: cfg.Filters.AutoBlockMaxLossRate,
		})
	}
	session := performance.MOEXSession(loc)

	ctrl := admission.NewController(admission.ConfigFrom(*cfg), admission.Deps{
		Broker:    b,
		Analyzer:  an,
		Registry:  registry,
		Risk:      riskTracker,
		Cooldowns: cooldowns,
		Log:       rec,
	}, admission.Services{
		Tracker:     perf,
		Correlation: performance.NewCorrelationGuard(resolver, cfg.Filters.CorrelationMaxPerGroup),
		Regime:      cfg.Filters.MarketRegime,
		Session:     &session,
	}, logger)

	confirm := positions.NewSellConfirmer(positions.ConfirmConfig{
		MinConfSellStrong:   cfg.Exits.MinConfSellStrong,
		SellConfirmBars:     cfg.Exits.SellConfirmBars,
		RSIStrongOverbought: cfg.Exits.RSIStrongOverbought,
	})
	exiter := positions.NewExiter(b, registry, rec, cooldowns, perf, resolver.Canonical, logger)
	monitor := positions.NewMonitor(positions.MonitorConfig{
		MinConfSell:  cfg.Exits.MinConfSell,
		SessionCheck: cfg.Trading.SessionCheck,
	}, b, an, registry, confirm, exiter, resolver, session, rec, logger)

	boot := recovery.New(recovery.Deps{
		Broker:    b,
		Log:       log,
		Resolver:  resolver,
		Registry:  registry,
		Risk:      riskTracker,
		Admission: ctrl,
		Cooldowns: cooldowns,
		Tracker:   perf,
	}, cfg.EventLog.TailMaxBytes, logger)

	return NewEngine(cfg.Tracing.ServiceName, Components{
		Broker:     b,
		Log:        rec,
		Recorder:   rec,
		DB:         db,
		Registry:   registry,
		Risk:       riskTracker,
		Admission:  ctrl,
		Monitor:    monitor,
		Recovery:   boot,
		Symbols:    watchlist,
		Interval:   cfg.Trading.UpdateInterval,
		AutoStart:  cfg.Trading.AutoStart,
		Simulation: cfg.Trading.DryRun,
	}, logger), nil
}
