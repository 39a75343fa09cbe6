package admission

import (
	"context"

	"tinvest-trade-bot/internal/analyzer"
	"tinvest-trade-bot/internal/events"
	"tinvest-trade-bot/internal/performance"
	"tinvest-trade-bot/internal/scoring"

	"go.uber.org/zap"
)

// Skip reasons of the gates, in evaluation order.
const (
	ReasonEntriesDisabled   = "entries_disabled"
	ReasonCircuitBreaker    = "circuit_breaker"
	ReasonCooldown          = "cooldown"
	ReasonMaxTradesPerDay   = "max_trades_per_day"
	ReasonMaxOpenPositions  = "max_open_positions"
	ReasonNoPrice           = "no_price"
	ReasonShouldBuyFalse    = "strategy_should_buy_false"
	ReasonNoisyFilter       = "noisy_quality_filter"
	ReasonQualityFilter     = "quality_filter"
	ReasonSymbolAutoBlocked = "symbol_auto_blocked"
	ReasonCorrelationGuard  = "correlation_guard"
	ReasonRankNotSelected   = "rank_not_selected"
)

// evaluate runs the gates for one symbol. Every failing gate is logged and
// ends the evaluation; survivors are returned scored.
func (c *Controller) evaluate(ctx context.Context, cycleID, sym string) (scoring.Candidate, bool) {
	now := c.now()
	log := c.deps.Log
	l := c.logger.With(zap.String("symbol", sym), zap.String("cycle_id", cycleID))

	if !c.EntriesEnabled() {
		log.Append(c.skip(cycleID, sym, ReasonEntriesDisabled))
		return scoring.Candidate{}, false
	}
	if blocked, rule := c.deps.Risk.EntriesBlocked(); blocked {
		log.Append(c.skip(cycleID, sym, ReasonCircuitBreaker).With("rule", rule))
		return scoring.Candidate{}, false
	}
	if until, active := c.deps.Cooldowns.Until(sym, now); active {
		log.Append(c.skip(cycleID, sym, ReasonCooldown).With("cooldown_until", until.UTC().Format("2006-01-02T15:04:05Z")))
		return scoring.Candidate{}, false
	}
	if trades := c.TradesToday(); c.cfg.MaxTradesPerDay > 0 && trades >= c.cfg.MaxTradesPerDay {
		log.Append(c.skip(cycleID, sym, ReasonMaxTradesPerDay).
			With("trades_today", trades).
			With("limit", c.cfg.MaxTradesPerDay))
		return scoring.Candidate{}, false
	}
	if open := c.deps.Registry.Len(); c.cfg.MaxOpenPositions > 0 && open >= c.cfg.MaxOpenPositions {
		log.Append(c.skip(cycleID, sym, ReasonMaxOpenPositions).
			With("open_positions", open).
			With("limit", c.cfg.MaxOpenPositions))
		return scoring.Candidate{}, false
	}

	a, err := c.deps.Analyzer.Analyze(ctx, sym)
	if err != nil || a.Price <= 0 {
		e := c.skip(cycleID, sym, ReasonNoPrice)
		if err != nil {
			l.Warn("Analysis failed", zap.Error(err))
			e = e.With("error", err.Error())
		}
		log.Append(e)
		return scoring.Candidate{}, false
	}
	withAnalysis := func(reason string) events.Event {
		e := c.skip(cycleID, sym, reason).WithPrice(a.Price)
		for k, v := range a.Details() {
			e = e.With(k, v)
		}
		return e
	}

	minConf := c.minConfBuy(sym, a)
	if !analyzer.ShouldBuy(a, minConf) {
		log.Append(withAnalysis(ReasonShouldBuyFalse).With("min_conf_buy", minConf))
		return scoring.Candidate{}, false
	}
	if c.noisy[sym] {
		if rule := c.noisyRule(a); rule != "" {
			log.Append(withAnalysis(ReasonNoisyFilter).With("rule", rule))
			return scoring.Candidate{}, false
		}
	}
	if rule := c.qualityRule(a); rule != "" {
		log.Append(withAnalysis(ReasonQualityFilter).With("rule", rule))
		return scoring.Candidate{}, false
	}
	if t := c.svc.Tracker; t != nil && c.cfg.AutoBlock && t.Blocked(sym) {
		st := t.Stats(sym)
		log.Append(withAnalysis(ReasonSymbolAutoBlocked).
			With("win_rate", st.WinRate).
			With("recent_trades", st.RecentTrades).
			With("streak", st.Streak))
		return scoring.Candidate{}, false
	}
	if ok, why := c.svc.Correlation.CanOpen(sym, c.deps.Registry.Symbols()); !ok {
		log.Append(withAnalysis(ReasonCorrelationGuard).With("rule", why))
		return scoring.Candidate{}, false
	}

	score := c.weights.Score(a, c.noisy[sym])
	l.Debug("Candidate admitted to ranking", zap.Float64("score", score), zap.Float64("confidence", a.Confidence))
	return scoring.Candidate{Symbol: sym, Score: score, Analysis: a}, true
}

// minConfBuy scales the configured threshold by the symbol's record and the regime.
func (c *Controller) minConfBuy(sym string, a analyzer.Analysis) float64 {
	conf := c.cfg.MinConfBuy
	if c.svc.Tracker != nil {
		conf *= c.svc.Tracker.ConfidenceAdjustment(sym)
	}
	if c.svc.Regime {
		conf *= performance.DetectRegime(a.Closes).Adjust().BuyConfMult
	}
	return conf
}

// noisyRule returns the first stricter rule a noisy symbol fails, or "".
func (c *Controller) noisyRule(a analyzer.Analysis) string {
	f := c.cfg.Filters
	switch {
	case a.Confidence < f.NoisyMinConfBuy:
		return "noisy_min_conf_buy"
	case f.NoisyRequireTrendUp && a.Trend != analyzer.TrendUp:
		return "noisy_require_trend_up"
	case a.VolumeRatio < f.NoisyVolumeRatioMin:
		return "noisy_volume_ratio_min"
	case finiteHist(a) && a.MACDHist < f.NoisyMACDHistMin:
		return "noisy_macd_hist_min"
	}
	return ""
}

// qualityRule returns the first global entry filter a candidate fails, or "".
func (c *Controller) qualityRule(a analyzer.Analysis) string {
	f := c.cfg.Filters
	switch {
	case f.RequireTrendUpBuy && a.Trend != analyzer.TrendUp:
		return "require_trend_up_buy"
	case f.MinVolumeRatioBuy > 0 && a.VolumeRatio < f.MinVolumeRatioBuy:
		return "min_volume_ratio_buy"
	case f.RequireMACDRisingBuy && !(finiteHist(a) && a.MACDHist > a.MACDHistPrev):
		return "require_macd_rising_buy"
	}
	return ""
}

func finiteHist(a analyzer.Analysis) bool {
	return a.MACDHist == a.MACDHist && a.MACDHistPrev == a.MACDHistPrev
}
