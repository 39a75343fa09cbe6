package positions

import (
	"math"
	"sync"

	"tinvest-trade-bot/internal/analyzer"
)

// ConfirmConfig tunes signal exits.
type ConfirmConfig struct {
	MinConfSellStrong   float64
	SellConfirmBars     int
	RSIStrongOverbought float64
}

// Confirmation is the outcome of one sell-signal bar.
type Confirmation struct {
	Exit bool
	Got  int
	Need int
}

// SellConfirmer debounces weak sell signals on losing positions.
type SellConfirmer struct {
	cfg ConfirmConfig

	mu     sync.Mutex
	counts map[string]int
}

// NewSellConfirmer returns a confirmer with empty counters.
func NewSellConfirmer(cfg ConfirmConfig) *SellConfirmer {
	return &SellConfirmer{cfg: cfg, counts: make(map[string]int)}
}

// Confirm records a sell-signal bar for symbol. Strong confidence, a strongly
// overbought RSI or a non-losing position exit at once. Otherwise the exit needs
// SellConfirmBars consecutive bars.
func (c *SellConfirmer) Confirm(symbol string, a analyzer.Analysis, pnlPct float64) Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	need := c.cfg.SellConfirmBars
	forced := !math.IsNaN(a.RSI) && c.cfg.RSIStrongOverbought > 0 && a.RSI > c.cfg.RSIStrongOverbought
	if forced || a.Confidence >= c.cfg.MinConfSellStrong || pnlPct >= 0 {
		c.counts[symbol] = 0
		return Confirmation{Exit: true, Need: need}
	}
	c.counts[symbol]++
	got := c.counts[symbol]
	return Confirmation{Exit: got >= need, Got: got, Need: need}
}

// Reset clears the counter of symbol, on non-sell bars and after an exit.
func (c *SellConfirmer) Reset(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, symbol)
}
