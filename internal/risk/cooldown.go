package risk

import (
	"sync"
	"time"
)

// Cooldowns tracks per-symbol "no new entry before" deadlines.
type Cooldowns struct {
	period time.Duration

	mu    sync.RWMutex
	until map[string]time.Time
}

// NewCooldowns returns a table applying period after every order attempt.
func NewCooldowns(period time.Duration) *Cooldowns {
	return &Cooldowns{period: period, until: make(map[string]time.Time)}
}

// Start blocks symbol for one period from at. An earlier deadline never shortens a later one.
func (c *Cooldowns) Start(symbol string, at time.Time) {
	if c.period <= 0 {
		return
	}
	deadline := at.Add(c.period)
	c.mu.Lock()
	defer c.mu.Unlock()
	if deadline.After(c.until[symbol]) {
		c.until[symbol] = deadline
	}
}

// Until returns the deadline of symbol and whether it is still active at t.
func (c *Cooldowns) Until(symbol string, t time.Time) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.until[symbol]
	return d, ok && t.Before(d)
}

// Active lists the symbols still cooling down at t.
func (c *Cooldowns) Active(t time.Time) map[string]time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]time.Time)
	for s, d := range c.until {
		if t.Before(d) {
			out[s] = d
		}
	}
	return out
}
