package performance

import (
	"fmt"

	"tinvest-trade-bot/internal/symbols"
)

// CorrelationGuard caps open positions per sector group.
type CorrelationGuard struct {
	resolver    *symbols.Resolver
	maxPerGroup int
}

// NewCorrelationGuard returns a guard allowing maxPerGroup positions per group.
// A non-positive max disables the guard.
func NewCorrelationGuard(resolver *symbols.Resolver, maxPerGroup int) *CorrelationGuard {
	return &CorrelationGuard{resolver: resolver, maxPerGroup: maxPerGroup}
}

// CanOpen reports whether symbol may be opened next to the open symbols.
func (g *CorrelationGuard) CanOpen(symbol string, open []string) (bool, string) {
	if g == nil || g.maxPerGroup <= 0 {
		return true, ""
	}
	group := g.resolver.Group(symbol)
	if group == "" {
		return true, ""
	}
	count := 0
	for _, s := range open {
		if g.resolver.Group(s) == group {
			count++
		}
	}
	if count >= g.maxPerGroup {
		return false, fmt.Sprintf("group %s already has %d/%d positions", group, count, g.maxPerGroup)
	}
	return true, ""
}
