package broker

import (
	"context"
	"fmt"

	"tinvest-trade-bot/internal/symbols"
)

// ResolveTicker maps a symbol or FIGI reported by the broker to its canonical
// ticker. FIGIs the resolver does not know are looked up once and registered.
func ResolveTicker(ctx context.Context, md MarketData, r *symbols.Resolver, raw string) (string, error) {
	sym := r.Canonical(raw)
	if sym == "" {
		return "", fmt.Errorf("empty symbol")
	}
	if !symbols.IsFIGI(sym) {
		return sym, nil
	}
	inst, err := md.Instrument(ctx, sym)
	if err != nil {
		return "", fmt.Errorf("resolve figi %s: %w", sym, err)
	}
	if inst.Ticker == "" {
		return "", fmt.Errorf("resolve figi %s: %w", sym, ErrInstrumentNotFound)
	}
	r.Register(sym, inst.Ticker)
	return r.Canonical(inst.Ticker), nil
}
