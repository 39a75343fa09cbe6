package broker

import (
	"context"
	"time"

	"tinvest-trade-bot/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WithTimeout bounds every broker call by d. A non-positive d returns b unchanged.
func WithTimeout(b Broker, d time.Duration) Broker {
	if d <= 0 {
		return b
	}
	return &timeoutBroker{next: b, timeout: d}
}

type timeoutBroker struct {
	next    Broker
	timeout time.Duration
}

func (t *timeoutBroker) Instrument(ctx context.Context, symbol string) (Instrument, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Instrument(ctx, symbol)
}

func (t *timeoutBroker) Candles(ctx context.Context, symbol string, from, to time.Time, interval string) ([]Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Candles(ctx, symbol, from, to, interval)
}

func (t *timeoutBroker) Positions(ctx context.Context) ([]Position, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Positions(ctx)
}

func (t *timeoutBroker) AccountInfo(ctx context.Context) (AccountInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.AccountInfo(ctx)
}

func (t *timeoutBroker) PlaceMarketOrder(ctx context.Context, symbol string, qtyLots int, side Side) (Order, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.PlaceMarketOrder(ctx, symbol, qtyLots, side)
}

// Traced wraps every broker call in a span.
func Traced(b Broker) Broker {
	return &tracedBroker{next: b}
}

type tracedBroker struct {
	next Broker
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (t *tracedBroker) Instrument(ctx context.Context, symbol string) (Instrument, error) {
	ctx, span := tracing.StartSpan(ctx, "broker.Instrument")
	span.SetAttributes(attribute.String("symbol", symbol))
	inst, err := t.next.Instrument(ctx, symbol)
	finish(span, err)
	return inst, err
}

func (t *tracedBroker) Candles(ctx context.Context, symbol string, from, to time.Time, interval string) ([]Candle, error) {
	ctx, span := tracing.StartSpan(ctx, "broker.Candles")
	span.SetAttributes(attribute.String("symbol", symbol), attribute.String("interval", interval))
	candles, err := t.next.Candles(ctx, symbol, from, to, interval)
	span.SetAttributes(attribute.Int("candles", len(candles)))
	finish(span, err)
	return candles, err
}

func (t *tracedBroker) Positions(ctx context.Context) ([]Position, error) {
	ctx, span := tracing.StartSpan(ctx, "broker.Positions")
	positions, err := t.next.Positions(ctx)
	finish(span, err)
	return positions, err
}

func (t *tracedBroker) AccountInfo(ctx context.Context) (AccountInfo, error) {
	ctx, span := tracing.StartSpan(ctx, "broker.AccountInfo")
	info, err := t.next.AccountInfo(ctx)
	finish(span, err)
	return info, err
}

func (t *tracedBroker) PlaceMarketOrder(ctx context.Context, symbol string, qtyLots int, side Side) (Order, error) {
	ctx, span := tracing.StartSpan(ctx, "broker.PlaceMarketOrder")
	span.SetAttributes(
		attribute.String("symbol", symbol),
		attribute.Int("qty_lots", qtyLots),
		attribute.String("side", string(side)),
	)
	order, err := t.next.PlaceMarketOrder(ctx, symbol, qtyLots, side)
	finish(span, err)
	return order, err
}
