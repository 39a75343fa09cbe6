// Package broker defines the brokerage boundary of the bot and its adapters:
// the T-Invest REST client, a paper broker for dry runs and call decorators.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Side is an order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Position is a live holding as reported by the broker.
type Position struct {
	Symbol       string  `json:"symbol"`
	FIGI         string  `json:"figi,omitempty"`
	QtyLots      int     `json:"qtyLots"`
	Lot          int     `json:"lot"`
	Quantity     float64 `json:"quantity"`
	AvgPrice     float64 `json:"avgPrice,omitempty"`
	CurrentPrice float64 `json:"currentPrice"`
}

// AccountInfo is the account valuation.
type AccountInfo struct {
	Equity   float64 `json:"equity"`
	Cash     float64 `json:"cash"`
	Currency string  `json:"currency"`
}

// Instrument describes a tradable instrument.
type Instrument struct {
	Ticker           string `json:"ticker"`
	FIGI             string `json:"figi"`
	UID              string `json:"uid,omitempty"`
	ClassCode        string `json:"classCode,omitempty"`
	Name             string `json:"name,omitempty"`
	Currency         string `json:"currency,omitempty"`
	Lot              int    `json:"lot"`
	TradingAvailable bool   `json:"tradingAvailable"`
}

// Order is the result of a placed market order.
type Order struct {
	ID            string  `json:"id"`
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	LotsRequested int     `json:"lotsRequested"`
	LotsExecuted  int     `json:"lotsExecuted"`
	Lot           int     `json:"lot"`
	Price         float64 `json:"price"`
	Status        string  `json:"status"`
}

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// MarketData is the read-only market side of a broker.
type MarketData interface {
	Instrument(ctx context.Context, symbol string) (Instrument, error)
	Candles(ctx context.Context, symbol string, from, to time.Time, interval string) ([]Candle, error)
}

// Broker is everything the decision loop needs from a brokerage.
type Broker interface {
	MarketData
	Positions(ctx context.Context) ([]Position, error)
	AccountInfo(ctx context.Context) (AccountInfo, error)
	PlaceMarketOrder(ctx context.Context, symbol string, qtyLots int, side Side) (Order, error)
}

var (
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrInstrumentNotAvailable = errors.New("instrument not available for trading")
	ErrQuantityMismatch       = errors.New("quantity mismatch")
	ErrInstrumentNotFound     = errors.New("instrument not found")
)

// Order failure reasons as written to the event log.
const (
	ReasonInsufficientBalance    = "insufficient_balance"
	ReasonInstrumentNotAvailable = "instrument_not_available"
	ReasonQuantityMismatch       = "quantity_mismatch"
	ReasonUnknown                = "unknown"
)

// Broker error codes returned in the message field of T-Invest errors.
const (
	codeNotEnoughBalance    = "30034"
	codeInstrumentForbidden = "30079"
)

// OrderError is a structured order rejection.
type OrderError struct {
	Reason      string
	Code        string
	Description string
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("order rejected: %s (code %s): %s", e.Reason, e.Code, e.Description)
}

// Unwrap maps the reason onto the package sentinel errors.
func (e *OrderError) Unwrap() error {
	switch e.Reason {
	case ReasonInsufficientBalance:
		return ErrInsufficientBalance
	case ReasonInstrumentNotAvailable:
		return ErrInstrumentNotAvailable
	case ReasonQuantityMismatch:
		return ErrQuantityMismatch
	}
	return nil
}

// NewOrderError classifies a broker rejection by code and description.
func NewOrderError(code, description string) *OrderError {
	desc := strings.ToLower(description)
	reason := ReasonUnknown
	switch {
	case code == codeNotEnoughBalance || strings.Contains(desc, "not enough balance"):
		reason = ReasonInsufficientBalance
	case code == codeInstrumentForbidden || strings.Contains(desc, "not available for trading"):
		reason = ReasonInstrumentNotAvailable
	case strings.Contains(desc, "quantity") || strings.Contains(desc, "not enough assets"):
		reason = ReasonQuantityMismatch
	}
	return &OrderError{Reason: reason, Code: code, Description: description}
}

// Reason returns the log reason for an order placement error. Everything
// but a balance or availability rejection is reported as unknown.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientBalance):
		return ReasonInsufficientBalance
	case errors.Is(err, ErrInstrumentNotAvailable):
		return ReasonInstrumentNotAvailable
	}
	return ReasonUnknown
}

// IsQuantityError reports whether a sell may succeed with a corrected quantity.
func IsQuantityError(err error) bool {
	return errors.Is(err, ErrQuantityMismatch) || errors.Is(err, ErrInsufficientBalance)
}
