package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"tinvest-trade-bot/internal/config"
	"tinvest-trade-bot/internal/symbols"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	baseURL        = "https://invest-public-api.tinkoff.ru/rest"
	sandboxBaseURL = "https://sandbox-invest-public-api.tinkoff.ru/rest"
	servicePrefix  = "/tinkoff.public.invest.api.contract.v1."

	instrumentIDTypeFIGI = "INSTRUMENT_ID_TYPE_FIGI"
	orderTypeMarket      = "ORDER_TYPE_MARKET"
	statusRejected       = "EXECUTION_REPORT_STATUS_REJECTED"
	cashFIGI             = "RUB000UTSTOM"
)

// APIError is the error body returned by the REST gateway. Message carries the
// numeric T-Invest error code.
type APIError struct {
	HTTPStatus  int    `json:"-"`
	Code        int    `json:"code"`
	Message     string `json:"message"`
	Description string `json:"description"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("t-invest api error %d (%s): %s", e.HTTPStatus, e.Message, e.Description)
}

// Client is a T-Invest REST API client implementing Broker.
type Client struct {
	client    *resty.Client
	accountID string
	logger    *zap.Logger
	limiter   *rate.Limiter
	resolver  *symbols.Resolver

	mu          sync.Mutex
	instruments map[string]Instrument
}

var _ Broker = (*Client)(nil)

// NewClient creates a T-Invest client for the sandbox or production API.
func NewClient(cfg *config.Broker, resolver *symbols.Resolver, logger *zap.Logger) *Client {
	logger = logger.Named("tinvest")
	url := cfg.BaseURL
	if url == "" {
		if cfg.Sandbox {
			url = sandboxBaseURL
			logger.Warn("Using T-Invest sandbox")
		} else {
			url = baseURL
			logger.Info("Using T-Invest production API")
		}
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(url, "/")).
		SetAuthToken(cfg.Token).
		SetHeader("Content-Type", "application/json").
		SetHeader("x-app-name", "tinvest-trade-bot")

	// rate.Limit is requests per second.
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst)

	return &Client{
		client:      client,
		accountID:   cfg.AccountID,
		logger:      logger,
		limiter:     limiter,
		resolver:    resolver,
		instruments: make(map[string]Instrument),
	}
}

// call posts body to a unary service method and decodes the response into result.
func (c *Client) call(ctx context.Context, service, method string, body, result any) error {
	req := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(result)
	_, err := c.doRequest(ctx, http.MethodPost, servicePrefix+service+"/"+method, req)
	if err != nil {
		return fmt.Errorf("%s/%s: %w", service, method, err)
	}
	return nil
}

// doRequest handles the actual request execution with rate limiting and retry logic.
func (c *Client) doRequest(ctx context.Context, method, url string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error
	const maxRetries = 3

	for i := 0; i < maxRetries; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}

		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+url))
		resp, err = req.Execute(method, url)

		if err == nil && !resp.IsError() {
			return resp, nil
		}

		shouldRetry := false
		var retryAfter time.Duration

		if err == nil {
			statusCode := resp.StatusCode()
			if statusCode == http.StatusTooManyRequests {
				shouldRetry = true
				retryAfter = retryAfterHeader(resp.Header())
			} else if statusCode >= 500 {
				shouldRetry = true
			}
			if !shouldRetry {
				return nil, decodeAPIError(resp)
			}
			err = decodeAPIError(resp)
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		} else {
			// Network or other client-side errors
			shouldRetry = true
		}

		if i == maxRetries-1 {
			break
		}
		if retryAfter == 0 {
			// Exponential backoff: 1s, 2s, 4s
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}

		c.logger.Warn("Request failed, retrying...",
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)

		select {
		case <-time.After(retryAfter):
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", maxRetries, err)
}

func retryAfterHeader(h http.Header) time.Duration {
	for _, key := range []string{"Retry-After", "x-ratelimit-reset"} {
		if seconds, err := strconv.Atoi(h.Get(key)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

func decodeAPIError(resp *resty.Response) error {
	apiErr := &APIError{HTTPStatus: resp.StatusCode()}
	if err := json.Unmarshal(resp.Body(), apiErr); err != nil || (apiErr.Message == "" && apiErr.Description == "") {
		apiErr.Description = strings.TrimSpace(resp.String())
	}
	return apiErr
}

// AccountID returns the configured account, resolving the first open one on demand.
func (c *Client) AccountID(ctx context.Context) (string, error) {
	c.mu.Lock()
	id := c.accountID
	c.mu.Unlock()
	if id != "" {
		return id, nil
	}

	var resp struct {
		Accounts []struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"accounts"`
	}
	if err := c.call(ctx, "UsersService", "GetAccounts", map[string]any{}, &resp); err != nil {
		return "", fmt.Errorf("failed to get accounts: %w", err)
	}
	for _, a := range resp.Accounts {
		if a.Status == "" || a.Status == "ACCOUNT_STATUS_OPEN" {
			c.mu.Lock()
			c.accountID = a.ID
			c.mu.Unlock()
			c.logger.Info("Using account", zap.String("account_id", a.ID), zap.String("name", a.Name))
			return a.ID, nil
		}
	}
	return "", errors.New("no open account found")
}

type portfolioResponse struct {
	TotalAmountPortfolio  *moneyValue `json:"totalAmountPortfolio"`
	TotalAmountCurrencies *moneyValue `json:"totalAmountCurrencies"`
	Positions             []struct {
		FIGI                 string      `json:"figi"`
		InstrumentType       string      `json:"instrumentType"`
		Quantity             *quotation  `json:"quantity"`
		QuantityLots         *quotation  `json:"quantityLots"`
		AveragePositionPrice *moneyValue `json:"averagePositionPrice"`
		CurrentPrice         *moneyValue `json:"currentPrice"`
	} `json:"positions"`
}

func (c *Client) portfolio(ctx context.Context) (*portfolioResponse, error) {
	accountID, err := c.AccountID(ctx)
	if err != nil {
		return nil, err
	}
	var resp portfolioResponse
	body := map[string]any{"accountId": accountID, "currency": "RUB"}
	if err := c.call(ctx, "OperationsService", "GetPortfolio", body, &resp); err != nil {
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}
	return &resp, nil
}

// AccountInfo values the account from the portfolio totals.
func (c *Client) AccountInfo(ctx context.Context) (AccountInfo, error) {
	pf, err := c.portfolio(ctx)
	if err != nil {
		return AccountInfo{}, err
	}
	return AccountInfo{
		Equity:   pf.TotalAmountPortfolio.Float(),
		Cash:     pf.TotalAmountCurrencies.Float(),
		Currency: "RUB",
	}, nil
}

// Positions lists non-cash holdings. Positions whose FIGI cannot be resolved
// keep the FIGI as their symbol.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	pf, err := c.portfolio(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Position, 0, len(pf.Positions))
	for _, p := range pf.Positions {
		qty := p.Quantity.Float()
		if p.FIGI == cashFIGI || qty <= 0 {
			continue
		}
		pos := Position{
			Symbol:       p.FIGI,
			FIGI:         p.FIGI,
			Lot:          1,
			Quantity:     qty,
			AvgPrice:     p.AveragePositionPrice.Float(),
			CurrentPrice: p.CurrentPrice.Float(),
		}
		if inst, err := c.instrumentByFIGI(ctx, p.FIGI); err != nil {
			c.logger.Warn("Failed to resolve position instrument", zap.String("figi", p.FIGI), zap.Error(err))
		} else {
			pos.Symbol = inst.Ticker
			pos.Lot = inst.Lot
		}
		if lots := p.QuantityLots.Float(); lots > 0 {
			pos.QtyLots = int(lots)
		} else {
			pos.QtyLots = int(qty) / pos.Lot
		}
		out = append(out, pos)
	}
	return out, nil
}

type instrumentPayload struct {
	FIGI                  string `json:"figi"`
	Ticker                string `json:"ticker"`
	ClassCode             string `json:"classCode"`
	UID                   string `json:"uid"`
	Name                  string `json:"name"`
	Currency              string `json:"currency"`
	Lot                   int    `json:"lot"`
	APITradeAvailableFlag bool   `json:"apiTradeAvailableFlag"`
}

func (p instrumentPayload) instrument() Instrument {
	lot := p.Lot
	if lot <= 0 {
		lot = 1
	}
	return Instrument{
		Ticker:           p.Ticker,
		FIGI:             p.FIGI,
		UID:              p.UID,
		ClassCode:        p.ClassCode,
		Name:             p.Name,
		Currency:         p.Currency,
		Lot:              lot,
		TradingAvailable: p.APITradeAvailableFlag,
	}
}

func (c *Client) cached(key string) (Instrument, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instruments[key]
	return inst, ok
}

func (c *Client) remember(inst Instrument) Instrument {
	if c.resolver != nil {
		c.resolver.Register(inst.FIGI, inst.Ticker)
		inst.Ticker = c.resolver.Canonical(inst.Ticker)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instruments[inst.Ticker] = inst
	c.instruments[inst.FIGI] = inst
	return inst
}

func (c *Client) instrumentByFIGI(ctx context.Context, figi string) (Instrument, error) {
	if inst, ok := c.cached(figi); ok {
		return inst, nil
	}
	var resp struct {
		Instrument instrumentPayload `json:"instrument"`
	}
	body := map[string]any{"idType": instrumentIDTypeFIGI, "id": figi}
	if err := c.call(ctx, "InstrumentsService", "GetInstrumentBy", body, &resp); err != nil {
		return Instrument{}, fmt.Errorf("failed to get instrument %s: %w", figi, err)
	}
	if resp.Instrument.FIGI == "" {
		return Instrument{}, fmt.Errorf("%s: %w", figi, ErrInstrumentNotFound)
	}
	return c.remember(resp.Instrument.instrument()), nil
}

// preferred class codes: main equity board first, then the currency board.
var classRank = map[string]int{"TQBR": 0, "CETS": 1, "TQTF": 2}

// Instrument resolves a ticker or FIGI to its instrument description.
func (c *Client) Instrument(ctx context.Context, symbol string) (Instrument, error) {
	if symbols.IsFIGI(symbol) {
		return c.instrumentByFIGI(ctx, strings.ToUpper(strings.TrimSpace(symbol)))
	}
	ticker := symbol
	if c.resolver != nil {
		ticker = c.resolver.Canonical(symbol)
	}
	if inst, ok := c.cached(ticker); ok {
		return inst, nil
	}

	var resp struct {
		Instruments []instrumentPayload `json:"instruments"`
	}
	body := map[string]any{"query": ticker}
	if err := c.call(ctx, "InstrumentsService", "FindInstrument", body, &resp); err != nil {
		return Instrument{}, fmt.Errorf("failed to find instrument %s: %w", ticker, err)
	}

	var best *instrumentPayload
	bestRank := math.MaxInt
	for i := range resp.Instruments {
		p := &resp.Instruments[i]
		if !strings.EqualFold(p.Ticker, ticker) {
			continue
		}
		rank, ok := classRank[p.ClassCode]
		if !ok {
			rank = len(classRank)
		}
		if !p.APITradeAvailableFlag {
			rank += 10
		}
		if rank < bestRank {
			best, bestRank = p, rank
		}
	}
	if best == nil {
		return Instrument{}, fmt.Errorf("%s: %w", ticker, ErrInstrumentNotFound)
	}
	// FindInstrument carries no lot size.
	return c.instrumentByFIGI(ctx, best.FIGI)
}

var candleIntervals = map[string]struct {
	name   string
	window time.Duration
}{
	"1m":  {"CANDLE_INTERVAL_1_MIN", 24 * time.Hour},
	"5m":  {"CANDLE_INTERVAL_5_MIN", 24 * time.Hour},
	"15m": {"CANDLE_INTERVAL_15_MIN", 24 * time.Hour},
	"1h":  {"CANDLE_INTERVAL_HOUR", 7 * 24 * time.Hour},
	"1d":  {"CANDLE_INTERVAL_DAY", 365 * 24 * time.Hour},
}

// Candles fetches bars in [from, to), splitting the range into the windows the API accepts.
func (c *Client) Candles(ctx context.Context, symbol string, from, to time.Time, interval string) ([]Candle, error) {
	iv, ok := candleIntervals[interval]
	if !ok {
		return nil, fmt.Errorf("unsupported candle interval %q", interval)
	}
	inst, err := c.Instrument(ctx, symbol)
	if err != nil {
		return nil, err
	}

	var out []Candle
	for start := from; start.Before(to); start = start.Add(iv.window) {
		end := start.Add(iv.window)
		if end.After(to) {
			end = to
		}
		var resp struct {
			Candles []struct {
				Time   time.Time  `json:"time"`
				Open   *quotation `json:"open"`
				High   *quotation `json:"high"`
				Low    *quotation `json:"low"`
				Close  *quotation `json:"close"`
				Volume flexInt    `json:"volume"`
			} `json:"candles"`
		}
		body := map[string]any{
			"instrumentId": inst.FIGI,
			"from":         start.UTC().Format(time.RFC3339),
			"to":           end.UTC().Format(time.RFC3339),
			"interval":     iv.name,
		}
		if err := c.call(ctx, "MarketDataService", "GetCandles", body, &resp); err != nil {
			return nil, fmt.Errorf("failed to get candles for %s: %w", inst.Ticker, err)
		}
		for _, k := range resp.Candles {
			out = append(out, Candle{
				Time:   k.Time,
				Open:   k.Open.Float(),
				High:   k.High.Float(),
				Low:    k.Low.Float(),
				Close:  k.Close.Float(),
				Volume: float64(k.Volume),
			})
		}
	}
	return out, nil
}

// PlaceMarketOrder places a market order for qtyLots lots. Broker rejections
// are returned as *OrderError.
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, qtyLots int, side Side) (Order, error) {
	l := c.logger.With(zap.String("symbol", symbol), zap.String("side", string(side)), zap.Int("qty_lots", qtyLots))
	if qtyLots <= 0 {
		return Order{}, NewOrderError("", fmt.Sprintf("invalid quantity %d", qtyLots))
	}
	inst, err := c.Instrument(ctx, symbol)
	if err != nil {
		return Order{}, err
	}
	accountID, err := c.AccountID(ctx)
	if err != nil {
		return Order{}, err
	}

	direction := "ORDER_DIRECTION_BUY"
	if side == SideSell {
		direction = "ORDER_DIRECTION_SELL"
	}
	// The same order id is reused by retries so the broker can deduplicate them.
	orderID := uuid.NewString()
	body := map[string]any{
		"instrumentId": inst.FIGI,
		"quantity":     strconv.Itoa(qtyLots),
		"direction":    direction,
		"accountId":    accountID,
		"orderType":    orderTypeMarket,
		"orderId":      orderID,
	}
	var resp struct {
		OrderID               string      `json:"orderId"`
		ExecutionReportStatus string      `json:"executionReportStatus"`
		LotsRequested         flexInt     `json:"lotsRequested"`
		LotsExecuted          flexInt     `json:"lotsExecuted"`
		ExecutedOrderPrice    *moneyValue `json:"executedOrderPrice"`
		InitialSecurityPrice  *moneyValue `json:"initialSecurityPrice"`
		Message               string      `json:"message"`
	}
	if err := c.call(ctx, "OrdersService", "PostOrder", body, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			orderErr := NewOrderError(apiErr.Message, apiErr.Description)
			l.Error("Order rejected", zap.String("code", orderErr.Code), zap.String("reason", orderErr.Reason), zap.String("description", orderErr.Description))
			return Order{}, orderErr
		}
		l.Error("Failed to place order after multiple attempts", zap.Error(err))
		return Order{}, fmt.Errorf("failed to place order: %w", err)
	}
	if resp.ExecutionReportStatus == statusRejected {
		return Order{}, NewOrderError("", resp.Message)
	}

	price := resp.ExecutedOrderPrice.Float()
	if price <= 0 {
		price = resp.InitialSecurityPrice.Float()
	}
	order := Order{
		ID:            resp.OrderID,
		Symbol:        inst.Ticker,
		Side:          side,
		LotsRequested: int(resp.LotsRequested),
		LotsExecuted:  int(resp.LotsExecuted),
		Lot:           inst.Lot,
		Price:         price,
		Status:        resp.ExecutionReportStatus,
	}
	if order.ID == "" {
		order.ID = orderID
	}
	l.Info("Successfully placed order", zap.String("order_id", order.ID), zap.String("status", order.Status), zap.Float64("price", order.Price))
	return order, nil
}
