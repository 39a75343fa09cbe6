package trader

import (
	"context"
	"fmt"

	"tinvest-trade-bot/internal/id"
	"tinvest-trade-bot/internal/risk"

	"go.uber.org/zap"
)

type requestKind int

const (
	requestResetRisk requestKind = iota + 1
	requestFlatten
)

func (k requestKind) String() string {
	switch k {
	case requestResetRisk:
		return "reset_risk"
	case requestFlatten:
		return "flatten"
	}
	return "unknown"
}

type request struct {
	kind  requestKind
	reply chan response
}

type response struct {
	risk risk.Status
	err  error
}

// ResetRisk asks the loop to clear both circuit breakers and rebase the day
// to the current equity.
func (e *Engine) ResetRisk(ctx context.Context) (risk.Status, error) {
	resp, err := e.do(ctx, requestResetRisk)
	return resp.risk, err
}

// Flatten asks the loop to sell every tracked position.
func (e *Engine) Flatten(ctx context.Context) error {
	_, err := e.do(ctx, requestFlatten)
	return err
}

// do hands a request to the loop and waits for its reply. Requests are served
// between cycles, so a caller may wait up to one cycle.
func (e *Engine) do(ctx context.Context, kind requestKind) (response, error) {
	if !e.running.Load() {
		return response{}, ErrNotRunning
	}
	req := request{kind: kind, reply: make(chan response, 1)}
	select {
	case e.requests <- req:
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp, resp.err
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

// handle serves a control request on the loop goroutine.
func (e *Engine) handle(ctx context.Context, req request) response {
	l := e.logger.With(zap.Stringer("request", req.kind))
	switch req.kind {
	case requestResetRisk:
		equity := 0.0
		if acct, err := e.c.Broker.AccountInfo(ctx); err != nil {
			l.Warn("Account unavailable, rebasing to the last equity sample", zap.Error(err))
		} else {
			equity = acct.Equity
		}
		st := e.c.Risk.ResetBreakers(equity, e.now())
		e.publish(Snapshot{Risk: st}, nil)
		return response{risk: st}
	case requestFlatten:
		cycleID := id.At(e.now())
		l.Warn("Flattening all positions", zap.String("cycle_id", cycleID), zap.Int("positions", e.c.Registry.Len()))
		err := e.c.Monitor.Flatten(ctx, cycleID)
		e.publish(Snapshot{}, err)
		return response{err: err}
	}
	return response{err: fmt.Errorf("unknown request %d", req.kind)}
}
