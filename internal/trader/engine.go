package trader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"tinvest-trade-bot/internal/admission"
	"tinvest-trade-bot/internal/broker"
	"tinvest-trade-bot/internal/database"
	"tinvest-trade-bot/internal/events"
	"tinvest-trade-bot/internal/id"
	"tinvest-trade-bot/internal/ledger"
	"tinvest-trade-bot/internal/positions"
	"tinvest-trade-bot/internal/recovery"
	"tinvest-trade-bot/internal/risk"
	"tinvest-trade-bot/internal/tracing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrNotRunning is returned for control requests made while the loop is not
// consuming them.
var ErrNotRunning = errors.New("engine is not running")

// Snapshot is the state published by the decision loop after every cycle and
// control request. It is read by the control API.
type Snapshot struct {
	CycleID   string                      `json:"cycleId"`
	At        time.Time                   `json:"at"`
	Cycles    int64                       `json:"cycles"`
	Account   broker.AccountInfo          `json:"account"`
	Risk      risk.Status                 `json:"risk"`
	Admission admission.Status            `json:"admission"`
	Positions []positions.TrackedPosition `json:"positions"`
	Report    Report                      `json:"report"`
	LastError string                      `json:"lastError,omitempty"`
}

// Components are the parts the engine drives.
type Components struct {
	Broker     broker.Broker
	Log        events.Appender
	Recorder   *database.Recorder
	DB         *gorm.DB
	Registry   *positions.Registry
	Risk       *risk.Tracker
	Admission  *admission.Controller
	Monitor    *positions.Monitor
	Recovery   *recovery.Bootstrap
	Symbols    []string
	Interval   time.Duration
	AutoStart  bool
	Simulation bool
}

// Engine runs the decision loop: a positions pass, then an admission pass,
// once per interval. All trading state is owned by the loop goroutine.
type Engine struct {
	UUID      string
	Name      string
	StartTime time.Time

	c        Components
	logger   *zap.Logger
	now      func() time.Time
	requests chan request
	running  atomic.Bool
	cycles   int64
	snapshot atomic.Pointer[Snapshot]
}

// NewEngine creates a new trading engine.
func NewEngine(name string, c Components, logger *zap.Logger) *Engine {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	e := &Engine{
		UUID:      uuid.NewString(),
		Name:      name,
		StartTime: time.Now(),
		c:         c,
		logger:    logger.Named("engine"),
		now:       time.Now,
		requests:  make(chan request),
	}
	e.snapshot.Store(&Snapshot{Positions: []positions.TrackedPosition{}})
	return e
}

// Snapshot returns the latest published state.
func (e *Engine) Snapshot() Snapshot { return *e.snapshot.Load() }

// DB returns the projection database, or nil.
func (e *Engine) DB() *gorm.DB { return e.c.DB }

// SetEntriesEnabled toggles new entries. Safe from any goroutine.
func (e *Engine) SetEntriesEnabled(enabled bool) {
	e.c.Admission.SetEntriesEnabled(enabled)
	e.c.Log.Append(events.RiskUpdate("", "entries_toggled").With("enabled", enabled))
	snap := e.Snapshot()
	snap.Admission.EntriesEnabled = enabled
	e.snapshot.Store(&snap)
}

// Run bootstraps the state, then runs cycles until ctx is cancelled. The
// in-flight cycle always completes: cycles and control requests run on a
// context that ignores cancellation, and ctx is only checked between them.
func (e *Engine) Run(ctx context.Context) error {
	work := context.WithoutCancel(ctx)

	e.logger.Info("Initializing trading engine...")
	if err := e.initialize(work); err != nil {
		return err
	}
	e.logger.Info("Engine initialized successfully.")

	e.running.Store(true)
	defer e.running.Store(false)

	ticker := time.NewTicker(e.c.Interval)
	defer ticker.Stop()
	e.logger.Info("Starting decision loop", zap.Duration("interval", e.c.Interval), zap.Int("symbols", len(e.c.Symbols)))

	if ctx.Err() == nil {
		e.cycle(work)
	}
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Stopping trading engine...")
			return nil
		case req := <-e.requests:
			req.reply <- e.handle(work, req)
		case <-ticker.C:
			e.cycle(work)
		}
	}
}

// initialize recovers the state left by a previous run. A broker outage only
// leaves positions untracked until the first positions pass restores them.
func (e *Engine) initialize(ctx context.Context) error {
	rep, err := e.c.Recovery.Run(ctx)
	if err != nil {
		if rep.Book == nil {
			return fmt.Errorf("recover state: %w", err)
		}
		e.logger.Warn("Partial recovery", zap.Error(err))
	}
	if !e.c.AutoStart {
		e.c.Admission.SetEntriesEnabled(false)
		e.logger.Info("Entries disabled until started through the control API")
	}
	e.publish(Snapshot{Risk: rep.Risk}, nil)
	return nil
}

// cycle runs one decision cycle to completion.
func (e *Engine) cycle(parent context.Context) {
	cycleID := id.At(e.now())
	ctx, span := tracing.StartSpan(parent, "engine.cycle")
	defer span.End()
	span.SetAttributes(attribute.String("cycle_id", cycleID))
	l := e.logger.With(zap.String("cycle_id", cycleID))

	acct, err := e.c.Broker.AccountInfo(ctx)
	if err != nil {
		l.Error("Failed to get account info, skipping cycle", zap.Error(err))
		e.publish(Snapshot{CycleID: cycleID}, err)
		return
	}
	st := e.c.Risk.Observe(acct.Equity, e.now())
	e.c.Log.Append(events.Cycle(cycleID).
		WithAccount(acct.Equity, acct.Cash).
		With("open_positions", e.c.Registry.Len()).
		With("entries_enabled", e.c.Admission.EntriesEnabled()).
		With("entries_blocked", st.EntriesBlocked))

	var cycleErr error
	if err := e.c.Monitor.Check(ctx, cycleID, e.book()); err != nil {
		l.Error("Positions pass failed", zap.Error(err))
		cycleErr = err
	}
	res, err := e.c.Admission.Run(ctx, cycleID, e.c.Symbols, acct)
	if err != nil {
		l.Error("Admission pass failed", zap.Error(err))
		cycleErr = errors.Join(cycleErr, err)
	}

	e.cycles++
	l.Info("Cycle complete",
		zap.Float64("equity", acct.Equity),
		zap.Float64("drawdown", st.Drawdown),
		zap.Int("candidates", res.Candidates),
		zap.Int("allowed", res.Allowed),
		zap.Strings("opened", res.Opened),
		zap.Int("open_positions", e.c.Registry.Len()),
	)
	e.publish(Snapshot{CycleID: cycleID, Account: acct, Risk: st}, cycleErr)
}

func (e *Engine) book() *ledger.Book {
	if e.c.Recorder == nil {
		return nil
	}
	return e.c.Recorder.Book()
}

// publish completes s with the loop-owned state and stores it.
func (e *Engine) publish(s Snapshot, err error) {
	prev := e.Snapshot()
	if s.Account.Equity == 0 {
		s.Account = prev.Account
	}
	if s.Risk.Date == "" {
		s.Risk = prev.Risk
	}
	now := e.now()
	s.At = now
	s.Cycles = e.cycles
	s.Admission = e.c.Admission.Status()
	s.Positions = e.c.Registry.Snapshot()
	if b := e.book(); b != nil {
		s.Report = BuildReport(b, nil, s.Risk, e.c.Risk.Calendar().DayStart(now))
	}
	if err != nil {
		s.LastError = err.Error()
	}
	e.snapshot.Store(&s)
}
