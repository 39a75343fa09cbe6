package database

import (
	"fmt"
	"sync"
	"time"

	"tinvest-trade-bot/internal/events"
	"tinvest-trade-bot/internal/ledger"
	"tinvest-trade-bot/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const insertBatchSize = 200

// Projection keeps the trades table in step with the event log.
type Projection struct {
	db         *gorm.DB
	simulation bool
	logger     *zap.Logger
}

// NewProjection returns a projection writing to db. simulation marks rows
// produced while trading against the paper broker.
func NewProjection(db *gorm.DB, simulation bool, logger *zap.Logger) *Projection {
	return &Projection{db: db, simulation: simulation, logger: logger.Named("projection")}
}

func (p *Projection) row(f ledger.Fill, e events.Event) models.Trade {
	return models.Trade{
		Seq:           f.Seq,
		Symbol:        f.Symbol,
		Type:          f.Action,
		QtyLots:       f.QtyLots,
		Lot:           f.Lot,
		Price:         f.Price,
		Quantity:      f.Shares,
		QuoteQuantity: f.Shares * f.Price,
		Timestamp:     f.TS.UnixMilli(),
		IsSimulation:  p.simulation,
		Profit:        f.Realized,
		AvgCost:       f.AvgCost,
		Reason:        e.Reason,
		CycleID:       e.Detail("cycle_id"),
	}
}

// Rebuild replaces the trades table with a replay of the log and returns the
// replayed book.
func (p *Projection) Rebuild(s ledger.Scanner, opts ...ledger.Option) (*ledger.Book, error) {
	book := ledger.NewBook(opts...)
	var rows []models.Trade
	err := s.Scan(func(e events.Event) error {
		if _, ok := book.Apply(e); ok {
			f, _ := book.LastFill()
			rows = append(rows, p.row(f, e))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay log: %w", err)
	}

	err = p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("1 = 1").Delete(&models.Trade{}).Error; err != nil {
			return fmt.Errorf("failed to clear trades: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(rows, insertBatchSize).Error; err != nil {
			return fmt.Errorf("failed to insert trades: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("Trade projection rebuilt", zap.Int("trades", len(rows)))
	return book, nil
}

// Record inserts the row of one applied fill.
func (p *Projection) Record(f ledger.Fill, e events.Event) error {
	row := p.row(f, e)
	if err := p.db.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to record trade %d: %w", f.Seq, err)
	}
	return nil
}

// Trades returns the most recent trades first. An empty symbol matches all;
// limit <= 0 returns everything.
func (p *Projection) Trades(symbol string, limit int) ([]models.Trade, error) {
	return Trades(p.db, symbol, limit)
}

// Trades queries the trades table of db, newest first.
func Trades(db *gorm.DB, symbol string, limit int) ([]models.Trade, error) {
	var trades []models.Trade
	q := db.Order("timestamp desc").Order("seq desc")
	if symbol != "" {
		q = q.Where("symbol = ?", upper(symbol))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("failed to get trades: %w", err)
	}
	return trades, nil
}

// StatsDetail holds closed-trade statistics for a period.
type StatsDetail struct {
	TotalTrades      int64   `json:"total_trades"`
	ProfitableTrades int64   `json:"profitable_trades"`
	WinRate          float64 `json:"win_rate"`
	TotalProfit      float64 `json:"total_profit"`
}

// Statistics covers the last 24 hours and all time.
type Statistics struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

// ComputeStatistics aggregates the SELL rows of db as of now.
func ComputeStatistics(db *gorm.DB, now time.Time) (Statistics, error) {
	var sells []models.Trade
	if err := db.Where("type = ?", events.ActionSell).Find(&sells).Error; err != nil {
		return Statistics{}, fmt.Errorf("failed to get trades for statistics: %w", err)
	}

	since := now.Add(-24 * time.Hour).UnixMilli()
	var st Statistics
	for _, t := range sells {
		add(&st.AllTime, t.Profit)
		if t.Timestamp >= since {
			add(&st.Since24h, t.Profit)
		}
	}
	finish(&st.AllTime)
	finish(&st.Since24h)
	return st, nil
}

func add(d *StatsDetail, profit float64) {
	d.TotalTrades++
	if profit > 0 {
		d.ProfitableTrades++
	}
	d.TotalProfit += profit
}

func finish(d *StatsDetail) {
	if d.TotalTrades > 0 {
		d.WinRate = float64(d.ProfitableTrades) / float64(d.TotalTrades)
	}
}

// Recorder is an events.Appender that feeds every appended trade into a live
// ledger book and the projection.
type Recorder struct {
	next   events.Appender
	proj   *Projection
	logger *zap.Logger

	mu   sync.Mutex
	book *ledger.Book
}

var _ events.Appender = (*Recorder)(nil)

// NewRecorder wraps next. book is usually the one returned by Rebuild.
func NewRecorder(next events.Appender, proj *Projection, book *ledger.Book, logger *zap.Logger) *Recorder {
	return &Recorder{next: next, proj: proj, book: book, logger: logger.Named("recorder")}
}

// Append forwards e to the log, then projects it when it is a trade.
// Projection failures are logged; the log stays the source of truth.
func (r *Recorder) Append(e events.Event) events.Event {
	e = r.next.Append(e)
	if e.Kind != events.KindTrade {
		return e
	}

	r.mu.Lock()
	_, ok := r.book.Apply(e)
	f, _ := r.book.LastFill()
	r.mu.Unlock()
	if !ok || r.proj == nil {
		return e
	}
	if err := r.proj.Record(f, e); err != nil {
		r.logger.Error("Failed to project trade", zap.Int64("seq", e.Seq), zap.Error(err))
	}
	return e
}

// Book returns the live book. It is only read by the goroutine that appends.
func (r *Recorder) Book() *ledger.Book {
	return r.book
}
