package models

import "gorm.io/gorm"

// Trade is one fill of the trade projection. Rows are derived from the event
// log and can be rebuilt from it at any time.
type Trade struct {
	gorm.Model
	Seq           int64   `json:"seq" gorm:"uniqueIndex"`
	Symbol        string  `json:"symbol" gorm:"index"`
	Type          string  `json:"type"` // "BUY" or "SELL"
	QtyLots       int     `json:"qty_lots"`
	Lot           int     `json:"lot"`
	Price         float64 `json:"price"`
	Quantity      float64 `json:"quantity"`
	QuoteQuantity float64 `json:"quote_quantity"`
	Timestamp     int64   `json:"timestamp" gorm:"index"`
	IsSimulation  bool    `json:"is_simulation"`
	Profit        float64 `json:"profit,omitempty"`
	AvgCost       float64 `json:"avg_cost,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	CycleID       string  `json:"cycle_id,omitempty"`
}
