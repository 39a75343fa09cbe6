package models

import "gorm.io/gorm"

// Instrument is a symbol of the configured watchlist.
type Instrument struct {
	gorm.Model
	Symbol  string `json:"symbol" gorm:"uniqueIndex"`
	Group   string `json:"group,omitempty"`
	Noisy   bool   `json:"noisy"`
	Enabled bool   `json:"enabled" gorm:"default:true"`
}
