package database

import (
	"fmt"
	"strings"

	"tinvest-trade-bot/internal/models"
	"tinvest-trade-bot/internal/symbols"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the sqlite projection database and migrates its schema.
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// AutoMigrate creates or updates the projection tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Trade{}, &models.Instrument{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}

// SyncInstruments makes the instruments table mirror the configured watchlist.
// Symbols no longer configured are kept but disabled.
func SyncInstruments(db *gorm.DB, watchlist, noisy []string, resolver *symbols.Resolver) error {
	isNoisy := make(map[string]bool, len(noisy))
	for _, s := range noisy {
		isNoisy[resolver.Canonical(s)] = true
	}

	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Instrument{}).Where("1 = 1").Update("enabled", false).Error; err != nil {
			return fmt.Errorf("failed to disable instruments: %w", err)
		}
		for _, raw := range watchlist {
			sym := resolver.Canonical(raw)
			if sym == "" {
				continue
			}
			var inst models.Instrument
			if err := tx.Where(models.Instrument{Symbol: sym}).FirstOrCreate(&inst).Error; err != nil {
				return fmt.Errorf("failed to populate instrument '%s': %w", sym, err)
			}
			inst.Group = resolver.Group(sym)
			inst.Noisy = isNoisy[sym]
			inst.Enabled = true
			if err := tx.Save(&inst).Error; err != nil {
				return fmt.Errorf("failed to save instrument '%s': %w", sym, err)
			}
		}
		return nil
	})
}

// Instruments lists the watchlist ordered by symbol.
func Instruments(db *gorm.DB, onlyEnabled bool) ([]models.Instrument, error) {
	var out []models.Instrument
	q := db.Order("symbol")
	if onlyEnabled {
		q = q.Where("enabled = ?", true)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	return out, nil
}

func upper(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
