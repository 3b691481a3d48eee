package migrations

import (
	"github.com/kwanzapay/exchange-api/internal/types"
	"gorm.io/gorm"
)

// AddOrderBookIndexes creates the order and trade tables with the indexes
// the matching walk and market-data queries rely on
func AddOrderBookIndexes(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.Order{}); err != nil {
		return err
	}
	if err := db.AutoMigrate(&types.Trade{}); err != nil {
		return err
	}

	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Composite index for the resting-order scan per pair and side
		`CREATE INDEX IF NOT EXISTS idx_orders_book
		 ON orders(base_currency, quote_currency, side, status)`,

		// Index for the dynamic pricing batch listing
		`CREATE INDEX IF NOT EXISTS idx_orders_dynamic
		 ON orders(dynamic_enabled, side, kind, status)`,

		// Composite index for trade window queries (VWAP, recent trades)
		`CREATE INDEX IF NOT EXISTS idx_trades_pair_executed
		 ON trades(base_currency, quote_currency, executed_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
