package pricing

import (
	"time"

	"github.com/kwanzapay/exchange-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetConfig returns the singleton pricing settings row.
func (d *Database) GetConfig(tx *gorm.DB) (*types.PricingConfig, error) {
	var cfg types.PricingConfig
	if err := tx.First(&cfg).Error; err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (d *Database) UpdateConfig(tx *gorm.DB, cfg *types.PricingConfig) error {
	return tx.Save(cfg).Error
}

// EligibleOrders returns every dynamic-enabled sell limit order still on the
// book, oldest first.
func (d *Database) EligibleOrders() ([]types.Order, error) {
	var rows []types.Order
	err := d.db.
		Where("dynamic_enabled = ? AND side = ? AND kind = ? AND status IN ?",
			true, types.SideSell, types.KindLimit,
			[]string{types.OrderStatusPending, types.OrderStatusPartiallyFilled}).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// TradesInWindow returns the executions for a pair since the cutoff.
func (d *Database) TradesInWindow(tx *gorm.DB, base, quote string, since time.Time) ([]types.Trade, error) {
	var trades []types.Trade
	err := tx.
		Where("base_currency = ? AND quote_currency = ? AND executed_at >= ?", base, quote, since).
		Find(&trades).Error
	if err != nil {
		return nil, err
	}
	return trades, nil
}

func (d *Database) GetOrder(tx *gorm.DB, orderID string) (*types.Order, error) {
	var order types.Order
	if err := tx.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

func (d *Database) UpdateOrder(tx *gorm.DB, order *types.Order) error {
	return tx.Save(order).Error
}

func (d *Database) CreatePriceUpdate(tx *gorm.DB, update *types.PriceUpdate) error {
	return tx.Create(update).Error
}
