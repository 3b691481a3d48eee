package orders

import (
	"errors"
	"sort"

	"github.com/kwanzapay/exchange-api/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(tx *gorm.DB, order *types.Order) error {
	return tx.Create(order).Error
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	return d.getOrder(d.db, orderID)
}

func (d *Database) GetOrderTx(tx *gorm.DB, orderID string) (*types.Order, error) {
	return d.getOrder(tx, orderID)
}

func (d *Database) getOrder(tx *gorm.DB, orderID string) (*types.Order, error) {
	var order types.Order
	if err := tx.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) UpdateOrder(tx *gorm.DB, order *types.Order) error {
	return tx.Save(order).Error
}

// ListOrders returns one page of a user's orders, newest first, with the
// unpaged total count.
func (d *Database) ListOrders(userID string, filter ListOrdersFilter) ([]types.Order, int64, error) {
	query := d.db.Model(&types.Order{}).Where("user_id = ?", userID)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Side != "" {
		query = query.Where("side = ?", filter.Side)
	}
	if filter.BaseCurrency != "" {
		query = query.Where("base_currency = ?", filter.BaseCurrency)
	}
	if filter.QuoteCurrency != "" {
		query = query.Where("quote_currency = ?", filter.QuoteCurrency)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var orderRows []types.Order
	err := query.Order("created_at desc, id desc").
		Offset((filter.Page - 1) * filter.PageSize).
		Limit(filter.PageSize).
		Find(&orderRows).Error
	if err != nil {
		return nil, 0, err
	}
	return orderRows, total, nil
}

// RestingOrders returns the open limit orders on one side of a pair's book,
// best price first, ties broken by creation time. Prices are stored as
// decimals, so the price ordering is done here rather than in SQL.
func (d *Database) RestingOrders(tx *gorm.DB, base, quote, side string) ([]types.Order, error) {
	var rows []types.Order
	err := tx.
		Where("base_currency = ? AND quote_currency = ? AND side = ? AND kind = ? AND status IN ?",
			base, quote, side, types.KindLimit,
			[]string{types.OrderStatusPending, types.OrderStatusPartiallyFilled}).
		Order("created_at asc, id asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if side == types.SideSell {
			return rows[i].Price.LessThan(rows[j].Price)
		}
		return rows[i].Price.GreaterThan(rows[j].Price)
	})
	return rows, nil
}

// BestAsk returns the lowest resting sell price for a pair, or nil when the
// ask side is empty.
func (d *Database) BestAsk(tx *gorm.DB, base, quote string) (*decimal.Decimal, error) {
	asks, err := d.RestingOrders(tx, base, quote, types.SideSell)
	if err != nil {
		return nil, err
	}
	if len(asks) == 0 {
		return nil, nil
	}
	price := asks[0].Price
	return &price, nil
}

// RecentTrades returns the latest executions for a pair, newest first.
func (d *Database) RecentTrades(base, quote string, limit int) ([]types.Trade, error) {
	var trades []types.Trade
	err := d.db.
		Where("base_currency = ? AND quote_currency = ?", base, quote).
		Order("executed_at desc, id desc").
		Limit(limit).
		Find(&trades).Error
	if err != nil {
		return nil, err
	}
	return trades, nil
}

// GetPricingConfig returns the singleton settings row.
func (d *Database) GetPricingConfig(tx *gorm.DB) (*types.PricingConfig, error) {
	var cfg types.PricingConfig
	if err := tx.First(&cfg).Error; err != nil {
		return nil, err
	}
	return &cfg, nil
}
