package pricing

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kwanzapay/exchange-api/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&types.Order{},
		&types.Trade{},
		&types.PriceUpdate{},
		&types.PricingConfig{},
	))
	require.NoError(t, db.Create(types.DefaultPricingConfig()).Error)

	return NewService(db), db
}

func seedTrade(t *testing.T, db *gorm.DB, quantity, price int64, executedAt time.Time) {
	t.Helper()
	trade := &types.Trade{
		TradeID:       "TRD_" + uuid.New().String(),
		BaseCurrency:  types.CurrencyEUR,
		QuoteCurrency: types.CurrencyAOA,
		Quantity:      decimal.NewFromInt(quantity),
		Price:         decimal.NewFromInt(price),
		TotalAmount:   decimal.NewFromInt(quantity * price),
		ExecutedAt:    executedAt,
	}
	require.NoError(t, db.Create(trade).Error)
}

func seedDynamicOrder(t *testing.T, db *gorm.DB, price, minBound, maxBound int64) *types.Order {
	t.Helper()
	order := &types.Order{
		OrderID:           "ORD_" + uuid.New().String(),
		UserID:            "alice",
		Side:              types.SideSell,
		Kind:              types.KindLimit,
		BaseCurrency:      types.CurrencyEUR,
		QuoteCurrency:     types.CurrencyAOA,
		Quantity:          decimal.NewFromInt(100),
		RemainingQuantity: decimal.NewFromInt(100),
		Price:             decimal.NewFromInt(price),
		Status:            types.OrderStatusPending,
		DynamicEnabled:    true,
		OriginalPrice:     decimal.NewFromInt(price),
		MinBound:          decimal.NewFromInt(minBound),
		MaxBound:          decimal.NewFromInt(maxBound),
	}
	require.NoError(t, db.Create(order).Error)
	return order
}

func reloadOrder(t *testing.T, db *gorm.DB, orderID string) *types.Order {
	t.Helper()
	var order types.Order
	require.NoError(t, db.Where("order_id = ?", orderID).First(&order).Error)
	return &order
}

func TestVWAP(t *testing.T) {
	service, db := newTestService(t)

	seedTrade(t, db, 10, 1000, time.Now().Add(-time.Hour))
	seedTrade(t, db, 30, 1100, time.Now().Add(-2*time.Hour))
	// Outside the 24h window, must not contribute.
	seedTrade(t, db, 1000, 5000, time.Now().Add(-48*time.Hour))

	vwap, err := service.VWAP(db, types.CurrencyEUR, types.CurrencyAOA, 24)
	require.NoError(t, err)

	// (10*1000 + 30*1100) / 40 = 1075
	assert.True(t, vwap.Equal(decimal.NewFromInt(1075)), "got %s", vwap)
}

func TestVWAPNoTradeData(t *testing.T) {
	service, db := newTestService(t)

	_, err := service.VWAP(db, types.CurrencyEUR, types.CurrencyAOA, 24)
	require.ErrorIs(t, err, ErrNoTradeData)
}

func TestSuggestedPriceClampedToBounds(t *testing.T) {
	service, db := newTestService(t)
	seedTrade(t, db, 40, 1075, time.Now().Add(-time.Hour))

	cfg, err := service.GetConfig()
	require.NoError(t, err)

	// vwap 1075 shaded by the 1% margin: 1064.25.
	unbounded := seedDynamicOrder(t, db, 1000, 800, 1200)
	suggested, err := service.SuggestedPrice(db, unbounded, cfg)
	require.NoError(t, err)
	assert.True(t, suggested.Equal(decimal.NewFromFloat(1064.25)), "got %s", suggested)

	lowCeiling := seedDynamicOrder(t, db, 880, 800, 900)
	suggested, err = service.SuggestedPrice(db, lowCeiling, cfg)
	require.NoError(t, err)
	assert.True(t, suggested.Equal(decimal.NewFromInt(900)), "got %s", suggested)

	highFloor := seedDynamicOrder(t, db, 1150, 1100, 1200)
	suggested, err = service.SuggestedPrice(db, highFloor, cfg)
	require.NoError(t, err)
	// 1064.25 sits below the floor of 1100.
	assert.True(t, suggested.Equal(decimal.NewFromInt(1100)), "got %s", suggested)
}

func TestRunBatchAppliesCappedUpdate(t *testing.T) {
	service, db := newTestService(t)
	order := seedDynamicOrder(t, db, 1000, 800, 1200)
	seedTrade(t, db, 1, 1100, time.Now().Add(-time.Hour))

	result, err := service.RunBatch()
	require.NoError(t, err)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Updated)
	assert.False(t, result.AlreadyRunning)

	// Suggested 1100*0.99 = 1089, but one update moves at most 5% of the
	// current price: 1000 -> 1050.
	updated := reloadOrder(t, db, order.OrderID)
	assert.True(t, updated.Price.Equal(decimal.NewFromInt(1050)), "got %s", updated.Price)
	assert.Equal(t, 1, updated.PriceUpdateCount)
	require.NotNil(t, updated.LastPriceUpdateAt)

	var audit []types.PriceUpdate
	require.NoError(t, db.Find(&audit).Error)
	require.Len(t, audit, 1)
	assert.Equal(t, order.OrderID, audit[0].OrderID)
	assert.True(t, audit[0].OldPrice.Equal(decimal.NewFromInt(1000)))
	assert.True(t, audit[0].NewPrice.Equal(decimal.NewFromInt(1050)))
	assert.Equal(t, "vwap_reference_adjustment", audit[0].Reason)
}

func TestRunBatchConvergesOverRuns(t *testing.T) {
	service, db := newTestService(t)
	order := seedDynamicOrder(t, db, 1000, 800, 1200)
	seedTrade(t, db, 1, 1100, time.Now().Add(-time.Hour))

	// First run caps at 1050, second reaches the 1089 target, third finds
	// nothing left to move.
	_, err := service.RunBatch()
	require.NoError(t, err)
	assert.True(t, reloadOrder(t, db, order.OrderID).Price.Equal(decimal.NewFromInt(1050)))

	_, err = service.RunBatch()
	require.NoError(t, err)
	assert.True(t, reloadOrder(t, db, order.OrderID).Price.Equal(decimal.NewFromInt(1089)))

	result, err := service.RunBatch()
	require.NoError(t, err)
	assert.Equal(t, 1, result.Unchanged)
	assert.Equal(t, 2, reloadOrder(t, db, order.OrderID).PriceUpdateCount)
}

func TestRunBatchBelowThreshold(t *testing.T) {
	service, db := newTestService(t)
	order := seedDynamicOrder(t, db, 1000, 800, 1200)
	// Suggested 1012*0.99 = 1001.88, a 0.188% move, under the 0.5% floor.
	seedTrade(t, db, 1, 1012, time.Now().Add(-time.Hour))

	result, err := service.RunBatch()
	require.NoError(t, err)

	assert.Equal(t, 1, result.Unchanged)
	assert.Zero(t, result.Updated)

	updated := reloadOrder(t, db, order.OrderID)
	assert.True(t, updated.Price.Equal(decimal.NewFromInt(1000)))
	assert.Zero(t, updated.PriceUpdateCount)

	var count int64
	require.NoError(t, db.Model(&types.PriceUpdate{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRunBatchSkipsWithoutTradeData(t *testing.T) {
	service, db := newTestService(t)
	seedDynamicOrder(t, db, 1000, 800, 1200)

	result, err := service.RunBatch()
	require.NoError(t, err)

	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Updated)
}

func TestRunBatchIgnoresIneligibleOrders(t *testing.T) {
	service, db := newTestService(t)
	seedTrade(t, db, 1, 1100, time.Now().Add(-time.Hour))

	// Dynamic flag off.
	static := seedDynamicOrder(t, db, 1000, 800, 1200)
	require.NoError(t, db.Model(static).Update("dynamic_enabled", false).Error)

	// Already filled.
	filled := seedDynamicOrder(t, db, 1000, 800, 1200)
	require.NoError(t, db.Model(filled).Update("status", types.OrderStatusFilled).Error)

	result, err := service.RunBatch()
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
}

func TestRunBatchMutualExclusion(t *testing.T) {
	service, db := newTestService(t)
	seedDynamicOrder(t, db, 1000, 800, 1200)
	seedTrade(t, db, 1, 1100, time.Now().Add(-time.Hour))

	// Simulate a run in flight holding the persisted flag.
	now := time.Now()
	require.NoError(t, db.Model(&types.PricingConfig{}).
		Where("1 = 1").
		Updates(map[string]interface{}{"batch_running": true, "batch_started_at": now}).Error)

	result, err := service.RunBatch()
	require.NoError(t, err)
	assert.True(t, result.AlreadyRunning)
	assert.Zero(t, result.Processed)

	// An operator clears the stale flag through UpdateConfig; the next run
	// proceeds normally and releases the flag on exit.
	cfg, err := service.GetConfig()
	require.NoError(t, err)
	cfg.BatchRunning = false
	_, err = service.UpdateConfig(cfg)
	require.NoError(t, err)

	result, err = service.RunBatch()
	require.NoError(t, err)
	assert.False(t, result.AlreadyRunning)
	assert.Equal(t, 1, result.Updated)

	cfg, err = service.GetConfig()
	require.NoError(t, err)
	assert.False(t, cfg.BatchRunning)
	assert.Nil(t, cfg.BatchStartedAt)
}

func TestConcurrentRunBatchSingleEffectivePass(t *testing.T) {
	service, db := newTestService(t)
	order := seedDynamicOrder(t, db, 1000, 800, 1200)
	// Suggested 1030*0.99 = 1019.7 sits inside the 5% cap, so one full pass
	// converges and any later pass finds nothing left to move.
	seedTrade(t, db, 1, 1030, time.Now().Add(-time.Hour))

	results := make([]*BatchResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = service.RunBatch()
		}(i)
	}
	wg.Wait()

	// Whether the loser short-circuits on the flag or runs after the winner
	// released it, the price moves exactly once.
	updated := 0
	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		if results[i].AlreadyRunning {
			assert.Zero(t, results[i].Processed)
			continue
		}
		updated += results[i].Updated
	}
	assert.Equal(t, 1, updated)

	final := reloadOrder(t, db, order.OrderID)
	assert.True(t, final.Price.Equal(decimal.NewFromFloat(1019.7)), "got %s", final.Price)
	assert.Equal(t, 1, final.PriceUpdateCount)

	var audit int64
	require.NoError(t, db.Model(&types.PriceUpdate{}).Count(&audit).Error)
	assert.Equal(t, int64(1), audit)

	cfg, err := service.GetConfig()
	require.NoError(t, err)
	assert.False(t, cfg.BatchRunning)
}

func TestUpdateConfigCannotSetBatchFlag(t *testing.T) {
	service, _ := newTestService(t)

	cfg, err := service.GetConfig()
	require.NoError(t, err)
	cfg.BatchRunning = true
	cfg.VWAPWindowHours = 12

	updated, err := service.UpdateConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 12, updated.VWAPWindowHours)
	assert.False(t, updated.BatchRunning)
}
