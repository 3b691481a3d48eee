package orders

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/kwanzapay/exchange-api/internal/ledger"
	"github.com/kwanzapay/exchange-api/internal/matching"
	"github.com/kwanzapay/exchange-api/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB, *ledger.Service) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&types.Wallet{},
		&types.Reservation{},
		&types.Order{},
		&types.Trade{},
		&types.PricingConfig{},
	))
	require.NoError(t, db.Create(types.DefaultPricingConfig()).Error)

	ledgerService := ledger.NewService(db)
	engine := matching.NewEngine(ledgerService, matching.DefaultFeeSchedule())
	service := NewService(db, ledgerService, engine, NewConservativeBestAskEstimator())
	return service, db, ledgerService
}

func fund(t *testing.T, ledgerService *ledger.Service, userID, currency string, amount int64) {
	t.Helper()
	_, err := ledgerService.CreditWallet(userID, currency, decimal.NewFromInt(amount))
	require.NoError(t, err)
}

func limitRequest(side string, quantity, price int64) PlaceOrderRequest {
	p := decimal.NewFromInt(price)
	return PlaceOrderRequest{
		Side:          side,
		Kind:          types.KindLimit,
		BaseCurrency:  types.CurrencyEUR,
		QuoteCurrency: types.CurrencyAOA,
		Quantity:      decimal.NewFromInt(quantity),
		Price:         &p,
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	service, _, _ := newTestService(t)

	price := decimal.NewFromInt(900)
	cases := []struct {
		name string
		req  PlaceOrderRequest
	}{
		{"bad side", PlaceOrderRequest{Side: "hold", Kind: types.KindLimit, BaseCurrency: "EUR", QuoteCurrency: "AOA", Quantity: decimal.NewFromInt(1), Price: &price}},
		{"bad kind", PlaceOrderRequest{Side: types.SideBuy, Kind: "stop", BaseCurrency: "EUR", QuoteCurrency: "AOA", Quantity: decimal.NewFromInt(1), Price: &price}},
		{"unsupported currency", PlaceOrderRequest{Side: types.SideBuy, Kind: types.KindLimit, BaseCurrency: "USD", QuoteCurrency: "AOA", Quantity: decimal.NewFromInt(1), Price: &price}},
		{"same pair", PlaceOrderRequest{Side: types.SideBuy, Kind: types.KindLimit, BaseCurrency: "EUR", QuoteCurrency: "EUR", Quantity: decimal.NewFromInt(1), Price: &price}},
		{"zero quantity", PlaceOrderRequest{Side: types.SideBuy, Kind: types.KindLimit, BaseCurrency: "EUR", QuoteCurrency: "AOA", Quantity: decimal.Zero, Price: &price}},
		{"limit without price", PlaceOrderRequest{Side: types.SideBuy, Kind: types.KindLimit, BaseCurrency: "EUR", QuoteCurrency: "AOA", Quantity: decimal.NewFromInt(1)}},
		{"market with price", PlaceOrderRequest{Side: types.SideBuy, Kind: types.KindMarket, BaseCurrency: "EUR", QuoteCurrency: "AOA", Quantity: decimal.NewFromInt(1), Price: &price}},
		{"dynamic on buy", PlaceOrderRequest{Side: types.SideBuy, Kind: types.KindLimit, BaseCurrency: "EUR", QuoteCurrency: "AOA", Quantity: decimal.NewFromInt(1), Price: &price, DynamicEnabled: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := service.PlaceOrder("alice", tc.req)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestPlaceOrderInsufficientFunds(t *testing.T) {
	service, db, ledgerService := newTestService(t)
	fund(t, ledgerService, "alice", types.CurrencyAOA, 1000)

	// 10 * 900 = 9000 AOA needed, only 1000 available.
	_, err := service.PlaceOrder("alice", limitRequest(types.SideBuy, 10, 900))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	// The rejected placement left nothing behind.
	var count int64
	require.NoError(t, db.Model(&types.Order{}).Count(&count).Error)
	assert.Zero(t, count)

	var wallet types.Wallet
	require.NoError(t, db.Where("user_id = ? AND currency = ?", "alice", types.CurrencyAOA).First(&wallet).Error)
	assert.True(t, wallet.Available.Equal(decimal.NewFromInt(1000)))
	assert.True(t, wallet.Reserved.IsZero())
}

func TestPlaceOrderReservationAmounts(t *testing.T) {
	service, db, ledgerService := newTestService(t)
	fund(t, ledgerService, "alice", types.CurrencyEUR, 1000)
	fund(t, ledgerService, "bob", types.CurrencyAOA, 1000000)

	// A sell delivers base currency: 100 EUR.
	sellResp, err := service.PlaceOrder("alice", limitRequest(types.SideSell, 100, 950))
	require.NoError(t, err)
	assert.True(t, sellResp.ReservedAmount.Equal(decimal.NewFromInt(100)))

	// A limit buy pays quote: 50 * 900 = 45000 AOA.
	buyResp, err := service.PlaceOrder("bob", limitRequest(types.SideBuy, 50, 900))
	require.NoError(t, err)
	assert.True(t, buyResp.ReservedAmount.Equal(decimal.NewFromInt(45000)))

	var wallet types.Wallet
	require.NoError(t, db.Where("user_id = ? AND currency = ?", "bob", types.CurrencyAOA).First(&wallet).Error)
	assert.True(t, wallet.Reserved.Equal(decimal.NewFromInt(45000)))
}

func TestMarketBuyReservationFromBestAsk(t *testing.T) {
	service, _, ledgerService := newTestService(t)
	fund(t, ledgerService, "alice", types.CurrencyEUR, 1000)
	fund(t, ledgerService, "bob", types.CurrencyAOA, 1000000)

	_, err := service.PlaceOrder("alice", limitRequest(types.SideSell, 100, 1000))
	require.NoError(t, err)

	resp, err := service.PlaceOrder("bob", PlaceOrderRequest{
		Side:          types.SideBuy,
		Kind:          types.KindMarket,
		BaseCurrency:  types.CurrencyEUR,
		QuoteCurrency: types.CurrencyAOA,
		Quantity:      decimal.NewFromInt(10),
	})
	require.NoError(t, err)

	// Best ask 1000 with 5% headroom: 10 * 1000 * 1.05.
	assert.True(t, resp.ReservedAmount.Equal(decimal.NewFromInt(10500)), "got %s", resp.ReservedAmount)
	assert.Equal(t, types.OrderStatusFilled, resp.Status)
}

func TestMarketBuyEmptyBook(t *testing.T) {
	service, db, ledgerService := newTestService(t)
	fund(t, ledgerService, "bob", types.CurrencyAOA, 1000000)

	_, err := service.PlaceOrder("bob", PlaceOrderRequest{
		Side:          types.SideBuy,
		Kind:          types.KindMarket,
		BaseCurrency:  types.CurrencyEUR,
		QuoteCurrency: types.CurrencyAOA,
		Quantity:      decimal.NewFromInt(10),
	})
	require.ErrorIs(t, err, matching.ErrNoLiquidity)

	// No reservation estimate exists without an ask, so nothing is admitted.
	var count int64
	require.NoError(t, db.Model(&types.Order{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCancelOrder(t *testing.T) {
	service, db, ledgerService := newTestService(t)
	fund(t, ledgerService, "alice", types.CurrencyAOA, 100000)

	resp, err := service.PlaceOrder("alice", limitRequest(types.SideBuy, 50, 900))
	require.NoError(t, err)

	cancelResp, err := service.CancelOrder("alice", resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCancelled, cancelResp.Status)
	assert.True(t, cancelResp.ReleasedAmount.Equal(decimal.NewFromInt(45000)))

	var wallet types.Wallet
	require.NoError(t, db.Where("user_id = ? AND currency = ?", "alice", types.CurrencyAOA).First(&wallet).Error)
	assert.True(t, wallet.Available.Equal(decimal.NewFromInt(100000)))
	assert.True(t, wallet.Reserved.IsZero())
}

func TestCancelOrderGuards(t *testing.T) {
	service, _, ledgerService := newTestService(t)
	fund(t, ledgerService, "alice", types.CurrencyAOA, 100000)

	resp, err := service.PlaceOrder("alice", limitRequest(types.SideBuy, 10, 900))
	require.NoError(t, err)

	_, err = service.CancelOrder("alice", "ORD_missing")
	require.ErrorIs(t, err, ErrOrderNotFound)

	_, err = service.CancelOrder("mallory", resp.OrderID)
	require.ErrorIs(t, err, ErrNotOwner)

	_, err = service.CancelOrder("alice", resp.OrderID)
	require.NoError(t, err)
	_, err = service.CancelOrder("alice", resp.OrderID)
	require.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestCancelMarketOrderNotAllowed(t *testing.T) {
	service, db, ledgerService := newTestService(t)
	fund(t, ledgerService, "alice", types.CurrencyAOA, 1000000)
	fund(t, ledgerService, "bob", types.CurrencyEUR, 1000)

	_, err := service.PlaceOrder("alice", limitRequest(types.SideBuy, 30, 900))
	require.NoError(t, err)

	resp, err := service.PlaceOrder("bob", PlaceOrderRequest{
		Side:          types.SideSell,
		Kind:          types.KindMarket,
		BaseCurrency:  types.CurrencyEUR,
		QuoteCurrency: types.CurrencyAOA,
		Quantity:      decimal.NewFromInt(100),
	})
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusPartiallyFilled, resp.Status)

	_, err = service.CancelOrder("bob", resp.OrderID)
	require.ErrorIs(t, err, ErrAlreadyTerminal)

	// The partially filled market order already released its leftover, so the
	// failed cancel must not touch the wallet.
	var wallet types.Wallet
	require.NoError(t, db.Where("user_id = ? AND currency = ?", "bob", types.CurrencyEUR).First(&wallet).Error)
	assert.True(t, wallet.Reserved.IsZero())
}

func TestOrderSnapshotFlags(t *testing.T) {
	service, _, ledgerService := newTestService(t)
	fund(t, ledgerService, "alice", types.CurrencyAOA, 1000000)
	fund(t, ledgerService, "bob", types.CurrencyEUR, 1000)

	resp, err := service.PlaceOrder("alice", limitRequest(types.SideBuy, 100, 900))
	require.NoError(t, err)

	snapshot, err := service.GetOrder(resp.OrderID)
	require.NoError(t, err)
	assert.True(t, snapshot.IsActive)
	assert.True(t, snapshot.CanCancel)
	assert.True(t, snapshot.FillPercentage.IsZero())

	// A market sell partially fills against the bid. Its snapshot shows fill
	// progress but it is neither active nor cancellable.
	marketResp, err := service.PlaceOrder("bob", PlaceOrderRequest{
		Side:          types.SideSell,
		Kind:          types.KindMarket,
		BaseCurrency:  types.CurrencyEUR,
		QuoteCurrency: types.CurrencyAOA,
		Quantity:      decimal.NewFromInt(200),
	})
	require.NoError(t, err)

	snapshot, err = service.GetOrder(marketResp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusPartiallyFilled, snapshot.Status)
	assert.True(t, snapshot.FillPercentage.Equal(decimal.NewFromInt(50)))
	assert.False(t, snapshot.IsActive)
	assert.False(t, snapshot.CanCancel)
}

func TestListOrdersPaginationAndFilter(t *testing.T) {
	service, _, ledgerService := newTestService(t)
	fund(t, ledgerService, "alice", types.CurrencyAOA, 1000000)
	fund(t, ledgerService, "alice", types.CurrencyEUR, 1000)

	for i := 0; i < 3; i++ {
		_, err := service.PlaceOrder("alice", limitRequest(types.SideBuy, 10, 900))
		require.NoError(t, err)
	}
	_, err := service.PlaceOrder("alice", limitRequest(types.SideSell, 10, 2000))
	require.NoError(t, err)

	page, err := service.ListOrders("alice", ListOrdersFilter{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(4), page.TotalCount)
	assert.Len(t, page.Orders, 2)

	page, err = service.ListOrders("alice", ListOrdersFilter{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, page.Orders, 2)

	sells, err := service.ListOrders("alice", ListOrdersFilter{Side: types.SideSell})
	require.NoError(t, err)
	assert.Equal(t, int64(1), sells.TotalCount)

	// Another user sees none of them.
	other, err := service.ListOrders("bob", ListOrdersFilter{})
	require.NoError(t, err)
	assert.Zero(t, other.TotalCount)
}

func TestBestPricesAndSpread(t *testing.T) {
	service, _, ledgerService := newTestService(t)
	fund(t, ledgerService, "alice", types.CurrencyAOA, 1000000)
	fund(t, ledgerService, "bob", types.CurrencyEUR, 1000)

	empty, err := service.GetBestPrices(types.CurrencyEUR, types.CurrencyAOA)
	require.NoError(t, err)
	assert.Nil(t, empty.BestBid)
	assert.Nil(t, empty.BestAsk)
	assert.Nil(t, empty.Spread)

	_, err = service.PlaceOrder("alice", limitRequest(types.SideBuy, 10, 900))
	require.NoError(t, err)
	_, err = service.PlaceOrder("alice", limitRequest(types.SideBuy, 10, 880))
	require.NoError(t, err)
	_, err = service.PlaceOrder("bob", limitRequest(types.SideSell, 10, 1000))
	require.NoError(t, err)

	prices, err := service.GetBestPrices(types.CurrencyEUR, types.CurrencyAOA)
	require.NoError(t, err)
	require.NotNil(t, prices.BestBid)
	require.NotNil(t, prices.BestAsk)
	assert.True(t, prices.BestBid.Equal(decimal.NewFromInt(900)))
	assert.True(t, prices.BestAsk.Equal(decimal.NewFromInt(1000)))
	assert.True(t, prices.Spread.Equal(decimal.NewFromInt(100)))
	assert.True(t, prices.SpreadPct.Equal(decimal.NewFromInt(10)))
}

func TestOrderBookDepthAggregation(t *testing.T) {
	service, _, ledgerService := newTestService(t)
	fund(t, ledgerService, "alice", types.CurrencyEUR, 1000)
	fund(t, ledgerService, "bob", types.CurrencyEUR, 1000)

	// Two asks at 1000 collapse into one level; 1010 and 1020 follow.
	_, err := service.PlaceOrder("alice", limitRequest(types.SideSell, 10, 1000))
	require.NoError(t, err)
	_, err = service.PlaceOrder("bob", limitRequest(types.SideSell, 5, 1000))
	require.NoError(t, err)
	_, err = service.PlaceOrder("alice", limitRequest(types.SideSell, 7, 1010))
	require.NoError(t, err)
	_, err = service.PlaceOrder("bob", limitRequest(types.SideSell, 3, 1020))
	require.NoError(t, err)

	depth, err := service.GetOrderBookDepth(types.CurrencyEUR, types.CurrencyAOA, 2)
	require.NoError(t, err)
	assert.Empty(t, depth.Bids)
	require.Len(t, depth.Asks, 2)

	assert.True(t, depth.Asks[0].Price.Equal(decimal.NewFromInt(1000)))
	assert.True(t, depth.Asks[0].Quantity.Equal(decimal.NewFromInt(15)))
	assert.True(t, depth.Asks[0].Total.Equal(decimal.NewFromInt(15000)))
	assert.Equal(t, 2, depth.Asks[0].OrderCount)
	assert.True(t, depth.Asks[1].Price.Equal(decimal.NewFromInt(1010)))
}

func TestToggleDynamicPricing(t *testing.T) {
	service, _, ledgerService := newTestService(t)
	fund(t, ledgerService, "alice", types.CurrencyEUR, 1000)
	fund(t, ledgerService, "bob", types.CurrencyAOA, 1000000)

	resp, err := service.PlaceOrder("alice", limitRequest(types.SideSell, 100, 1000))
	require.NoError(t, err)

	toggled, err := service.ToggleDynamicPricing("alice", resp.OrderID, true)
	require.NoError(t, err)
	assert.True(t, toggled.Enabled)
	assert.True(t, toggled.OriginalPrice.Equal(decimal.NewFromInt(1000)))

	// Default bounds are 20% around the original price.
	snapshot, err := service.GetOrder(resp.OrderID)
	require.NoError(t, err)
	assert.True(t, snapshot.MinBound.Equal(decimal.NewFromInt(800)))
	assert.True(t, snapshot.MaxBound.Equal(decimal.NewFromInt(1200)))

	// Disabling and re-enabling keeps the original anchor.
	_, err = service.ToggleDynamicPricing("alice", resp.OrderID, false)
	require.NoError(t, err)
	toggled, err = service.ToggleDynamicPricing("alice", resp.OrderID, true)
	require.NoError(t, err)
	assert.True(t, toggled.OriginalPrice.Equal(decimal.NewFromInt(1000)))

	// Only the owner's own sell limit orders qualify.
	_, err = service.ToggleDynamicPricing("bob", resp.OrderID, true)
	require.ErrorIs(t, err, ErrNotOwner)

	buyResp, err := service.PlaceOrder("bob", limitRequest(types.SideBuy, 10, 900))
	require.NoError(t, err)
	_, err = service.ToggleDynamicPricing("bob", buyResp.OrderID, true)
	require.ErrorIs(t, err, ErrValidation)
}

func TestPlaceOrderWithDynamicPricing(t *testing.T) {
	service, _, ledgerService := newTestService(t)
	fund(t, ledgerService, "alice", types.CurrencyEUR, 1000)

	req := limitRequest(types.SideSell, 100, 1000)
	req.DynamicEnabled = true
	resp, err := service.PlaceOrder("alice", req)
	require.NoError(t, err)

	require.NotNil(t, resp.DynamicPricing)
	assert.True(t, resp.DynamicPricing.OriginalPrice.Equal(decimal.NewFromInt(1000)))
	assert.True(t, resp.DynamicPricing.MinBound.Equal(decimal.NewFromInt(800)))
	assert.True(t, resp.DynamicPricing.MaxBound.Equal(decimal.NewFromInt(1200)))
}

func TestRecentTradesLimit(t *testing.T) {
	service, _, ledgerService := newTestService(t)
	fund(t, ledgerService, "alice", types.CurrencyEUR, 1000)
	fund(t, ledgerService, "bob", types.CurrencyAOA, 1000000)

	for i := 0; i < 3; i++ {
		_, err := service.PlaceOrder("alice", limitRequest(types.SideSell, 10, 900))
		require.NoError(t, err)
		_, err = service.PlaceOrder("bob", limitRequest(types.SideBuy, 10, 900))
		require.NoError(t, err)
	}

	trades, err := service.GetRecentTrades(types.CurrencyEUR, types.CurrencyAOA, 2)
	require.NoError(t, err)
	assert.Len(t, trades, 2)

	trades, err = service.GetRecentTrades(types.CurrencyEUR, types.CurrencyAOA, 0)
	require.NoError(t, err)
	assert.Len(t, trades, 3)

	_, err = service.GetRecentTrades("USD", types.CurrencyAOA, 10)
	require.ErrorIs(t, err, ErrValidation)
}
