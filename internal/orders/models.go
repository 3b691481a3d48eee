package orders

import (
	"time"

	"github.com/kwanzapay/exchange-api/internal/types"
	"github.com/shopspring/decimal"
)

// PlaceOrderRequest is the payload for order placement. Price is required
// for limit orders and must be absent for market orders.
type PlaceOrderRequest struct {
	Side           string           `json:"side" binding:"required"`
	Kind           string           `json:"kind" binding:"required"`
	BaseCurrency   string           `json:"base_currency" binding:"required"`
	QuoteCurrency  string           `json:"quote_currency" binding:"required"`
	Quantity       decimal.Decimal  `json:"quantity" binding:"required"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	DynamicEnabled bool             `json:"dynamic_enabled"`
}

// DynamicPricingInfo reports the bounds computed when dynamic pricing is
// requested at placement.
type DynamicPricingInfo struct {
	OriginalPrice decimal.Decimal `json:"original_price"`
	MinBound      decimal.Decimal `json:"min_bound"`
	MaxBound      decimal.Decimal `json:"max_bound"`
}

type PlaceOrderResponse struct {
	OrderID        string              `json:"order_id"`
	Status         string              `json:"status"`
	ReservedAmount decimal.Decimal     `json:"reserved_amount"`
	CreatedAt      time.Time           `json:"created_at"`
	DynamicPricing *DynamicPricingInfo `json:"dynamic_pricing_info,omitempty"`
}

type CancelOrderResponse struct {
	OrderID        string          `json:"order_id"`
	Status         string          `json:"status"`
	ReleasedAmount decimal.Decimal `json:"released_amount"`
	CancelledAt    time.Time       `json:"cancelled_at"`
}

// OrderSnapshot is the read projection of an order with derived fields.
type OrderSnapshot struct {
	types.Order
	FillPercentage decimal.Decimal `json:"fill_percentage"`
	IsActive       bool            `json:"is_active"`
	CanCancel      bool            `json:"can_cancel"`
}

// NewOrderSnapshot derives the read-only view of an order.
func NewOrderSnapshot(order *types.Order) *OrderSnapshot {
	filled := order.Quantity.Sub(order.RemainingQuantity)
	pct := decimal.Zero
	if order.Quantity.IsPositive() {
		pct = filled.Div(order.Quantity).Mul(decimal.NewFromInt(100))
	}
	// Market orders finalize inside placement, so only limit orders ever
	// count as active on the book.
	resting := order.IsResting() && order.Kind == types.KindLimit
	return &OrderSnapshot{
		Order:          *order,
		FillPercentage: pct,
		IsActive:       resting,
		CanCancel:      resting,
	}
}

// ListOrdersFilter narrows ListOrders results; zero values mean no filter.
type ListOrdersFilter struct {
	Status        string
	Side          string
	BaseCurrency  string
	QuoteCurrency string
	Page          int
	PageSize      int
}

type OrderPage struct {
	Orders     []OrderSnapshot `json:"orders"`
	TotalCount int64           `json:"total_count"`
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
}

type BestPrices struct {
	BaseCurrency  string           `json:"base_currency"`
	QuoteCurrency string           `json:"quote_currency"`
	BestBid       *decimal.Decimal `json:"best_bid,omitempty"`
	BestAsk       *decimal.Decimal `json:"best_ask,omitempty"`
	Spread        *decimal.Decimal `json:"spread,omitempty"`
	SpreadPct     *decimal.Decimal `json:"spread_pct,omitempty"`
}

// DepthLevel is one aggregated price level of the book.
type DepthLevel struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Total      decimal.Decimal `json:"total"`
	OrderCount int             `json:"order_count"`
}

type OrderBookDepth struct {
	BaseCurrency  string       `json:"base_currency"`
	QuoteCurrency string       `json:"quote_currency"`
	Bids          []DepthLevel `json:"bids"`
	Asks          []DepthLevel `json:"asks"`
}

type ToggleDynamicPricingResponse struct {
	OrderID       string          `json:"order_id"`
	Enabled       bool            `json:"enabled"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	OriginalPrice decimal.Decimal `json:"original_price"`
}
