package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Supported currencies. The exchange trades a single EUR/AOA pair in both
// directions; wallets exist per user per currency.
const (
	CurrencyEUR = "EUR"
	CurrencyAOA = "AOA"
)

// Order sides and kinds.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	KindLimit  = "limit"
	KindMarket = "market"
)

// Order statuses. filled, cancelled and rejected are terminal.
const (
	OrderStatusPending         = "pending"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCancelled       = "cancelled"
	OrderStatusRejected        = "rejected"
)

// Reservation statuses.
const (
	ReservationStatusActive   = "active"
	ReservationStatusReleased = "released"
)

// TreasuryUserID owns the per-currency fee wallets. Fees collected on
// settlement are credited here so total balance per currency is conserved.
const TreasuryUserID = "treasury"

// ValidCurrency reports whether c is a currency this core trades.
func ValidCurrency(c string) bool {
	return c == CurrencyEUR || c == CurrencyAOA
}

// Wallet holds a user's funds in one currency, split into an available
// portion and a reserved portion earmarked for open orders.
// available + reserved never exceeds balance.
type Wallet struct {
	gorm.Model `json:"-"`
	UserID     string          `gorm:"uniqueIndex:idx_wallet_user_currency" json:"user_id"`
	Currency   string          `gorm:"uniqueIndex:idx_wallet_user_currency" json:"currency"`
	Balance    decimal.Decimal `json:"balance"`
	Available  decimal.Decimal `json:"available"`
	Reserved   decimal.Decimal `json:"reserved"`
}

// Reservation earmarks wallet funds for a single order. Remaining tracks the
// unconsumed portion; it is drawn down by settlement and by release, and the
// reservation flips to released once it reaches zero.
type Reservation struct {
	gorm.Model    `json:"-"`
	ReservationID string          `gorm:"uniqueIndex" json:"reservation_id"`
	UserID        string          `json:"user_id"`
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
	Remaining     decimal.Decimal `json:"remaining"`
	Status        string          `json:"status"` // active, released
	OrderID       string          `gorm:"index" json:"order_id"`
}

// Order is a buy or sell request against the EUR/AOA book. Fill progress
// lives in RemainingQuantity and Status; the dynamic pricing fields are only
// meaningful on sell limit orders.
type Order struct {
	gorm.Model        `json:"-"`
	OrderID           string          `gorm:"uniqueIndex" json:"order_id"`
	UserID            string          `gorm:"index" json:"user_id"`
	Side              string          `json:"side"` // buy or sell
	Kind              string          `json:"kind"` // limit or market
	BaseCurrency      string          `json:"base_currency"`
	QuoteCurrency     string          `json:"quote_currency"`
	Quantity          decimal.Decimal `json:"quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	Price             decimal.Decimal `json:"price"`
	ReservedAmount    decimal.Decimal `json:"reserved_amount"`
	Status            string          `gorm:"index" json:"status"`

	DynamicEnabled    bool            `json:"dynamic_enabled"`
	OriginalPrice     decimal.Decimal `json:"original_price"`
	MinBound          decimal.Decimal `json:"min_bound"`
	MaxBound          decimal.Decimal `json:"max_bound"`
	LastPriceUpdateAt *time.Time      `json:"last_price_update_at,omitempty"`
	PriceUpdateCount  int             `json:"price_update_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsTerminal reports whether the order can no longer change state.
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// IsResting reports whether the order sits on the book awaiting a match.
func (o *Order) IsResting() bool {
	return o.Status == OrderStatusPending || o.Status == OrderStatusPartiallyFilled
}

// Trade is the immutable record of one execution between a buy and a sell
// order. It is the sole input to the dynamic pricing reference calculation.
type Trade struct {
	gorm.Model    `json:"-"`
	TradeID       string          `gorm:"uniqueIndex" json:"trade_id"`
	BuyOrderID    string          `json:"buy_order_id"`
	SellOrderID   string          `json:"sell_order_id"`
	BuyerID       string          `json:"buyer_id"`
	SellerID      string          `json:"seller_id"`
	BaseCurrency  string          `json:"base_currency"`
	QuoteCurrency string          `json:"quote_currency"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	BuyerFee      decimal.Decimal `json:"buyer_fee"`
	SellerFee     decimal.Decimal `json:"seller_fee"`
	ExecutedAt    time.Time       `gorm:"index" json:"executed_at"`
}

// PriceUpdate is the audit trail for dynamic re-pricing, one row per applied
// price change.
type PriceUpdate struct {
	gorm.Model    `json:"-"`
	PriceUpdateID string          `gorm:"uniqueIndex" json:"price_update_id"`
	OrderID       string          `gorm:"index" json:"order_id"`
	OldPrice      decimal.Decimal `json:"old_price"`
	NewPrice      decimal.Decimal `json:"new_price"`
	Reason        string          `json:"reason"`
	CreatedAt     time.Time       `json:"created_at"`
}

// PricingConfig is a singleton settings row read on every batch run. It also
// carries the persisted batch-running flag so a crashed run can be recovered
// by an operator clearing the flag, rather than deadlocking future runs.
type PricingConfig struct {
	gorm.Model            `json:"-"`
	VWAPWindowHours       int             `json:"vwap_window_hours"`
	CompetitiveMarginPct  decimal.Decimal `json:"competitive_margin_pct"`
	BatchIntervalMinutes  int             `json:"batch_interval_minutes"`
	MinChangeThresholdPct decimal.Decimal `json:"min_change_threshold_pct"`
	MaxChangePerUpdatePct decimal.Decimal `json:"max_change_per_update_pct"`
	PriceBoundsPct        decimal.Decimal `json:"price_bounds_pct"`
	BatchRunning          bool            `json:"batch_running"`
	BatchStartedAt        *time.Time      `json:"batch_started_at,omitempty"`
}

// DefaultPricingConfig returns the bootstrap settings row.
func DefaultPricingConfig() *PricingConfig {
	return &PricingConfig{
		VWAPWindowHours:       24,
		CompetitiveMarginPct:  decimal.NewFromFloat(1.0),
		BatchIntervalMinutes:  5,
		MinChangeThresholdPct: decimal.NewFromFloat(0.5),
		MaxChangePerUpdatePct: decimal.NewFromFloat(5.0),
		PriceBoundsPct:        decimal.NewFromFloat(20.0),
	}
}
