package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kwanzapay/exchange-api/internal/ledger"
	"github.com/kwanzapay/exchange-api/internal/matching"
	"github.com/kwanzapay/exchange-api/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrOrderNotFound   = errors.New("order not found")
	ErrNotOwner        = errors.New("order belongs to another user")
	ErrAlreadyTerminal = errors.New("order is already in a terminal state")
)

const defaultPageSize = 50

// Service is the order lifecycle API: it admits, cancels and projects
// orders, orchestrating the reservation manager and the matching engine as
// one atomic unit per request.
type Service struct {
	gormDB    *gorm.DB
	db        *Database
	ledger    *ledger.Service
	engine    *matching.Engine
	estimator ReservationEstimator
}

func NewService(gormDB *gorm.DB, ledgerService *ledger.Service, engine *matching.Engine, estimator ReservationEstimator) *Service {
	return &Service{
		gormDB:    gormDB,
		db:        NewDatabase(gormDB),
		ledger:    ledgerService,
		engine:    engine,
		estimator: estimator,
	}
}

// PlaceOrder validates, reserves funds, admits the order and attempts to
// match it, all inside one transaction. A market order that finds no
// liquidity commits its own rejection (with the reservation fully reverted)
// and surfaces matching.ErrNoLiquidity.
func (s *Service) PlaceOrder(userID string, req PlaceOrderRequest) (*PlaceOrderResponse, error) {
	if err := validatePlaceOrder(req); err != nil {
		return nil, err
	}

	logger := log.With().
		Str("service", "orders").
		Str("user_id", userID).
		Str("side", req.Side).
		Str("kind", req.Kind).
		Logger()

	order := &types.Order{
		OrderID:           "ORD_" + uuid.New().String(),
		UserID:            userID,
		Side:              req.Side,
		Kind:              req.Kind,
		BaseCurrency:      req.BaseCurrency,
		QuoteCurrency:     req.QuoteCurrency,
		Quantity:          req.Quantity,
		RemainingQuantity: req.Quantity,
		Status:            types.OrderStatusPending,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}
	if req.Price != nil {
		order.Price = *req.Price
	}

	tx := s.gormDB.Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	reserveCurrency, reserveAmount, err := s.reservationFor(tx, order)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	var dynamicInfo *DynamicPricingInfo
	if req.DynamicEnabled {
		cfg, err := s.db.GetPricingConfig(tx)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("failed to load pricing config: %w", err)
		}
		enableDynamicPricing(order, cfg)
		dynamicInfo = &DynamicPricingInfo{
			OriginalPrice: order.OriginalPrice,
			MinBound:      order.MinBound,
			MaxBound:      order.MaxBound,
		}
	}

	reservation, err := s.ledger.Reserve(tx, userID, reserveCurrency, reserveAmount, order.OrderID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	order.ReservedAmount = reserveAmount

	if err := s.db.CreateOrder(tx, order); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	_, matchErr := s.engine.MatchOrder(tx, order, reservation)
	if matchErr != nil && !errors.Is(matchErr, matching.ErrNoLiquidity) {
		tx.Rollback()
		logger.Error().Err(matchErr).Str("order_id", order.OrderID).Msg("matching failed, order rolled back")
		return nil, matchErr
	}

	// A no-liquidity rejection still commits: the engine has already
	// reverted the reservation and marked the order rejected.
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	if matchErr != nil {
		logger.Warn().Str("order_id", order.OrderID).Msg("market order rejected, no liquidity")
		return nil, matchErr
	}

	logger.Info().
		Str("order_id", order.OrderID).
		Str("status", order.Status).
		Str("reserved_amount", reserveAmount.String()).
		Msg("order placed")

	return &PlaceOrderResponse{
		OrderID:        order.OrderID,
		Status:         order.Status,
		ReservedAmount: reserveAmount,
		CreatedAt:      order.CreatedAt,
		DynamicPricing: dynamicInfo,
	}, nil
}

// reservationFor computes the currency and amount to reserve for an order:
// a sell delivers the base quantity; a buy pays quantity times price in
// quote, with the market-buy amount coming from the estimation policy since
// no price is fixed yet.
func (s *Service) reservationFor(tx *gorm.DB, order *types.Order) (string, decimal.Decimal, error) {
	if order.Side == types.SideSell {
		return order.BaseCurrency, order.Quantity, nil
	}
	if order.Kind == types.KindLimit {
		return order.QuoteCurrency, order.Quantity.Mul(order.Price), nil
	}

	bestAsk, err := s.db.BestAsk(tx, order.BaseCurrency, order.QuoteCurrency)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("failed to resolve best ask: %w", err)
	}
	if bestAsk == nil {
		return "", decimal.Zero, matching.ErrNoLiquidity
	}
	return order.QuoteCurrency, s.estimator.EstimateBuyReservation(*bestAsk, order.Quantity), nil
}

// CancelOrder releases whatever remains reserved for the order and marks it
// cancelled. Market orders finalize inside placement and are never
// cancellable.
func (s *Service) CancelOrder(userID, orderID string) (*CancelOrderResponse, error) {
	tx := s.gormDB.Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	order, err := s.db.GetOrderTx(tx, orderID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if order == nil {
		tx.Rollback()
		return nil, ErrOrderNotFound
	}
	if order.UserID != userID {
		tx.Rollback()
		return nil, ErrNotOwner
	}
	if order.IsTerminal() || order.Kind == types.KindMarket {
		tx.Rollback()
		return nil, ErrAlreadyTerminal
	}

	released := decimal.Zero
	reservation, err := s.ledger.ActiveReservation(tx, orderID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if reservation != nil && reservation.Remaining.IsPositive() {
		released = reservation.Remaining
		if err := s.ledger.Release(tx, reservation, reservation.Remaining); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	order.Status = types.OrderStatusCancelled
	order.UpdatedAt = time.Now()
	if err := s.db.UpdateOrder(tx, order); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "orders").
		Str("order_id", orderID).
		Str("released_amount", released.String()).
		Msg("order cancelled")

	return &CancelOrderResponse{
		OrderID:        orderID,
		Status:         types.OrderStatusCancelled,
		ReleasedAmount: released,
		CancelledAt:    order.UpdatedAt,
	}, nil
}

// GetOrder returns the snapshot of one order.
func (s *Service) GetOrder(orderID string) (*OrderSnapshot, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return NewOrderSnapshot(order), nil
}

// ListOrders returns one page of the user's orders.
func (s *Service) ListOrders(userID string, filter ListOrdersFilter) (*OrderPage, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 {
		filter.PageSize = defaultPageSize
	}

	rows, total, err := s.db.ListOrders(userID, filter)
	if err != nil {
		return nil, err
	}

	snapshots := make([]OrderSnapshot, 0, len(rows))
	for i := range rows {
		snapshots = append(snapshots, *NewOrderSnapshot(&rows[i]))
	}
	return &OrderPage{
		Orders:     snapshots,
		TotalCount: total,
		Page:       filter.Page,
		PageSize:   filter.PageSize,
	}, nil
}

// GetBestPrices returns the top of book and spread for a pair. Sides with
// no resting orders are left unset.
func (s *Service) GetBestPrices(base, quote string) (*BestPrices, error) {
	if err := validatePair(base, quote); err != nil {
		return nil, err
	}

	result := &BestPrices{BaseCurrency: base, QuoteCurrency: quote}

	bids, err := s.db.RestingOrders(s.gormDB, base, quote, types.SideBuy)
	if err != nil {
		return nil, err
	}
	if len(bids) > 0 {
		price := bids[0].Price
		result.BestBid = &price
	}

	asks, err := s.db.RestingOrders(s.gormDB, base, quote, types.SideSell)
	if err != nil {
		return nil, err
	}
	if len(asks) > 0 {
		price := asks[0].Price
		result.BestAsk = &price
	}

	if result.BestBid != nil && result.BestAsk != nil {
		spread := result.BestAsk.Sub(*result.BestBid)
		result.Spread = &spread
		if result.BestAsk.IsPositive() {
			pct := spread.Div(*result.BestAsk).Mul(decimal.NewFromInt(100))
			result.SpreadPct = &pct
		}
	}
	return result, nil
}

// GetOrderBookDepth aggregates resting orders into price levels, best level
// first, capped at the requested number of levels per side.
func (s *Service) GetOrderBookDepth(base, quote string, levels int) (*OrderBookDepth, error) {
	if err := validatePair(base, quote); err != nil {
		return nil, err
	}
	if levels < 1 {
		levels = 10
	}

	depth := &OrderBookDepth{BaseCurrency: base, QuoteCurrency: quote}

	for _, side := range []string{types.SideBuy, types.SideSell} {
		rows, err := s.db.RestingOrders(s.gormDB, base, quote, side)
		if err != nil {
			return nil, err
		}
		aggregated := aggregateDepth(rows, levels)
		if side == types.SideBuy {
			depth.Bids = aggregated
		} else {
			depth.Asks = aggregated
		}
	}
	return depth, nil
}

// aggregateDepth folds price-ordered resting orders into per-price levels.
func aggregateDepth(rows []types.Order, levels int) []DepthLevel {
	out := []DepthLevel{}
	for i := range rows {
		row := &rows[i]
		if len(out) > 0 && out[len(out)-1].Price.Equal(row.Price) {
			level := &out[len(out)-1]
			level.Quantity = level.Quantity.Add(row.RemainingQuantity)
			level.Total = level.Price.Mul(level.Quantity)
			level.OrderCount++
			continue
		}
		if len(out) == levels {
			break
		}
		out = append(out, DepthLevel{
			Price:      row.Price,
			Quantity:   row.RemainingQuantity,
			Total:      row.Price.Mul(row.RemainingQuantity),
			OrderCount: 1,
		})
	}
	return out
}

// GetRecentTrades returns the latest executions for a pair.
func (s *Service) GetRecentTrades(base, quote string, limit int) ([]types.Trade, error) {
	if err := validatePair(base, quote); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}
	return s.db.RecentTrades(base, quote, limit)
}

// ToggleDynamicPricing turns automatic re-pricing on or off for the user's
// own sell limit order. Enabling fixes the bounds from the order's original
// price.
func (s *Service) ToggleDynamicPricing(userID, orderID string, enable bool) (*ToggleDynamicPricingResponse, error) {
	tx := s.gormDB.Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	order, err := s.db.GetOrderTx(tx, orderID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if order == nil {
		tx.Rollback()
		return nil, ErrOrderNotFound
	}
	if order.UserID != userID {
		tx.Rollback()
		return nil, ErrNotOwner
	}
	if order.Side != types.SideSell || order.Kind != types.KindLimit {
		tx.Rollback()
		return nil, fmt.Errorf("%w: dynamic pricing is only available on sell limit orders", ErrValidation)
	}
	if order.IsTerminal() {
		tx.Rollback()
		return nil, ErrAlreadyTerminal
	}

	if enable && !order.DynamicEnabled {
		cfg, err := s.db.GetPricingConfig(tx)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("failed to load pricing config: %w", err)
		}
		enableDynamicPricing(order, cfg)
	}
	order.DynamicEnabled = enable
	order.UpdatedAt = time.Now()

	if err := s.db.UpdateOrder(tx, order); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &ToggleDynamicPricingResponse{
		OrderID:       order.OrderID,
		Enabled:       order.DynamicEnabled,
		CurrentPrice:  order.Price,
		OriginalPrice: order.OriginalPrice,
	}, nil
}

// enableDynamicPricing fixes the re-pricing anchor and bounds. The original
// price and bounds are set once and survive later toggles.
func enableDynamicPricing(order *types.Order, cfg *types.PricingConfig) {
	order.DynamicEnabled = true
	if order.OriginalPrice.IsZero() {
		order.OriginalPrice = order.Price
		bound := order.OriginalPrice.Mul(cfg.PriceBoundsPct).Div(decimal.NewFromInt(100))
		order.MinBound = order.OriginalPrice.Sub(bound)
		order.MaxBound = order.OriginalPrice.Add(bound)
	}
}

func validatePlaceOrder(req PlaceOrderRequest) error {
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return fmt.Errorf("%w: side must be buy or sell", ErrValidation)
	}
	if req.Kind != types.KindLimit && req.Kind != types.KindMarket {
		return fmt.Errorf("%w: kind must be limit or market", ErrValidation)
	}
	if err := validatePair(req.BaseCurrency, req.QuoteCurrency); err != nil {
		return err
	}
	if !req.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if req.Kind == types.KindLimit {
		if req.Price == nil || !req.Price.IsPositive() {
			return fmt.Errorf("%w: limit orders require a positive price", ErrValidation)
		}
	} else if req.Price != nil {
		return fmt.Errorf("%w: market orders must not carry a price", ErrValidation)
	}
	if req.DynamicEnabled && (req.Side != types.SideSell || req.Kind != types.KindLimit) {
		return fmt.Errorf("%w: dynamic pricing is only available on sell limit orders", ErrValidation)
	}
	return nil
}

func validatePair(base, quote string) error {
	if !types.ValidCurrency(base) || !types.ValidCurrency(quote) {
		return fmt.Errorf("%w: currencies must be EUR or AOA", ErrValidation)
	}
	if base == quote {
		return fmt.Errorf("%w: base and quote currencies must differ", ErrValidation)
	}
	return nil
}
