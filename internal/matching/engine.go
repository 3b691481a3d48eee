package matching

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kwanzapay/exchange-api/internal/ledger"
	"github.com/kwanzapay/exchange-api/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrNoLiquidity means a market order found nothing to execute against.
// The caller reverts the order's reservation and marks it rejected.
var ErrNoLiquidity = errors.New("no liquidity available for market order")

// FeeSchedule holds the maker/taker-independent fee rates. The fee bases
// differ on purpose: the buyer fee is charged on the quote-currency proceeds
// of a fill, the seller fee on the base-currency proceeds.
type FeeSchedule struct {
	BuyerRate  decimal.Decimal
	SellerRate decimal.Decimal
}

// DefaultFeeSchedule charges 0.1% on both legs.
func DefaultFeeSchedule() FeeSchedule {
	rate := decimal.NewFromFloat(0.001)
	return FeeSchedule{BuyerRate: rate, SellerRate: rate}
}

// Result summarizes one matching pass for an incoming order.
type Result struct {
	Fills          int
	FilledQuantity decimal.Decimal
}

// Engine matches a newly admitted order against the resting side of the
// book under price-time priority. It runs entirely inside the caller's
// transaction: the admission, every fill and the final order state commit
// or roll back together.
type Engine struct {
	ledger *ledger.Service
	fees   FeeSchedule
}

func NewEngine(ledgerService *ledger.Service, fees FeeSchedule) *Engine {
	return &Engine{
		ledger: ledgerService,
		fees:   fees,
	}
}

// MatchOrder walks the opposite side of the book for the incoming order,
// settling each compatible fill at the resting order's price, until the
// incoming order is exhausted or no compatible candidate remains. The
// reservation must be the active reservation backing the incoming order.
func (e *Engine) MatchOrder(tx *gorm.DB, incoming *types.Order, reservation *types.Reservation) (*Result, error) {
	logger := log.With().
		Str("service", "matching").
		Str("order_id", incoming.OrderID).
		Str("side", incoming.Side).
		Str("kind", incoming.Kind).
		Logger()

	candidates, err := e.restingCandidates(tx, incoming)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch resting orders: %w", err)
	}

	result := &Result{FilledQuantity: decimal.Zero}

	for i := range candidates {
		if incoming.RemainingQuantity.IsZero() {
			break
		}
		candidate := &candidates[i]

		// Price-time priority: the first incompatible candidate means no
		// later candidate can match either.
		if !priceCompatible(incoming, candidate) {
			break
		}

		fillQuantity := decimal.Min(incoming.RemainingQuantity, candidate.RemainingQuantity)
		executionPrice := candidate.Price

		// A market buy is only backed by an estimated reservation; cap the
		// fill at what the remaining reservation can actually pay for.
		if incoming.Side == types.SideBuy && incoming.Kind == types.KindMarket {
			affordable := reservation.Remaining.Div(executionPrice).Truncate(8)
			if affordable.IsZero() {
				break
			}
			fillQuantity = decimal.Min(fillQuantity, affordable)
		}

		if err := e.settleFill(tx, incoming, candidate, reservation, fillQuantity, executionPrice); err != nil {
			return nil, err
		}

		applyFill(incoming, fillQuantity)
		applyFill(candidate, fillQuantity)
		if err := tx.Save(candidate).Error; err != nil {
			return nil, fmt.Errorf("failed to update resting order: %w", err)
		}

		result.Fills++
		result.FilledQuantity = result.FilledQuantity.Add(fillQuantity)

		logger.Info().
			Str("counter_order_id", candidate.OrderID).
			Str("quantity", fillQuantity.String()).
			Str("price", executionPrice.String()).
			Msg("fill executed")
	}

	if incoming.Kind == types.KindMarket {
		if err := e.finalizeMarketOrder(tx, incoming, reservation, result); err != nil {
			// Callers report fill counts even for a rejected market order,
			// so the zero-fill result travels with the error.
			if errors.Is(err, ErrNoLiquidity) {
				return result, err
			}
			return nil, err
		}
	} else if incoming.Status == types.OrderStatusFilled {
		// A taker buy fills at resting prices at or below its limit, so part
		// of the reservation can be left over once the order completes.
		if err := e.releaseLeftover(tx, reservation); err != nil {
			return nil, err
		}
	}

	if err := tx.Save(incoming).Error; err != nil {
		return nil, fmt.Errorf("failed to update incoming order: %w", err)
	}

	return result, nil
}

// restingCandidates returns the opposite side's open limit orders for the
// incoming order's pair, best price first, ties broken by creation time.
func (e *Engine) restingCandidates(tx *gorm.DB, incoming *types.Order) ([]types.Order, error) {
	oppositeSide := types.SideSell
	if incoming.Side == types.SideSell {
		oppositeSide = types.SideBuy
	}

	var candidates []types.Order
	err := tx.
		Where("base_currency = ? AND quote_currency = ? AND side = ? AND kind = ? AND status IN ? AND order_id <> ?",
			incoming.BaseCurrency, incoming.QuoteCurrency, oppositeSide, types.KindLimit,
			[]string{types.OrderStatusPending, types.OrderStatusPartiallyFilled},
			incoming.OrderID).
		Order("created_at asc, id asc").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	// Stable sort keeps the creation-time order within a price level.
	sort.SliceStable(candidates, func(i, j int) bool {
		if oppositeSide == types.SideSell {
			return candidates[i].Price.LessThan(candidates[j].Price)
		}
		return candidates[i].Price.GreaterThan(candidates[j].Price)
	})

	return candidates, nil
}

// priceCompatible reports whether the incoming order accepts the resting
// order's price. Market orders accept any price.
func priceCompatible(incoming, resting *types.Order) bool {
	if incoming.Kind == types.KindMarket {
		return true
	}
	if incoming.Side == types.SideBuy {
		return incoming.Price.GreaterThanOrEqual(resting.Price)
	}
	return incoming.Price.LessThanOrEqual(resting.Price)
}

func applyFill(order *types.Order, quantity decimal.Decimal) {
	order.RemainingQuantity = order.RemainingQuantity.Sub(quantity)
	if order.RemainingQuantity.IsZero() {
		order.Status = types.OrderStatusFilled
	} else {
		order.Status = types.OrderStatusPartiallyFilled
	}
	order.UpdatedAt = time.Now()
}

// finalizeMarketOrder settles the fate of a market order after the walk: it
// never rests on the book. Zero fill rejects the order and reverts its
// reservation; any other outcome releases whatever the fills did not
// consume.
func (e *Engine) finalizeMarketOrder(tx *gorm.DB, order *types.Order, reservation *types.Reservation, result *Result) error {
	if result.Fills == 0 {
		if err := e.releaseLeftover(tx, reservation); err != nil {
			return err
		}
		order.Status = types.OrderStatusRejected
		order.UpdatedAt = time.Now()
		if err := tx.Save(order).Error; err != nil {
			return fmt.Errorf("failed to update rejected order: %w", err)
		}
		return ErrNoLiquidity
	}
	return e.releaseLeftover(tx, reservation)
}

func (e *Engine) releaseLeftover(tx *gorm.DB, reservation *types.Reservation) error {
	if reservation.Status != types.ReservationStatusActive || reservation.Remaining.IsZero() {
		return nil
	}
	if err := e.ledger.Release(tx, reservation, reservation.Remaining); err != nil {
		return fmt.Errorf("failed to release leftover reservation: %w", err)
	}
	return nil
}
