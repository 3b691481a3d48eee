package matching

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kwanzapay/exchange-api/internal/ledger"
	"github.com/kwanzapay/exchange-api/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// settleFill executes the accounting for one matched pair: two reservation
// transfers (quote from buyer to seller, base from seller to buyer) plus an
// immutable trade record. Any failure aborts the enclosing transaction, so a
// fill is never half-applied.
//
// The buyer fee is charged on the quote proceeds, the seller fee on the base
// proceeds. The asymmetry is carried over from the wallet product's observed
// behavior.
func (e *Engine) settleFill(tx *gorm.DB, incoming, resting *types.Order, incomingReservation *types.Reservation, quantity, price decimal.Decimal) error {
	buyOrder, sellOrder := incoming, resting
	if incoming.Side == types.SideSell {
		buyOrder, sellOrder = resting, incoming
	}

	buyerReservation, sellerReservation, err := e.fillReservations(tx, incoming, resting, incomingReservation)
	if err != nil {
		return err
	}

	total := quantity.Mul(price)
	buyerFee := total.Mul(e.fees.BuyerRate)
	sellerFee := quantity.Mul(e.fees.SellerRate)

	// Quote leg: buyer's reserved funds pay the seller.
	if err := e.ledger.TransferOnSettlement(tx, buyerReservation, sellOrder.UserID, total, buyerFee); err != nil {
		return fmt.Errorf("quote settlement leg failed: %w", err)
	}

	// Base leg: seller's reserved funds deliver to the buyer.
	if err := e.ledger.TransferOnSettlement(tx, sellerReservation, buyOrder.UserID, quantity, sellerFee); err != nil {
		return fmt.Errorf("base settlement leg failed: %w", err)
	}

	trade := &types.Trade{
		TradeID:       "TRD_" + uuid.New().String(),
		BuyOrderID:    buyOrder.OrderID,
		SellOrderID:   sellOrder.OrderID,
		BuyerID:       buyOrder.UserID,
		SellerID:      sellOrder.UserID,
		BaseCurrency:  buyOrder.BaseCurrency,
		QuoteCurrency: buyOrder.QuoteCurrency,
		Quantity:      quantity,
		Price:         price,
		TotalAmount:   total,
		BuyerFee:      buyerFee,
		SellerFee:     sellerFee,
		ExecutedAt:    time.Now(),
	}
	if err := tx.Create(trade).Error; err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}

	log.Info().
		Str("service", "settlement").
		Str("trade_id", trade.TradeID).
		Str("buy_order_id", trade.BuyOrderID).
		Str("sell_order_id", trade.SellOrderID).
		Str("quantity", quantity.String()).
		Str("price", price.String()).
		Str("buyer_fee", buyerFee.String()).
		Str("seller_fee", sellerFee.String()).
		Msg("trade settled")

	return nil
}

// fillReservations resolves the buyer-side and seller-side reservations for
// one fill. The incoming order's reservation is already loaded; the resting
// order's is looked up. A resting order without an active reservation is a
// settlement invariant violation.
func (e *Engine) fillReservations(tx *gorm.DB, incoming, resting *types.Order, incomingReservation *types.Reservation) (buyer, seller *types.Reservation, err error) {
	restingReservation, err := e.ledger.ActiveReservation(tx, resting.OrderID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load resting reservation: %w", err)
	}
	if restingReservation == nil {
		return nil, nil, fmt.Errorf("%w: resting order %s has no active reservation",
			ledger.ErrSettlementInvariant, resting.OrderID)
	}

	if incoming.Side == types.SideBuy {
		return incomingReservation, restingReservation, nil
	}
	return restingReservation, incomingReservation, nil
}
