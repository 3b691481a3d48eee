package orders

import "github.com/shopspring/decimal"

// ReservationEstimator decides how much quote currency to reserve for a
// market buy, which has no fixed price at admission. The estimate is a
// heuristic, not a guarantee: the matching engine caps market-buy fills at
// what the reservation actually affords.
type ReservationEstimator interface {
	EstimateBuyReservation(bestAsk, quantity decimal.Decimal) decimal.Decimal
}

// ConservativeBestAskEstimator reserves the best-ask cost padded by a fixed
// headroom factor, so a market buy can still sweep somewhat worse-priced
// levels deeper in the book.
type ConservativeBestAskEstimator struct {
	Headroom decimal.Decimal
}

// NewConservativeBestAskEstimator pads the best-ask cost by 5%.
func NewConservativeBestAskEstimator() ConservativeBestAskEstimator {
	return ConservativeBestAskEstimator{Headroom: decimal.NewFromFloat(1.05)}
}

func (e ConservativeBestAskEstimator) EstimateBuyReservation(bestAsk, quantity decimal.Decimal) decimal.Decimal {
	return bestAsk.Mul(quantity).Mul(e.Headroom)
}
