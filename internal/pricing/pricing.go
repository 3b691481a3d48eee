package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kwanzapay/exchange-api/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrNoTradeData means no trade executed inside the VWAP lookback window,
// so there is no market reference to re-price against.
var ErrNoTradeData = errors.New("no trade data in lookback window")

// Per-order evaluation outcomes.
const (
	OutcomeUpdated   = "updated"
	OutcomeUnchanged = "unchanged"
	OutcomeSkipped   = "skipped"
)

const priceUpdateReason = "vwap_reference_adjustment"

var hundred = decimal.NewFromInt(100)

// BatchResult aggregates one batch run. AlreadyRunning marks the
// short-circuited result a concurrent trigger gets while another run holds
// the batch flag.
type BatchResult struct {
	Processed      int           `json:"processed"`
	Updated        int           `json:"updated"`
	Unchanged      int           `json:"unchanged"`
	Skipped        int           `json:"skipped"`
	Failed         int           `json:"failed"`
	AlreadyRunning bool          `json:"already_running"`
	Duration       time.Duration `json:"duration_ns"`
}

// Service re-prices standing dynamic sell orders toward a volume-weighted
// market reference within per-order bounds.
type Service struct {
	gormDB *gorm.DB
	db     *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		gormDB: gormDB,
		db:     NewDatabase(gormDB),
	}
}

// VWAP computes the volume-weighted average price over trades executed in
// the trailing window. It reads through the caller's transaction so a batch
// evaluation never reaches outside its own atomic unit for the reference
// price.
func (s *Service) VWAP(tx *gorm.DB, base, quote string, hours int) (decimal.Decimal, error) {
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	trades, err := s.db.TradesInWindow(tx, base, quote, since)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load trades: %w", err)
	}

	notional := decimal.Zero
	volume := decimal.Zero
	for i := range trades {
		notional = notional.Add(trades[i].Quantity.Mul(trades[i].Price))
		volume = volume.Add(trades[i].Quantity)
	}
	if volume.IsZero() {
		return decimal.Zero, ErrNoTradeData
	}
	return notional.Div(volume), nil
}

// SuggestedPrice derives the target price for an order: the VWAP reference
// shaded by the competitive margin, clamped to the bounds fixed at order
// creation.
func (s *Service) SuggestedPrice(tx *gorm.DB, order *types.Order, cfg *types.PricingConfig) (decimal.Decimal, error) {
	vwap, err := s.VWAP(tx, order.BaseCurrency, order.QuoteCurrency, cfg.VWAPWindowHours)
	if err != nil {
		return decimal.Zero, err
	}

	margin := cfg.CompetitiveMarginPct.Div(hundred)
	suggested := vwap.Mul(decimal.NewFromInt(1).Sub(margin))

	if suggested.LessThan(order.MinBound) {
		suggested = order.MinBound
	}
	if suggested.GreaterThan(order.MaxBound) {
		suggested = order.MaxBound
	}
	return suggested, nil
}

// applyIfWarranted evaluates one order and writes the new price when the
// move clears the minimum change threshold, capping it at the maximum change
// per update. Each order commits in its own transaction so one failure never
// poisons the rest of the batch.
func (s *Service) applyIfWarranted(orderID string, cfg *types.PricingConfig) (string, error) {
	tx := s.gormDB.Begin()
	if err := tx.Error; err != nil {
		return "", err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	order, err := s.db.GetOrder(tx, orderID)
	if err != nil {
		tx.Rollback()
		return "", err
	}
	// The order can fill or cancel between the batch listing and this
	// evaluation; treat that as nothing to do.
	if !order.DynamicEnabled || !order.IsResting() {
		tx.Rollback()
		return OutcomeSkipped, nil
	}

	suggested, err := s.SuggestedPrice(tx, order, cfg)
	if err != nil {
		tx.Rollback()
		if errors.Is(err, ErrNoTradeData) {
			return OutcomeSkipped, nil
		}
		return "", err
	}

	changePct := suggested.Sub(order.Price).Abs().Div(order.Price).Mul(hundred)
	if changePct.LessThan(cfg.MinChangeThresholdPct) {
		tx.Rollback()
		return OutcomeUnchanged, nil
	}

	maxMove := order.Price.Mul(cfg.MaxChangePerUpdatePct).Div(hundred)
	newPrice := suggested
	if suggested.GreaterThan(order.Price) {
		newPrice = decimal.Min(suggested, order.Price.Add(maxMove))
	} else {
		newPrice = decimal.Max(suggested, order.Price.Sub(maxMove))
	}

	update := &types.PriceUpdate{
		PriceUpdateID: "PRU_" + uuid.New().String(),
		OrderID:       order.OrderID,
		OldPrice:      order.Price,
		NewPrice:      newPrice,
		Reason:        priceUpdateReason,
		CreatedAt:     time.Now(),
	}
	if err := s.db.CreatePriceUpdate(tx, update); err != nil {
		tx.Rollback()
		return "", err
	}

	now := time.Now()
	order.Price = newPrice
	order.LastPriceUpdateAt = &now
	order.PriceUpdateCount++
	order.UpdatedAt = now
	if err := s.db.UpdateOrder(tx, order); err != nil {
		tx.Rollback()
		return "", err
	}

	if err := tx.Commit().Error; err != nil {
		return "", err
	}
	return OutcomeUpdated, nil
}

// RunBatch evaluates every eligible dynamic sell order once. The run is
// guarded by a flag persisted on the pricing config row; a concurrent
// trigger sees the flag and returns immediately instead of reprocessing.
// The flag is released on every exit path.
func (s *Service) RunBatch() (*BatchResult, error) {
	logger := log.With().Str("service", "pricing").Logger()
	started := time.Now()

	cfg, acquired, err := s.acquireBatchFlag()
	if err != nil {
		return nil, err
	}
	if !acquired {
		logger.Info().Msg("pricing batch already running, skipping")
		return &BatchResult{AlreadyRunning: true, Duration: time.Since(started)}, nil
	}
	defer s.releaseBatchFlag()

	orders, err := s.db.EligibleOrders()
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible orders: %w", err)
	}

	result := &BatchResult{}
	for i := range orders {
		result.Processed++
		outcome, err := s.applyIfWarranted(orders[i].OrderID, cfg)
		if err != nil {
			// One order's failure must not abort the batch for the rest.
			result.Failed++
			logger.Error().Err(err).Str("order_id", orders[i].OrderID).Msg("price evaluation failed")
			continue
		}
		switch outcome {
		case OutcomeUpdated:
			result.Updated++
		case OutcomeUnchanged:
			result.Unchanged++
		case OutcomeSkipped:
			result.Skipped++
		}
	}

	result.Duration = time.Since(started)
	logger.Info().
		Int("processed", result.Processed).
		Int("updated", result.Updated).
		Int("unchanged", result.Unchanged).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Dur("duration", result.Duration).
		Msg("pricing batch completed")

	return result, nil
}

// acquireBatchFlag claims the persisted batch flag with a single
// conditional update, so two concurrent triggers can never both own the
// run. Returns the config snapshot and whether this caller now owns it.
func (s *Service) acquireBatchFlag() (*types.PricingConfig, bool, error) {
	res := s.gormDB.Model(&types.PricingConfig{}).
		Where("batch_running = ?", false).
		Updates(map[string]interface{}{"batch_running": true, "batch_started_at": time.Now()})
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to claim batch flag: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}

	cfg, err := s.db.GetConfig(s.gormDB)
	if err != nil {
		s.releaseBatchFlag()
		return nil, false, fmt.Errorf("failed to load pricing config: %w", err)
	}
	return cfg, true, nil
}

func (s *Service) releaseBatchFlag() {
	err := s.gormDB.Model(&types.PricingConfig{}).
		Where("batch_running = ?", true).
		Updates(map[string]interface{}{"batch_running": false, "batch_started_at": nil}).Error
	if err != nil {
		log.Error().Err(err).Str("service", "pricing").Msg("failed to release batch flag")
	}
}

// GetConfig returns the operator-visible pricing settings.
func (s *Service) GetConfig() (*types.PricingConfig, error) {
	return s.db.GetConfig(s.gormDB)
}

// UpdateConfig applies operator changes to the pricing settings. The batch
// flag is owned by RunBatch and cannot be set through here, but an operator
// can clear a flag left behind by a crashed run.
func (s *Service) UpdateConfig(updated *types.PricingConfig) (*types.PricingConfig, error) {
	cfg, err := s.db.GetConfig(s.gormDB)
	if err != nil {
		return nil, err
	}

	cfg.VWAPWindowHours = updated.VWAPWindowHours
	cfg.CompetitiveMarginPct = updated.CompetitiveMarginPct
	cfg.BatchIntervalMinutes = updated.BatchIntervalMinutes
	cfg.MinChangeThresholdPct = updated.MinChangeThresholdPct
	cfg.MaxChangePerUpdatePct = updated.MaxChangePerUpdatePct
	cfg.PriceBoundsPct = updated.PriceBoundsPct
	if !updated.BatchRunning {
		cfg.BatchRunning = false
		cfg.BatchStartedAt = nil
	}

	if err := s.db.UpdateConfig(s.gormDB, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
