package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kwanzapay/exchange-api/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrWalletNotFound          = errors.New("wallet not found")
	ErrInsufficientFunds       = errors.New("insufficient available funds")
	ErrInvalidReservationState = errors.New("invalid reservation state")
	// ErrSettlementInvariant means a settlement would drive a wallet's
	// reserved balance negative. It indicates a bug, not a business
	// condition, and aborts the whole fill.
	ErrSettlementInvariant = errors.New("settlement invariant violation")
)

// Service moves money between the available and reserved portions of user
// wallets. Every mutating method takes the caller's transaction so that a
// reservation, the order it backs, and any fills against it commit or roll
// back as one unit.
type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// Reserve earmarks amount from the user's available funds for an order.
// Fails with ErrInsufficientFunds without touching the wallet when available
// is short.
func (s *Service) Reserve(tx *gorm.DB, userID, currency string, amount decimal.Decimal, orderID string) (*types.Reservation, error) {
	wallet, err := s.db.GetWallet(tx, userID, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	if wallet == nil {
		return nil, ErrWalletNotFound
	}
	if wallet.Available.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}

	wallet.Available = wallet.Available.Sub(amount)
	wallet.Reserved = wallet.Reserved.Add(amount)
	if err := s.db.UpdateWallet(tx, wallet); err != nil {
		return nil, fmt.Errorf("failed to update wallet: %w", err)
	}

	reservation := &types.Reservation{
		ReservationID: "RSV_" + uuid.New().String(),
		UserID:        userID,
		Currency:      currency,
		Amount:        amount,
		Remaining:     amount,
		Status:        types.ReservationStatusActive,
		OrderID:       orderID,
	}
	if err := s.db.CreateReservation(tx, reservation); err != nil {
		return nil, fmt.Errorf("failed to create reservation: %w", err)
	}

	log.Debug().
		Str("service", "ledger").
		Str("reservation_id", reservation.ReservationID).
		Str("user_id", userID).
		Str("currency", currency).
		Str("amount", amount.String()).
		Msg("funds reserved")

	return reservation, nil
}

// Release returns amount from the reservation back to the user's available
// funds. The reservation flips to released once nothing remains on it.
func (s *Service) Release(tx *gorm.DB, reservation *types.Reservation, amount decimal.Decimal) error {
	if reservation.Status != types.ReservationStatusActive || amount.GreaterThan(reservation.Remaining) {
		return ErrInvalidReservationState
	}

	wallet, err := s.db.GetWallet(tx, reservation.UserID, reservation.Currency)
	if err != nil {
		return fmt.Errorf("failed to load wallet: %w", err)
	}
	if wallet == nil {
		return ErrWalletNotFound
	}

	wallet.Reserved = wallet.Reserved.Sub(amount)
	wallet.Available = wallet.Available.Add(amount)
	if err := s.db.UpdateWallet(tx, wallet); err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}

	reservation.Remaining = reservation.Remaining.Sub(amount)
	if reservation.Remaining.IsZero() {
		reservation.Status = types.ReservationStatusReleased
	}
	if err := s.db.UpdateReservation(tx, reservation); err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}

	return nil
}

// TransferOnSettlement consumes amount from the sender's reserved funds,
// credits the receiver's available funds with amount minus fee, and credits
// the treasury fee wallet with fee. Fails closed with
// ErrSettlementInvariant if the sender's reserved funds or the backing
// reservation cannot cover the amount.
func (s *Service) TransferOnSettlement(tx *gorm.DB, reservation *types.Reservation, toUserID string, amount, fee decimal.Decimal) error {
	if fee.IsNegative() || fee.GreaterThan(amount) {
		return fmt.Errorf("%w: fee %s outside [0, %s]", ErrSettlementInvariant, fee, amount)
	}
	if reservation.Status != types.ReservationStatusActive || amount.GreaterThan(reservation.Remaining) {
		return fmt.Errorf("%w: reservation %s cannot cover %s", ErrSettlementInvariant, reservation.ReservationID, amount)
	}

	from, err := s.db.GetWallet(tx, reservation.UserID, reservation.Currency)
	if err != nil {
		return fmt.Errorf("failed to load sender wallet: %w", err)
	}
	if from == nil || from.Reserved.LessThan(amount) {
		return fmt.Errorf("%w: reserved balance below transfer amount for user %s", ErrSettlementInvariant, reservation.UserID)
	}

	from.Reserved = from.Reserved.Sub(amount)
	from.Balance = from.Balance.Sub(amount)
	if err := s.db.UpdateWallet(tx, from); err != nil {
		return fmt.Errorf("failed to update sender wallet: %w", err)
	}

	to, err := s.db.GetOrCreateWallet(tx, toUserID, reservation.Currency)
	if err != nil {
		return fmt.Errorf("failed to load receiver wallet: %w", err)
	}
	credit := amount.Sub(fee)
	to.Available = to.Available.Add(credit)
	to.Balance = to.Balance.Add(credit)
	if err := s.db.UpdateWallet(tx, to); err != nil {
		return fmt.Errorf("failed to update receiver wallet: %w", err)
	}

	if fee.IsPositive() {
		treasury, err := s.db.GetOrCreateWallet(tx, types.TreasuryUserID, reservation.Currency)
		if err != nil {
			return fmt.Errorf("failed to load treasury wallet: %w", err)
		}
		treasury.Available = treasury.Available.Add(fee)
		treasury.Balance = treasury.Balance.Add(fee)
		if err := s.db.UpdateWallet(tx, treasury); err != nil {
			return fmt.Errorf("failed to update treasury wallet: %w", err)
		}
	}

	reservation.Remaining = reservation.Remaining.Sub(amount)
	if reservation.Remaining.IsZero() {
		reservation.Status = types.ReservationStatusReleased
	}
	if err := s.db.UpdateReservation(tx, reservation); err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}

	return nil
}

// ActiveReservation returns the active reservation backing an order, or nil.
func (s *Service) ActiveReservation(tx *gorm.DB, orderID string) (*types.Reservation, error) {
	return s.db.GetActiveReservationByOrder(tx, orderID)
}

// CreditWallet adds funds to a user's wallet, creating it if needed. This is
// the provisioning boundary: deposits and onboarding live outside this core
// and enter through here.
func (s *Service) CreditWallet(userID, currency string, amount decimal.Decimal) (*types.Wallet, error) {
	if !types.ValidCurrency(currency) {
		return nil, fmt.Errorf("unsupported currency %q", currency)
	}
	if !amount.IsPositive() {
		return nil, errors.New("credit amount must be positive")
	}

	var wallet *types.Wallet
	tx := s.db.db.Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	wallet, err := s.db.GetOrCreateWallet(tx, userID, currency)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	wallet.Balance = wallet.Balance.Add(amount)
	wallet.Available = wallet.Available.Add(amount)
	if err := s.db.UpdateWallet(tx, wallet); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "ledger").
		Str("user_id", userID).
		Str("currency", currency).
		Str("amount", amount.String()).
		Msg("wallet credited")

	return wallet, nil
}

// ListWallets returns all wallets owned by a user.
func (s *Service) ListWallets(userID string) ([]types.Wallet, error) {
	return s.db.ListWallets(userID)
}
