package ledger

import (
	"errors"

	"github.com/kwanzapay/exchange-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetWallet loads one user's wallet in a currency. Returns nil when the user
// has no wallet in that currency.
func (d *Database) GetWallet(tx *gorm.DB, userID, currency string) (*types.Wallet, error) {
	var wallet types.Wallet
	if err := tx.Where("user_id = ? AND currency = ?", userID, currency).First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &wallet, nil
}

// GetOrCreateWallet loads a wallet, creating an empty one when missing.
// Used for the treasury fee wallets and for counterparty credit on
// settlement; customer wallets are provisioned by onboarding.
func (d *Database) GetOrCreateWallet(tx *gorm.DB, userID, currency string) (*types.Wallet, error) {
	wallet, err := d.GetWallet(tx, userID, currency)
	if err != nil {
		return nil, err
	}
	if wallet != nil {
		return wallet, nil
	}
	wallet = &types.Wallet{UserID: userID, Currency: currency}
	if err := tx.Create(wallet).Error; err != nil {
		return nil, err
	}
	return wallet, nil
}

func (d *Database) ListWallets(userID string) ([]types.Wallet, error) {
	var wallets []types.Wallet
	if err := d.db.Where("user_id = ?", userID).Order("currency asc").Find(&wallets).Error; err != nil {
		return nil, err
	}
	return wallets, nil
}

func (d *Database) UpdateWallet(tx *gorm.DB, wallet *types.Wallet) error {
	return tx.Save(wallet).Error
}

func (d *Database) CreateReservation(tx *gorm.DB, reservation *types.Reservation) error {
	return tx.Create(reservation).Error
}

func (d *Database) UpdateReservation(tx *gorm.DB, reservation *types.Reservation) error {
	return tx.Save(reservation).Error
}

// GetActiveReservationByOrder returns the active reservation backing an
// order, or nil if none remains.
func (d *Database) GetActiveReservationByOrder(tx *gorm.DB, orderID string) (*types.Reservation, error) {
	var reservation types.Reservation
	err := tx.Where("order_id = ? AND status = ?", orderID, types.ReservationStatusActive).
		First(&reservation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &reservation, nil
}
