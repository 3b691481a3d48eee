package migrations

import (
	"errors"

	"github.com/kwanzapay/exchange-api/internal/types"
	"gorm.io/gorm"
)

// SeedPricingConfig creates the settings table and inserts the default
// singleton row on first boot. The batch flag starts cleared so a crash
// before this point cannot block future runs.
func SeedPricingConfig(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.PricingConfig{}); err != nil {
		return err
	}

	var existing types.PricingConfig
	err := db.First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	return db.Create(types.DefaultPricingConfig()).Error
}
