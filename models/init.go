package models

import (
	"fmt"

	"gorm.io/gorm"
)

// AllModels is the migration set, in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&Business{},
		&Customer{},
		&Template{},
		&Sequence{},
		&Step{},
		&Enrollment{},
		&ActivityEvent{},
	}
}

// Migrate creates the schema and the partial index that keeps a single
// active enrollment per (sequence, customer).
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_enrollments_active_pair
		ON enrollments (sequence_id, customer_id) WHERE status = 'active'`).Error; err != nil {
		return fmt.Errorf("create active enrollment index: %w", err)
	}
	return nil
}

// FindOrCreateBusiness returns the business with the given name, creating it
// when missing.
func FindOrCreateBusiness(db *gorm.DB, name, timezone, reviewLink string) (*Business, error) {
	business := Business{Name: name, Timezone: timezone, ReviewLink: reviewLink}
	if err := db.Where("name = ?", name).FirstOrCreate(&business).Error; err != nil {
		return nil, err
	}
	return &business, nil
}
