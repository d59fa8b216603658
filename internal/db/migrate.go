package db

import (
	"fmt"

	"github.com/zulandar/casewire/internal/config"
	"github.com/zulandar/casewire/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model casewire persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.Case{},
		&models.CaseMessage{},
		&models.InboundEmail{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// Open connects using cfg and migrates the schema.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormDB, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	return gormDB, nil
}
