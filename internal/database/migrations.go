package database

import (
	"errors"
	"time"

	"github.com/gigboard/gigboard/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillWalletType = "2026-07-14_backfill_wallet_type"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillWalletType, apply: backfillWalletType},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillWalletType labels wallet rows persisted before the wallet_type
// column existed; wallets created by the provider default to embedded.
func backfillWalletType(db *gorm.DB) error {
	return db.Model(&store.Profile{}).
		Where("wallet_address <> '' AND wallet_type = ''").
		Update("wallet_type", "embedded").Error
}
