package database

import (
	"fmt"
	"time"

	"quota-api/internal/logger"
	"quota-api/internal/models"

	"gorm.io/gorm"
)

type Migration struct {
	Name string
	Run  func(*gorm.DB) error
}

// dataMigrations run once each, in order, after the schema is up to date.
var dataMigrations = []Migration{
	{
		Name: "backfill_user_quota",
		Run: func(tx *gorm.DB) error {
			return tx.Exec(`
				UPDATE users SET quota = (
					SELECT COALESCE(SUM(amount), 0) FROM quota_balances
					WHERE quota_balances.user_id = users.id
					AND amount > 0 AND (expires_at IS NULL OR expires_at > ?)
				)`, time.Now().UTC()).Error
		},
	},
}

// Migrate creates or updates the quota tables and applies pending data
// migrations.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.QuotaBalance{},
		&models.QuotaLogEntry{},
		&models.RateLimitCounter{},
		&models.MigrationRecord{},
	); err != nil {
		return err
	}
	return runMigrations(db, dataMigrations)
}

func runMigrations(db *gorm.DB, migrations []Migration) error {
	for _, migration := range migrations {
		var record models.MigrationRecord
		result := db.Where("name = ?", migration.Name).First(&record)

		if result.Error == gorm.ErrRecordNotFound {
			logger.Logger.WithField("migration", migration.Name).Info("running migration")

			err := db.Transaction(func(tx *gorm.DB) error {
				if err := migration.Run(tx); err != nil {
					return err
				}
				return tx.Create(&models.MigrationRecord{Name: migration.Name, AppliedAt: time.Now().UTC()}).Error
			})
			if err != nil {
				return fmt.Errorf("migration '%s' failed: %w", migration.Name, err)
			}
		} else if result.Error != nil {
			return fmt.Errorf("failed to check migration status: %w", result.Error)
		}
	}

	return nil
}
