package database

import (
	"errors"
	"testing"
	"time"

	"quota-api/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestDataMigrationsRunOnce(t *testing.T) {
	db, err := Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)

	var count int64
	require.NoError(t, db.Model(&models.MigrationRecord{}).Where("name = ?", "backfill_user_quota").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	runs := 0
	once := []Migration{{Name: "count_runs", Run: func(tx *gorm.DB) error { runs++; return nil }}}
	require.NoError(t, runMigrations(db, once))
	require.NoError(t, runMigrations(db, once))
	assert.Equal(t, 1, runs)
}

func TestFailedMigrationIsNotRecorded(t *testing.T) {
	db, err := Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)

	broken := []Migration{{Name: "broken", Run: func(tx *gorm.DB) error { return errors.New("boom") }}}
	assert.Error(t, runMigrations(db, broken))

	var count int64
	require.NoError(t, db.Model(&models.MigrationRecord{}).Where("name = ?", "broken").Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestBackfillUserQuota(t *testing.T) {
	db, err := Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)

	user := models.User{Email: "backfill@example.com"}
	require.NoError(t, db.Create(&user).Error)
	past := time.Now().UTC().Add(-time.Hour)
	balances := []models.QuotaBalance{
		{UserID: user.ID, QuotaType: models.QuotaPermanent, Amount: 4, Source: models.SourceRegister},
		{UserID: user.ID, QuotaType: models.QuotaCustom, Amount: 9, ExpiresAt: &past, Source: models.SourceAdminAdjust},
	}
	require.NoError(t, db.Create(&balances).Error)

	require.NoError(t, dataMigrations[0].Run(db))

	var stored models.User
	require.NoError(t, db.First(&stored, "id = ?", user.ID).Error)
	assert.Equal(t, int64(4), stored.Quota)
}
