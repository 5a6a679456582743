package repository

import (
	"context"
	"testing"
	"time"

	"quota-api/internal/database"
	"quota-api/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func createUser(t *testing.T, db *gorm.DB) *models.User {
	t.Helper()
	user := &models.User{Email: uuid.NewString() + "@example.com"}
	require.NoError(t, NewUserRepository(db).Create(context.Background(), user))
	return user
}

func expiresIn(d time.Duration) *time.Time {
	at := baseTime.Add(d)
	return &at
}

func createBalance(t *testing.T, repo BalanceRepository, userID uuid.UUID, amount int64, expiresAt *time.Time) *models.QuotaBalance {
	t.Helper()
	quotaType := models.QuotaPermanent
	if expiresAt != nil {
		quotaType = models.QuotaCustom
	}
	balance := &models.QuotaBalance{
		UserID:    userID,
		QuotaType: quotaType,
		Amount:    amount,
		ExpiresAt: expiresAt,
		Source:    models.SourceAdminAdjust,
	}
	require.NoError(t, repo.Create(context.Background(), balance))
	return balance
}
