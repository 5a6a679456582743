package repository

import (
	"context"
	"testing"
	"time"

	"quota-api/internal/models"
	"quota-api/internal/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserLookup(t *testing.T) {
	db := newTestDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	user := &models.User{Email: "ada@example.com"}
	require.NoError(t, repo.Create(ctx, user))
	assert.NotEqual(t, uuid.Nil, user.ID)

	byID, err := repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", byID.Email)

	byEmail, err := repo.GetByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byEmail.ID)

	_, err = repo.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = repo.GetByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestSyncQuotaCountsOnlyValidBalances(t *testing.T) {
	db := newTestDB(t)
	users := NewUserRepository(db)
	balances := NewBalanceRepository(db)
	user := createUser(t, db)
	ctx := context.Background()

	createBalance(t, balances, user.ID, 10, nil)
	createBalance(t, balances, user.ID, 5, expiresIn(time.Hour))
	createBalance(t, balances, user.ID, 7, expiresIn(-time.Hour))

	quota, err := users.SyncQuota(ctx, user.ID, baseTime)
	require.NoError(t, err)
	assert.Equal(t, int64(15), quota)

	stored, err := users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(15), stored.Quota)

	quota, err = users.SyncQuota(ctx, user.ID, baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(10), quota)

	_, err = users.SyncQuota(ctx, uuid.New(), baseTime)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}
