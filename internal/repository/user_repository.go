package repository

import (
	"context"
	"time"

	"quota-api/internal/models"
	"quota-api/internal/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	SyncQuota(ctx context.Context, id uuid.UUID, now time.Time) (int64, error)
}

type userRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(ctx context.Context, user *models.User) error {
	result := r.db.WithContext(ctx).Create(user)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to create user")
	}
	return nil
}

func (r *userRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	result := r.db.WithContext(ctx).First(&user, "id = ?", id)

	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, errors.NotFound("user %s not found", id)
		}
		return nil, errors.Wrap(result.Error, "failed to get user by ID")
	}

	return &user, nil
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	result := r.db.WithContext(ctx).First(&user, "email = ?", email)

	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, errors.NotFound("user %s not found", email)
		}
		return nil, errors.Wrap(result.Error, "failed to get user by email")
	}

	return &user, nil
}

// SyncQuota recomputes the cached quota column from the user's balances in
// one statement and returns the stored value.
func (r *userRepository) SyncQuota(ctx context.Context, id uuid.UUID, now time.Time) (int64, error) {
	now = now.UTC()

	result := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"quota": gorm.Expr(
				"(SELECT COALESCE(SUM(amount), 0) FROM quota_balances WHERE user_id = ? AND "+validBalance+")",
				id, now,
			),
			"updated_at": now,
		})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to sync user quota")
	}

	if result.RowsAffected == 0 {
		return 0, errors.NotFound("user %s not found", id)
	}

	var quota int64
	err := r.db.WithContext(ctx).
		Model(&models.User{}).
		Select("quota").
		Where("id = ?", id).
		Scan(&quota).Error
	if err != nil {
		return 0, errors.Wrap(err, "failed to read user quota")
	}

	return quota, nil
}
