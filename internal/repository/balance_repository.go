package repository

import (
	"context"
	"time"

	"quota-api/internal/models"
	"quota-api/internal/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// validBalance matches balances that can still be consumed at the bound time.
const validBalance = "amount > 0 AND (expires_at IS NULL OR expires_at > ?)"

// QuotaAggregate summarizes a user's balances at a point in time.
type QuotaAggregate struct {
	Total     int64 `json:"total"`
	Available int64 `json:"available"`
	Expired   int64 `json:"expired"`
}

type BalanceRepository interface {
	Create(ctx context.Context, balance *models.QuotaBalance) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.QuotaBalance, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListValid(ctx context.Context, userID uuid.UUID, now time.Time) ([]models.QuotaBalance, error)
	Aggregate(ctx context.Context, userID uuid.UUID, now time.Time) (*QuotaAggregate, error)
	ApplyDecrement(ctx context.Context, id uuid.UUID, amount int64, now time.Time) (bool, error)
	RestoreDecrement(ctx context.Context, id uuid.UUID, amount int64) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]models.QuotaBalance, error)
	DeleteExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	ListExpiringSoon(ctx context.Context, userID *uuid.UUID, now time.Time, horizon time.Duration) ([]models.QuotaBalance, error)
}

type balanceRepository struct {
	db *gorm.DB
}

func NewBalanceRepository(db *gorm.DB) BalanceRepository {
	return &balanceRepository{db: db}
}

func (r *balanceRepository) Create(ctx context.Context, balance *models.QuotaBalance) error {
	if balance == nil {
		return errors.Validation("balance is required")
	}
	if balance.UserID == uuid.Nil {
		return errors.Validation("user id is required")
	}
	if balance.Amount <= 0 {
		return errors.Validation("amount must be positive, got %d", balance.Amount)
	}
	if !balance.QuotaType.Valid() {
		return errors.Validation("unknown quota type %q", balance.QuotaType)
	}
	if !balance.Source.Valid() {
		return errors.Validation("unknown quota source %q", balance.Source)
	}

	if err := r.db.WithContext(ctx).Create(balance).Error; err != nil {
		return errors.Wrap(err, "failed to create quota balance")
	}
	return nil
}

func (r *balanceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.QuotaBalance, error) {
	var balance models.QuotaBalance
	result := r.db.WithContext(ctx).First(&balance, "id = ?", id)

	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, errors.NotFound("quota balance %s not found", id)
		}
		return nil, errors.Wrap(result.Error, "failed to get quota balance")
	}

	return &balance, nil
}

func (r *balanceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&models.QuotaBalance{}, "id = ?", id)

	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to delete quota balance")
	}

	if result.RowsAffected == 0 {
		return errors.NotFound("quota balance %s not found", id)
	}

	return nil
}

// ListValid returns consumable balances, soonest expiry first and
// never-expiring balances last.
func (r *balanceRepository) ListValid(ctx context.Context, userID uuid.UUID, now time.Time) ([]models.QuotaBalance, error) {
	var balances []models.QuotaBalance

	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where(validBalance, now.UTC()).
		Order("CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END").
		Order("expires_at ASC").
		Order("created_at ASC").
		Order("id ASC").
		Find(&balances).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list valid quota balances")
	}

	return balances, nil
}

func (r *balanceRepository) Aggregate(ctx context.Context, userID uuid.UUID, now time.Time) (*QuotaAggregate, error) {
	var agg QuotaAggregate

	err := r.db.WithContext(ctx).
		Model(&models.QuotaBalance{}).
		Select(
			"COALESCE(SUM(amount), 0) AS total, "+
				"COALESCE(SUM(CASE WHEN "+validBalance+" THEN amount ELSE 0 END), 0) AS available",
			now.UTC(),
		).
		Where("user_id = ?", userID).
		Scan(&agg).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to aggregate quota balances")
	}

	agg.Expired = agg.Total - agg.Available
	return &agg, nil
}

// ApplyDecrement subtracts amount in a single conditional write. It reports
// false when the row no longer holds enough unexpired quota.
func (r *balanceRepository) ApplyDecrement(ctx context.Context, id uuid.UUID, amount int64, now time.Time) (bool, error) {
	if amount <= 0 {
		return false, errors.Validation("decrement must be positive, got %d", amount)
	}
	now = now.UTC()

	result := r.db.WithContext(ctx).
		Model(&models.QuotaBalance{}).
		Where("id = ? AND amount >= ?", id, amount).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Updates(map[string]interface{}{
			"amount":     gorm.Expr("amount - ?", amount),
			"updated_at": now,
		})
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to decrement quota balance")
	}

	return result.RowsAffected == 1, nil
}

// RestoreDecrement credits back a decrement applied earlier by the caller.
func (r *balanceRepository) RestoreDecrement(ctx context.Context, id uuid.UUID, amount int64) error {
	if amount <= 0 {
		return errors.Validation("restore must be positive, got %d", amount)
	}

	result := r.db.WithContext(ctx).
		Model(&models.QuotaBalance{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"amount":     gorm.Expr("amount + ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to restore quota balance")
	}

	if result.RowsAffected == 0 {
		return errors.NotFound("quota balance %s not found", id)
	}

	return nil
}

func (r *balanceRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]models.QuotaBalance, error) {
	var balances []models.QuotaBalance

	query := r.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", now.UTC()).
		Order("expires_at ASC").
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&balances).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list expired quota balances")
	}

	return balances, nil
}

// DeleteExpired removes one balance if it is still expired at now.
func (r *balanceRepository) DeleteExpired(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("id = ? AND expires_at IS NOT NULL AND expires_at <= ?", id, now.UTC()).
		Delete(&models.QuotaBalance{})
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to delete expired quota balance")
	}

	return result.RowsAffected == 1, nil
}

// ListExpiringSoon returns non-empty balances expiring within horizon of now.
// A nil userID lists balances of all users.
func (r *balanceRepository) ListExpiringSoon(ctx context.Context, userID *uuid.UUID, now time.Time, horizon time.Duration) ([]models.QuotaBalance, error) {
	if horizon <= 0 {
		return nil, errors.Validation("horizon must be positive, got %s", horizon)
	}
	now = now.UTC()

	var balances []models.QuotaBalance
	query := r.db.WithContext(ctx).
		Where("amount > 0").
		Where("expires_at IS NOT NULL AND expires_at > ? AND expires_at <= ?", now, now.Add(horizon))
	if userID != nil {
		query = query.Where("user_id = ?", *userID)
	}

	err := query.
		Order("expires_at ASC").
		Order("created_at ASC").
		Find(&balances).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list expiring quota balances")
	}

	return balances, nil
}
