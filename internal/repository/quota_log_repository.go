package repository

import (
	"context"

	"quota-api/internal/models"
	"quota-api/internal/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LedgerSummary totals a user's ledger entries by type.
type LedgerSummary struct {
	Earned   int64 `json:"earned"`
	Consumed int64 `json:"consumed"`
}

// QuotaLogRepository is append-only: entries are never updated or deleted.
type QuotaLogRepository interface {
	Create(ctx context.Context, entry *models.QuotaLogEntry) error
	ListByUser(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]models.QuotaLogEntry, int64, error)
	Summarize(ctx context.Context, userID uuid.UUID) (*LedgerSummary, error)
}

type quotaLogRepository struct {
	db *gorm.DB
}

func NewQuotaLogRepository(db *gorm.DB) QuotaLogRepository {
	return &quotaLogRepository{
		db: db,
	}
}

func (r *quotaLogRepository) Create(ctx context.Context, entry *models.QuotaLogEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return errors.Wrap(err, "failed to create quota log entry")
	}
	return nil
}

func (r *quotaLogRepository) ListByUser(ctx context.Context, userID uuid.UUID, page, pageSize int) ([]models.QuotaLogEntry, int64, error) {
	var logs []models.QuotaLogEntry
	var total int64

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	err := r.db.WithContext(ctx).Model(&models.QuotaLogEntry{}).Where("user_id = ?", userID).Count(&total).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to count quota log entries")
	}

	err = r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&logs).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list quota log entries")
	}

	return logs, total, nil
}

func (r *quotaLogRepository) Summarize(ctx context.Context, userID uuid.UUID) (*LedgerSummary, error) {
	var summary LedgerSummary

	err := r.db.WithContext(ctx).
		Model(&models.QuotaLogEntry{}).
		Select(
			"COALESCE(SUM(CASE WHEN type = ? THEN amount ELSE 0 END), 0) AS earned, "+
				"COALESCE(SUM(CASE WHEN type = ? THEN amount ELSE 0 END), 0) AS consumed",
			models.QuotaLogEarn, models.QuotaLogConsume,
		).
		Where("user_id = ?", userID).
		Scan(&summary).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to summarize quota log entries")
	}

	return &summary, nil
}
