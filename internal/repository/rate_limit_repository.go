package repository

import (
	"context"
	"time"

	"quota-api/internal/models"
	"quota-api/internal/pkg/errors"

	"gorm.io/gorm"
)

// RateLimitWindow is the state of a counter right after a hit was recorded.
type RateLimitWindow struct {
	WindowStart  int64 // unix milliseconds
	RequestCount int64
}

// RateLimitStore records hits against fixed-window counters. Hit must apply
// the reset-or-increment in one atomic operation.
type RateLimitStore interface {
	Hit(ctx context.Context, identifier, endpoint string, now time.Time, windowMs int64) (*RateLimitWindow, error)
	PruneStale(ctx context.Context, before time.Time) (int64, error)
}

// The SET expressions read the pre-update row, so the window reset and the
// count reset agree with each other.
const rateLimitUpsert = `
INSERT INTO rate_limits (identifier, endpoint, window_start, request_count, updated_at)
VALUES (?, ?, ?, 1, ?)
ON CONFLICT (identifier, endpoint) DO UPDATE SET
	window_start = CASE WHEN excluded.window_start > rate_limits.window_start + ? THEN excluded.window_start ELSE rate_limits.window_start END,
	request_count = CASE WHEN excluded.window_start > rate_limits.window_start + ? THEN 1 ELSE rate_limits.request_count + 1 END,
	updated_at = excluded.updated_at
RETURNING window_start, request_count`

type rateLimitRepository struct {
	db *gorm.DB
}

func NewRateLimitRepository(db *gorm.DB) RateLimitStore {
	return &rateLimitRepository{db: db}
}

func (r *rateLimitRepository) Hit(ctx context.Context, identifier, endpoint string, now time.Time, windowMs int64) (*RateLimitWindow, error) {
	if identifier == "" || endpoint == "" {
		return nil, errors.Validation("identifier and endpoint are required")
	}
	if windowMs <= 0 {
		return nil, errors.Validation("window must be positive, got %dms", windowMs)
	}

	var window RateLimitWindow
	err := r.db.WithContext(ctx).
		Raw(rateLimitUpsert, identifier, endpoint, now.UnixMilli(), now.UTC(), windowMs, windowMs).
		Scan(&window).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to record rate limit hit")
	}

	return &window, nil
}

// PruneStale deletes counters not touched since before.
func (r *rateLimitRepository) PruneStale(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("updated_at < ?", before.UTC()).
		Delete(&models.RateLimitCounter{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to prune rate limit counters")
	}
	return result.RowsAffected, nil
}
