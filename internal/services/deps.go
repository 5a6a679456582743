package services

import (
	"time"

	"quota-api/internal/config"
	"quota-api/internal/logger"
	"quota-api/internal/repository"

	"github.com/sirupsen/logrus"
)

const (
	defaultMaxConsumeAttempts = 3
	defaultReaperBatchSize    = 500
	defaultReaperInterval     = 10 * time.Minute
)

// Deps carries the collaborators shared by the quota services. Zero fields
// are filled with defaults by the constructors.
type Deps struct {
	Users           repository.UserRepository
	Balances        repository.BalanceRepository
	Logs            repository.QuotaLogRepository
	RateLimits      repository.RateLimitStore
	RateLimitConfig *config.RateLimitConfig
	Metrics         *Metrics
	Logger          logrus.FieldLogger

	// Now is the clock used when an operation is not handed a time.
	Now func() time.Time
	// Location decides where a daily grant's day ends.
	Location *time.Location

	MaxConsumeAttempts int
	ReaperBatchSize    int
	ReaperInterval     time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logger.Logger
	}
	if d.Metrics == nil {
		d.Metrics = NewMetrics(nil)
	}
	if d.RateLimitConfig == nil {
		d.RateLimitConfig = config.NewRateLimitConfig()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.MaxConsumeAttempts <= 0 {
		d.MaxConsumeAttempts = defaultMaxConsumeAttempts
	}
	if d.ReaperBatchSize <= 0 {
		d.ReaperBatchSize = defaultReaperBatchSize
	}
	if d.ReaperInterval <= 0 {
		d.ReaperInterval = defaultReaperInterval
	}
	return d
}
