package services

import (
	"context"
	"time"

	"quota-api/internal/config"
	"quota-api/internal/pkg/errors"
	"quota-api/internal/repository"

	"github.com/sirupsen/logrus"
)

// Rate limit decision labels.
const (
	decisionAllowed   = "allowed"
	decisionBlocked   = "blocked"
	decisionUnlimited = "unlimited"
	decisionFailOpen  = "fail_open"
	decisionError     = "error"
)

type Decision struct {
	Allowed  bool   `json:"allowed"`
	Endpoint string `json:"endpoint"`
	// Count is the number of requests seen in the current window, this one
	// included. Zero for endpoints without a rule.
	Count             int64     `json:"count"`
	Limit             int64     `json:"limit"`
	Remaining         int64     `json:"remaining"`
	RetryAfterSeconds int64     `json:"retry_after_seconds,omitempty"`
	ResetAt           time.Time `json:"reset_at"`
}

type RateLimitService interface {
	Check(ctx context.Context, identifier, endpoint string, now time.Time) (Decision, error)
	Rule(endpoint string) (config.RateLimitRule, bool)
	TurnstileEndpoints() []string
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type rateLimitService struct {
	store   repository.RateLimitStore
	rules   *config.RateLimitConfig
	metrics *Metrics
	log     logrus.FieldLogger
}

func NewRateLimitService(deps Deps) RateLimitService {
	deps = deps.withDefaults()
	return &rateLimitService{
		store:   deps.RateLimits,
		rules:   deps.RateLimitConfig,
		metrics: deps.Metrics,
		log:     deps.Logger,
	}
}

func (s *rateLimitService) Rule(endpoint string) (config.RateLimitRule, bool) {
	return s.rules.Rule(endpoint)
}

func (s *rateLimitService) TurnstileEndpoints() []string {
	return s.rules.TurnstileEndpoints()
}

// Check records one request for identifier against endpoint's fixed window.
// The hit is counted even when the request ends up blocked.
func (s *rateLimitService) Check(ctx context.Context, identifier, endpoint string, now time.Time) (Decision, error) {
	if identifier == "" {
		return Decision{}, errors.Validation("rate limit identifier is required")
	}

	rule, ok := s.rules.Rule(endpoint)
	if !ok {
		s.metrics.observeRateLimit(endpoint, decisionUnlimited)
		return Decision{Allowed: true, Endpoint: endpoint}, nil
	}

	window, err := s.store.Hit(ctx, identifier, endpoint, now, rule.WindowMs)
	if err != nil {
		if s.rules.FailOpen && !errors.Is(err, errors.ErrValidation) {
			s.metrics.observeRateLimit(endpoint, decisionFailOpen)
			s.log.WithError(err).WithField("endpoint", endpoint).Warn("rate limit store unavailable, allowing request")
			return Decision{
				Allowed:   true,
				Endpoint:  endpoint,
				Limit:     rule.MaxRequests,
				Remaining: rule.MaxRequests,
			}, nil
		}
		s.metrics.observeRateLimit(endpoint, decisionError)
		return Decision{}, err
	}

	windowEnd := window.WindowStart + rule.WindowMs
	decision := Decision{
		Allowed:   window.RequestCount <= rule.MaxRequests,
		Endpoint:  endpoint,
		Count:     window.RequestCount,
		Limit:     rule.MaxRequests,
		Remaining: max(rule.MaxRequests-window.RequestCount, 0),
		ResetAt:   time.UnixMilli(windowEnd).UTC(),
	}
	if decision.Allowed {
		s.metrics.observeRateLimit(endpoint, decisionAllowed)
		return decision, nil
	}

	decision.RetryAfterSeconds = retryAfterSeconds(windowEnd - now.UnixMilli())
	s.metrics.observeRateLimit(endpoint, decisionBlocked)
	return decision, nil
}

func (s *rateLimitService) Prune(ctx context.Context, before time.Time) (int64, error) {
	return s.store.PruneStale(ctx, before)
}

// retryAfterSeconds rounds the remaining window up to whole seconds, never
// below one.
func retryAfterSeconds(remainingMs int64) int64 {
	if remainingMs <= 0 {
		return 1
	}
	return max((remainingMs+999)/1000, 1)
}
