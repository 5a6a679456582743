package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"strconv"

	"quota-api/internal/config"
	"quota-api/internal/logger"
	"quota-api/internal/pkg/errors"
	"quota-api/internal/services"

	"github.com/sirupsen/logrus"
)

const turnstileHeader = "CF-Turnstile-Response"

// RateLimitChecker is the part of services.QuotaService the middleware uses.
type RateLimitChecker interface {
	CheckRateLimit(ctx context.Context, identifier, endpoint string) (services.Decision, error)
	RateLimitRule(endpoint string) (config.RateLimitRule, bool)
	TurnstileEndpoints() []string
}

// TurnstileVerifier checks a human-verification token for endpoints whose
// rule requires one.
type TurnstileVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

type RateLimiter struct {
	checker   RateLimitChecker
	turnstile TurnstileVerifier
	trusted   []netip.Prefix
	log       logrus.FieldLogger
}

// NewRateLimiter builds the adapter. A nil turnstile skips verification even
// for rules that ask for it. Forwarding headers are honoured only from the
// trusted proxies.
func NewRateLimiter(checker RateLimitChecker, turnstile TurnstileVerifier, trusted []netip.Prefix) *RateLimiter {
	rl := &RateLimiter{
		checker:   checker,
		turnstile: turnstile,
		trusted:   trusted,
		log:       logger.Logger,
	}
	if turnstile == nil {
		if endpoints := checker.TurnstileEndpoints(); len(endpoints) > 0 {
			rl.log.WithField("endpoints", endpoints).
				Warn("rate limit rules require turnstile but no verifier is configured; verification is skipped")
		}
	}
	return rl
}

// Limit throttles the wrapped handler under endpoint's rule.
func (rl *RateLimiter) Limit(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rule, hasRule := rl.checker.RateLimitRule(endpoint)
			userID, authenticated := UserIDFromContext(r.Context())
			if hasRule && rule.RequireAuth && !authenticated {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
				return
			}

			ip := ClientIP(r, rl.trusted)
			identifier := "ip:" + ip
			if authenticated {
				identifier = "user:" + userID.String() + ":" + ip
			}

			decision, err := rl.checker.CheckRateLimit(r.Context(), identifier, endpoint)
			setRateLimitHeaders(w, decision)
			if err != nil {
				var limited *errors.RateLimitError
				switch {
				case errors.As(err, &limited):
					w.Header().Set("Retry-After", strconv.FormatInt(limited.RetryAfterSeconds, 10))
					writeError(w, http.StatusTooManyRequests, errors.Code(err), "too many requests, retry later")
				case errors.Is(err, errors.ErrValidation):
					writeError(w, http.StatusBadRequest, errors.Code(err), err.Error())
				default:
					rl.log.WithError(err).WithField("endpoint", endpoint).Error("rate limit check failed")
					writeError(w, http.StatusServiceUnavailable, errors.Code(err), "rate limiter unavailable")
				}
				return
			}

			if hasRule && rule.RequireTurnstile && rl.turnstile != nil {
				token := r.Header.Get(turnstileHeader)
				if token == "" {
					writeError(w, http.StatusForbidden, "TURNSTILE_REQUIRED", "human verification required")
					return
				}
				ok, err := rl.turnstile.Verify(r.Context(), token, ip)
				if err != nil {
					rl.log.WithError(err).WithField("endpoint", endpoint).Error("turnstile verification failed")
					writeError(w, http.StatusServiceUnavailable, "TURNSTILE_UNAVAILABLE", "human verification unavailable")
					return
				}
				if !ok {
					writeError(w, http.StatusForbidden, "TURNSTILE_FAILED", "human verification failed")
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, d services.Decision) {
	if d.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	if !d.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}
