package services

import (
	"context"
	"sort"
	"time"

	"quota-api/internal/models"
	"quota-api/internal/pkg/errors"
	"quota-api/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BalanceDeduction is the part of a consume taken from one balance.
type BalanceDeduction struct {
	BalanceID uuid.UUID        `json:"balance_id"`
	Consumed  int64            `json:"consumed"`
	QuotaType models.QuotaType `json:"quota_type"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
}

type ConsumeResult struct {
	Consumed  int64              `json:"consumed"`
	Breakdown []BalanceDeduction `json:"breakdown"`
	// Attempts counts plans tried, including the one that succeeded.
	Attempts int `json:"attempts"`
}

// ConsumptionEngine deducts quota soonest-expiring first. A consume either
// applies in full or leaves every balance untouched.
type ConsumptionEngine interface {
	Consume(ctx context.Context, userID uuid.UUID, amount int64, now time.Time) (*ConsumeResult, error)
	Restore(ctx context.Context, breakdown []BalanceDeduction) error
}

type consumptionEngine struct {
	balances    repository.BalanceRepository
	metrics     *Metrics
	log         logrus.FieldLogger
	maxAttempts int
}

func NewConsumptionEngine(deps Deps) ConsumptionEngine {
	deps = deps.withDefaults()
	return &consumptionEngine{
		balances:    deps.Balances,
		metrics:     deps.Metrics,
		log:         deps.Logger,
		maxAttempts: deps.MaxConsumeAttempts,
	}
}

func (e *consumptionEngine) Consume(ctx context.Context, userID uuid.UUID, amount int64, now time.Time) (*ConsumeResult, error) {
	if userID == uuid.Nil {
		return nil, errors.Validation("user id is required")
	}
	if amount <= 0 {
		return nil, errors.Validation("consume amount must be positive, got %d", amount)
	}

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		balances, err := e.balances.ListValid(ctx, userID, now)
		if err != nil {
			return nil, err
		}

		plan, available := planConsumption(balances, amount)
		if available < amount {
			return nil, &errors.InsufficientQuotaError{Requested: amount, Available: available}
		}

		applied, ok, err := e.apply(ctx, plan, now)
		if err != nil {
			if rerr := e.Restore(ctx, applied); rerr != nil {
				e.log.WithError(rerr).WithField("user_id", userID).Error("failed to roll back partial consume")
			}
			return nil, err
		}
		if ok {
			return &ConsumeResult{Consumed: amount, Breakdown: applied, Attempts: attempt}, nil
		}

		e.metrics.observeConflict()
		e.log.WithFields(logrus.Fields{
			"user_id": userID,
			"amount":  amount,
			"attempt": attempt,
		}).Debug("consume lost a race, re-planning")

		if err := e.Restore(ctx, applied); err != nil {
			return nil, err
		}
	}

	return nil, errors.Conflict(nil, "consume of %d for user %s gave up after %d attempts", amount, userID, e.maxAttempts)
}

// apply runs the plan in order and stops at the first lost race. It returns
// the deductions that did land.
func (e *consumptionEngine) apply(ctx context.Context, plan []BalanceDeduction, now time.Time) ([]BalanceDeduction, bool, error) {
	applied := make([]BalanceDeduction, 0, len(plan))
	for _, d := range plan {
		ok, err := e.balances.ApplyDecrement(ctx, d.BalanceID, d.Consumed, now)
		if err != nil {
			return applied, false, err
		}
		if !ok {
			return applied, false, nil
		}
		applied = append(applied, d)
	}
	return applied, true, nil
}

// Restore credits back every deduction in breakdown. A balance that no longer
// exists has expired and been reaped, so there is nothing to give back.
func (e *consumptionEngine) Restore(ctx context.Context, breakdown []BalanceDeduction) error {
	var firstErr error
	for _, d := range breakdown {
		err := e.balances.RestoreDecrement(ctx, d.BalanceID, d.Consumed)
		switch {
		case err == nil:
		case errors.Is(err, errors.ErrNotFound):
			e.log.WithField("balance_id", d.BalanceID).Debug("balance gone before restore")
		default:
			e.log.WithError(err).WithField("balance_id", d.BalanceID).Error("failed to restore quota balance")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// planConsumption takes from balances in expiration order until amount is
// covered. It reports the total available so callers can tell a short plan
// from a full one. balances is not modified.
func planConsumption(balances []models.QuotaBalance, amount int64) ([]BalanceDeduction, int64) {
	ordered := make([]models.QuotaBalance, 0, len(balances))
	var available int64
	for _, b := range balances {
		if b.Amount <= 0 {
			continue
		}
		ordered = append(ordered, b)
		available += b.Amount
	}
	if available < amount {
		return nil, available
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return consumesBefore(&ordered[i], &ordered[j])
	})

	plan := make([]BalanceDeduction, 0, len(ordered))
	remaining := amount
	for _, b := range ordered {
		if remaining == 0 {
			break
		}
		take := min(b.Amount, remaining)
		plan = append(plan, BalanceDeduction{
			BalanceID: b.ID,
			Consumed:  take,
			QuotaType: b.QuotaType,
			ExpiresAt: b.ExpiresAt,
		})
		remaining -= take
	}
	return plan, available
}

func consumesBefore(a, b *models.QuotaBalance) bool {
	switch {
	case a.ExpiresAt == nil && b.ExpiresAt != nil:
		return false
	case a.ExpiresAt != nil && b.ExpiresAt == nil:
		return true
	case a.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
		return a.ExpiresAt.Before(*b.ExpiresAt)
	case !a.CreatedAt.Equal(b.CreatedAt):
		return a.CreatedAt.Before(b.CreatedAt)
	default:
		return a.ID.String() < b.ID.String()
	}
}
