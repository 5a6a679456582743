package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"quota-api/internal/config"
	"quota-api/internal/models"
	"quota-api/internal/pkg/errors"
	"quota-api/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type AllocateParams struct {
	UserID    uuid.UUID
	Amount    int64
	QuotaType models.QuotaType
	Source    models.QuotaSource
	SourceID  *string
	// ExpiresAt must be nil for permanent quota and in the future otherwise.
	// ExpiryFor derives it from the quota type.
	ExpiresAt   *time.Time
	Description string
}

// QuotaService is the entry point for everything that grants, spends or
// inspects quota.
type QuotaService interface {
	Allocate(ctx context.Context, params AllocateParams) (uuid.UUID, error)
	Consume(ctx context.Context, userID uuid.UUID, amount int64, description string, relatedID *string) (*ConsumeResult, error)
	Refund(ctx context.Context, userID uuid.UUID, amount int64, reason string) error
	Inspect(ctx context.Context, userID uuid.UUID) (*repository.QuotaAggregate, error)
	ExpiringSoon(ctx context.Context, userID *uuid.UUID, within time.Duration) ([]models.QuotaBalance, error)
	CheckRateLimit(ctx context.Context, identifier, endpoint string) (Decision, error)
	RateLimitRule(endpoint string) (config.RateLimitRule, bool)
	TurnstileEndpoints() []string
	PruneRateLimits(ctx context.Context, olderThan time.Duration) (int64, error)
	SyncUserQuota(ctx context.Context, userID uuid.UUID) (int64, error)
	History(ctx context.Context, userID uuid.UUID, page, pageSize int) (*LedgerPage, error)
	Summary(ctx context.Context, userID uuid.UUID) (*repository.LedgerSummary, error)

	GrantRegistrationBonus(ctx context.Context, userID uuid.UUID, amount int64) (uuid.UUID, error)
	GrantDailyCheckin(ctx context.Context, userID uuid.UUID, amount int64) (uuid.UUID, error)
	GrantRedeemCode(ctx context.Context, userID uuid.UUID, amount int64, codeID string, quotaType models.QuotaType, validFor time.Duration) (uuid.UUID, error)
	GrantAdReward(ctx context.Context, userID uuid.UUID, amount int64, adID string) (uuid.UUID, error)
	AdminAdjust(ctx context.Context, userID uuid.UUID, amount int64, quotaType models.QuotaType, validFor time.Duration, note string) (uuid.UUID, error)
}

type quotaService struct {
	users    repository.UserRepository
	balances repository.BalanceRepository
	ledger   LedgerService
	engine   ConsumptionEngine
	limiter  RateLimitService
	metrics  *Metrics
	log      logrus.FieldLogger
	now      func() time.Time
	location *time.Location
}

func NewQuotaService(deps Deps) QuotaService {
	deps = deps.withDefaults()
	return &quotaService{
		users:    deps.Users,
		balances: deps.Balances,
		ledger:   NewLedgerService(deps),
		engine:   NewConsumptionEngine(deps),
		limiter:  NewRateLimitService(deps),
		metrics:  deps.Metrics,
		log:      deps.Logger,
		now:      deps.Now,
		location: deps.Location,
	}
}

func (s *quotaService) Allocate(ctx context.Context, params AllocateParams) (uuid.UUID, error) {
	now := s.now()
	if err := validateAllocation(params, now); err != nil {
		return uuid.Nil, err
	}
	if _, err := s.users.GetByID(ctx, params.UserID); err != nil {
		return uuid.Nil, err
	}

	balance := &models.QuotaBalance{
		UserID:    params.UserID,
		QuotaType: params.QuotaType,
		Amount:    params.Amount,
		ExpiresAt: params.ExpiresAt,
		Source:    params.Source,
		SourceID:  params.SourceID,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	if err := s.balances.Create(ctx, balance); err != nil {
		return uuid.Nil, err
	}

	_, err := s.ledger.Record(ctx, RecordParams{
		UserID:      params.UserID,
		Type:        models.QuotaLogEarn,
		Amount:      params.Amount,
		Source:      params.Source,
		Description: params.Description,
		RelatedID:   params.SourceID,
		ExpiresAt:   balance.ExpiresAt,
		QuotaType:   params.QuotaType,
		At:          now,
	})
	if err != nil {
		if derr := s.balances.Delete(ctx, balance.ID); derr != nil {
			s.log.WithError(derr).WithField("balance_id", balance.ID).Error("failed to remove unrecorded quota balance")
		}
		return uuid.Nil, err
	}

	s.syncQuietly(ctx, params.UserID, now)
	s.metrics.observeAllocation(string(params.Source), params.Amount)
	s.log.WithFields(logrus.Fields{
		"user_id":    params.UserID,
		"balance_id": balance.ID,
		"amount":     params.Amount,
		"source":     params.Source,
		"quota_type": params.QuotaType,
	}).Info("quota allocated")

	return balance.ID, nil
}

func validateAllocation(params AllocateParams, now time.Time) error {
	if params.UserID == uuid.Nil {
		return errors.Validation("user id is required")
	}
	if params.Amount <= 0 {
		return errors.Validation("allocation amount must be positive, got %d", params.Amount)
	}
	if !params.QuotaType.Valid() {
		return errors.Validation("unknown quota type %q", params.QuotaType)
	}
	if !params.Source.Valid() {
		return errors.Validation("unknown quota source %q", params.Source)
	}

	switch params.QuotaType {
	case models.QuotaPermanent:
		if params.ExpiresAt != nil {
			return errors.Validation("permanent quota cannot expire")
		}
	default:
		if params.ExpiresAt == nil {
			return errors.Validation("%s quota requires an expiry", params.QuotaType)
		}
		if !params.ExpiresAt.After(now) {
			return errors.Validation("expiry %s is not in the future", params.ExpiresAt.UTC().Format(time.RFC3339))
		}
	}
	return nil
}

func (s *quotaService) Consume(ctx context.Context, userID uuid.UUID, amount int64, description string, relatedID *string) (*ConsumeResult, error) {
	now := s.now()
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return nil, err
	}

	result, err := s.engine.Consume(ctx, userID, amount, now)
	if err != nil {
		s.metrics.observeConsume(consumeResultLabel(err), amount)
		return nil, err
	}

	if description == "" {
		description = describeConsumption(result)
	}
	_, err = s.ledger.Record(ctx, RecordParams{
		UserID:      userID,
		Type:        models.QuotaLogConsume,
		Amount:      amount,
		Description: description,
		RelatedID:   relatedID,
		QuotaType:   consumedQuotaType(result),
		At:          now,
	})
	if err != nil {
		if rerr := s.engine.Restore(ctx, result.Breakdown); rerr != nil {
			s.log.WithError(rerr).WithField("user_id", userID).Error("failed to restore quota after ledger write failed")
		}
		s.metrics.observeConsume(consumeResultError, amount)
		return nil, err
	}

	s.syncQuietly(ctx, userID, now)
	s.metrics.observeConsume(consumeResultOK, amount)
	return result, nil
}

func consumeResultLabel(err error) string {
	switch {
	case errors.Is(err, errors.ErrInsufficientQuota):
		return consumeResultInsufficient
	case errors.Is(err, errors.ErrConflict):
		return consumeResultConflict
	default:
		return consumeResultError
	}
}

func describeConsumption(result *ConsumeResult) string {
	parts := make([]string, 0, len(result.Breakdown))
	for _, d := range result.Breakdown {
		parts = append(parts, fmt.Sprintf("%d from %s", d.Consumed, d.QuotaType))
	}
	return fmt.Sprintf("consumed %d (%s)", result.Consumed, strings.Join(parts, ", "))
}

// consumedQuotaType is the quota type every deduction came from, or empty
// when the consumption spanned several types. Consume entries carry no source.
func consumedQuotaType(result *ConsumeResult) models.QuotaType {
	var quotaType models.QuotaType
	for i, d := range result.Breakdown {
		if i > 0 && d.QuotaType != quotaType {
			return ""
		}
		quotaType = d.QuotaType
	}
	return quotaType
}

func (s *quotaService) Refund(ctx context.Context, userID uuid.UUID, amount int64, reason string) error {
	_, err := s.Allocate(ctx, AllocateParams{
		UserID:      userID,
		Amount:      amount,
		QuotaType:   models.QuotaPermanent,
		Source:      models.SourceAdminAdjust,
		Description: "refund: " + reason,
	})
	return err
}

func (s *quotaService) Inspect(ctx context.Context, userID uuid.UUID) (*repository.QuotaAggregate, error) {
	return s.balances.Aggregate(ctx, userID, s.now())
}

func (s *quotaService) ExpiringSoon(ctx context.Context, userID *uuid.UUID, within time.Duration) ([]models.QuotaBalance, error) {
	return s.balances.ListExpiringSoon(ctx, userID, s.now(), within)
}

// CheckRateLimit returns a *errors.RateLimitError alongside the decision when
// the request is blocked.
func (s *quotaService) CheckRateLimit(ctx context.Context, identifier, endpoint string) (Decision, error) {
	decision, err := s.limiter.Check(ctx, identifier, endpoint, s.now())
	if err != nil {
		return decision, err
	}
	if !decision.Allowed {
		return decision, &errors.RateLimitError{
			Endpoint:          endpoint,
			RetryAfterSeconds: decision.RetryAfterSeconds,
		}
	}
	return decision, nil
}

func (s *quotaService) RateLimitRule(endpoint string) (config.RateLimitRule, bool) {
	return s.limiter.Rule(endpoint)
}

func (s *quotaService) TurnstileEndpoints() []string {
	return s.limiter.TurnstileEndpoints()
}

func (s *quotaService) PruneRateLimits(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.Validation("prune age must be positive, got %s", olderThan)
	}
	return s.limiter.Prune(ctx, s.now().Add(-olderThan))
}

func (s *quotaService) SyncUserQuota(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.users.SyncQuota(ctx, userID, s.now())
}

func (s *quotaService) History(ctx context.Context, userID uuid.UUID, page, pageSize int) (*LedgerPage, error) {
	return s.ledger.History(ctx, userID, page, pageSize)
}

func (s *quotaService) Summary(ctx context.Context, userID uuid.UUID) (*repository.LedgerSummary, error) {
	return s.ledger.Summary(ctx, userID)
}

// syncQuietly refreshes the cached total. The balances stay authoritative,
// so a failure here is only logged.
func (s *quotaService) syncQuietly(ctx context.Context, userID uuid.UUID, now time.Time) {
	if _, err := s.users.SyncQuota(ctx, userID, now); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("failed to sync user quota")
	}
}

func (s *quotaService) GrantRegistrationBonus(ctx context.Context, userID uuid.UUID, amount int64) (uuid.UUID, error) {
	return s.grant(ctx, userID, amount, models.SourceRegister, models.QuotaPermanent, 0, nil, "registration bonus")
}

func (s *quotaService) GrantDailyCheckin(ctx context.Context, userID uuid.UUID, amount int64) (uuid.UUID, error) {
	return s.grant(ctx, userID, amount, models.SourceCheckin, models.QuotaDaily, 0, nil, "daily check-in")
}

func (s *quotaService) GrantRedeemCode(ctx context.Context, userID uuid.UUID, amount int64, codeID string, quotaType models.QuotaType, validFor time.Duration) (uuid.UUID, error) {
	if strings.TrimSpace(codeID) == "" {
		return uuid.Nil, errors.Validation("redeem code id is required")
	}
	return s.grant(ctx, userID, amount, models.SourceRedeemCode, quotaType, validFor, &codeID, "redeemed code "+codeID)
}

func (s *quotaService) GrantAdReward(ctx context.Context, userID uuid.UUID, amount int64, adID string) (uuid.UUID, error) {
	var sourceID *string
	if adID != "" {
		sourceID = &adID
	}
	return s.grant(ctx, userID, amount, models.SourceAdReward, models.QuotaDaily, 0, sourceID, "ad reward")
}

func (s *quotaService) AdminAdjust(ctx context.Context, userID uuid.UUID, amount int64, quotaType models.QuotaType, validFor time.Duration, note string) (uuid.UUID, error) {
	description := "admin adjustment"
	if note != "" {
		description += ": " + note
	}
	return s.grant(ctx, userID, amount, models.SourceAdminAdjust, quotaType, validFor, nil, description)
}

func (s *quotaService) grant(ctx context.Context, userID uuid.UUID, amount int64, source models.QuotaSource, quotaType models.QuotaType, validFor time.Duration, sourceID *string, description string) (uuid.UUID, error) {
	expiresAt, err := ExpiryFor(quotaType, s.now(), s.location, validFor)
	if err != nil {
		return uuid.Nil, err
	}
	return s.Allocate(ctx, AllocateParams{
		UserID:      userID,
		Amount:      amount,
		QuotaType:   quotaType,
		Source:      source,
		SourceID:    sourceID,
		ExpiresAt:   expiresAt,
		Description: description,
	})
}

// ExpiryFor returns when quota of the given type granted at now expires.
// Daily quota lasts until the next midnight in loc; custom quota lasts
// validFor.
func ExpiryFor(quotaType models.QuotaType, now time.Time, loc *time.Location, validFor time.Duration) (*time.Time, error) {
	switch quotaType {
	case models.QuotaPermanent:
		return nil, nil
	case models.QuotaDaily:
		if loc == nil {
			loc = time.UTC
		}
		local := now.In(loc)
		end := time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc).UTC()
		return &end, nil
	case models.QuotaCustom:
		if validFor <= 0 {
			return nil, errors.Validation("custom quota needs a positive validity, got %s", validFor)
		}
		end := now.Add(validFor).UTC()
		return &end, nil
	default:
		return nil, errors.Validation("unknown quota type %q", quotaType)
	}
}
