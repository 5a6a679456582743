package services

import (
	"context"
	"testing"
	"time"

	"quota-api/internal/config"
	"quota-api/internal/models"
	"quota-api/internal/pkg/errors"
	"quota-api/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertTotalsAgree checks that the cached user total matches the balances.
func assertTotalsAgree(t *testing.T, env *testEnv, svc QuotaService, userID uuid.UUID, want int64) {
	t.Helper()
	agg, err := svc.Inspect(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, want, agg.Available)
	assert.Equal(t, want, env.cachedQuota(t, userID))
}

func TestAllocateWritesBalanceLedgerAndTotal(t *testing.T) {
	env := newTestEnv(t)
	svc := NewQuotaService(env.deps)
	user := env.newUser(t)
	ctx := context.Background()
	code := "SPRING-10"

	expires := testNow.Add(48 * time.Hour)
	id, err := svc.Allocate(ctx, AllocateParams{
		UserID:      user,
		Amount:      10,
		QuotaType:   models.QuotaCustom,
		Source:      models.SourceRedeemCode,
		SourceID:    &code,
		ExpiresAt:   &expires,
		Description: "spring promo",
	})
	require.NoError(t, err)

	balance, err := env.balances.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.Amount)
	require.NotNil(t, balance.SourceID)
	assert.Equal(t, code, *balance.SourceID)

	history, err := svc.History(ctx, user, 1, 10)
	require.NoError(t, err)
	require.Len(t, history.Entries, 1)
	entry := history.Entries[0]
	assert.Equal(t, models.QuotaLogEarn, entry.Type)
	assert.Equal(t, int64(10), entry.Amount)
	assert.Equal(t, models.SourceRedeemCode, entry.Source)
	assert.Equal(t, models.QuotaCustom, entry.QuotaType)
	assert.Equal(t, "spring promo", entry.Description)

	assertTotalsAgree(t, env, svc, user, 10)
}

func TestAllocateValidation(t *testing.T) {
	env := newTestEnv(t)
	svc := NewQuotaService(env.deps)
	user := env.newUser(t)
	past := testNow.Add(-time.Minute)
	future := testNow.Add(time.Hour)

	tests := []struct {
		name   string
		params AllocateParams
		want   error
	}{
		{"zero amount", AllocateParams{UserID: user, QuotaType: models.QuotaPermanent, Source: models.SourceRegister}, errors.ErrValidation},
		{"bad source", AllocateParams{UserID: user, Amount: 1, QuotaType: models.QuotaPermanent, Source: "gift"}, errors.ErrValidation},
		{"bad type", AllocateParams{UserID: user, Amount: 1, QuotaType: "weekly", Source: models.SourceRegister}, errors.ErrValidation},
		{"permanent with expiry", AllocateParams{UserID: user, Amount: 1, QuotaType: models.QuotaPermanent, Source: models.SourceRegister, ExpiresAt: &future}, errors.ErrValidation},
		{"custom without expiry", AllocateParams{UserID: user, Amount: 1, QuotaType: models.QuotaCustom, Source: models.SourceAdminAdjust}, errors.ErrValidation},
		{"expiry in the past", AllocateParams{UserID: user, Amount: 1, QuotaType: models.QuotaDaily, Source: models.SourceCheckin, ExpiresAt: &past}, errors.ErrValidation},
		{"unknown user", AllocateParams{UserID: uuid.New(), Amount: 1, QuotaType: models.QuotaPermanent, Source: models.SourceRegister}, errors.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Allocate(context.Background(), tt.params)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	agg, err := svc.Inspect(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, repository.QuotaAggregate{}, *agg)
}

func TestAllocateRemovesBalanceWhenLedgerFails(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Logs = &failingLogs{QuotaLogRepository: env.logs, failType: models.QuotaLogEarn}
	svc := NewQuotaService(env.deps)
	user := env.newUser(t)

	_, err := svc.GrantRegistrationBonus(context.Background(), user, 5)
	assert.ErrorIs(t, err, errors.ErrPersistence)

	assertTotalsAgree(t, env, svc, user, 0)
	agg, err := env.balances.Aggregate(context.Background(), user, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(0), agg.Total)
}

func TestConsumeRecordsLedgerAndSyncsTotal(t *testing.T) {
	env := newTestEnv(t)
	svc := NewQuotaService(env.deps)
	user := env.newUser(t)
	ctx := context.Background()
	mailbox := "mbx-1"

	_, err := svc.GrantRegistrationBonus(ctx, user, 5)
	require.NoError(t, err)
	_, err = svc.GrantDailyCheckin(ctx, user, 2)
	require.NoError(t, err)
	assertTotalsAgree(t, env, svc, user, 7)

	result, err := svc.Consume(ctx, user, 3, "", &mailbox)
	require.NoError(t, err)
	require.Len(t, result.Breakdown, 2)
	assert.Equal(t, models.QuotaDaily, result.Breakdown[0].QuotaType)
	assert.Equal(t, int64(2), result.Breakdown[0].Consumed)
	assert.Equal(t, models.QuotaPermanent, result.Breakdown[1].QuotaType)
	assert.Equal(t, int64(1), result.Breakdown[1].Consumed)
	assertTotalsAgree(t, env, svc, user, 4)

	history, err := svc.History(ctx, user, 1, 10)
	require.NoError(t, err)
	require.Len(t, history.Entries, 3)
	var consume models.QuotaLogEntry
	for _, e := range history.Entries {
		if e.Type == models.QuotaLogConsume {
			consume = e
		}
	}
	assert.Equal(t, int64(3), consume.Amount)
	assert.Equal(t, "consumed 3 (2 from daily, 1 from permanent)", consume.Description)
	assert.Empty(t, consume.QuotaType)
	assert.Empty(t, consume.Source)
	require.NotNil(t, consume.RelatedID)
	assert.Equal(t, mailbox, *consume.RelatedID)

	summary, err := svc.Summary(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, repository.LedgerSummary{Earned: 7, Consumed: 3}, *summary)
}

func TestConsumeRecordsQuotaTypeWhenSingleType(t *testing.T) {
	env := newTestEnv(t)
	svc := NewQuotaService(env.deps)
	user := env.newUser(t)
	ctx := context.Background()

	_, err := svc.GrantRegistrationBonus(ctx, user, 5)
	require.NoError(t, err)
	_, err = svc.Consume(ctx, user, 2, "", nil)
	require.NoError(t, err)

	history, err := svc.History(ctx, user, 1, 10)
	require.NoError(t, err)
	var consume models.QuotaLogEntry
	for _, e := range history.Entries {
		if e.Type == models.QuotaLogConsume {
			consume = e
		}
	}
	assert.Equal(t, models.QuotaPermanent, consume.QuotaType)
	assert.Empty(t, consume.Source)
}

func TestConsumeIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	svc := NewQuotaService(env.deps)
	user := env.newUser(t)
	ctx := context.Background()

	_, err := svc.AdminAdjust(ctx, user, 10, models.QuotaPermanent, 0, "")
	require.NoError(t, err)

	_, err = svc.Consume(ctx, user, 11, "", nil)
	assert.ErrorIs(t, err, errors.ErrInsufficientQuota)
	assertTotalsAgree(t, env, svc, user, 10)

	summary, err := svc.Summary(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.Consumed)

	_, err = svc.Consume(ctx, uuid.New(), 1, "", nil)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestConsumeRestoresBalancesWhenLedgerFails(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Logs = &failingLogs{QuotaLogRepository: env.logs, failType: models.QuotaLogConsume}
	svc := NewQuotaService(env.deps)
	user := env.newUser(t)
	ctx := context.Background()

	_, err := svc.GrantRegistrationBonus(ctx, user, 4)
	require.NoError(t, err)

	_, err = svc.Consume(ctx, user, 3, "create mailbox", nil)
	assert.ErrorIs(t, err, errors.ErrPersistence)
	assertTotalsAgree(t, env, svc, user, 4)
}

func TestRefund(t *testing.T) {
	env := newTestEnv(t)
	svc := NewQuotaService(env.deps)
	user := env.newUser(t)
	ctx := context.Background()

	require.NoError(t, svc.Refund(ctx, user, 2, "mailbox creation failed"))
	assertTotalsAgree(t, env, svc, user, 2)

	history, err := svc.History(ctx, user, 1, 10)
	require.NoError(t, err)
	require.Len(t, history.Entries, 1)
	assert.Equal(t, "refund: mailbox creation failed", history.Entries[0].Description)
	assert.Equal(t, models.SourceAdminAdjust, history.Entries[0].Source)
	assert.Equal(t, models.QuotaPermanent, history.Entries[0].QuotaType)

	assert.ErrorIs(t, svc.Refund(ctx, user, 0, "nothing"), errors.ErrValidation)
}

func TestTotalsStayInSyncThroughExpiry(t *testing.T) {
	env := newTestEnv(t)
	clock := testNow
	env.deps.Now = func() time.Time { return clock }
	svc := NewQuotaService(env.deps)
	reaper := NewReaperService(env.deps)
	user := env.newUser(t)
	ctx := context.Background()

	_, err := svc.GrantRedeemCode(ctx, user, 6, "CODE-1", models.QuotaCustom, time.Hour)
	require.NoError(t, err)
	_, err = svc.GrantRegistrationBonus(ctx, user, 3)
	require.NoError(t, err)
	assertTotalsAgree(t, env, svc, user, 9)

	_, err = svc.Consume(ctx, user, 2, "", nil)
	require.NoError(t, err)
	assertTotalsAgree(t, env, svc, user, 7)

	clock = testNow.Add(2 * time.Hour)
	_, err = reaper.Sweep(ctx, clock)
	require.NoError(t, err)
	assertTotalsAgree(t, env, svc, user, 3)

	synced, err := svc.SyncUserQuota(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(3), synced)
}

func TestGrantShortcuts(t *testing.T) {
	env := newTestEnv(t)
	svc := NewQuotaService(env.deps)
	user := env.newUser(t)
	ctx := context.Background()
	endOfDay := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		grant   func() (uuid.UUID, error)
		source  models.QuotaSource
		qtype   models.QuotaType
		expires *time.Time
	}{
		{"registration", func() (uuid.UUID, error) { return svc.GrantRegistrationBonus(ctx, user, 1) }, models.SourceRegister, models.QuotaPermanent, nil},
		{"checkin", func() (uuid.UUID, error) { return svc.GrantDailyCheckin(ctx, user, 1) }, models.SourceCheckin, models.QuotaDaily, &endOfDay},
		{"ad reward", func() (uuid.UUID, error) { return svc.GrantAdReward(ctx, user, 1, "ad-7") }, models.SourceAdReward, models.QuotaDaily, &endOfDay},
		{"redeem code", func() (uuid.UUID, error) {
			return svc.GrantRedeemCode(ctx, user, 1, "CODE", models.QuotaPermanent, 0)
		}, models.SourceRedeemCode, models.QuotaPermanent, nil},
		{"admin", func() (uuid.UUID, error) {
			return svc.AdminAdjust(ctx, user, 1, models.QuotaCustom, 30*time.Minute, "support ticket")
		}, models.SourceAdminAdjust, models.QuotaCustom, func() *time.Time { at := testNow.Add(30 * time.Minute); return &at }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := tt.grant()
			require.NoError(t, err)
			balance, err := env.balances.GetByID(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tt.source, balance.Source)
			assert.Equal(t, tt.qtype, balance.QuotaType)
			if tt.expires == nil {
				assert.Nil(t, balance.ExpiresAt)
			} else {
				require.NotNil(t, balance.ExpiresAt)
				assert.True(t, tt.expires.Equal(*balance.ExpiresAt), "expires %s, want %s", balance.ExpiresAt, tt.expires)
			}
		})
	}

	_, err := svc.GrantRedeemCode(ctx, user, 1, " ", models.QuotaPermanent, 0)
	assert.ErrorIs(t, err, errors.ErrValidation)
	_, err = svc.AdminAdjust(ctx, user, 1, models.QuotaCustom, 0, "")
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestExpiryFor(t *testing.T) {
	utc8 := time.FixedZone("UTC+8", 8*60*60)

	got, err := ExpiryFor(models.QuotaPermanent, testNow, nil, time.Hour)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = ExpiryFor(models.QuotaDaily, testNow, utc8, 0)
	require.NoError(t, err)
	// 09:00 UTC is 17:00 in UTC+8; that day ends at 16:00 UTC.
	assert.Equal(t, time.Date(2026, 3, 14, 16, 0, 0, 0, time.UTC), *got)

	got, err = ExpiryFor(models.QuotaCustom, testNow, nil, 90*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(90*time.Minute), *got)

	_, err = ExpiryFor(models.QuotaCustom, testNow, nil, 0)
	assert.ErrorIs(t, err, errors.ErrValidation)
	_, err = ExpiryFor("weekly", testNow, nil, 0)
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestCheckRateLimitReturnsTypedError(t *testing.T) {
	env := newTestEnv(t)
	env.deps.RateLimitConfig = testRules(false)
	svc := NewQuotaService(env.deps)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.CheckRateLimit(ctx, "ip:1", "login")
		require.NoError(t, err)
	}

	decision, err := svc.CheckRateLimit(ctx, "ip:1", "login")
	assert.False(t, decision.Allowed)
	var rle *errors.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "login", rle.Endpoint)
	assert.Equal(t, int64(1), rle.RetryAfterSeconds)
	assert.ErrorIs(t, err, errors.ErrRateLimitExceeded)

	rule, ok := svc.RateLimitRule("login")
	require.True(t, ok)
	assert.Equal(t, int64(3), rule.MaxRequests)

	_, ok = svc.RateLimitRule(config.EndpointRegister)
	assert.False(t, ok)

	pruned, err := svc.PruneRateLimits(ctx, time.Nanosecond)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pruned, "counter updated at now is not stale")
}

func TestExpiringSoon(t *testing.T) {
	env := newTestEnv(t)
	svc := NewQuotaService(env.deps)
	user := env.newUser(t)
	ctx := context.Background()

	soon, err := svc.GrantDailyCheckin(ctx, user, 1)
	require.NoError(t, err)
	_, err = svc.GrantRegistrationBonus(ctx, user, 1)
	require.NoError(t, err)

	balances, err := svc.ExpiringSoon(ctx, &user, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, soon, balances[0].ID)
}
