package services

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"quota-api/internal/database"
	"quota-api/internal/models"
	"quota-api/internal/pkg/errors"
	"quota-api/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	db       *gorm.DB
	deps     Deps
	users    repository.UserRepository
	balances repository.BalanceRepository
	logs     repository.QuotaLogRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	env := &testEnv{
		db:       db,
		users:    repository.NewUserRepository(db),
		balances: repository.NewBalanceRepository(db),
		logs:     repository.NewQuotaLogRepository(db),
	}
	env.deps = Deps{
		Users:      env.users,
		Balances:   env.balances,
		Logs:       env.logs,
		RateLimits: repository.NewRateLimitRepository(db),
		Logger:     quietLogger(),
		Now:        func() time.Time { return testNow },
	}
	return env
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func (e *testEnv) newUser(t *testing.T) uuid.UUID {
	t.Helper()
	user := &models.User{Email: uuid.NewString() + "@example.com"}
	require.NoError(t, e.users.Create(context.Background(), user))
	return user.ID
}

// addBalance inserts a balance directly, bypassing the ledger.
func (e *testEnv) addBalance(t *testing.T, userID uuid.UUID, amount int64, expiresIn *time.Duration) uuid.UUID {
	t.Helper()
	b := &models.QuotaBalance{
		UserID:    userID,
		QuotaType: models.QuotaPermanent,
		Amount:    amount,
		Source:    models.SourceAdminAdjust,
		CreatedAt: testNow,
	}
	if expiresIn != nil {
		at := testNow.Add(*expiresIn)
		b.ExpiresAt = &at
		b.QuotaType = models.QuotaCustom
	}
	require.NoError(t, e.balances.Create(context.Background(), b))
	return b.ID
}

func (e *testEnv) amountOf(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	b, err := e.balances.GetByID(context.Background(), id)
	require.NoError(t, err)
	return b.Amount
}

func (e *testEnv) cachedQuota(t *testing.T, userID uuid.UUID) int64 {
	t.Helper()
	u, err := e.users.GetByID(context.Background(), userID)
	require.NoError(t, err)
	return u.Quota
}

func hours(n int) *time.Duration {
	d := time.Duration(n) * time.Hour
	return &d
}

// hookedBalances runs beforeApply ahead of every ApplyDecrement. A hook that
// returns a non-nil result short-circuits the call.
type hookedBalances struct {
	repository.BalanceRepository

	mu          sync.Mutex
	calls       int
	beforeApply func(call int, id uuid.UUID) (*bool, error)
}

func (h *hookedBalances) ApplyDecrement(ctx context.Context, id uuid.UUID, amount int64, now time.Time) (bool, error) {
	h.mu.Lock()
	h.calls++
	call := h.calls
	h.mu.Unlock()

	if h.beforeApply != nil {
		result, err := h.beforeApply(call, id)
		if err != nil {
			return false, err
		}
		if result != nil {
			return *result, nil
		}
	}
	return h.BalanceRepository.ApplyDecrement(ctx, id, amount, now)
}

type failingLogs struct {
	repository.QuotaLogRepository
	failType models.QuotaLogType
}

func (f *failingLogs) Create(ctx context.Context, entry *models.QuotaLogEntry) error {
	if entry.Type == f.failType {
		return errors.Wrap(io.ErrUnexpectedEOF, "failed to create quota log entry")
	}
	return f.QuotaLogRepository.Create(ctx, entry)
}
