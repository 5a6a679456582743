package services

import (
	"context"
	"time"

	"quota-api/internal/pkg/errors"
	"quota-api/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const maxReaperBatchesPerSweep = 1000

// ReaperService deletes expired balances and resyncs the cached totals of
// the users that owned them.
type ReaperService interface {
	Sweep(ctx context.Context, now time.Time) (int64, error)
	Run(ctx context.Context) error
}

type reaperService struct {
	balances  repository.BalanceRepository
	users     repository.UserRepository
	metrics   *Metrics
	log       logrus.FieldLogger
	now       func() time.Time
	interval  time.Duration
	batchSize int
}

func NewReaperService(deps Deps) ReaperService {
	deps = deps.withDefaults()
	return &reaperService{
		balances:  deps.Balances,
		users:     deps.Users,
		metrics:   deps.Metrics,
		log:       deps.Logger,
		now:       deps.Now,
		interval:  deps.ReaperInterval,
		batchSize: deps.ReaperBatchSize,
	}
}

// Sweep is safe to repeat: a second call at the same now deletes nothing.
func (s *reaperService) Sweep(ctx context.Context, now time.Time) (int64, error) {
	var (
		deleted  int64
		sweepErr error
	)
	affected := make(map[uuid.UUID]struct{})

	for i := 0; i < maxReaperBatchesPerSweep; i++ {
		if sweepErr = ctx.Err(); sweepErr != nil {
			break
		}

		batch, err := s.balances.ListExpired(ctx, now, s.batchSize)
		if err != nil {
			sweepErr = err
			break
		}
		if len(batch) == 0 {
			break
		}

		failed := 0
		for _, b := range batch {
			ok, err := s.balances.DeleteExpired(ctx, b.ID, now)
			if err != nil {
				failed++
				s.log.WithError(err).WithField("balance_id", b.ID).Warn("reaper: delete failed")
				continue
			}
			if ok {
				deleted++
				affected[b.UserID] = struct{}{}
			}
		}

		// The same rows would come back on the next page.
		if failed == len(batch) || len(batch) < s.batchSize {
			break
		}
	}

	// Rows already deleted will not be listed again, so their owners are
	// resynced even when the sweep stopped early.
	syncCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		syncCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}
	for userID := range affected {
		if _, err := s.users.SyncQuota(syncCtx, userID, now); err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				s.log.WithField("user_id", userID).Debug("reaper: balance owner no longer exists")
				continue
			}
			s.log.WithError(err).WithField("user_id", userID).Warn("reaper: failed to sync user quota")
		}
	}

	s.metrics.observeReaped(deleted)
	if deleted > 0 {
		s.log.WithFields(logrus.Fields{
			"deleted": deleted,
			"users":   len(affected),
		}).Info("reaper: removed expired balances")
	}
	return deleted, sweepErr
}

// Run sweeps immediately and then once per interval until ctx is done.
func (s *reaperService) Run(ctx context.Context) error {
	s.log.Infof("quota reaper started (interval=%s)", s.interval)
	for {
		if _, err := s.Sweep(ctx, s.now()); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("reaper: sweep failed")
		}
		if ctx.Err() != nil {
			return nil
		}

		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
