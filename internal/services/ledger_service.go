package services

import (
	"context"
	"time"

	"quota-api/internal/models"
	"quota-api/internal/pkg/errors"
	"quota-api/internal/repository"

	"github.com/google/uuid"
)

const (
	defaultHistoryPageSize = 20
	maxHistoryPageSize     = 100
)

type RecordParams struct {
	UserID      uuid.UUID
	Type        models.QuotaLogType
	Amount      int64
	Source      models.QuotaSource
	Description string
	RelatedID   *string
	ExpiresAt   *time.Time
	QuotaType   models.QuotaType
	At          time.Time
}

type LedgerPage struct {
	Entries  []models.QuotaLogEntry `json:"entries"`
	Total    int64                  `json:"total"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"page_size"`
}

// LedgerService appends to and reads the quota history.
type LedgerService interface {
	Record(ctx context.Context, params RecordParams) (*models.QuotaLogEntry, error)
	History(ctx context.Context, userID uuid.UUID, page, pageSize int) (*LedgerPage, error)
	Summary(ctx context.Context, userID uuid.UUID) (*repository.LedgerSummary, error)
}

type ledgerService struct {
	logs repository.QuotaLogRepository
	now  func() time.Time
}

func NewLedgerService(deps Deps) LedgerService {
	deps = deps.withDefaults()
	return &ledgerService{
		logs: deps.Logs,
		now:  deps.Now,
	}
}

func (s *ledgerService) Record(ctx context.Context, params RecordParams) (*models.QuotaLogEntry, error) {
	if params.UserID == uuid.Nil {
		return nil, errors.Validation("user id is required")
	}
	if params.Amount <= 0 {
		return nil, errors.Validation("ledger amount must be positive, got %d", params.Amount)
	}
	if !params.Type.Valid() {
		return nil, errors.Validation("unknown ledger entry type %q", params.Type)
	}
	if params.Source != "" && !params.Source.Valid() {
		return nil, errors.Validation("unknown quota source %q", params.Source)
	}

	at := params.At
	if at.IsZero() {
		at = s.now()
	}
	entry := &models.QuotaLogEntry{
		UserID:      params.UserID,
		Type:        params.Type,
		Amount:      params.Amount,
		Source:      params.Source,
		Description: params.Description,
		RelatedID:   params.RelatedID,
		ExpiresAt:   params.ExpiresAt,
		QuotaType:   params.QuotaType,
		CreatedAt:   at.UTC(),
	}
	if err := s.logs.Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *ledgerService) History(ctx context.Context, userID uuid.UUID, page, pageSize int) (*LedgerPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultHistoryPageSize
	}
	if pageSize > maxHistoryPageSize {
		pageSize = maxHistoryPageSize
	}

	entries, total, err := s.logs.ListByUser(ctx, userID, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &LedgerPage{
		Entries:  entries,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

func (s *ledgerService) Summary(ctx context.Context, userID uuid.UUID) (*repository.LedgerSummary, error) {
	return s.logs.Summarize(ctx, userID)
}
