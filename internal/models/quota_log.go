package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type QuotaLogType string

const (
	QuotaLogEarn    QuotaLogType = "earn"
	QuotaLogConsume QuotaLogType = "consume"
)

func (t QuotaLogType) Valid() bool {
	return t == QuotaLogEarn || t == QuotaLogConsume
}

// QuotaLogEntry is an immutable earn or consume record.
type QuotaLogEntry struct {
	ID          uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID      uuid.UUID    `gorm:"type:uuid;not null;index:idx_quota_logs_user_created,priority:1" json:"user_id"`
	Type        QuotaLogType `gorm:"type:varchar(16);not null" json:"type"`
	Amount      int64        `gorm:"not null;check:amount > 0" json:"amount"`
	Source      QuotaSource  `gorm:"type:varchar(32)" json:"source"`
	Description string       `gorm:"type:text" json:"description"`
	RelatedID   *string      `gorm:"type:varchar(64)" json:"related_id,omitempty"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	QuotaType   QuotaType    `gorm:"type:varchar(20)" json:"quota_type,omitempty"`
	CreatedAt   time.Time    `gorm:"not null;index:idx_quota_logs_user_created,priority:2" json:"created_at"`
}

func (QuotaLogEntry) TableName() string {
	return "quota_logs"
}

func (e *QuotaLogEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return nil
}
