package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type QuotaType string

const (
	QuotaPermanent QuotaType = "permanent"
	QuotaDaily     QuotaType = "daily"
	QuotaCustom    QuotaType = "custom"
)

func (t QuotaType) Valid() bool {
	switch t {
	case QuotaPermanent, QuotaDaily, QuotaCustom:
		return true
	}
	return false
}

type QuotaSource string

const (
	SourceRegister    QuotaSource = "register"
	SourceCheckin     QuotaSource = "checkin"
	SourceRedeemCode  QuotaSource = "redeem_code"
	SourceAdminAdjust QuotaSource = "admin_adjust"
	SourceAdReward    QuotaSource = "ad_reward"
)

func (s QuotaSource) Valid() bool {
	switch s {
	case SourceRegister, SourceCheckin, SourceRedeemCode, SourceAdminAdjust, SourceAdReward:
		return true
	}
	return false
}

// QuotaBalance is one grant of quota from one source.
type QuotaBalance struct {
	ID        uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    uuid.UUID   `gorm:"type:uuid;not null;index:idx_quota_balances_user_expiry,priority:1" json:"user_id"`
	QuotaType QuotaType   `gorm:"type:varchar(20);not null" json:"quota_type"`
	Amount    int64       `gorm:"not null;default:0;check:amount >= 0" json:"amount"`
	ExpiresAt *time.Time  `gorm:"index:idx_quota_balances_user_expiry,priority:2;index" json:"expires_at"`
	Source    QuotaSource `gorm:"type:varchar(32);not null" json:"source"`
	SourceID  *string     `gorm:"type:varchar(64)" json:"source_id,omitempty"`
	CreatedAt time.Time   `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time   `gorm:"not null" json:"updated_at"`
}

func (QuotaBalance) TableName() string {
	return "quota_balances"
}

func (b *QuotaBalance) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}

	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = b.CreatedAt
	}
	if b.ExpiresAt != nil {
		utc := b.ExpiresAt.UTC()
		b.ExpiresAt = &utc
	}

	return nil
}

// ActiveAt reports whether the balance can still be consumed at now.
func (b *QuotaBalance) ActiveAt(now time.Time) bool {
	return b.Amount > 0 && (b.ExpiresAt == nil || b.ExpiresAt.After(now))
}
