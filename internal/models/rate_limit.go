package models

import "time"

// RateLimitCounter is the fixed-window bucket for one (identifier, endpoint) pair.
type RateLimitCounter struct {
	Identifier string `gorm:"type:varchar(255);primaryKey"`
	Endpoint   string `gorm:"type:varchar(64);primaryKey"`
	// WindowStart is unix milliseconds so window arithmetic stays in SQL integers.
	WindowStart  int64     `gorm:"not null"`
	RequestCount int64     `gorm:"not null;default:0"`
	UpdatedAt    time.Time `gorm:"not null;index"`
}

func (RateLimitCounter) TableName() string {
	return "rate_limits"
}
