package model

import (
	"time"
)

const TableNameRateLimitBucket = "rate_limit_buckets"

// RateLimitBucket mapped from table <rate_limit_buckets>.
// One row per provider; the row is the shared fixed-window counter all
// workers coordinate through.
type RateLimitBucket struct {
	Provider      string     `gorm:"column:provider;primaryKey;size:64" json:"provider"`
	MaxRequests   int        `gorm:"column:max_requests;not null" json:"max_requests"`
	WindowSeconds int        `gorm:"column:window_seconds;not null" json:"window_seconds"`
	RequestsCount int        `gorm:"column:requests_count;default:0" json:"requests_count"`
	WindowStart   time.Time  `gorm:"column:window_start;not null" json:"window_start"`
	LastRequestAt *time.Time `gorm:"column:last_request_at" json:"last_request_at,omitempty"`
	BackoffUntil  *time.Time `gorm:"column:backoff_until" json:"backoff_until,omitempty"`
	MinDelayMS    int        `gorm:"column:min_delay_ms;default:0" json:"min_delay_ms"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null;autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;not null;autoUpdateTime" json:"updated_at"`
}

// TableName RateLimitBucket's table name
func (*RateLimitBucket) TableName() string {
	return TableNameRateLimitBucket
}

// Window returns the bucket's window length.
func (b *RateLimitBucket) Window() time.Duration {
	return time.Duration(b.WindowSeconds) * time.Second
}

// WindowExpired reports whether the current window has rolled over.
func (b *RateLimitBucket) WindowExpired(now time.Time) bool {
	return now.Sub(b.WindowStart) >= b.Window()
}

// InBackoff reports whether the provider is still backing off.
func (b *RateLimitBucket) InBackoff(now time.Time) bool {
	return b.BackoffUntil != nil && now.Before(*b.BackoffUntil)
}
