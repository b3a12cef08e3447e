package database

import (
	"context"
	"errors"
	"time"

	"github.com/arxlens/enrichd/pkg/database/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RateLimitFacadeInterface defines the database operation interface for
// the shared provider rate-limit buckets.
type RateLimitFacadeInterface interface {
	// Ensure seeds a bucket row for the provider, updating the limit
	// parameters when the row already exists.
	Ensure(ctx context.Context, provider string, maxRequests, windowSeconds, minDelayMS int) error

	// Get retrieves a bucket by provider.
	Get(ctx context.Context, provider string) (*model.RateLimitBucket, error)

	// TryAcquire attempts to take one token from the provider's window.
	// When denied, retryAfter says how long the caller should wait
	// before asking again.
	TryAcquire(ctx context.Context, provider string) (granted bool, retryAfter time.Duration, err error)

	// ReportLimitHit records a provider 429 and sets a shared backoff.
	ReportLimitHit(ctx context.Context, provider string, backoff time.Duration) error

	// ClearBackoff removes the provider backoff early.
	ClearBackoff(ctx context.Context, provider string) error

	// List returns every bucket row.
	List(ctx context.Context) ([]*model.RateLimitBucket, error)
}

// RateLimitFacade implements RateLimitFacadeInterface
type RateLimitFacade struct {
	BaseFacade
}

// NewRateLimitFacade creates a new RateLimitFacade instance
func NewRateLimitFacade() RateLimitFacadeInterface {
	return &RateLimitFacade{}
}

// Ensure seeds a bucket row for the provider.
func (f *RateLimitFacade) Ensure(ctx context.Context, provider string, maxRequests, windowSeconds, minDelayMS int) error {
	db := f.getDB().WithContext(ctx)
	bucket := &model.RateLimitBucket{
		Provider:      provider,
		MaxRequests:   maxRequests,
		WindowSeconds: windowSeconds,
		MinDelayMS:    minDelayMS,
		WindowStart:   time.Now(),
	}
	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"max_requests", "window_seconds", "min_delay_ms",
		}),
	}).Create(bucket).Error
}

// Get retrieves a bucket by provider.
func (f *RateLimitFacade) Get(ctx context.Context, provider string) (*model.RateLimitBucket, error) {
	db := f.getDB().WithContext(ctx)
	var bucket model.RateLimitBucket
	err := db.Where("provider = ?", provider).First(&bucket).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &bucket, nil
}

// acquireAttempts bounds the compare-and-swap loop; contention just
// means another worker advanced the counter first.
const acquireAttempts = 4

// TryAcquire takes one token from the provider window using guarded
// updates, so the counter stays correct across processes.
func (f *RateLimitFacade) TryAcquire(ctx context.Context, provider string) (bool, time.Duration, error) {
	db := f.getDB().WithContext(ctx)

	for attempt := 0; attempt < acquireAttempts; attempt++ {
		bucket, err := f.Get(ctx, provider)
		if err != nil {
			return false, 0, err
		}
		if bucket == nil {
			// Unknown providers are not limited.
			return true, 0, nil
		}

		now := time.Now()
		if bucket.InBackoff(now) {
			return false, bucket.BackoffUntil.Sub(now), nil
		}

		if bucket.WindowExpired(now) {
			// Roll the window over; the guard on window_start makes sure
			// only one contender wins the reset.
			result := db.Model(&model.RateLimitBucket{}).
				Where("provider = ? AND window_start = ?", provider, bucket.WindowStart).
				Updates(map[string]interface{}{
					"window_start":    now,
					"requests_count":  1,
					"last_request_at": now,
				})
			if result.Error != nil {
				return false, 0, result.Error
			}
			if result.RowsAffected > 0 {
				return true, 0, nil
			}
			continue
		}

		if bucket.RequestsCount >= bucket.MaxRequests {
			return false, bucket.WindowStart.Add(bucket.Window()).Sub(now), nil
		}

		result := db.Model(&model.RateLimitBucket{}).
			Where("provider = ? AND window_start = ? AND requests_count = ?",
				provider, bucket.WindowStart, bucket.RequestsCount).
			Updates(map[string]interface{}{
				"requests_count":  bucket.RequestsCount + 1,
				"last_request_at": now,
			})
		if result.Error != nil {
			return false, 0, result.Error
		}
		if result.RowsAffected > 0 {
			return true, 0, nil
		}
	}

	// Lost every race; back off briefly.
	return false, 100 * time.Millisecond, nil
}

// ReportLimitHit records a provider 429 and sets a shared backoff. An
// existing longer backoff is kept.
func (f *RateLimitFacade) ReportLimitHit(ctx context.Context, provider string, backoff time.Duration) error {
	db := f.getDB().WithContext(ctx)
	until := time.Now().Add(backoff)

	return db.Model(&model.RateLimitBucket{}).
		Where("provider = ? AND (backoff_until IS NULL OR backoff_until < ?)", provider, until).
		UpdateColumn("backoff_until", until).Error
}

// ClearBackoff removes the provider backoff early.
func (f *RateLimitFacade) ClearBackoff(ctx context.Context, provider string) error {
	db := f.getDB().WithContext(ctx)
	return db.Model(&model.RateLimitBucket{}).
		Where("provider = ?", provider).
		UpdateColumn("backoff_until", nil).Error
}

// List returns every bucket row.
func (f *RateLimitFacade) List(ctx context.Context) ([]*model.RateLimitBucket, error) {
	db := f.getDB().WithContext(ctx)
	var buckets []model.RateLimitBucket
	if err := db.Order("provider ASC").Find(&buckets).Error; err != nil {
		return nil, err
	}
	result := make([]*model.RateLimitBucket, len(buckets))
	for i := range buckets {
		result[i] = &buckets[i]
	}
	return result, nil
}
