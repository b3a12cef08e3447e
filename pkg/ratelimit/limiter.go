package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/arxlens/enrichd/pkg/database"
	"github.com/arxlens/enrichd/pkg/database/model"
	"github.com/arxlens/enrichd/pkg/logger/log"
	"github.com/arxlens/enrichd/pkg/metrics"
)

// maxRecheck caps how long a denied worker sleeps before asking the
// bucket again, so freed capacity is picked up quickly.
const maxRecheck = 500 * time.Millisecond

// Limiter coordinates outbound request pacing across workers. Window
// counters live in the database and are shared by every process; the
// per-provider min-delay spacing is process-local.
type Limiter struct {
	facade database.RateLimitFacadeInterface

	mu          sync.Mutex
	lastRequest map[string]time.Time
	minDelay    map[string]time.Duration
}

func NewLimiter(facade database.RateLimitFacadeInterface) *Limiter {
	return &Limiter{
		facade:      facade,
		lastRequest: make(map[string]time.Time),
		minDelay:    make(map[string]time.Duration),
	}
}

// SetMinDelay configures the local spacing between requests to a provider.
func (l *Limiter) SetMinDelay(provider string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minDelay[provider] = d
}

// pendingDelay returns how long the caller must wait before the next
// request to honor the provider's min delay.
func (l *Limiter) pendingDelay(provider string, now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	delay := l.minDelay[provider]
	if delay <= 0 {
		return 0
	}
	if last, ok := l.lastRequest[provider]; ok {
		if wait := delay - now.Sub(last); wait > 0 {
			return wait
		}
	}
	return 0
}

// markGranted stamps the spacing clock. Only granted acquires consume a
// slot; a denied window check must not delay the next request.
func (l *Limiter) markGranted(provider string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.minDelay[provider] > 0 {
		l.lastRequest[provider] = now
	}
}

// Acquire blocks until a token for the provider is granted or ctx ends.
// Denials sleep for the suggested retry interval, capped so the worker
// rechecks at least twice a second.
func (l *Limiter) Acquire(ctx context.Context, provider string) error {
	for {
		if wait := l.pendingDelay(provider, time.Now()); wait > 0 {
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		granted, retryAfter, err := l.facade.TryAcquire(ctx, provider)
		if err != nil {
			return err
		}
		if granted {
			l.markGranted(provider, time.Now())
			return nil
		}

		metrics.RateLimitDenials.Inc(provider)
		if retryAfter <= 0 || retryAfter > maxRecheck {
			retryAfter = maxRecheck
		}
		if err := sleepCtx(ctx, retryAfter); err != nil {
			return err
		}
	}
}

// ReportLimitHit records a provider 429. Every worker on the bucket
// backs off together.
func (l *Limiter) ReportLimitHit(ctx context.Context, provider string, backoff time.Duration) {
	metrics.RateLimitBackoffs.Inc(provider)
	if backoff <= 0 {
		backoff = 30 * time.Second
	}
	if err := l.facade.ReportLimitHit(ctx, provider, backoff); err != nil {
		log.Errorf("Failed to record limit hit for %s: %v", provider, err)
	}
}

// ClearBackoff lifts an active provider backoff early.
func (l *Limiter) ClearBackoff(ctx context.Context, provider string) error {
	return l.facade.ClearBackoff(ctx, provider)
}

// Stats returns the current bucket rows for inspection.
func (l *Limiter) Stats(ctx context.Context) ([]*model.RateLimitBucket, error) {
	return l.facade.List(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
