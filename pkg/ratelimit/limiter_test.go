package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/arxlens/enrichd/pkg/database"
	"github.com/arxlens/enrichd/pkg/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_AcquireGrants(t *testing.T) {
	helper := database.NewTestHelper(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()

	facade := database.NewRateLimitFacade()
	require.NoError(t, facade.Ensure(ctx, stage.BucketLocal, 10, 60, 0))

	limiter := NewLimiter(facade)
	for i := 0; i < 10; i++ {
		require.NoError(t, limiter.Acquire(ctx, stage.BucketLocal))
	}

	bucket, err := facade.Get(ctx, stage.BucketLocal)
	require.NoError(t, err)
	assert.Equal(t, 10, bucket.RequestsCount)
}

func TestLimiter_AcquireBlocksOnFullWindow(t *testing.T) {
	helper := database.NewTestHelper(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()

	facade := database.NewRateLimitFacade()
	require.NoError(t, facade.Ensure(ctx, stage.BucketGithub, 1, 3600, 0))

	limiter := NewLimiter(facade)
	require.NoError(t, limiter.Acquire(ctx, stage.BucketGithub))

	// The window is full for an hour; the second acquire must block
	// until the context gives up.
	shortCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	err := limiter.Acquire(shortCtx, stage.BucketGithub)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiter_AcquireRecoversAfterRollover(t *testing.T) {
	helper := database.NewTestHelper(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()

	facade := database.NewRateLimitFacade()
	// A one-second window; the denied acquire recovers once it rolls.
	require.NoError(t, facade.Ensure(ctx, stage.BucketCitationsProvider, 1, 1, 0))

	limiter := NewLimiter(facade)
	require.NoError(t, limiter.Acquire(ctx, stage.BucketCitationsProvider))

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, limiter.Acquire(waitCtx, stage.BucketCitationsProvider))
	assert.Greater(t, time.Since(start), 400*time.Millisecond)
}

func TestLimiter_MinDelaySpacing(t *testing.T) {
	helper := database.NewTestHelper(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()

	facade := database.NewRateLimitFacade()
	require.NoError(t, facade.Ensure(ctx, stage.BucketLLMProvider, 100, 60, 0))

	limiter := NewLimiter(facade)
	limiter.SetMinDelay(stage.BucketLLMProvider, 100*time.Millisecond)

	start := time.Now()
	require.NoError(t, limiter.Acquire(ctx, stage.BucketLLMProvider))
	require.NoError(t, limiter.Acquire(ctx, stage.BucketLLMProvider))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiter_DeniedAcquireLeavesSpacingClock(t *testing.T) {
	helper := database.NewTestHelper(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()

	facade := database.NewRateLimitFacade()
	require.NoError(t, facade.Ensure(ctx, stage.BucketGithub, 1, 3600, 0))

	limiter := NewLimiter(facade)
	limiter.SetMinDelay(stage.BucketGithub, 200*time.Millisecond)
	require.NoError(t, limiter.Acquire(ctx, stage.BucketGithub))

	limiter.mu.Lock()
	stamped := limiter.lastRequest[stage.BucketGithub]
	limiter.mu.Unlock()

	// The window is full; the denied acquire must not push the spacing
	// clock forward and make the next grant wait an extra min delay.
	shortCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	require.Error(t, limiter.Acquire(shortCtx, stage.BucketGithub))

	limiter.mu.Lock()
	after := limiter.lastRequest[stage.BucketGithub]
	limiter.mu.Unlock()
	assert.Equal(t, stamped, after)
}

func TestLimiter_BackoffPropagates(t *testing.T) {
	helper := database.NewTestHelper(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()

	facade := database.NewRateLimitFacade()
	require.NoError(t, facade.Ensure(ctx, stage.BucketLLMProvider, 100, 60, 0))

	limiter := NewLimiter(facade)
	limiter.ReportLimitHit(ctx, stage.BucketLLMProvider, time.Hour)

	shortCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	err := limiter.Acquire(shortCtx, stage.BucketLLMProvider)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, limiter.ClearBackoff(ctx, stage.BucketLLMProvider))
	require.NoError(t, limiter.Acquire(ctx, stage.BucketLLMProvider))
}

func TestLimiter_Stats(t *testing.T) {
	helper := database.NewTestHelper(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()

	facade := database.NewRateLimitFacade()
	require.NoError(t, facade.Ensure(ctx, stage.BucketLocal, 10, 60, 0))

	limiter := NewLimiter(facade)
	buckets, err := limiter.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, stage.BucketLocal, buckets[0].Provider)
}
