package database

import (
	"testing"
	"time"

	"github.com/arxlens/enrichd/pkg/database/model"
	"github.com/arxlens/enrichd/pkg/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitFacade_Ensure(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()
	facade := NewRateLimitFacade()

	require.NoError(t, facade.Ensure(ctx, stage.BucketLLMProvider, 60, 60, 100))

	bucket, err := facade.Get(ctx, stage.BucketLLMProvider)
	require.NoError(t, err)
	require.NotNil(t, bucket)
	assert.Equal(t, 60, bucket.MaxRequests)
	assert.Equal(t, 0, bucket.RequestsCount)

	// Re-seeding updates the limits but keeps the live counter.
	helper.DB.Model(&model.RateLimitBucket{}).
		Where("provider = ?", stage.BucketLLMProvider).
		UpdateColumn("requests_count", 7)
	require.NoError(t, facade.Ensure(ctx, stage.BucketLLMProvider, 30, 120, 200))

	bucket, err = facade.Get(ctx, stage.BucketLLMProvider)
	require.NoError(t, err)
	assert.Equal(t, 30, bucket.MaxRequests)
	assert.Equal(t, 120, bucket.WindowSeconds)
	assert.Equal(t, 7, bucket.RequestsCount)
}

func TestRateLimitFacade_TryAcquire(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()
	facade := NewRateLimitFacade()

	require.NoError(t, facade.Ensure(ctx, stage.BucketGithub, 3, 3600, 0))

	for i := 0; i < 3; i++ {
		granted, _, err := facade.TryAcquire(ctx, stage.BucketGithub)
		require.NoError(t, err)
		assert.True(t, granted, "token %d", i)
	}

	// Window full.
	granted, retryAfter, err := facade.TryAcquire(ctx, stage.BucketGithub)
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Greater(t, retryAfter, time.Duration(0))

	bucket, err := facade.Get(ctx, stage.BucketGithub)
	require.NoError(t, err)
	assert.Equal(t, 3, bucket.RequestsCount)
	assert.NotNil(t, bucket.LastRequestAt)
}

func TestRateLimitFacade_TryAcquireWindowRollover(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()
	facade := NewRateLimitFacade()

	require.NoError(t, facade.Ensure(ctx, stage.BucketCitationsProvider, 2, 60, 0))
	for i := 0; i < 2; i++ {
		granted, _, err := facade.TryAcquire(ctx, stage.BucketCitationsProvider)
		require.NoError(t, err)
		require.True(t, granted)
	}
	granted, _, err := facade.TryAcquire(ctx, stage.BucketCitationsProvider)
	require.NoError(t, err)
	require.False(t, granted)

	// Age the window out; the next acquire resets the counter.
	old := time.Now().Add(-2 * time.Minute)
	helper.DB.Model(&model.RateLimitBucket{}).
		Where("provider = ?", stage.BucketCitationsProvider).
		UpdateColumn("window_start", old)

	granted, _, err = facade.TryAcquire(ctx, stage.BucketCitationsProvider)
	require.NoError(t, err)
	assert.True(t, granted)

	bucket, err := facade.Get(ctx, stage.BucketCitationsProvider)
	require.NoError(t, err)
	assert.Equal(t, 1, bucket.RequestsCount)
	assert.WithinDuration(t, time.Now(), bucket.WindowStart, 5*time.Second)
}

func TestRateLimitFacade_UnknownProviderIsUnlimited(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()
	facade := NewRateLimitFacade()

	granted, retryAfter, err := facade.TryAcquire(ctx, "no-such-provider")
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Zero(t, retryAfter)
}

func TestRateLimitFacade_Backoff(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()
	facade := NewRateLimitFacade()

	require.NoError(t, facade.Ensure(ctx, stage.BucketLLMProvider, 100, 60, 0))
	require.NoError(t, facade.ReportLimitHit(ctx, stage.BucketLLMProvider, 30*time.Second))

	granted, retryAfter, err := facade.TryAcquire(ctx, stage.BucketLLMProvider)
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Greater(t, retryAfter, 20*time.Second)

	// A shorter report never shrinks an active backoff.
	require.NoError(t, facade.ReportLimitHit(ctx, stage.BucketLLMProvider, time.Second))
	bucket, err := facade.Get(ctx, stage.BucketLLMProvider)
	require.NoError(t, err)
	require.NotNil(t, bucket.BackoffUntil)
	assert.Greater(t, time.Until(*bucket.BackoffUntil), 20*time.Second)

	require.NoError(t, facade.ClearBackoff(ctx, stage.BucketLLMProvider))
	granted, _, err = facade.TryAcquire(ctx, stage.BucketLLMProvider)
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestRateLimitFacade_List(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()
	facade := NewRateLimitFacade()

	require.NoError(t, facade.Ensure(ctx, stage.BucketLLMProvider, 60, 60, 0))
	require.NoError(t, facade.Ensure(ctx, stage.BucketGithub, 5000, 3600, 0))

	buckets, err := facade.List(ctx)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, stage.BucketGithub, buckets[0].Provider)
	assert.Equal(t, stage.BucketLLMProvider, buckets[1].Provider)
}
