package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/arxlens/enrichd/pkg/config"
	"github.com/arxlens/enrichd/pkg/database"
	"github.com/arxlens/enrichd/pkg/database/model"
	"github.com/arxlens/enrichd/pkg/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMaintenance(t *testing.T) (*Maintenance, *Deps, *database.TestHelper) {
	t.Helper()
	deps, helper := testDeps(t, fastPipeline())
	return NewMaintenance(deps.Jobs, deps.States, deps.Pipeline), deps, helper
}

func expireLease(t *testing.T, helper *database.TestHelper, jobID uint64) {
	t.Helper()
	past := time.Now().Add(-time.Minute)
	err := helper.DB.Model(&model.EnrichmentJob{}).
		Where("id = ?", jobID).
		UpdateColumn("lease_expires_at", past).Error
	require.NoError(t, err)
}

func TestMaintenance_ReclaimOnce(t *testing.T) {
	maint, deps, helper := testMaintenance(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()

	job, _, err := deps.Jobs.Enqueue(ctx, &model.EnrichmentJob{
		Stage: string(stage.StageEmbedding), PaperID: "p1",
	})
	require.NoError(t, err)
	claimed, err := deps.Jobs.Claim(ctx, []string{string(stage.StageEmbedding)}, "w1", leaseOneMinute)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Live lease is left alone.
	assert.Equal(t, 0, maint.ReclaimOnce(ctx))

	expireLease(t, helper, job.ID)
	assert.Equal(t, 1, maint.ReclaimOnce(ctx))

	got, err := deps.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.WorkerID)
}

func TestMaintenance_ReclaimRequeuesAtBudgetBoundary(t *testing.T) {
	maint, deps, helper := testMaintenance(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()

	// A crashed first attempt lands the count exactly on the budget;
	// that is still within it, same as the worker's transient path.
	job, _, err := deps.Jobs.Enqueue(ctx, &model.EnrichmentJob{
		Stage: string(stage.StageEmbedding), PaperID: "p1", MaxRetries: 1,
	})
	require.NoError(t, err)
	_, err = deps.Jobs.Claim(ctx, []string{string(stage.StageEmbedding)}, "w1", leaseOneMinute)
	require.NoError(t, err)

	expireLease(t, helper, job.ID)
	assert.Equal(t, 1, maint.ReclaimOnce(ctx))

	got, err := deps.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestMaintenance_ReclaimFailsSpentBudget(t *testing.T) {
	maint, deps, helper := testMaintenance(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()

	job, _, err := deps.Jobs.Enqueue(ctx, &model.EnrichmentJob{
		Stage: string(stage.StageEmbedding), PaperID: "p1", MaxRetries: 1,
	})
	require.NoError(t, err)
	_, err = deps.Jobs.Claim(ctx, []string{string(stage.StageEmbedding)}, "w1", leaseOneMinute)
	require.NoError(t, err)

	err = helper.DB.Model(&model.EnrichmentJob{}).
		Where("id = ?", job.ID).
		UpdateColumn("retry_count", 1).Error
	require.NoError(t, err)

	expireLease(t, helper, job.ID)
	assert.Equal(t, 1, maint.ReclaimOnce(ctx))

	got, err := deps.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestMaintenance_CleanupOnce(t *testing.T) {
	maint, deps, helper := testMaintenance(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()

	old, _, err := deps.Jobs.Enqueue(ctx, &model.EnrichmentJob{
		Stage: string(stage.StageEmbedding), PaperID: "old",
	})
	require.NoError(t, err)
	claimed, err := deps.Jobs.Claim(ctx, []string{string(stage.StageEmbedding)}, "w1", leaseOneMinute)
	require.NoError(t, err)
	require.NoError(t, deps.Jobs.Complete(ctx, claimed.ID))

	// Recent terminal job survives the sweep.
	assert.Equal(t, 0, maint.CleanupOnce(ctx))

	eightDaysAgo := time.Now().Add(-8 * 24 * time.Hour)
	err = helper.DB.Model(&model.EnrichmentJob{}).
		Where("id = ?", old.ID).
		UpdateColumn("completed_at", eightDaysAgo).Error
	require.NoError(t, err)

	assert.Equal(t, 1, maint.CleanupOnce(ctx))
	got, err := deps.Jobs.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMaintenance_StartStop(t *testing.T) {
	maint, _, helper := testMaintenance(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()

	require.NoError(t, maint.Start(ctx))
	maint.Stop()
}

func TestMaintenance_BackfillSchedule(t *testing.T) {
	deps, helper := testDeps(t, &config.PipelineConfig{
		BackfillCron: "@every 1h",
	})
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()

	maint := NewMaintenance(deps.Jobs, deps.States, deps.Pipeline)
	ran := false
	maint.BackfillFunc = func(ctx context.Context) error {
		ran = true
		return nil
	}
	require.NoError(t, maint.Start(ctx))
	maint.Stop()
	// The schedule is hourly; registration alone must not fire it.
	assert.False(t, ran)
}
