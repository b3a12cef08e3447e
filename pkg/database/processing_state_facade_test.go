package database

import (
	"fmt"
	"testing"

	"github.com/arxlens/enrichd/pkg/database/model"
	"github.com/arxlens/enrichd/pkg/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessingStateFacade_EnsurePaper(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()
	facade := NewProcessingStateFacade()

	require.NoError(t, facade.EnsurePaper(ctx, "2401.00001", model.PriorityHigh))
	// Idempotent; the second call keeps the original priority.
	require.NoError(t, facade.EnsurePaper(ctx, "2401.00001", model.PriorityLow))

	state, err := facade.Get(ctx, "2401.00001")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, model.PriorityHigh, state.Priority)
	assert.Equal(t, 0, state.CompletenessScore)

	missing, err := facade.Get(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestProcessingStateFacade_StampStageCompleted(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()
	facade := NewProcessingStateFacade()

	// Stamping creates the row when missing.
	require.NoError(t, facade.StampStageCompleted(ctx, "p1", stage.StageEmbedding))

	state, err := facade.Get(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.StageDone(string(stage.StageEmbedding)))
	assert.Equal(t, 11, state.CompletenessScore)

	// Re-stamping the same stage does not change the score.
	require.NoError(t, facade.StampStageCompleted(ctx, "p1", stage.StageEmbedding))
	state, err = facade.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 11, state.CompletenessScore)

	// Completing every stage lands exactly on 100.
	for _, s := range stage.ExecutionOrder() {
		require.NoError(t, facade.StampStageCompleted(ctx, "p1", s))
	}
	state, err = facade.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 100, state.CompletenessScore)

	assert.Error(t, facade.StampStageCompleted(ctx, "p1", stage.Stage("nope")))
}

func TestProcessingStateFacade_Errors(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()
	facade := NewProcessingStateFacade()

	// RecordStageError creates the row when needed.
	require.NoError(t, facade.RecordStageError(ctx, "p1"))
	require.NoError(t, facade.RecordStageError(ctx, "p1"))

	state, err := facade.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, state.ErrorCount)

	require.NoError(t, facade.ResetErrors(ctx, "p1"))
	state, err = facade.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 0, state.ErrorCount)
}

func TestProcessingStateFacade_MissingStages(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()
	facade := NewProcessingStateFacade()

	// No state row means everything is missing.
	missing, err := facade.MissingStages(ctx, "new-paper")
	require.NoError(t, err)
	assert.Len(t, missing, stage.Count())

	require.NoError(t, facade.StampStageCompleted(ctx, "p1", stage.StageEmbedding))
	require.NoError(t, facade.StampStageCompleted(ctx, "p1", stage.StageCitations))

	missing, err = facade.MissingStages(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, missing, stage.Count()-2)
	assert.NotContains(t, missing, stage.StageEmbedding)
	assert.NotContains(t, missing, stage.StageCitations)
	// Execution order is preserved.
	assert.Equal(t, stage.StageAIAnalysis, missing[0])
}

func TestProcessingStateFacade_ListIncomplete(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()
	facade := NewProcessingStateFacade()

	require.NoError(t, facade.EnsurePaper(ctx, "low", model.PriorityLow))
	require.NoError(t, facade.EnsurePaper(ctx, "high", model.PriorityCritical))

	// Fully enriched paper is excluded.
	for _, s := range stage.ExecutionOrder() {
		require.NoError(t, facade.StampStageCompleted(ctx, "done", s))
	}

	// Papers over the error threshold are skipped.
	require.NoError(t, facade.EnsurePaper(ctx, "broken", model.PriorityCritical))
	for i := 0; i < 5; i++ {
		require.NoError(t, facade.RecordStageError(ctx, "broken"))
	}

	states, err := facade.ListIncomplete(ctx, &IncompleteFilter{MaxErrorCount: 5, Limit: 10})
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "high", states[0].PaperID)
	assert.Equal(t, "low", states[1].PaperID)

	states, err = facade.ListIncomplete(ctx, &IncompleteFilter{MaxErrorCount: 5, Limit: 1})
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "high", states[0].PaperID)

	// Raising the threshold lets the broken paper back in.
	states, err = facade.ListIncomplete(ctx, &IncompleteFilter{MaxErrorCount: 10, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, states, 3)

	// Priority floor excludes the low-priority paper.
	minPriority := model.PriorityHigh
	states, err = facade.ListIncomplete(ctx, &IncompleteFilter{MaxErrorCount: 5, MinPriority: &minPriority})
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "high", states[0].PaperID)
}

func TestProcessingStateFacade_ListIncompleteCompletenessRange(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()
	facade := NewProcessingStateFacade()

	require.NoError(t, facade.EnsurePaper(ctx, "zero", model.PriorityNormal))
	require.NoError(t, facade.StampStageCompleted(ctx, "partial", stage.StageEmbedding))

	min := 1
	states, err := facade.ListIncomplete(ctx, &IncompleteFilter{MaxErrorCount: 5, CompletenessMin: &min})
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "partial", states[0].PaperID)

	max := 0
	states, err = facade.ListIncomplete(ctx, &IncompleteFilter{MaxErrorCount: 5, CompletenessMax: &max})
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "zero", states[0].PaperID)
}

func TestProcessingStateFacade_CompletenessDistribution(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()
	facade := NewProcessingStateFacade()

	require.NoError(t, facade.EnsurePaper(ctx, "empty", model.PriorityNormal))
	require.NoError(t, facade.StampStageCompleted(ctx, "started", stage.StageEmbedding))
	for _, s := range stage.ExecutionOrder() {
		require.NoError(t, facade.StampStageCompleted(ctx, "full", s))
	}
	for i, s := range stage.ExecutionOrder() {
		if i == 5 {
			break
		}
		require.NoError(t, facade.StampStageCompleted(ctx, "half", s))
	}

	dist, err := facade.CompletenessDistribution(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, dist["0"], fmt.Sprintf("%v", dist))
	assert.EqualValues(t, 1, dist["1-24"])
	assert.EqualValues(t, 1, dist["50-74"])
	assert.EqualValues(t, 1, dist["100"])
}

func TestProcessingStateFacade_SetPriority(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup()
	ctx := helper.CreateTestContext()
	facade := NewProcessingStateFacade()

	// Missing rows are created on the fly.
	require.NoError(t, facade.SetPriority(ctx, "p1", 80))
	state, err := facade.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.PriorityHigh, state.Priority)

	require.NoError(t, facade.SetPriority(ctx, "p1", model.PriorityLow))
	state, err = facade.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.PriorityLow, state.Priority)
}
