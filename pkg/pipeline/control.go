package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/arxlens/enrichd/pkg/database"
	"github.com/arxlens/enrichd/pkg/database/model"
	"github.com/arxlens/enrichd/pkg/errors"
	"github.com/arxlens/enrichd/pkg/logger/log"
	"github.com/arxlens/enrichd/pkg/metrics"
	"github.com/arxlens/enrichd/pkg/ratelimit"
	"github.com/arxlens/enrichd/pkg/stage"
	"github.com/google/uuid"
)

// Control is the pipeline's operational surface. It composes the job
// store, the state tracker, the limiter and the pool manager behind a
// plain Go API; transport is somebody else's problem.
type Control struct {
	jobs    database.JobFacadeInterface
	states  database.ProcessingStateFacadeInterface
	limiter *ratelimit.Limiter
	manager *Manager

	errorCountThreshold int
	backfillLimit       int
}

func NewControl(deps *Deps, manager *Manager) *Control {
	return &Control{
		jobs:                deps.Jobs,
		states:              deps.States,
		limiter:             deps.Limiter,
		manager:             manager,
		errorCountThreshold: deps.Pipeline.GetErrorCountThreshold(),
		backfillLimit:       deps.Pipeline.GetBackfillLimit(),
	}
}

// BatchResult reports what a batch creation actually did.
type BatchResult struct {
	BatchID string `json:"batch_id"`
	Created int    `json:"created"`
	Skipped int    `json:"skipped"`
}

// BackfillRequest narrows which papers a backfill pass considers.
type BackfillRequest struct {
	// Stages to enqueue; empty means each paper's missing stages.
	Stages []stage.Stage
	// Limit caps the candidate papers; 0 uses the configured default.
	Limit int
	// Priority for the created jobs; 0 inherits each paper's priority.
	Priority int
	// CompletenessMin/Max bound the candidate score range.
	CompletenessMin *int
	CompletenessMax *int
	// CreatedAfter/Before bound when the paper entered the tracker.
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

func validStages(stages []stage.Stage) error {
	for _, s := range stages {
		if !stage.Valid(s) {
			return errors.NewError().
				WithCode(errors.RequestParameterInvalid).
				WithMessagef("unknown stage %q", s)
		}
	}
	return nil
}

// CreateBackfill walks the incomplete papers and enqueues their missing
// stages (or the explicit list) under a fresh batch id.
func (c *Control) CreateBackfill(ctx context.Context, req *BackfillRequest) (*BatchResult, error) {
	if req == nil {
		req = &BackfillRequest{}
	}
	if err := validStages(req.Stages); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = c.backfillLimit
	}

	candidates, err := c.states.ListIncomplete(ctx, &database.IncompleteFilter{
		MaxErrorCount:   c.errorCountThreshold,
		CompletenessMin: req.CompletenessMin,
		CompletenessMax: req.CompletenessMax,
		CreatedAfter:    req.CreatedAfter,
		CreatedBefore:   req.CreatedBefore,
		Limit:           limit,
	})
	if err != nil {
		return nil, errors.NewError().
			WithCode(errors.CodeDatabaseError).
			WithMessage("failed to list incomplete papers").
			WithError(err)
	}

	result := &BatchResult{BatchID: uuid.NewString()}
	for _, paper := range candidates {
		stages := req.Stages
		if len(stages) == 0 {
			for _, s := range stage.ExecutionOrder() {
				if !paper.StageDone(string(s)) {
					stages = append(stages, s)
				}
			}
		}
		priority := req.Priority
		if priority <= 0 {
			priority = paper.Priority
		}
		for _, s := range stages {
			created, err := c.enqueue(ctx, s, paper.PaperID, priority, result.BatchID, nil, "backfill")
			if err != nil {
				return nil, err
			}
			if created {
				result.Created++
			} else {
				result.Skipped++
			}
		}
	}

	log.Infof("Backfill batch %s: %d created, %d skipped (%d papers)",
		result.BatchID, result.Created, result.Skipped, len(candidates))
	return result, nil
}

// CreateEnrichment enqueues stages for a caller-chosen set of papers.
// Papers unknown to the tracker get a state row on the way in.
func (c *Control) CreateEnrichment(ctx context.Context, paperIDs []string, stages []stage.Stage, priority int) (*BatchResult, error) {
	if len(paperIDs) == 0 {
		return nil, errors.NewError().
			WithCode(errors.RequestParameterInvalid).
			WithMessage("no papers given")
	}
	if err := validStages(stages); err != nil {
		return nil, err
	}
	if priority <= 0 {
		priority = model.PriorityNormal
	}

	result := &BatchResult{BatchID: uuid.NewString()}
	for _, paperID := range paperIDs {
		if err := c.states.EnsurePaper(ctx, paperID, priority); err != nil {
			return nil, errors.NewError().
				WithCode(errors.CodeDatabaseError).
				WithMessagef("failed to ensure paper %s", paperID).
				WithError(err)
		}
		target := stages
		if len(target) == 0 {
			missing, err := c.states.MissingStages(ctx, paperID)
			if err != nil {
				return nil, errors.NewError().
					WithCode(errors.CodeDatabaseError).
					WithMessagef("failed to resolve missing stages for %s", paperID).
					WithError(err)
			}
			target = missing
		}
		for _, s := range target {
			created, err := c.enqueue(ctx, s, paperID, priority, result.BatchID, nil, "batch")
			if err != nil {
				return nil, err
			}
			if created {
				result.Created++
			} else {
				result.Skipped++
			}
		}
	}

	log.Infof("Enrichment batch %s: %d created, %d skipped (%d papers)",
		result.BatchID, result.Created, result.Skipped, len(paperIDs))
	return result, nil
}

// EnqueueStage enqueues one stage for one paper outside any batch.
func (c *Control) EnqueueStage(ctx context.Context, s stage.Stage, paperID string, priority int, metadata json.RawMessage) (uint64, bool, error) {
	if err := validStages([]stage.Stage{s}); err != nil {
		return 0, false, err
	}
	if paperID == "" {
		return 0, false, errors.NewError().
			WithCode(errors.RequestParameterInvalid).
			WithMessage("paper_id is empty")
	}
	if err := c.states.EnsurePaper(ctx, paperID, priority); err != nil {
		return 0, false, errors.NewError().
			WithCode(errors.CodeDatabaseError).
			WithMessagef("failed to ensure paper %s", paperID).
			WithError(err)
	}

	job, created, err := c.jobs.Enqueue(ctx, &model.EnrichmentJob{
		Stage:    string(s),
		PaperID:  paperID,
		Priority: priority,
		Metadata: metadata,
	})
	if err != nil {
		return 0, false, errors.NewError().
			WithCode(errors.CodeDatabaseError).
			WithMessagef("failed to enqueue %s for %s", s, paperID).
			WithError(err)
	}
	if created {
		metrics.JobsEnqueued.Inc(string(s), "single")
	} else {
		metrics.JobsDeduplicated.Inc(string(s))
	}
	return job.ID, created, nil
}

func (c *Control) enqueue(ctx context.Context, s stage.Stage, paperID string, priority int, batchID string, metadata json.RawMessage, source string) (bool, error) {
	_, created, err := c.jobs.Enqueue(ctx, &model.EnrichmentJob{
		Stage:    string(s),
		PaperID:  paperID,
		BatchID:  batchID,
		Priority: priority,
		Metadata: metadata,
	})
	if err != nil {
		return false, errors.NewError().
			WithCode(errors.CodeDatabaseError).
			WithMessagef("failed to enqueue %s for %s", s, paperID).
			WithError(err)
	}
	if created {
		metrics.JobsEnqueued.Inc(string(s), source)
	} else {
		metrics.JobsDeduplicated.Inc(string(s))
	}
	return created, nil
}

// RetryJob returns a failed job to pending.
func (c *Control) RetryJob(ctx context.Context, id uint64, freshBudget bool) error {
	job, err := c.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return errors.NewError().
			WithCode(errors.RequestDataNotExisted).
			WithMessagef("job %d not found", id)
	}
	if err := c.jobs.Retry(ctx, id, freshBudget); err != nil {
		if err == database.ErrJobNotFound {
			return errors.NewError().
				WithCode(errors.InvalidOperation).
				WithMessagef("job %d is not failed", id)
		}
		return err
	}
	metrics.JobsEnqueued.Inc(job.Stage, "retry")
	return nil
}

// CancelJob cancels a pending job.
func (c *Control) CancelJob(ctx context.Context, id uint64) error {
	if err := c.jobs.Cancel(ctx, id); err != nil {
		if err == database.ErrJobNotFound {
			return errors.NewError().
				WithCode(errors.InvalidOperation).
				WithMessagef("job %d is not pending", id)
		}
		return err
	}
	return nil
}

// CancelBatch cancels every still-pending job in a batch.
func (c *Control) CancelBatch(ctx context.Context, batchID string) (int, error) {
	return c.jobs.CancelBatch(ctx, batchID)
}

// ListJobs lists jobs with filters.
func (c *Control) ListJobs(ctx context.Context, filter *database.JobFilter) ([]*model.EnrichmentJob, error) {
	return c.jobs.List(ctx, filter)
}

// ResetPaperErrors clears a paper's error counter so backfill picks it
// up again.
func (c *Control) ResetPaperErrors(ctx context.Context, paperID string) error {
	return c.states.ResetErrors(ctx, paperID)
}

// SetPaperPriority changes how soon backfill reaches a paper.
func (c *Control) SetPaperPriority(ctx context.Context, paperID string, priority int) error {
	return c.states.SetPriority(ctx, paperID, priority)
}

// Scale adjusts one pool's worker count.
func (c *Control) Scale(pool stage.Pool, count int) error {
	return c.manager.Scale(pool, count)
}

// Health is the pipeline-wide observability snapshot.
type Health struct {
	JobsByStatus map[string]int64         `json:"jobs_by_status"`
	QueueDepth   map[string]int64         `json:"queue_depth"`
	Pools        map[string]PoolStatus    `json:"pools"`
	RateLimits   []*model.RateLimitBucket `json:"rate_limits"`
	Completeness map[string]int64         `json:"completeness"`
}

// Health combines queue counts, pool status, rate-limit state and the
// completeness distribution into one snapshot.
func (c *Control) Health(ctx context.Context) (*Health, error) {
	byStatus, err := c.jobs.CountsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	depth, err := c.jobs.PendingCountsByStage(ctx)
	if err != nil {
		return nil, err
	}
	buckets, err := c.limiter.Stats(ctx)
	if err != nil {
		return nil, err
	}
	dist, err := c.states.CompletenessDistribution(ctx)
	if err != nil {
		return nil, err
	}

	return &Health{
		JobsByStatus: byStatus,
		QueueDepth:   depth,
		Pools:        c.manager.Status(),
		RateLimits:   buckets,
		Completeness: dist,
	}, nil
}
