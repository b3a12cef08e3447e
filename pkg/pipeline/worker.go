package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/arxlens/enrichd/pkg/database/model"
	"github.com/arxlens/enrichd/pkg/logger/log"
	"github.com/arxlens/enrichd/pkg/metrics"
	"github.com/arxlens/enrichd/pkg/stage"
	"github.com/arxlens/enrichd/pkg/trace"
	"go.opentelemetry.io/otel/attribute"
)

// tokenWait bounds how long a worker waits for a rate-limit token per
// loop turn. A worker holds no claimed job while waiting, so a denied
// turn costs nothing but the wait itself.
const tokenWait = 2 * time.Second

// backoff schedule for transient requeues.
const (
	retryBackoffBase = 2 * time.Second
	retryBackoffCap  = 5 * time.Minute
)

type worker struct {
	id   string
	slot int
	pool *Pool
}

// run is the worker loop: bounded token wait, claim, execute, mark.
// Core errors (store unreachable) are logged and the loop continues;
// the stop signal is the only exit.
func (w *worker) run(ctx context.Context) {
	defer w.pool.workerExited(w.slot)

	poolName := string(w.pool.name)
	metrics.WorkersByState.Inc(poolName, "idle")
	defer metrics.WorkersByState.Dec(poolName, "idle")

	for {
		if ctx.Err() != nil || w.pool.shouldExit(w.slot) {
			return
		}

		metrics.WorkersByState.Inc(poolName, "waiting_token")
		tctx, cancel := context.WithTimeout(ctx, tokenWait)
		err := w.pool.deps.Limiter.Acquire(tctx, w.pool.bucket)
		cancel()
		metrics.WorkersByState.Dec(poolName, "waiting_token")
		if err != nil {
			// Denied within the bounded wait, or stopping.
			continue
		}

		job, err := w.pool.deps.Jobs.Claim(ctx, w.pool.stages, w.id, w.pool.leaseFor)
		if err != nil {
			log.Errorf("Worker %s: claim failed: %v", w.id, err)
			w.pool.noteError()
			sleepCtx(ctx, w.pool.pollEmpty)
			continue
		}
		if job == nil {
			sleepCtx(ctx, w.pool.pollEmpty)
			continue
		}

		metrics.WorkersByState.Inc(poolName, "running")
		// A claimed job is finished and marked even if stop arrives
		// mid-flight; the attempt timeout bounds the overrun.
		w.execute(context.WithoutCancel(ctx), job)
		metrics.WorkersByState.Dec(poolName, "running")
		w.pool.processed.Add(1)
	}
}

// execute runs the stage body for a claimed job and records the outcome.
func (w *worker) execute(ctx context.Context, job *model.EnrichmentJob) {
	start := time.Now()
	sctx, span := trace.StartSpan(ctx, "pipeline.stage")
	defer span.End()
	trace.SetAttributes(sctx,
		attribute.String("stage", job.Stage),
		attribute.String("paper_id", job.PaperID),
		attribute.Int64("job_id", int64(job.ID)),
		attribute.Int("retry_count", job.RetryCount),
	)

	err := w.runBody(sctx, job)

	result := "completed"
	if err == nil {
		w.markSuccess(sctx, job)
	} else {
		result = w.markFailure(sctx, job, stage.Classify(err))
	}
	metrics.StageDuration.Observe(time.Since(start).Seconds(), job.Stage, result)
}

// runBody invokes the registered body under the per-stage attempt
// timeout. A panicking body is a permanent failure.
func (w *worker) runBody(ctx context.Context, job *model.EnrichmentJob) (err error) {
	s := stage.Stage(job.Stage)
	body, ok := w.pool.deps.Registry.Body(s)
	if !ok {
		return stage.Permanent(fmt.Sprintf("no body registered for stage %s", job.Stage), nil)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, stage.AttemptTimeout(s))
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = stage.Permanent(fmt.Sprintf("stage body panicked: %v", r), nil)
		}
	}()
	return body(attemptCtx, job.PaperID, job.Metadata)
}

func (w *worker) markSuccess(ctx context.Context, job *model.EnrichmentJob) {
	deps := w.pool.deps
	if err := deps.Jobs.Complete(ctx, job.ID); err != nil {
		// The lease was reclaimed mid-flight and the job moved on
		// without us; the other holder owns the outcome now.
		log.Warnf("Worker %s: job %d no longer ours on completion: %v", w.id, job.ID, err)
		return
	}
	if err := deps.States.StampStageCompleted(ctx, job.PaperID, stage.Stage(job.Stage)); err != nil {
		log.Errorf("Worker %s: failed to stamp %s for paper %s: %v", w.id, job.Stage, job.PaperID, err)
	}
	metrics.JobsFinished.Inc(job.Stage, model.JobStatusCompleted)
	log.Debugf("Worker %s: completed %s for paper %s (job %d)", w.id, job.Stage, job.PaperID, job.ID)
}

// markFailure applies the retry policy for a classified failure and
// returns the terminal-or-requeued result label.
func (w *worker) markFailure(ctx context.Context, job *model.EnrichmentJob, failure *stage.Failure) string {
	deps := w.pool.deps
	trace.RecordError(ctx, failure)
	w.pool.noteError()

	if err := deps.States.RecordStageError(ctx, job.PaperID); err != nil {
		log.Errorf("Worker %s: failed to record error for paper %s: %v", w.id, job.PaperID, err)
	}

	if failure.Kind == stage.FailurePermanent {
		if err := deps.Jobs.Fail(ctx, job.ID, failure.Error()); err != nil {
			log.Warnf("Worker %s: job %d no longer ours on failure: %v", w.id, job.ID, err)
			return "lost"
		}
		metrics.JobsFinished.Inc(job.Stage, model.JobStatusFailed)
		log.Warnf("Worker %s: %s for paper %s failed permanently: %v", w.id, job.Stage, job.PaperID, failure)
		return model.JobStatusFailed
	}

	backoff := retryBackoff(job.RetryCount + 1)
	if failure.Kind == stage.FailureRateLimited {
		deps.Limiter.ReportLimitHit(ctx, w.pool.bucket, failure.Backoff)
		if failure.Backoff > backoff {
			backoff = failure.Backoff
		}
	}

	maxRetries := job.MaxRetries
	if maxRetries <= 0 {
		maxRetries = w.pool.maxRetries
	}
	newCount := job.RetryCount + 1
	if newCount > maxRetries {
		if err := deps.Jobs.Fail(ctx, job.ID, fmt.Sprintf("retry budget exhausted: %v", failure)); err != nil {
			log.Warnf("Worker %s: job %d no longer ours on failure: %v", w.id, job.ID, err)
			return "lost"
		}
		metrics.JobsFinished.Inc(job.Stage, model.JobStatusFailed)
		log.Warnf("Worker %s: %s for paper %s out of retries: %v", w.id, job.Stage, job.PaperID, failure)
		return model.JobStatusFailed
	}

	notBefore := time.Now().Add(backoff)
	if err := deps.Jobs.Requeue(ctx, job.ID, newCount, &notBefore, failure.Error()); err != nil {
		log.Warnf("Worker %s: job %d no longer ours on requeue: %v", w.id, job.ID, err)
		return "lost"
	}
	metrics.JobsRetried.Inc(job.Stage)
	log.Infof("Worker %s: requeued %s for paper %s (attempt %d/%d, backoff %s): %v",
		w.id, job.Stage, job.PaperID, newCount, maxRetries, backoff, failure)
	return "retried"
}

// retryBackoff doubles per attempt from the base, capped.
func retryBackoff(attempt int) time.Duration {
	backoff := retryBackoffBase
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= retryBackoffCap {
			return retryBackoffCap
		}
	}
	return backoff
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
