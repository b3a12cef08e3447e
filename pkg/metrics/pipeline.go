package metrics

// Pipeline-wide metric vectors. Registered once at package init so
// every component shares the same series.
var (
	// JobsEnqueued counts jobs accepted into the queue, by stage and
	// source (single, batch, backfill, retry).
	JobsEnqueued = NewCounterVec("jobs_enqueued", "Jobs accepted into the queue", []string{"stage", "source"})

	// JobsDeduplicated counts enqueue calls collapsed onto an existing job.
	JobsDeduplicated = NewCounterVec("jobs_deduplicated", "Enqueues collapsed by idempotency key", []string{"stage"})

	// JobsFinished counts terminal job outcomes, by stage and result
	// (completed, failed, cancelled).
	JobsFinished = NewCounterVec("jobs_finished", "Jobs reaching a terminal status", []string{"stage", "result"})

	// JobsRetried counts jobs returned to pending after a transient failure.
	JobsRetried = NewCounterVec("jobs_retried", "Jobs requeued after transient failures", []string{"stage"})

	// StageDuration observes wall-clock seconds per stage attempt.
	StageDuration = NewHistogramVec("stage_duration_seconds", "Stage attempt duration in seconds", []string{"stage", "result"},
		WithBuckets([]float64{.1, .5, 1, 5, 10, 30, 60, 120, 300, 600}))

	// WorkersByState tracks per-pool worker states (idle, waiting_token, running).
	WorkersByState = NewGaugeVec("workers", "Workers per pool and state", []string{"pool", "state"})

	// QueueDepth tracks pending jobs per stage, refreshed by the stats loop.
	QueueDepth = NewGaugeVec("queue_depth", "Pending jobs per stage", []string{"stage"})

	// RateLimitDenials counts token acquisitions that had to wait or give up.
	RateLimitDenials = NewCounterVec("rate_limit_denials", "Token requests denied by a full window", []string{"provider"})

	// RateLimitBackoffs counts provider 429 reports.
	RateLimitBackoffs = NewCounterVec("rate_limit_backoffs", "Provider limit hits that triggered a backoff", []string{"provider"})

	// LeasesReclaimed counts jobs recovered from expired leases.
	LeasesReclaimed = NewCounterVec("leases_reclaimed", "Jobs reclaimed from expired leases", []string{"stage"})

	// CompletenessBucket tracks papers per completeness band.
	CompletenessBucket = NewGaugeVec("papers_completeness", "Papers per completeness score band", []string{"band"})
)
