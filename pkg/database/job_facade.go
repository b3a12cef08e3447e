package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/arxlens/enrichd/pkg/database/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrJobNotFound is returned when a guarded transition matched no row.
var ErrJobNotFound = errors.New("job not found")

// JobFacadeInterface defines the database operation interface for
// enrichment jobs.
type JobFacadeInterface interface {
	// Enqueue inserts a job, collapsing onto the existing row when the
	// idempotency key is already present. The returned bool is true
	// when a new row was created.
	Enqueue(ctx context.Context, job *model.EnrichmentJob) (*model.EnrichmentJob, bool, error)

	// Get retrieves a job by ID.
	Get(ctx context.Context, id uint64) (*model.EnrichmentJob, error)

	// GetByIdempotencyKey retrieves a job by its idempotency key.
	GetByIdempotencyKey(ctx context.Context, key string) (*model.EnrichmentJob, error)

	// Claim atomically moves the best pending job for the given stages
	// to processing and stamps the worker's lease.
	Claim(ctx context.Context, stages []string, workerID string, leaseFor func(stage string) time.Duration) (*model.EnrichmentJob, error)

	// Complete marks a processing job completed.
	Complete(ctx context.Context, id uint64) error

	// Requeue returns a processing job to pending after a transient
	// failure; notBefore delays the next attempt.
	Requeue(ctx context.Context, id uint64, retryCount int, notBefore *time.Time, errorMsg string) error

	// Fail marks a processing job permanently failed.
	Fail(ctx context.Context, id uint64, errorMsg string) error

	// Cancel cancels a pending job.
	Cancel(ctx context.Context, id uint64) error

	// CancelBatch cancels every still-pending job in a batch and
	// returns the number of jobs cancelled.
	CancelBatch(ctx context.Context, batchID string) (int, error)

	// Retry returns a failed job to pending. With freshBudget the
	// retry counter is reset to zero.
	Retry(ctx context.Context, id uint64, freshBudget bool) error

	// List lists jobs with optional filters, newest first.
	List(ctx context.Context, filter *JobFilter) ([]*model.EnrichmentJob, error)

	// Count counts jobs matching filter.
	Count(ctx context.Context, filter *JobFilter) (int64, error)

	// ReclaimExpired returns processing jobs with expired leases to
	// pending, or fails them when the retry budget is spent.
	ReclaimExpired(ctx context.Context, maxRetries int, reclaimed func(stage string)) (int, error)

	// Cleanup removes terminal jobs older than the retention window.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// PendingCountsByStage returns the pending queue depth per stage.
	PendingCountsByStage(ctx context.Context) (map[string]int64, error)

	// CountsByStatus returns job counts grouped by status.
	CountsByStatus(ctx context.Context) (map[string]int64, error)
}

// JobFilter defines filter conditions for querying jobs.
type JobFilter struct {
	Status        *string
	Stage         *string
	Stages        []string
	PaperID       *string
	BatchID       *string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// JobFacade implements JobFacadeInterface
type JobFacade struct {
	BaseFacade
}

// NewJobFacade creates a new JobFacade instance
func NewJobFacade() JobFacadeInterface {
	return &JobFacade{}
}

// IdempotencyKey derives the dedup key for a stage/paper pair. Jobs
// without a batch share the "single" scope so ad-hoc re-enqueues of the
// same stage collapse while distinct batches stay distinct.
func IdempotencyKey(stage, paperID, batchID string) string {
	scope := batchID
	if scope == "" {
		scope = "single"
	}
	sum := sha256.Sum256([]byte(stage + "|" + paperID + "|" + scope))
	return hex.EncodeToString(sum[:])
}

// Enqueue inserts a job, deduplicating on the idempotency key.
func (f *JobFacade) Enqueue(ctx context.Context, job *model.EnrichmentJob) (*model.EnrichmentJob, bool, error) {
	db := f.getDB().WithContext(ctx)

	if job.IdempotencyKey == "" {
		job.IdempotencyKey = IdempotencyKey(job.Stage, job.PaperID, job.BatchID)
	}
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}
	job.Priority = model.ClampPriority(job.Priority)

	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(job)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected > 0 {
		return job, true, nil
	}

	existing, err := f.GetByIdempotencyKey(ctx, job.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, ErrJobNotFound
	}
	return existing, false, nil
}

// Get retrieves a job by ID
func (f *JobFacade) Get(ctx context.Context, id uint64) (*model.EnrichmentJob, error) {
	db := f.getDB().WithContext(ctx)
	var job model.EnrichmentJob
	err := db.Where("id = ?", id).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// GetByIdempotencyKey retrieves a job by its idempotency key
func (f *JobFacade) GetByIdempotencyKey(ctx context.Context, key string) (*model.EnrichmentJob, error) {
	db := f.getDB().WithContext(ctx)
	var job model.EnrichmentJob
	err := db.Where("idempotency_key = ?", key).First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

// claimAttempts bounds the optimistic claim loop; losing the race a few
// times in a row just means another worker got the job.
const claimAttempts = 3

// Claim picks the best eligible pending job and flips it to processing
// with a guarded update, so two workers can never hold the same job.
func (f *JobFacade) Claim(ctx context.Context, stages []string, workerID string, leaseFor func(stage string) time.Duration) (*model.EnrichmentJob, error) {
	db := f.getDB().WithContext(ctx)

	for attempt := 0; attempt < claimAttempts; attempt++ {
		now := time.Now()

		var job model.EnrichmentJob
		query := db.Where("status = ?", model.JobStatusPending).
			Where("(not_before IS NULL OR not_before <= ?)", now)
		if len(stages) > 0 {
			query = query.Where("stage IN ?", stages)
		}
		err := query.Order("priority DESC, id ASC").First(&job).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil
			}
			return nil, err
		}

		leaseExpires := now.Add(leaseFor(job.Stage))
		result := db.Model(&model.EnrichmentJob{}).
			Where("id = ? AND status = ?", job.ID, model.JobStatusPending).
			Updates(map[string]interface{}{
				"status":           model.JobStatusProcessing,
				"worker_id":        workerID,
				"started_at":       now,
				"lease_expires_at": leaseExpires,
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			// Lost the race, try the next candidate.
			continue
		}

		job.Status = model.JobStatusProcessing
		job.WorkerID = workerID
		job.StartedAt = &now
		job.LeaseExpiresAt = &leaseExpires
		return &job, nil
	}
	return nil, nil
}

// Complete marks a processing job completed.
func (f *JobFacade) Complete(ctx context.Context, id uint64) error {
	db := f.getDB().WithContext(ctx)
	now := time.Now()

	result := db.Model(&model.EnrichmentJob{}).
		Where("id = ? AND status = ?", id, model.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":           model.JobStatusCompleted,
			"completed_at":     now,
			"worker_id":        "",
			"lease_expires_at": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Requeue returns a processing job to pending for another attempt.
func (f *JobFacade) Requeue(ctx context.Context, id uint64, retryCount int, notBefore *time.Time, errorMsg string) error {
	db := f.getDB().WithContext(ctx)

	result := db.Model(&model.EnrichmentJob{}).
		Where("id = ? AND status = ?", id, model.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":           model.JobStatusPending,
			"retry_count":      retryCount,
			"not_before":       notBefore,
			"error_message":    errorMsg,
			"worker_id":        "",
			"started_at":       nil,
			"lease_expires_at": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Fail marks a processing job permanently failed.
func (f *JobFacade) Fail(ctx context.Context, id uint64, errorMsg string) error {
	db := f.getDB().WithContext(ctx)
	now := time.Now()

	result := db.Model(&model.EnrichmentJob{}).
		Where("id = ? AND status = ?", id, model.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":           model.JobStatusFailed,
			"error_message":    errorMsg,
			"completed_at":     now,
			"worker_id":        "",
			"lease_expires_at": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Cancel cancels a pending job. Processing jobs run to completion;
// their attempt already holds the lease.
func (f *JobFacade) Cancel(ctx context.Context, id uint64) error {
	db := f.getDB().WithContext(ctx)
	now := time.Now()

	result := db.Model(&model.EnrichmentJob{}).
		Where("id = ? AND status = ?", id, model.JobStatusPending).
		Updates(map[string]interface{}{
			"status":       model.JobStatusCancelled,
			"completed_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// CancelBatch cancels every still-pending job in a batch.
func (f *JobFacade) CancelBatch(ctx context.Context, batchID string) (int, error) {
	db := f.getDB().WithContext(ctx)
	now := time.Now()

	result := db.Model(&model.EnrichmentJob{}).
		Where("batch_id = ? AND status = ?", batchID, model.JobStatusPending).
		Updates(map[string]interface{}{
			"status":       model.JobStatusCancelled,
			"completed_at": now,
		})
	return int(result.RowsAffected), result.Error
}

// Retry returns a failed job to pending.
func (f *JobFacade) Retry(ctx context.Context, id uint64, freshBudget bool) error {
	db := f.getDB().WithContext(ctx)

	updates := map[string]interface{}{
		"status":        model.JobStatusPending,
		"error_message": "",
		"worker_id":     "",
		"not_before":    nil,
		"started_at":    nil,
		"completed_at":  nil,
	}
	if freshBudget {
		updates["retry_count"] = 0
	}

	result := db.Model(&model.EnrichmentJob{}).
		Where("id = ? AND status = ?", id, model.JobStatusFailed).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func applyJobFilter(query *gorm.DB, filter *JobFilter) *gorm.DB {
	if filter == nil {
		return query
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.Stage != nil {
		query = query.Where("stage = ?", *filter.Stage)
	}
	if len(filter.Stages) > 0 {
		query = query.Where("stage IN ?", filter.Stages)
	}
	if filter.PaperID != nil {
		query = query.Where("paper_id = ?", *filter.PaperID)
	}
	if filter.BatchID != nil {
		query = query.Where("batch_id = ?", *filter.BatchID)
	}
	if filter.CreatedAfter != nil {
		query = query.Where("created_at > ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		query = query.Where("created_at < ?", *filter.CreatedBefore)
	}
	return query
}

// List lists jobs with optional filters
func (f *JobFacade) List(ctx context.Context, filter *JobFilter) ([]*model.EnrichmentJob, error) {
	db := f.getDB().WithContext(ctx)
	query := applyJobFilter(db.Model(&model.EnrichmentJob{}), filter)
	if filter != nil && filter.Limit > 0 {
		query = query.Limit(filter.Limit).Offset(filter.Offset)
	}

	var jobs []model.EnrichmentJob
	if err := query.Order("created_at DESC, id DESC").Find(&jobs).Error; err != nil {
		return nil, err
	}
	result := make([]*model.EnrichmentJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// Count counts jobs matching filter
func (f *JobFacade) Count(ctx context.Context, filter *JobFilter) (int64, error) {
	db := f.getDB().WithContext(ctx)
	query := applyJobFilter(db.Model(&model.EnrichmentJob{}), filter)

	var count int64
	err := query.Count(&count).Error
	return count, err
}

// ReclaimExpired sweeps processing jobs whose lease has expired. Jobs
// with remaining budget go back to pending; the rest fail.
func (f *JobFacade) ReclaimExpired(ctx context.Context, maxRetries int, reclaimed func(stage string)) (int, error) {
	db := f.getDB().WithContext(ctx)
	now := time.Now()

	var jobs []model.EnrichmentJob
	err := db.Where("status = ? AND lease_expires_at < ?", model.JobStatusProcessing, now).Find(&jobs).Error
	if err != nil {
		return 0, err
	}

	count := 0
	for _, job := range jobs {
		limit := job.MaxRetries
		if limit <= 0 {
			limit = maxRetries
		}
		var txErr error
		if job.RetryCount+1 <= limit {
			txErr = db.Model(&model.EnrichmentJob{}).
				Where("id = ? AND status = ? AND lease_expires_at < ?", job.ID, model.JobStatusProcessing, now).
				Updates(map[string]interface{}{
					"status":           model.JobStatusPending,
					"retry_count":      job.RetryCount + 1,
					"error_message":    "lease expired",
					"worker_id":        "",
					"started_at":       nil,
					"lease_expires_at": nil,
				}).Error
		} else {
			txErr = db.Model(&model.EnrichmentJob{}).
				Where("id = ? AND status = ? AND lease_expires_at < ?", job.ID, model.JobStatusProcessing, now).
				Updates(map[string]interface{}{
					"status":           model.JobStatusFailed,
					"retry_count":      job.RetryCount + 1,
					"error_message":    "lease expired after max retries",
					"completed_at":     now,
					"worker_id":        "",
					"lease_expires_at": nil,
				}).Error
		}
		if txErr == nil {
			count++
			if reclaimed != nil {
				reclaimed(job.Stage)
			}
		}
	}
	return count, nil
}

// Cleanup removes old completed/failed/cancelled jobs
func (f *JobFacade) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	db := f.getDB().WithContext(ctx)
	cutoff := time.Now().Add(-olderThan)

	result := db.Where("status IN ? AND completed_at < ?",
		[]string{model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled},
		cutoff).
		Delete(&model.EnrichmentJob{})
	return int(result.RowsAffected), result.Error
}

// PendingCountsByStage returns the pending queue depth per stage.
func (f *JobFacade) PendingCountsByStage(ctx context.Context) (map[string]int64, error) {
	db := f.getDB().WithContext(ctx)

	type row struct {
		Stage string
		Cnt   int64
	}
	var rows []row
	err := db.Model(&model.EnrichmentJob{}).
		Select("stage, count(*) as cnt").
		Where("status = ?", model.JobStatusPending).
		Group("stage").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Stage] = r.Cnt
	}
	return counts, nil
}

// CountsByStatus returns job counts grouped by status.
func (f *JobFacade) CountsByStatus(ctx context.Context) (map[string]int64, error) {
	db := f.getDB().WithContext(ctx)

	type row struct {
		Status string
		Cnt    int64
	}
	var rows []row
	err := db.Model(&model.EnrichmentJob{}).
		Select("status, count(*) as cnt").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Cnt
	}
	return counts, nil
}
