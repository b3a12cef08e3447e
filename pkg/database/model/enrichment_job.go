package model

import (
	"encoding/json"
	"time"
)

const TableNameEnrichmentJob = "enrichment_jobs"

// Job statuses.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// Priority tiers. Anything else is clamped to the nearest tier on enqueue.
const (
	PriorityLow      = 25
	PriorityNormal   = 50
	PriorityHigh     = 75
	PriorityCritical = 100
)

// EnrichmentJob mapped from table <enrichment_jobs>
type EnrichmentJob struct {
	ID             uint64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Stage          string          `gorm:"column:stage;not null;size:64;index:idx_job_claim,priority:2" json:"stage"`
	PaperID        string          `gorm:"column:paper_id;not null;size:128;index" json:"paper_id"`
	BatchID        string          `gorm:"column:batch_id;size:64;index" json:"batch_id,omitempty"`
	Status         string          `gorm:"column:status;not null;size:32;default:'pending';index:idx_job_claim,priority:1" json:"status"`
	Priority       int             `gorm:"column:priority;not null;default:50" json:"priority"`
	IdempotencyKey string          `gorm:"column:idempotency_key;not null;size:64;uniqueIndex" json:"idempotency_key"`
	RetryCount     int             `gorm:"column:retry_count;default:0" json:"retry_count"`
	MaxRetries     int             `gorm:"column:max_retries;default:5" json:"max_retries"`
	WorkerID       string          `gorm:"column:worker_id;size:128" json:"worker_id,omitempty"`
	LeaseExpiresAt *time.Time      `gorm:"column:lease_expires_at;index" json:"lease_expires_at,omitempty"`
	NotBefore      *time.Time      `gorm:"column:not_before" json:"not_before,omitempty"`
	ErrorMessage   string          `gorm:"column:error_message;size:1024" json:"error_message,omitempty"`
	Metadata       json.RawMessage `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	CreatedAt      time.Time       `gorm:"column:created_at;not null;autoCreateTime" json:"created_at"`
	StartedAt      *time.Time      `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time      `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

// TableName EnrichmentJob's table name
func (*EnrichmentJob) TableName() string {
	return TableNameEnrichmentJob
}

// Terminal reports whether the job can no longer change status.
func (j *EnrichmentJob) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ClampPriority snaps an arbitrary value to the nearest tier.
func ClampPriority(p int) int {
	switch {
	case p >= 88:
		return PriorityCritical
	case p >= 63:
		return PriorityHigh
	case p >= 38:
		return PriorityNormal
	default:
		return PriorityLow
	}
}
