package model

import (
	"time"
)

const TableNamePaperProcessingState = "paper_processing_state"

// PaperProcessingState mapped from table <paper_processing_state>.
// One row per paper; a non-nil completed-at column means the stage has
// succeeded at least once.
type PaperProcessingState struct {
	PaperID                  string     `gorm:"column:paper_id;primaryKey;size:128" json:"paper_id"`
	EmbeddingCompletedAt     *time.Time `gorm:"column:embedding_completed_at" json:"embedding_completed_at,omitempty"`
	AIAnalysisCompletedAt    *time.Time `gorm:"column:ai_analysis_completed_at" json:"ai_analysis_completed_at,omitempty"`
	CitationsCompletedAt     *time.Time `gorm:"column:citations_completed_at" json:"citations_completed_at,omitempty"`
	ConceptsCompletedAt      *time.Time `gorm:"column:concepts_completed_at" json:"concepts_completed_at,omitempty"`
	TechniquesCompletedAt    *time.Time `gorm:"column:techniques_completed_at" json:"techniques_completed_at,omitempty"`
	BenchmarksCompletedAt    *time.Time `gorm:"column:benchmarks_completed_at" json:"benchmarks_completed_at,omitempty"`
	GithubCompletedAt        *time.Time `gorm:"column:github_completed_at" json:"github_completed_at,omitempty"`
	DeepAnalysisCompletedAt  *time.Time `gorm:"column:deep_analysis_completed_at" json:"deep_analysis_completed_at,omitempty"`
	RelationshipsCompletedAt *time.Time `gorm:"column:relationships_completed_at" json:"relationships_completed_at,omitempty"`
	ErrorCount               int        `gorm:"column:error_count;default:0" json:"error_count"`
	Priority                 int        `gorm:"column:priority;default:50" json:"priority"`
	CompletenessScore        int        `gorm:"column:completeness_score;default:0;index" json:"completeness_score"`
	CreatedAt                time.Time  `gorm:"column:created_at;not null;autoCreateTime" json:"created_at"`
	UpdatedAt                time.Time  `gorm:"column:updated_at;not null;autoUpdateTime" json:"updated_at"`
}

// TableName PaperProcessingState's table name
func (*PaperProcessingState) TableName() string {
	return TableNamePaperProcessingState
}

// StageCompletedAt returns a pointer to the completion column for the
// named stage, or nil for an unknown stage.
func (s *PaperProcessingState) StageCompletedAt(stage string) **time.Time {
	switch stage {
	case "embedding":
		return &s.EmbeddingCompletedAt
	case "ai_analysis":
		return &s.AIAnalysisCompletedAt
	case "citations":
		return &s.CitationsCompletedAt
	case "concepts":
		return &s.ConceptsCompletedAt
	case "techniques":
		return &s.TechniquesCompletedAt
	case "benchmarks":
		return &s.BenchmarksCompletedAt
	case "github":
		return &s.GithubCompletedAt
	case "deep_analysis":
		return &s.DeepAnalysisCompletedAt
	case "relationships":
		return &s.RelationshipsCompletedAt
	}
	return nil
}

// StageDone reports whether the named stage has completed.
func (s *PaperProcessingState) StageDone(stage string) bool {
	col := s.StageCompletedAt(stage)
	return col != nil && *col != nil
}

// stageColumns maps stage names to their completion column, used by the
// facade when stamping completions.
var stageColumns = map[string]string{
	"embedding":     "embedding_completed_at",
	"ai_analysis":   "ai_analysis_completed_at",
	"citations":     "citations_completed_at",
	"concepts":      "concepts_completed_at",
	"techniques":    "techniques_completed_at",
	"benchmarks":    "benchmarks_completed_at",
	"github":        "github_completed_at",
	"deep_analysis": "deep_analysis_completed_at",
	"relationships": "relationships_completed_at",
}

// StageColumn returns the completion column name for a stage.
func StageColumn(stage string) (string, bool) {
	col, ok := stageColumns[stage]
	return col, ok
}
