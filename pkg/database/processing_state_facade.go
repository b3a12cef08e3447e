package database

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/arxlens/enrichd/pkg/database/model"
	"github.com/arxlens/enrichd/pkg/stage"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ProcessingStateFacadeInterface defines the database operation
// interface for per-paper processing state.
type ProcessingStateFacadeInterface interface {
	// EnsurePaper makes sure a state row exists for the paper.
	EnsurePaper(ctx context.Context, paperID string, priority int) error

	// Get retrieves the state row for a paper.
	Get(ctx context.Context, paperID string) (*model.PaperProcessingState, error)

	// StampStageCompleted records a stage completion and recomputes the
	// completeness score in the same transaction.
	StampStageCompleted(ctx context.Context, paperID string, s stage.Stage) error

	// RecordStageError increments the paper's error counter.
	RecordStageError(ctx context.Context, paperID string) error

	// ResetErrors clears the paper's error counter.
	ResetErrors(ctx context.Context, paperID string) error

	// SetPriority updates the paper's scheduling priority.
	SetPriority(ctx context.Context, paperID string, priority int) error

	// MissingStages returns the stages a paper has not completed, in
	// execution order. Papers without a state row miss everything.
	MissingStages(ctx context.Context, paperID string) ([]stage.Stage, error)

	// ListIncomplete returns papers below full completeness whose error
	// count is under the threshold, most valuable first.
	ListIncomplete(ctx context.Context, filter *IncompleteFilter) ([]*model.PaperProcessingState, error)

	// CompletenessDistribution returns paper counts per score band.
	CompletenessDistribution(ctx context.Context) (map[string]int64, error)
}

// ProcessingStateFacade implements ProcessingStateFacadeInterface
type ProcessingStateFacade struct {
	BaseFacade
}

// NewProcessingStateFacade creates a new ProcessingStateFacade instance
func NewProcessingStateFacade() ProcessingStateFacadeInterface {
	return &ProcessingStateFacade{}
}

// EnsurePaper makes sure a state row exists for the paper.
func (f *ProcessingStateFacade) EnsurePaper(ctx context.Context, paperID string, priority int) error {
	db := f.getDB().WithContext(ctx)
	state := &model.PaperProcessingState{
		PaperID:  paperID,
		Priority: model.ClampPriority(priority),
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "paper_id"}},
		DoNothing: true,
	}).Create(state).Error
}

// Get retrieves the state row for a paper.
func (f *ProcessingStateFacade) Get(ctx context.Context, paperID string) (*model.PaperProcessingState, error) {
	db := f.getDB().WithContext(ctx)
	var state model.PaperProcessingState
	err := db.Where("paper_id = ?", paperID).First(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// completenessScore maps completed-stage count onto 0..100.
func completenessScore(done int) int {
	return int(math.Round(100 * float64(done) / float64(stage.Count())))
}

// StampStageCompleted records a stage completion. The stamp is
// idempotent: re-running a completed stage refreshes the timestamp and
// leaves the score unchanged.
func (f *ProcessingStateFacade) StampStageCompleted(ctx context.Context, paperID string, s stage.Stage) error {
	column, ok := model.StageColumn(string(s))
	if !ok {
		return errors.New("unknown stage " + string(s))
	}
	db := f.getDB().WithContext(ctx)
	now := time.Now()

	return db.Transaction(func(tx *gorm.DB) error {
		query := tx
		if f.isPostgres() {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var state model.PaperProcessingState
		err := query.Where("paper_id = ?", paperID).First(&state).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			state = model.PaperProcessingState{PaperID: paperID, Priority: model.PriorityNormal}
			if err := tx.Create(&state).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		col := state.StageCompletedAt(string(s))
		*col = &now

		done := 0
		for _, st := range stage.ExecutionOrder() {
			if state.StageDone(string(st)) {
				done++
			}
		}

		return tx.Model(&model.PaperProcessingState{}).
			Where("paper_id = ?", paperID).
			Updates(map[string]interface{}{
				column:               now,
				"completeness_score": completenessScore(done),
			}).Error
	})
}

// RecordStageError increments the paper's error counter.
func (f *ProcessingStateFacade) RecordStageError(ctx context.Context, paperID string) error {
	if err := f.EnsurePaper(ctx, paperID, model.PriorityNormal); err != nil {
		return err
	}
	db := f.getDB().WithContext(ctx)
	return db.Model(&model.PaperProcessingState{}).
		Where("paper_id = ?", paperID).
		UpdateColumn("error_count", gorm.Expr("error_count + 1")).Error
}

// ResetErrors clears the paper's error counter.
func (f *ProcessingStateFacade) ResetErrors(ctx context.Context, paperID string) error {
	db := f.getDB().WithContext(ctx)
	return db.Model(&model.PaperProcessingState{}).
		Where("paper_id = ?", paperID).
		UpdateColumn("error_count", 0).Error
}

// SetPriority updates the paper's scheduling priority.
func (f *ProcessingStateFacade) SetPriority(ctx context.Context, paperID string, priority int) error {
	db := f.getDB().WithContext(ctx)
	result := db.Model(&model.PaperProcessingState{}).
		Where("paper_id = ?", paperID).
		UpdateColumn("priority", model.ClampPriority(priority))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return f.EnsurePaper(ctx, paperID, priority)
	}
	return nil
}

// MissingStages returns the stages a paper has not completed.
func (f *ProcessingStateFacade) MissingStages(ctx context.Context, paperID string) ([]stage.Stage, error) {
	state, err := f.Get(ctx, paperID)
	if err != nil {
		return nil, err
	}
	var missing []stage.Stage
	for _, s := range stage.ExecutionOrder() {
		if state == nil || !state.StageDone(string(s)) {
			missing = append(missing, s)
		}
	}
	return missing, nil
}

// IncompleteFilter narrows the backfill candidate query.
type IncompleteFilter struct {
	MaxErrorCount   int // exclusive; papers at or over it are skipped
	CompletenessMin *int
	CompletenessMax *int
	MinPriority     *int
	CreatedAfter    *time.Time
	CreatedBefore   *time.Time
	Limit           int
	Offset          int
}

// ListIncomplete returns papers below full completeness, highest
// priority and least complete first.
func (f *ProcessingStateFacade) ListIncomplete(ctx context.Context, filter *IncompleteFilter) ([]*model.PaperProcessingState, error) {
	if filter == nil {
		filter = &IncompleteFilter{MaxErrorCount: 5}
	}
	db := f.getDB().WithContext(ctx)
	query := db.Model(&model.PaperProcessingState{}).
		Where("completeness_score < ?", 100).
		Where("error_count < ?", filter.MaxErrorCount).
		Order("priority DESC, completeness_score ASC, paper_id ASC")
	if filter.CompletenessMin != nil {
		query = query.Where("completeness_score >= ?", *filter.CompletenessMin)
	}
	if filter.CompletenessMax != nil {
		query = query.Where("completeness_score <= ?", *filter.CompletenessMax)
	}
	if filter.MinPriority != nil {
		query = query.Where("priority >= ?", *filter.MinPriority)
	}
	if filter.CreatedAfter != nil {
		query = query.Where("created_at > ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		query = query.Where("created_at < ?", *filter.CreatedBefore)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit).Offset(filter.Offset)
	}

	var states []model.PaperProcessingState
	if err := query.Find(&states).Error; err != nil {
		return nil, err
	}
	result := make([]*model.PaperProcessingState, len(states))
	for i := range states {
		result[i] = &states[i]
	}
	return result, nil
}

// completenessBands orders the score bands reported by the distribution.
var completenessBands = []struct {
	Name string
	Low  int
	High int
}{
	{"0", 0, 0},
	{"1-24", 1, 24},
	{"25-49", 25, 49},
	{"50-74", 50, 74},
	{"75-99", 75, 99},
	{"100", 100, 100},
}

// CompletenessDistribution returns paper counts per score band.
func (f *ProcessingStateFacade) CompletenessDistribution(ctx context.Context) (map[string]int64, error) {
	db := f.getDB().WithContext(ctx)
	dist := make(map[string]int64, len(completenessBands))
	for _, band := range completenessBands {
		var count int64
		err := db.Model(&model.PaperProcessingState{}).
			Where("completeness_score BETWEEN ? AND ?", band.Low, band.High).
			Count(&count).Error
		if err != nil {
			return nil, err
		}
		dist[band.Name] = count
	}
	return dist, nil
}

// CompletenessBands returns the band names in ascending order.
func CompletenessBands() []string {
	names := make([]string, len(completenessBands))
	for i, band := range completenessBands {
		names[i] = band.Name
	}
	return names
}
