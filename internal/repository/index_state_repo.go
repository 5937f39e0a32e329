package repository

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/bookharvest/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IndexStateRepository handles the resume cursor and index provenance.
type IndexStateRepository struct {
	db *gorm.DB
}

// NewIndexStateRepository creates a new IndexStateRepository.
func NewIndexStateRepository(db *gorm.DB) *IndexStateRepository {
	return &IndexStateRepository{db: db}
}

// GetResume returns the saved scan position, or nil when none was saved.
func (r *IndexStateRepository) GetResume(ctx context.Context) (*domain.ResumeState, error) {
	var state domain.ResumeState
	err := r.db.WithContext(ctx).First(&state, "id = ?", domain.ResumeStateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// MarkComplete flags the scan as finished. The cursor is kept for inspection.
func (r *IndexStateRepository) MarkComplete(ctx context.Context, at time.Time) error {
	state := domain.ResumeState{
		ID:          domain.ResumeStateID,
		LastBatchAt: at,
		CompletedAt: &at,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"completed_at"}),
	}).Create(&state).Error
}

// ClearResume deletes the saved scan position so the next run starts over.
func (r *IndexStateRepository) ClearResume(ctx context.Context) error {
	return r.db.WithContext(ctx).Delete(&domain.ResumeState{}, "id = ?", domain.ResumeStateID).Error
}

// SetMetadata upserts provenance key-value pairs.
func (r *IndexStateRepository) SetMetadata(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	now := time.Now()
	rows := make([]domain.IndexMetadata, 0, len(values))
	for k, v := range values {
		rows = append(rows, domain.IndexMetadata{Key: k, Value: v, UpdatedAt: now})
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rows).Error
}

// GetMetadata returns all provenance pairs.
func (r *IndexStateRepository) GetMetadata(ctx context.Context) (map[string]string, error) {
	var rows []domain.IndexMetadata
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.Key] = row.Value
	}
	return out, nil
}
