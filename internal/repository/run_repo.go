package repository

import (
	"context"

	"github.com/timmy/bookharvest/internal/domain"
	"gorm.io/gorm"
)

// RunRepository persists the phase run ledger.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a new RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Create inserts a new run row.
func (r *RunRepository) Create(ctx context.Context, run *domain.PhaseRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// Save updates an existing run row with its final counts and status.
func (r *RunRepository) Save(ctx context.Context, run *domain.PhaseRun) error {
	return r.db.WithContext(ctx).Save(run).Error
}

// List returns the most recent runs, optionally filtered by phase.
func (r *RunRepository) List(ctx context.Context, phase domain.Phase, limit int) ([]domain.PhaseRun, error) {
	var runs []domain.PhaseRun
	q := r.db.WithContext(ctx).Order("started_at DESC")
	if phase != "" {
		q = q.Where("phase = ?", phase)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}
