package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/bookharvest/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const insertChunkSize = 500

// CatalogRepository handles catalog item data operations.
type CatalogRepository struct {
	db *gorm.DB
}

// NewCatalogRepository creates a new CatalogRepository.
// Parameters:
//   - db: GORM database handle used for queries.
//
// Returns:
//   - *CatalogRepository: repository instance bound to db.
func NewCatalogRepository(db *gorm.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// CommitBatch inserts a page of items (insert-if-absent) and saves the
// cursor that follows it in one transaction.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - items: catalog rows mapped from one remote page.
//   - cursor: continuation token returned with the page.
//
// Returns:
//   - int64: number of rows actually inserted (existing identifiers are skipped).
//   - error: non-nil if the transaction fails; nothing is committed then.
func (r *CatalogRepository) CommitBatch(ctx context.Context, items []domain.CatalogItem, cursor string) (int64, error) {
	var inserted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(items) > 0 {
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "identifier"}},
				DoNothing: true,
			}).CreateInBatches(&items, insertChunkSize)
			if res.Error != nil {
				return fmt.Errorf("insert items: %w", res.Error)
			}
			inserted = res.RowsAffected
		}

		state := domain.ResumeState{
			ID:          domain.ResumeStateID,
			Cursor:      cursor,
			LastBatchAt: time.Now(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"cursor", "last_batch_at"}),
		}).Create(&state).Error; err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// Count returns the number of catalog rows.
func (r *CatalogRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&domain.CatalogItem{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Get retrieves a catalog item by identifier.
func (r *CatalogRepository) Get(ctx context.Context, identifier string) (*domain.CatalogItem, error) {
	var item domain.CatalogItem
	if err := r.db.WithContext(ctx).First(&item, "identifier = ?", identifier).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// ListEnrichCandidates returns never-enriched items whose quality score is
// inside [minQuality, maxQuality], ordered by identifier.
func (r *CatalogRepository) ListEnrichCandidates(ctx context.Context, minQuality, maxQuality float64) ([]*domain.CatalogItem, error) {
	var items []*domain.CatalogItem
	if err := r.db.WithContext(ctx).
		Where("enrich_state = ?", domain.PhasePending).
		Where("quality_score >= ? AND quality_score <= ?", minQuality, maxQuality).
		Order("identifier").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// SaveEnrichment writes the enrichment outcome of every given item in one transaction.
func (r *CatalogRepository) SaveEnrichment(ctx context.Context, items []*domain.CatalogItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, item := range items {
			if !item.EnrichState.Attempted() {
				return fmt.Errorf("save enrichment for %s: no outcome recorded", item.Identifier)
			}
			if err := tx.Model(&domain.CatalogItem{}).
				Where("identifier = ?", item.Identifier).
				Updates(map[string]interface{}{
					"text_filename": item.TextLocator,
					"enrich_state":  item.EnrichState,
					"enriched_at":   item.EnrichedAt,
				}).Error; err != nil {
				return fmt.Errorf("save enrichment for %s: %w", item.Identifier, err)
			}
		}
		return nil
	})
}

// DownloadFilter selects rows for the download phase.
type DownloadFilter struct {
	MinQuality    float64
	MinPages      int
	IncludeFailed bool
}

// ListDownloadCandidates returns enriched rows with a locator that have not
// been downloaded and pass the quality and page filters, ordered by identifier.
func (r *CatalogRepository) ListDownloadCandidates(ctx context.Context, f DownloadFilter) ([]*domain.CatalogItem, error) {
	states := []domain.PhaseState{domain.PhasePending}
	if f.IncludeFailed {
		states = append(states, domain.PhaseFailed)
	}

	var items []*domain.CatalogItem
	if err := r.db.WithContext(ctx).
		Where("enrich_state <> ?", domain.PhasePending).
		Where("text_filename IS NOT NULL AND text_filename <> ''").
		Where("download_state IN ?", states).
		Where("quality_score >= ?", f.MinQuality).
		Where("imagecount >= ?", f.MinPages).
		Order("identifier").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// MarkDownloaded sets the download state of item to done, clears any
// earlier failure and persists the download columns.
func (r *CatalogRepository) MarkDownloaded(ctx context.Context, item *domain.CatalogItem, at time.Time) error {
	item.MarkDownloaded(at)
	return r.saveDownload(ctx, item)
}

// MarkDownloadFailed records a failed download attempt of item.
func (r *CatalogRepository) MarkDownloadFailed(ctx context.Context, item *domain.CatalogItem, at time.Time) error {
	item.MarkDownloadFailed(at)
	return r.saveDownload(ctx, item)
}

func (r *CatalogRepository) saveDownload(ctx context.Context, item *domain.CatalogItem) error {
	return r.db.WithContext(ctx).Model(&domain.CatalogItem{}).
		Where("identifier = ?", item.Identifier).
		Updates(map[string]interface{}{
			"download_state":     item.DownloadState,
			"downloaded_at":      item.DownloadedAt,
			"download_failed_at": item.DownloadFailedAt,
		}).Error
}

// ResetEnrichment returns enriched rows to the not-attempted state so they
// are picked up by the next enrichment run. Downloaded rows are left alone.
func (r *CatalogRepository) ResetEnrichment(ctx context.Context, failedOnly bool) (int64, error) {
	q := r.db.WithContext(ctx).Model(&domain.CatalogItem{}).
		Where("download_state <> ?", domain.PhaseDone)
	if failedOnly {
		q = q.Where("enrich_state = ?", domain.PhaseFailed)
	} else {
		q = q.Where("enrich_state <> ?", domain.PhasePending)
	}
	res := q.Updates(map[string]interface{}{
		"enrich_state":  domain.PhasePending,
		"enriched_at":   nil,
		"text_filename": nil,
	})
	return res.RowsAffected, res.Error
}

// ResetDownloadFailures returns failed downloads to the not-attempted state.
func (r *CatalogRepository) ResetDownloadFailures(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Model(&domain.CatalogItem{}).
		Where("download_state = ?", domain.PhaseFailed).
		Updates(map[string]interface{}{
			"download_state":     domain.PhasePending,
			"download_failed_at": nil,
		})
	return res.RowsAffected, res.Error
}

// CatalogStats holds row counts per phase state.
type CatalogStats struct {
	Total       int64                       `json:"total"`
	WithLocator int64                       `json:"with_locator"`
	Enrich      map[domain.PhaseState]int64 `json:"enrich"`
	Download    map[domain.PhaseState]int64 `json:"download"`
}

type stateCount struct {
	State domain.PhaseState
	Count int64
}

// Stats counts catalog rows by enrich and download state.
func (r *CatalogRepository) Stats(ctx context.Context) (*CatalogStats, error) {
	stats := &CatalogStats{
		Enrich:   map[domain.PhaseState]int64{},
		Download: map[domain.PhaseState]int64{},
	}

	db := r.db.WithContext(ctx).Model(&domain.CatalogItem{})
	if err := db.Count(&stats.Total).Error; err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Model(&domain.CatalogItem{}).
		Where("text_filename IS NOT NULL AND text_filename <> ''").
		Count(&stats.WithLocator).Error; err != nil {
		return nil, err
	}

	for column, into := range map[string]map[domain.PhaseState]int64{
		"enrich_state":   stats.Enrich,
		"download_state": stats.Download,
	} {
		var rows []stateCount
		if err := r.db.WithContext(ctx).Model(&domain.CatalogItem{}).
			Select(column + " AS state, COUNT(*) AS count").
			Group(column).
			Scan(&rows).Error; err != nil {
			return nil, err
		}
		for _, row := range rows {
			into[row.State] = row.Count
		}
	}
	return stats, nil
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
