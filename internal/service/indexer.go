package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/timmy/bookharvest/internal/domain"
	"github.com/timmy/bookharvest/internal/logger"
	"github.com/timmy/bookharvest/internal/repository"
	"github.com/timmy/bookharvest/internal/source"
	"golang.org/x/time/rate"
)

// ErrIndexComplete is returned when the index was already built and no restart was requested.
var ErrIndexComplete = errors.New("index already complete")

// IndexOptions holds options for building the catalog index.
type IndexOptions struct {
	Query    string
	DateFrom string
	DateTo   string
	PageSize int
	// BatchDelay is the minimum spacing between page requests.
	BatchDelay    time.Duration
	MaxEmptyPages int
	MaxRetries    int
	// Restart ignores a saved cursor and a completed marker.
	Restart bool
}

// IndexBuilder pages through the remote catalog into the catalog store.
type IndexBuilder struct {
	catalog *repository.CatalogRepository
	state   *repository.IndexStateRepository
	src     source.CatalogSource
	logger  *logger.Logger
}

// NewIndexBuilder creates a new IndexBuilder.
func NewIndexBuilder(
	catalog *repository.CatalogRepository,
	state *repository.IndexStateRepository,
	src source.CatalogSource,
	log *logger.Logger,
) *IndexBuilder {
	return &IndexBuilder{catalog: catalog, state: state, src: src, logger: log}
}

func (b *IndexBuilder) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return b.logger
}

// BuildQuery appends a date range clause to query when either bound is set.
func BuildQuery(query, dateFrom, dateTo string) string {
	if dateFrom == "" && dateTo == "" {
		return query
	}
	from, to := dateFrom, dateTo
	if from == "" {
		from = "*"
	}
	if to == "" {
		to = "*"
	}
	return fmt.Sprintf("%s AND date:[%s TO %s]", query, from, to)
}

// Run scans the remote catalog from the saved cursor until it is exhausted.
// Each page is committed together with the cursor that follows it, so an
// interrupted run resumes at the last committed page. A page that cannot be
// fetched within the retry budget stops the run with an error; everything
// committed before it is kept.
func (b *IndexBuilder) Run(ctx context.Context, opts *IndexOptions) (*PhaseStats, error) {
	stats := newPhaseStats()
	query := BuildQuery(opts.Query, opts.DateFrom, opts.DateTo)

	resume, err := b.state.GetResume(ctx)
	if err != nil {
		return stats.finish(), fmt.Errorf("read resume state: %w", err)
	}
	if opts.Restart && resume != nil {
		if err := b.state.ClearResume(ctx); err != nil {
			return stats.finish(), fmt.Errorf("clear resume state: %w", err)
		}
		resume = nil
	}
	if resume.Completed() {
		b.log(ctx).WithField("completed_at", resume.CompletedAt).Info("Index already complete, use restart to rescan")
		return stats.finish(), ErrIndexComplete
	}

	if err := b.recordProvenance(ctx, query, opts); err != nil {
		return stats.finish(), err
	}

	cursor := ""
	if resume != nil {
		cursor = resume.Cursor
	}

	stored, err := b.catalog.Count(ctx)
	if err != nil {
		return stats.finish(), fmt.Errorf("count catalog: %w", err)
	}

	b.log(ctx).WithFields(logger.Fields{
		"query":   query,
		"resumed": cursor != "",
		"stored":  stored,
	}).Info("Starting index build")

	pacer := rate.NewLimiter(rate.Inf, 1)
	if opts.BatchDelay > 0 {
		pacer = rate.NewLimiter(rate.Every(opts.BatchDelay), 1)
	}
	maxEmpty := opts.MaxEmptyPages
	if maxEmpty <= 0 {
		maxEmpty = 2
	}

	// scanned approximates the scan position for the remote total check
	scanned := int64(0)
	if cursor != "" {
		scanned = stored
	}
	emptyPages := 0
	for {
		if err := pacer.Wait(ctx); err != nil {
			return stats.finish(), err
		}

		page, err := b.fetchPage(ctx, query, cursor, opts)
		if err != nil {
			return stats.finish(), err
		}

		rows := make([]domain.CatalogItem, 0, len(page.Items))
		for _, raw := range page.Items {
			rows = append(rows, toCatalogItem(raw))
		}

		inserted, err := b.catalog.CommitBatch(ctx, rows, page.Cursor)
		if err != nil {
			return stats.finish(), fmt.Errorf("commit batch: %w", err)
		}

		atomic.AddInt64(&stats.Attempted, int64(len(rows)))
		atomic.AddInt64(&stats.Succeeded, inserted)
		atomic.AddInt64(&stats.Skipped, int64(len(rows))-inserted)
		stored += inserted
		scanned += int64(len(rows))

		logger.With(logger.Fields{
			"inserted": inserted,
			"stored":   stored,
			"total":    page.Total,
		}).WithCount(len(rows)).Info(ctx, "Batch committed")

		if len(page.Items) == 0 {
			emptyPages++
		} else {
			emptyPages = 0
		}

		if reason := stopReason(page, emptyPages, maxEmpty, scanned); reason != "" {
			b.log(ctx).WithFields(logger.Fields{
				"reason":      reason,
				"empty_pages": emptyPages,
				"total":       page.Total,
			}).Info("Index scan finished")
			break
		}
		cursor = page.Cursor
	}

	if err := b.state.MarkComplete(ctx, time.Now()); err != nil {
		return stats.finish(), fmt.Errorf("mark index complete: %w", err)
	}
	stats.finish()
	b.log(ctx).WithFields(stats.Fields()).Info("Index build completed")
	return stats, nil
}

// fetchPage retries transient failures with exponential backoff.
func (b *IndexBuilder) fetchPage(ctx context.Context, query, cursor string, opts *IndexOptions) (*source.Page, error) {
	backoff := opts.BatchDelay
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			b.log(ctx).WithFields(logger.Fields{
				"attempt": attempt,
				"backoff": backoff.String(),
			}).WithError(lastErr).Warn("Retrying page fetch")
			if err := sleep(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
		}

		page, err := b.src.FetchPage(ctx, query, cursor, opts.PageSize)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !source.IsTransient(err) {
			return nil, fmt.Errorf("fetch page: %w", err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("fetch page after %d attempts: %w", opts.MaxRetries+1, lastErr)
}

func (b *IndexBuilder) recordProvenance(ctx context.Context, query string, opts *IndexOptions) error {
	meta, err := b.state.GetMetadata(ctx)
	if err != nil {
		return fmt.Errorf("read index metadata: %w", err)
	}
	values := map[string]string{
		domain.MetaQuery:    query,
		domain.MetaDateFrom: opts.DateFrom,
		domain.MetaDateTo:   opts.DateTo,
		domain.MetaSource:   b.src.GetSourceID(),
	}
	if _, ok := meta[domain.MetaCreatedAt]; !ok || opts.Restart {
		values[domain.MetaCreatedAt] = time.Now().UTC().Format(time.RFC3339)
	}
	if err := b.state.SetMetadata(ctx, values); err != nil {
		return fmt.Errorf("write index metadata: %w", err)
	}
	return nil
}

// stopReason returns why the scan ends after page, or "" to continue.
func stopReason(page *source.Page, emptyPages, maxEmpty int, scanned int64) string {
	switch {
	case page.Cursor == "":
		return "exhausted"
	case emptyPages >= maxEmpty:
		return "empty_pages"
	case page.Total > 0 && scanned >= page.Total:
		return "reached_total"
	default:
		return ""
	}
}

func toCatalogItem(raw source.RawItem) domain.CatalogItem {
	return domain.CatalogItem{
		Identifier:    raw.Identifier,
		Title:         raw.Title,
		Creator:       domain.StringArray(raw.Creator),
		Date:          raw.Date,
		Year:          raw.Year,
		Collections:   domain.StringArray(raw.Collections),
		Subject:       domain.StringArray(raw.Subject),
		Format:        domain.StringArray(raw.Format),
		ImageCount:    raw.ImageCount,
		QualityScore:  QualityScore(raw.Collections),
		EnrichState:   domain.PhasePending,
		DownloadState: domain.PhasePending,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
