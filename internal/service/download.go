package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/timmy/bookharvest/internal/domain"
	"github.com/timmy/bookharvest/internal/logger"
	"github.com/timmy/bookharvest/internal/ratelimit"
	"github.com/timmy/bookharvest/internal/repository"
	"github.com/timmy/bookharvest/internal/source"
)

// TextCleaner repairs downloaded text before it is written. Implementations
// are external; a nil cleaner writes content as fetched.
type TextCleaner interface {
	Clean(ctx context.Context, identifier string, content []byte) ([]byte, error)
}

// Excluder reports items that must not be downloaded, such as works already
// present in a reference corpus.
type Excluder interface {
	Excluded(item *domain.CatalogItem) bool
}

// DownloadOptions holds options for the download phase.
type DownloadOptions struct {
	Workers     int
	MinQuality  float64
	MinPages    int
	OutputDir   string
	RetryFailed bool
	MaxRetries  int
	RateLimit   ratelimit.Config
	Exclude     Excluder
}

// Downloader fetches item text and records the outcome per item.
type Downloader struct {
	catalog *repository.CatalogRepository
	items   source.ItemSource
	cleaner TextCleaner
	logger  *logger.Logger
}

// NewDownloader creates a new Downloader. cleaner may be nil.
func NewDownloader(catalog *repository.CatalogRepository, items source.ItemSource, cleaner TextCleaner, log *logger.Logger) *Downloader {
	return &Downloader{catalog: catalog, items: items, cleaner: cleaner, logger: log}
}

func (d *Downloader) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return d.logger
}

// Run downloads every selected item. Each outcome is committed as soon as
// it is known; a failed item never stops its worker.
func (d *Downloader) Run(ctx context.Context, opts *DownloadOptions) (*PhaseStats, error) {
	stats := newPhaseStats()

	candidates, err := d.catalog.ListDownloadCandidates(ctx, repository.DownloadFilter{
		MinQuality:    opts.MinQuality,
		MinPages:      opts.MinPages,
		IncludeFailed: opts.RetryFailed,
	})
	if err != nil {
		return stats.finish(), fmt.Errorf("list download candidates: %w", err)
	}

	selected := candidates[:0]
	for _, item := range candidates {
		if opts.Exclude != nil && opts.Exclude.Excluded(item) {
			stats.skipped()
			d.log(ctx).WithFields(logger.Fields{
				logger.FieldIdentifier: item.Identifier,
				"title":                item.Title,
				"creator":              item.PrimaryCreator(),
			}).Debug("Skipping work already in the reference catalog")
			continue
		}
		selected = append(selected, item)
	}

	if err := os.MkdirAll(opts.OutputDir, 0755); err != nil {
		return stats.finish(), fmt.Errorf("create output dir: %w", err)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	d.log(ctx).WithFields(logger.Fields{
		"candidates":   len(candidates),
		"selected":     len(selected),
		"workers":      workers,
		"retry_failed": opts.RetryFailed,
		"output_dir":   opts.OutputDir,
	}).Info("Starting download")

	var wg sync.WaitGroup
	for i, chunk := range partition(selected, workers) {
		wg.Add(1)
		go func(workerID int, chunk []*domain.CatalogItem) {
			defer wg.Done()
			d.worker(logger.SetWorker(ctx, workerID), chunk, stats, opts)
		}(i, chunk)
	}
	wg.Wait()

	stats.finish()
	d.log(ctx).WithFields(stats.Fields()).Info("Download completed")
	return stats, ctx.Err()
}

func (d *Downloader) worker(ctx context.Context, chunk []*domain.CatalogItem, stats *PhaseStats, opts *DownloadOptions) {
	lim := ratelimit.New(opts.RateLimit)

	for _, item := range chunk {
		if ctx.Err() != nil {
			return
		}
		itemCtx := detach(ctx, item.Identifier)

		start := time.Now()
		size, err := d.downloadItem(itemCtx, interruptible{Limiter: lim, phase: ctx}, item, opts)
		if interrupted(ctx, err) {
			// no attempt finished; the item stays as it was
			return
		}
		stats.attempted()

		now := time.Now()
		if err != nil {
			stats.failed(item.Identifier, err)
			logger.CtxWarn(itemCtx, "Download failed: %v", err)
			if markErr := d.catalog.MarkDownloadFailed(itemCtx, item, now); markErr != nil {
				d.log(itemCtx).WithError(markErr).Error("Failed to record download failure")
			}
			continue
		}

		if err := d.catalog.MarkDownloaded(itemCtx, item, now); err != nil {
			stats.failed(item.Identifier, err)
			d.log(itemCtx).WithError(err).Error("Failed to record download")
			continue
		}
		stats.succeeded()
		logger.With(logger.Fields{logger.FieldSize: size}).
			WithDuration(time.Since(start).Milliseconds()).
			Debug(itemCtx, "Downloaded")
	}
}

func (d *Downloader) downloadItem(ctx context.Context, lim Limiter, item *domain.CatalogItem, opts *DownloadOptions) (int, error) {
	if !item.HasLocator() {
		return 0, fmt.Errorf("item has no text locator")
	}
	locator := *item.TextLocator

	content, err := withRetries(ctx, lim, opts.MaxRetries, func(ctx context.Context) ([]byte, error) {
		return d.items.FetchContent(ctx, item.Identifier, locator)
	})
	if err != nil {
		return 0, err
	}

	if d.cleaner != nil {
		content, err = d.cleaner.Clean(ctx, item.Identifier, content)
		if err != nil {
			return 0, fmt.Errorf("clean text: %w", err)
		}
	}

	path := filepath.Join(opts.OutputDir, SanitizeIdentifier(item.Identifier)+".txt")
	if err := writeFileAtomic(path, content); err != nil {
		return 0, err
	}
	return len(content), nil
}

// SanitizeIdentifier maps an identifier to a safe file name: anything other
// than ASCII letters, digits, '.', '-' and '_' becomes '_'.
func SanitizeIdentifier(id string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
	if strings.Trim(clean, ".") == "" {
		return strings.Repeat("_", len(clean)+1)
	}
	return clean
}

// writeFileAtomic writes through a temporary file so a partial write never
// leaves a truncated text behind.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".partial-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
