package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/timmy/bookharvest/internal/domain"
	"github.com/timmy/bookharvest/internal/logger"
	"github.com/timmy/bookharvest/internal/ratelimit"
	"github.com/timmy/bookharvest/internal/repository"
	"github.com/timmy/bookharvest/internal/source"
)

// locatorSuffixes lists text file suffixes from most to least preferred.
var locatorSuffixes = []string{"_djvu.txt", "_ocr.txt", ".txt"}

// SelectLocator returns the name of the preferred text file in files, or ""
// when the item has none.
func SelectLocator(files []source.File) string {
	for _, suffix := range locatorSuffixes {
		for _, f := range files {
			if strings.HasSuffix(strings.ToLower(f.Name), suffix) {
				return f.Name
			}
		}
	}
	return ""
}

// EnrichOptions holds options for the enrichment phase.
type EnrichOptions struct {
	Workers    int
	MinQuality float64
	MaxQuality float64
	// FlushEvery is the number of newly enriched items that triggers a flush.
	FlushEvery    int
	FlushInterval time.Duration
	MaxRetries    int
	RateLimit     ratelimit.Config
}

// Enricher resolves the text locator of catalog items.
type Enricher struct {
	catalog *repository.CatalogRepository
	items   source.ItemSource
	logger  *logger.Logger
}

// NewEnricher creates a new Enricher.
func NewEnricher(catalog *repository.CatalogRepository, items source.ItemSource, log *logger.Logger) *Enricher {
	return &Enricher{catalog: catalog, items: items, logger: log}
}

func (e *Enricher) log(ctx context.Context) *logger.Logger {
	if l := logger.FromContext(ctx); l != nil {
		return l
	}
	return e.logger
}

// enrichBuffer holds item mutations that have not been written yet. Workers
// append under mu; only the monitor drains it into the store.
type enrichBuffer struct {
	mu         sync.Mutex
	dirty      []*domain.CatalogItem
	sinceFlush int
	flushEvery int
	flushCh    chan struct{}
}

func (b *enrichBuffer) add(item *domain.CatalogItem, apply func(*domain.CatalogItem)) {
	b.mu.Lock()
	apply(item)
	b.dirty = append(b.dirty, item)
	b.sinceFlush++
	due := b.sinceFlush >= b.flushEvery
	b.mu.Unlock()

	if due {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

func (b *enrichBuffer) drain() []*domain.CatalogItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.dirty
	b.dirty = nil
	b.sinceFlush = 0
	return out
}

func (b *enrichBuffer) requeue(items []*domain.CatalogItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirty = append(items, b.dirty...)
}

// Run enriches every not-yet-attempted item inside the quality window.
// Candidates are split into contiguous chunks, one per worker, so no two
// workers touch the same row. Results are persisted by a single monitor
// goroutine, either every FlushEvery items or every FlushInterval.
func (e *Enricher) Run(ctx context.Context, opts *EnrichOptions) (*PhaseStats, error) {
	stats := newPhaseStats()

	candidates, err := e.catalog.ListEnrichCandidates(ctx, opts.MinQuality, opts.MaxQuality)
	if err != nil {
		return stats.finish(), fmt.Errorf("list enrich candidates: %w", err)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	buf := &enrichBuffer{flushEvery: opts.FlushEvery, flushCh: make(chan struct{}, 1)}
	if buf.flushEvery <= 0 {
		buf.flushEvery = 100
	}
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	e.log(ctx).WithFields(logger.Fields{
		"candidates":  len(candidates),
		"workers":     workers,
		"min_quality": opts.MinQuality,
		"max_quality": opts.MaxQuality,
	}).Info("Starting enrichment")

	done := make(chan struct{})
	monitorErr := make(chan error, 1)
	go func() {
		monitorErr <- e.monitor(ctx, buf, interval, done)
	}()

	var wg sync.WaitGroup
	for i, chunk := range partition(candidates, workers) {
		wg.Add(1)
		go func(workerID int, chunk []*domain.CatalogItem) {
			defer wg.Done()
			e.worker(logger.SetWorker(ctx, workerID), chunk, buf, stats, opts)
		}(i, chunk)
	}
	wg.Wait()
	close(done)

	if err := <-monitorErr; err != nil {
		return stats.finish(), err
	}

	stats.finish()
	e.log(ctx).WithFields(stats.Fields()).Info("Enrichment completed")
	return stats, ctx.Err()
}

func (e *Enricher) worker(ctx context.Context, chunk []*domain.CatalogItem, buf *enrichBuffer, stats *PhaseStats, opts *EnrichOptions) {
	lim := ratelimit.New(opts.RateLimit)

	for _, item := range chunk {
		if ctx.Err() != nil {
			return
		}

		itemCtx := detach(ctx, item.Identifier)
		files, err := withRetries(itemCtx, interruptible{Limiter: lim, phase: ctx}, opts.MaxRetries, func(ctx context.Context) ([]source.File, error) {
			return e.items.ListFiles(ctx, item.Identifier)
		})
		if interrupted(ctx, err) {
			// no attempt finished; the item stays not-attempted
			return
		}

		stats.attempted()
		now := time.Now()
		switch {
		case err == nil || errors.Is(err, source.ErrNotFound) || errors.Is(err, source.ErrMalformed):
			locator := ""
			if err == nil {
				locator = SelectLocator(files)
			}
			buf.add(item, func(it *domain.CatalogItem) { it.MarkEnriched(locator, now) })
			if locator == "" {
				stats.skipped()
			} else {
				stats.succeeded()
			}
		default:
			buf.add(item, func(it *domain.CatalogItem) { it.MarkEnrichFailed(now) })
			stats.failed(item.Identifier, err)
			logger.CtxWarn(itemCtx, "Enrichment failed: %v", err)
		}
	}
}

// monitor is the only writer during enrichment. The final flush runs after
// the workers stop, even when ctx was cancelled.
func (e *Enricher) monitor(ctx context.Context, buf *enrichBuffer, interval time.Duration, done <-chan struct{}) error {
	ctx = logger.SetComponent(ctx, "checkpoint")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	flush := func(ctx context.Context) error {
		items := buf.drain()
		if len(items) == 0 {
			return nil
		}
		start := time.Now()
		if err := e.catalog.SaveEnrichment(ctx, items); err != nil {
			buf.requeue(items)
			return err
		}
		logger.With(logger.Fields{}).
			WithCount(len(items)).
			WithDuration(time.Since(start).Milliseconds()).
			Info(ctx, "Enrichment checkpoint flushed")
		return nil
	}

	for {
		select {
		case <-done:
			if err := flush(context.WithoutCancel(ctx)); err != nil {
				return fmt.Errorf("final enrichment flush: %w", err)
			}
			return nil
		case <-ticker.C:
		case <-buf.flushCh:
		}
		if ctx.Err() != nil {
			continue
		}
		if err := flush(ctx); err != nil {
			e.log(ctx).WithError(err).Error("Enrichment flush failed, will retry")
		}
	}
}

// partition splits items into at most n contiguous chunks of near-equal size.
func partition[T any](items []T, n int) [][]T {
	if n <= 0 {
		n = 1
	}
	if n > len(items) {
		n = len(items)
	}
	chunks := make([][]T, 0, n)
	start := 0
	for i := 0; i < n; i++ {
		size := len(items) / n
		if i < len(items)%n {
			size++
		}
		chunks = append(chunks, items[start:start+size])
		start += size
	}
	return chunks
}
