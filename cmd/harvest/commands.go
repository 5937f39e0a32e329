package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/timmy/bookharvest/internal/dedup"
	"github.com/timmy/bookharvest/internal/domain"
	"github.com/timmy/bookharvest/internal/logger"
	"github.com/timmy/bookharvest/internal/ratelimit"
	"github.com/timmy/bookharvest/internal/repository"
	"github.com/timmy/bookharvest/internal/source"
	"github.com/timmy/bookharvest/internal/source/archive"
	"github.com/timmy/bookharvest/internal/source/manifest"
	"github.com/timmy/bookharvest/internal/service"
	"github.com/timmy/bookharvest/internal/storage"
)

func (a *app) archiveClient() *archive.Client {
	return archive.NewClient(archive.Config{
		BaseURL:   a.cfg.Archive.BaseURL,
		UserAgent: a.cfg.Archive.UserAgent,
		Timeout:   a.cfg.Archive.Timeout,
		Fields:    a.cfg.Archive.Fields,
	})
}

// runPhase records a phase run around fn and logs its final counts.
func (a *app) runPhase(ctx context.Context, phase domain.Phase, params interface{}, fn func(context.Context) (*service.PhaseStats, error)) error {
	ctx, run := a.recorder.Start(ctx, phase, params)
	stats, err := fn(ctx)
	a.recorder.Finish(ctx, run, stats, err)

	entry := logger.FromContext(ctx)
	if stats != nil {
		entry = entry.WithFields(stats.Fields())
	}
	switch {
	case err == nil:
		entry.Info("Phase completed")
	case errors.Is(err, context.Canceled):
		entry.Warn("Phase interrupted, progress saved")
		return nil
	default:
		return err
	}
	return nil
}

func runIndex(ctx context.Context, a *app, args []string) error {
	cfg := a.cfg.Index
	fs := newFlagSet("index")
	query := fs.String("query", cfg.Query, "remote search query")
	dateFrom := fs.String("date-from", cfg.DateFrom, "earliest publication date (inclusive)")
	dateTo := fs.String("date-to", cfg.DateTo, "latest publication date (inclusive)")
	pageSize := fs.Int("page-size", a.cfg.Archive.PageSize, "items requested per page")
	batchDelay := fs.Duration("batch-delay", cfg.BatchDelay, "minimum spacing between page requests")
	maxEmpty := fs.Int("max-empty-pages", cfg.MaxEmptyPages, "consecutive empty pages that end the scan")
	manifestPath := fs.String("manifest", "", "read the catalog from a JSONL dump instead of the remote API")
	restart := fs.Bool("restart", false, "ignore the saved cursor and rescan from the beginning")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var src source.CatalogSource = a.archiveClient()
	if *manifestPath != "" {
		src = manifest.NewAdapter(*manifestPath)
	}

	opts := &service.IndexOptions{
		Query:         *query,
		DateFrom:      *dateFrom,
		DateTo:        *dateTo,
		PageSize:      *pageSize,
		BatchDelay:    *batchDelay,
		MaxEmptyPages: *maxEmpty,
		MaxRetries:    cfg.MaxRetries,
		Restart:       *restart,
	}
	builder := service.NewIndexBuilder(a.catalog, a.state, src, a.log)

	return a.runPhase(ctx, domain.PhaseIndex, opts, func(ctx context.Context) (*service.PhaseStats, error) {
		stats, err := builder.Run(ctx, opts)
		if errors.Is(err, service.ErrIndexComplete) {
			return stats, nil
		}
		return stats, err
	})
}

func runEnrich(ctx context.Context, a *app, args []string) error {
	cfg := a.cfg.Enrich
	fs := newFlagSet("enrich")
	workers := fs.Int("workers", cfg.Workers, "concurrent workers, each with its own rate limiter")
	minQuality := fs.Float64("min-quality", cfg.MinQuality, "lowest quality score to enrich")
	maxQuality := fs.Float64("max-quality", cfg.MaxQuality, "highest quality score to enrich")
	flushEvery := fs.Int("flush-every", cfg.FlushEvery, "persist after this many enriched items")
	flushInterval := fs.Duration("flush-interval", cfg.FlushInterval, "persist at least this often")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *minQuality > *maxQuality {
		return fmt.Errorf("--min-quality %.2f exceeds --max-quality %.2f", *minQuality, *maxQuality)
	}

	opts := &service.EnrichOptions{
		Workers:       *workers,
		MinQuality:    *minQuality,
		MaxQuality:    *maxQuality,
		FlushEvery:    *flushEvery,
		FlushInterval: *flushInterval,
		MaxRetries:    a.cfg.RateLimit.MaxRetries,
		RateLimit:     ratelimit.FromConfig(a.cfg.RateLimit),
	}
	enricher := service.NewEnricher(a.catalog, a.archiveClient(), a.log)
	return a.runPhase(ctx, domain.PhaseEnrich, opts, func(ctx context.Context) (*service.PhaseStats, error) {
		return enricher.Run(ctx, opts)
	})
}

func runDownload(ctx context.Context, a *app, args []string) error {
	cfg := a.cfg.Download
	fs := newFlagSet("download")
	workers := fs.Int("workers", cfg.Workers, "concurrent workers, each with its own rate limiter")
	minQuality := fs.Float64("min-quality", cfg.MinQuality, "lowest quality score to download")
	minPages := fs.Int("min-pages", cfg.MinPages, "lowest page count to download")
	outputDir := fs.String("output-dir", cfg.OutputDir, "directory the text files are written to")
	reference := fs.String("reference", cfg.ReferenceCatalog, "CSV catalog of works to skip")
	retryFailed := fs.Bool("retry-failed", cfg.RetryFailed, "also retry items whose last download failed")
	raw := fs.Bool("raw", false, "write text as fetched even when a cleaner is configured")
	if err := fs.Parse(args); err != nil {
		return err
	}

	opts := &service.DownloadOptions{
		Workers:     *workers,
		MinQuality:  *minQuality,
		MinPages:    *minPages,
		OutputDir:   *outputDir,
		RetryFailed: *retryFailed,
		MaxRetries:  a.cfg.RateLimit.MaxRetries,
		RateLimit:   ratelimit.FromConfig(a.cfg.RateLimit),
	}
	if *reference != "" {
		ref, err := service.LoadReferenceCatalog(*reference)
		if err != nil {
			return err
		}
		a.log.WithFields(logger.Fields{"path": *reference, "works": ref.Len()}).Info("Reference catalog loaded")
		opts.Exclude = ref
	}

	var cleaner service.TextCleaner
	if a.cfg.Cleaner.Enabled && !*raw {
		cleaner = service.NewHTTPCleaner(&service.CleanerConfig{
			BaseURL: a.cfg.Cleaner.BaseURL,
			APIKey:  a.cfg.Cleaner.APIKey,
			Timeout: a.cfg.Cleaner.Timeout,
		})
	}

	downloader := service.NewDownloader(a.catalog, a.archiveClient(), cleaner, a.log)
	return a.runPhase(ctx, domain.PhaseDownload, opts, func(ctx context.Context) (*service.PhaseStats, error) {
		return downloader.Run(ctx, opts)
	})
}

// corpusList collects repeated --corpus flags.
type corpusList []string

func (c *corpusList) String() string     { return strings.Join(*c, ",") }
func (c *corpusList) Set(v string) error { *c = append(*c, v); return nil }

func runDedup(ctx context.Context, a *app, args []string) error {
	cfg := a.cfg.Dedup
	fs := newFlagSet("dedup")
	var corpora corpusList
	fs.Var(&corpora, "corpus", "source=dir of downloaded texts (repeatable)")
	threshold := fs.Float64("threshold", cfg.Threshold, "estimated Jaccard similarity that counts as a near duplicate")
	numPerm := fs.Int("num-perm", cfg.NumPerm, "MinHash signature length")
	prefer := fs.String("prefer", strings.Join(cfg.Prefer, ","), "comma-separated source preference, most preferred first")
	outputDir := fs.String("output-dir", cfg.OutputDir, "directory the merged corpus is written to")
	workers := fs.Int("workers", cfg.Workers, "concurrent file readers")
	publish := fs.Bool("publish", a.cfg.Storage.Enabled, "upload survivors to object storage")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(corpora) == 0 {
		fs.Usage()
		return fmt.Errorf("at least one --corpus is required")
	}
	var parsed []dedup.Corpus
	for _, spec := range corpora {
		c, err := dedup.ParseCorpus(spec)
		if err != nil {
			return err
		}
		parsed = append(parsed, c)
	}

	opts := dedup.Options{
		Threshold:   *threshold,
		NumPerm:     *numPerm,
		ShingleSize: cfg.ShingleSize,
		MinWords:    cfg.MinWords,
		Prefer:      splitList(*prefer),
	}
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("dedup: %w", err)
	}

	storageCfg := a.cfg.Storage
	storageCfg.Enabled = *publish
	if storageCfg.Enabled && storageCfg.Bucket == "" {
		return fmt.Errorf("--publish requires storage.bucket")
	}

	return a.runPhase(ctx, domain.PhaseDedup, opts, func(ctx context.Context) (*service.PhaseStats, error) {
		start := time.Now()
		store, err := storage.NewStorage(ctx, &storageCfg)
		if err != nil {
			return nil, err
		}

		sketcher := dedup.NewSketcher(opts.NumPerm, opts.ShingleSize, opts.MinWords)
		docs, err := dedup.LoadCorpora(ctx, parsed, sketcher, *workers)
		if err != nil {
			return nil, err
		}

		plan := dedup.NewEngine(opts).Run(docs)
		report := dedup.BuildReport(docs, plan, opts)
		if _, err := dedup.NewWriter(*outputDir, cfg.Report, store, storageCfg.Prefix).Write(ctx, report, plan); err != nil {
			return nil, err
		}
		logger.FromContext(ctx).WithFields(logger.Fields{
			"exact_groups": len(plan.Exact),
			"near_groups":  len(plan.Near),
		}).Info("Duplicate groups resolved")
		return service.NewCountStats(start, int64(len(docs)), int64(len(plan.Survivors)), 0, int64(len(plan.Excluded))), nil
	})
}

func runReset(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("reset")
	enrich := fs.Bool("enrich", false, "return enriched rows to not-attempted")
	all := fs.Bool("all", false, "with --enrich, reset succeeded rows too, not only failed ones")
	downloads := fs.Bool("downloads", false, "return failed downloads to not-attempted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*enrich && !*downloads {
		fs.Usage()
		return fmt.Errorf("nothing to reset: pass --enrich and/or --downloads")
	}

	if *enrich {
		n, err := a.catalog.ResetEnrichment(ctx, !*all)
		if err != nil {
			return fmt.Errorf("reset enrichment: %w", err)
		}
		a.log.WithFields(logger.Fields{"rows": n, "failed_only": !*all}).Info("Enrichment reset")
	}
	if *downloads {
		n, err := a.catalog.ResetDownloadFailures(ctx)
		if err != nil {
			return fmt.Errorf("reset downloads: %w", err)
		}
		a.log.WithField("rows", n).Info("Download failures reset")
	}
	return nil
}

func runStats(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("stats")
	if err := fs.Parse(args); err != nil {
		return err
	}

	stats, err := a.catalog.Stats(ctx)
	if err != nil {
		return err
	}
	resume, err := a.state.GetResume(ctx)
	if err != nil {
		return err
	}
	meta, err := a.state.GetMetadata(ctx)
	if err != nil {
		return err
	}

	out := struct {
		Catalog  *repository.CatalogStats `json:"catalog"`
		Resume   *domain.ResumeState      `json:"resume,omitempty"`
		Metadata map[string]string        `json:"metadata"`
	}{Catalog: stats, Resume: resume, Metadata: meta}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
