package service

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/timmy/bookharvest/internal/domain"
	"github.com/timmy/bookharvest/internal/logger"
	"github.com/timmy/bookharvest/internal/repository"
)

// seedEnriched inserts items and marks each enriched with locator id+".txt".
func seedEnriched(t *testing.T, catalog *repository.CatalogRepository, items ...domain.CatalogItem) {
	t.Helper()
	seedCatalog(t, catalog, items...)
	ctx := context.Background()
	now := time.Now()
	var enriched []*domain.CatalogItem
	for _, it := range items {
		row, err := catalog.Get(ctx, it.Identifier)
		if err != nil {
			t.Fatalf("Get %s: %v", it.Identifier, err)
		}
		row.MarkEnriched(it.Identifier+".txt", now)
		enriched = append(enriched, row)
	}
	if err := catalog.SaveEnrichment(ctx, enriched); err != nil {
		t.Fatalf("SaveEnrichment: %v", err)
	}
}

type upperCleaner struct{}

func (upperCleaner) Clean(ctx context.Context, identifier string, content []byte) ([]byte, error) {
	return bytes.ToUpper(content), nil
}

type failingCleaner struct{}

func (failingCleaner) Clean(ctx context.Context, identifier string, content []byte) ([]byte, error) {
	return nil, errors.New("cleaner unavailable")
}

func TestSanitizeIdentifier(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{in: "plain_id-1.v2", want: "plain_id-1.v2"},
		{in: "a/b\\c", want: "a_b_c"},
		{in: "über book", want: "_ber_book"},
		{in: "..", want: "___"},
		{in: "", want: "_"},
	}
	for _, tc := range testCases {
		if got := SanitizeIdentifier(tc.in); got != tc.want {
			t.Errorf("SanitizeIdentifier(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDownloadWritesTextAndRecordsOutcome(t *testing.T) {
	ctx := context.Background()
	catalog := repository.NewCatalogRepository(newTestDB(t))
	seedEnriched(t, catalog,
		domain.CatalogItem{Identifier: "good", QualityScore: 0.9, ImageCount: 120},
		domain.CatalogItem{Identifier: "gone", QualityScore: 0.9, ImageCount: 120},
		domain.CatalogItem{Identifier: "thin", QualityScore: 0.9, ImageCount: 5},
		domain.CatalogItem{Identifier: "noisy", QualityScore: 0.3, ImageCount: 120},
	)

	items := newFakeItems()
	items.content["good/good.txt"] = []byte("call me ishmael")
	items.content["thin/thin.txt"] = []byte("short")
	items.content["noisy/noisy.txt"] = []byte("noise")

	out := t.TempDir()
	d := NewDownloader(catalog, items, nil, logger.GetDefault())
	stats, err := d.Run(ctx, &DownloadOptions{
		Workers:    2,
		MinQuality: 0.6,
		MinPages:   50,
		OutputDir:  out,
		MaxRetries: 1,
		RateLimit:  fastLimits(),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Attempted != 2 || stats.Succeeded != 1 || stats.Failed != 1 {
		t.Errorf("unexpected stats: %+v", stats.Fields())
	}
	if items.fetched["gone"] != 1 {
		t.Errorf("not-found content fetched %d times, want 1", items.fetched["gone"])
	}

	data, err := os.ReadFile(filepath.Join(out, "good.txt"))
	if err != nil || string(data) != "call me ishmael" {
		t.Errorf("good.txt = %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(out, "gone.txt")); !os.IsNotExist(err) {
		t.Errorf("failed item left a file behind: %v", err)
	}
	entries, _ := os.ReadDir(out)
	if len(entries) != 1 {
		t.Errorf("output dir holds %d entries, want 1", len(entries))
	}

	good, _ := catalog.Get(ctx, "good")
	if good.DownloadState != domain.PhaseDone || good.DownloadedAt == nil {
		t.Errorf("good not marked done: %+v", good)
	}
	gone, _ := catalog.Get(ctx, "gone")
	if gone.DownloadState != domain.PhaseFailed || gone.DownloadFailedAt == nil {
		t.Errorf("gone not marked failed: %+v", gone)
	}
	thin, _ := catalog.Get(ctx, "thin")
	if thin.DownloadState != domain.PhasePending {
		t.Errorf("filtered item was touched: %s", thin.DownloadState)
	}
}

func TestDownloadRetryFailed(t *testing.T) {
	ctx := context.Background()
	catalog := repository.NewCatalogRepository(newTestDB(t))
	seedEnriched(t, catalog, domain.CatalogItem{Identifier: "flaky", QualityScore: 0.9, ImageCount: 100})

	items := newFakeItems()
	out := t.TempDir()
	d := NewDownloader(catalog, items, nil, logger.GetDefault())
	opts := &DownloadOptions{Workers: 1, OutputDir: out, RateLimit: fastLimits()}

	if _, err := d.Run(ctx, opts); err != nil {
		t.Fatalf("first run: %v", err)
	}
	items.content["flaky/flaky.txt"] = []byte("now available")

	stats, err := d.Run(ctx, opts)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.Attempted != 0 {
		t.Errorf("failed item retried without RetryFailed")
	}

	opts.RetryFailed = true
	stats, err = d.Run(ctx, opts)
	if err != nil {
		t.Fatalf("retry run: %v", err)
	}
	if stats.Succeeded != 1 {
		t.Errorf("retry succeeded = %d, want 1", stats.Succeeded)
	}
	flaky, _ := catalog.Get(ctx, "flaky")
	if flaky.DownloadState != domain.PhaseDone || flaky.DownloadFailedAt != nil {
		t.Errorf("retried item = %s failed_at=%v", flaky.DownloadState, flaky.DownloadFailedAt)
	}
}

func TestDownloadCleanerAndExclusion(t *testing.T) {
	ctx := context.Background()
	catalog := repository.NewCatalogRepository(newTestDB(t))
	seedEnriched(t, catalog,
		domain.CatalogItem{Identifier: "keep", Title: "Walden", Creator: domain.StringArray{"Thoreau, Henry David"}, QualityScore: 0.9},
		domain.CatalogItem{Identifier: "known", Title: "The Scarlet Letter", Creator: domain.StringArray{"Hawthorne, Nathaniel"}, QualityScore: 0.9},
	)

	ref := NewReferenceCatalog()
	ref.Add("Scarlet Letter", "Nathaniel Hawthorne")

	items := newFakeItems()
	items.content["keep/keep.txt"] = []byte("walden")
	items.content["known/known.txt"] = []byte("letter")

	out := t.TempDir()
	d := NewDownloader(catalog, items, upperCleaner{}, logger.GetDefault())
	stats, err := d.Run(ctx, &DownloadOptions{Workers: 1, OutputDir: out, RateLimit: fastLimits(), Exclude: ref})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Skipped != 1 || stats.Succeeded != 1 {
		t.Errorf("unexpected stats: %+v", stats.Fields())
	}
	if items.fetched["known"] != 0 {
		t.Errorf("excluded item was fetched")
	}
	data, _ := os.ReadFile(filepath.Join(out, "keep.txt"))
	if string(data) != "WALDEN" {
		t.Errorf("cleaned content = %q", data)
	}
	known, _ := catalog.Get(ctx, "known")
	if known.DownloadState != domain.PhasePending {
		t.Errorf("excluded item state = %s, want pending", known.DownloadState)
	}

	// A cleaner failure is a per-item failure.
	catalog2 := repository.NewCatalogRepository(newTestDB(t))
	seedEnriched(t, catalog2, domain.CatalogItem{Identifier: "keep", QualityScore: 0.9})
	d = NewDownloader(catalog2, items, failingCleaner{}, logger.GetDefault())
	stats, err = d.Run(ctx, &DownloadOptions{Workers: 1, OutputDir: t.TempDir(), RateLimit: fastLimits()})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("cleaner failure not counted: %+v", stats.Fields())
	}
}

func TestDownloadFinishesInFlightItemOnInterrupt(t *testing.T) {
	catalog := repository.NewCatalogRepository(newTestDB(t))
	seedEnriched(t, catalog,
		domain.CatalogItem{Identifier: "a", QualityScore: 0.9, ImageCount: 100},
		domain.CatalogItem{Identifier: "b", QualityScore: 0.9, ImageCount: 100},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	items := newFakeItems()
	items.content["a/a.txt"] = []byte("first")
	items.content["b/b.txt"] = []byte("second")

	out := t.TempDir()
	d := NewDownloader(catalog, interruptingItems{fakeItems: items, cancel: cancel}, nil, logger.GetDefault())
	stats, err := d.Run(ctx, &DownloadOptions{Workers: 1, OutputDir: out, RateLimit: fastLimits()})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if stats.Attempted != 1 || stats.Succeeded != 1 {
		t.Errorf("unexpected stats: %+v", stats.Fields())
	}

	if data, err := os.ReadFile(filepath.Join(out, "a.txt")); err != nil || string(data) != "first" {
		t.Errorf("a.txt = %q, %v", data, err)
	}
	a, _ := catalog.Get(context.Background(), "a")
	if a.DownloadState != domain.PhaseDone || a.DownloadedAt == nil {
		t.Errorf("in-flight item not recorded: state=%s", a.DownloadState)
	}
	b, _ := catalog.Get(context.Background(), "b")
	if b.DownloadState != domain.PhasePending || items.fetched["b"] != 0 {
		t.Errorf("item after the interrupt was started: state=%s fetched=%d", b.DownloadState, items.fetched["b"])
	}
}
