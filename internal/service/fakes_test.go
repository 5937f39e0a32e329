package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/timmy/bookharvest/internal/config"
	"github.com/timmy/bookharvest/internal/domain"
	"github.com/timmy/bookharvest/internal/ratelimit"
	"github.com/timmy/bookharvest/internal/repository"
	"github.com/timmy/bookharvest/internal/source"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:        "sqlite",
		Path:          filepath.Join(t.TempDir(), "catalog.db"),
		BusyTimeoutMs: 5000,
		AutoMigrate:   true,
		LogLevel:      "silent",
	})
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func fastLimits() ratelimit.Config {
	return ratelimit.Config{
		BaseDelay:     time.Millisecond,
		MinDelay:      time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
		SpeedupFactor: 0.9,
		SuccessStreak: 10,
	}
}

func seedCatalog(t *testing.T, repo *repository.CatalogRepository, items ...domain.CatalogItem) {
	t.Helper()
	if _, err := repo.CommitBatch(context.Background(), items, ""); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
}

// fakeCatalog serves fixed pages keyed by cursor.
type fakeCatalog struct {
	mu      sync.Mutex
	pages   map[string]*source.Page
	fail    map[string]error
	cursors []string
}

func (f *fakeCatalog) GetSourceID() string { return "fake" }

func (f *fakeCatalog) FetchPage(ctx context.Context, query, cursor string, count int) (*source.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, cursor)
	if err, ok := f.fail[cursor]; ok {
		return nil, err
	}
	page, ok := f.pages[cursor]
	if !ok {
		return nil, fmt.Errorf("unexpected cursor %q", cursor)
	}
	return page, nil
}

// fakeItems serves file listings and content per identifier.
type fakeItems struct {
	mu      sync.Mutex
	files   map[string][]source.File
	content map[string][]byte
	errs    map[string]error
	listed  map[string]int
	fetched map[string]int
}

func newFakeItems() *fakeItems {
	return &fakeItems{
		files:   map[string][]source.File{},
		content: map[string][]byte{},
		errs:    map[string]error{},
		listed:  map[string]int{},
		fetched: map[string]int{},
	}
}

func (f *fakeItems) ListFiles(ctx context.Context, identifier string) ([]source.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed[identifier]++
	if err, ok := f.errs[identifier]; ok {
		return nil, err
	}
	files, ok := f.files[identifier]
	if !ok {
		return nil, source.ErrNotFound
	}
	return files, nil
}

func (f *fakeItems) FetchContent(ctx context.Context, identifier, filename string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched[identifier]++
	if err, ok := f.errs[identifier]; ok {
		return nil, err
	}
	data, ok := f.content[identifier+"/"+filename]
	if !ok {
		return nil, source.ErrNotFound
	}
	return data, nil
}

// interruptingItems cancels the phase right after a remote call returns,
// as a signal arriving while the call is in flight would.
type interruptingItems struct {
	*fakeItems
	cancel context.CancelFunc
}

func (f interruptingItems) ListFiles(ctx context.Context, identifier string) ([]source.File, error) {
	files, err := f.fakeItems.ListFiles(ctx, identifier)
	f.cancel()
	return files, err
}

func (f interruptingItems) FetchContent(ctx context.Context, identifier, filename string) ([]byte, error) {
	data, err := f.fakeItems.FetchContent(ctx, identifier, filename)
	f.cancel()
	return data, err
}

// blockingItems holds ListFiles for one identifier until release is closed.
type blockingItems struct {
	*fakeItems
	blockOn string
	reached chan struct{}
	release chan struct{}
}

func (f *blockingItems) ListFiles(ctx context.Context, identifier string) ([]source.File, error) {
	if identifier == f.blockOn {
		close(f.reached)
		<-f.release
	}
	return f.fakeItems.ListFiles(ctx, identifier)
}
