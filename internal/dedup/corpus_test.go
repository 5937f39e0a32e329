package dedup

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func writeText(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestParseCorpus(t *testing.T) {
	c, err := ParseCorpus("gutenberg=/data/pg")
	if err != nil || c.Source != "gutenberg" || c.Dir != "/data/pg" {
		t.Errorf("ParseCorpus = %+v, %v", c, err)
	}
	c, err = ParseCorpus("/data/ia/")
	if err != nil || c.Source != "ia" {
		t.Errorf("bare dir: ParseCorpus = %+v, %v", c, err)
	}
	if _, err := ParseCorpus("=x"); err == nil {
		t.Error("expected error for empty source")
	}
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memStore) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memStore) GetURL(key string) string { return "mem://" + key }

func TestLoadAndWriteMergedCorpus(t *testing.T) {
	root := t.TempDir()
	text := strings.Join(wordsText(3, 120), " ")
	writeText(t, filepath.Join(root, "ia", "book.txt"), text)
	writeText(t, filepath.Join(root, "pg", "pg1.txt"), text)
	writeText(t, filepath.Join(root, "pg", "other.txt"), strings.Join(wordsText(8, 120), " "))
	writeText(t, filepath.Join(root, "pg", "notes.md"), text)

	ctx := context.Background()
	corpora := []Corpus{
		{Source: "ia", Dir: filepath.Join(root, "ia")},
		{Source: "gutenberg", Dir: filepath.Join(root, "pg")},
	}
	opts := DefaultOptions()
	docs, err := LoadCorpora(ctx, corpora, NewSketcher(opts.NumPerm, opts.ShingleSize, opts.MinWords), 2)
	if err != nil {
		t.Fatalf("LoadCorpora failed: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("loaded %d documents, want 3", len(docs))
	}

	plan := NewEngine(opts).Run(docs)
	if len(plan.Exact) != 1 || len(plan.Survivors) != 2 {
		t.Fatalf("exact groups = %d, survivors = %d", len(plan.Exact), len(plan.Survivors))
	}

	out := filepath.Join(root, "merged")
	store := &memStore{objects: map[string][]byte{}}
	report, err := NewWriter(out, "", store, "corpus").Write(ctx, BuildReport(docs, plan, opts), plan)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(out, "gutenberg", "pg1.txt")); err != nil {
		t.Errorf("preferred copy missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "ia", "book.txt")); !os.IsNotExist(err) {
		t.Errorf("excluded copy was written")
	}
	if got, ok := store.objects["corpus/gutenberg/pg1.txt"]; !ok || !bytes.Equal(got, []byte(text)) {
		t.Errorf("survivor not published")
	}
	if report.Published != 2 {
		t.Errorf("published = %d, want 2", report.Published)
	}

	data, err := os.ReadFile(filepath.Join(out, "dedup_report.json"))
	if err != nil {
		t.Fatalf("report missing: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if decoded.Documents != 3 || decoded.Excluded != 1 || len(decoded.Groups) != 1 {
		t.Errorf("unexpected report: %+v", decoded)
	}
}

func TestWriteKeepsNestedFilesWithSameName(t *testing.T) {
	root := t.TempDir()
	first := strings.Join(wordsText(11, 120), " ")
	second := strings.Join(wordsText(12, 120), " ")
	writeText(t, filepath.Join(root, "ia", "v1", "book.txt"), first)
	writeText(t, filepath.Join(root, "ia", "v2", "book.txt"), second)

	ctx := context.Background()
	opts := DefaultOptions()
	docs, err := LoadCorpora(ctx, []Corpus{{Source: "ia", Dir: filepath.Join(root, "ia")}},
		NewSketcher(opts.NumPerm, opts.ShingleSize, opts.MinWords), 2)
	if err != nil {
		t.Fatalf("LoadCorpora failed: %v", err)
	}
	ids := map[string]bool{}
	for _, d := range docs {
		ids[d.ID] = true
	}
	if !ids["v1/book"] || !ids["v2/book"] {
		t.Errorf("document IDs = %v, want corpus-relative v1/book and v2/book", ids)
	}

	plan := NewEngine(opts).Run(docs)
	if len(plan.Survivors) != 2 {
		t.Fatalf("survivors = %d, want 2", len(plan.Survivors))
	}

	out := filepath.Join(root, "merged")
	store := &memStore{objects: map[string][]byte{}}
	if _, err := NewWriter(out, "", store, "corpus").Write(ctx, BuildReport(docs, plan, opts), plan); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	for rel, want := range map[string]string{"v1/book.txt": first, "v2/book.txt": second} {
		got, err := os.ReadFile(filepath.Join(out, "ia", filepath.FromSlash(rel)))
		if err != nil {
			t.Errorf("%s missing: %v", rel, err)
			continue
		}
		if string(got) != want {
			t.Errorf("%s has the wrong content", rel)
		}
		if _, ok := store.objects["corpus/ia/"+rel]; !ok {
			t.Errorf("%s not published", rel)
		}
	}
}

func TestWriteRejectsCollidingSurvivors(t *testing.T) {
	root := t.TempDir()
	writeText(t, filepath.Join(root, "a", "book.txt"), strings.Join(wordsText(21, 120), " "))
	writeText(t, filepath.Join(root, "b", "book.txt"), strings.Join(wordsText(22, 120), " "))

	ctx := context.Background()
	opts := DefaultOptions()
	corpora := []Corpus{
		{Source: "ia", Dir: filepath.Join(root, "a")},
		{Source: "ia", Dir: filepath.Join(root, "b")},
	}
	docs, err := LoadCorpora(ctx, corpora, NewSketcher(opts.NumPerm, opts.ShingleSize, opts.MinWords), 1)
	if err != nil {
		t.Fatalf("LoadCorpora failed: %v", err)
	}
	plan := NewEngine(opts).Run(docs)
	if len(plan.Survivors) != 2 {
		t.Fatalf("survivors = %d, want 2", len(plan.Survivors))
	}

	out := filepath.Join(root, "merged")
	_, err = NewWriter(out, "", nil, "").Write(ctx, BuildReport(docs, plan, opts), plan)
	if err == nil || !strings.Contains(err.Error(), "both map to ia/book.txt") {
		t.Fatalf("Write error = %v, want a destination collision", err)
	}
	if _, err := os.Stat(filepath.Join(out, "ia", "book.txt")); !os.IsNotExist(err) {
		t.Error("nothing should be copied when destinations collide")
	}
}
