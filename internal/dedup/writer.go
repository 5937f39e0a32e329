package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/timmy/bookharvest/internal/domain"
	"github.com/timmy/bookharvest/internal/logger"
	"github.com/timmy/bookharvest/internal/storage"
)

// Report is the JSON summary written next to the merged corpus.
type Report struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Threshold   float64       `json:"threshold"`
	Prefer      []string      `json:"prefer"`
	Documents   int           `json:"documents"`
	Comparable  int           `json:"comparable"`
	Survivors   int           `json:"survivors"`
	Excluded    int           `json:"excluded"`
	Published   int           `json:"published,omitempty"`
	Groups      []GroupReport `json:"groups"`
}

// GroupReport describes one duplicate group and its merge outcome.
type GroupReport struct {
	Method     domain.DedupMethod `json:"method"`
	Similarity float64            `json:"similarity"`
	Members    []string           `json:"members"`
	Kept       []string           `json:"kept"`
	Excluded   []string           `json:"excluded"`
}

// Writer materializes a Plan: it copies survivors into
// {outputDir}/{source}/{rel}, optionally uploads them, and writes the report.
type Writer struct {
	outputDir  string
	reportName string
	store      storage.ObjectStorage
	prefix     string
}

// NewWriter creates a Writer. store may be nil to skip publishing.
func NewWriter(outputDir, reportName string, store storage.ObjectStorage, prefix string) *Writer {
	if reportName == "" {
		reportName = "dedup_report.json"
	}
	return &Writer{outputDir: outputDir, reportName: reportName, store: store, prefix: prefix}
}

// BuildReport summarizes a plan over docs.
func BuildReport(docs []*domain.Document, plan *Plan, opts Options) *Report {
	comparable := 0
	for _, d := range docs {
		if d.Comparable() {
			comparable++
		}
	}

	report := &Report{
		GeneratedAt: time.Now().UTC(),
		Threshold:   opts.Threshold,
		Prefer:      opts.Prefer,
		Documents:   len(docs),
		Comparable:  comparable,
		Survivors:   len(plan.Survivors),
		Excluded:    len(plan.Excluded),
		Groups:      []GroupReport{},
	}
	for _, groups := range [][]domain.DuplicateGroup{plan.Exact, plan.Near} {
		for _, g := range groups {
			gr := GroupReport{Method: g.Method, Similarity: g.Similarity}
			for _, m := range g.Members {
				gr.Members = append(gr.Members, m.Path)
				if _, dropped := plan.Excluded[m.Path]; dropped {
					gr.Excluded = append(gr.Excluded, m.Path)
				} else {
					gr.Kept = append(gr.Kept, m.Path)
				}
			}
			report.Groups = append(report.Groups, gr)
		}
	}
	return report
}

// Write copies survivors, publishes them when a store is configured and
// writes the report. It returns the report with the published count filled in.
func (w *Writer) Write(ctx context.Context, report *Report, plan *Plan) (*Report, error) {
	ctx = logger.SetComponent(ctx, "merge")
	if err := os.MkdirAll(w.outputDir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	targets, err := survivorTargets(plan.Survivors)
	if err != nil {
		return nil, err
	}

	for _, d := range plan.Survivors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel := targets[d]
		dst := filepath.Join(w.outputDir, filepath.FromSlash(rel))
		if err := copyFile(d.Path, dst); err != nil {
			return nil, err
		}
		if w.store != nil {
			if err := w.publish(ctx, d, rel, dst); err != nil {
				return nil, err
			}
			report.Published++
		}
	}

	reportPath := filepath.Join(w.outputDir, w.reportName)
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(reportPath, data, 0644); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}

	logger.With(logger.Fields{
		"survivors": report.Survivors,
		"excluded":  report.Excluded,
		"published": report.Published,
		"report":    reportPath,
	}).Info(ctx, "Merged corpus written")
	return report, nil
}

// survivorTargets maps each survivor to its slash-separated destination
// below the output directory. Two survivors sharing a destination is an
// error: copying both would silently lose one of them.
func survivorTargets(survivors []*domain.Document) (map[*domain.Document]string, error) {
	targets := make(map[*domain.Document]string, len(survivors))
	owner := make(map[string]*domain.Document, len(survivors))
	for _, d := range survivors {
		rel := d.Rel
		if rel == "" {
			rel = filepath.Base(d.Path)
		}
		target := path.Join(d.Source, rel)
		if prev, ok := owner[target]; ok {
			return nil, fmt.Errorf("survivors %s and %s both map to %s", prev.Path, d.Path, target)
		}
		owner[target] = d
		targets[d] = target
	}
	return targets, nil
}

func (w *Writer) publish(ctx context.Context, d *domain.Document, rel, localPath string) error {
	key := path.Join(w.prefix, rel)
	exists, err := w.store.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check %s: %w", key, err)
	}
	if exists {
		return nil
	}

	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := w.store.Upload(ctx, key, f, d.Size, "text/plain; charset=utf-8"); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	logger.CtxDebug(ctx, "Published %s", w.store.GetURL(key))
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
