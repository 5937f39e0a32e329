package dedup

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/timmy/bookharvest/internal/domain"
	"github.com/timmy/bookharvest/internal/logger"
	"golang.org/x/sync/errgroup"
)

// Corpus is a directory of downloaded text files sharing one provenance tag.
type Corpus struct {
	Source string
	Dir    string
}

// ParseCorpus parses "source=dir". A bare directory takes its base name as the source.
func ParseCorpus(spec string) (Corpus, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Corpus{}, fmt.Errorf("empty corpus")
	}
	if src, dir, ok := strings.Cut(spec, "="); ok {
		if src == "" || dir == "" {
			return Corpus{}, fmt.Errorf("invalid corpus %q, want source=dir", spec)
		}
		return Corpus{Source: src, Dir: dir}, nil
	}
	return Corpus{Source: filepath.Base(filepath.Clean(spec)), Dir: spec}, nil
}

// LoadCorpora scans every corpus for *.txt files and builds a Document per
// file: content hash, word count and, for long enough texts, a signature.
// Files are read by up to workers goroutines.
func LoadCorpora(ctx context.Context, corpora []Corpus, sketcher *Sketcher, workers int) ([]*domain.Document, error) {
	type job struct {
		path   string
		rel    string
		source string
		size   int64
	}

	var jobs []job
	for _, c := range corpora {
		err := filepath.WalkDir(c.Dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".txt") {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(c.Dir, path)
			if err != nil {
				return err
			}
			jobs = append(jobs, job{path: path, rel: filepath.ToSlash(rel), source: c.Source, size: info.Size()})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan corpus %s: %w", c.Dir, err)
		}
	}

	logger.With(logger.Fields{"corpora": len(corpora)}).WithCount(len(jobs)).Info(ctx, "Loading corpus documents")

	if workers <= 0 {
		workers = 1
	}
	docs := make([]*domain.Document, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			doc, err := loadDocument(j.path, j.rel, j.source, sketcher)
			if err != nil {
				return err
			}
			doc.Size = j.size
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

func loadDocument(path, rel, source string, sketcher *Sketcher) (*domain.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	sum := md5.Sum(data)
	words, sig := sketcher.Sketch(string(data))
	return &domain.Document{
		ID:        strings.TrimSuffix(rel, filepath.Ext(rel)),
		Path:      path,
		Rel:       rel,
		Source:    source,
		Size:      int64(len(data)),
		WordCount: words,
		ExactHash: hex.EncodeToString(sum[:]),
		Signature: sig,
	}, nil
}
