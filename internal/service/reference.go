package service

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/timmy/bookharvest/internal/dedup"
	"github.com/timmy/bookharvest/internal/domain"
)

// ReferenceCatalog is the bibliographic metadata of an existing corpus.
// Items matching one of its works by title and author are not downloaded.
type ReferenceCatalog struct {
	titles   map[string]struct{}
	byAuthor map[string][]string
	size     int
}

// NewReferenceCatalog creates an empty catalog.
func NewReferenceCatalog() *ReferenceCatalog {
	return &ReferenceCatalog{
		titles:   make(map[string]struct{}),
		byAuthor: make(map[string][]string),
	}
}

// LoadReferenceCatalog reads a CSV file whose header names a "title" column
// and an "author", "authors" or "creator" column.
func LoadReferenceCatalog(path string) (*ReferenceCatalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open reference catalog: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read reference header: %w", err)
	}
	titleCol, authorCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))) {
		case "title":
			titleCol = i
		case "author", "authors", "creator":
			if authorCol < 0 {
				authorCol = i
			}
		}
	}
	if titleCol < 0 {
		return nil, fmt.Errorf("reference catalog %s has no title column", path)
	}

	rc := NewReferenceCatalog()
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read reference catalog: %w", err)
		}
		if titleCol >= len(record) {
			continue
		}
		author := ""
		if authorCol >= 0 && authorCol < len(record) {
			author = record[authorCol]
		}
		rc.Add(record[titleCol], author)
	}
	return rc, nil
}

// Add registers one work. Multiple authors separated by ';' are indexed separately.
func (rc *ReferenceCatalog) Add(title, author string) {
	t := dedup.NormalizeTitle(title)
	if t == "" {
		return
	}
	rc.size++
	rc.titles[t] = struct{}{}
	for _, a := range strings.Split(author, ";") {
		if na := dedup.NormalizeAuthor(a); na != "" {
			rc.byAuthor[na] = append(rc.byAuthor[na], t)
		}
	}
}

// Len returns the number of works registered.
func (rc *ReferenceCatalog) Len() int {
	return rc.size
}

// Excluded reports whether item matches a reference work: same normalized
// title, or same normalized author with one title containing the other.
func (rc *ReferenceCatalog) Excluded(item *domain.CatalogItem) bool {
	t := dedup.NormalizeTitle(item.Title)
	if t == "" {
		return false
	}
	if _, ok := rc.titles[t]; ok {
		return true
	}
	for _, creator := range item.Creator {
		for _, ref := range rc.byAuthor[dedup.NormalizeAuthor(creator)] {
			if strings.Contains(ref, t) || strings.Contains(t, ref) {
				return true
			}
		}
	}
	return false
}

var _ Excluder = (*ReferenceCatalog)(nil)
