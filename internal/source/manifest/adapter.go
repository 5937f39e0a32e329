// Package manifest serves a JSONL catalog dump as a paginated catalog source.
package manifest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/timmy/bookharvest/internal/source"
)

// Item represents one line of the manifest file.
type Item struct {
	Identifier  string   `json:"identifier"`
	Title       string   `json:"title"`
	Creator     []string `json:"creator"`
	Date        string   `json:"date"`
	Year        int      `json:"year"`
	Collections []string `json:"collection"`
	Subject     []string `json:"subject"`
	Format      []string `json:"format"`
	ImageCount  int      `json:"imagecount"`
}

// Adapter implements source.CatalogSource over a manifest file.
// The query is ignored: the manifest already is the result set.
type Adapter struct {
	path string

	once    sync.Once
	loadErr error
	items   []source.RawItem
}

// NewAdapter creates a new manifest adapter.
// Parameters:
//   - path: path to the JSONL manifest.
//
// Returns:
//   - *Adapter: initialized manifest adapter; the file is read on first use.
func NewAdapter(path string) *Adapter {
	return &Adapter{path: path}
}

// GetSourceID returns the unique identifier for this source.
func (a *Adapter) GetSourceID() string {
	return "manifest:" + a.path
}

// FetchPage returns up to count items starting at the index encoded in cursor.
func (a *Adapter) FetchPage(ctx context.Context, query, cursor string, count int) (*source.Page, error) {
	a.once.Do(func() { a.loadErr = a.loadItems() })
	if a.loadErr != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", a.loadErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := 0
	if cursor != "" {
		var err error
		start, err = strconv.Atoi(cursor)
		if err != nil || start < 0 {
			return nil, fmt.Errorf("invalid cursor %q: %w", cursor, source.ErrMalformed)
		}
	}

	total := int64(len(a.items))
	if start >= len(a.items) {
		return &source.Page{Items: []source.RawItem{}, Total: total}, nil
	}

	end := start + count
	if count <= 0 || end > len(a.items) {
		end = len(a.items)
	}

	next := ""
	if end < len(a.items) {
		next = strconv.Itoa(end)
	}
	return &source.Page{Items: a.items[start:end], Cursor: next, Total: total}, nil
}

func (a *Adapter) loadItems() error {
	file, err := os.Open(a.path)
	if err != nil {
		return err
	}
	defer file.Close()

	seen := make(map[string]bool)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var item Item
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			// Skip malformed lines
			continue
		}
		if item.Identifier == "" || seen[item.Identifier] {
			continue
		}
		seen[item.Identifier] = true

		a.items = append(a.items, source.RawItem{
			Identifier:  item.Identifier,
			Title:       item.Title,
			Creator:     nonNil(item.Creator),
			Date:        item.Date,
			Year:        item.Year,
			Collections: nonNil(item.Collections),
			Subject:     nonNil(item.Subject),
			Format:      nonNil(item.Format),
			ImageCount:  item.ImageCount,
		})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading manifest: %w", err)
	}

	// Sort items by identifier so cursors are stable across runs
	sort.Slice(a.items, func(i, j int) bool {
		return a.items[i].Identifier < a.items[j].Identifier
	})
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ source.CatalogSource = (*Adapter)(nil)
