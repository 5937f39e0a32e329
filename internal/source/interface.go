package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// RawItem is one catalog entry as returned by a remote catalog, already
// normalized to fixed shapes: multi-valued fields are always slices.
type RawItem struct {
	Identifier  string
	Title       string
	Creator     []string
	Date        string
	Year        int
	Collections []string
	Subject     []string
	Format      []string
	ImageCount  int
}

// Page is one paginated response from a CatalogSource.
type Page struct {
	Items []RawItem
	// Cursor continues the scan. Empty means the catalog is exhausted.
	Cursor string
	// Total is the remote's advisory result count; it may change between calls.
	Total int64
}

// File is one entry of an item's remote file listing.
type File struct {
	Name   string
	Format string
	Size   int64
}

// CatalogSource defines the paginated remote catalog consumed by the index builder.
type CatalogSource interface {
	// GetSourceID returns the stable identifier of this catalog.
	// Parameters: none.
	// Returns:
	//   - string: source identifier recorded in index provenance.
	GetSourceID() string

	// FetchPage fetches one page of results for query starting at cursor.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - query: remote search expression.
	//   - cursor: opaque continuation token or empty for the first page.
	//   - count: requested page size.
	// Returns:
	//   - *Page: items, next cursor and advisory total.
	//   - error: non-nil if the page could not be fetched or parsed.
	FetchPage(ctx context.Context, query, cursor string, count int) (*Page, error)
}

// ItemSource defines per-item metadata and content access.
type ItemSource interface {
	// ListFiles returns the remote file listing of an item.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - identifier: catalog identifier.
	// Returns:
	//   - []File: files attached to the item.
	//   - error: ErrNotFound, ErrMalformed, a *StatusError, or a transport error.
	ListFiles(ctx context.Context, identifier string) ([]File, error)

	// FetchContent returns the raw bytes of one file of an item.
	// Parameters:
	//   - ctx: context for cancellation and deadlines.
	//   - identifier: catalog identifier.
	//   - filename: file name from the listing (the item's text locator).
	// Returns:
	//   - []byte: file content.
	//   - error: ErrNotFound, a *StatusError, or a transport error.
	FetchContent(ctx context.Context, identifier, filename string) ([]byte, error)
}

var (
	// ErrNotFound is returned when the remote has no such item or file.
	ErrNotFound = errors.New("not found")
	// ErrMalformed is returned when a response cannot be interpreted.
	ErrMalformed = errors.New("malformed response")
)

// StatusError carries an unexpected HTTP status from a remote call.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote returned status %d for %s", e.Code, e.URL)
}

// IsRateLimited reports whether the remote rejected a call for rate reasons.
func IsRateLimited(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code == http.StatusServiceUnavailable
	}
	return false
}

// IsTransient reports whether a call may succeed if repeated: timeouts,
// network failures, 5xx and 429. Cancellation and structural errors are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformed) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
