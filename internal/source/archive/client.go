// Package archive implements the catalog and item sources against an
// archive.org style search, metadata and download API.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/bookharvest/internal/source"
)

const (
	scrapePath   = "/services/search/v1/scrape"
	metadataPath = "/metadata/%s"
	downloadPath = "/download/%s/%s"

	// the scrape API rejects pages smaller than this
	minPageSize = 100
)

// DefaultFields are requested from the scrape API when none are configured.
var DefaultFields = []string{
	"identifier", "title", "creator", "date", "year",
	"collection", "subject", "format", "imagecount",
}

// Config holds the client settings.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	Fields    []string
}

// Client implements source.CatalogSource and source.ItemSource.
type Client struct {
	client *resty.Client
	fields []string
}

// NewClient creates a new archive client.
// Parameters:
//   - cfg: base URL, user agent, timeout and requested fields.
//
// Returns:
//   - *Client: client ready for concurrent use by several workers.
func NewClient(cfg Config) *Client {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}

	fields := cfg.Fields
	if len(fields) == 0 {
		fields = DefaultFields
	}
	return &Client{client: client, fields: fields}
}

// GetSourceID returns the source identifier recorded in index provenance.
func (c *Client) GetSourceID() string {
	return "archive:" + c.client.BaseURL
}

type scrapeResponse struct {
	Items  []rawDoc `json:"items"`
	Cursor *string  `json:"cursor"`
	Total  int64    `json:"total"`
}

// rawDoc keeps every field whose JSON type varies between records raw until
// toRawItem normalizes it.
type rawDoc struct {
	Identifier string          `json:"identifier"`
	Title      json.RawMessage `json:"title"`
	Creator    json.RawMessage `json:"creator"`
	Date       json.RawMessage `json:"date"`
	Year       json.RawMessage `json:"year"`
	Collection json.RawMessage `json:"collection"`
	Subject    json.RawMessage `json:"subject"`
	Format     json.RawMessage `json:"format"`
	ImageCount json.RawMessage `json:"imagecount"`
}

// FetchPage fetches one page of scrape results.
func (c *Client) FetchPage(ctx context.Context, query, cursor string, count int) (*source.Page, error) {
	if count < minPageSize {
		count = minPageSize
	}
	params := map[string]string{
		"q":      query,
		"fields": strings.Join(c.fields, ","),
		"count":  strconv.Itoa(count),
	}
	if cursor != "" {
		params["cursor"] = cursor
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(scrapePath)
	if err != nil {
		return nil, fmt.Errorf("scrape request failed: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var body scrapeResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("decode scrape response: %w: %v", source.ErrMalformed, err)
	}

	page := &source.Page{
		Items: make([]source.RawItem, 0, len(body.Items)),
		Total: body.Total,
	}
	if body.Cursor != nil {
		page.Cursor = *body.Cursor
	}
	for _, doc := range body.Items {
		item, ok := toRawItem(doc)
		if !ok {
			continue
		}
		page.Items = append(page.Items, item)
	}
	return page, nil
}

type metadataResponse struct {
	Files []struct {
		Name   string          `json:"name"`
		Format string          `json:"format"`
		Size   json.RawMessage `json:"size"`
	} `json:"files"`
}

// ListFiles returns the file listing of an item.
func (c *Client) ListFiles(ctx context.Context, identifier string) ([]source.File, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		Get(fmt.Sprintf(metadataPath, url.PathEscape(identifier)))
	if err != nil {
		return nil, fmt.Errorf("metadata request for %s failed: %w", identifier, err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	raw := resp.Body()
	// unknown identifiers come back as an empty object
	if len(strings.TrimSpace(string(raw))) <= 2 {
		return nil, fmt.Errorf("metadata for %s: %w", identifier, source.ErrNotFound)
	}

	var body metadataResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w: %v", identifier, source.ErrMalformed, err)
	}

	files := make([]source.File, 0, len(body.Files))
	for _, f := range body.Files {
		if f.Name == "" {
			continue
		}
		files = append(files, source.File{
			Name:   f.Name,
			Format: f.Format,
			Size:   int64(asInt(f.Size)),
		})
	}
	return files, nil
}

// FetchContent downloads one file of an item.
func (c *Client) FetchContent(ctx context.Context, identifier, filename string) ([]byte, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		Get(fmt.Sprintf(downloadPath, url.PathEscape(identifier), escapeFilePath(filename)))
	if err != nil {
		return nil, fmt.Errorf("download %s/%s failed: %w", identifier, filename, err)
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	return resp.Body(), nil
}

func checkStatus(resp *resty.Response) error {
	switch code := resp.StatusCode(); {
	case code == http.StatusOK:
		return nil
	case code == http.StatusNotFound:
		return fmt.Errorf("%s: %w", resp.Request.URL, source.ErrNotFound)
	default:
		return &source.StatusError{Code: code, URL: resp.Request.URL}
	}
}

// escapeFilePath escapes each segment of a file name that may live in a subdirectory.
func escapeFilePath(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// toRawItem is the single place where loosely typed remote values become
// fixed shapes: string-or-list fields become slices, string-or-number fields
// become ints. Records without an identifier are dropped.
func toRawItem(doc rawDoc) (source.RawItem, bool) {
	id := strings.TrimSpace(doc.Identifier)
	if id == "" {
		return source.RawItem{}, false
	}

	item := source.RawItem{
		Identifier:  id,
		Title:       strings.Join(asStrings(doc.Title), " "),
		Creator:     asStrings(doc.Creator),
		Date:        firstString(doc.Date),
		Year:        asInt(doc.Year),
		Collections: asStrings(doc.Collection),
		Subject:     asStrings(doc.Subject),
		Format:      asStrings(doc.Format),
		ImageCount:  asInt(doc.ImageCount),
	}
	if item.Year == 0 && len(item.Date) >= 4 {
		if y, err := strconv.Atoi(item.Date[:4]); err == nil {
			item.Year = y
		}
	}
	return item, true
}

func asStrings(raw json.RawMessage) []string {
	if len(raw) == 0 || string(raw) == "null" {
		return []string{}
	}

	var list []interface{}
	if err := json.Unmarshal(raw, &list); err != nil {
		var single interface{}
		if err := json.Unmarshal(raw, &single); err != nil {
			return []string{}
		}
		list = []interface{}{single}
	}

	out := make([]string, 0, len(list))
	for _, v := range list {
		var s string
		switch t := v.(type) {
		case string:
			s = strings.TrimSpace(t)
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			s = strconv.FormatBool(t)
		}
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func firstString(raw json.RawMessage) string {
	values := asStrings(raw)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func asInt(raw json.RawMessage) int {
	s := firstString(raw)
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return 0
}

var (
	_ source.CatalogSource = (*Client)(nil)
	_ source.ItemSource    = (*Client)(nil)
)
