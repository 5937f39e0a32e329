package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/bookharvest/internal/source"
)

// HTTPCleaner sends downloaded text to an external repair service.
type HTTPCleaner struct {
	client   *resty.Client
	endpoint string
}

// CleanerConfig holds configuration for the text-cleaning service.
type CleanerConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewHTTPCleaner creates a cleaner client.
// Parameters:
//   - cfg: service base URL, optional bearer key and request timeout.
//
// Returns:
//   - *HTTPCleaner: client safe for concurrent use by download workers.
func NewHTTPCleaner(cfg *CleanerConfig) *HTTPCleaner {
	client := resty.New()
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}
	client.SetHeader("Content-Type", "application/json")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	client.SetTimeout(timeout)

	return &HTTPCleaner{
		client:   client,
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/clean",
	}
}

type cleanRequest struct {
	Identifier string `json:"identifier"`
	Text       string `json:"text"`
}

type cleanResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Clean returns the repaired text of one item.
func (c *HTTPCleaner) Clean(ctx context.Context, identifier string, content []byte) ([]byte, error) {
	var result cleanResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(cleanRequest{Identifier: identifier, Text: string(content)}).
		SetResult(&result).
		SetError(&result).
		Post(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("cleaner request failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		if result.Error != "" {
			return nil, fmt.Errorf("cleaner: %s: %w", result.Error, &source.StatusError{Code: resp.StatusCode(), URL: c.endpoint})
		}
		return nil, &source.StatusError{Code: resp.StatusCode(), URL: c.endpoint}
	}
	if result.Error != "" {
		return nil, fmt.Errorf("cleaner: %s", result.Error)
	}
	if strings.TrimSpace(result.Text) == "" {
		return nil, fmt.Errorf("cleaner returned empty text")
	}
	return []byte(result.Text), nil
}

var _ TextCleaner = (*HTTPCleaner)(nil)
