package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// PhaseState is the tagged outcome of a per-item pipeline phase.
// Values include PhasePending, PhaseFailed, and PhaseDone.
type PhaseState string

const (
	// PhasePending means the phase has never been attempted for the item.
	PhasePending PhaseState = "pending"
	// PhaseFailed means the phase was attempted and failed after retries.
	PhaseFailed PhaseState = "failed"
	// PhaseDone means the phase was attempted and succeeded.
	PhaseDone PhaseState = "done"
)

// Attempted reports whether the phase ran at least once.
func (s PhaseState) Attempted() bool {
	return s == PhaseFailed || s == PhaseDone
}

// StringArray is a custom type for storing string arrays as JSON in the database.
type StringArray []string

// Value implements the driver.Valuer interface for database serialization.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = StringArray{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan StringArray")
		}
		bytes = []byte(str)
	}
	return json.Unmarshal(bytes, a)
}

// CatalogItem is one remote catalog entry plus its pipeline bookkeeping.
// Identifier is immutable once inserted. The enrich and download phases are
// each tracked as a PhaseState with the timestamp of the last attempt.
type CatalogItem struct {
	Identifier   string      `gorm:"type:text;primaryKey" json:"identifier"`
	Title        string      `gorm:"type:text" json:"title"`
	Creator      StringArray `gorm:"type:text" json:"creator"`
	Date         string      `gorm:"type:text" json:"date"`
	Year         int         `gorm:"index:idx_items_year" json:"year"`
	Collections  StringArray `gorm:"type:text" json:"collections"`
	Subject      StringArray `gorm:"type:text" json:"subject"`
	Format       StringArray `gorm:"type:text" json:"format"`
	ImageCount   int         `gorm:"column:imagecount" json:"imagecount"`
	QualityScore float64     `gorm:"index:idx_items_quality" json:"quality_score"`

	TextLocator *string    `gorm:"column:text_filename;type:text" json:"text_filename,omitempty"`
	EnrichState PhaseState `gorm:"type:text;not null;default:pending" json:"enrich_state"`
	EnrichedAt  *time.Time `json:"enriched_at,omitempty"`

	DownloadState    PhaseState `gorm:"type:text;not null;default:pending" json:"download_state"`
	DownloadedAt     *time.Time `json:"downloaded_at,omitempty"`
	DownloadFailedAt *time.Time `json:"download_failed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for CatalogItem.
func (CatalogItem) TableName() string {
	return "items"
}

// HasLocator reports whether enrichment resolved a content locator.
func (c *CatalogItem) HasLocator() bool {
	return c.TextLocator != nil && *c.TextLocator != ""
}

// PrimaryCreator returns the first creator or an empty string.
func (c *CatalogItem) PrimaryCreator() string {
	if len(c.Creator) == 0 {
		return ""
	}
	return c.Creator[0]
}

// MarkEnriched records a completed enrichment attempt. An empty locator
// means the item has no text file; that is a success, not a failure.
func (c *CatalogItem) MarkEnriched(locator string, at time.Time) {
	c.EnrichState = PhaseDone
	c.EnrichedAt = &at
	if locator == "" {
		c.TextLocator = nil
		return
	}
	c.TextLocator = &locator
}

// MarkEnrichFailed records an enrichment attempt that exhausted its retries.
func (c *CatalogItem) MarkEnrichFailed(at time.Time) {
	c.EnrichState = PhaseFailed
	c.EnrichedAt = &at
	c.TextLocator = nil
}

// MarkDownloaded records a successful download and clears an earlier failure.
func (c *CatalogItem) MarkDownloaded(at time.Time) {
	c.DownloadState = PhaseDone
	c.DownloadedAt = &at
	c.DownloadFailedAt = nil
}

// MarkDownloadFailed records a failed download attempt.
func (c *CatalogItem) MarkDownloadFailed(at time.Time) {
	c.DownloadState = PhaseFailed
	c.DownloadFailedAt = &at
}
