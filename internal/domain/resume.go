package domain

import "time"

// ResumeStateID is the primary key of the singleton resume row.
const ResumeStateID = 1

// ResumeState is the singleton scan position of the Index Builder.
// A missing row means the scan starts from the beginning.
type ResumeState struct {
	ID          int        `gorm:"primaryKey;autoIncrement:false" json:"-"`
	Cursor      string     `gorm:"type:text" json:"cursor"`
	LastBatchAt time.Time  `json:"last_batch_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName returns the database table name for ResumeState.
func (ResumeState) TableName() string {
	return "resume_state"
}

// Completed reports whether the scan reached the end of the remote catalog.
func (r *ResumeState) Completed() bool {
	return r != nil && r.CompletedAt != nil
}

// Provenance keys written to index_metadata.
const (
	MetaQuery     = "query"
	MetaDateFrom  = "date_from"
	MetaDateTo    = "date_to"
	MetaCreatedAt = "created_at"
	MetaSource    = "source"
)

// IndexMetadata is a freeform key-value provenance record.
type IndexMetadata struct {
	Key       string    `gorm:"type:text;primaryKey" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for IndexMetadata.
func (IndexMetadata) TableName() string {
	return "index_metadata"
}
