package domain

import "time"

// Phase names a pipeline phase.
type Phase string

const (
	PhaseIndex    Phase = "index"
	PhaseEnrich   Phase = "enrich"
	PhaseDownload Phase = "download"
	PhaseDedup    Phase = "dedup"
)

// Valid reports whether p names a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseIndex, PhaseEnrich, PhaseDownload, PhaseDedup:
		return true
	}
	return false
}

// RunStatus represents the status of a phase run.
// Values include RunStatusRunning, RunStatusCompleted, RunStatusInterrupted, and RunStatusFailed.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusInterrupted RunStatus = "interrupted"
	RunStatusFailed      RunStatus = "failed"
)

// PhaseRun is the ledger row of one phase invocation and its outcome counts.
type PhaseRun struct {
	ID         string     `gorm:"type:text;primaryKey" json:"id"`
	Phase      Phase      `gorm:"type:text;not null;index" json:"phase"`
	Status     RunStatus  `gorm:"type:text;default:running" json:"status"`
	Params     string     `gorm:"type:text" json:"params"`
	Attempted  int64      `gorm:"default:0" json:"attempted"`
	Succeeded  int64      `gorm:"default:0" json:"succeeded"`
	Failed     int64      `gorm:"default:0" json:"failed"`
	Skipped    int64      `gorm:"default:0" json:"skipped"`
	ErrorLog   string     `gorm:"type:text" json:"error_log,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TableName returns the database table name for PhaseRun.
func (PhaseRun) TableName() string {
	return "phase_runs"
}
