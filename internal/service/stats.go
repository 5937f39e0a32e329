package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/bookharvest/internal/domain"
	"github.com/timmy/bookharvest/internal/logger"
	"github.com/timmy/bookharvest/internal/repository"
)

// PhaseStats holds the outcome counts of one phase run. Counters are updated
// concurrently by workers.
type PhaseStats struct {
	Attempted int64
	Succeeded int64
	Failed    int64
	Skipped   int64
	StartTime time.Time
	EndTime   time.Time

	mu     sync.Mutex
	errors []string
}

const maxRecordedErrors = 20

func newPhaseStats() *PhaseStats {
	return &PhaseStats{StartTime: time.Now()}
}

func (s *PhaseStats) attempted() { atomic.AddInt64(&s.Attempted, 1) }
func (s *PhaseStats) succeeded() { atomic.AddInt64(&s.Succeeded, 1) }
func (s *PhaseStats) skipped()   { atomic.AddInt64(&s.Skipped, 1) }

func (s *PhaseStats) failed(identifier string, err error) {
	atomic.AddInt64(&s.Failed, 1)
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errors) < maxRecordedErrors {
		s.errors = append(s.errors, identifier+": "+err.Error())
	}
}

func (s *PhaseStats) finish() *PhaseStats {
	s.EndTime = time.Now()
	return s
}

// Errors returns the first recorded per-item errors.
func (s *PhaseStats) Errors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.errors))
	copy(out, s.errors)
	return out
}

// Fields returns the counters as log fields.
func (s *PhaseStats) Fields() logger.Fields {
	end := s.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	return logger.Fields{
		"attempted": atomic.LoadInt64(&s.Attempted),
		"succeeded": atomic.LoadInt64(&s.Succeeded),
		"failed":    atomic.LoadInt64(&s.Failed),
		"skipped":   atomic.LoadInt64(&s.Skipped),
		"duration":  end.Sub(s.StartTime).String(),
	}
}

// RunRecorder writes the phase run ledger.
type RunRecorder struct {
	runs *repository.RunRepository
}

// NewRunRecorder creates a RunRecorder. A nil repository disables recording.
func NewRunRecorder(runs *repository.RunRepository) *RunRecorder {
	return &RunRecorder{runs: runs}
}

// Start records a running phase and returns a context carrying its run ID and phase.
func (r *RunRecorder) Start(ctx context.Context, phase domain.Phase, params interface{}) (context.Context, *domain.PhaseRun) {
	run := &domain.PhaseRun{
		ID:        uuid.New().String(),
		Phase:     phase,
		Status:    domain.RunStatusRunning,
		StartedAt: time.Now(),
	}
	if data, err := json.Marshal(params); err == nil {
		run.Params = string(data)
	}

	ctx = logger.SetRunID(ctx, run.ID)
	ctx = logger.SetPhase(ctx, string(phase))

	if r != nil && r.runs != nil {
		if err := r.runs.Create(ctx, run); err != nil {
			logger.FromContext(ctx).WithError(err).Warn("Failed to record phase run")
		}
	}
	return ctx, run
}

// Finish stores the final counts and status of run. The status is derived
// from err: nil is completed, cancellation is interrupted, anything else failed.
func (r *RunRecorder) Finish(ctx context.Context, run *domain.PhaseRun, stats *PhaseStats, err error) {
	now := time.Now()
	run.FinishedAt = &now
	switch {
	case err == nil:
		run.Status = domain.RunStatusCompleted
	case errors.Is(err, context.Canceled):
		run.Status = domain.RunStatusInterrupted
	default:
		run.Status = domain.RunStatusFailed
	}

	var messages []string
	if err != nil {
		messages = append(messages, err.Error())
	}
	if stats != nil {
		run.Attempted = atomic.LoadInt64(&stats.Attempted)
		run.Succeeded = atomic.LoadInt64(&stats.Succeeded)
		run.Failed = atomic.LoadInt64(&stats.Failed)
		run.Skipped = atomic.LoadInt64(&stats.Skipped)
		messages = append(messages, stats.Errors()...)
	}
	run.ErrorLog = strings.Join(messages, "\n")

	if r != nil && r.runs != nil {
		if saveErr := r.runs.Save(context.WithoutCancel(ctx), run); saveErr != nil {
			logger.FromContext(ctx).WithError(saveErr).Warn("Failed to update phase run")
		}
	}
}

// NewCountStats returns finished stats for phases that count outcomes in bulk.
func NewCountStats(start time.Time, attempted, succeeded, failed, skipped int64) *PhaseStats {
	return &PhaseStats{
		Attempted: attempted,
		Succeeded: succeeded,
		Failed:    failed,
		Skipped:   skipped,
		StartTime: start,
		EndTime:   time.Now(),
	}
}
