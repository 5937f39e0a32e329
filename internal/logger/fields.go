package logger

// Fields is an alias for map[string]interface{} for convenience.
type Fields map[string]interface{}

// ============================================
// Tracing Fields (Context level)
// These fields are propagated through the call chain
// ============================================

const (
	// FieldRunID is the phase run ID (UUID)
	FieldRunID = "run_id"

	// FieldPhase is the pipeline phase: index, enrich, download, dedup
	FieldPhase = "phase"

	// FieldWorker is the worker index inside a phase
	FieldWorker = "worker"

	// FieldIdentifier is the remote item identifier
	FieldIdentifier = "identifier"

	// FieldComponent is the component/module name
	FieldComponent = "component"

	// FieldRequestID is the HTTP request ID of the status API
	FieldRequestID = "request_id"
)

// ============================================
// Metric Fields (Entry level)
// ============================================

const (
	// FieldDurationMs is the execution duration in milliseconds
	FieldDurationMs = "duration_ms"

	// FieldCount is a generic count field
	FieldCount = "count"

	// FieldSize is the data size in bytes
	FieldSize = "size"

	// FieldStatus is the operation status
	FieldStatus = "status"
)
