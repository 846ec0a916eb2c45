package store

import "time"

// Status is the terminal outcome of one attempted tool call.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusValidationError Status = "validation_error"
	StatusNotFound        Status = "not_found"
	StatusExecutionError  Status = "execution_error"
	StatusTimeout         Status = "timeout"
)

// Succeeded reports whether the status is terminal success.
func (s Status) Succeeded() bool {
	return s == StatusSuccess
}

// ExecutionRecord is the audit trail entry for one attempted tool call.
// Exactly one record exists per call that reached the executor, regardless
// of outcome.
type ExecutionRecord struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	CallID         string    `json:"call_id"`
	RequestedName  string    `json:"requested_name"`
	ResolvedName   string    `json:"resolved_name,omitempty"`
	Origin         string    `json:"origin,omitempty"`
	Fuzzy          bool      `json:"fuzzy,omitempty"`
	Arguments      string    `json:"arguments,omitempty"`
	Result         string    `json:"result,omitempty"`
	Error          string    `json:"error,omitempty"`
	Status         Status    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
	DurationMS     int64     `json:"duration_ms"`
}

// Succeeded reports whether the call completed with terminal success.
func (r *ExecutionRecord) Succeeded() bool {
	return r.Status.Succeeded()
}
