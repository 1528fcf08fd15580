package model

import "fmt"

// ErrorKind is the sum type of error categories surfaced on jobs and
// across subsystem boundaries.
type ErrorKind string

const (
	ErrKindValidation     ErrorKind = "validation"
	ErrKindAuthentication ErrorKind = "authentication"
	ErrKindNotFound       ErrorKind = "not_found"
	ErrKindConflict       ErrorKind = "conflict"
	ErrKindTimeout        ErrorKind = "timeout"
	ErrKindRateLimit      ErrorKind = "rate_limit"
	ErrKindSandboxFailure ErrorKind = "sandbox_failure"
	ErrKindPlanValidation ErrorKind = "plan_validation"
	ErrKindLLMProvider    ErrorKind = "llm_provider"
)

// JobError is the error artifact recorded on a failed job. The external
// API projects it; the core never formats human-readable prose beyond
// Message.
type JobError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ToolError is the failure shape returned by the tool runtime for a step.
// Status carries an HTTP-style status code when the underlying tool
// surfaced one.
type ToolError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Status    int    `json:"status,omitempty"`
	Retriable bool   `json:"retriable"`
}

func (e *ToolError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StatusCode exposes the HTTP-style status for the failure classifier.
func (e *ToolError) StatusCode() int { return e.Status }
