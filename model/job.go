// Package model defines the core data types shared across the Axis runtime:
// jobs, plans, validation results, signed envelopes, error kinds, and the
// runtime configuration.
package model

import "time"

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	StatusPending          JobStatus = "pending"
	StatusPlanning         JobStatus = "planning"
	StatusValidating       JobStatus = "validating"
	StatusAwaitingApproval JobStatus = "awaiting_approval"
	StatusExecuting        JobStatus = "executing"
	StatusCompleted        JobStatus = "completed"
	StatusFailed           JobStatus = "failed"
	StatusCancelled        JobStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal rows are never
// mutated again.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether the status is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPlanning, StatusValidating, StatusAwaitingApproval,
		StatusExecuting, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions is the allowed status transition table. Any non-terminal
// status may additionally move to cancelled.
var transitions = map[JobStatus][]JobStatus{
	StatusPending:          {StatusPlanning},
	StatusPlanning:         {StatusValidating, StatusFailed},
	StatusValidating:       {StatusExecuting, StatusAwaitingApproval, StatusPlanning, StatusFailed},
	StatusAwaitingApproval: {StatusExecuting, StatusFailed},
	StatusExecuting:        {StatusCompleted, StatusFailed},
}

// ValidTransition reports whether from → to is an allowed transition.
func ValidTransition(from, to JobStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// JobSource identifies where a job originated.
type JobSource string

const (
	SourceUser     JobSource = "user"
	SourceSchedule JobSource = "schedule"
	SourceWebhook  JobSource = "webhook"
	SourceSubJob   JobSource = "sub-job"
)

// JobPriority orders claimable jobs. Higher rank claims first.
type JobPriority string

const (
	PriorityLow      JobPriority = "low"
	PriorityNormal   JobPriority = "normal"
	PriorityHigh     JobPriority = "high"
	PriorityCritical JobPriority = "critical"
)

// Rank returns the numeric claim ordering for a priority. Unknown
// priorities rank as normal.
func (p JobPriority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// StatusChange records a single status transition on a job.
type StatusChange struct {
	From JobStatus `json:"from"`
	To   JobStatus `json:"to"`
	At   time.Time `json:"at"`
}

// Job is the unit of work carrying one user request through the pipeline.
type Job struct {
	ID               string            `json:"id"`
	Status           JobStatus         `json:"status"`
	Source           JobSource         `json:"source"`
	Priority         JobPriority       `json:"priority"`
	ParentID         string            `json:"parent_id,omitempty"`
	DedupFingerprint string            `json:"dedup_fingerprint,omitempty"`
	MaxAttempts      int               `json:"max_attempts"`
	TimeoutMs        int64             `json:"timeout_ms"`
	Metadata         map[string]string `json:"metadata,omitempty"`

	// Artifacts populated as the pipeline progresses.
	Plan       *Plan             `json:"plan,omitempty"`
	Validation *ValidationResult `json:"validation,omitempty"`
	Result     *JobResult        `json:"result,omitempty"`
	Error      *JobError         `json:"error,omitempty"`

	Attempts  int        `json:"attempts"`
	ClaimedBy string     `json:"claimed_by,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	StatusChanges []StatusChange `json:"status_changes,omitempty"`
}

// StepResult is the recorded output of one executed plan step.
type StepResult struct {
	StepID     string `json:"step_id"`
	Output     any    `json:"output,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Attempt    int    `json:"attempt"`
}

// JobResult is the job-level outcome artifact. Path is "fast" for plain
// text planner replies and "full" for executed plans.
type JobResult struct {
	Path  string       `json:"path"`
	Text  string       `json:"text,omitempty"`
	Steps []StepResult `json:"steps,omitempty"`
}
