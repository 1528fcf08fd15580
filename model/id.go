package model

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// jobSeq breaks ties between jobs created within the same millisecond.
var jobSeq atomic.Uint64

// NewJobID generates a time-sortable job ID: a fixed-width millisecond
// timestamp, a process-local sequence number, and a short random suffix.
// Lexicographic order of IDs matches creation order.
func NewJobID() string {
	ms := time.Now().UnixMilli()
	seq := jobSeq.Add(1) % 1_000_000
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%013d-%06d-%s", ms, seq, suffix)
}

// NewMessageID generates a unique message identifier.
func NewMessageID() string { return uuid.NewString() }

// NewPlanID generates a unique plan identifier.
func NewPlanID() string { return "plan-" + uuid.NewString() }

// NewStepID generates a unique step identifier.
func NewStepID() string { return "step-" + uuid.NewString() }
