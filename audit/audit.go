// Package audit provides the append-only audit event stream. Every
// router dispatch writes one entry; entries are never deleted, including
// by data-deletion requests.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/meridianhq/meridian/model"
	"github.com/meridianhq/meridian/storage"
)

// Entry is one audit record.
type Entry struct {
	Actor     string            `json:"actor"`
	Action    string            `json:"action"`
	RiskLevel model.RiskLevel   `json:"risk_level,omitempty"`
	Target    string            `json:"target,omitempty"`
	JobID     string            `json:"job_id,omitempty"`
	Outcome   string            `json:"outcome,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	At        time.Time         `json:"at"`
}

// Writer appends audit entries.
type Writer interface {
	Write(ctx context.Context, e Entry) error
}

// StreamWriter appends entries to the MERIDIAN_AUDIT JetStream stream.
type StreamWriter struct {
	js jetstream.JetStream
}

// NewStreamWriter creates a stream-backed audit writer. The stream is
// created by storage.NewStore.
func NewStreamWriter(js jetstream.JetStream) *StreamWriter {
	return &StreamWriter{js: js}
}

// Write appends one entry. The subject carries the actor for consumers
// that filter by component.
func (w *StreamWriter) Write(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	subject := storage.AuditSubjectPrefix + subjectToken(e.Actor)
	if _, err := w.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish audit entry: %w", err)
	}
	return nil
}

func subjectToken(actor string) string {
	if actor == "" {
		return "unknown"
	}
	out := make([]byte, 0, len(actor))
	for i := 0; i < len(actor); i++ {
		c := actor[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// MemoryWriter collects entries in memory for tests and diagnostics.
type MemoryWriter struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryWriter creates an in-memory audit writer.
func NewMemoryWriter() *MemoryWriter { return &MemoryWriter{} }

// Write appends one entry.
func (w *MemoryWriter) Write(_ context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, e)
	return nil
}

// Entries returns a copy of all written entries.
func (w *MemoryWriter) Entries() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Entry, len(w.entries))
	copy(out, w.entries)
	return out
}
