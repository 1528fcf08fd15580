package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/meridianhq/meridian/model"
)

// Bucket names.
const (
	BucketJobs          = "MERIDIAN_JOBS"
	BucketExecLog       = "MERIDIAN_EXECLOG"
	BucketMessages      = "MERIDIAN_MESSAGES"
	BucketPlanCache     = "MERIDIAN_PLAN_CACHE"
	BucketSemanticCache = "MERIDIAN_SEMANTIC_CACHE"
)

// AuditStream is the append-only audit event stream.
const (
	AuditStream        = "MERIDIAN_AUDIT"
	AuditSubjectPrefix = "meridian.audit."
)

// Store provides durable state backed by NATS JetStream KV buckets.
type Store struct {
	js       jetstream.JetStream
	jobs     jetstream.KeyValue
	execLog  jetstream.KeyValue
	messages jetstream.KeyValue
	plan     jetstream.KeyValue
	semantic jetstream.KeyValue
}

// Options configures bucket creation.
type Options struct {
	// PlanCacheTTL and SemanticCacheTTL bound cache entry lifetimes at
	// the bucket level. Zero disables bucket TTL.
	PlanCacheTTL     time.Duration
	SemanticCacheTTL time.Duration
}

// NewStore creates the store, creating buckets and streams as needed.
func NewStore(ctx context.Context, js jetstream.JetStream, opts Options) (*Store, error) {
	jobs, err := getOrCreateBucket(ctx, js, BucketJobs, 0)
	if err != nil {
		return nil, fmt.Errorf("create jobs bucket: %w", err)
	}
	execLog, err := getOrCreateBucket(ctx, js, BucketExecLog, 0)
	if err != nil {
		return nil, fmt.Errorf("create exec log bucket: %w", err)
	}
	messages, err := getOrCreateBucket(ctx, js, BucketMessages, 0)
	if err != nil {
		return nil, fmt.Errorf("create messages bucket: %w", err)
	}
	plan, err := getOrCreateBucket(ctx, js, BucketPlanCache, opts.PlanCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("create plan cache bucket: %w", err)
	}
	semantic, err := getOrCreateBucket(ctx, js, BucketSemanticCache, opts.SemanticCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("create semantic cache bucket: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     AuditStream,
		Subjects: []string{AuditSubjectPrefix + ">"},
		Storage:  jetstream.FileStorage,
	}); err != nil {
		return nil, fmt.Errorf("create audit stream: %w", err)
	}

	return &Store{
		js:       js,
		jobs:     jobs,
		execLog:  execLog,
		messages: messages,
		plan:     plan,
		semantic: semantic,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Meridian %s storage", strings.ToLower(name)),
		History:     1,
		TTL:         ttl,
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrNoKeysFound)
}

// JetStream returns the underlying JetStream context (audit writer,
// tests).
func (s *Store) JetStream() jetstream.JetStream { return s.js }

// JobRow pairs a job with the KV revision its optimistic updates key on.
type JobRow struct {
	Job      *model.Job
	Revision uint64
}

// CreateJob inserts a new job row. Fails with ErrExists when the ID is
// taken.
func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if _, err := s.jobs.Create(ctx, job.ID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return fmt.Errorf("job %s: %w", job.ID, ErrExists)
		}
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}

// GetJob retrieves a job row and its revision.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, uint64, error) {
	entry, err := s.jobs.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, 0, fmt.Errorf("get job: %w", err)
	}
	var job model.Job
	if err := json.Unmarshal(entry.Value(), &job); err != nil {
		return nil, 0, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, entry.Revision(), nil
}

// UpdateJob writes a job row iff the stored revision still matches.
// Returns ErrConflict when another writer got there first.
func (s *Store) UpdateJob(ctx context.Context, job *model.Job, revision uint64) (uint64, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return 0, fmt.Errorf("marshal job: %w", err)
	}
	rev, err := s.jobs.Update(ctx, job.ID, data, revision)
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("job %s: %w", job.ID, ErrNotFound)
		}
		return 0, fmt.Errorf("job %s: %w", job.ID, ErrConflict)
	}
	return rev, nil
}

// ListJobs returns all job rows. Entries that fail to load are skipped;
// the queue treats the bucket as the single source of truth and tolerates
// torn reads of unrelated rows.
func (s *Store) ListJobs(ctx context.Context) ([]JobRow, error) {
	keys, err := s.jobs.Keys(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list job keys: %w", err)
	}

	rows := make([]JobRow, 0, len(keys))
	for _, key := range keys {
		entry, err := s.jobs.Get(ctx, key)
		if err != nil {
			continue
		}
		var job model.Job
		if err := json.Unmarshal(entry.Value(), &job); err != nil {
			continue
		}
		rows = append(rows, JobRow{Job: &job, Revision: entry.Revision()})
	}
	return rows, nil
}

// ExecLogEntry records one tool step execution attempt.
type ExecLogEntry struct {
	JobID      string    `json:"job_id"`
	StepID     string    `json:"step_id"`
	Gear       string    `json:"gear"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"` // success, failure, retried
	DurationMs int64     `json:"duration_ms"`
	Attempt    int       `json:"attempt"`
	At         time.Time `json:"at"`
}

// AppendExecLog records a tool step execution.
func (s *Store) AppendExecLog(ctx context.Context, e ExecLogEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal exec log entry: %w", err)
	}
	key := fmt.Sprintf("%s.%s.%d", e.JobID, e.StepID, e.Attempt)
	if _, err := s.execLog.Put(ctx, key, data); err != nil {
		return fmt.Errorf("append exec log: %w", err)
	}
	return nil
}

// ListExecLog returns all execution log entries.
func (s *Store) ListExecLog(ctx context.Context) ([]ExecLogEntry, error) {
	keys, err := s.execLog.Keys(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list exec log keys: %w", err)
	}

	entries := make([]ExecLogEntry, 0, len(keys))
	for _, key := range keys {
		entry, err := s.execLog.Get(ctx, key)
		if err != nil {
			continue
		}
		var e ExecLogEntry
		if err := json.Unmarshal(entry.Value(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// StoredMessage is the user content behind a job, kept outside the job
// row so the information barrier can be enforced at the pipeline boundary.
type StoredMessage struct {
	JobID   string              `json:"job_id"`
	Content string              `json:"content"`
	History []model.ChatMessage `json:"history,omitempty"`
	// Embedding and Model are filled by the bridge when the embedding
	// store produced a query vector; they key the semantic cache.
	Embedding []float64 `json:"embedding,omitempty"`
	Model     string    `json:"model,omitempty"`
	At        time.Time `json:"at"`
}

// PutMessage stores the user content for a job.
func (s *Store) PutMessage(ctx context.Context, m StoredMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := s.messages.Put(ctx, m.JobID, data); err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

// GetMessage retrieves the user content for a job.
func (s *Store) GetMessage(ctx context.Context, jobID string) (*StoredMessage, error) {
	entry, err := s.messages.Get(ctx, jobID)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("message for job %s: %w", jobID, ErrNotFound)
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	var m StoredMessage
	if err := json.Unmarshal(entry.Value(), &m); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &m, nil
}

// CacheBucket names a cache-backed KV bucket.
type CacheBucket int

const (
	PlanCacheBucket CacheBucket = iota
	SemanticCacheBucket
)

func (s *Store) cacheKV(b CacheBucket) jetstream.KeyValue {
	if b == SemanticCacheBucket {
		return s.semantic
	}
	return s.plan
}

// CacheGet loads a cache entry into v. Returns ErrNotFound on miss.
func (s *Store) CacheGet(ctx context.Context, b CacheBucket, key string, v any) error {
	entry, err := s.cacheKV(b).Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("cache key %s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("cache get: %w", err)
	}
	if err := json.Unmarshal(entry.Value(), v); err != nil {
		return fmt.Errorf("unmarshal cache entry: %w", err)
	}
	return nil
}

// CachePut stores a cache entry.
func (s *Store) CachePut(ctx context.Context, b CacheBucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if _, err := s.cacheKV(b).Put(ctx, key, data); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// CacheDelete removes a cache entry.
func (s *Store) CacheDelete(ctx context.Context, b CacheBucket, key string) error {
	if err := s.cacheKV(b).Delete(ctx, key); err != nil && !isNotFound(err) {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// CacheKeys lists the keys of a cache bucket.
func (s *Store) CacheKeys(ctx context.Context, b CacheBucket) ([]string, error) {
	keys, err := s.cacheKV(b).Keys(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache keys: %w", err)
	}
	return keys, nil
}
