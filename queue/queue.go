// Package queue implements the persistent job queue and state machine.
// All status transitions are optimistic compare-and-swap updates on the
// job row, so at most one worker ever holds a live claim on a job and
// terminal rows are never mutated.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/meridianhq/meridian/model"
	"github.com/meridianhq/meridian/storage"
)

// Queue errors.
var (
	// ErrStateConflict is returned when the job's current status does not
	// match the expected from status, or a concurrent writer won the CAS.
	ErrStateConflict = errors.New("state conflict")

	// ErrInvalidTransition is returned for transitions outside the state
	// machine, including anything out of a terminal status.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrNotFound is returned for unknown job IDs.
	ErrNotFound = errors.New("job not found")
)

// casRetries bounds transition retries when a concurrent writer touched
// the row but the status still matches.
const casRetries = 3

// Listener is invoked after each successful transition with the job ID
// and the statuses involved. Listeners must not block.
type Listener func(jobID string, from, to model.JobStatus)

// CreateOptions configures a new job.
type CreateOptions struct {
	Source           model.JobSource
	Priority         model.JobPriority
	ParentID         string
	DedupFingerprint string
	MaxAttempts      int
	TimeoutMs        int64
	Metadata         map[string]string
}

// Artifacts are written atomically with a transition.
type Artifacts struct {
	Plan       *model.Plan
	Validation *model.ValidationResult
	Result     *model.JobResult
	Error      *model.JobError
}

// Queue is the durable job queue.
type Queue struct {
	store  *storage.Store
	logger *slog.Logger

	defaultMaxAttempts int
	defaultTimeoutMs   int64

	mu        sync.Mutex
	listeners []Listener
	cancels   map[string]chan struct{}
	dedup     map[string]string // fingerprint → non-terminal job ID
}

// New creates a Queue over the given store.
func New(store *storage.Store, cfg *model.Config, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:              store,
		logger:             logger,
		defaultMaxAttempts: cfg.MaxAttempts,
		defaultTimeoutMs:   cfg.JobTimeoutMs,
		cancels:            make(map[string]chan struct{}),
		dedup:              make(map[string]string),
	}
}

// OnStatusChange subscribes a listener delivered synchronously after each
// successful transition commit.
func (q *Queue) OnStatusChange(fn Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, fn)
}

func (q *Queue) notify(jobID string, from, to model.JobStatus) {
	q.mu.Lock()
	listeners := make([]Listener, len(q.listeners))
	copy(listeners, q.listeners)
	q.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error("status listener panicked",
						"job_id", jobID, "from", from, "to", to, "panic", r)
				}
			}()
			fn(jobID, from, to)
		}()
	}
}

// CancelChan returns the per-job cancellation channel, closed when the
// job is cancelled.
func (q *Queue) CancelChan(jobID string) <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.cancels[jobID]
	if !ok {
		ch = make(chan struct{})
		q.cancels[jobID] = ch
	}
	return ch
}

func (q *Queue) signalCancel(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.cancels[jobID]
	if !ok {
		ch = make(chan struct{})
		q.cancels[jobID] = ch
	}
	select {
	case <-ch:
		// already closed
	default:
		close(ch)
	}
}

// CreateJob inserts a new pending job. When a dedup fingerprint matches a
// non-terminal job, that job is returned unchanged.
func (q *Queue) CreateJob(ctx context.Context, opts CreateOptions) (*model.Job, error) {
	if opts.DedupFingerprint != "" {
		if existing := q.dedupMatch(ctx, opts.DedupFingerprint); existing != nil {
			return existing, nil
		}
	}

	now := time.Now().UTC()
	job := &model.Job{
		ID:               model.NewJobID(),
		Status:           model.StatusPending,
		Source:           opts.Source,
		Priority:         opts.Priority,
		ParentID:         opts.ParentID,
		DedupFingerprint: opts.DedupFingerprint,
		MaxAttempts:      opts.MaxAttempts,
		TimeoutMs:        opts.TimeoutMs,
		Metadata:         opts.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if job.Source == "" {
		job.Source = model.SourceUser
	}
	if job.Priority == "" {
		job.Priority = model.PriorityNormal
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.defaultMaxAttempts
	}
	if job.TimeoutMs <= 0 {
		job.TimeoutMs = q.defaultTimeoutMs
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	q.mu.Lock()
	if job.DedupFingerprint != "" {
		q.dedup[job.DedupFingerprint] = job.ID
	}
	if _, ok := q.cancels[job.ID]; !ok {
		q.cancels[job.ID] = make(chan struct{})
	}
	q.mu.Unlock()

	q.logger.Debug("job created", "job_id", job.ID, "source", job.Source, "priority", job.Priority)
	return job, nil
}

func (q *Queue) dedupMatch(ctx context.Context, fingerprint string) *model.Job {
	q.mu.Lock()
	id, ok := q.dedup[fingerprint]
	q.mu.Unlock()
	if !ok {
		return nil
	}
	job, _, err := q.store.GetJob(ctx, id)
	if err == nil && !job.Status.Terminal() {
		return job
	}
	q.mu.Lock()
	delete(q.dedup, fingerprint)
	q.mu.Unlock()
	return nil
}

// Get retrieves a job by ID.
func (q *Queue) Get(ctx context.Context, jobID string) (*model.Job, error) {
	job, _, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", jobID, ErrNotFound)
		}
		return nil, err
	}
	return job, nil
}

// Claim atomically claims one pending job in priority-then-FIFO order,
// transitioning it to planning. Returns (nil, nil) when nothing is
// claimable.
func (q *Queue) Claim(ctx context.Context, workerID string) (*model.Job, error) {
	rows, err := q.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}

	pending := rows[:0]
	for _, row := range rows {
		if row.Job.Status == model.StatusPending {
			pending = append(pending, row)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		pi, pj := pending[i].Job.Priority.Rank(), pending[j].Job.Priority.Rank()
		if pi != pj {
			return pi > pj
		}
		return pending[i].Job.ID < pending[j].Job.ID
	})

	for _, row := range pending {
		job := row.Job
		now := time.Now().UTC()
		job.Status = model.StatusPlanning
		job.ClaimedBy = workerID
		job.ClaimedAt = &now
		job.Attempts++
		job.UpdatedAt = now
		job.StatusChanges = append(job.StatusChanges, model.StatusChange{
			From: model.StatusPending, To: model.StatusPlanning, At: now,
		})

		if _, err := q.store.UpdateJob(ctx, job, row.Revision); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue // another worker got it
			}
			return nil, err
		}

		q.notify(job.ID, model.StatusPending, model.StatusPlanning)
		q.logger.Debug("job claimed", "job_id", job.ID, "worker_id", workerID, "attempt", job.Attempts)
		return job, nil
	}
	return nil, nil
}

// ClaimResumed claims a job that an approval event moved back to
// executing. Fails with ErrStateConflict if another worker already holds
// it.
func (q *Queue) ClaimResumed(ctx context.Context, workerID, jobID string) (*model.Job, error) {
	job, rev, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", jobID, ErrNotFound)
		}
		return nil, err
	}
	if job.Status != model.StatusExecuting || job.ClaimedBy != "" {
		return nil, fmt.Errorf("job %s not claimable for resume (status %s, claimed_by %q): %w",
			jobID, job.Status, job.ClaimedBy, ErrStateConflict)
	}

	now := time.Now().UTC()
	job.ClaimedBy = workerID
	job.ClaimedAt = &now
	job.UpdatedAt = now
	if _, err := q.store.UpdateJob(ctx, job, rev); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrStateConflict)
		}
		return nil, err
	}
	return job, nil
}

// Transition performs an atomic compare-and-swap on the job status,
// writing artifacts in the same atomic unit. Listeners are notified
// after the commit.
func (q *Queue) Transition(ctx context.Context, jobID string, from, to model.JobStatus, artifacts *Artifacts) error {
	if !model.ValidTransition(from, to) {
		return fmt.Errorf("%s → %s: %w", from, to, ErrInvalidTransition)
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		job, rev, err := q.store.GetJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%s: %w", jobID, ErrNotFound)
			}
			return err
		}
		if job.Status != from {
			return fmt.Errorf("job %s is %s, expected %s: %w", jobID, job.Status, from, ErrStateConflict)
		}

		now := time.Now().UTC()
		job.Status = to
		job.UpdatedAt = now
		job.StatusChanges = append(job.StatusChanges, model.StatusChange{From: from, To: to, At: now})
		if artifacts != nil {
			if artifacts.Plan != nil {
				job.Plan = artifacts.Plan
			}
			if artifacts.Validation != nil {
				job.Validation = artifacts.Validation
			}
			if artifacts.Result != nil {
				job.Result = artifacts.Result
			}
			if artifacts.Error != nil {
				job.Error = artifacts.Error
			}
		}
		if to.Terminal() {
			job.ClaimedBy = ""
			job.CompletedAt = &now
		}
		if to == model.StatusAwaitingApproval {
			// worker releases the claim while the human decides
			job.ClaimedBy = ""
			job.ClaimedAt = nil
		}

		if _, err := q.store.UpdateJob(ctx, job, rev); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return err
		}

		if to.Terminal() {
			q.clearDedup(job.DedupFingerprint)
		}
		q.notify(jobID, from, to)
		return nil
	}
	return fmt.Errorf("job %s: %w", jobID, ErrStateConflict)
}

func (q *Queue) clearDedup(fingerprint string) {
	if fingerprint == "" {
		return
	}
	q.mu.Lock()
	delete(q.dedup, fingerprint)
	q.mu.Unlock()
}

// CancelJob transitions any non-terminal job to cancelled and signals the
// worker holding it. Returns false if the job was already terminal.
func (q *Queue) CancelJob(ctx context.Context, jobID string) (bool, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		job, rev, err := q.store.GetJob(ctx, jobID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return false, fmt.Errorf("%s: %w", jobID, ErrNotFound)
			}
			return false, err
		}
		if job.Status.Terminal() {
			return false, nil
		}

		from := job.Status
		now := time.Now().UTC()
		job.Status = model.StatusCancelled
		job.ClaimedBy = ""
		job.UpdatedAt = now
		job.CompletedAt = &now
		job.StatusChanges = append(job.StatusChanges, model.StatusChange{From: from, To: model.StatusCancelled, At: now})

		if _, err := q.store.UpdateJob(ctx, job, rev); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return false, err
		}

		q.clearDedup(job.DedupFingerprint)
		q.signalCancel(jobID)
		q.notify(jobID, from, model.StatusCancelled)
		q.logger.Info("job cancelled", "job_id", jobID, "was", from)
		return true, nil
	}
	return false, fmt.Errorf("job %s: %w", jobID, ErrStateConflict)
}

// Approve resumes an awaiting_approval job into executing. The external
// bridge validates approval nonces; the core sees only the transition.
func (q *Queue) Approve(ctx context.Context, jobID string) error {
	return q.Transition(ctx, jobID, model.StatusAwaitingApproval, model.StatusExecuting, nil)
}

// Reject fails an awaiting_approval job with a plan_rejected error.
func (q *Queue) Reject(ctx context.Context, jobID string) error {
	return q.Transition(ctx, jobID, model.StatusAwaitingApproval, model.StatusFailed, &Artifacts{
		Error: &model.JobError{Code: "plan_rejected", Message: "plan rejected by user"},
	})
}

// Counts returns the number of jobs per status.
func (q *Queue) Counts(ctx context.Context) (map[model.JobStatus]int, error) {
	rows, err := q.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[model.JobStatus]int)
	for _, row := range rows {
		counts[row.Job.Status]++
	}
	return counts, nil
}

// CompletedDurations returns the durations (seconds) of the most recent
// completed jobs, up to lastN.
func (q *Queue) CompletedDurations(ctx context.Context, lastN int) ([]float64, error) {
	rows, err := q.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	type done struct {
		at  time.Time
		dur float64
	}
	var completed []done
	for _, row := range rows {
		job := row.Job
		if job.Status != model.StatusCompleted || job.CompletedAt == nil {
			continue
		}
		completed = append(completed, done{
			at:  *job.CompletedAt,
			dur: job.CompletedAt.Sub(job.CreatedAt).Seconds(),
		})
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].at.After(completed[j].at) })
	if lastN > 0 && len(completed) > lastN {
		completed = completed[:lastN]
	}
	out := make([]float64, len(completed))
	for i, d := range completed {
		out[i] = d.dur
	}
	return out, nil
}

// VerdictCounts returns validator verdict counts across all jobs.
func (q *Queue) VerdictCounts(ctx context.Context) (map[model.Verdict]int, error) {
	rows, err := q.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[model.Verdict]int)
	for _, row := range rows {
		if row.Job.Validation != nil {
			counts[row.Job.Validation.Verdict]++
		}
	}
	return counts, nil
}

// ApprovalAges returns the age of each awaiting_approval job.
func (q *Queue) ApprovalAges(ctx context.Context) (map[string]time.Duration, error) {
	rows, err := q.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	ages := make(map[string]time.Duration)
	for _, row := range rows {
		if row.Job.Status == model.StatusAwaitingApproval {
			ages[row.Job.ID] = now.Sub(row.Job.UpdatedAt)
		}
	}
	return ages, nil
}
