package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/meridianhq/meridian/model"
)

// RecoveryResult summarizes what startup recovery did.
type RecoveryResult struct {
	Scanned    int      `json:"scanned"`
	Requeued   int      `json:"requeued"`
	Reapproval int      `json:"reapproval"`
	Failed     int      `json:"failed"`
	Untouched  int      `json:"untouched"`
	Details    []string `json:"details,omitempty"`
}

// Recover inspects every non-terminal job at startup. Jobs whose claim is
// older than the threshold are reverted to their prior step boundary:
// pending if claimed in planning or validating, awaiting_approval if
// previously validated, failed with reason interrupted when the attempt
// budget is spent. Recovery runs single-threaded before the worker pool
// starts, so it writes row revisions directly rather than going through
// the transition table (executing → awaiting_approval is a recovery-only
// move).
func (q *Queue) Recover(ctx context.Context, claimThreshold time.Duration) (*RecoveryResult, error) {
	rows, err := q.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}

	result := &RecoveryResult{}
	now := time.Now().UTC()

	for _, row := range rows {
		job := row.Job
		if job.Status.Terminal() {
			continue
		}
		result.Scanned++

		// Rebuild in-memory state for live jobs.
		q.mu.Lock()
		if job.DedupFingerprint != "" {
			q.dedup[job.DedupFingerprint] = job.ID
		}
		if _, ok := q.cancels[job.ID]; !ok {
			q.cancels[job.ID] = make(chan struct{})
		}
		q.mu.Unlock()

		if job.Status == model.StatusPending || job.Status == model.StatusAwaitingApproval {
			result.Untouched++
			continue
		}
		if job.ClaimedAt != nil && now.Sub(*job.ClaimedAt) < claimThreshold {
			result.Untouched++
			continue
		}

		from := job.Status
		var to model.JobStatus
		var jobErr *model.JobError

		switch job.Status {
		case model.StatusPlanning, model.StatusValidating:
			to = model.StatusPending
		case model.StatusExecuting:
			switch {
			case job.Attempts >= job.MaxAttempts:
				to = model.StatusFailed
				jobErr = &model.JobError{Code: "interrupted", Message: "job interrupted by shutdown with attempts exhausted"}
			case job.Validation != nil:
				to = model.StatusAwaitingApproval
			default:
				to = model.StatusPending
			}
		default:
			result.Untouched++
			continue
		}

		job.Status = to
		job.ClaimedBy = ""
		job.ClaimedAt = nil
		job.UpdatedAt = now
		job.StatusChanges = append(job.StatusChanges, model.StatusChange{From: from, To: to, At: now})
		if jobErr != nil {
			job.Error = jobErr
			job.CompletedAt = &now
		}

		if _, err := q.store.UpdateJob(ctx, job, row.Revision); err != nil {
			q.logger.Warn("recovery update failed", "job_id", job.ID, "error", err)
			continue
		}

		switch to {
		case model.StatusPending:
			result.Requeued++
		case model.StatusAwaitingApproval:
			result.Reapproval++
		case model.StatusFailed:
			result.Failed++
			q.clearDedup(job.DedupFingerprint)
		}
		result.Details = append(result.Details, fmt.Sprintf("%s: %s → %s", job.ID, from, to))
		q.notify(job.ID, from, to)
	}

	q.logger.Info("job recovery complete",
		"scanned", result.Scanned,
		"requeued", result.Requeued,
		"reapproval", result.Reapproval,
		"failed", result.Failed,
		"untouched", result.Untouched)
	return result, nil
}
