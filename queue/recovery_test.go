package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/model"
)

// ageClaim backdates a job's claim so recovery sees it as stale.
func ageClaim(t *testing.T, q *Queue, jobID string, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	job, rev, err := q.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	stale := time.Now().UTC().Add(-age)
	job.ClaimedAt = &stale
	_, err = q.store.UpdateJob(ctx, job, rev)
	require.NoError(t, err)
}

func TestRecoverStalePlanning(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.CreateJob(ctx, CreateOptions{})
	require.NoError(t, err)
	_, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	ageClaim(t, q, job.ID, time.Hour)

	result, err := q.Recover(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Requeued)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Empty(t, got.ClaimedBy)
}

func TestRecoverFreshClaimUntouched(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.CreateJob(ctx, CreateOptions{})
	require.NoError(t, err)
	_, err = q.Claim(ctx, "w1")
	require.NoError(t, err)

	result, err := q.Recover(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Untouched)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPlanning, got.Status)
}

func TestRecoverExecutingValidatedGoesToApproval(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.CreateJob(ctx, CreateOptions{MaxAttempts: 3})
	require.NoError(t, err)
	_, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Transition(ctx, job.ID, model.StatusPlanning, model.StatusValidating, nil))
	require.NoError(t, q.Transition(ctx, job.ID, model.StatusValidating, model.StatusExecuting, &Artifacts{
		Validation: &model.ValidationResult{Verdict: model.VerdictApproved, OverallRisk: model.RiskLow},
	}))
	ageClaim(t, q, job.ID, time.Hour)

	result, err := q.Recover(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Reapproval)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAwaitingApproval, got.Status)
}

func TestRecoverExecutingAttemptsExhausted(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.CreateJob(ctx, CreateOptions{MaxAttempts: 1})
	require.NoError(t, err)
	_, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Transition(ctx, job.ID, model.StatusPlanning, model.StatusValidating, nil))
	require.NoError(t, q.Transition(ctx, job.ID, model.StatusValidating, model.StatusExecuting, nil))
	ageClaim(t, q, job.ID, time.Hour)

	result, err := q.Recover(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "interrupted", got.Error.Code)
}

func TestRecoverAwaitingApprovalUntouched(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.CreateJob(ctx, CreateOptions{})
	require.NoError(t, err)
	_, err = q.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Transition(ctx, job.ID, model.StatusPlanning, model.StatusValidating, nil))
	require.NoError(t, q.Transition(ctx, job.ID, model.StatusValidating, model.StatusAwaitingApproval, nil))

	result, err := q.Recover(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Untouched)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAwaitingApproval, got.Status)
}

func TestRecoverRebuildsDedupIndex(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job, err := q.CreateJob(ctx, CreateOptions{DedupFingerprint: "fp-recover"})
	require.NoError(t, err)

	// Simulate a restart: fresh queue instance over the same store.
	fresh := New(q.store, model.DefaultConfig(), q.logger)
	_, err = fresh.Recover(ctx, 10*time.Minute)
	require.NoError(t, err)

	again, err := fresh.CreateJob(ctx, CreateOptions{DedupFingerprint: "fp-recover"})
	require.NoError(t, err)
	assert.Equal(t, job.ID, again.ID, "dedup survives restart via recovery scan")
}
