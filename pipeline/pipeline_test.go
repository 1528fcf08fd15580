package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/meridian/audit"
	"github.com/meridianhq/meridian/cache"
	"github.com/meridianhq/meridian/failure"
	"github.com/meridianhq/meridian/model"
	"github.com/meridianhq/meridian/queue"
	"github.com/meridianhq/meridian/router"
	"github.com/meridianhq/meridian/storage"
)

type harness struct {
	queue  *queue.Queue
	store  *storage.Store
	router *router.Router
	audit  *audit.MemoryWriter
	orch   *Orchestrator

	mu          sync.Mutex
	transitions []model.JobStatus
}

func newHarness(t *testing.T, catalog []string) *harness {
	t.Helper()

	conn, err := storage.Connect(model.NATSConfig{Embedded: true}, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := storage.NewStore(ctx, conn.JetStream(), storage.Options{})
	require.NoError(t, err)

	cfg := model.DefaultConfig()
	q := queue.New(store, cfg, slog.Default())

	writer := audit.NewMemoryWriter()
	routerKeys, err := router.GenerateKeypair()
	require.NoError(t, err)
	r := router.New(router.NewKeyRegistry(), router.NewReplayWindow(time.Minute, 1000),
		router.NewSigner("axis", routerKeys), writer, slog.Default())

	pipelineKeys, err := router.GenerateKeypair()
	require.NoError(t, err)
	signer := router.NewSigner(ComponentPipeline, pipelineKeys)
	r.Keys().Register(ComponentPipeline, pipelineKeys.Public)

	backoff := failure.NewBackoff()
	backoff.BaseMs = 1
	backoff.CapMs = 5
	backoff.JitterMs = 0
	backoff.Rand = func() float64 { return 0 }

	h := &harness{queue: q, store: store, router: r, audit: writer}
	h.orch = New(Deps{
		Queue:      q,
		Dispatcher: r,
		Signer:     signer,
		Store:      store,
		Backoff:    backoff,
		Catalog:    func() []string { return catalog },
		Logger:     slog.Default(),
	}, Config{MaxRevisions: 3, FastPathRetryBudget: 2})

	q.OnStatusChange(func(jobID string, from, to model.JobStatus) {
		h.mu.Lock()
		h.transitions = append(h.transitions, to)
		h.mu.Unlock()
	})
	return h
}

// startJob creates a job with stored user content and claims it into
// planning, the state Run expects.
func (h *harness) startJob(t *testing.T, content string, source model.JobSource) *model.Job {
	t.Helper()
	ctx := context.Background()
	job, err := h.queue.CreateJob(ctx, queue.CreateOptions{Source: source})
	require.NoError(t, err)
	require.NoError(t, h.store.PutMessage(ctx, storage.StoredMessage{
		JobID: job.ID, Content: content, At: time.Now().UTC(),
	}))
	claimed, err := h.queue.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)
	return claimed
}

func (h *harness) statuses() []model.JobStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.JobStatus(nil), h.transitions...)
}

// dispatchCounts tallies successful dispatches per message type.
func (h *harness) dispatchCounts() map[string]int {
	counts := make(map[string]int)
	for _, e := range h.audit.Entries() {
		if e.Outcome == "ok" {
			counts[e.Action]++
		}
	}
	return counts
}

func (h *harness) registerPlanner(t *testing.T, fn func(req model.PlanRequest) model.PlanResponse) {
	t.Helper()
	h.router.Register(ComponentPlanner, func(_ context.Context, msg *model.AxisMessage) (*model.AxisMessage, error) {
		var req model.PlanRequest
		if err := model.DecodePayload(msg.Payload, &req); err != nil {
			return nil, err
		}
		payload, err := model.EncodePayload(fn(req))
		if err != nil {
			return nil, err
		}
		return &model.AxisMessage{Type: model.MsgPlanReply, Payload: payload}, nil
	})
}

func (h *harness) registerExecutor(t *testing.T, fn func(req model.ExecuteRequest) model.ExecuteResponse) {
	t.Helper()
	h.router.Register(ComponentExecutor, func(_ context.Context, msg *model.AxisMessage) (*model.AxisMessage, error) {
		var req model.ExecuteRequest
		if err := model.DecodePayload(msg.Payload, &req); err != nil {
			return nil, err
		}
		resp := fn(req)
		resp.StepID = req.StepID
		payload, err := model.EncodePayload(resp)
		if err != nil {
			return nil, err
		}
		return &model.AxisMessage{Type: model.MsgExecuteReply, Payload: payload}, nil
	})
}

func okExecutor(req model.ExecuteRequest) model.ExecuteResponse {
	return model.ExecuteResponse{Result: map[string]any{"ok": true}, DurationMs: 3}
}

func fullPlan(jobID string, journalSkip bool, steps ...model.Step) model.PlanResponse {
	return model.PlanResponse{Path: model.PathFull, Plan: &model.Plan{
		ID: model.NewPlanID(), JobID: jobID, Steps: steps, JournalSkip: journalSkip,
	}}
}

func TestFastPath(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.registerPlanner(t, func(req model.PlanRequest) model.PlanResponse {
		return model.PlanResponse{Path: model.PathFast, Text: "It's currently 2:34 AM in Tokyo (JST, UTC+9)."}
	})

	job := h.startJob(t, "What time is it in Tokyo?", model.SourceUser)
	require.NoError(t, h.orch.Run(ctx, job))

	final, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, final.Status)
	require.NotNil(t, final.Result)
	assert.Equal(t, model.PathFast, final.Result.Path)
	assert.Contains(t, final.Result.Text, "Tokyo")
	assert.Contains(t, final.Result.Text, "2:34 AM")

	counts := h.dispatchCounts()
	assert.Equal(t, 1, counts[model.MsgPlanRequest], "exactly one plan request")
	assert.Zero(t, counts[model.MsgValidateRequest])
	assert.Zero(t, counts[model.MsgExecuteRequest])
	assert.Zero(t, counts[model.MsgReflectRequest])
}

func TestFullPathLowRisk(t *testing.T) {
	h := newHarness(t, []string{"file-manager"})
	ctx := context.Background()

	h.registerPlanner(t, func(req model.PlanRequest) model.PlanResponse {
		return fullPlan(req.JobID, true,
			model.Step{ID: "s1", Gear: "file-manager", Action: "read_file",
				Parameters: map[string]any{"pattern": "TODO"}, RiskLevel: model.RiskLow},
			model.Step{ID: "s2", Gear: "file-manager", Action: "write_file",
				Parameters: map[string]any{"path": "todos.txt"}, RiskLevel: model.RiskMedium},
		)
	})

	// Observe the validator payload on the wire.
	var observed json.RawMessage
	h.router.Register(ComponentValidator, func(ctx context.Context, msg *model.AxisMessage) (*model.AxisMessage, error) {
		observed = append(json.RawMessage(nil), msg.Payload...)
		return FallbackValidator()(ctx, msg)
	})
	h.registerExecutor(t, okExecutor)

	job := h.startJob(t, "Find all TODO comments in my project and save them to todos.txt", model.SourceUser)
	require.NoError(t, h.orch.Run(ctx, job))

	final, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, final.Status)
	require.NotNil(t, final.Result)
	assert.Len(t, final.Result.Steps, 2)
	require.NotNil(t, final.Validation)
	assert.Equal(t, model.VerdictApproved, final.Validation.Verdict)

	// Information barrier: only the stripped plan crosses the wire.
	var payload map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(observed, &payload))
	for _, forbidden := range []string{"user_message", "conversation_history", "conversation_id", "gear_catalog"} {
		assert.NotContains(t, payload, forbidden)
	}
	var req struct {
		Plan map[string]json.RawMessage `json:"plan"`
	}
	require.NoError(t, json.Unmarshal(observed, &req))
	for key := range req.Plan {
		assert.Contains(t, []string{"id", "job_id", "steps"}, key)
	}

	counts := h.dispatchCounts()
	assert.Zero(t, counts[model.MsgReflectRequest], "journal_skip plan skips reflection")
	assert.Equal(t, 2, counts[model.MsgExecuteRequest])
}

func TestApprovalGate(t *testing.T) {
	h := newHarness(t, []string{"file-manager"})
	ctx := context.Background()

	h.registerPlanner(t, func(req model.PlanRequest) model.PlanResponse {
		return fullPlan(req.JobID, true,
			model.Step{ID: "s1", Gear: "file-manager", Action: "list_files", RiskLevel: model.RiskLow},
			model.Step{ID: "s2", Gear: "file-manager", Action: "delete_files",
				Parameters: map[string]any{"glob": "*.tmp"}, RiskLevel: model.RiskHigh},
		)
	})
	h.router.Register(ComponentValidator, FallbackValidator())
	h.registerExecutor(t, okExecutor)

	job := h.startJob(t, "Delete all .tmp files in my project", model.SourceUser)
	require.NoError(t, h.orch.Run(ctx, job))

	parked, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAwaitingApproval, parked.Status)
	assert.Zero(t, h.dispatchCounts()[model.MsgExecuteRequest], "no execution before approval")

	// External approval resumes the job.
	require.NoError(t, h.queue.Approve(ctx, job.ID))
	resumed, err := h.queue.ClaimResumed(ctx, "w1", job.ID)
	require.NoError(t, err)
	require.NoError(t, h.orch.Run(ctx, resumed))

	final, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, final.Status)
	require.NotNil(t, final.Result)
	assert.Len(t, final.Result.Steps, 2)

	assert.Equal(t, []model.JobStatus{
		model.StatusPlanning, model.StatusValidating, model.StatusAwaitingApproval,
		model.StatusExecuting, model.StatusCompleted,
	}, h.statuses())
}

func TestRetryOn503(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.registerPlanner(t, func(req model.PlanRequest) model.PlanResponse {
		return fullPlan(req.JobID, true,
			model.Step{ID: "s1", Gear: "file-manager", Action: "read_file", RiskLevel: model.RiskLow})
	})
	h.router.Register(ComponentValidator, FallbackValidator())

	calls := 0
	h.registerExecutor(t, func(req model.ExecuteRequest) model.ExecuteResponse {
		calls++
		if calls == 1 {
			return model.ExecuteResponse{Error: &model.ToolError{
				Code: "upstream_unavailable", Message: "service unavailable", Status: 503,
			}}
		}
		return model.ExecuteResponse{Result: "ok", DurationMs: 2}
	})

	job := h.startJob(t, "read the report", model.SourceUser)
	require.NoError(t, h.orch.Run(ctx, job))

	final, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, final.Status)
	require.Len(t, final.Result.Steps, 1)
	assert.Equal(t, 1, final.Result.Steps[0].Attempt, "succeeded on the retry")
	assert.Equal(t, 2, calls)
}

func TestNonRetriable403(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.registerPlanner(t, func(req model.PlanRequest) model.PlanResponse {
		return fullPlan(req.JobID, true,
			model.Step{ID: "s1", Gear: "mail", Action: "send", RiskLevel: model.RiskLow})
	})
	h.router.Register(ComponentValidator, func(_ context.Context, msg *model.AxisMessage) (*model.AxisMessage, error) {
		payload, _ := model.EncodePayload(model.ValidationResult{
			Verdict: model.VerdictApproved, OverallRisk: model.RiskLow,
		})
		return &model.AxisMessage{Type: model.MsgValidateReply, Payload: payload}, nil
	})

	calls := 0
	h.registerExecutor(t, func(req model.ExecuteRequest) model.ExecuteResponse {
		calls++
		return model.ExecuteResponse{Error: &model.ToolError{
			Code: "forbidden", Message: "credentials rejected", Status: 403,
		}}
	})

	job := h.startJob(t, "send the report", model.SourceUser)
	require.NoError(t, h.orch.Run(ctx, job))

	final, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, string(failure.NonRetriableCredential), final.Error.Code)
	assert.False(t, final.Error.Retriable)
	assert.Equal(t, 1, calls, "no retry on a credential failure")
}

func TestRevisionLoop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	planCalls := 0
	h.registerPlanner(t, func(req model.PlanRequest) model.PlanResponse {
		planCalls++
		if planCalls > 1 {
			require.NotNil(t, req.FailureState)
			assert.Equal(t, planCalls-1, req.FailureState.RevisionCount)
		}
		return fullPlan(req.JobID, true,
			model.Step{ID: "s1", Gear: "file-manager", Action: "read_file", RiskLevel: model.RiskLow})
	})

	validateCalls := 0
	h.router.Register(ComponentValidator, func(_ context.Context, msg *model.AxisMessage) (*model.AxisMessage, error) {
		validateCalls++
		result := model.ValidationResult{Verdict: model.VerdictApproved, OverallRisk: model.RiskLow}
		if validateCalls < 3 {
			result = model.ValidationResult{
				Verdict:     model.VerdictNeedsRevision,
				OverallRisk: model.RiskLow,
				Steps: []model.StepValidation{{
					StepID: "s1", Verdict: model.VerdictNeedsRevision, Reasoning: "parameters underspecified",
				}},
			}
		}
		payload, _ := model.EncodePayload(result)
		return &model.AxisMessage{Type: model.MsgValidateReply, Payload: payload}, nil
	})
	h.registerExecutor(t, okExecutor)

	job := h.startJob(t, "do the thing", model.SourceUser)
	require.NoError(t, h.orch.Run(ctx, job))

	final, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Equal(t, 3, planCalls)
}

func TestRevisionBudgetExhausted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.registerPlanner(t, func(req model.PlanRequest) model.PlanResponse {
		return fullPlan(req.JobID, true,
			model.Step{ID: "s1", Gear: "file-manager", Action: "read_file", RiskLevel: model.RiskLow})
	})
	h.router.Register(ComponentValidator, func(_ context.Context, msg *model.AxisMessage) (*model.AxisMessage, error) {
		payload, _ := model.EncodePayload(model.ValidationResult{
			Verdict: model.VerdictNeedsRevision, OverallRisk: model.RiskLow,
		})
		return &model.AxisMessage{Type: model.MsgValidateReply, Payload: payload}, nil
	})

	job := h.startJob(t, "do the thing", model.SourceUser)
	require.NoError(t, h.orch.Run(ctx, job))

	final, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, "plan_validation", final.Error.Code)
}

func TestPlanRejected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.registerPlanner(t, func(req model.PlanRequest) model.PlanResponse {
		return fullPlan(req.JobID, true,
			model.Step{ID: "s1", Gear: "shell", Action: "exec", RiskLevel: model.RiskCritical})
	})
	h.router.Register(ComponentValidator, func(_ context.Context, msg *model.AxisMessage) (*model.AxisMessage, error) {
		payload, _ := model.EncodePayload(model.ValidationResult{
			Verdict: model.VerdictRejected, OverallRisk: model.RiskCritical,
		})
		return &model.AxisMessage{Type: model.MsgValidateReply, Payload: payload}, nil
	})

	job := h.startJob(t, "wipe everything", model.SourceUser)
	require.NoError(t, h.orch.Run(ctx, job))

	final, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, final.Status)
	assert.Equal(t, "plan_rejected", final.Error.Code)
}

func TestFastPathVerificationExhaustsBudget(t *testing.T) {
	h := newHarness(t, []string{"file-manager"})
	ctx := context.Background()

	planCalls := 0
	h.registerPlanner(t, func(req model.PlanRequest) model.PlanResponse {
		planCalls++
		if planCalls > 1 {
			assert.True(t, req.ForceFullPath, "retries demand the full path")
		}
		return model.PlanResponse{Path: model.PathFast,
			Text: "I've already saved the todos using file-manager."}
	})

	job := h.startJob(t, "save my todos", model.SourceUser)
	require.NoError(t, h.orch.Run(ctx, job))

	final, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, final.Status)
	assert.Equal(t, "fast_path_verification", final.Error.Code)
	assert.Equal(t, 3, planCalls, "initial try plus the retry budget")
}

func TestFastPathRetryRecoversWithFullPlan(t *testing.T) {
	h := newHarness(t, []string{"file-manager"})
	ctx := context.Background()

	planCalls := 0
	h.registerPlanner(t, func(req model.PlanRequest) model.PlanResponse {
		planCalls++
		if planCalls == 1 {
			return model.PlanResponse{Path: model.PathFast, Text: "I've already saved it."}
		}
		return fullPlan(req.JobID, true,
			model.Step{ID: "s1", Gear: "file-manager", Action: "write_file", RiskLevel: model.RiskMedium})
	})
	h.router.Register(ComponentValidator, FallbackValidator())
	h.registerExecutor(t, okExecutor)

	job := h.startJob(t, "save my todos", model.SourceUser)
	require.NoError(t, h.orch.Run(ctx, job))

	final, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, final.Status)
	assert.Equal(t, 2, planCalls)
}

func TestReflectDispatchedWhenJournaling(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.registerPlanner(t, func(req model.PlanRequest) model.PlanResponse {
		return fullPlan(req.JobID, false,
			model.Step{ID: "s1", Gear: "file-manager", Action: "read_file", RiskLevel: model.RiskLow})
	})
	h.router.Register(ComponentValidator, FallbackValidator())
	h.registerExecutor(t, okExecutor)

	var reflected *model.ReflectRequest
	h.router.Register(ComponentMemoryWriter, func(_ context.Context, msg *model.AxisMessage) (*model.AxisMessage, error) {
		var req model.ReflectRequest
		if err := model.DecodePayload(msg.Payload, &req); err != nil {
			return nil, err
		}
		reflected = &req
		return &model.AxisMessage{Type: model.MsgReflectReply}, nil
	})

	job := h.startJob(t, "read the report", model.SourceUser)
	require.NoError(t, h.orch.Run(ctx, job))

	require.NotNil(t, reflected)
	assert.Equal(t, job.ID, reflected.JobID)
	assert.Equal(t, "completed", reflected.Outcome)
	assert.Equal(t, 1, reflected.Steps)
}

func TestCancelDuringExecution(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.registerPlanner(t, func(req model.PlanRequest) model.PlanResponse {
		return fullPlan(req.JobID, true,
			model.Step{ID: "s1", Gear: "file-manager", Action: "read_file", RiskLevel: model.RiskLow},
			model.Step{ID: "s2", Gear: "file-manager", Action: "read_file", RiskLevel: model.RiskLow})
	})
	h.router.Register(ComponentValidator, FallbackValidator())

	var job *model.Job
	h.registerExecutor(t, func(req model.ExecuteRequest) model.ExecuteResponse {
		if req.StepID == "s1" {
			// Cancel while the first step is in flight; the second must
			// never run.
			_, err := h.queue.CancelJob(context.Background(), job.ID)
			require.NoError(t, err)
		} else {
			t.Errorf("step %s executed after cancellation", req.StepID)
		}
		return model.ExecuteResponse{Result: "ok", DurationMs: 1}
	})

	job = h.startJob(t, "read two files", model.SourceUser)
	err := h.orch.Run(ctx, job)
	assert.ErrorIs(t, err, ErrCancelled)

	final, getErr := h.queue.Get(ctx, job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, model.StatusCancelled, final.Status)
}

func TestCancelReachesInFlightDispatch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.registerPlanner(t, func(req model.PlanRequest) model.PlanResponse {
		return fullPlan(req.JobID, true,
			model.Step{ID: "s1", Gear: "file-manager", Action: "read_file", RiskLevel: model.RiskLow})
	})
	h.router.Register(ComponentValidator, FallbackValidator())

	// The handler observes its own context: CancelJob must cancel it
	// while the dispatch is still in flight, not after the step returns.
	interrupted := make(chan bool, 1)
	h.router.Register(ComponentExecutor, func(hctx context.Context, msg *model.AxisMessage) (*model.AxisMessage, error) {
		var req model.ExecuteRequest
		if err := model.DecodePayload(msg.Payload, &req); err != nil {
			return nil, err
		}
		_, err := h.queue.CancelJob(context.Background(), req.JobID)
		require.NoError(t, err)
		select {
		case <-hctx.Done():
			interrupted <- true
		case <-time.After(3 * time.Second):
			interrupted <- false
		}
		return nil, hctx.Err()
	})

	job := h.startJob(t, "read one file", model.SourceUser)
	err := h.orch.Run(ctx, job)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.True(t, <-interrupted, "handler context not cancelled mid-dispatch")

	final, getErr := h.queue.Get(ctx, job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, model.StatusCancelled, final.Status)
}

func newTestPlanCache(t *testing.T, store *storage.Store) *cache.PlanReplay {
	t.Helper()
	return cache.NewPlanReplay(store, model.PlanCacheConfig{MaxEntries: 16, TTLMs: 60_000}, slog.Default())
}

func TestPlanReplayForScheduledJobs(t *testing.T) {
	h := newHarness(t, []string{"file-manager"})
	ctx := context.Background()

	h.orch.planCache = newTestPlanCache(t, h.store)

	planCalls := 0
	h.registerPlanner(t, func(req model.PlanRequest) model.PlanResponse {
		planCalls++
		return fullPlan(req.JobID, true,
			model.Step{ID: "s1", Gear: "file-manager", Action: "read_file",
				Parameters: map[string]any{"path": "report.txt"}, RiskLevel: model.RiskLow})
	})
	h.router.Register(ComponentValidator, FallbackValidator())
	h.registerExecutor(t, okExecutor)

	first := h.startJob(t, "daily report sweep", model.SourceSchedule)
	require.NoError(t, h.orch.Run(ctx, first))
	assert.Equal(t, 1, planCalls)

	second := h.startJob(t, "daily report sweep", model.SourceSchedule)
	require.NoError(t, h.orch.Run(ctx, second))
	assert.Equal(t, 1, planCalls, "second run replays the cached plan")

	final, err := h.queue.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, final.Status)
	require.NotNil(t, final.Plan)
	assert.NotEqual(t, first.Plan.ID, final.Plan.ID, "replayed plan gets a fresh ID")
}

func TestApprovedPlanCachedWithApprovalHash(t *testing.T) {
	h := newHarness(t, []string{"file-manager"})
	ctx := context.Background()

	h.orch.planCache = newTestPlanCache(t, h.store)

	h.registerPlanner(t, func(req model.PlanRequest) model.PlanResponse {
		return fullPlan(req.JobID, true,
			model.Step{ID: "s1", Gear: "file-manager", Action: "delete_files",
				Parameters: map[string]any{"glob": "*.bak"}, RiskLevel: model.RiskHigh})
	})
	h.router.Register(ComponentValidator, func(_ context.Context, msg *model.AxisMessage) (*model.AxisMessage, error) {
		payload, err := model.EncodePayload(model.ValidationResult{
			Verdict: model.VerdictNeedsUserApproval, OverallRisk: model.RiskHigh,
		})
		if err != nil {
			return nil, err
		}
		return &model.AxisMessage{Type: model.MsgValidateReply, Payload: payload}, nil
	})
	h.registerExecutor(t, okExecutor)

	job := h.startJob(t, "weekly backup cleanup", model.SourceSchedule)
	require.NoError(t, h.orch.Run(ctx, job))
	require.NoError(t, h.queue.Approve(ctx, job.ID))
	resumed, err := h.queue.ClaimResumed(ctx, "w1", job.ID)
	require.NoError(t, err)
	require.NoError(t, h.orch.Run(ctx, resumed))

	// The approval pause dropped the original cache key; completion
	// stores the plan with the hash of what was approved.
	key := h.orch.planCache.Key("weekly backup cleanup", []string{"file-manager"})
	var entry cache.PlanEntry
	require.NoError(t, h.store.CacheGet(ctx, storage.PlanCacheBucket, key, &entry))
	require.NotNil(t, entry.Plan)
	assert.NotEmpty(t, entry.ApprovalHash)
	assert.Equal(t, cache.ApprovalHash(entry.Plan), entry.ApprovalHash)
}

// startEmbeddedJob stores the user content with a query embedding, the
// way the bridge does when the embedding store produced one.
func (h *harness) startEmbeddedJob(t *testing.T, content string, embedding []float64) *model.Job {
	t.Helper()
	ctx := context.Background()
	job, err := h.queue.CreateJob(ctx, queue.CreateOptions{Source: model.SourceUser})
	require.NoError(t, err)
	require.NoError(t, h.store.PutMessage(ctx, storage.StoredMessage{
		JobID: job.ID, Content: content, Embedding: embedding,
		Model: "local-default", At: time.Now().UTC(),
	}))
	claimed, err := h.queue.Claim(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)
	return claimed
}

func newTestSemanticCache(t *testing.T, store *storage.Store) *cache.Semantic {
	t.Helper()
	return cache.NewSemantic(store, model.SemanticCacheConfig{
		SimilarityThreshold: 0.98, TTLMs: 60_000, MaxEntries: 16,
	}, slog.Default())
}

func TestSemanticCacheServesSimilarQueries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.orch.semantic = newTestSemanticCache(t, h.store)

	planCalls := 0
	h.registerPlanner(t, func(req model.PlanRequest) model.PlanResponse {
		planCalls++
		return model.PlanResponse{Path: model.PathFast, Text: "Paris is the capital of France."}
	})

	embedding := []float64{0.1, 0.9, 0.2}
	first := h.startEmbeddedJob(t, "What is the capital of France?", embedding)
	require.NoError(t, h.orch.Run(ctx, first))
	assert.Equal(t, 1, planCalls)

	second := h.startEmbeddedJob(t, "Capital city of France?", embedding)
	require.NoError(t, h.orch.Run(ctx, second))
	assert.Equal(t, 1, planCalls, "second query answered from the semantic cache")

	final, err := h.queue.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, final.Status)
	require.NotNil(t, final.Result)
	assert.Equal(t, model.PathFast, final.Result.Path)
	assert.Equal(t, "Paris is the capital of France.", final.Result.Text)
}

func TestSemanticCacheBypassesTimeSensitiveQueries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.orch.semantic = newTestSemanticCache(t, h.store)

	planCalls := 0
	h.registerPlanner(t, func(req model.PlanRequest) model.PlanResponse {
		planCalls++
		return model.PlanResponse{Path: model.PathFast, Text: "It is 18 degrees and sunny in Oslo."}
	})

	embedding := []float64{0.3, 0.3, 0.9}
	first := h.startEmbeddedJob(t, "What's the weather in Oslo?", embedding)
	require.NoError(t, h.orch.Run(ctx, first))
	second := h.startEmbeddedJob(t, "What's the weather in Oslo?", embedding)
	require.NoError(t, h.orch.Run(ctx, second))
	assert.Equal(t, 2, planCalls, "time-sensitive queries never hit the cache")
}
