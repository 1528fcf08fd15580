// Package pipeline runs one job from planning to its terminal state:
// plan, validate behind the information barrier, gate on approval,
// execute step by step, and reflect.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridianhq/meridian/cache"
	"github.com/meridianhq/meridian/failure"
	"github.com/meridianhq/meridian/model"
	"github.com/meridianhq/meridian/queue"
	"github.com/meridianhq/meridian/router"
	"github.com/meridianhq/meridian/storage"
)

// Component IDs on the axis router.
const (
	ComponentPipeline     = "pipeline"
	ComponentPlanner      = "planner"
	ComponentValidator    = "validator"
	ComponentExecutor     = "executor"
	ComponentMemoryWriter = "memory-writer"
)

// ErrCancelled is returned from Run when the job was cancelled mid-flight.
var ErrCancelled = errors.New("job cancelled")

// Dispatcher sends a signed message through the router and returns the
// verified reply.
type Dispatcher interface {
	Send(ctx context.Context, signer *router.Signer, msg *model.AxisMessage) (*model.AxisMessage, error)
}

// MessageStore is the storage surface the orchestrator reads user
// content from and writes execution logs to.
type MessageStore interface {
	GetMessage(ctx context.Context, jobID string) (*storage.StoredMessage, error)
	AppendExecLog(ctx context.Context, e storage.ExecLogEntry) error
}

// Deps are the orchestrator's collaborators, injected at construction.
type Deps struct {
	Queue         *queue.Queue
	Dispatcher    Dispatcher
	Signer        *router.Signer
	Store         MessageStore
	PlanCache     *cache.PlanReplay // optional
	SemanticCache *cache.Semantic   // optional
	Backoff       *failure.Backoff
	Catalog       func() []string // registered gear names
	Logger        *slog.Logger
}

// Config bounds the orchestrator's retry loops.
type Config struct {
	MaxRevisions        int
	FastPathRetryBudget int
}

// Orchestrator drives the plan/validate/approve/execute/reflect flow
// for one job at a time. It is safe for concurrent use across jobs.
type Orchestrator struct {
	queue     *queue.Queue
	dispatch  Dispatcher
	signer    *router.Signer
	store     MessageStore
	planCache *cache.PlanReplay
	semantic  *cache.Semantic
	backoff   *failure.Backoff
	catalog   func() []string
	logger    *slog.Logger
	cfg       Config
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	backoff := deps.Backoff
	if backoff == nil {
		backoff = failure.NewBackoff()
	}
	catalog := deps.Catalog
	if catalog == nil {
		catalog = func() []string { return nil }
	}
	return &Orchestrator{
		queue:     deps.Queue,
		dispatch:  deps.Dispatcher,
		signer:    deps.Signer,
		store:     deps.Store,
		planCache: deps.PlanCache,
		semantic:  deps.SemanticCache,
		backoff:   backoff,
		catalog:   catalog,
		logger:    logger,
		cfg:       cfg,
	}
}

// Run drives the job from its current status to a terminal state or an
// approval pause. A job in planning runs the full flow; a job in
// executing (approval resume, crash recovery) resumes at the execute
// stage.
func (o *Orchestrator) Run(ctx context.Context, job *model.Job) error {
	cancelCh := o.queue.CancelChan(job.ID)

	// Cancellation must reach in-flight dispatches, not just the polls
	// at step boundaries: derive the dispatch context from the cancel
	// channel so handlers and their child processes see Done.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-cancelCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	switch job.Status {
	case model.StatusPlanning:
		return o.runFromPlanning(ctx, job, cancelCh)
	case model.StatusExecuting:
		return o.execute(ctx, job, cancelCh)
	default:
		return fmt.Errorf("job %s: cannot run pipeline from status %s", job.ID, job.Status)
	}
}

func (o *Orchestrator) runFromPlanning(ctx context.Context, job *model.Job, cancelCh <-chan struct{}) error {
	stored, err := o.store.GetMessage(ctx, job.ID)
	if err != nil {
		return o.failFrom(ctx, job, model.StatusPlanning, &model.JobError{
			Code: "message_missing", Message: err.Error(),
		})
	}

	if text, ok := o.cachedResponse(ctx, job, stored); ok {
		return o.completeFastPath(ctx, job, text)
	}

	var failureState *model.FailureState
	forceFull := false
	fastRetries := 0
	revisions := 0

	for {
		if cancelled(ctx, cancelCh) {
			return o.cancel(ctx, job)
		}

		plan, cacheKey := o.replayPlan(ctx, job, stored, forceFull, failureState)
		if plan == nil {
			resp, err := o.requestPlan(ctx, job, stored, failureState, forceFull)
			if err != nil {
				return o.failFrom(ctx, job, model.StatusPlanning, &model.JobError{
					Code: "plan_failed", Message: err.Error(), Retriable: true,
				})
			}

			if resp.Path == model.PathFast {
				if verr := VerifyFastPath(resp.Text, o.catalog()); verr != nil {
					fastRetries++
					o.logger.Warn("fast-path verification failed",
						"job_id", job.ID, "retry", fastRetries, "error", verr)
					if fastRetries > o.cfg.FastPathRetryBudget {
						return o.failFrom(ctx, job, model.StatusPlanning, &model.JobError{
							Code: "fast_path_verification", Message: verr.Error(),
						})
					}
					forceFull = true
					continue
				}
				o.storeResponse(ctx, job, stored, resp.Text)
				return o.completeFastPath(ctx, job, resp.Text)
			}

			plan = resp.Plan
			if plan == nil || len(plan.Steps) == 0 {
				return o.failFrom(ctx, job, model.StatusPlanning, &model.JobError{
					Code: "plan_failed", Message: "planner returned an empty plan",
				})
			}
		}

		plan.JobID = job.ID
		if plan.ID == "" {
			plan.ID = model.NewPlanID()
		}

		if err := o.queue.Transition(ctx, job.ID, model.StatusPlanning, model.StatusValidating,
			&queue.Artifacts{Plan: plan}); err != nil {
			return fmt.Errorf("job %s: record plan: %w", job.ID, err)
		}
		job.Status = model.StatusValidating
		job.Plan = plan

		validation, err := o.validate(ctx, job, plan)
		if err != nil {
			return o.failFrom(ctx, job, model.StatusValidating, &model.JobError{
				Code: "validation_failed", Message: err.Error(), Retriable: true,
			})
		}

		switch validation.Verdict {
		case model.VerdictApproved:
			if err := o.queue.Transition(ctx, job.ID, model.StatusValidating, model.StatusExecuting,
				&queue.Artifacts{Validation: validation}); err != nil {
				return fmt.Errorf("job %s: approve plan: %w", job.ID, err)
			}
			job.Status = model.StatusExecuting
			job.Validation = validation
			if cacheKey != "" && o.planCache != nil && o.planCache.Eligible(job.Source, plan) {
				if err := o.planCache.Put(ctx, cacheKey, plan, ""); err != nil {
					o.logger.Warn("plan cache store failed", "job_id", job.ID, "error", err)
				}
			}
			return o.execute(ctx, job, cancelCh)

		case model.VerdictNeedsUserApproval:
			if err := o.queue.Transition(ctx, job.ID, model.StatusValidating, model.StatusAwaitingApproval,
				&queue.Artifacts{Validation: validation}); err != nil {
				return fmt.Errorf("job %s: park for approval: %w", job.ID, err)
			}
			o.logger.Info("job awaiting approval",
				"job_id", job.ID, "overall_risk", validation.OverallRisk)
			return nil

		case model.VerdictNeedsRevision:
			revisions++
			if revisions > o.cfg.MaxRevisions {
				return o.failFrom(ctx, job, model.StatusValidating, &model.JobError{
					Code: "plan_validation", Message: "revision budget exhausted",
				})
			}
			if err := o.queue.Transition(ctx, job.ID, model.StatusValidating, model.StatusPlanning, nil); err != nil {
				return fmt.Errorf("job %s: restart planning: %w", job.ID, err)
			}
			job.Status = model.StatusPlanning
			if failureState == nil {
				failureState = &model.FailureState{}
			}
			failureState.RevisionCount = revisions
			for _, sv := range validation.Steps {
				if sv.Verdict == model.VerdictNeedsRevision && sv.Reasoning != "" {
					failureState.Reasons = append(failureState.Reasons, sv.Reasoning)
				}
			}
			o.logger.Info("plan needs revision", "job_id", job.ID, "revision", revisions)
			continue

		case model.VerdictRejected:
			return o.failFrom(ctx, job, model.StatusValidating, &model.JobError{
				Code: "plan_rejected", Message: "validator rejected the plan",
			})

		default:
			return o.failFrom(ctx, job, model.StatusValidating, &model.JobError{
				Code: "validation_failed", Message: fmt.Sprintf("unknown verdict %q", validation.Verdict),
			})
		}
	}
}

// replayPlan checks the plan replay cache for scheduled jobs. The key is
// returned even on a miss so an approved plan can be stored later.
func (o *Orchestrator) replayPlan(ctx context.Context, job *model.Job, stored *storage.StoredMessage, forceFull bool, failureState *model.FailureState) (*model.Plan, string) {
	if o.planCache == nil || job.Source != model.SourceSchedule || forceFull || failureState != nil {
		return nil, ""
	}
	key := o.planCache.Key(stored.Content, o.catalog())
	if plan := o.planCache.Get(ctx, key); plan != nil {
		o.logger.Info("plan replayed from cache", "job_id", job.ID, "plan_id", plan.ID)
		replayed := *plan
		replayed.ID = model.NewPlanID()
		// Empty key: a replayed plan is never re-stored.
		return &replayed, ""
	}
	return nil, key
}

// cachedResponse serves a fast-path answer from the semantic cache when
// the bridge supplied a query embedding and the query is not
// time-sensitive. No planner, validator, or tool dispatch happens on a
// hit.
func (o *Orchestrator) cachedResponse(ctx context.Context, job *model.Job, stored *storage.StoredMessage) (string, bool) {
	if o.semantic == nil || len(stored.Embedding) == 0 || cache.Bypass(stored.Content) {
		return "", false
	}
	text, ok := o.semantic.Lookup(ctx, stored.Embedding, stored.Model)
	if ok {
		o.logger.Info("response served from semantic cache",
			"job_id", job.ID, "model", stored.Model)
	}
	return text, ok
}

// storeResponse caches a verified fast-path answer under the query
// embedding for later semantic reuse.
func (o *Orchestrator) storeResponse(ctx context.Context, job *model.Job, stored *storage.StoredMessage, text string) {
	if o.semantic == nil || len(stored.Embedding) == 0 || cache.Bypass(stored.Content) {
		return
	}
	if err := o.semantic.Store(ctx, stored.Embedding, text, stored.Model); err != nil {
		o.logger.Warn("semantic cache store failed", "job_id", job.ID, "error", err)
	}
}

func (o *Orchestrator) requestPlan(ctx context.Context, job *model.Job, stored *storage.StoredMessage, failureState *model.FailureState, forceFull bool) (*model.PlanResponse, error) {
	req := model.PlanRequest{
		UserMessage:         stored.Content,
		JobID:               job.ID,
		ConversationHistory: stored.History,
		FailureState:        failureState,
		ForceFullPath:       forceFull,
	}
	payload, err := model.EncodePayload(req)
	if err != nil {
		return nil, err
	}
	reply, err := o.dispatch.Send(ctx, o.signer, &model.AxisMessage{
		To:      ComponentPlanner,
		Type:    model.MsgPlanRequest,
		JobID:   job.ID,
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("plan request: %w", err)
	}
	var resp model.PlanResponse
	if err := model.DecodePayload(reply.Payload, &resp); err != nil {
		return nil, fmt.Errorf("plan reply: %w", err)
	}
	return &resp, nil
}

// validate sends only the stripped plan across the information barrier.
// Forbidden keys are scrubbed from the payload before it leaves, and
// their presence is logged as a barrier violation.
func (o *Orchestrator) validate(ctx context.Context, job *model.Job, plan *model.Plan) (*model.ValidationResult, error) {
	payload, err := model.EncodePayload(model.ValidateRequest{Plan: plan.Strip()})
	if err != nil {
		return nil, err
	}
	scrubbed, dropped, err := ScrubPayload(payload)
	if err != nil {
		return nil, err
	}
	if len(dropped) > 0 {
		o.logger.Warn("information barrier violation: dropped forbidden keys",
			"job_id", job.ID, "keys", dropped)
	}

	reply, err := o.dispatch.Send(ctx, o.signer, &model.AxisMessage{
		To:      ComponentValidator,
		Type:    model.MsgValidateRequest,
		JobID:   job.ID,
		Payload: scrubbed,
	})
	if err != nil {
		return nil, fmt.Errorf("validate request: %w", err)
	}
	var result model.ValidationResult
	if err := model.DecodePayload(reply.Payload, &result); err != nil {
		return nil, fmt.Errorf("validate reply: %w", err)
	}
	return &result, nil
}

// execute runs the plan's remaining steps in order, retrying retriable
// step failures under the backoff schedule.
func (o *Orchestrator) execute(ctx context.Context, job *model.Job, cancelCh <-chan struct{}) error {
	plan := job.Plan
	if plan == nil {
		return o.failFrom(ctx, job, model.StatusExecuting, &model.JobError{
			Code: "plan_missing", Message: "executing job has no plan",
		})
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var steps []model.StepResult
	if job.Result != nil {
		steps = job.Result.Steps
	}

	for i := len(steps); i < len(plan.Steps); i++ {
		if cancelled(ctx, cancelCh) {
			return o.cancelExecuting(ctx, job, steps)
		}
		step := plan.Steps[i]

		result, jerr := o.executeStep(ctx, job, step, maxAttempts, cancelCh)
		if jerr != nil {
			if errors.Is(ctx.Err(), context.Canceled) || cancelled(ctx, cancelCh) {
				return o.cancelExecuting(ctx, job, steps)
			}
			partial := &model.JobResult{Path: model.PathFull, Steps: steps}
			return o.failFrom(ctx, job, model.StatusExecuting, jerr, partial)
		}
		steps = append(steps, *result)
	}

	result := &model.JobResult{Path: model.PathFull, Steps: steps}
	if err := o.queue.Transition(ctx, job.ID, model.StatusExecuting, model.StatusCompleted,
		&queue.Artifacts{Result: result}); err != nil {
		return fmt.Errorf("job %s: complete: %w", job.ID, err)
	}
	job.Status = model.StatusCompleted
	job.Result = result

	o.cacheApprovedPlan(ctx, job)
	o.reflect(ctx, job, "completed")
	return nil
}

// cacheApprovedPlan stores a scheduled job's plan after it survived the
// user approval gate. The key is recomputed here because the original
// one did not outlive the approval pause; the entry carries the hash of
// the approved plan.
func (o *Orchestrator) cacheApprovedPlan(ctx context.Context, job *model.Job) {
	if o.planCache == nil || job.Validation == nil ||
		job.Validation.Verdict != model.VerdictNeedsUserApproval ||
		!o.planCache.Eligible(job.Source, job.Plan) {
		return
	}
	stored, err := o.store.GetMessage(ctx, job.ID)
	if err != nil {
		return
	}
	key := o.planCache.Key(stored.Content, o.catalog())
	if err := o.planCache.Put(ctx, key, job.Plan, cache.ApprovalHash(job.Plan)); err != nil {
		o.logger.Warn("plan cache store failed", "job_id", job.ID, "error", err)
	}
}

// executeStep dispatches one step to the tool runtime, retrying per the
// classifier's verdict. The returned StepResult records the attempt
// index that succeeded.
func (o *Orchestrator) executeStep(ctx context.Context, job *model.Job, step model.Step, maxAttempts int, cancelCh <-chan struct{}) (*model.StepResult, *model.JobError) {
	payload, err := model.EncodePayload(model.ExecuteRequest{
		Gear:       step.Gear,
		Action:     step.Action,
		Parameters: step.Parameters,
		StepID:     step.ID,
		JobID:      job.ID,
	})
	if err != nil {
		return nil, &model.JobError{Code: "execute_failed", Message: err.Error()}
	}

	for attempt := 0; ; attempt++ {
		start := time.Now()
		reply, err := o.dispatch.Send(ctx, o.signer, &model.AxisMessage{
			To:      ComponentExecutor,
			Type:    model.MsgExecuteRequest,
			JobID:   job.ID,
			Payload: payload,
		})

		var stepErr error
		var resp model.ExecuteResponse
		if err != nil {
			stepErr = err
		} else if derr := model.DecodePayload(reply.Payload, &resp); derr != nil {
			stepErr = derr
		} else if resp.Error != nil {
			stepErr = resp.Error
		}

		duration := time.Since(start).Milliseconds()
		if stepErr == nil {
			o.appendExecLog(ctx, job, step, "success", resp.DurationMs, attempt)
			return &model.StepResult{
				StepID:     step.ID,
				Output:     resp.Result,
				DurationMs: resp.DurationMs,
				Attempt:    attempt,
			}, nil
		}

		decision := o.backoff.ShouldRetry(stepErr, attempt, maxAttempts)
		if !decision.Retry {
			o.appendExecLog(ctx, job, step, "failure", duration, attempt)
			o.logger.Error("step failed",
				"job_id", job.ID, "step_id", step.ID, "gear", step.Gear,
				"class", decision.Classified.Class, "attempt", attempt, "error", stepErr)
			return nil, &model.JobError{
				Code:      string(decision.Classified.Class),
				Message:   fmt.Sprintf("step %s: %v", step.ID, stepErr),
				Retriable: decision.Classified.Retriable(),
			}
		}

		o.appendExecLog(ctx, job, step, "retried", duration, attempt)
		o.logger.Warn("step retrying",
			"job_id", job.ID, "step_id", step.ID, "attempt", attempt,
			"delay_ms", decision.Delay.Milliseconds(), "error", stepErr)

		select {
		case <-ctx.Done():
			return nil, &model.JobError{Code: "timeout", Message: ctx.Err().Error(), Retriable: true}
		case <-cancelCh:
			return nil, &model.JobError{Code: "cancelled", Message: "job cancelled during retry wait"}
		case <-time.After(decision.Delay):
		}
	}
}

func (o *Orchestrator) appendExecLog(ctx context.Context, job *model.Job, step model.Step, outcome string, durationMs int64, attempt int) {
	// The log row still commits when the job context died mid-step.
	err := o.store.AppendExecLog(context.WithoutCancel(ctx), storage.ExecLogEntry{
		JobID:      job.ID,
		StepID:     step.ID,
		Gear:       step.Gear,
		Action:     step.Action,
		Outcome:    outcome,
		DurationMs: durationMs,
		Attempt:    attempt,
		At:         time.Now().UTC(),
	})
	if err != nil {
		o.logger.Warn("exec log append failed",
			"job_id", job.ID, "step_id", step.ID, "error", err)
	}
}

// completeFastPath drives a verified fast-path reply through the status
// machine to completed. No validator, tool, or reflector dispatch
// happens on this path.
func (o *Orchestrator) completeFastPath(ctx context.Context, job *model.Job, text string) error {
	for _, hop := range []struct{ from, to model.JobStatus }{
		{model.StatusPlanning, model.StatusValidating},
		{model.StatusValidating, model.StatusExecuting},
	} {
		if err := o.queue.Transition(ctx, job.ID, hop.from, hop.to, nil); err != nil {
			return fmt.Errorf("job %s: fast path %s: %w", job.ID, hop.to, err)
		}
	}
	result := &model.JobResult{Path: model.PathFast, Text: text}
	if err := o.queue.Transition(ctx, job.ID, model.StatusExecuting, model.StatusCompleted,
		&queue.Artifacts{Result: result}); err != nil {
		return fmt.Errorf("job %s: fast path complete: %w", job.ID, err)
	}
	job.Status = model.StatusCompleted
	job.Result = result
	return nil
}

// reflect dispatches the job summary to the memory writer unless the
// plan opted out. Failures are logged and never affect the terminal
// status, which is already committed.
func (o *Orchestrator) reflect(ctx context.Context, job *model.Job, outcome string) {
	if job.Plan == nil || job.Plan.JournalSkip {
		return
	}
	var duration int64
	if job.CompletedAt != nil {
		duration = job.CompletedAt.Sub(job.CreatedAt).Milliseconds()
	}
	payload, err := model.EncodePayload(model.ReflectRequest{
		JobID:    job.ID,
		Summary:  fmt.Sprintf("job %s ran %d steps", job.ID, len(job.Plan.Steps)),
		Outcome:  outcome,
		Steps:    len(job.Plan.Steps),
		Duration: duration,
	})
	if err != nil {
		o.logger.Warn("reflect encode failed", "job_id", job.ID, "error", err)
		return
	}
	if _, err := o.dispatch.Send(ctx, o.signer, &model.AxisMessage{
		To:      ComponentMemoryWriter,
		Type:    model.MsgReflectRequest,
		JobID:   job.ID,
		Payload: payload,
	}); err != nil {
		o.logger.Warn("reflect dispatch failed", "job_id", job.ID, "error", err)
	}
}

func (o *Orchestrator) failFrom(ctx context.Context, job *model.Job, from model.JobStatus, jerr *model.JobError, partial ...*model.JobResult) error {
	// Terminal bookkeeping must commit even after the job context died.
	ctx = context.WithoutCancel(ctx)
	artifacts := &queue.Artifacts{Error: jerr}
	if len(partial) > 0 {
		artifacts.Result = partial[0]
	}
	if err := o.queue.Transition(ctx, job.ID, from, model.StatusFailed, artifacts); err != nil {
		return fmt.Errorf("job %s: record failure %s: %w", job.ID, jerr.Code, err)
	}
	job.Status = model.StatusFailed
	job.Error = jerr
	o.logger.Error("job failed", "job_id", job.ID, "code", jerr.Code, "message", jerr.Message)
	return nil
}

func (o *Orchestrator) cancel(ctx context.Context, job *model.Job) error {
	if _, err := o.queue.CancelJob(context.WithoutCancel(ctx), job.ID); err != nil {
		return fmt.Errorf("job %s: cancel: %w", job.ID, err)
	}
	job.Status = model.StatusCancelled
	return ErrCancelled
}

// cancelExecuting preserves already-completed step results on the way
// to cancelled. An external CancelJob may have already moved the row;
// that still counts as cancelled here.
func (o *Orchestrator) cancelExecuting(ctx context.Context, job *model.Job, steps []model.StepResult) error {
	ctx = context.WithoutCancel(ctx)
	artifacts := &queue.Artifacts{Result: &model.JobResult{Path: model.PathFull, Steps: steps}}
	err := o.queue.Transition(ctx, job.ID, model.StatusExecuting, model.StatusCancelled, artifacts)
	if err != nil {
		current, getErr := o.queue.Get(ctx, job.ID)
		if getErr != nil || current.Status != model.StatusCancelled {
			return fmt.Errorf("job %s: cancel: %w", job.ID, err)
		}
	}
	job.Status = model.StatusCancelled
	return ErrCancelled
}

func cancelled(ctx context.Context, cancelCh <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-cancelCh:
		return true
	default:
		return false
	}
}
