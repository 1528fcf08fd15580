// Package worker runs the pool of job workers that claim queued jobs
// and drive them through the pipeline, plus the watchdog that reports
// queue health.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meridianhq/meridian/model"
	"github.com/meridianhq/meridian/pipeline"
	"github.com/meridianhq/meridian/queue"
)

// resumeBuffer bounds queued approval resumes. An overflow is only a
// delay: the job stays claimable and the watchdog reports it.
const resumeBuffer = 64

// Runner executes one claimed job end to end.
type Runner interface {
	Run(ctx context.Context, job *model.Job) error
}

// Pool claims jobs from the queue and runs them on a fixed set of
// workers. Approval resumes bypass the poll interval through a
// dedicated channel fed by the queue's status listener.
type Pool struct {
	queue  *queue.Queue
	runner Runner
	logger *slog.Logger

	workers      int
	pollInterval time.Duration
	gracefulStop time.Duration

	resume chan string

	mu      sync.Mutex
	started bool
	quit    chan struct{}
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewPool creates a Pool and subscribes it to approval resumes.
func NewPool(q *queue.Queue, runner Runner, cfg *model.Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		queue:        q,
		runner:       runner,
		logger:       logger,
		workers:      cfg.Workers,
		pollInterval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		gracefulStop: time.Duration(cfg.GracefulShutdownMs) * time.Millisecond,
		resume:       make(chan string, resumeBuffer),
	}
	q.OnStatusChange(func(jobID string, from, to model.JobStatus) {
		if from != model.StatusAwaitingApproval || to != model.StatusExecuting {
			return
		}
		select {
		case p.resume <- jobID:
		default:
			p.logger.Warn("resume channel full, job waits for recovery", "job_id", jobID)
		}
	})
	return p
}

// Start launches the workers. Idempotent while running.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.quit = make(chan struct{})

	ctx, p.cancel = context.WithCancel(ctx)
	p.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		quit := p.quit
		p.group.Go(func() error {
			p.runWorker(ctx, workerID, quit)
			return nil
		})
	}
	p.logger.Info("worker pool started", "workers", p.workers)
}

// Stop lets in-flight jobs finish within the graceful window, then
// cancels whatever is still running. Unclaimed jobs stay pending.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	quit, group, cancel := p.quit, p.group, p.cancel
	p.mu.Unlock()

	close(quit)
	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(p.gracefulStop):
		p.logger.Warn("graceful window elapsed, cancelling in-flight jobs")
		cancel()
		<-done
	}
	cancel()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, workerID string, quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case <-ctx.Done():
			return
		case jobID := <-p.resume:
			p.resumeJob(ctx, workerID, jobID)
			continue
		default:
		}

		job, err := p.queue.Claim(ctx, workerID)
		if err != nil {
			p.logger.Error("claim failed", "worker_id", workerID, "error", err)
			p.idle(ctx, quit)
			continue
		}
		if job == nil {
			select {
			case <-quit:
				return
			case <-ctx.Done():
				return
			case jobID := <-p.resume:
				p.resumeJob(ctx, workerID, jobID)
			case <-time.After(p.pollInterval):
			}
			continue
		}
		p.runJob(ctx, workerID, job)
	}
}

func (p *Pool) idle(ctx context.Context, quit <-chan struct{}) {
	select {
	case <-quit:
	case <-ctx.Done():
	case <-time.After(p.pollInterval):
	}
}

func (p *Pool) resumeJob(ctx context.Context, workerID, jobID string) {
	job, err := p.queue.ClaimResumed(ctx, workerID, jobID)
	if err != nil {
		// another worker won the resume, or the job moved on
		p.logger.Debug("resume claim failed", "worker_id", workerID, "job_id", jobID, "error", err)
		return
	}
	p.runJob(ctx, workerID, job)
}

func (p *Pool) runJob(ctx context.Context, workerID string, job *model.Job) {
	if job.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	p.logger.Info("job started", "worker_id", workerID, "job_id", job.ID, "status", job.Status)
	err := p.runner.Run(ctx, job)
	elapsed := time.Since(start)
	switch {
	case err == nil:
		p.logger.Info("job finished", "worker_id", workerID, "job_id", job.ID, "elapsed", elapsed)
	case errors.Is(err, pipeline.ErrCancelled):
		p.logger.Info("job cancelled", "worker_id", workerID, "job_id", job.ID, "elapsed", elapsed)
	default:
		p.logger.Error("job failed", "worker_id", workerID, "job_id", job.ID,
			"elapsed", elapsed, "error", err)
	}
}
