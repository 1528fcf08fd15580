package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meridianhq/meridian/model"
	"github.com/meridianhq/meridian/queue"
)

// Watchdog periodically reports queue depth and warns about approvals
// nobody has answered.
type Watchdog struct {
	queue    *queue.Queue
	logger   *slog.Logger
	interval time.Duration
	warnAge  time.Duration

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatchdog creates a Watchdog from the runtime configuration.
func NewWatchdog(q *queue.Queue, cfg *model.Config, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		queue:    q,
		logger:   logger,
		interval: time.Duration(cfg.WatchdogIntervalMs) * time.Millisecond,
		warnAge:  time.Duration(cfg.ApprovalAgeWarnMs) * time.Millisecond,
		done:     make(chan struct{}),
	}
}

// Start launches the periodic sweep.
func (w *Watchdog) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop.
func (w *Watchdog) Stop() {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *Watchdog) sweep(ctx context.Context) {
	counts, err := w.queue.Counts(ctx)
	if err != nil {
		w.logger.Error("watchdog counts failed", "error", err)
		return
	}
	w.logger.Info("queue status",
		"pending", counts[model.StatusPending],
		"planning", counts[model.StatusPlanning],
		"validating", counts[model.StatusValidating],
		"awaiting_approval", counts[model.StatusAwaitingApproval],
		"executing", counts[model.StatusExecuting],
		"completed", counts[model.StatusCompleted],
		"failed", counts[model.StatusFailed],
		"cancelled", counts[model.StatusCancelled])

	ages, err := w.queue.ApprovalAges(ctx)
	if err != nil {
		w.logger.Error("watchdog approval ages failed", "error", err)
		return
	}
	for jobID, age := range ages {
		if age > w.warnAge {
			w.logger.Warn("job awaiting approval past threshold", "job_id", jobID, "age", age)
		}
	}
}
