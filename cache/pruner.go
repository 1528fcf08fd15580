package cache

import (
	"context"
	"log/slog"
	"time"
)

// Pruner periodically sweeps expired entries out of both caches.
type Pruner struct {
	plan     *PlanReplay
	semantic *Semantic
	interval time.Duration
	logger   *slog.Logger
	done     chan struct{}
}

// NewPruner creates a pruner that sweeps on the given interval.
func NewPruner(plan *PlanReplay, semantic *Semantic, interval time.Duration, logger *slog.Logger) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		plan:     plan,
		semantic: semantic,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop or context cancellation.
func (p *Pruner) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.done:
				return
			case <-ticker.C:
				p.sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop.
func (p *Pruner) Stop() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

func (p *Pruner) sweep(ctx context.Context) {
	if p.plan != nil {
		if n, err := p.plan.Prune(ctx); err != nil {
			p.logger.Warn("plan cache prune failed", "error", err)
		} else if n > 0 {
			p.logger.Debug("plan cache pruned", "removed", n)
		}
	}
	if p.semantic != nil {
		if n, err := p.semantic.Prune(ctx); err != nil {
			p.logger.Warn("semantic cache prune failed", "error", err)
		} else if n > 0 {
			p.logger.Debug("semantic cache pruned", "removed", n)
		}
	}
}
