// Package lifecycle orchestrates phased startup, reverse-ordered
// shutdown, and the liveness/readiness probes the metrics server
// exposes.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// PhaseFunc performs one startup phase.
type PhaseFunc func(ctx context.Context) error

// TeardownFunc releases one resource during shutdown. Teardowns log and
// continue; they never abort the shutdown sequence.
type TeardownFunc func(ctx context.Context) error

type phase struct {
	name string
	fn   PhaseFunc
}

type teardown struct {
	name string
	fn   TeardownFunc
}

// Manager runs registered startup phases in order and teardown handlers
// in reverse registration order. Liveness turns true after the first
// phase, readiness after the last, and readiness drops the moment
// shutdown begins.
type Manager struct {
	logger          *slog.Logger
	gracefulTimeout time.Duration

	live  atomic.Bool
	ready atomic.Bool

	mu        sync.Mutex
	phases    []phase
	teardowns []teardown
	shutdown  bool
}

// NewManager creates a Manager with the given graceful shutdown budget.
func NewManager(gracefulTimeout time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if gracefulTimeout <= 0 {
		gracefulTimeout = 30 * time.Second
	}
	return &Manager{logger: logger, gracefulTimeout: gracefulTimeout}
}

// AddPhase registers a startup phase. Phases run in registration order.
func (m *Manager) AddPhase(name string, fn PhaseFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phases = append(m.phases, phase{name: name, fn: fn})
}

// OnShutdown registers a teardown handler. Handlers run in reverse
// registration order, so a phase can register its own cleanup as it
// succeeds.
func (m *Manager) OnShutdown(name string, fn TeardownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardowns = append(m.teardowns, teardown{name: name, fn: fn})
}

// Live reports the liveness probe.
func (m *Manager) Live() bool { return m.live.Load() }

// Ready reports the readiness probe.
func (m *Manager) Ready() bool { return m.ready.Load() }

// Startup runs all phases in order. A phase failure aborts startup,
// unwinds the teardowns registered so far, and returns the phase error.
func (m *Manager) Startup(ctx context.Context) error {
	m.mu.Lock()
	phases := append([]phase(nil), m.phases...)
	m.mu.Unlock()

	for i, p := range phases {
		start := time.Now()
		if err := p.fn(ctx); err != nil {
			m.logger.Error("startup phase failed", "phase", p.name, "error", err)
			m.Shutdown(ctx)
			return fmt.Errorf("phase %s: %w", p.name, err)
		}
		m.logger.Info("startup phase complete", "phase", p.name, "elapsed", time.Since(start))
		if i == 0 {
			m.live.Store(true)
		}
	}
	m.ready.Store(true)
	m.logger.Info("startup complete", "phases", len(phases))
	return nil
}

// Shutdown runs teardown handlers in reverse registration order within
// the graceful budget. Handlers that panic or fail are logged and the
// sequence continues. Safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	teardowns := append([]teardown(nil), m.teardowns...)
	m.mu.Unlock()

	m.ready.Store(false)

	ctx, cancel := context.WithTimeout(ctx, m.gracefulTimeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	for i := len(teardowns) - 1; i >= 0; i-- {
		td := teardowns[i]
		if time.Now().After(deadline) {
			m.logger.Warn("graceful budget exhausted, skipping teardown", "name", td.name)
			continue
		}
		m.runTeardown(ctx, td)
	}
	m.live.Store(false)
	m.logger.Info("shutdown complete")
}

func (m *Manager) runTeardown(ctx context.Context, td teardown) {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- td.fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			m.logger.Error("teardown failed", "name", td.name, "error", err)
			return
		}
		m.logger.Debug("teardown complete", "name", td.name)
	case <-ctx.Done():
		m.logger.Warn("teardown timed out", "name", td.name)
	}
}

// SignalContext returns a context cancelled on SIGTERM or SIGINT.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
}
