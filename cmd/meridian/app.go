package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/meridianhq/meridian/audit"
	"github.com/meridianhq/meridian/cache"
	"github.com/meridianhq/meridian/failure"
	"github.com/meridianhq/meridian/lifecycle"
	"github.com/meridianhq/meridian/metrics"
	"github.com/meridianhq/meridian/model"
	"github.com/meridianhq/meridian/pipeline"
	"github.com/meridianhq/meridian/queue"
	"github.com/meridianhq/meridian/router"
	"github.com/meridianhq/meridian/sandbox"
	"github.com/meridianhq/meridian/storage"
	"github.com/meridianhq/meridian/worker"
)

// cachePruneInterval schedules the TTL sweep over both caches.
const cachePruneInterval = 5 * time.Minute

// App wires the Axis core together through the lifecycle manager's
// startup phases.
type App struct {
	cfg     *model.Config
	logger  *slog.Logger
	manager *lifecycle.Manager

	// runCtx outlives the startup context so a shutdown signal does not
	// cancel in-flight jobs before the graceful window runs out.
	runCtx    context.Context
	runCancel context.CancelFunc

	conn   *storage.Conn
	store  *storage.Store
	queue  *queue.Queue
	router *router.Router
	gears  *sandbox.Registry
	orch   *pipeline.Orchestrator
}

func newApp(cfg *model.Config, logger *slog.Logger) *App {
	graceful := time.Duration(cfg.GracefulShutdownMs) * time.Millisecond
	runCtx, runCancel := context.WithCancel(context.Background())
	return &App{
		cfg:       cfg,
		logger:    logger,
		manager:   lifecycle.NewManager(graceful, logger),
		runCtx:    runCtx,
		runCancel: runCancel,
	}
}

// Run starts the runtime and blocks until SIGTERM or SIGINT.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := lifecycle.SignalContext(ctx)
	defer stop()

	a.registerPhases()
	if err := a.manager.Startup(ctx); err != nil {
		return err
	}
	a.logger.Info("meridian ready", "version", Version, "data_dir", a.cfg.DataDir)

	<-ctx.Done()
	a.logger.Info("shutdown signal received")
	a.manager.Shutdown(context.Background())
	return nil
}

func (a *App) registerPhases() {
	// registered first so it runs last during the reverse-order teardown
	a.manager.OnShutdown("run-context", func(context.Context) error {
		a.runCancel()
		return nil
	})
	a.manager.AddPhase("config", a.phaseConfig)
	a.manager.AddPhase("database", a.phaseDatabase)
	a.manager.AddPhase("axis_core", a.phaseDiagnostics)
	a.manager.AddPhase("components", a.phaseComponents)
	a.manager.AddPhase("recovery", a.phaseRecovery)
	a.manager.AddPhase("bridge", a.phaseBridge)
}

func (a *App) phaseConfig(context.Context) error {
	return a.cfg.Validate()
}

func (a *App) phaseDatabase(ctx context.Context) error {
	conn, err := storage.Connect(a.cfg.NATS, a.cfg.DataDir)
	if err != nil {
		return err
	}
	a.conn = conn
	a.manager.OnShutdown("nats", func(context.Context) error {
		conn.Close()
		return nil
	})

	store, err := storage.NewStore(ctx, conn.JetStream(), storage.Options{
		PlanCacheTTL:     time.Duration(a.cfg.PlanCache.TTLMs) * time.Millisecond,
		SemanticCacheTTL: time.Duration(a.cfg.SemanticCache.TTLMs) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	a.store = store
	return nil
}

func (a *App) phaseDiagnostics(context.Context) error {
	results := lifecycle.RunDiagnostics(a.cfg)
	for _, r := range results {
		switch r.Severity {
		case lifecycle.SeverityWarning:
			a.logger.Warn("diagnostic", "check", r.Name, "detail", r.Detail)
		default:
			a.logger.Debug("diagnostic", "check", r.Name, "severity", r.Severity, "detail", r.Detail)
		}
	}
	if lifecycle.HasAbort(results) {
		return fmt.Errorf("self-diagnostics failed, run %s doctor for details", appName)
	}
	return nil
}

func (a *App) phaseComponents(context.Context) error {
	a.queue = queue.New(a.store, a.cfg, a.logger)

	routerKeys, err := router.GenerateKeypair()
	if err != nil {
		return err
	}
	replay := router.NewReplayWindow(
		time.Duration(a.cfg.ReplayWindowMs)*time.Millisecond, a.cfg.MaxReplayWindowSize)
	a.router = router.New(router.NewKeyRegistry(), replay,
		router.NewSigner("axis", routerKeys), audit.NewStreamWriter(a.conn.JetStream()), a.logger)

	pipelineKeys, err := router.GenerateKeypair()
	if err != nil {
		return err
	}
	a.router.Keys().Register(pipeline.ComponentPipeline, pipelineKeys.Public)

	gearDir := a.cfg.GearDir
	if !filepath.IsAbs(gearDir) {
		gearDir = filepath.Join(a.cfg.DataDir, gearDir)
	}
	if err := os.MkdirAll(gearDir, 0o755); err != nil {
		return fmt.Errorf("create gear dir: %w", err)
	}
	a.gears = sandbox.NewRegistry(gearDir, a.logger)
	if err := a.gears.Load(); err != nil {
		return err
	}
	if err := a.gears.Watch(a.runCtx); err != nil {
		return err
	}
	a.manager.OnShutdown("gear-watcher", func(context.Context) error {
		a.gears.Close()
		return nil
	})

	workspace := filepath.Join(a.cfg.DataDir, "workspace")
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	supervisor := sandbox.NewSupervisor(sandbox.SupervisorOptions{
		Gears:       a.gears,
		Keys:        a.router.Keys(),
		Workspace:   workspace,
		KillTimeout: time.Duration(a.cfg.ToolKillTimeoutMs) * time.Millisecond,
		Logger:      a.logger,
	})
	a.router.Register(pipeline.ComponentExecutor, supervisor.Handler())

	// External components (planner, validator, reflector) register
	// through the bridge. The rule-based validator stands in until one
	// does.
	if !a.router.Registered(pipeline.ComponentValidator) {
		a.router.Register(pipeline.ComponentValidator, pipeline.FallbackValidator())
	}

	planCache := cache.NewPlanReplay(a.store, a.cfg.PlanCache, a.logger)
	semantic := cache.NewSemantic(a.store, a.cfg.SemanticCache, a.logger)
	pruner := cache.NewPruner(planCache, semantic, cachePruneInterval, a.logger)
	pruner.Start(a.runCtx)
	a.manager.OnShutdown("cache-pruner", func(context.Context) error {
		pruner.Stop()
		return nil
	})

	a.orch = pipeline.New(pipeline.Deps{
		Queue:         a.queue,
		Dispatcher:    a.router,
		Signer:        router.NewSigner(pipeline.ComponentPipeline, pipelineKeys),
		Store:         a.store,
		PlanCache:     planCache,
		SemanticCache: semantic,
		Backoff:       failure.NewBackoff(),
		Catalog:       a.gears.Gears,
		Logger:        a.logger,
	}, pipeline.Config{
		MaxRevisions:        a.cfg.MaxRevisions,
		FastPathRetryBudget: a.cfg.FastPathRetryBudget,
	})
	return nil
}

func (a *App) phaseRecovery(ctx context.Context) error {
	threshold := time.Duration(a.cfg.JobTimeoutMs) * time.Millisecond
	result, err := a.queue.Recover(ctx, threshold)
	if err != nil {
		return err
	}
	a.logger.Info("recovery complete",
		"scanned", result.Scanned,
		"requeued", result.Requeued,
		"reapproval", result.Reapproval,
		"failed", result.Failed,
		"untouched", result.Untouched)
	return nil
}

func (a *App) phaseBridge(context.Context) error {
	registry := metrics.NewRegistry(a.queue, a.store, a.logger)
	server := metrics.NewServer(a.cfg.MetricsAddr, registry, a.manager, a.logger)
	server.Start()
	a.manager.OnShutdown("metrics-server", server.Stop)

	pool := worker.NewPool(a.queue, a.orch, a.cfg, a.logger)
	pool.Start(a.runCtx)
	a.manager.OnShutdown("worker-pool", func(context.Context) error {
		pool.Stop()
		return nil
	})

	watchdog := worker.NewWatchdog(a.queue, a.cfg, a.logger)
	watchdog.Start(a.runCtx)
	a.manager.OnShutdown("watchdog", func(context.Context) error {
		watchdog.Stop()
		return nil
	})
	return nil
}
