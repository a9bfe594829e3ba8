package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/autoflow/pkg/claim"
	"github.com/dukex/autoflow/pkg/cmd"
	"github.com/dukex/autoflow/pkg/dispatch"
	"github.com/dukex/autoflow/pkg/scheduler"
	"github.com/dukex/autoflow/pkg/trigger"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Workers     int
	QueueSize   int
	DedupWindow time.Duration
	// WithScheduler also fires periodic workflows from this process.
	WithScheduler bool
	Tracer        trace.Tracer
}

// EngineManager feeds domain events through the matcher into the worker pool.
type EngineManager struct {
	logger    *slog.Logger
	engine    *cmd.Engine
	pool      *dispatch.Pool
	matcher   *trigger.Matcher
	scheduler *scheduler.Scheduler
}

func NewEngineManager(logger *slog.Logger, engine *cmd.Engine, claimer claim.Claimer, opts Options) *EngineManager {
	logger = logger.With("module", "autoflow-engine")

	pool := dispatch.NewPool(logger, engine.Orchestrator, opts.Workers, opts.QueueSize)

	matcherOpts := []trigger.Option{trigger.WithDedupWindow(opts.DedupWindow)}
	if opts.Tracer != nil {
		matcherOpts = append(matcherOpts, trigger.WithTracer(opts.Tracer))
	}

	manager := &EngineManager{
		logger:  logger,
		engine:  engine,
		pool:    pool,
		matcher: trigger.NewMatcher(logger, engine.Persistence.WorkflowRepository(), claimer, pool, matcherOpts...),
	}

	if opts.WithScheduler {
		manager.scheduler = scheduler.NewScheduler(logger, engine.Persistence.WorkflowRepository(), pool)
	}

	return manager
}

// Start registers the matcher and subscribes to the event feed.
func (m *EngineManager) Start(ctx context.Context) error {
	err := m.matcher.Register(m.engine.EventBus)
	if err != nil {
		return err
	}

	err = m.engine.EventBus.Subscribe(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	m.logger.InfoContext(ctx, "Engine subscribed to domain events", "scheduler", m.scheduler != nil)

	return nil
}

// Run blocks until ctx is done.
func (m *EngineManager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.pool.Run(gctx)
	})

	if m.scheduler != nil {
		g.Go(func() error {
			return m.scheduler.Run(gctx)
		})
	}

	return g.Wait()
}
