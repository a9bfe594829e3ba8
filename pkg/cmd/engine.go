package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/autoflow/pkg/actions/capability"
	"github.com/dukex/autoflow/pkg/actions/webhook"
	"github.com/dukex/autoflow/pkg/claim"
	"github.com/dukex/autoflow/pkg/clock"
	"github.com/dukex/autoflow/pkg/entity"
	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/registry"
	"github.com/dukex/autoflow/pkg/workflow"
	"go.opentelemetry.io/otel/trace"
)

type EngineConfig struct {
	ServiceName        string
	DatabaseURL        string
	EventBus           string
	KafkaBrokers       string
	RedisURL           string
	EntityServiceURL   string
	EntityTimeout      time.Duration
	PluginsPath        string
	RateLimitDefault   string
	RateLimitOverrides []string
	Webhook            webhook.Config
	Limits             workflow.Limits
	Tracer             trace.Tracer
}

// Engine is everything needed to run executions in this process.
type Engine struct {
	Persistence  persistence.Persistence
	EventBus     eventbus.EventBus
	Entities     entity.Store
	Registry     *registry.Registry
	Orchestrator *workflow.Orchestrator
	// Claimer holds trigger dedup and cooldown claims.
	Claimer claim.Claimer
}

// NewEngine opens the store and the event bus and builds the orchestrator on
// top of them. Close releases what it opened.
func NewEngine(ctx context.Context, logger *slog.Logger, config EngineConfig) (*Engine, error) {
	store, err := NewPersistence(ctx, logger, config.DatabaseURL)
	if err != nil {
		return nil, err
	}

	bus, err := NewEventBus(config.EventBus, config.KafkaBrokers, config.ServiceName, logger)
	if err != nil {
		_ = store.Close(ctx)

		return nil, err
	}

	engine := &Engine{Persistence: store, EventBus: bus}

	limiter, err := NewRateLimiter(config.RateLimitDefault, config.RateLimitOverrides)
	if err != nil {
		_ = engine.Close(ctx)

		return nil, fmt.Errorf("invalid rate limit: %w", err)
	}

	engine.Claimer, err = NewClaimer(ctx, config.RedisURL)
	if err != nil {
		_ = engine.Close(ctx)

		return nil, fmt.Errorf("failed to open claim store: %w", err)
	}

	engine.Entities = NewEntityStore(logger, config.EntityServiceURL, config.EntityTimeout, bus)

	engine.Registry, err = NewRegistry(logger, config.PluginsPath, RegistryConfig{
		Entities: engine.Entities,
		Notifier: entity.NewBusNotifier(bus),
		Limiter:  limiter,
		Webhook:  config.Webhook,
	})
	if err != nil {
		_ = engine.Close(ctx)

		return nil, err
	}

	executor := workflow.NewActionExecutor(engine.Registry, capability.NewFactory(entity.NewBusGateway(bus)), clock.RealClock{})

	opts := []workflow.Option{workflow.WithLimits(config.Limits), workflow.WithCooldownClaims(engine.Claimer)}
	if config.Tracer != nil {
		opts = append(opts, workflow.WithTracer(config.Tracer))
	}

	engine.Orchestrator = workflow.NewOrchestrator(logger, store, executor, bus, opts...)

	return engine, nil
}

func (e *Engine) Close(ctx context.Context) error {
	var errs []error

	if e.EventBus != nil {
		err := e.EventBus.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to close event bus: %w", err))
		}
	}

	if e.Claimer != nil {
		err := e.Claimer.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to close claim store: %w", err))
		}
	}

	if e.Persistence != nil {
		err := e.Persistence.Close(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to close persistence: %w", err))
		}
	}

	return errors.Join(errs...)
}
