// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/autoflow/pkg/actions/entityaction"
	"github.com/dukex/autoflow/pkg/actions/notification"
	"github.com/dukex/autoflow/pkg/actions/webhook"
	"github.com/dukex/autoflow/pkg/claim"
	"github.com/dukex/autoflow/pkg/clock"
	"github.com/dukex/autoflow/pkg/entity"
	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/dukex/autoflow/pkg/ratelimit"
	"github.com/dukex/autoflow/pkg/registry"
)

// RegistryConfig holds the collaborators of the native actions.
type RegistryConfig struct {
	Entities entity.Writer
	Notifier entity.Notifier
	Limiter  protocol.RateLimiter
	Webhook  webhook.Config
}

func registerActionPlugins(reg *registry.Registry, pluginsPath string) error {
	actionPlugins, err := reg.LoadActionPlugins(pluginsPath)
	if err != nil {
		return err
	}

	for _, plugin := range actionPlugins {
		reg.RegisterAction(plugin)
	}

	return nil
}

func registerNativeActions(reg *registry.Registry, config RegistryConfig) {
	for _, factory := range entityaction.Factories(config.Entities) {
		reg.RegisterAction(factory)
	}

	reg.RegisterAction(notification.NewActionFactory(config.Notifier, config.Limiter))
	reg.RegisterAction(webhook.NewActionFactory(config.Limiter, config.Webhook))
}

// NewRegistry registers plugins first so native actions win on a name clash.
func NewRegistry(log *slog.Logger, pluginsPath string, config RegistryConfig) (*registry.Registry, error) {
	reg := registry.NewRegistry(log)

	err := registerActionPlugins(reg, pluginsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load action plugins: %w", err)
	}

	registerNativeActions(reg, config)

	return reg, nil
}

// NewRateLimiter builds the shared limiter from the default bucket and the
// key=burst:rate overrides of the --rate-limit flag.
func NewRateLimiter(defaultBucket string, overrides []string) (*ratelimit.Limiter, error) {
	config := ratelimit.DefaultConfig()

	if defaultBucket != "" {
		bucket, err := ratelimit.ParseBucket(defaultBucket)
		if err != nil {
			return nil, err
		}

		config.Default = bucket
	}

	config.Overrides = make(map[string]ratelimit.Bucket, len(overrides))

	for _, raw := range overrides {
		key, bucket, err := ratelimit.ParseOverride(raw)
		if err != nil {
			return nil, err
		}

		config.Overrides[key] = bucket
	}

	return ratelimit.New(config, clock.RealClock{}), nil
}

// NewClaimer shares claims through redis when redisURL is set and keeps
// them in memory otherwise.
func NewClaimer(ctx context.Context, redisURL string) (claim.Claimer, error) {
	if redisURL == "" {
		return claim.NewMemory(clock.RealClock{}), nil
	}

	claimer, err := claim.NewRedis(ctx, redisURL)
	if err != nil {
		return nil, err
	}

	return claimer, nil
}

// NewEntityStore talks to the entity service at baseURL. Without one the
// engine runs standalone on an in-memory store whose mutations are published
// as domain events on bus.
func NewEntityStore(logger *slog.Logger, baseURL string, timeout time.Duration, bus eventbus.EventPublisher) entity.Store {
	if baseURL == "" {
		return entity.NewMemory(logger, clock.RealClock{}, bus)
	}

	return entity.NewHTTPClient(baseURL, timeout)
}
