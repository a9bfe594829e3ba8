// Package protocol defines the contracts between the executor and pluggable action kinds.
package protocol

import (
	"context"
	"log/slog"
)

// Input is the execution context handed to an action. Config has already
// been interpolated.
type Input struct {
	WorkflowID  string
	ExecutionID string
	NodeID      string
	Trigger     map[string]any
	Logger      *slog.Logger
}

// Action is one configured action node.
type Action interface {
	// Plan computes the intended effect. It must not mutate anything.
	Plan(ctx context.Context, input Input) (Effect, error)
}

// Effect is what an action would do. A dry run reports Describe and stops;
// a live run calls Apply.
type Effect interface {
	Describe() map[string]any
	Apply(ctx context.Context) (map[string]any, error)
}

type ActionFactory interface {
	// Create builds an action from an interpolated config.
	Create(config map[string]any) (Action, error)
	ID() string
	// Schema returns the JSON schema the raw node config is validated against at save time.
	Schema() map[string]any
}

// RateLimiter gates outbound calls of live effects.
type RateLimiter interface {
	TryAcquire(key string, cost int) bool
}
