// Package capability turns capability nodes into requests for the approval
// gated collaborator.
package capability

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/autoflow/pkg/entity"
	"github.com/dukex/autoflow/pkg/protocol"
)

var ErrNameRequired = errors.New("capability name is required")

// Factory builds capability actions. Unlike action factories it is keyed by
// the node's capability name, which is open ended.
type Factory struct {
	gateway entity.CapabilityGateway
}

func NewFactory(gateway entity.CapabilityGateway) *Factory {
	return &Factory{gateway: gateway}
}

func (f *Factory) Create(name string, config map[string]any) (protocol.Action, error) {
	if name == "" {
		return nil, ErrNameRequired
	}

	entityID, _ := config["entityId"].(string)

	return &Action{gateway: f.gateway, name: name, entityID: entityID, input: config}, nil
}

type Action struct {
	gateway  entity.CapabilityGateway
	name     string
	entityID string
	input    map[string]any
}

func (a *Action) Plan(_ context.Context, input protocol.Input) (protocol.Effect, error) {
	entityID := a.entityID
	if entityID == "" {
		entityID, _ = input.Trigger["entityId"].(string)
	}

	return &effect{
		gateway: a.gateway,
		request: entity.CapabilityRequest{
			WorkflowID:  input.WorkflowID,
			ExecutionID: input.ExecutionID,
			NodeID:      input.NodeID,
			Capability:  a.name,
			EntityID:    entityID,
			Input:       a.input,
		},
	}, nil
}

type effect struct {
	gateway entity.CapabilityGateway
	request entity.CapabilityRequest
}

func (e *effect) Describe() map[string]any {
	return map[string]any{
		"capability": e.request.Capability,
		"entityId":   e.request.EntityID,
		"input":      e.request.Input,
	}
}

// Apply reports success once the gateway accepts the request; the outcome of
// the approval happens outside the execution.
func (e *effect) Apply(ctx context.Context) (map[string]any, error) {
	receipt, err := e.gateway.Submit(ctx, e.request)
	if err != nil {
		return nil, fmt.Errorf("capability %s was not accepted: %w", e.request.Capability, err)
	}

	return map[string]any{
		"capability": e.request.Capability,
		"requestId":  receipt.RequestID,
		"status":     receipt.Status,
	}, nil
}
