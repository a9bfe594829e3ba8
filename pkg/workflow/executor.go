// Package workflow runs workflow executions: the orchestrator walks the graph
// and the action executor performs individual action and capability nodes.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/autoflow/pkg/actions/capability"
	"github.com/dukex/autoflow/pkg/clock"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/dukex/autoflow/pkg/registry"
	"github.com/dukex/autoflow/pkg/template"
)

// SimulatedKey marks the output of a dry-run step.
const SimulatedKey = "simulated"

// Scope is what one step can see: the rendered template data plus the
// identity of the execution it belongs to.
type Scope struct {
	WorkflowID  string
	ExecutionID string
	IsDryRun    bool
	// Data holds trigger, vars, steps and execution for {{...}} references.
	Data   map[string]any
	Logger *slog.Logger
}

type ActionExecutor struct {
	registry     *registry.Registry
	capabilities *capability.Factory
	clock        clock.Clock
}

func NewActionExecutor(registry *registry.Registry, capabilities *capability.Factory, c clock.Clock) *ActionExecutor {
	if c == nil {
		c = clock.RealClock{}
	}

	return &ActionExecutor{registry: registry, capabilities: capabilities, clock: c}
}

// Run executes one action or capability node. In dry-run mode the effect is
// described and never applied. A failure is recorded on the result and also
// returned so callers can keep its type.
func (e *ActionExecutor) Run(ctx context.Context, node *models.Node, scope Scope) (models.StepResult, error) {
	started := e.clock.Now()

	result := models.StepResult{
		NodeID:    node.ID,
		NodeName:  node.Name,
		Kind:      node.Kind,
		Type:      node.Type,
		StartedAt: started,
	}

	output, err := e.run(ctx, node, scope)

	result.DurationMs = e.clock.Now().Sub(started).Milliseconds()

	if err != nil {
		stepErr := &models.StepExecutionError{NodeID: node.ID, Err: err}

		result.Status = models.StepStatusFailed
		result.Error = stepErr.Error()
		result.ErrorKind = models.KindOf(stepErr)

		var callErr *models.ExternalCallError
		if errors.As(err, &callErr) {
			result.HTTPStatus = callErr.StatusCode
		}

		scope.Logger.WarnContext(ctx, "Step failed", "node_id", node.ID, "error_kind", result.ErrorKind, "error", err)

		return result, stepErr
	}

	result.Status = models.StepStatusPassed
	result.Output = output

	scope.Logger.DebugContext(ctx, "Step passed", "node_id", node.ID, "dry_run", scope.IsDryRun)

	return result, nil
}

func (e *ActionExecutor) run(ctx context.Context, node *models.Node, scope Scope) (map[string]any, error) {
	config, err := template.RenderConfig(node.Config, scope.Data)
	if err != nil {
		return nil, err
	}

	if config == nil {
		config = map[string]any{}
	}

	action, err := e.create(node, config)
	if err != nil {
		return nil, err
	}

	trigger, _ := scope.Data["trigger"].(map[string]any)

	effect, err := action.Plan(ctx, protocol.Input{
		WorkflowID:  scope.WorkflowID,
		ExecutionID: scope.ExecutionID,
		NodeID:      node.ID,
		Trigger:     trigger,
		Logger:      scope.Logger,
	})
	if err != nil {
		return nil, err
	}

	if scope.IsDryRun {
		output := effect.Describe()
		if output == nil {
			output = map[string]any{}
		}

		output[SimulatedKey] = true

		return output, nil
	}

	return effect.Apply(ctx)
}

func (e *ActionExecutor) create(node *models.Node, config map[string]any) (protocol.Action, error) {
	switch node.Kind {
	case models.NodeKindAction:
		return e.registry.CreateAction(node.Type, config)
	case models.NodeKindCapability:
		if e.capabilities == nil {
			return nil, fmt.Errorf("no capability gateway configured for %s", node.Type)
		}

		return e.capabilities.Create(node.Type, config)
	default:
		return nil, fmt.Errorf("node kind %s is not executable", node.Kind)
	}
}
