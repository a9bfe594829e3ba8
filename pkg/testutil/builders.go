// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/google/uuid"
)

// TriggerNode returns the trigger node every built workflow starts from.
func TriggerNode() *models.Node {
	return &models.Node{ID: "trigger", Name: "Trigger", Kind: models.NodeKindTrigger}
}

// ActionNode creates an action node of the given kind.
func ActionNode(id, kind string, config map[string]any, overrides ...func(*models.Node)) *models.Node {
	node := &models.Node{ID: id, Name: id, Kind: models.NodeKindAction, Type: kind, Config: config}

	for _, override := range overrides {
		override(node)
	}

	return node
}

// ConditionNode creates a condition node.
func ConditionNode(id string, config map[string]any) *models.Node {
	return &models.Node{ID: id, Name: id, Kind: models.NodeKindCondition, Config: config}
}

// ContinueOnError lets the workflow go on after the node fails.
func ContinueOnError() func(*models.Node) {
	return func(n *models.Node) {
		n.ContinueOnError = true
	}
}

// Edge creates an edge, labelled when label is not empty.
func Edge(source, target string, label ...string) *models.Edge {
	edge := &models.Edge{Source: source, Target: target}
	if len(label) > 0 {
		edge.Label = label[0]
	}

	return edge
}

// CreateTestWorkflow creates an active, enabled workflow with default values
// that can be overridden. The default definition is a single trigger node.
func CreateTestWorkflow(overrides ...func(*models.Workflow)) *models.Workflow {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	workflow := &models.Workflow{
		ID:          uuid.New().String(),
		ScopeID:     "project-1",
		Name:        "Test Workflow",
		Description: "A test workflow",
		TriggerType: models.TriggerTypeEntityCreated,
		Definition: models.Definition{
			Nodes: []*models.Node{TriggerNode()},
			Edges: []*models.Edge{},
		},
		Status:      models.WorkflowStatusActive,
		Enabled:     true,
		ActivatedAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// WithID sets the workflow ID.
func WithID(id string) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.ID = id
	}
}

// WithScope sets the workflow scope.
func WithScope(scopeID string) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.ScopeID = scopeID
	}
}

// WithTrigger sets the trigger type and its filters.
func WithTrigger(triggerType models.TriggerType, filters ...models.FilterClause) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.TriggerType = triggerType
		w.TriggerConfig.Filters = filters
	}
}

// WithSchedule makes the workflow a periodic one.
func WithSchedule(expression string) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.TriggerType = models.TriggerTypePeriodicSchedule
		w.TriggerConfig.Schedule = expression
	}
}

// WithStatus sets the workflow status.
func WithStatus(status models.WorkflowStatus) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Status = status
	}
}

// WithEnabled sets the kill switch.
func WithEnabled(enabled bool) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Enabled = enabled
	}
}

// WithSteps appends nodes after the trigger and wires edges. Unless edges are
// given, nodes are chained in order starting from the trigger.
func WithSteps(nodes []*models.Node, edges ...*models.Edge) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Definition.Nodes = append([]*models.Node{TriggerNode()}, nodes...)

		if len(edges) > 0 {
			w.Definition.Edges = edges

			return
		}

		w.Definition.Edges = make([]*models.Edge, 0, len(nodes))
		previous := "trigger"

		for _, node := range nodes {
			w.Definition.Edges = append(w.Definition.Edges, Edge(previous, node.ID))
			previous = node.ID
		}
	}
}

// WithVariables sets the definition variables.
func WithVariables(vars map[string]any) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Definition.Variables = vars
	}
}

// Filter builds a trigger filter clause.
func Filter(field string, operator models.FilterOperator, value any) models.FilterClause {
	return models.FilterClause{Field: field, Operator: operator, Value: value}
}
