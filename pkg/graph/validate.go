package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/predicate"
	"github.com/go-playground/validator/v10"
)

// Validator checks workflow definitions. Every issue is collected; validation
// never stops at the first failure so editors can highlight all of them.
type Validator struct {
	schemas  SchemaSource
	validate *validator.Validate
}

func NewValidator(schemas SchemaSource) *Validator {
	return &Validator{
		schemas:  schemas,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ValidateWorkflow checks the workflow fields, its trigger config and its definition.
// The returned error is a *models.DefinitionError.
func (v *Validator) ValidateWorkflow(workflow *models.Workflow) error {
	defErr := &models.DefinitionError{}

	v.structIssues(defErr, "", workflow)

	if workflow.TriggerType != "" && !workflow.TriggerType.IsValid() {
		defErr.Add("", fmt.Sprintf("unknown trigger type %q", workflow.TriggerType))
	}

	for i, clause := range workflow.TriggerConfig.Filters {
		err := predicate.Check(clause)
		if err != nil {
			defErr.Add("", fmt.Sprintf("trigger filter %d: %v", i, err))
		}
	}

	if workflow.TriggerType == models.TriggerTypePeriodicSchedule {
		_, err := models.ParseSchedule(workflow.TriggerConfig.Schedule)
		if err != nil {
			defErr.Add("", fmt.Sprintf("invalid schedule %q: %v", workflow.TriggerConfig.Schedule, err))
		}
	}

	v.definitionIssues(defErr, workflow.Definition, workflow.TriggerType)

	return defErr.Err()
}

// Validate checks only the graph. The returned error is a *models.DefinitionError.
func (v *Validator) Validate(def models.Definition) error {
	defErr := &models.DefinitionError{}
	v.definitionIssues(defErr, def, "")

	return defErr.Err()
}

func (v *Validator) definitionIssues(defErr *models.DefinitionError, def models.Definition, triggerType models.TriggerType) {
	if len(def.Nodes) == 0 {
		defErr.Add("", "workflow must have at least one node")

		return
	}

	seen := make(map[string]bool, len(def.Nodes))

	for i, node := range def.Nodes {
		if node == nil {
			defErr.Add("", fmt.Sprintf("nodes[%d] is empty", i))

			continue
		}

		if node.ID != "" && seen[node.ID] {
			defErr.Add(node.ID, "duplicate node id")
		}

		seen[node.ID] = true

		v.structIssues(defErr, node.ID, node)
		v.configIssues(defErr, node, triggerType)
	}

	idx := NewIndex(def)

	for i, edge := range def.Edges {
		if edge == nil {
			defErr.Add("", fmt.Sprintf("edges[%d] is empty", i))

			continue
		}

		v.edgeIssues(defErr, idx, edge)
	}

	triggers := idx.Triggers()

	switch len(triggers) {
	case 0:
		defErr.Add("", "workflow must have exactly one trigger node, found none")

		return
	case 1:
	default:
		for _, id := range triggers[1:] {
			defErr.Add(id, "workflow must have exactly one trigger node")
		}
	}

	trigger := triggers[0]
	if len(idx.Incoming(trigger)) > 0 {
		defErr.Add(trigger, "trigger node cannot have incoming edges")
	}

	if cycle := idx.FindCycle(); cycle != nil {
		defErr.Add(cycle[0], "cycle detected: "+strings.Join(cycle, " -> "))
	}

	reachable := idx.Reachable(trigger)
	for _, id := range idx.IDs() {
		if !reachable[id] {
			defErr.Add(id, "node is not reachable from the trigger")
		}
	}
}

func (v *Validator) edgeIssues(defErr *models.DefinitionError, idx *Index, edge *models.Edge) {
	label := edge.Source + " -> " + edge.Target

	if !idx.Has(edge.Source) {
		defErr.Add(edge.Source, fmt.Sprintf("edge %s references unknown source node", label))
	}

	if !idx.Has(edge.Target) {
		defErr.Add(edge.Target, fmt.Sprintf("edge %s references unknown target node", label))
	}

	source := idx.Node(edge.Source)
	if source == nil || edge.Label == "" {
		return
	}

	if source.Kind == models.NodeKindCondition &&
		edge.Label != models.EdgeLabelTrue && edge.Label != models.EdgeLabelFalse {
		defErr.Add(edge.Source, fmt.Sprintf("edge %s has label %q, expected true or false", label, edge.Label))
	}
}

func (v *Validator) configIssues(defErr *models.DefinitionError, node *models.Node, triggerType models.TriggerType) {
	switch node.Kind {
	case models.NodeKindTrigger:
		if node.Type != "" && triggerType != "" && models.TriggerType(node.Type) != triggerType {
			defErr.Add(node.ID, fmt.Sprintf("trigger node type %q does not match workflow trigger type %q", node.Type, triggerType))
		}
	case models.NodeKindCondition:
		v.schemaIssues(defErr, node, conditionSchema)

		_, err := predicate.ParseCondition(node.Config)
		if err != nil {
			defErr.Add(node.ID, err.Error())
		}
	case models.NodeKindAction:
		if node.Type == "" {
			defErr.Add(node.ID, "action node requires a type")

			return
		}

		schema, ok := v.actionSchema(node.Type)
		if !ok {
			defErr.Add(node.ID, fmt.Sprintf("unknown action type %q", node.Type))

			return
		}

		v.schemaIssues(defErr, node, schema)
	case models.NodeKindCapability:
		if node.Type == "" {
			defErr.Add(node.ID, "capability node requires a type")
		}

		v.schemaIssues(defErr, node, capabilitySchema)
	}
}

func (v *Validator) actionSchema(kind string) (map[string]any, bool) {
	if v.schemas == nil {
		return nil, false
	}

	return v.schemas.ActionSchema(kind)
}

func (v *Validator) schemaIssues(defErr *models.DefinitionError, node *models.Node, schema map[string]any) {
	messages, err := checkSchema(schema, node.Config)
	if err != nil {
		defErr.Add(node.ID, err.Error())

		return
	}

	for _, message := range messages {
		defErr.Add(node.ID, "config: "+message)
	}
}

func (v *Validator) structIssues(defErr *models.DefinitionError, nodeID string, value any) {
	err := v.validate.Struct(value)
	if err == nil {
		return
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		defErr.Add(nodeID, err.Error())

		return
	}

	for _, fieldErr := range fieldErrors {
		defErr.Add(nodeID, fmt.Sprintf("field %s failed on %s", fieldErr.Namespace(), fieldErr.Tag()))
	}
}
