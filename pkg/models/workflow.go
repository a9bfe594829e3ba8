// Package models defines the core domain models for event and schedule triggered workflow automation.
package models

import "time"

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"    // Editable, never matched
	WorkflowStatusActive   WorkflowStatus = "active"   // Validated, matched by triggers
	WorkflowStatusPaused   WorkflowStatus = "paused"   // Not matched, can be reactivated
	WorkflowStatusArchived WorkflowStatus = "archived" // Soft deleted, history stays queryable
)

// TriggerType is the closed set of trigger categories a workflow can subscribe to.
type TriggerType string

const (
	TriggerTypeEntityCreated      TriggerType = "entity_created"
	TriggerTypeEntityFieldChanged TriggerType = "entity_field_changed"
	TriggerTypeEntityAssigned     TriggerType = "entity_assigned"
	TriggerTypeEntityCompleted    TriggerType = "entity_completed"
	TriggerTypeDueSoon            TriggerType = "due_soon"
	TriggerTypePeriodicSchedule   TriggerType = "periodic_schedule"
	TriggerTypeManual             TriggerType = "manual"
)

var triggerTypes = []TriggerType{
	TriggerTypeEntityCreated,
	TriggerTypeEntityFieldChanged,
	TriggerTypeEntityAssigned,
	TriggerTypeEntityCompleted,
	TriggerTypeDueSoon,
	TriggerTypePeriodicSchedule,
	TriggerTypeManual,
}

func (t TriggerType) IsValid() bool {
	for _, known := range triggerTypes {
		if t == known {
			return true
		}
	}

	return false
}

// FilterOperator is an operator of the trigger filter predicate language.
type FilterOperator string

const (
	OperatorEq       FilterOperator = "eq"
	OperatorNe       FilterOperator = "ne"
	OperatorGt       FilterOperator = "gt"
	OperatorLt       FilterOperator = "lt"
	OperatorContains FilterOperator = "contains"
	OperatorIn       FilterOperator = "in"
)

// FilterClause compares the value found at Field (a dot path) with Value.
type FilterClause struct {
	Field    string         `json:"field"    validate:"required"`
	Operator FilterOperator `json:"operator" validate:"required,oneof=eq ne gt lt contains in"`
	Value    any            `json:"value"`
}

type TriggerConfig struct {
	Filters []FilterClause `json:"filters,omitempty"  validate:"dive"`
	// Schedule is a five field cron expression or a descriptor such as @hourly.
	Schedule string `json:"schedule,omitempty"`
	// Field restricts entity_field_changed triggers to a single field.
	Field string `json:"field,omitempty"`
}

type Definition struct {
	Nodes     []*Node        `json:"nodes"`
	Edges     []*Edge        `json:"edges"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Workflow is a named automation owned by a project or workspace scope.
type Workflow struct {
	ID              string         `json:"id"`
	ScopeID         string         `json:"scope_id"`
	Name            string         `json:"name"                        validate:"required,min=3"`
	Description     string         `json:"description"`
	Definition      Definition     `json:"definition"`
	TriggerType     TriggerType    `json:"trigger_type"                validate:"required"`
	TriggerConfig   TriggerConfig  `json:"trigger_config"`
	Status          WorkflowStatus `json:"status"                      validate:"required,oneof=draft active paused archived"`
	Enabled         bool           `json:"enabled"`
	ExecutionCount  int64          `json:"execution_count"`
	ErrorCount      int64          `json:"error_count"`
	LastExecutedAt  *time.Time     `json:"last_executed_at,omitempty"`
	LastScheduledAt *time.Time     `json:"last_scheduled_at,omitempty"`
	ActivatedAt     *time.Time     `json:"activated_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	ArchivedAt      *time.Time     `json:"archived_at,omitempty"`
}

// IsRunnable reports whether the workflow may be picked up by triggers.
func (w *Workflow) IsRunnable() bool {
	return w.Enabled && w.Status == WorkflowStatusActive
}

// CanTransition reports whether the workflow may move to the given status.
// Activation additionally requires a valid definition, which is checked by the caller.
func (w *Workflow) CanTransition(to WorkflowStatus) bool {
	switch w.Status {
	case WorkflowStatusDraft:
		return to == WorkflowStatusActive || to == WorkflowStatusArchived
	case WorkflowStatusActive:
		return to == WorkflowStatusPaused || to == WorkflowStatusArchived
	case WorkflowStatusPaused:
		return to == WorkflowStatusActive || to == WorkflowStatusArchived
	default:
		return false
	}
}

// Clone returns a deep copy used as the immutable snapshot of an execution.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}

	clone := *w
	clone.Definition = w.Definition.Clone()
	clone.TriggerConfig.Filters = append([]FilterClause(nil), w.TriggerConfig.Filters...)

	return &clone
}

func (d Definition) Clone() Definition {
	clone := Definition{
		Nodes:     make([]*Node, 0, len(d.Nodes)),
		Edges:     make([]*Edge, 0, len(d.Edges)),
		Variables: CloneMap(d.Variables),
	}

	for _, node := range d.Nodes {
		if node == nil {
			continue
		}

		n := *node
		n.Config = CloneMap(node.Config)
		clone.Nodes = append(clone.Nodes, &n)
	}

	for _, edge := range d.Edges {
		if edge == nil {
			continue
		}

		e := *edge
		clone.Edges = append(clone.Edges, &e)
	}

	return clone
}

// CloneMap deep copies nested maps and slices of a JSON-like document.
func CloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}

	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}

	return dst
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return CloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}

		return out
	default:
		return v
	}
}
