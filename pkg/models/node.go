package models

// NodeKind discriminates the node variants of a workflow definition.
type NodeKind string

const (
	NodeKindTrigger    NodeKind = "trigger"
	NodeKindCondition  NodeKind = "condition"
	NodeKindAction     NodeKind = "action"
	NodeKindCapability NodeKind = "capability"
)

// Branch labels understood on edges leaving a condition node.
const (
	EdgeLabelTrue  = "true"
	EdgeLabelFalse = "false"
)

// Built-in action kinds.
const (
	ActionUpdateEntityField   = "update_entity_field"
	ActionAssignEntity        = "assign_entity"
	ActionSendNotification    = "send_notification"
	ActionCreateRelatedEntity = "create_related_entity"
	ActionMoveEntityState     = "move_entity_state"
	ActionCallExternalWebhook = "call_external_webhook"
)

// Node is a tagged union over NodeKind. Type names the action kind for action
// nodes and the capability name for capability nodes; it is unused otherwise.
type Node struct {
	ID              string         `json:"id"                          validate:"required"`
	Name            string         `json:"name"`
	Kind            NodeKind       `json:"kind"                        validate:"required,oneof=trigger condition action capability"`
	Type            string         `json:"type,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
	ContinueOnError bool           `json:"continue_on_error,omitempty"`
}

func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}

	return n.ID
}

// Edge is a directed reference between two node ids.
type Edge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"          validate:"required"`
	Target string `json:"target"          validate:"required"`
	Label  string `json:"label,omitempty"`
}
