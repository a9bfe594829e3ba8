// Package events defines the domain events consumed by the engine and the lifecycle events it emits.
package events

import (
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic carries both the domain event feed and the engine's own events.
const Topic = "autoflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Entity lifecycle events produced by the entity service.
	EntityCreatedEvent      EventType = "entity.created"
	EntityFieldChangedEvent EventType = "entity.field_changed"
	EntityAssignedEvent     EventType = "entity.assigned"
	EntityCompletedEvent    EventType = "entity.completed"
	EntityDueSoonEvent      EventType = "entity.due_soon"

	// WorkflowManualEvent asks for a manual run of one workflow (payload.workflowId).
	WorkflowManualEvent EventType = "workflow.manual"

	// Workflow execution lifecycle events.
	WorkflowExecutionStartedEvent   EventType = "workflow.execution.started"
	WorkflowExecutionCompletedEvent EventType = "workflow.execution.completed"
	WorkflowExecutionFailedEvent    EventType = "workflow.execution.failed"
	WorkflowExecutionCancelledEvent EventType = "workflow.execution.cancelled"

	// Requests handed to external collaborators.
	NotificationRequestedEvent EventType = "notification.requested"
	CapabilityRequestedEvent   EventType = "capability.requested"
)

// DomainEventTypes lists the inbound event types, in the order their trigger types are declared.
var DomainEventTypes = []EventType{
	EntityCreatedEvent,
	EntityFieldChangedEvent,
	EntityAssignedEvent,
	EntityCompletedEvent,
	EntityDueSoonEvent,
	WorkflowManualEvent,
}

func (t EventType) IsDomain() bool {
	for _, known := range DomainEventTypes {
		if t == known {
			return true
		}
	}

	return false
}

// DomainEvent is one entry of the at-least-once domain event feed.
type DomainEvent struct {
	EventID   string         `json:"eventId"`
	Type      EventType      `json:"type"`
	ScopeID   string         `json:"scopeId"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e DomainEvent) GetType() EventType {
	return e.Type
}

// NewDomainEvent stamps a fresh event id and timestamp.
func NewDomainEvent(eventType EventType, scopeID string, payload map[string]any) DomainEvent {
	return DomainEvent{
		EventID:   uuid.New().String(),
		Type:      eventType,
		ScopeID:   scopeID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type WorkflowExecutionStarted struct {
	BaseEvent

	ExecutionID string             `json:"execution_id"`
	TriggerType models.TriggerType `json:"trigger_type"`
	IsDryRun    bool               `json:"is_dry_run"`
	ChainID     string             `json:"chain_id,omitempty"`
	ChainDepth  int                `json:"chain_depth"`
}

func (w WorkflowExecutionStarted) GetType() EventType {
	return WorkflowExecutionStartedEvent
}

type WorkflowExecutionCompleted struct {
	BaseEvent

	ExecutionID   string `json:"execution_id"`
	IsDryRun      bool   `json:"is_dry_run"`
	StepsExecuted int    `json:"steps_executed"`
	StepsPassed   int    `json:"steps_passed"`
	StepsFailed   int    `json:"steps_failed"`
	DurationMs    int64  `json:"duration_ms"`
}

func (w WorkflowExecutionCompleted) GetType() EventType {
	return WorkflowExecutionCompletedEvent
}

type WorkflowExecutionFailed struct {
	BaseEvent

	ExecutionID  string           `json:"execution_id"`
	IsDryRun     bool             `json:"is_dry_run"`
	Error        string           `json:"error"`
	ErrorKind    models.ErrorKind `json:"error_kind"`
	FailedNodeID string           `json:"failed_node_id,omitempty"`
	DurationMs   int64            `json:"duration_ms"`
}

func (w WorkflowExecutionFailed) GetType() EventType {
	return WorkflowExecutionFailedEvent
}

type WorkflowExecutionCancelled struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	IsDryRun    bool   `json:"is_dry_run"`
}

func (w WorkflowExecutionCancelled) GetType() EventType {
	return WorkflowExecutionCancelledEvent
}

// NotificationRequested is consumed by the notification delivery channel.
type NotificationRequested struct {
	BaseEvent

	ExecutionID string   `json:"execution_id"`
	EntityID    string   `json:"entity_id,omitempty"`
	Recipients  []string `json:"recipients"`
	Channel     string   `json:"channel,omitempty"`
	Subject     string   `json:"subject,omitempty"`
	Message     string   `json:"message"`
}

func (n NotificationRequested) GetType() EventType {
	return NotificationRequestedEvent
}

// CapabilityRequested is consumed by the approval gated capability service.
type CapabilityRequested struct {
	BaseEvent

	RequestID   string         `json:"request_id"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	Capability  string         `json:"capability"`
	EntityID    string         `json:"entity_id,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
}

func (c CapabilityRequested) GetType() EventType {
	return CapabilityRequestedEvent
}

func NewBaseEvent(eventType EventType, workflowID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		WorkflowID: workflowID,
		Metadata:   make(map[string]any),
	}
}
