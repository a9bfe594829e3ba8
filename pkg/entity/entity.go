// Package entity defines the capabilities the engine uses to read and change
// project entities it does not own, plus the notification and delegated
// capability collaborators.
package entity

import (
	"context"
	"errors"
	"time"

	"github.com/dukex/autoflow/pkg/models"
)

var ErrNotFound = errors.New("entity not found")

// Entity is a project, task or page as seen by the engine.
type Entity struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	ScopeID    string         `json:"scope_id"`
	Status     string         `json:"status"`
	AssigneeID string         `json:"assignee_id,omitempty"`
	ParentID   string         `json:"parent_id,omitempty"`
	Title      string         `json:"title,omitempty"`
	DueAt      *time.Time     `json:"due_at,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Payload renders the entity as trigger data. Custom fields are flattened
// at the top level and never shadow the built in keys.
func (e *Entity) Payload() map[string]any {
	payload := models.CloneMap(e.Fields)
	if payload == nil {
		payload = map[string]any{}
	}

	payload["entityId"] = e.ID
	payload["entityType"] = e.Type
	payload["scopeId"] = e.ScopeID
	payload["status"] = e.Status
	payload["assigneeId"] = e.AssigneeID
	payload["parentId"] = e.ParentID
	payload["title"] = e.Title
	payload["fields"] = models.CloneMap(e.Fields)

	if e.DueAt != nil {
		payload["dueAt"] = e.DueAt.UTC().Format(time.RFC3339)
	}

	return payload
}

func (e *Entity) Clone() *Entity {
	clone := *e
	clone.Fields = models.CloneMap(e.Fields)

	if e.DueAt != nil {
		due := *e.DueAt
		clone.DueAt = &due
	}

	return &clone
}

// Reader is the read only query capability used for sample entities.
type Reader interface {
	Get(ctx context.Context, id string) (*Entity, error)
}

// Writer is the entity service write API. The engine never touches the
// entity store directly.
type Writer interface {
	UpdateField(ctx context.Context, id, field string, value any) (*Entity, error)
	Assign(ctx context.Context, id, assigneeID string) (*Entity, error)
	Create(ctx context.Context, draft *Entity) (*Entity, error)
	MoveState(ctx context.Context, id, state string) (*Entity, error)
}

type Store interface {
	Reader
	Writer
}

type Notification struct {
	WorkflowID  string
	ExecutionID string
	EntityID    string
	Recipients  []string
	Channel     string
	Subject     string
	Message     string
}

// Notifier hands notifications to the delivery channel.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

type CapabilityRequest struct {
	WorkflowID  string
	ExecutionID string
	NodeID      string
	Capability  string
	EntityID    string
	Input       map[string]any
}

// CapabilityReceipt acknowledges that a request was accepted for approval.
type CapabilityReceipt struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

// CapabilityGateway submits requests to the approval gated collaborator.
type CapabilityGateway interface {
	Submit(ctx context.Context, request CapabilityRequest) (CapabilityReceipt, error)
}

type chainKey struct{}

// WithChain attaches the execution chain to mutations made under ctx so the
// events they cause can be traced back.
func WithChain(ctx context.Context, chain models.Chain) context.Context {
	return context.WithValue(ctx, chainKey{}, chain)
}

func ChainFromContext(ctx context.Context) (models.Chain, bool) {
	chain, ok := ctx.Value(chainKey{}).(models.Chain)

	return chain, ok
}
