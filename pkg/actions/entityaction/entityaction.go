// Package entityaction provides the actions that change entities through the entity service.
package entityaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/autoflow/pkg/entity"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/protocol"
)

var (
	ErrNoTargetEntity = errors.New("no target entity: set entityId or trigger on an entity event")
	ErrMissingConfig  = errors.New("missing required config")
	ErrInvalidFields  = errors.New("fields must be an object or a JSON object string")
)

// targetEntity falls back to the triggering entity when no id is configured.
func targetEntity(configured string, trigger map[string]any) (string, error) {
	if configured != "" {
		return configured, nil
	}

	if id, ok := trigger["entityId"].(string); ok && id != "" {
		return id, nil
	}

	return "", ErrNoTargetEntity
}

func requiredString(config map[string]any, key string) (string, error) {
	value, ok := config[key].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingConfig, key)
	}

	return value, nil
}

func optionalString(config map[string]any, key string) string {
	value, _ := config[key].(string)

	return value
}

var entityIDProperty = map[string]any{
	"type":        "string",
	"description": "Target entity. Defaults to the entity of the trigger event.",
}

// UpdateFieldFactory builds update_entity_field actions.
type UpdateFieldFactory struct {
	writer entity.Writer
}

func NewUpdateFieldFactory(writer entity.Writer) *UpdateFieldFactory {
	return &UpdateFieldFactory{writer: writer}
}

func (f *UpdateFieldFactory) ID() string {
	return models.ActionUpdateEntityField
}

func (f *UpdateFieldFactory) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"field", "value"},
		"properties": map[string]any{
			"entityId": entityIDProperty,
			"field":    map[string]any{"type": "string", "minLength": 1},
			"value":    map[string]any{"description": "New value. Any JSON type."},
		},
	}
}

func (f *UpdateFieldFactory) Create(config map[string]any) (protocol.Action, error) {
	field, err := requiredString(config, "field")
	if err != nil {
		return nil, err
	}

	value, ok := config["value"]
	if !ok {
		return nil, fmt.Errorf("%w: value", ErrMissingConfig)
	}

	return &updateField{writer: f.writer, entityID: optionalString(config, "entityId"), field: field, value: value}, nil
}

type updateField struct {
	writer   entity.Writer
	entityID string
	field    string
	value    any
}

func (a *updateField) Plan(_ context.Context, input protocol.Input) (protocol.Effect, error) {
	target, err := targetEntity(a.entityID, input.Trigger)
	if err != nil {
		return nil, err
	}

	return &updateFieldEffect{writer: a.writer, entityID: target, field: a.field, value: a.value, previous: input.Trigger[a.field]}, nil
}

type updateFieldEffect struct {
	writer   entity.Writer
	entityID string
	field    string
	value    any
	previous any
}

func (e *updateFieldEffect) Describe() map[string]any {
	return map[string]any{
		"entityId":      e.entityID,
		"field":         e.field,
		"value":         e.value,
		"previousValue": e.previous,
	}
}

func (e *updateFieldEffect) Apply(ctx context.Context) (map[string]any, error) {
	_, err := e.writer.UpdateField(ctx, e.entityID, e.field, e.value)
	if err != nil {
		return nil, fmt.Errorf("failed to update field %s of %s: %w", e.field, e.entityID, err)
	}

	return map[string]any{"entityId": e.entityID, "field": e.field, "value": e.value}, nil
}

// AssignFactory builds assign_entity actions.
type AssignFactory struct {
	writer entity.Writer
}

func NewAssignFactory(writer entity.Writer) *AssignFactory {
	return &AssignFactory{writer: writer}
}

func (f *AssignFactory) ID() string {
	return models.ActionAssignEntity
}

func (f *AssignFactory) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"assigneeId"},
		"properties": map[string]any{
			"entityId":   entityIDProperty,
			"assigneeId": map[string]any{"type": "string", "minLength": 1},
		},
	}
}

func (f *AssignFactory) Create(config map[string]any) (protocol.Action, error) {
	assigneeID, err := requiredString(config, "assigneeId")
	if err != nil {
		return nil, err
	}

	return &assign{writer: f.writer, entityID: optionalString(config, "entityId"), assigneeID: assigneeID}, nil
}

type assign struct {
	writer     entity.Writer
	entityID   string
	assigneeID string
}

func (a *assign) Plan(_ context.Context, input protocol.Input) (protocol.Effect, error) {
	target, err := targetEntity(a.entityID, input.Trigger)
	if err != nil {
		return nil, err
	}

	previous, _ := input.Trigger["assigneeId"].(string)

	return &assignEffect{writer: a.writer, entityID: target, assigneeID: a.assigneeID, previous: previous}, nil
}

type assignEffect struct {
	writer     entity.Writer
	entityID   string
	assigneeID string
	previous   string
}

func (e *assignEffect) Describe() map[string]any {
	return map[string]any{
		"entityId":           e.entityID,
		"assigneeId":         e.assigneeID,
		"previousAssigneeId": e.previous,
	}
}

func (e *assignEffect) Apply(ctx context.Context) (map[string]any, error) {
	_, err := e.writer.Assign(ctx, e.entityID, e.assigneeID)
	if err != nil {
		return nil, fmt.Errorf("failed to assign %s to %s: %w", e.entityID, e.assigneeID, err)
	}

	return map[string]any{"entityId": e.entityID, "assigneeId": e.assigneeID}, nil
}

// CreateRelatedFactory builds create_related_entity actions.
type CreateRelatedFactory struct {
	writer entity.Writer
}

func NewCreateRelatedFactory(writer entity.Writer) *CreateRelatedFactory {
	return &CreateRelatedFactory{writer: writer}
}

func (f *CreateRelatedFactory) ID() string {
	return models.ActionCreateRelatedEntity
}

func (f *CreateRelatedFactory) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"type"},
		"properties": map[string]any{
			"type":       map[string]any{"type": "string", "minLength": 1},
			"parentId":   map[string]any{"type": "string", "description": "Defaults to the entity of the trigger event."},
			"title":      map[string]any{"type": "string"},
			"status":     map[string]any{"type": "string"},
			"assigneeId": map[string]any{"type": "string"},
			"fields": map[string]any{
				"type":        []any{"object", "string"},
				"description": "Custom fields, or a reference or JSON string that resolves to an object.",
			},
		},
	}
}

func (f *CreateRelatedFactory) Create(config map[string]any) (protocol.Action, error) {
	entityType, err := requiredString(config, "type")
	if err != nil {
		return nil, err
	}

	fields, err := decodeFields(config["fields"])
	if err != nil {
		return nil, err
	}

	return &createRelated{
		writer: f.writer,
		draft: entity.Entity{
			Type:       entityType,
			ParentID:   optionalString(config, "parentId"),
			Title:      optionalString(config, "title"),
			Status:     optionalString(config, "status"),
			AssigneeID: optionalString(config, "assigneeId"),
			Fields:     models.CloneMap(fields),
		},
	}, nil
}

// decodeFields accepts the rendered fields config: an object, or a string
// holding a JSON object.
func decodeFields(raw any) (map[string]any, error) {
	switch value := raw.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return value, nil
	case string:
		if value == "" {
			return nil, nil
		}

		var fields map[string]any

		err := json.Unmarshal([]byte(value), &fields)
		if err != nil || fields == nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFields, value)
		}

		return fields, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrInvalidFields, raw)
	}
}

type createRelated struct {
	writer entity.Writer
	draft  entity.Entity
}

func (a *createRelated) Plan(_ context.Context, input protocol.Input) (protocol.Effect, error) {
	draft := a.draft.Clone()

	parentID, err := targetEntity(draft.ParentID, input.Trigger)
	if err != nil {
		return nil, err
	}

	draft.ParentID = parentID

	if scopeID, ok := input.Trigger["scopeId"].(string); ok {
		draft.ScopeID = scopeID
	}

	return &createRelatedEffect{writer: a.writer, draft: draft}, nil
}

type createRelatedEffect struct {
	writer entity.Writer
	draft  *entity.Entity
}

func (e *createRelatedEffect) Describe() map[string]any {
	return map[string]any{
		"parentId":   e.draft.ParentID,
		"type":       e.draft.Type,
		"title":      e.draft.Title,
		"status":     e.draft.Status,
		"assigneeId": e.draft.AssigneeID,
		"fields":     models.CloneMap(e.draft.Fields),
	}
}

func (e *createRelatedEffect) Apply(ctx context.Context) (map[string]any, error) {
	created, err := e.writer.Create(ctx, e.draft)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s under %s: %w", e.draft.Type, e.draft.ParentID, err)
	}

	return map[string]any{"entityId": created.ID, "parentId": created.ParentID, "type": created.Type}, nil
}

// MoveStateFactory builds move_entity_state actions.
type MoveStateFactory struct {
	writer entity.Writer
}

func NewMoveStateFactory(writer entity.Writer) *MoveStateFactory {
	return &MoveStateFactory{writer: writer}
}

func (f *MoveStateFactory) ID() string {
	return models.ActionMoveEntityState
}

func (f *MoveStateFactory) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"state"},
		"properties": map[string]any{
			"entityId": entityIDProperty,
			"state":    map[string]any{"type": "string", "minLength": 1},
		},
	}
}

func (f *MoveStateFactory) Create(config map[string]any) (protocol.Action, error) {
	state, err := requiredString(config, "state")
	if err != nil {
		return nil, err
	}

	return &moveState{writer: f.writer, entityID: optionalString(config, "entityId"), state: state}, nil
}

type moveState struct {
	writer   entity.Writer
	entityID string
	state    string
}

func (a *moveState) Plan(_ context.Context, input protocol.Input) (protocol.Effect, error) {
	target, err := targetEntity(a.entityID, input.Trigger)
	if err != nil {
		return nil, err
	}

	previous, _ := input.Trigger["status"].(string)

	return &moveStateEffect{writer: a.writer, entityID: target, state: a.state, previous: previous}, nil
}

type moveStateEffect struct {
	writer   entity.Writer
	entityID string
	state    string
	previous string
}

func (e *moveStateEffect) Describe() map[string]any {
	return map[string]any{"entityId": e.entityID, "state": e.state, "previousState": e.previous}
}

func (e *moveStateEffect) Apply(ctx context.Context) (map[string]any, error) {
	_, err := e.writer.MoveState(ctx, e.entityID, e.state)
	if err != nil {
		return nil, fmt.Errorf("failed to move %s to %s: %w", e.entityID, e.state, err)
	}

	return map[string]any{"entityId": e.entityID, "state": e.state}, nil
}

// Factories returns every entity action factory bound to writer.
func Factories(writer entity.Writer) []protocol.ActionFactory {
	return []protocol.ActionFactory{
		NewUpdateFieldFactory(writer),
		NewAssignFactory(writer),
		NewCreateRelatedFactory(writer),
		NewMoveStateFactory(writer),
	}
}
