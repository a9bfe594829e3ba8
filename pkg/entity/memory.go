package entity

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/dukex/autoflow/pkg/clock"
	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/events"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/google/uuid"
)

// Mutation ops recorded by Memory.
const (
	OpUpdateField = "update_field"
	OpAssign      = "assign"
	OpCreate      = "create"
	OpMoveState   = "move_state"
)

// completedStates are the statuses that also emit entity.completed.
var completedStates = []string{"DONE", "done", "completed", "COMPLETED"}

type Mutation struct {
	Op       string
	EntityID string
	Field    string
	Value    any
	Chain    models.Chain
}

// Memory is an in-process entity store. It backs the standalone engine and
// tests, records every applied mutation and, when a publisher is set, emits
// the matching domain events the way the entity service would.
type Memory struct {
	mu        sync.Mutex
	clock     clock.Clock
	logger    *slog.Logger
	publisher eventbus.EventPublisher
	entities  map[string]*Entity
	mutations []Mutation
}

func NewMemory(logger *slog.Logger, c clock.Clock, publisher eventbus.EventPublisher) *Memory {
	if c == nil {
		c = clock.RealClock{}
	}

	return &Memory{
		clock:     c,
		logger:    logger.With("module", "entity_memory"),
		publisher: publisher,
		entities:  make(map[string]*Entity),
	}
}

// Put stores an entity as is, without recording a mutation or emitting events.
func (m *Memory) Put(entity *Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entities[entity.ID] = entity.Clone()
}

func (m *Memory) Get(_ context.Context, id string) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entity, ok := m.entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return entity.Clone(), nil
}

func (m *Memory) UpdateField(ctx context.Context, id, field string, value any) (*Entity, error) {
	m.mu.Lock()

	entity, ok := m.entities[id]
	if !ok {
		m.mu.Unlock()

		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	oldValue := entity.field(field)
	entity.setField(field, value)
	entity.UpdatedAt = m.clock.Now()
	m.record(ctx, OpUpdateField, id, field, value)
	snapshot := entity.Clone()
	m.mu.Unlock()

	if !reflect.DeepEqual(oldValue, value) {
		m.emitFieldChanged(ctx, snapshot, field, oldValue, value)
	}

	return snapshot, nil
}

func (m *Memory) Assign(ctx context.Context, id, assigneeID string) (*Entity, error) {
	m.mu.Lock()

	entity, ok := m.entities[id]
	if !ok {
		m.mu.Unlock()

		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	previous := entity.AssigneeID
	entity.AssigneeID = assigneeID
	entity.UpdatedAt = m.clock.Now()
	m.record(ctx, OpAssign, id, "assigneeId", assigneeID)
	snapshot := entity.Clone()
	m.mu.Unlock()

	if previous != assigneeID {
		payload := snapshot.Payload()
		payload["previousAssigneeId"] = previous
		m.emit(ctx, events.EntityAssignedEvent, snapshot, payload)
	}

	return snapshot, nil
}

func (m *Memory) Create(ctx context.Context, draft *Entity) (*Entity, error) {
	created := draft.Clone()
	if created.ID == "" {
		created.ID = uuid.New().String()
	}

	m.mu.Lock()

	if _, exists := m.entities[created.ID]; exists {
		m.mu.Unlock()

		return nil, fmt.Errorf("entity %s already exists", created.ID)
	}

	created.UpdatedAt = m.clock.Now()
	m.entities[created.ID] = created
	m.record(ctx, OpCreate, created.ID, "", created.Type)
	snapshot := created.Clone()
	m.mu.Unlock()

	m.emit(ctx, events.EntityCreatedEvent, snapshot, snapshot.Payload())

	return snapshot, nil
}

func (m *Memory) MoveState(ctx context.Context, id, state string) (*Entity, error) {
	m.mu.Lock()

	entity, ok := m.entities[id]
	if !ok {
		m.mu.Unlock()

		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	previous := entity.Status
	entity.Status = state
	entity.UpdatedAt = m.clock.Now()
	m.record(ctx, OpMoveState, id, "status", state)
	snapshot := entity.Clone()
	m.mu.Unlock()

	if previous != state {
		m.emitFieldChanged(ctx, snapshot, "status", previous, state)

		if slices.Contains(completedStates, state) {
			m.emit(ctx, events.EntityCompletedEvent, snapshot, snapshot.Payload())
		}
	}

	return snapshot, nil
}

// Mutations returns the mutations applied so far, oldest first.
func (m *Memory) Mutations() []Mutation {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.mutations)
}

// Snapshot returns a deep copy of every stored entity keyed by id.
func (m *Memory) Snapshot() map[string]*Entity {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]*Entity, len(m.entities))
	for id, entity := range m.entities {
		snapshot[id] = entity.Clone()
	}

	return snapshot
}

// record must be called with m.mu held.
func (m *Memory) record(ctx context.Context, op, id, field string, value any) {
	chain, _ := ChainFromContext(ctx)
	m.mutations = append(m.mutations, Mutation{Op: op, EntityID: id, Field: field, Value: value, Chain: chain})
}

func (m *Memory) emitFieldChanged(ctx context.Context, entity *Entity, field string, oldValue, newValue any) {
	payload := entity.Payload()
	payload["field"] = field
	payload["oldValue"] = oldValue
	payload["newValue"] = newValue

	m.emit(ctx, events.EntityFieldChangedEvent, entity, payload)
}

func (m *Memory) emit(ctx context.Context, eventType events.EventType, entity *Entity, payload map[string]any) {
	if m.publisher == nil {
		return
	}

	if chain, ok := ChainFromContext(ctx); ok {
		payload[models.ChainKey] = chain.ToMap()
	}

	event := events.NewDomainEvent(eventType, entity.ScopeID, payload)

	err := m.publisher.Publish(ctx, entity.ID, event)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to publish entity event", "event_type", eventType, "entity_id", entity.ID, "error", err)
	}
}

func (e *Entity) field(name string) any {
	switch name {
	case "status":
		return e.Status
	case "assigneeId":
		return e.AssigneeID
	case "title":
		return e.Title
	case "parentId":
		return e.ParentID
	default:
		return e.Fields[name]
	}
}

func (e *Entity) setField(name string, value any) {
	text, isText := value.(string)

	switch {
	case name == "status" && isText:
		e.Status = text
	case name == "assigneeId" && isText:
		e.AssigneeID = text
	case name == "title" && isText:
		e.Title = text
	case name == "parentId" && isText:
		e.ParentID = text
	default:
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}

		e.Fields[name] = value
	}
}
