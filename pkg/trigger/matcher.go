// Package trigger turns domain events into execution requests for the
// workflows subscribed to them.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/autoflow/pkg/claim"
	"github.com/dukex/autoflow/pkg/dispatch"
	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/events"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/otelhelper"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/predicate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultDedupWindow = 10 * time.Minute

var ErrUnexpectedEvent = errors.New("unexpected event type")

var triggerTypes = map[events.EventType]models.TriggerType{
	events.EntityCreatedEvent:      models.TriggerTypeEntityCreated,
	events.EntityFieldChangedEvent: models.TriggerTypeEntityFieldChanged,
	events.EntityAssignedEvent:     models.TriggerTypeEntityAssigned,
	events.EntityCompletedEvent:    models.TriggerTypeEntityCompleted,
	events.EntityDueSoonEvent:      models.TriggerTypeDueSoon,
	events.WorkflowManualEvent:     models.TriggerTypeManual,
}

// TriggerTypeOf returns the trigger type subscribed to events of t.
func TriggerTypeOf(t events.EventType) (models.TriggerType, bool) {
	triggerType, ok := triggerTypes[t]

	return triggerType, ok
}

type Option func(*Matcher)

// WithDedupWindow sets how long an eventId+workflowId pair is remembered.
func WithDedupWindow(window time.Duration) Option {
	return func(m *Matcher) {
		m.dedupWindow = window
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(m *Matcher) {
		m.tracer = tracer
	}
}

type Matcher struct {
	logger      *slog.Logger
	workflows   persistence.WorkflowRepository
	claimer     claim.Claimer
	submitter   dispatch.Submitter
	tracer      trace.Tracer
	dedupWindow time.Duration
}

func NewMatcher(
	logger *slog.Logger,
	workflows persistence.WorkflowRepository,
	claimer claim.Claimer,
	submitter dispatch.Submitter,
	opts ...Option,
) *Matcher {
	m := &Matcher{
		logger:      logger.With("module", "trigger_matcher"),
		workflows:   workflows,
		claimer:     claimer,
		submitter:   submitter,
		tracer:      otel.Tracer("autoflow"),
		dedupWindow: DefaultDedupWindow,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Register subscribes the matcher to every domain event type of bus.
func (m *Matcher) Register(bus eventbus.EventSubscriber) error {
	for _, eventType := range events.DomainEventTypes {
		err := bus.Handle(eventType, m.Handle)
		if err != nil {
			return fmt.Errorf("failed to register handler for %s: %w", eventType, err)
		}
	}

	return nil
}

// OnEvent returns one request per runnable workflow matching event. It has no
// side effects; malformed filters are logged and their workflow skipped.
func (m *Matcher) OnEvent(ctx context.Context, event events.DomainEvent) ([]models.ExecutionRequest, error) {
	triggerType, ok := TriggerTypeOf(event.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedEvent, event.Type)
	}

	candidates, err := m.candidates(ctx, triggerType, event)
	if err != nil {
		return nil, err
	}

	requests := make([]models.ExecutionRequest, 0, len(candidates))

	for _, workflow := range candidates {
		matched, err := m.matches(workflow, event)
		if err != nil {
			m.logger.WarnContext(ctx, "Skipping workflow with malformed trigger filter",
				"workflow_id", workflow.ID,
				"event_id", event.EventID,
				"error", &models.TriggerEvaluationError{WorkflowID: workflow.ID, Err: err},
			)

			continue
		}

		if !matched {
			continue
		}

		requests = append(requests, models.ExecutionRequest{
			Workflow:    workflow,
			TriggerType: triggerType,
			TriggerData: models.CloneMap(event.Payload),
			EventID:     event.EventID,
		})
	}

	return requests, nil
}

func (m *Matcher) candidates(ctx context.Context, triggerType models.TriggerType, event events.DomainEvent) ([]*models.Workflow, error) {
	if triggerType != models.TriggerTypeManual {
		workflows, err := m.workflows.ListRunnable(ctx, triggerType)
		if err != nil {
			return nil, fmt.Errorf("failed to list workflows for %s: %w", triggerType, err)
		}

		return workflows, nil
	}

	workflowID, _ := event.Payload["workflowId"].(string)
	if workflowID == "" {
		m.logger.WarnContext(ctx, "Manual event without workflowId", "event_id", event.EventID)

		return nil, nil
	}

	workflow, err := m.workflows.GetByID(ctx, workflowID)
	if err != nil {
		if persistence.IsWorkflowNotFound(err) {
			m.logger.WarnContext(ctx, "Manual event for unknown workflow", "workflow_id", workflowID, "event_id", event.EventID)

			return nil, nil
		}

		return nil, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}

	if !workflow.IsRunnable() {
		m.logger.InfoContext(ctx, "Manual event for a workflow that is not runnable", "workflow_id", workflowID, "status", workflow.Status)

		return nil, nil
	}

	return []*models.Workflow{workflow}, nil
}

func (m *Matcher) matches(workflow *models.Workflow, event events.DomainEvent) (bool, error) {
	if workflow.ScopeID != "" && workflow.ScopeID != event.ScopeID {
		return false, nil
	}

	if workflow.TriggerType == models.TriggerTypeEntityFieldChanged && workflow.TriggerConfig.Field != "" {
		field, _ := event.Payload["field"].(string)
		if field != workflow.TriggerConfig.Field {
			return false, nil
		}
	}

	return predicate.Match(workflow.TriggerConfig.Filters, event.Payload)
}

// Handle is the event bus handler of domain events. Only transient failures
// are returned, so the transport redelivers the event; duplicates are dropped
// by claiming eventId+workflowId.
func (m *Matcher) Handle(ctx context.Context, raw any) error {
	event, ok := raw.(*events.DomainEvent)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnexpectedEvent, raw)
	}

	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "trigger.match",
		attribute.String(otelhelper.EventIDKey, event.EventID),
		attribute.String(otelhelper.EventTypeKey, string(event.Type)),
	)
	defer span.End()

	requests, err := m.OnEvent(ctx, *event)
	if err != nil {
		otelhelper.SetError(span, err, string(models.KindOf(err)))

		return err
	}

	span.SetAttributes(attribute.Int("autoflow.trigger.matched", len(requests)))

	for _, req := range requests {
		err := m.submit(ctx, req)
		if err != nil {
			otelhelper.SetError(span, err, "dispatch")

			return err
		}
	}

	return nil
}

func dedupKey(eventID, workflowID string) string {
	return "trigger:" + eventID + ":" + workflowID
}

func (m *Matcher) submit(ctx context.Context, req models.ExecutionRequest) error {
	logger := m.logger.With("workflow_id", req.Workflow.ID, "event_id", req.EventID)

	key := ""

	if req.EventID != "" && m.claimer != nil {
		key = dedupKey(req.EventID, req.Workflow.ID)

		claimed, err := m.claimer.Claim(ctx, key, m.dedupWindow)
		if err != nil {
			return fmt.Errorf("failed to claim %s: %w", key, err)
		}

		if !claimed {
			logger.DebugContext(ctx, "Dropping duplicate delivery")

			return nil
		}
	}

	err := m.submitter.Submit(req)
	if err != nil {
		if key != "" {
			releaseErr := m.claimer.Release(ctx, key)
			if releaseErr != nil {
				logger.ErrorContext(ctx, "Failed to release claim", "error", releaseErr)
			}
		}

		return fmt.Errorf("failed to submit workflow %s: %w", req.Workflow.ID, err)
	}

	logger.InfoContext(ctx, "Workflow matched", "trigger_type", req.TriggerType)

	return nil
}
