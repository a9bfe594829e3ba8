package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/autoflow/pkg/clock"
	"github.com/dukex/autoflow/pkg/graph"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/google/uuid"
)

var (
	// ErrWorkflowNotFound is returned when a workflow is not found.
	ErrWorkflowNotFound = persistence.ErrWorkflowNotFound
)

// Workflow is the definition store. Nothing invalid is ever persisted,
// whatever the status of the workflow.
type Workflow struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	validator   *graph.Validator
	clock       clock.Clock
}

// NewWorkflow creates a new workflow service.
func NewWorkflow(logger *slog.Logger, persistence persistence.Persistence, validator *graph.Validator, c clock.Clock) *Workflow {
	if c == nil {
		c = clock.RealClock{}
	}

	return &Workflow{
		logger:      logger.With("module", "workflow_service"),
		persistence: persistence,
		validator:   validator,
		clock:       c,
	}
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := w.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// ListWorkflowsRequest contains options for listing workflows.
type ListWorkflowsRequest struct {
	ScopeID string
	// Status filters by status. Archived workflows are only listed when asked for.
	Status string
}

func (w *Workflow) List(ctx context.Context, req ListWorkflowsRequest) ([]*models.Workflow, error) {
	opts := persistence.ListWorkflowsOptions{ScopeID: req.ScopeID}

	if req.Status != "" {
		status := models.WorkflowStatus(req.Status)

		switch status {
		case models.WorkflowStatusDraft, models.WorkflowStatusActive, models.WorkflowStatusPaused, models.WorkflowStatusArchived:
			opts.Status = &status
		default:
			return nil, NewValidationError("List", "INVALID_STATUS", fmt.Sprintf("invalid status '%s'", req.Status), ErrInvalidStatus)
		}
	}

	workflows, err := w.persistence.WorkflowRepository().List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	return workflows, nil
}

// Get retrieves a workflow by its ID.
func (w *Workflow) Get(ctx context.Context, id string) (*models.Workflow, error) {
	workflow, err := w.persistence.WorkflowRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if workflow == nil {
		return nil, ErrWorkflowNotFound
	}

	return workflow, nil
}

// Create stores a new draft. The returned error is a *models.DefinitionError
// when the workflow is invalid.
func (w *Workflow) Create(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow == nil {
		return nil, ErrWorkflowNil
	}

	now := w.clock.Now()

	created := &models.Workflow{
		ID:            uuid.New().String(),
		ScopeID:       workflow.ScopeID,
		Name:          workflow.Name,
		Description:   workflow.Description,
		Definition:    workflow.Definition.Clone(),
		TriggerType:   workflow.TriggerType,
		TriggerConfig: workflow.TriggerConfig,
		Status:        models.WorkflowStatusDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := w.validator.ValidateWorkflow(created)
	if err != nil {
		return nil, err
	}

	err = w.persistence.WorkflowRepository().Save(ctx, created)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	w.logger.InfoContext(ctx, "Workflow created", "workflow_id", created.ID, "scope_id", created.ScopeID)

	return created, nil
}

// Update replaces the editable fields of a workflow. Status, counters and
// schedule bookkeeping are kept. In flight executions keep their snapshot.
func (w *Workflow) Update(ctx context.Context, workflowID string, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow == nil {
		return nil, ErrWorkflowNil
	}

	existing, err := w.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if existing.Status == models.WorkflowStatusArchived {
		return nil, newConflictError("Update", "WORKFLOW_ARCHIVED", "archived workflows cannot be modified", ErrWorkflowArchived)
	}

	existing.ScopeID = workflow.ScopeID
	existing.Name = workflow.Name
	existing.Description = workflow.Description
	existing.Definition = workflow.Definition.Clone()
	existing.TriggerType = workflow.TriggerType
	existing.TriggerConfig = workflow.TriggerConfig
	existing.UpdatedAt = w.clock.Now()

	err = w.validator.ValidateWorkflow(existing)
	if err != nil {
		return nil, err
	}

	err = w.persistence.WorkflowRepository().Save(ctx, existing)
	if err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	return existing, nil
}

// Activate moves a draft or paused workflow to active and enables it. The
// definition is validated again against the registered actions.
func (w *Workflow) Activate(ctx context.Context, workflowID string) (*models.Workflow, error) {
	return w.transition(ctx, "Activate", workflowID, models.WorkflowStatusActive, func(workflow *models.Workflow, now time.Time) error {
		err := w.validator.ValidateWorkflow(workflow)
		if err != nil {
			return err
		}

		workflow.Enabled = true
		workflow.ActivatedAt = &now

		return nil
	})
}

func (w *Workflow) Pause(ctx context.Context, workflowID string) (*models.Workflow, error) {
	return w.transition(ctx, "Pause", workflowID, models.WorkflowStatusPaused, func(workflow *models.Workflow, _ time.Time) error {
		workflow.Enabled = false

		return nil
	})
}

// Archive is the soft delete of a workflow. Its executions stay queryable.
func (w *Workflow) Archive(ctx context.Context, workflowID string) (*models.Workflow, error) {
	return w.transition(ctx, "Archive", workflowID, models.WorkflowStatusArchived, func(workflow *models.Workflow, now time.Time) error {
		workflow.Enabled = false
		workflow.ArchivedAt = &now

		return nil
	})
}

func (w *Workflow) transition(
	ctx context.Context,
	op, workflowID string,
	to models.WorkflowStatus,
	apply func(workflow *models.Workflow, now time.Time) error,
) (*models.Workflow, error) {
	workflow, err := w.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if !workflow.CanTransition(to) {
		return nil, newConflictError(op, "INVALID_TRANSITION",
			fmt.Sprintf("cannot move workflow from %s to %s", workflow.Status, to), ErrInvalidTransition)
	}

	now := w.clock.Now()

	err = apply(workflow, now)
	if err != nil {
		return nil, err
	}

	from := workflow.Status
	workflow.Status = to
	workflow.UpdatedAt = now

	err = w.persistence.WorkflowRepository().Save(ctx, workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}

	w.logger.InfoContext(ctx, "Workflow status changed", "workflow_id", workflowID, "from", from, "to", to)

	return workflow, nil
}

// SetEnabled is the kill switch. Disabling always succeeds; enabling
// requires an active workflow.
func (w *Workflow) SetEnabled(ctx context.Context, workflowID string, enabled bool) (*models.Workflow, error) {
	workflow, err := w.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if enabled && workflow.Status != models.WorkflowStatusActive {
		return nil, newConflictError("SetEnabled", "ENABLE_REQUIRES_ACTIVE",
			fmt.Sprintf("workflow is %s", workflow.Status), ErrEnableRequiresActive)
	}

	if workflow.Enabled == enabled {
		return workflow, nil
	}

	workflow.Enabled = enabled
	workflow.UpdatedAt = w.clock.Now()

	err = w.persistence.WorkflowRepository().Save(ctx, workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to save workflow: %w", err)
	}

	w.logger.InfoContext(ctx, "Workflow kill switch changed", "workflow_id", workflowID, "enabled", enabled)

	return workflow, nil
}
