package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/autoflow/pkg/entity"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
)

// Runner runs executions in this process and cancels the ones it is running.
type Runner interface {
	Execute(ctx context.Context, req models.ExecutionRequest) (*models.WorkflowExecution, error)
	Cancel(executionID string) error
}

// Executions exposes the audit log and the synchronous entry points: test
// invocations, manual runs and retries.
type Executions struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	runner      Runner
	entities    entity.Reader
}

func NewExecutions(logger *slog.Logger, persistence persistence.Persistence, runner Runner, entities entity.Reader) *Executions {
	return &Executions{
		logger:      logger.With("module", "execution_service"),
		persistence: persistence,
		runner:      runner,
		entities:    entities,
	}
}

// List returns the newest executions of a workflow first.
func (e *Executions) List(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowExecution, error) {
	_, err := e.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	executions, err := e.persistence.ExecutionRepository().ListByWorkflow(ctx, workflowID, persistence.NormalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	return executions, nil
}

func (e *Executions) Get(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	return e.persistence.ExecutionRepository().GetByID(ctx, executionID)
}

// TestRequest describes a dry run. Overrides are merged over the sample
// entity payload; without a sample entity they are the whole trigger data.
type TestRequest struct {
	SampleEntityID string         `json:"sampleEntityId"`
	Overrides      map[string]any `json:"overrides"`
}

// Test runs a forced dry run of any non archived workflow, drafts included.
func (e *Executions) Test(ctx context.Context, workflowID string, req TestRequest) (*models.WorkflowExecution, error) {
	workflow, err := e.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if workflow.Status == models.WorkflowStatusArchived {
		return nil, newConflictError("Test", "WORKFLOW_ARCHIVED", "archived workflows cannot be tested", ErrWorkflowArchived)
	}

	triggerData := map[string]any{}

	if req.SampleEntityID != "" {
		if e.entities == nil {
			return nil, NewValidationError("Test", "NO_ENTITY_READER", "sample entities are not available", ErrInvalidRequest)
		}

		sample, err := e.entities.Get(ctx, req.SampleEntityID)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample entity: %w", err)
		}

		triggerData = sample.Payload()
	}

	for key, value := range models.CloneMap(req.Overrides) {
		triggerData[key] = value
	}

	return e.run(ctx, models.ExecutionRequest{
		Workflow:    workflow,
		TriggerType: workflow.TriggerType,
		TriggerData: triggerData,
		IsDryRun:    true,
	})
}

// Run starts a live manual run of an active and enabled workflow.
func (e *Executions) Run(ctx context.Context, workflowID string, triggerData map[string]any) (*models.WorkflowExecution, error) {
	workflow, err := e.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if !workflow.IsRunnable() {
		return nil, newConflictError("Run", "WORKFLOW_NOT_RUNNABLE", fmt.Sprintf("workflow is %s", workflow.Status), ErrWorkflowNotRunnable)
	}

	if triggerData == nil {
		triggerData = map[string]any{}
	}

	return e.run(ctx, models.ExecutionRequest{
		Workflow:    workflow,
		TriggerType: models.TriggerTypeManual,
		TriggerData: models.CloneMap(triggerData),
	})
}

// Retry runs a finished execution again with the same trigger data against
// the current definition. The original execution is never modified.
func (e *Executions) Retry(ctx context.Context, executionID string) (*models.WorkflowExecution, error) {
	original, err := e.persistence.ExecutionRepository().GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if !original.Status.IsTerminal() {
		return nil, newConflictError("Retry", "EXECUTION_NOT_FINISHED", fmt.Sprintf("execution is %s", original.Status), ErrExecutionNotFinished)
	}

	workflow, err := e.persistence.WorkflowRepository().GetByID(ctx, original.WorkflowID)
	if err != nil {
		return nil, err
	}

	switch {
	case workflow.Status == models.WorkflowStatusArchived:
		return nil, newConflictError("Retry", "WORKFLOW_ARCHIVED", "archived workflows cannot run", ErrWorkflowArchived)
	case !original.IsDryRun && !workflow.IsRunnable():
		return nil, newConflictError("Retry", "WORKFLOW_NOT_RUNNABLE", fmt.Sprintf("workflow is %s", workflow.Status), ErrWorkflowNotRunnable)
	}

	e.logger.InfoContext(ctx, "Retrying execution", "execution_id", executionID, "workflow_id", workflow.ID)

	return e.run(ctx, models.ExecutionRequest{
		Workflow:    workflow,
		TriggerType: original.TriggerType,
		TriggerData: models.CloneMap(original.TriggerData),
		IsDryRun:    original.IsDryRun,
		RetryOf:     original.ID,
	})
}

// Cancel stops a running execution at its next step boundary. Only
// executions running in this process can be cancelled.
func (e *Executions) Cancel(ctx context.Context, executionID string) error {
	execution, err := e.persistence.ExecutionRepository().GetByID(ctx, executionID)
	if err != nil {
		return err
	}

	if execution.Status.IsTerminal() {
		return newConflictError("Cancel", "EXECUTION_FINISHED", fmt.Sprintf("execution is %s", execution.Status), ErrExecutionFinished)
	}

	err = e.runner.Cancel(executionID)
	if err != nil {
		return newConflictError("Cancel", "EXECUTION_NOT_LOCAL", err.Error(), errors.Join(ErrExecutionNotCancelled, err))
	}

	e.logger.InfoContext(ctx, "Cancellation requested", "execution_id", executionID)

	return nil
}

// run returns the execution even when it failed; only errors that prevented
// recording it are returned.
func (e *Executions) run(ctx context.Context, req models.ExecutionRequest) (*models.WorkflowExecution, error) {
	execution, err := e.runner.Execute(ctx, req)
	if err != nil {
		return execution, fmt.Errorf("failed to execute workflow %s: %w", req.Workflow.ID, err)
	}

	return execution, nil
}
