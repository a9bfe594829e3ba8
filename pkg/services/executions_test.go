package services

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/dukex/autoflow/pkg/entity"
	"github.com/dukex/autoflow/pkg/mocks"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Execute(ctx context.Context, req models.ExecutionRequest) (*models.WorkflowExecution, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowExecution), args.Error(1)
}

func (m *mockRunner) Cancel(executionID string) error {
	return m.Called(executionID).Error(0)
}

func (f *fixture) executions(t *testing.T) *Executions {
	t.Helper()

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	logger := slog.New(slog.DiscardHandler)
	orchestrator := workflow.NewOrchestrator(logger, f.store,
		workflow.NewActionExecutor(f.registry, nil, f.clock), bus, workflow.WithClock(f.clock))

	return NewExecutions(logger, f.store, orchestrator, f.entities)
}

func (f *fixture) activeWorkflow(t *testing.T) *models.Workflow {
	t.Helper()

	created, err := f.service.Create(t.Context(), assignWorkflow())
	require.NoError(t, err)

	active, err := f.service.Activate(t.Context(), created.ID)
	require.NoError(t, err)

	return active
}

func TestExecutions_TestIsDryRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	service := f.executions(t)

	created, err := f.service.Create(t.Context(), assignWorkflow())
	require.NoError(t, err)

	before := f.entities.Snapshot()

	execution, err := service.Test(t.Context(), created.ID, TestRequest{
		SampleEntityID: "T1",
		Overrides:      map[string]any{"priority": 1},
	})
	require.NoError(t, err)

	assert.True(t, execution.IsDryRun)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, "T1", execution.TriggerData["entityId"])
	assert.Equal(t, 1, execution.TriggerData["priority"])

	step, ok := execution.Step("assign")
	require.True(t, ok)
	assert.Equal(t, models.StepStatusPassed, step.Status)
	assert.Equal(t, true, step.Output[workflow.SimulatedKey])
	assert.Equal(t, "U1", step.Output["assigneeId"])

	assert.Equal(t, before, f.entities.Snapshot())
	assert.Empty(t, f.entities.Mutations())

	stored, err := f.service.Get(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.ExecutionCount)

	recorded, err := service.Get(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.True(t, recorded.IsDryRun)
}

func TestExecutions_TestErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	service := f.executions(t)

	created, err := f.service.Create(t.Context(), assignWorkflow())
	require.NoError(t, err)

	_, err = service.Test(t.Context(), created.ID, TestRequest{SampleEntityID: "missing"})
	require.ErrorIs(t, err, entity.ErrNotFound)
	assert.True(t, IsNotFoundError(err))

	_, err = service.Test(t.Context(), "missing", TestRequest{})
	require.ErrorIs(t, err, persistence.ErrWorkflowNotFound)

	_, err = f.service.Archive(t.Context(), created.ID)
	require.NoError(t, err)

	_, err = service.Test(t.Context(), created.ID, TestRequest{})
	require.ErrorIs(t, err, ErrWorkflowArchived)
}

func TestExecutions_Run(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	service := f.executions(t)

	active := f.activeWorkflow(t)

	execution, err := service.Run(t.Context(), active.ID, map[string]any{"entityId": "T1"})
	require.NoError(t, err)
	assert.False(t, execution.IsDryRun)
	assert.Equal(t, models.TriggerTypeManual, execution.TriggerType)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)

	assigned, err := f.entities.Get(t.Context(), "T1")
	require.NoError(t, err)
	assert.Equal(t, "U1", assigned.AssigneeID)

	_, err = f.service.SetEnabled(t.Context(), active.ID, false)
	require.NoError(t, err)

	_, err = service.Run(t.Context(), active.ID, nil)
	require.ErrorIs(t, err, ErrWorkflowNotRunnable)
}

func TestExecutions_RetryCreatesNewExecution(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	service := f.executions(t)

	active := f.activeWorkflow(t)

	// No entityId in the trigger data: the assign step fails.
	original, err := service.Run(t.Context(), active.ID, map[string]any{"title": "orphan"})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusFailed, original.Status)

	retried, err := service.Retry(t.Context(), original.ID)
	require.NoError(t, err)

	assert.NotEqual(t, original.ID, retried.ID)
	assert.Equal(t, original.ID, retried.RetryOf)
	assert.Equal(t, original.TriggerData["title"], retried.TriggerData["title"])

	unchanged, err := service.Get(t.Context(), original.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, unchanged.Status)
	assert.Empty(t, unchanged.RetryOf)

	executions, err := service.List(t.Context(), active.ID, 0)
	require.NoError(t, err)
	assert.Len(t, executions, 2)

	stored, err := f.service.Get(t.Context(), active.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.ExecutionCount)
	assert.Equal(t, int64(2), stored.ErrorCount)
}

func TestExecutions_RetryRules(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	service := f.executions(t)

	active := f.activeWorkflow(t)

	running := &models.WorkflowExecution{
		ID:         "exec-running",
		WorkflowID: active.ID,
		Status:     models.ExecutionStatusRunning,
		QueuedAt:   f.clock.Now(),
	}
	require.NoError(t, f.store.ExecutionRepository().Save(t.Context(), running))

	_, err := service.Retry(t.Context(), running.ID)
	require.ErrorIs(t, err, ErrExecutionNotFinished)

	finished, err := service.Run(t.Context(), active.ID, map[string]any{"entityId": "T1"})
	require.NoError(t, err)

	_, err = f.service.Pause(t.Context(), active.ID)
	require.NoError(t, err)

	_, err = service.Retry(t.Context(), finished.ID)
	require.ErrorIs(t, err, ErrWorkflowNotRunnable)

	_, err = service.Retry(t.Context(), "missing")
	require.ErrorIs(t, err, persistence.ErrExecutionNotFound)
}

func TestExecutions_Cancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	running := &models.WorkflowExecution{ID: "exec-running", WorkflowID: "wf-1", Status: models.ExecutionStatusRunning, QueuedAt: f.clock.Now()}
	remote := &models.WorkflowExecution{ID: "exec-remote", WorkflowID: "wf-1", Status: models.ExecutionStatusRunning, QueuedAt: f.clock.Now()}
	done := &models.WorkflowExecution{ID: "exec-done", WorkflowID: "wf-1", Status: models.ExecutionStatusCompleted, QueuedAt: f.clock.Now()}

	for _, execution := range []*models.WorkflowExecution{running, remote, done} {
		require.NoError(t, f.store.ExecutionRepository().Save(t.Context(), execution))
	}

	runner := &mockRunner{}
	runner.On("Cancel", "exec-running").Return(nil)
	runner.On("Cancel", "exec-remote").Return(errors.New("execution is not running in this process"))

	service := NewExecutions(slog.New(slog.DiscardHandler), f.store, runner, f.entities)

	require.NoError(t, service.Cancel(t.Context(), "exec-running"))

	err := service.Cancel(t.Context(), "exec-remote")
	require.ErrorIs(t, err, ErrExecutionNotCancelled)
	assert.True(t, IsConflictError(err))

	err = service.Cancel(t.Context(), "exec-done")
	require.ErrorIs(t, err, ErrExecutionFinished)

	err = service.Cancel(t.Context(), "missing")
	assert.True(t, IsNotFoundError(err))

	runner.AssertExpectations(t)
}

func TestExecutions_ListUnknownWorkflow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.executions(t).List(t.Context(), "missing", 10)
	require.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
}
