package services

import (
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/actions/entityaction"
	"github.com/dukex/autoflow/pkg/clock"
	"github.com/dukex/autoflow/pkg/entity"
	"github.com/dukex/autoflow/pkg/graph"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/persistence/file"
	"github.com/dukex/autoflow/pkg/registry"
	"github.com/dukex/autoflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *file.Persistence
	entities *entity.Memory
	clock    *clock.Fake
	registry *registry.Registry
	service  *Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	fake := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	entities := entity.NewMemory(logger, fake, nil)
	entities.Put(&entity.Entity{ID: "T1", Type: "task", ScopeID: "project-1", Status: "TODO", Fields: map[string]any{"priority": 5}})

	reg := registry.NewRegistry(logger)
	for _, factory := range entityaction.Factories(entities) {
		reg.RegisterAction(factory)
	}

	store := file.NewPersistence(t.TempDir())

	return &fixture{
		store:    store,
		entities: entities,
		clock:    fake,
		registry: reg,
		service:  NewWorkflow(logger, store, graph.NewValidator(reg), fake),
	}
}

func assignWorkflow(overrides ...func(*models.Workflow)) *models.Workflow {
	base := []func(*models.Workflow){
		testutil.WithTrigger(models.TriggerTypeEntityCreated, testutil.Filter("status", models.OperatorEq, "TODO")),
		testutil.WithSteps([]*models.Node{
			testutil.ActionNode("assign", models.ActionAssignEntity, map[string]any{"assigneeId": "U1"}),
		}),
	}

	return testutil.CreateTestWorkflow(append(base, overrides...)...)
}

func TestWorkflow_Create(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	input := assignWorkflow(testutil.WithStatus(models.WorkflowStatusActive), testutil.WithEnabled(true))
	input.ExecutionCount = 42

	created, err := f.service.Create(t.Context(), input)
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.NotEqual(t, input.ID, created.ID)
	assert.Equal(t, models.WorkflowStatusDraft, created.Status)
	assert.False(t, created.Enabled)
	assert.Zero(t, created.ExecutionCount)

	stored, err := f.service.Get(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, stored.Name)
	assert.Len(t, stored.Definition.Nodes, 2)
}

func TestWorkflow_CreateRejectsInvalidDefinition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		workflow *models.Workflow
		nodeID   string
	}{
		{
			name: "cycle",
			workflow: testutil.CreateTestWorkflow(testutil.WithSteps([]*models.Node{
				testutil.ActionNode("a", models.ActionAssignEntity, map[string]any{"assigneeId": "U1"}),
				testutil.ActionNode("b", models.ActionAssignEntity, map[string]any{"assigneeId": "U2"}),
			}, testutil.Edge("trigger", "a"), testutil.Edge("a", "b"), testutil.Edge("b", "a"))),
		},
		{
			name: "unknown edge target",
			workflow: testutil.CreateTestWorkflow(testutil.WithSteps([]*models.Node{
				testutil.ActionNode("a", models.ActionAssignEntity, map[string]any{"assigneeId": "U1"}),
			}, testutil.Edge("trigger", "a"), testutil.Edge("a", "ghost"))),
			nodeID: "ghost",
		},
		{
			name: "missing required config",
			workflow: testutil.CreateTestWorkflow(testutil.WithSteps([]*models.Node{
				testutil.ActionNode("a", models.ActionAssignEntity, map[string]any{}),
			})),
			nodeID: "a",
		},
		{
			name: "unknown action type",
			workflow: testutil.CreateTestWorkflow(testutil.WithSteps([]*models.Node{
				testutil.ActionNode("a", "launch_rocket", nil),
			})),
			nodeID: "a",
		},
		{
			name:     "malformed filter",
			workflow: assignWorkflow(testutil.WithTrigger(models.TriggerTypeEntityCreated, testutil.Filter("status", "like", "x"))),
		},
		{
			name:     "invalid schedule",
			workflow: assignWorkflow(testutil.WithSchedule("every day")),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)

			_, err := f.service.Create(t.Context(), tt.workflow)

			var defErr *models.DefinitionError
			require.ErrorAs(t, err, &defErr)
			assert.True(t, IsValidationError(err))

			if tt.nodeID != "" {
				ids := make([]string, 0, len(defErr.Issues))
				for _, issue := range defErr.Issues {
					ids = append(ids, issue.NodeID)
				}

				assert.Contains(t, ids, tt.nodeID)
			}

			workflows, err := f.service.List(t.Context(), ListWorkflowsRequest{})
			require.NoError(t, err)
			assert.Empty(t, workflows)
		})
	}
}

func TestWorkflow_CreateNil(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.service.Create(t.Context(), nil)
	require.ErrorIs(t, err, ErrWorkflowNil)
}

func TestWorkflow_Lifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	created, err := f.service.Create(t.Context(), assignWorkflow())
	require.NoError(t, err)

	_, err = f.service.SetEnabled(t.Context(), created.ID, true)
	require.ErrorIs(t, err, ErrEnableRequiresActive)
	assert.True(t, IsConflictError(err))

	_, err = f.service.Pause(t.Context(), created.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	active, err := f.service.Activate(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusActive, active.Status)
	assert.True(t, active.Enabled)
	require.NotNil(t, active.ActivatedAt)
	assert.Equal(t, f.clock.Now(), *active.ActivatedAt)

	disabled, err := f.service.SetEnabled(t.Context(), created.ID, false)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)
	assert.Equal(t, models.WorkflowStatusActive, disabled.Status)

	runnable, err := f.store.WorkflowRepository().ListRunnable(t.Context(), models.TriggerTypeEntityCreated)
	require.NoError(t, err)
	assert.Empty(t, runnable)

	_, err = f.service.SetEnabled(t.Context(), created.ID, true)
	require.NoError(t, err)

	paused, err := f.service.Pause(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusPaused, paused.Status)
	assert.False(t, paused.Enabled)

	archived, err := f.service.Archive(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusArchived, archived.Status)
	assert.NotNil(t, archived.ArchivedAt)

	_, err = f.service.Activate(t.Context(), created.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.service.Update(t.Context(), created.ID, assignWorkflow())
	require.ErrorIs(t, err, ErrWorkflowArchived)

	stored, err := f.service.Get(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusArchived, stored.Status)
}

func TestWorkflow_ActivateRevalidates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	created, err := f.service.Create(t.Context(), assignWorkflow())
	require.NoError(t, err)

	// The action type is no longer registered when the workflow is activated.
	empty := registry.NewRegistry(slog.New(slog.DiscardHandler))
	service := NewWorkflow(slog.New(slog.DiscardHandler), f.store, graph.NewValidator(empty), f.clock)

	_, err = service.Activate(t.Context(), created.ID)

	var defErr *models.DefinitionError
	require.ErrorAs(t, err, &defErr)

	stored, err := f.service.Get(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusDraft, stored.Status)
}

func TestWorkflow_Update(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	created, err := f.service.Create(t.Context(), assignWorkflow())
	require.NoError(t, err)

	_, err = f.service.Activate(t.Context(), created.ID)
	require.NoError(t, err)

	require.NoError(t, f.store.WorkflowRepository().IncrementCounters(t.Context(), created.ID, true, f.clock.Now()))

	changed := assignWorkflow(testutil.WithSteps([]*models.Node{
		testutil.ActionNode("assign", models.ActionAssignEntity, map[string]any{"assigneeId": "U2"}),
	}))
	changed.Name = "Assign to U2"

	updated, err := f.service.Update(t.Context(), created.ID, changed)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "Assign to U2", updated.Name)
	assert.Equal(t, models.WorkflowStatusActive, updated.Status)
	assert.True(t, updated.Enabled)

	stored, err := f.service.Get(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "U2", stored.Definition.Nodes[1].Config["assigneeId"])
	assert.Equal(t, int64(1), stored.ExecutionCount)
	assert.Equal(t, int64(1), stored.ErrorCount)

	invalid := assignWorkflow(testutil.WithSteps([]*models.Node{
		testutil.ActionNode("assign", models.ActionAssignEntity, map[string]any{}),
	}))

	_, err = f.service.Update(t.Context(), created.ID, invalid)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	stored, err = f.service.Get(t.Context(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "U2", stored.Definition.Nodes[1].Config["assigneeId"])
}

func TestWorkflow_UpdateNotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.service.Update(t.Context(), "missing", assignWorkflow())
	require.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
	assert.True(t, IsNotFoundError(err))
}

func TestWorkflow_List(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	first, err := f.service.Create(t.Context(), assignWorkflow())
	require.NoError(t, err)

	_, err = f.service.Create(t.Context(), assignWorkflow(testutil.WithScope("project-2")))
	require.NoError(t, err)

	archived, err := f.service.Create(t.Context(), assignWorkflow())
	require.NoError(t, err)

	_, err = f.service.Archive(t.Context(), archived.ID)
	require.NoError(t, err)

	scoped, err := f.service.List(t.Context(), ListWorkflowsRequest{ScopeID: "project-1"})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, first.ID, scoped[0].ID)

	onlyArchived, err := f.service.List(t.Context(), ListWorkflowsRequest{Status: "archived"})
	require.NoError(t, err)
	require.Len(t, onlyArchived, 1)
	assert.Equal(t, archived.ID, onlyArchived[0].ID)

	_, err = f.service.List(t.Context(), ListWorkflowsRequest{Status: "published"})
	require.ErrorIs(t, err, ErrInvalidStatus)
	assert.True(t, IsValidationError(err))
}

func TestWorkflow_HealthCheck(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	message, healthy := f.service.HealthCheck(t.Context())
	assert.True(t, healthy)
	assert.Equal(t, "Persistence layer is healthy", message)

	message, healthy = NewWorkflow(slog.New(slog.DiscardHandler), nil, nil, nil).HealthCheck(t.Context())
	assert.False(t, healthy)
	assert.Equal(t, "Persistence layer not initialized", message)
}
