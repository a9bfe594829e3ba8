package workflow_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/actions/capability"
	"github.com/dukex/autoflow/pkg/actions/entityaction"
	"github.com/dukex/autoflow/pkg/actions/notification"
	"github.com/dukex/autoflow/pkg/actions/webhook"
	"github.com/dukex/autoflow/pkg/claim"
	"github.com/dukex/autoflow/pkg/clock"
	"github.com/dukex/autoflow/pkg/entity"
	"github.com/dukex/autoflow/pkg/events"
	"github.com/dukex/autoflow/pkg/mocks"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/persistence/file"
	"github.com/dukex/autoflow/pkg/protocol"
	"github.com/dukex/autoflow/pkg/ratelimit"
	"github.com/dukex/autoflow/pkg/registry"
	"github.com/dukex/autoflow/pkg/testutil"
	"github.com/dukex/autoflow/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// funcFactory registers an action whose effect runs apply.
type funcFactory struct {
	id    string
	apply func(ctx context.Context, input protocol.Input) (map[string]any, error)
}

func (f funcFactory) ID() string { return f.id }

func (f funcFactory) Schema() map[string]any { return map[string]any{"type": "object"} }

func (f funcFactory) Create(_ map[string]any) (protocol.Action, error) {
	return funcAction(f), nil
}

type funcAction funcFactory

func (a funcAction) Plan(_ context.Context, input protocol.Input) (protocol.Effect, error) {
	return &funcEffect{apply: a.apply, input: input}, nil
}

type funcEffect struct {
	apply func(ctx context.Context, input protocol.Input) (map[string]any, error)
	input protocol.Input
}

func (e *funcEffect) Describe() map[string]any { return map[string]any{"node": e.input.NodeID} }

func (e *funcEffect) Apply(ctx context.Context) (map[string]any, error) {
	return e.apply(ctx, e.input)
}

type stubGateway struct{}

func (stubGateway) Submit(_ context.Context, _ entity.CapabilityRequest) (entity.CapabilityReceipt, error) {
	return entity.CapabilityReceipt{RequestID: "req-1", Status: "pending_approval"}, nil
}

type harness struct {
	store        *file.Persistence
	entities     *entity.Memory
	clock        *clock.Fake
	registry     *registry.Registry
	bus          *mocks.MockEventBus
	orchestrator *workflow.Orchestrator
}

func newHarness(t *testing.T, limits workflow.Limits, bucket ratelimit.Bucket) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	fake := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	entities := entity.NewMemory(logger, fake, bus)
	entities.Put(&entity.Entity{ID: "T1", Type: "task", ScopeID: "project-1", Status: "TODO", Fields: map[string]any{"priority": 5}})

	limiter := ratelimit.New(ratelimit.Config{Default: bucket}, fake)

	reg := registry.NewRegistry(logger)
	for _, factory := range entityaction.Factories(entities) {
		reg.RegisterAction(factory)
	}

	reg.RegisterAction(notification.NewActionFactory(entity.NewBusNotifier(bus), limiter))
	reg.RegisterAction(webhook.NewActionFactory(limiter, webhook.Config{Timeout: time.Second, Attempts: 1}))

	store := file.NewPersistence(t.TempDir())
	executor := workflow.NewActionExecutor(reg, capability.NewFactory(stubGateway{}), fake)

	return &harness{
		store:    store,
		entities: entities,
		clock:    fake,
		registry: reg,
		bus:      bus,
		orchestrator: workflow.NewOrchestrator(logger, store, executor, bus,
			workflow.WithClock(fake),
			workflow.WithLimits(limits),
		),
	}
}

func defaultHarness(t *testing.T) *harness {
	t.Helper()

	return newHarness(t, workflow.DefaultLimits(), ratelimit.Bucket{Burst: 100, PerSecond: 100})
}

func (h *harness) save(t *testing.T, w *models.Workflow) *models.Workflow {
	t.Helper()

	require.NoError(t, h.store.WorkflowRepository().Save(t.Context(), w))

	return w
}

func (h *harness) triggerData(t *testing.T, id string) map[string]any {
	t.Helper()

	e, err := h.entities.Get(t.Context(), id)
	require.NoError(t, err)

	return e.Payload()
}

func (h *harness) execute(t *testing.T, w *models.Workflow, dryRun bool) *models.WorkflowExecution {
	t.Helper()

	execution, err := h.orchestrator.Execute(t.Context(), models.ExecutionRequest{
		Workflow:    w,
		TriggerData: h.triggerData(t, "T1"),
		IsDryRun:    dryRun,
	})
	require.NoError(t, err)

	return execution
}

func assignWorkflow() *models.Workflow {
	return testutil.CreateTestWorkflow(
		testutil.WithTrigger(models.TriggerTypeEntityCreated, testutil.Filter("status", models.OperatorEq, "TODO")),
		testutil.WithSteps([]*models.Node{
			testutil.ActionNode("assign", models.ActionAssignEntity, map[string]any{"assigneeId": "U1"}),
		}),
	)
}

func traceOrder(execution *models.WorkflowExecution) []string {
	ids := make([]string, 0, len(execution.Trace))
	for _, step := range execution.Trace {
		ids = append(ids, step.NodeID)
	}

	return ids
}

func stepOf(t *testing.T, execution *models.WorkflowExecution, nodeID string) models.StepResult {
	t.Helper()

	step, ok := execution.Step(nodeID)
	require.True(t, ok, "no trace entry for %s", nodeID)

	return step
}

func TestExecute_LiveAssign(t *testing.T) {
	h := defaultHarness(t)
	w := h.save(t, assignWorkflow())

	execution := h.execute(t, w, false)

	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, []string{"trigger", "assign"}, traceOrder(execution))
	assert.Equal(t, models.StepStatusPassed, stepOf(t, execution, "assign").Status)
	assert.Equal(t, 1, execution.StepsExecuted)
	assert.Equal(t, 1, execution.StepsPassed)
	assert.NotNil(t, execution.StartedAt)
	assert.NotNil(t, execution.CompletedAt)

	assigned, err := h.entities.Get(t.Context(), "T1")
	require.NoError(t, err)
	assert.Equal(t, "U1", assigned.AssigneeID)

	stored, err := h.store.ExecutionRepository().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)
	assert.Len(t, stored.Trace, 2)

	updated, err := h.store.WorkflowRepository().GetByID(t.Context(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.ExecutionCount)
	assert.Equal(t, int64(0), updated.ErrorCount)
	assert.NotNil(t, updated.LastExecutedAt)
}

func TestExecute_DryRunAppliesNoMutation(t *testing.T) {
	h := defaultHarness(t)
	w := h.save(t, testutil.CreateTestWorkflow(
		testutil.WithSteps([]*models.Node{
			testutil.ActionNode("assign", models.ActionAssignEntity, map[string]any{"assigneeId": "U1"}),
			testutil.ActionNode("bump", models.ActionUpdateEntityField, map[string]any{"field": "priority", "value": 9}),
			testutil.ActionNode("spawn", models.ActionCreateRelatedEntity, map[string]any{"type": "subtask"}),
			testutil.ActionNode("done", models.ActionMoveEntityState, map[string]any{"state": "DONE"}),
			testutil.ActionNode("ask", "", nil, func(n *models.Node) {
				n.Kind = models.NodeKindCapability
				n.Type = "suggest_subtasks"
			}),
		}),
	))

	before := h.entities.Snapshot()

	execution := h.execute(t, w, true)

	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.True(t, execution.IsDryRun)

	assign := stepOf(t, execution, "assign")
	assert.Equal(t, models.StepStatusPassed, assign.Status)
	assert.Equal(t, true, assign.Output[workflow.SimulatedKey])
	assert.Equal(t, "U1", assign.Output["assigneeId"])
	assert.Equal(t, "T1", assign.Output["entityId"])

	assert.Equal(t, true, stepOf(t, execution, "ask").Output[workflow.SimulatedKey])

	assert.Equal(t, before, h.entities.Snapshot())
	assert.Empty(t, h.entities.Mutations())

	updated, err := h.store.WorkflowRepository().GetByID(t.Context(), w.ID)
	require.NoError(t, err)
	assert.Zero(t, updated.ExecutionCount)

	stored, err := h.store.ExecutionRepository().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsDryRun)
}

func TestExecute_WebhookRateLimited(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	h := newHarness(t, workflow.DefaultLimits(), ratelimit.Bucket{Burst: 1, PerSecond: 1})
	w := h.save(t, testutil.CreateTestWorkflow(
		testutil.WithSteps([]*models.Node{
			testutil.ActionNode("hook", models.ActionCallExternalWebhook, map[string]any{"url": server.URL}),
		}),
	))

	first := h.execute(t, w, false)
	second := h.execute(t, w, false)

	assert.Equal(t, models.StepStatusPassed, stepOf(t, first, "hook").Status)
	assert.Equal(t, models.ExecutionStatusCompleted, first.Status)

	hook := stepOf(t, second, "hook")
	assert.Equal(t, models.StepStatusFailed, hook.Status)
	assert.Equal(t, models.ErrorKindSafetyLimit, hook.ErrorKind)
	assert.Contains(t, hook.Error, models.LimitRateLimited)
	assert.Equal(t, models.ExecutionStatusFailed, second.Status)
	assert.Equal(t, models.ErrorKindSafetyLimit, second.ErrorKind)

	assert.Equal(t, int32(1), calls.Load())

	updated, err := h.store.WorkflowRepository().GetByID(t.Context(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.ExecutionCount)
	assert.Equal(t, int64(1), updated.ErrorCount)
}

func TestExecute_WebhookNon2xxRecordsStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("bad gateway"))
	}))
	defer server.Close()

	h := defaultHarness(t)
	w := h.save(t, testutil.CreateTestWorkflow(
		testutil.WithSteps([]*models.Node{
			testutil.ActionNode("hook", models.ActionCallExternalWebhook, map[string]any{"url": server.URL}),
		}),
	))

	execution := h.execute(t, w, false)

	hook := stepOf(t, execution, "hook")
	assert.Equal(t, models.StepStatusFailed, hook.Status)
	assert.Equal(t, models.ErrorKindExternalCall, hook.ErrorKind)
	assert.Equal(t, http.StatusBadGateway, hook.HTTPStatus)
	assert.Contains(t, hook.Error, "bad gateway")
}

func branchWorkflow(expression string) *models.Workflow {
	return testutil.CreateTestWorkflow(testutil.WithSteps(
		[]*models.Node{
			testutil.ConditionNode("A", map[string]any{"expression": expression}),
			testutil.ActionNode("B", models.ActionUpdateEntityField, map[string]any{"field": "branch", "value": "false"}),
			testutil.ActionNode("C", models.ActionUpdateEntityField, map[string]any{"field": "branch", "value": "true"}),
			testutil.ActionNode("D", models.ActionUpdateEntityField, map[string]any{"field": "after", "value": "B"}),
		},
		testutil.Edge("trigger", "A"),
		testutil.Edge("A", "B", models.EdgeLabelFalse),
		testutil.Edge("A", "C", models.EdgeLabelTrue),
		testutil.Edge("B", "D"),
	))
}

func TestExecute_ConditionTrueSkipsFalseBranch(t *testing.T) {
	h := defaultHarness(t)
	w := h.save(t, branchWorkflow("trigger.priority > 3"))

	execution := h.execute(t, w, false)

	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, models.StepStatusPassed, stepOf(t, execution, "A").Status)
	assert.Equal(t, true, stepOf(t, execution, "A").Output["result"])
	assert.Equal(t, models.StepStatusPassed, stepOf(t, execution, "C").Status)

	b := stepOf(t, execution, "B")
	assert.Equal(t, models.StepStatusSkipped, b.Status)
	assert.Equal(t, models.SkipReasonNotReached, b.Reason)

	d := stepOf(t, execution, "D")
	assert.Equal(t, models.StepStatusSkipped, d.Status)

	updated, err := h.entities.Get(t.Context(), "T1")
	require.NoError(t, err)
	assert.Equal(t, "true", updated.Fields["branch"])
	assert.NotContains(t, updated.Fields, "after")
}

func TestExecute_ConditionFalseTakesFalseBranch(t *testing.T) {
	h := defaultHarness(t)
	w := h.save(t, branchWorkflow("trigger.priority > 7"))

	execution := h.execute(t, w, false)

	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)

	a := stepOf(t, execution, "A")
	assert.Equal(t, models.StepStatusSkipped, a.Status)
	assert.Equal(t, models.SkipReasonFalseBranch, a.Reason)
	assert.Equal(t, false, a.Output["result"])

	assert.Equal(t, models.StepStatusSkipped, stepOf(t, execution, "C").Status)
	assert.Equal(t, models.StepStatusPassed, stepOf(t, execution, "B").Status)
	assert.Equal(t, models.StepStatusPassed, stepOf(t, execution, "D").Status)
}

func TestExecute_JoinRunsWhenOneBranchIsLive(t *testing.T) {
	h := defaultHarness(t)
	w := h.save(t, testutil.CreateTestWorkflow(testutil.WithSteps(
		[]*models.Node{
			testutil.ConditionNode("check", map[string]any{"field": "trigger.status", "operator": "eq", "value": "TODO"}),
			testutil.ActionNode("yes", models.ActionUpdateEntityField, map[string]any{"field": "path", "value": "yes"}),
			testutil.ActionNode("no", models.ActionUpdateEntityField, map[string]any{"field": "path", "value": "no"}),
			testutil.ActionNode("join", models.ActionUpdateEntityField, map[string]any{"field": "joined", "value": true}),
		},
		testutil.Edge("trigger", "check"),
		testutil.Edge("check", "yes", models.EdgeLabelTrue),
		testutil.Edge("check", "no", models.EdgeLabelFalse),
		testutil.Edge("yes", "join"),
		testutil.Edge("no", "join"),
	)))

	execution := h.execute(t, w, false)

	assert.Equal(t, models.StepStatusSkipped, stepOf(t, execution, "no").Status)
	assert.Equal(t, models.StepStatusPassed, stepOf(t, execution, "join").Status)
}

func TestExecute_TraceFollowsEdges(t *testing.T) {
	h := defaultHarness(t)

	nodes := []*models.Node{
		testutil.ActionNode("d", models.ActionUpdateEntityField, map[string]any{"field": "d", "value": 1}),
		testutil.ActionNode("b", models.ActionUpdateEntityField, map[string]any{"field": "b", "value": 1}),
		testutil.ActionNode("c", models.ActionUpdateEntityField, map[string]any{"field": "c", "value": 1}),
		testutil.ActionNode("a", models.ActionUpdateEntityField, map[string]any{"field": "a", "value": 1}),
	}
	edges := []*models.Edge{
		testutil.Edge("trigger", "a"),
		testutil.Edge("a", "b"),
		testutil.Edge("a", "c"),
		testutil.Edge("b", "d"),
		testutil.Edge("c", "d"),
	}
	w := h.save(t, testutil.CreateTestWorkflow(testutil.WithSteps(nodes, edges...)))

	first := h.execute(t, w, true)
	second := h.execute(t, w, true)

	position := make(map[string]int)
	for i, id := range traceOrder(first) {
		position[id] = i
	}

	for _, edge := range w.Definition.Edges {
		assert.Less(t, position[edge.Source], position[edge.Target], "%s -> %s", edge.Source, edge.Target)
	}

	assert.Equal(t, []string{"trigger", "a", "b", "c", "d"}, traceOrder(first))
	assert.Equal(t, traceOrder(first), traceOrder(second))
}

func TestExecute_FailureAbortsRemainingSteps(t *testing.T) {
	h := defaultHarness(t)
	h.registry.RegisterAction(funcFactory{id: "explode", apply: func(context.Context, protocol.Input) (map[string]any, error) {
		return nil, errors.New("boom")
	}})

	w := h.save(t, testutil.CreateTestWorkflow(testutil.WithSteps([]*models.Node{
		testutil.ActionNode("first", "explode", nil),
		testutil.ActionNode("second", models.ActionAssignEntity, map[string]any{"assigneeId": "U1"}),
	})))

	execution := h.execute(t, w, false)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, models.ErrorKindStepExecution, execution.ErrorKind)
	assert.Contains(t, execution.Error, "boom")

	assert.Equal(t, models.StepStatusFailed, stepOf(t, execution, "first").Status)

	second := stepOf(t, execution, "second")
	assert.Equal(t, models.StepStatusSkipped, second.Status)
	assert.Equal(t, models.SkipReasonAborted, second.Reason)

	unchanged, err := h.entities.Get(t.Context(), "T1")
	require.NoError(t, err)
	assert.Empty(t, unchanged.AssigneeID)

	var failed *events.WorkflowExecutionFailed

	for _, event := range h.bus.PublishedEvents() {
		if e, ok := event.(events.WorkflowExecutionFailed); ok {
			failed = &e
		}
	}

	require.NotNil(t, failed)
	assert.Equal(t, "first", failed.FailedNodeID)
	assert.Equal(t, execution.ID, failed.ExecutionID)
}

func TestExecute_ContinueOnError(t *testing.T) {
	h := defaultHarness(t)
	h.registry.RegisterAction(funcFactory{id: "explode", apply: func(context.Context, protocol.Input) (map[string]any, error) {
		return nil, errors.New("boom")
	}})

	w := h.save(t, testutil.CreateTestWorkflow(testutil.WithSteps([]*models.Node{
		testutil.ActionNode("first", "explode", nil, testutil.ContinueOnError()),
		testutil.ActionNode("second", models.ActionAssignEntity, map[string]any{"assigneeId": "U1"}),
	})))

	execution := h.execute(t, w, false)

	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, 1, execution.StepsFailed)
	assert.Equal(t, 1, execution.StepsPassed)
	assert.Equal(t, models.StepStatusPassed, stepOf(t, execution, "second").Status)
}

func TestExecute_InterpolatesReferences(t *testing.T) {
	h := defaultHarness(t)

	var captured protocol.Input

	h.registry.RegisterAction(funcFactory{id: "produce", apply: func(_ context.Context, input protocol.Input) (map[string]any, error) {
		captured = input

		return map[string]any{"owner": "U42"}, nil
	}})

	w := h.save(t, testutil.CreateTestWorkflow(
		testutil.WithVariables(map[string]any{"label": "urgent"}),
		testutil.WithSteps([]*models.Node{
			testutil.ActionNode("produce", "produce", nil),
			testutil.ActionNode("assign", models.ActionAssignEntity, map[string]any{"assigneeId": "{{steps.produce.owner}}"}),
			testutil.ActionNode("tag", models.ActionUpdateEntityField, map[string]any{
				"field": "label",
				"value": "{{vars.label}} for {{trigger.entityId}}",
			}),
		}),
	))

	execution := h.execute(t, w, false)
	require.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, execution.ID, captured.ExecutionID)

	updated, err := h.entities.Get(t.Context(), "T1")
	require.NoError(t, err)
	assert.Equal(t, "U42", updated.AssigneeID)
	assert.Equal(t, "urgent for T1", updated.Fields["label"])
}

func TestExecute_UnresolvedReferenceFailsStep(t *testing.T) {
	h := defaultHarness(t)
	w := h.save(t, testutil.CreateTestWorkflow(testutil.WithSteps([]*models.Node{
		testutil.ActionNode("assign", models.ActionAssignEntity, map[string]any{"assigneeId": "{{trigger.reviewerId}}"}),
	})))

	execution := h.execute(t, w, false)

	assign := stepOf(t, execution, "assign")
	assert.Equal(t, models.StepStatusFailed, assign.Status)
	assert.Contains(t, assign.Error, "{{trigger.reviewerId}}")
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
}

func TestExecute_StepBudget(t *testing.T) {
	limits := workflow.DefaultLimits()
	limits.StepBudget = 2

	h := newHarness(t, limits, ratelimit.Bucket{Burst: 100, PerSecond: 100})
	w := h.save(t, testutil.CreateTestWorkflow(testutil.WithSteps([]*models.Node{
		testutil.ActionNode("one", models.ActionUpdateEntityField, map[string]any{"field": "one", "value": 1}),
		testutil.ActionNode("two", models.ActionUpdateEntityField, map[string]any{"field": "two", "value": 2}),
		testutil.ActionNode("three", models.ActionUpdateEntityField, map[string]any{"field": "three", "value": 3}),
	})))

	execution := h.execute(t, w, false)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, models.ErrorKindSafetyLimit, execution.ErrorKind)
	assert.Contains(t, execution.Error, models.LimitStepBudget)
	assert.Zero(t, execution.StepsExecuted)

	for _, step := range execution.Trace {
		assert.Equal(t, models.StepStatusSkipped, step.Status)
		assert.Equal(t, models.SkipReasonSafetyLimit, step.Reason)
	}

	assert.Empty(t, h.entities.Mutations())
}

func TestExecute_ChainDepth(t *testing.T) {
	h := defaultHarness(t)
	w := h.save(t, assignWorkflow())

	data := h.triggerData(t, "T1")
	data[models.ChainKey] = models.Chain{ID: "chain-1", Depth: 11}.ToMap()

	execution, err := h.orchestrator.Execute(t.Context(), models.ExecutionRequest{Workflow: w, TriggerData: data})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Equal(t, models.ErrorKindSafetyLimit, execution.ErrorKind)
	assert.Contains(t, execution.Error, models.LimitChainDepth)
	assert.Equal(t, "chain-1", execution.ChainID)
	assert.Empty(t, h.entities.Mutations())
}

func TestExecute_MutationsCarryNextChainDepth(t *testing.T) {
	h := defaultHarness(t)
	w := h.save(t, assignWorkflow())

	data := h.triggerData(t, "T1")
	data[models.ChainKey] = models.Chain{ID: "chain-1", Depth: 3}.ToMap()

	_, err := h.orchestrator.Execute(t.Context(), models.ExecutionRequest{Workflow: w, TriggerData: data})
	require.NoError(t, err)

	mutations := h.entities.Mutations()
	require.Len(t, mutations, 1)
	assert.Equal(t, models.Chain{ID: "chain-1", Depth: 4}, mutations[0].Chain)
}

func TestExecute_Cooldown(t *testing.T) {
	limits := workflow.DefaultLimits()
	limits.CooldownRuns = 2

	h := newHarness(t, limits, ratelimit.Bucket{Burst: 100, PerSecond: 100})
	w := h.save(t, assignWorkflow())

	assert.Equal(t, models.ExecutionStatusCompleted, h.execute(t, w, false).Status)
	assert.Equal(t, models.ExecutionStatusCompleted, h.execute(t, w, false).Status)

	rejected := h.execute(t, w, false)
	assert.Equal(t, models.ExecutionStatusFailed, rejected.Status)
	assert.Contains(t, rejected.Error, models.LimitCooldown)

	assert.Equal(t, models.ExecutionStatusCompleted, h.execute(t, w, true).Status, "dry runs bypass the cooldown")

	h.clock.Advance(limits.CooldownWindow + time.Second)
	assert.Equal(t, models.ExecutionStatusCompleted, h.execute(t, w, false).Status)
}

func TestExecute_CooldownSharedBetweenOrchestrators(t *testing.T) {
	limits := workflow.DefaultLimits()
	limits.CooldownRuns = 2

	h := newHarness(t, limits, ratelimit.Bucket{Burst: 100, PerSecond: 100})
	w := h.save(t, assignWorkflow())

	claims := claim.NewMemory(h.clock)
	build := func() *workflow.Orchestrator {
		return workflow.NewOrchestrator(slog.New(slog.DiscardHandler), h.store,
			workflow.NewActionExecutor(h.registry, nil, h.clock), h.bus,
			workflow.WithClock(h.clock), workflow.WithLimits(limits), workflow.WithCooldownClaims(claims))
	}

	run := func(o *workflow.Orchestrator) *models.WorkflowExecution {
		execution, err := o.Execute(t.Context(), models.ExecutionRequest{Workflow: w, TriggerData: h.triggerData(t, "T1")})
		require.NoError(t, err)

		return execution
	}

	api, engine := build(), build()

	assert.Equal(t, models.ExecutionStatusCompleted, run(api).Status)
	assert.Equal(t, models.ExecutionStatusCompleted, run(engine).Status)

	rejected := run(api)
	assert.Equal(t, models.ExecutionStatusFailed, rejected.Status)
	assert.Contains(t, rejected.Error, models.LimitCooldown)
}

func TestExecute_Timeout(t *testing.T) {
	h := defaultHarness(t)
	h.registry.RegisterAction(funcFactory{id: "slow", apply: func(context.Context, protocol.Input) (map[string]any, error) {
		h.clock.Advance(31 * time.Second)

		return map[string]any{}, nil
	}})

	w := h.save(t, testutil.CreateTestWorkflow(testutil.WithSteps([]*models.Node{
		testutil.ActionNode("slow", "slow", nil),
		testutil.ActionNode("after", models.ActionAssignEntity, map[string]any{"assigneeId": "U1"}),
	})))

	execution := h.execute(t, w, false)

	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.Error, models.LimitTimeout)
	assert.Equal(t, models.StepStatusPassed, stepOf(t, execution, "slow").Status)
	assert.Equal(t, models.SkipReasonTimeout, stepOf(t, execution, "after").Reason)
}

func TestExecute_Cancel(t *testing.T) {
	h := defaultHarness(t)

	var orchestrator *workflow.Orchestrator

	h.registry.RegisterAction(funcFactory{id: "cancel-self", apply: func(_ context.Context, input protocol.Input) (map[string]any, error) {
		return map[string]any{}, orchestrator.Cancel(input.ExecutionID)
	}})
	orchestrator = h.orchestrator

	w := h.save(t, testutil.CreateTestWorkflow(testutil.WithSteps([]*models.Node{
		testutil.ActionNode("stop", "cancel-self", nil),
		testutil.ActionNode("after", models.ActionAssignEntity, map[string]any{"assigneeId": "U1"}),
	})))

	execution := h.execute(t, w, false)

	assert.Equal(t, models.ExecutionStatusCancelled, execution.Status)
	assert.Equal(t, models.SkipReasonCancelled, stepOf(t, execution, "after").Reason)

	updated, err := h.store.WorkflowRepository().GetByID(t.Context(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.ExecutionCount)
	assert.Equal(t, int64(0), updated.ErrorCount)

	require.ErrorIs(t, h.orchestrator.Cancel(execution.ID), workflow.ErrNotRunning)
}

// ctxStore fails every write on a done context, like a SQL driver does.
type ctxStore struct {
	*file.Persistence
}

func (s ctxStore) WorkflowRepository() persistence.WorkflowRepository {
	return ctxWorkflows{s.Persistence.WorkflowRepository()}
}

func (s ctxStore) ExecutionRepository() persistence.ExecutionRepository {
	return ctxExecutions{s.Persistence.ExecutionRepository()}
}

type ctxWorkflows struct {
	persistence.WorkflowRepository
}

func (r ctxWorkflows) IncrementCounters(ctx context.Context, id string, failed bool, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.WorkflowRepository.IncrementCounters(ctx, id, failed, at)
}

type ctxExecutions struct {
	persistence.ExecutionRepository
}

func (r ctxExecutions) Save(ctx context.Context, execution *models.WorkflowExecution) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.ExecutionRepository.Save(ctx, execution)
}

func TestExecute_CallerGoneStillRecordsTerminalState(t *testing.T) {
	h := defaultHarness(t)
	store := ctxStore{h.store}

	reg := h.registry
	orchestrator := workflow.NewOrchestrator(slog.New(slog.DiscardHandler), store,
		workflow.NewActionExecutor(reg, nil, h.clock), h.bus, workflow.WithClock(h.clock))

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	reg.RegisterAction(funcFactory{id: "hang-up", apply: func(context.Context, protocol.Input) (map[string]any, error) {
		cancel()

		return map[string]any{}, nil
	}})

	w := h.save(t, testutil.CreateTestWorkflow(testutil.WithSteps([]*models.Node{
		testutil.ActionNode("hang-up", "hang-up", nil),
		testutil.ActionNode("after", models.ActionAssignEntity, map[string]any{"assigneeId": "U1"}),
	})))

	execution, err := orchestrator.Execute(ctx, models.ExecutionRequest{Workflow: w, TriggerData: h.triggerData(t, "T1")})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, execution.Status)
	assert.Equal(t, models.SkipReasonCancelled, stepOf(t, execution, "after").Reason)

	stored, err := h.store.ExecutionRepository().GetByID(t.Context(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status)

	updated, err := h.store.WorkflowRepository().GetByID(t.Context(), w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.ExecutionCount)

	var cancelled bool

	for _, event := range h.bus.PublishedEvents() {
		if event.GetType() == events.WorkflowExecutionCancelledEvent {
			cancelled = true
		}
	}

	assert.True(t, cancelled)
}

func TestExecute_CapabilityAccepted(t *testing.T) {
	h := defaultHarness(t)
	w := h.save(t, testutil.CreateTestWorkflow(testutil.WithSteps([]*models.Node{
		{ID: "ask", Kind: models.NodeKindCapability, Type: "suggest_subtasks", Config: map[string]any{"entityId": "{{trigger.entityId}}"}},
	})))

	execution := h.execute(t, w, false)

	ask := stepOf(t, execution, "ask")
	assert.Equal(t, models.StepStatusPassed, ask.Status)
	assert.Equal(t, "pending_approval", ask.Output["status"])
	assert.Equal(t, "req-1", ask.Output["requestId"])
}

func TestExecute_PublishesLifecycleEvents(t *testing.T) {
	h := defaultHarness(t)
	w := h.save(t, assignWorkflow())

	execution := h.execute(t, w, false)

	var types []events.EventType

	for _, event := range h.bus.PublishedEvents() {
		switch event.GetType() {
		case events.WorkflowExecutionStartedEvent, events.WorkflowExecutionCompletedEvent, events.WorkflowExecutionFailedEvent:
			types = append(types, event.GetType())
		}
	}

	assert.Equal(t, []events.EventType{events.WorkflowExecutionStartedEvent, events.WorkflowExecutionCompletedEvent}, types)

	for _, event := range h.bus.PublishedEvents() {
		if completed, ok := event.(events.WorkflowExecutionCompleted); ok {
			assert.Equal(t, execution.ID, completed.ExecutionID)
			assert.Equal(t, 1, completed.StepsPassed)
		}
	}
}

func TestExecute_SnapshotIsolation(t *testing.T) {
	h := defaultHarness(t)
	w := h.save(t, assignWorkflow())

	var edited *models.Workflow

	h.registry.RegisterAction(funcFactory{id: "edit", apply: func(context.Context, protocol.Input) (map[string]any, error) {
		w.Definition.Nodes[2].Config["assigneeId"] = "U9"
		edited = w

		return map[string]any{}, nil
	}})

	w.Definition.Nodes = append(w.Definition.Nodes, testutil.ActionNode("edit", "edit", nil))
	w.Definition.Nodes[1], w.Definition.Nodes[2] = w.Definition.Nodes[2], w.Definition.Nodes[1]
	w.Definition.Edges = []*models.Edge{testutil.Edge("trigger", "edit"), testutil.Edge("edit", "assign")}

	execution := h.execute(t, w, false)
	require.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	require.NotNil(t, edited)

	updated, err := h.entities.Get(t.Context(), "T1")
	require.NoError(t, err)
	assert.Equal(t, "U1", updated.AssigneeID)
}

func TestExecute_NoWorkflow(t *testing.T) {
	h := defaultHarness(t)

	_, err := h.orchestrator.Execute(t.Context(), models.ExecutionRequest{})
	require.ErrorIs(t, err, workflow.ErrNoWorkflow)
}
