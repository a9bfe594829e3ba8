package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukex/autoflow/pkg/claim"
	"github.com/dukex/autoflow/pkg/clock"
	"github.com/dukex/autoflow/pkg/entity"
	"github.com/dukex/autoflow/pkg/eventbus"
	"github.com/dukex/autoflow/pkg/events"
	"github.com/dukex/autoflow/pkg/graph"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/otelhelper"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/predicate"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNoWorkflow = errors.New("execution request has no workflow")
	ErrNotRunning = errors.New("execution is not running in this process")
)

type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

func WithLimits(limits Limits) Option {
	return func(o *Orchestrator) {
		o.limits = limits
	}
}

// WithCooldownClaims shares the cooldown window through claimer so every
// process using the same claim store counts against one limit.
func WithCooldownClaims(claimer claim.Claimer) Option {
	return func(o *Orchestrator) {
		o.claimer = claimer
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = tracer
	}
}

// Orchestrator runs one execution at a time per call; concurrent calls are
// independent. Every execution works on a snapshot of its workflow.
type Orchestrator struct {
	logger     *slog.Logger
	workflows  persistence.WorkflowRepository
	executions persistence.ExecutionRepository
	executor   *ActionExecutor
	publisher  eventbus.EventPublisher
	clock      clock.Clock
	limits     Limits
	tracer     trace.Tracer
	claimer    claim.Claimer
	cooldown   *cooldown

	mu     sync.Mutex
	active map[string]*atomic.Bool
}

func NewOrchestrator(
	logger *slog.Logger,
	store persistence.Persistence,
	executor *ActionExecutor,
	publisher eventbus.EventPublisher,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		logger:     logger.With("module", "orchestrator"),
		workflows:  store.WorkflowRepository(),
		executions: store.ExecutionRepository(),
		executor:   executor,
		publisher:  publisher,
		clock:      clock.RealClock{},
		limits:     DefaultLimits(),
		tracer:     otel.Tracer("autoflow"),
		active:     make(map[string]*atomic.Bool),
	}

	for _, opt := range opts {
		opt(o)
	}

	o.cooldown = newCooldown(o.clock, o.claimer, o.limits.CooldownRuns, o.limits.CooldownWindow)

	return o
}

// Cancel asks a running execution to stop at its next step boundary.
func (o *Orchestrator) Cancel(executionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	flag, ok := o.active[executionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, executionID)
	}

	flag.Store(true)

	return nil
}

// run is the mutable state of one execution walk.
type run struct {
	execution *models.WorkflowExecution
	index     *graph.Index
	deadEdges map[int]bool
	outputs   map[string]any
	data      map[string]any
	logger    *slog.Logger
	cancelled *atomic.Bool
	deadline  time.Time
	// stop is the reason applied to every node left once the walk is interrupted.
	stop    string
	failure error
	failed  string
}

// Execute runs req to completion and returns the terminal execution record.
// Failures of the workflow itself are recorded on the execution; the error is
// only set when the record could not be persisted.
func (o *Orchestrator) Execute(ctx context.Context, req models.ExecutionRequest) (*models.WorkflowExecution, error) {
	if req.Workflow == nil {
		return nil, ErrNoWorkflow
	}

	snapshot := req.Workflow.Clone()
	execution := o.newExecution(snapshot, req)

	logger := o.logger.With(
		"workflow_id", snapshot.ID,
		"execution_id", execution.ID,
		"dry_run", execution.IsDryRun,
		"chain_depth", execution.ChainDepth,
	)

	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "workflow.execute",
		attribute.String(otelhelper.WorkflowIDKey, snapshot.ID),
		attribute.String(otelhelper.WorkflowNameKey, snapshot.Name),
		attribute.String(otelhelper.ExecutionIDKey, execution.ID),
		attribute.String(otelhelper.TriggerTypeKey, string(execution.TriggerType)),
		attribute.Bool(otelhelper.DryRunKey, execution.IsDryRun),
		attribute.Int(otelhelper.ChainDepthKey, execution.ChainDepth),
	)
	defer span.End()

	err := o.executions.Save(ctx, execution)
	if err != nil {
		otelhelper.SetError(span, err, "")

		return nil, fmt.Errorf("failed to record queued execution: %w", err)
	}

	cancelled := o.register(execution.ID)
	defer o.unregister(execution.ID)

	// Once queued, the record must reach a terminal state even if the caller
	// goes away; only the walk itself observes ctx cancellation.
	recordCtx := context.WithoutCancel(ctx)

	started := o.clock.Now()
	execution.Status = models.ExecutionStatusRunning
	execution.StartedAt = &started

	o.saveProgress(recordCtx, logger, execution)
	o.publish(recordCtx, logger, snapshot.ID, events.WorkflowExecutionStarted{
		BaseEvent:   events.NewBaseEvent(events.WorkflowExecutionStartedEvent, snapshot.ID),
		ExecutionID: execution.ID,
		TriggerType: execution.TriggerType,
		IsDryRun:    execution.IsDryRun,
		ChainID:     execution.ChainID,
		ChainDepth:  execution.ChainDepth,
	})

	logger.InfoContext(ctx, "Execution started", "trigger_type", execution.TriggerType)

	r := &run{
		execution: execution,
		index:     graph.NewIndex(snapshot.Definition),
		deadEdges: make(map[int]bool),
		outputs:   make(map[string]any),
		logger:    logger,
		cancelled: cancelled,
		deadline:  started.Add(o.limits.Timeout),
	}
	r.data = map[string]any{
		"trigger": execution.TriggerData,
		"vars":    models.CloneMap(snapshot.Definition.Variables),
		"steps":   r.outputs,
		"execution": map[string]any{
			"id":         execution.ID,
			"workflowId": snapshot.ID,
			"isDryRun":   execution.IsDryRun,
		},
	}

	o.walk(ctx, r)
	o.finish(ctx, r)

	if r.failure != nil {
		otelhelper.SetError(span, r.failure, string(execution.ErrorKind))
	}

	span.SetAttributes(attribute.String("autoflow.execution.status", string(execution.Status)))

	err = o.executions.Save(recordCtx, execution)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to record terminal execution", "error", err)

		return execution, fmt.Errorf("failed to record execution %s: %w", execution.ID, err)
	}

	if !execution.IsDryRun {
		err = o.workflows.IncrementCounters(recordCtx, snapshot.ID, execution.Status == models.ExecutionStatusFailed, *execution.CompletedAt)
		if err != nil {
			logger.ErrorContext(ctx, "Failed to update workflow counters", "error", err)
		}
	}

	o.publishOutcome(recordCtx, logger, snapshot.ID, r)

	logger.InfoContext(ctx, "Execution finished",
		"status", execution.Status,
		"steps_executed", execution.StepsExecuted,
		"steps_failed", execution.StepsFailed,
	)

	return execution, nil
}

func (o *Orchestrator) newExecution(snapshot *models.Workflow, req models.ExecutionRequest) *models.WorkflowExecution {
	triggerData := models.CloneMap(req.TriggerData)
	if triggerData == nil {
		triggerData = map[string]any{}
	}

	chain := models.ChainFrom(triggerData)
	if chain.ID == "" {
		chain = models.Chain{ID: uuid.New().String(), Depth: 0}
	}

	triggerType := req.TriggerType
	if triggerType == "" {
		triggerType = snapshot.TriggerType
	}

	return &models.WorkflowExecution{
		ID:           uuid.New().String(),
		WorkflowID:   snapshot.ID,
		WorkflowName: snapshot.Name,
		TriggerType:  triggerType,
		TriggerData:  triggerData,
		EventID:      req.EventID,
		Status:       models.ExecutionStatusQueued,
		IsDryRun:     req.IsDryRun,
		RetryOf:      req.RetryOf,
		ChainID:      chain.ID,
		ChainDepth:   chain.Depth,
		QueuedAt:     o.clock.Now(),
		Trace:        []models.StepResult{},
	}
}

func (o *Orchestrator) walk(ctx context.Context, r *run) {
	order, err := r.index.TopologicalOrder()
	if err != nil {
		defErr := &models.DefinitionError{}
		defErr.Add("", err.Error())
		r.failure = defErr

		return
	}

	if limitErr := o.admit(ctx, r); limitErr != nil {
		r.failure = limitErr
		r.stop = models.SkipReasonSafetyLimit

		r.logger.WarnContext(ctx, "Execution rejected by safety limit", "limit", limitErr.Limit)
	}

	stepCtx, cancel := context.WithTimeout(ctx, o.limits.Timeout)
	defer cancel()

	stepCtx = entity.WithChain(stepCtx, models.Chain{ID: r.execution.ChainID, Depth: r.execution.ChainDepth + 1})

	for _, id := range order {
		node := r.index.Node(id)

		if r.stop == "" {
			o.checkBoundary(stepCtx, r)
		}

		if r.stop != "" {
			o.skip(r, node, r.stop)

			continue
		}

		if o.unreached(r, node) {
			o.skip(r, node, models.SkipReasonNotReached)

			continue
		}

		if node.Kind != models.NodeKindTrigger && r.execution.StepsExecuted >= o.limits.StepBudget {
			r.failure = &models.SafetyLimitError{Limit: models.LimitStepBudget, Detail: fmt.Sprintf("budget of %d steps reached before %s", o.limits.StepBudget, node.ID)}
			r.stop = models.SkipReasonSafetyLimit
			o.skip(r, node, r.stop)

			continue
		}

		o.visit(stepCtx, r, node)
	}
}

// admit applies the limits checked before any node runs.
func (o *Orchestrator) admit(ctx context.Context, r *run) *models.SafetyLimitError {
	if r.execution.ChainDepth > o.limits.ChainDepth {
		return &models.SafetyLimitError{
			Limit:  models.LimitChainDepth,
			Detail: fmt.Sprintf("chain %s reached depth %d, limit is %d", r.execution.ChainID, r.execution.ChainDepth, o.limits.ChainDepth),
		}
	}

	steps := 0

	for _, id := range r.index.IDs() {
		if r.index.Node(id).Kind != models.NodeKindTrigger {
			steps++
		}
	}

	if steps > o.limits.StepBudget {
		return &models.SafetyLimitError{
			Limit:  models.LimitStepBudget,
			Detail: fmt.Sprintf("workflow has %d steps, budget is %d", steps, o.limits.StepBudget),
		}
	}

	if r.execution.IsDryRun {
		return nil
	}

	admitted, err := o.cooldown.admit(ctx, r.execution.WorkflowID)
	if err != nil {
		r.logger.WarnContext(ctx, "Shared cooldown unavailable, counting locally", "error", err)
	}

	if !admitted {
		return &models.SafetyLimitError{
			Limit:  models.LimitCooldown,
			Detail: fmt.Sprintf("more than %d executions within %s", o.limits.CooldownRuns, o.limits.CooldownWindow),
		}
	}

	return nil
}

// checkBoundary stops the walk when the execution was cancelled or ran out of time.
func (o *Orchestrator) checkBoundary(ctx context.Context, r *run) {
	switch {
	case r.cancelled.Load() || errors.Is(ctx.Err(), context.Canceled):
		r.stop = models.SkipReasonCancelled
	case !o.clock.Now().Before(r.deadline) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		r.stop = models.SkipReasonTimeout
		r.failure = &models.SafetyLimitError{Limit: models.LimitTimeout, Detail: fmt.Sprintf("exceeded %s", o.limits.Timeout)}
	}
}

// unreached reports whether every incoming edge of node is dead.
func (o *Orchestrator) unreached(r *run, node *models.Node) bool {
	incoming := r.index.Incoming(node.ID)
	if node.Kind == models.NodeKindTrigger || len(incoming) == 0 {
		return false
	}

	for _, pos := range incoming {
		if !r.deadEdges[pos] {
			return false
		}
	}

	return true
}

func (o *Orchestrator) visit(ctx context.Context, r *run, node *models.Node) {
	ctx, span := otelhelper.StartSpan(ctx, o.tracer, "workflow.step",
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.NodeKindKey, string(node.Kind)),
		attribute.String(otelhelper.ActionTypeKey, node.Type),
	)
	defer span.End()

	var (
		result models.StepResult
		err    error
	)

	switch node.Kind {
	case models.NodeKindTrigger:
		result = o.passTrigger(r, node)
	case models.NodeKindCondition:
		result, err = o.evaluateCondition(r, node)
	case models.NodeKindAction, models.NodeKindCapability:
		result, err = o.executor.Run(ctx, node, Scope{
			WorkflowID:  r.execution.WorkflowID,
			ExecutionID: r.execution.ID,
			IsDryRun:    r.execution.IsDryRun,
			Data:        r.data,
			Logger:      r.logger.With("node_id", node.ID),
		})
	default:
		defErr := &models.DefinitionError{}
		defErr.Add(node.ID, fmt.Sprintf("unknown node kind %q", node.Kind))

		err = defErr
		result = models.StepResult{
			NodeID:    node.ID,
			NodeName:  node.Name,
			Kind:      node.Kind,
			Status:    models.StepStatusFailed,
			Error:     err.Error(),
			ErrorKind: models.ErrorKindDefinition,
			StartedAt: o.clock.Now(),
		}
	}

	if node.Kind != models.NodeKindTrigger {
		r.execution.StepsExecuted++
	}

	switch result.Status {
	case models.StepStatusPassed:
		if node.Kind != models.NodeKindTrigger {
			r.execution.StepsPassed++
		}

		r.outputs[node.ID] = result.Output
	case models.StepStatusSkipped:
		r.outputs[node.ID] = result.Output
	case models.StepStatusFailed:
		r.execution.StepsFailed++

		otelhelper.SetError(span, err, string(result.ErrorKind))

		o.onFailure(r, node, err)
	}

	r.execution.Trace = append(r.execution.Trace, result)
}

func (o *Orchestrator) passTrigger(r *run, node *models.Node) models.StepResult {
	return models.StepResult{
		NodeID:    node.ID,
		NodeName:  node.Name,
		Kind:      node.Kind,
		Type:      string(r.execution.TriggerType),
		Status:    models.StepStatusPassed,
		Output:    models.CloneMap(r.execution.TriggerData),
		StartedAt: o.clock.Now(),
	}
}

// evaluateCondition passes the node and kills its "false" edges when the
// predicate holds; otherwise it skips the node and keeps only the "false" edges.
func (o *Orchestrator) evaluateCondition(r *run, node *models.Node) (models.StepResult, error) {
	started := o.clock.Now()

	result := models.StepResult{
		NodeID:    node.ID,
		NodeName:  node.Name,
		Kind:      node.Kind,
		StartedAt: started,
	}

	ok, err := evaluate(node, r.data)

	result.DurationMs = o.clock.Now().Sub(started).Milliseconds()

	if err != nil {
		stepErr := &models.StepExecutionError{NodeID: node.ID, Err: err}
		result.Status = models.StepStatusFailed
		result.Error = stepErr.Error()
		result.ErrorKind = models.KindOf(stepErr)

		return result, stepErr
	}

	result.Output = map[string]any{"result": ok}

	for _, pos := range r.index.Outgoing(node.ID) {
		isFalseEdge := r.index.Edge(pos).Label == models.EdgeLabelFalse
		if ok == isFalseEdge {
			r.deadEdges[pos] = true
		}
	}

	if ok {
		result.Status = models.StepStatusPassed
	} else {
		result.Status = models.StepStatusSkipped
		result.Reason = models.SkipReasonFalseBranch
	}

	return result, nil
}

func evaluate(node *models.Node, data map[string]any) (bool, error) {
	condition, err := predicate.ParseCondition(node.Config)
	if err != nil {
		return false, err
	}

	return condition.Evaluate(data)
}

// onFailure kills the outgoing edges of a failed node and aborts the walk
// unless the node continues on error.
func (o *Orchestrator) onFailure(r *run, node *models.Node, err error) {
	if r.failed == "" {
		r.failed = node.ID
	}

	if node.ContinueOnError {
		r.logger.Info("Continuing after failed step", "node_id", node.ID)

		return
	}

	for _, pos := range r.index.Outgoing(node.ID) {
		r.deadEdges[pos] = true
	}

	r.failure = err
	r.stop = models.SkipReasonAborted
}

func (o *Orchestrator) skip(r *run, node *models.Node, reason string) {
	for _, pos := range r.index.Outgoing(node.ID) {
		r.deadEdges[pos] = true
	}

	r.execution.Trace = append(r.execution.Trace, models.StepResult{
		NodeID:    node.ID,
		NodeName:  node.Name,
		Kind:      node.Kind,
		Type:      node.Type,
		Status:    models.StepStatusSkipped,
		Reason:    reason,
		StartedAt: o.clock.Now(),
	})
}

func (o *Orchestrator) finish(ctx context.Context, r *run) {
	execution := r.execution

	completed := o.clock.Now()
	execution.CompletedAt = &completed

	switch {
	case r.stop == models.SkipReasonCancelled:
		execution.Status = models.ExecutionStatusCancelled
		execution.Error = "execution cancelled"
	case r.failure != nil:
		execution.Status = models.ExecutionStatusFailed
		execution.Error = r.failure.Error()
		execution.ErrorKind = models.KindOf(r.failure)
	default:
		execution.Status = models.ExecutionStatusCompleted
	}

	if execution.Status == models.ExecutionStatusFailed {
		r.logger.WarnContext(ctx, "Execution failed", "error_kind", execution.ErrorKind, "error", execution.Error)
	}
}

func (o *Orchestrator) publishOutcome(ctx context.Context, logger *slog.Logger, workflowID string, r *run) {
	execution := r.execution

	var durationMs int64
	if execution.StartedAt != nil && execution.CompletedAt != nil {
		durationMs = execution.CompletedAt.Sub(*execution.StartedAt).Milliseconds()
	}

	switch execution.Status {
	case models.ExecutionStatusCompleted:
		o.publish(ctx, logger, workflowID, events.WorkflowExecutionCompleted{
			BaseEvent:     events.NewBaseEvent(events.WorkflowExecutionCompletedEvent, workflowID),
			ExecutionID:   execution.ID,
			IsDryRun:      execution.IsDryRun,
			StepsExecuted: execution.StepsExecuted,
			StepsPassed:   execution.StepsPassed,
			StepsFailed:   execution.StepsFailed,
			DurationMs:    durationMs,
		})
	case models.ExecutionStatusFailed:
		o.publish(ctx, logger, workflowID, events.WorkflowExecutionFailed{
			BaseEvent:    events.NewBaseEvent(events.WorkflowExecutionFailedEvent, workflowID),
			ExecutionID:  execution.ID,
			IsDryRun:     execution.IsDryRun,
			Error:        execution.Error,
			ErrorKind:    execution.ErrorKind,
			FailedNodeID: r.failed,
			DurationMs:   durationMs,
		})
	case models.ExecutionStatusCancelled:
		o.publish(ctx, logger, workflowID, events.WorkflowExecutionCancelled{
			BaseEvent:   events.NewBaseEvent(events.WorkflowExecutionCancelledEvent, workflowID),
			ExecutionID: execution.ID,
			IsDryRun:    execution.IsDryRun,
		})
	}
}

func (o *Orchestrator) publish(ctx context.Context, logger *slog.Logger, key string, event eventbus.Event) {
	if o.publisher == nil {
		return
	}

	err := o.publisher.Publish(ctx, key, event)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to publish lifecycle event", "event_type", event.GetType(), "error", err)
	}
}

func (o *Orchestrator) saveProgress(ctx context.Context, logger *slog.Logger, execution *models.WorkflowExecution) {
	err := o.executions.Save(ctx, execution)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to record execution progress", "status", execution.Status, "error", err)
	}
}

func (o *Orchestrator) register(executionID string) *atomic.Bool {
	flag := &atomic.Bool{}

	o.mu.Lock()
	o.active[executionID] = flag
	o.mu.Unlock()

	return flag
}

func (o *Orchestrator) unregister(executionID string) {
	o.mu.Lock()
	delete(o.active, executionID)
	o.mu.Unlock()
}
