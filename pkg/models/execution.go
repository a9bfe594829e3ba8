package models

import "time"

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusQueued    ExecutionStatus = "queued"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// StepStatus is the outcome of a single node visit.
type StepStatus string

const (
	StepStatusPassed  StepStatus = "passed"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
)

// Reasons recorded on skipped steps.
const (
	SkipReasonFalseBranch = "false-branch"
	SkipReasonNotReached  = "not-reached"
	SkipReasonAborted     = "aborted"
	SkipReasonCancelled   = "cancelled"
	SkipReasonTimeout     = "timeout"
	SkipReasonSafetyLimit = "safety-limit"
)

// StepResult is one entry of an execution trace.
type StepResult struct {
	NodeID     string         `json:"node_id"`
	NodeName   string         `json:"node_name,omitempty"`
	Kind       NodeKind       `json:"kind"`
	Type       string         `json:"type,omitempty"`
	Status     StepStatus     `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorKind  ErrorKind      `json:"error_kind,omitempty"`
	HTTPStatus int            `json:"http_status,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMs int64          `json:"duration_ms"`
}

// WorkflowExecution is one run of a workflow against one triggering context.
type WorkflowExecution struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflow_id"`
	WorkflowName  string          `json:"workflow_name,omitempty"`
	TriggerType   TriggerType     `json:"trigger_type"`
	TriggerData   map[string]any  `json:"trigger_data,omitempty"`
	EventID       string          `json:"event_id,omitempty"`
	Status        ExecutionStatus `json:"status"`
	IsDryRun      bool            `json:"is_dry_run"`
	RetryOf       string          `json:"retry_of,omitempty"`
	ChainID       string          `json:"chain_id,omitempty"`
	ChainDepth    int             `json:"chain_depth"`
	QueuedAt      time.Time       `json:"queued_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	StepsExecuted int             `json:"steps_executed"`
	StepsPassed   int             `json:"steps_passed"`
	StepsFailed   int             `json:"steps_failed"`
	Trace         []StepResult    `json:"trace"`
	Error         string          `json:"error,omitempty"`
	ErrorKind     ErrorKind       `json:"error_kind,omitempty"`
}

// Step returns the trace entry of the given node.
func (e *WorkflowExecution) Step(nodeID string) (StepResult, bool) {
	for _, step := range e.Trace {
		if step.NodeID == nodeID {
			return step, true
		}
	}

	return StepResult{}, false
}

// ExecutionRequest asks the orchestrator to run a workflow snapshot.
type ExecutionRequest struct {
	Workflow    *Workflow      `json:"workflow"`
	TriggerType TriggerType    `json:"trigger_type"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	EventID     string         `json:"event_id,omitempty"`
	IsDryRun    bool           `json:"is_dry_run"`
	RetryOf     string         `json:"retry_of,omitempty"`
}

// ChainKey is the trigger data key carrying the execution chain across
// entity mutations that re-emit domain events.
const ChainKey = "_chain"

// Chain identifies a cascade of executions caused by each other.
type Chain struct {
	ID    string `json:"id"`
	Depth int    `json:"depth"`
}

// ChainFrom reads the chain embedded in trigger data. The zero Chain is returned when absent.
func ChainFrom(data map[string]any) Chain {
	raw, ok := data[ChainKey].(map[string]any)
	if !ok {
		return Chain{}
	}

	chain := Chain{}
	chain.ID, _ = raw["id"].(string)

	switch depth := raw["depth"].(type) {
	case int:
		chain.Depth = depth
	case int64:
		chain.Depth = int(depth)
	case float64:
		chain.Depth = int(depth)
	}

	return chain
}

func (c Chain) ToMap() map[string]any {
	return map[string]any{"id": c.ID, "depth": c.Depth}
}
