package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies runtime failures so operators can tell user mistakes from external failures.
type ErrorKind string

const (
	ErrorKindDefinition        ErrorKind = "definition"
	ErrorKindTriggerEvaluation ErrorKind = "trigger_evaluation"
	ErrorKindStepExecution     ErrorKind = "step_execution"
	ErrorKindExternalCall      ErrorKind = "external_call"
	ErrorKindSafetyLimit       ErrorKind = "safety_limit"
)

// Safety limit reasons.
const (
	LimitStepBudget  = "step_budget"
	LimitCooldown    = "cooldown"
	LimitChainDepth  = "chain_depth"
	LimitRateLimited = "rate_limited"
	LimitTimeout     = "timeout"
)

// NodeIssue is a single validation failure, attributed to a node when possible.
type NodeIssue struct {
	NodeID string `json:"node_id,omitempty"`
	Reason string `json:"reason"`
}

// DefinitionError reports every structural problem of a workflow graph.
type DefinitionError struct {
	Issues []NodeIssue `json:"issues"`
}

func (e *DefinitionError) Error() string {
	parts := make([]string, 0, len(e.Issues))

	for _, issue := range e.Issues {
		if issue.NodeID == "" {
			parts = append(parts, issue.Reason)

			continue
		}

		parts = append(parts, fmt.Sprintf("node %s: %s", issue.NodeID, issue.Reason))
	}

	return "invalid workflow definition: " + strings.Join(parts, "; ")
}

func (e *DefinitionError) Add(nodeID, reason string) {
	e.Issues = append(e.Issues, NodeIssue{NodeID: nodeID, Reason: reason})
}

// Err returns nil when no issues were collected.
func (e *DefinitionError) Err() error {
	if len(e.Issues) == 0 {
		return nil
	}

	return e
}

// TriggerEvaluationError is a malformed filter predicate of one workflow.
type TriggerEvaluationError struct {
	WorkflowID string
	Err        error
}

func (e *TriggerEvaluationError) Error() string {
	return fmt.Sprintf("trigger evaluation failed for workflow %s: %v", e.WorkflowID, e.Err)
}

func (e *TriggerEvaluationError) Unwrap() error {
	return e.Err
}

// StepExecutionError is an action handler failure.
type StepExecutionError struct {
	NodeID string
	Err    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.NodeID, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// ExternalCallError is a non-2xx response or transport failure of an outbound call.
type ExternalCallError struct {
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *ExternalCallError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("external call to %s returned %d: %s", e.URL, e.StatusCode, e.Body)
	}

	return fmt.Sprintf("external call to %s failed: %v", e.URL, e.Err)
}

func (e *ExternalCallError) Unwrap() error {
	return e.Err
}

// SafetyLimitError aborts an execution that exceeded a hard cap.
type SafetyLimitError struct {
	Limit  string
	Detail string
}

func (e *SafetyLimitError) Error() string {
	if e.Detail == "" {
		return "safety limit exceeded: " + e.Limit
	}

	return fmt.Sprintf("safety limit exceeded: %s (%s)", e.Limit, e.Detail)
}

// KindOf classifies an error for trace and execution records.
func KindOf(err error) ErrorKind {
	var (
		definitionErr *DefinitionError
		triggerErr    *TriggerEvaluationError
		externalErr   *ExternalCallError
		safetyErr     *SafetyLimitError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &safetyErr):
		return ErrorKindSafetyLimit
	case errors.As(err, &externalErr):
		return ErrorKindExternalCall
	case errors.As(err, &definitionErr):
		return ErrorKindDefinition
	case errors.As(err, &triggerErr):
		return ErrorKindTriggerEvaluation
	default:
		return ErrorKindStepExecution
	}
}
