// Package persistence provides the storage abstraction for workflows and their executions.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/autoflow/pkg/models"
)

type Persistence interface {
	WorkflowRepository() WorkflowRepository
	ExecutionRepository() ExecutionRepository
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// ListWorkflowsOptions filters workflow listings. Archived workflows are
// only returned when Status asks for them.
type ListWorkflowsOptions struct {
	ScopeID string
	Status  *models.WorkflowStatus
}

type WorkflowRepository interface {
	// Save inserts or replaces the definition fields of a workflow. Counters
	// and the schedule claim are owned by IncrementCounters and ClaimSchedule.
	Save(ctx context.Context, workflow *models.Workflow) error
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	List(ctx context.Context, opts ListWorkflowsOptions) ([]*models.Workflow, error)
	// ListRunnable returns enabled active workflows of a trigger type.
	ListRunnable(ctx context.Context, triggerType models.TriggerType) ([]*models.Workflow, error)
	// IncrementCounters adds one run (and one error when failed) in a single
	// atomic update.
	IncrementCounters(ctx context.Context, id string, failed bool, at time.Time) error
	// ClaimSchedule records slot as the last scheduled fire only if it is newer
	// than the stored one. It returns true for exactly one caller per slot.
	ClaimSchedule(ctx context.Context, id string, slot time.Time) (bool, error)
}

type ExecutionRepository interface {
	// Save upserts an execution. Terminal executions are immutable and saving
	// over one fails with ErrExecutionImmutable.
	Save(ctx context.Context, execution *models.WorkflowExecution) error
	GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error)
	// ListByWorkflow returns the newest executions first.
	ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowExecution, error)
}

const DefaultListLimit = 50

// NormalizeLimit clamps list limits to 1..500.
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > 500:
		return 500
	default:
		return limit
	}
}
