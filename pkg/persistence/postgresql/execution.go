package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
)

const executionColumns = `
			id
		  , workflow_id
		  , workflow_name
		  , trigger_type
		  , trigger_data
		  , event_id
		  , status
		  , is_dry_run
		  , retry_of
		  , chain_id
		  , chain_depth
		  , queued_at
		  , started_at
		  , completed_at
		  , steps_executed
		  , steps_passed
		  , steps_failed
		  , trace
		  , error
		  , error_kind`

// ExecutionRepository handles execution-related database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// Save upserts the execution unless the stored row is already terminal.
func (r *ExecutionRepository) Save(ctx context.Context, execution *models.WorkflowExecution) error {
	triggerDataJSON, err := json.Marshal(execution.TriggerData)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger data: %w", err)
	}

	trace := execution.Trace
	if trace == nil {
		trace = []models.StepResult{}
	}

	traceJSON, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}

	query := `
		INSERT INTO workflow_executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			steps_executed = EXCLUDED.steps_executed,
			steps_passed = EXCLUDED.steps_passed,
			steps_failed = EXCLUDED.steps_failed,
			trace = EXCLUDED.trace,
			error = EXCLUDED.error,
			error_kind = EXCLUDED.error_kind
		WHERE workflow_executions.status NOT IN ('completed', 'failed', 'cancelled')
	`

	result, err := r.db.ExecContext(ctx, query,
		execution.ID,
		execution.WorkflowID,
		execution.WorkflowName,
		execution.TriggerType,
		triggerDataJSON,
		execution.EventID,
		execution.Status,
		execution.IsDryRun,
		execution.RetryOf,
		execution.ChainID,
		execution.ChainDepth,
		execution.QueuedAt,
		execution.StartedAt,
		execution.CompletedAt,
		execution.StepsExecuted,
		execution.StepsPassed,
		execution.StepsFailed,
		traceJSON,
		execution.Error,
		execution.ErrorKind,
	)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	if affected == 0 {
		return persistence.NewExecutionError("Save", execution.ID, persistence.ErrExecutionImmutable)
	}

	return nil
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE id = $1`

	execution, err := r.scanExecution(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	return execution, nil
}

func (r *ExecutionRepository) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions
		WHERE workflow_id = $1
		ORDER BY queued_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, workflowID, persistence.NormalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	executions := make([]*models.WorkflowExecution, 0)

	for rows.Next() {
		execution, err := r.scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		executions = append(executions, execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}

func (r *ExecutionRepository) scanExecution(row scanner) (*models.WorkflowExecution, error) {
	var (
		execution       models.WorkflowExecution
		triggerDataJSON []byte
		traceJSON       []byte
		startedAt       sql.NullTime
		completedAt     sql.NullTime
	)

	err := row.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&execution.WorkflowName,
		&execution.TriggerType,
		&triggerDataJSON,
		&execution.EventID,
		&execution.Status,
		&execution.IsDryRun,
		&execution.RetryOf,
		&execution.ChainID,
		&execution.ChainDepth,
		&execution.QueuedAt,
		&startedAt,
		&completedAt,
		&execution.StepsExecuted,
		&execution.StepsPassed,
		&execution.StepsFailed,
		&traceJSON,
		&execution.Error,
		&execution.ErrorKind,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(triggerDataJSON, &execution.TriggerData)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger data: %w", err)
	}

	err = json.Unmarshal(traceJSON, &execution.Trace)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal trace: %w", err)
	}

	execution.StartedAt = nullTime(startedAt)
	execution.CompletedAt = nullTime(completedAt)

	return &execution, nil
}
