package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
)

const workflowColumns = `
			id
		  , scope_id
		  , name
		  , description
		  , definition
		  , trigger_type
		  , trigger_config
		  , status
		  , enabled
		  , execution_count
		  , error_count
		  , last_executed_at
		  , last_scheduled_at
		  , activated_at
		  , created_at
		  , updated_at
		  , archived_at`

type scanner interface {
	Scan(dest ...any) error
}

// WorkflowRepository handles workflow-related database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`

	workflow, err := r.scanWorkflow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	return workflow, nil
}

// Save upserts the definition fields. Counters and last_scheduled_at are left untouched on update.
func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.Workflow) error {
	now := time.Now().UTC()

	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	definitionJSON, err := json.Marshal(workflow.Definition)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	triggerConfigJSON, err := json.Marshal(workflow.TriggerConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger config: %w", err)
	}

	query := `
		INSERT INTO workflows (id, scope_id, name, description, definition, trigger_type, trigger_config,
			status, enabled, activated_at, created_at, updated_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			scope_id = EXCLUDED.scope_id,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			definition = EXCLUDED.definition,
			trigger_type = EXCLUDED.trigger_type,
			trigger_config = EXCLUDED.trigger_config,
			status = EXCLUDED.status,
			enabled = EXCLUDED.enabled,
			activated_at = EXCLUDED.activated_at,
			updated_at = EXCLUDED.updated_at,
			archived_at = EXCLUDED.archived_at
	`

	_, err = r.db.ExecContext(ctx, query,
		workflow.ID,
		workflow.ScopeID,
		workflow.Name,
		workflow.Description,
		definitionJSON,
		workflow.TriggerType,
		triggerConfigJSON,
		workflow.Status,
		workflow.Enabled,
		workflow.ActivatedAt,
		workflow.CreatedAt,
		workflow.UpdatedAt,
		workflow.ArchivedAt,
	)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	return nil
}

func (r *WorkflowRepository) List(ctx context.Context, opts persistence.ListWorkflowsOptions) ([]*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows
		WHERE ($1 = '' OR scope_id = $1)
		  AND (($2 = '' AND status <> 'archived') OR status = $2)
		ORDER BY created_at DESC`

	status := ""
	if opts.Status != nil {
		status = string(*opts.Status)
	}

	return r.query(ctx, query, opts.ScopeID, status)
}

func (r *WorkflowRepository) ListRunnable(ctx context.Context, triggerType models.TriggerType) ([]*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows
		WHERE trigger_type = $1 AND status = 'active' AND enabled
		ORDER BY created_at ASC`

	return r.query(ctx, query, triggerType)
}

func (r *WorkflowRepository) IncrementCounters(ctx context.Context, id string, failed bool, at time.Time) error {
	query := `
		UPDATE workflows SET
			execution_count = execution_count + 1,
			error_count = error_count + CASE WHEN $2 THEN 1 ELSE 0 END,
			last_executed_at = $3
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, failed, at.UTC())
	if err != nil {
		return persistence.NewWorkflowError("IncrementCounters", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewWorkflowError("IncrementCounters", id, err)
	}

	if affected == 0 {
		return persistence.NewWorkflowError("IncrementCounters", id, persistence.ErrWorkflowNotFound)
	}

	return nil
}

// ClaimSchedule is a conditional update, so concurrent schedulers race on the row lock and only one wins.
func (r *WorkflowRepository) ClaimSchedule(ctx context.Context, id string, slot time.Time) (bool, error) {
	query := `
		UPDATE workflows SET last_scheduled_at = $2
		WHERE id = $1 AND (last_scheduled_at IS NULL OR last_scheduled_at < $2)
	`

	result, err := r.db.ExecContext(ctx, query, id, slot.UTC())
	if err != nil {
		return false, persistence.NewWorkflowError("ClaimSchedule", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, persistence.NewWorkflowError("ClaimSchedule", id, err)
	}

	return affected == 1, nil
}

func (r *WorkflowRepository) query(ctx context.Context, query string, args ...any) ([]*models.Workflow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	workflows := make([]*models.Workflow, 0)

	for rows.Next() {
		workflow, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return workflows, nil
}

func (r *WorkflowRepository) scanWorkflow(row scanner) (*models.Workflow, error) {
	var (
		workflow          models.Workflow
		definitionJSON    []byte
		triggerConfigJSON []byte
		lastExecutedAt    sql.NullTime
		lastScheduledAt   sql.NullTime
		activatedAt       sql.NullTime
		archivedAt        sql.NullTime
	)

	err := row.Scan(
		&workflow.ID,
		&workflow.ScopeID,
		&workflow.Name,
		&workflow.Description,
		&definitionJSON,
		&workflow.TriggerType,
		&triggerConfigJSON,
		&workflow.Status,
		&workflow.Enabled,
		&workflow.ExecutionCount,
		&workflow.ErrorCount,
		&lastExecutedAt,
		&lastScheduledAt,
		&activatedAt,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
		&archivedAt,
	)
	if err != nil {
		return nil, err
	}

	err = json.Unmarshal(definitionJSON, &workflow.Definition)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}

	err = json.Unmarshal(triggerConfigJSON, &workflow.TriggerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger config: %w", err)
	}

	workflow.LastExecutedAt = nullTime(lastExecutedAt)
	workflow.LastScheduledAt = nullTime(lastScheduledAt)
	workflow.ActivatedAt = nullTime(activatedAt)
	workflow.ArchivedAt = nullTime(archivedAt)

	return &workflow, nil
}

func nullTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}

	t := value.Time.UTC()

	return &t
}
