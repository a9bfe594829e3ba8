package file

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
)

// ExecutionRepository handles execution-related file operations.
type ExecutionRepository struct {
	root string
	mu   *sync.Mutex
}

func (er *ExecutionRepository) dir() string {
	return filepath.Join(er.root, "executions")
}

func (er *ExecutionRepository) Save(_ context.Context, execution *models.WorkflowExecution) error {
	err := validateID(execution.ID)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	er.mu.Lock()
	defer er.mu.Unlock()

	existing, err := er.load(execution.ID)

	switch {
	case err == nil:
		if existing.Status.IsTerminal() {
			return persistence.NewExecutionError("Save", execution.ID, persistence.ErrExecutionImmutable)
		}
	case !persistence.IsExecutionNotFound(err):
		return err
	}

	err = writeJSON(er.dir(), execution.ID, execution)
	if err != nil {
		return persistence.NewExecutionError("Save", execution.ID, err)
	}

	return nil
}

func (er *ExecutionRepository) GetByID(_ context.Context, id string) (*models.WorkflowExecution, error) {
	er.mu.Lock()
	defer er.mu.Unlock()

	return er.load(id)
}

func (er *ExecutionRepository) ListByWorkflow(_ context.Context, workflowID string, limit int) ([]*models.WorkflowExecution, error) {
	er.mu.Lock()
	defer er.mu.Unlock()

	ids, err := listIDs(er.dir())
	if err != nil {
		return nil, err
	}

	executions := make([]*models.WorkflowExecution, 0)

	for _, id := range ids {
		execution, err := er.load(id)
		if err != nil {
			return nil, err
		}

		if execution.WorkflowID == workflowID {
			executions = append(executions, execution)
		}
	}

	sort.Slice(executions, func(i, j int) bool {
		return executions[i].QueuedAt.After(executions[j].QueuedAt)
	})

	limit = persistence.NormalizeLimit(limit)
	if len(executions) > limit {
		executions = executions[:limit]
	}

	return executions, nil
}

func (er *ExecutionRepository) load(id string) (*models.WorkflowExecution, error) {
	err := validateID(id)
	if err != nil {
		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	var execution models.WorkflowExecution

	err = readJSON(er.dir(), id, &execution)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	return &execution, nil
}
