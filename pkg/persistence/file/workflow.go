package file

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
)

// WorkflowRepository handles workflow-related file operations.
type WorkflowRepository struct {
	root string
	mu   *sync.Mutex
}

func (wr *WorkflowRepository) dir() string {
	return filepath.Join(wr.root, "workflows")
}

func (wr *WorkflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	return wr.load(id)
}

func (wr *WorkflowRepository) load(id string) (*models.Workflow, error) {
	err := validateID(id)
	if err != nil {
		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	var workflow models.Workflow

	err = readJSON(wr.dir(), id, &workflow)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	return &workflow, nil
}

// Save writes the workflow, keeping the stored counters and schedule claim.
func (wr *WorkflowRepository) Save(_ context.Context, workflow *models.Workflow) error {
	err := validateID(workflow.ID)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	wr.mu.Lock()
	defer wr.mu.Unlock()

	now := time.Now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	toSave := *workflow

	existing, err := wr.load(workflow.ID)
	switch {
	case err == nil:
		toSave.ExecutionCount = existing.ExecutionCount
		toSave.ErrorCount = existing.ErrorCount
		toSave.LastExecutedAt = existing.LastExecutedAt
		toSave.LastScheduledAt = existing.LastScheduledAt
		toSave.CreatedAt = existing.CreatedAt
	case !persistence.IsWorkflowNotFound(err):
		return err
	}

	err = writeJSON(wr.dir(), workflow.ID, &toSave)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	return nil
}

func (wr *WorkflowRepository) List(_ context.Context, opts persistence.ListWorkflowsOptions) ([]*models.Workflow, error) {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	all, err := wr.loadAll()
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.Workflow, 0, len(all))

	for _, workflow := range all {
		if opts.ScopeID != "" && workflow.ScopeID != opts.ScopeID {
			continue
		}

		if opts.Status != nil {
			if workflow.Status != *opts.Status {
				continue
			}
		} else if workflow.Status == models.WorkflowStatusArchived {
			continue
		}

		filtered = append(filtered, workflow)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	return filtered, nil
}

func (wr *WorkflowRepository) ListRunnable(_ context.Context, triggerType models.TriggerType) ([]*models.Workflow, error) {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	all, err := wr.loadAll()
	if err != nil {
		return nil, err
	}

	runnable := make([]*models.Workflow, 0)

	for _, workflow := range all {
		if workflow.IsRunnable() && workflow.TriggerType == triggerType {
			runnable = append(runnable, workflow)
		}
	}

	sort.Slice(runnable, func(i, j int) bool {
		return runnable[i].CreatedAt.Before(runnable[j].CreatedAt)
	})

	return runnable, nil
}

func (wr *WorkflowRepository) IncrementCounters(_ context.Context, id string, failed bool, at time.Time) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	workflow, err := wr.load(id)
	if err != nil {
		return err
	}

	workflow.ExecutionCount++
	if failed {
		workflow.ErrorCount++
	}

	executedAt := at.UTC()
	workflow.LastExecutedAt = &executedAt

	err = writeJSON(wr.dir(), id, workflow)
	if err != nil {
		return persistence.NewWorkflowError("IncrementCounters", id, err)
	}

	return nil
}

func (wr *WorkflowRepository) ClaimSchedule(_ context.Context, id string, slot time.Time) (bool, error) {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	workflow, err := wr.load(id)
	if err != nil {
		return false, err
	}

	if workflow.LastScheduledAt != nil && !workflow.LastScheduledAt.Before(slot) {
		return false, nil
	}

	scheduledAt := slot.UTC()
	workflow.LastScheduledAt = &scheduledAt

	err = writeJSON(wr.dir(), id, workflow)
	if err != nil {
		return false, persistence.NewWorkflowError("ClaimSchedule", id, err)
	}

	return true, nil
}

func (wr *WorkflowRepository) loadAll() ([]*models.Workflow, error) {
	ids, err := listIDs(wr.dir())
	if err != nil {
		return nil, err
	}

	workflows := make([]*models.Workflow, 0, len(ids))

	for _, id := range ids {
		workflow, err := wr.load(id)
		if err != nil {
			return nil, err
		}

		workflows = append(workflows, workflow)
	}

	return workflows, nil
}
