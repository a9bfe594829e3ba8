package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dukex/autoflow/pkg/claim"
	"github.com/dukex/autoflow/pkg/clock"
)

// Limits are the hard caps that stop runaway or self-triggering workflows.
type Limits struct {
	// StepBudget is the maximum number of non-trigger nodes one execution may visit.
	StepBudget int
	// ChainDepth is the maximum depth of an execution caused by the mutations of another.
	ChainDepth int
	// CooldownRuns live executions of a workflow are admitted per CooldownWindow.
	CooldownRuns   int
	CooldownWindow time.Duration
	// Timeout is the wall clock budget of one execution.
	Timeout time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		StepBudget:     10,
		ChainDepth:     10,
		CooldownRuns:   5,
		CooldownWindow: time.Minute,
		Timeout:        30 * time.Second,
	}
}

// cooldown is a sliding window of admitted executions per workflow. With a
// claimer the window is shared by every process using the same claim store:
// each admitted run holds one of limit slots for the length of the window.
type cooldown struct {
	mu      sync.Mutex
	clock   clock.Clock
	claimer claim.Claimer
	limit   int
	window  time.Duration
	runs    map[string][]time.Time
}

func newCooldown(c clock.Clock, claimer claim.Claimer, limit int, window time.Duration) *cooldown {
	return &cooldown{clock: c, claimer: claimer, limit: limit, window: window, runs: make(map[string][]time.Time)}
}

// admit records a run of workflowID unless the window is already full.
// Rejected runs are not recorded. When the claim store fails, the process
// local window decides and the error is returned for logging.
func (c *cooldown) admit(ctx context.Context, workflowID string) (bool, error) {
	if c.limit <= 0 {
		return true, nil
	}

	if c.claimer != nil {
		admitted, err := c.claimSlot(ctx, workflowID)
		if err == nil {
			return admitted, nil
		}

		return c.admitLocal(workflowID), err
	}

	return c.admitLocal(workflowID), nil
}

func (c *cooldown) claimSlot(ctx context.Context, workflowID string) (bool, error) {
	for slot := range c.limit {
		key := fmt.Sprintf("cooldown:%s:%d", workflowID, slot)

		claimed, err := c.claimer.Claim(ctx, key, c.window)
		if err != nil {
			return false, fmt.Errorf("failed to claim %s: %w", key, err)
		}

		if claimed {
			return true, nil
		}
	}

	return false, nil
}

func (c *cooldown) admitLocal(workflowID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	cutoff := now.Add(-c.window)

	recent := c.runs[workflowID][:0]
	for _, at := range c.runs[workflowID] {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}

	if len(recent) >= c.limit {
		c.runs[workflowID] = recent

		return false
	}

	c.runs[workflowID] = append(recent, now)

	return true
}
