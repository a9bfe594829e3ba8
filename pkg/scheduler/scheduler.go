// Package scheduler fires periodic_schedule workflows. Every tick looks for
// the latest due slot of each workflow and claims it in the workflow store,
// so several scheduler instances fire each slot at most once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/autoflow/pkg/clock"
	"github.com/dukex/autoflow/pkg/dispatch"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/robfig/cron/v3"
)

// DefaultTick evaluates schedules once a minute.
const DefaultTick = "@every 1m"

// ScheduledAtKey is the trigger data key holding the fired slot.
const ScheduledAtKey = "scheduledAt"

type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithTick sets the cron spec driving Tick.
func WithTick(spec string) Option {
	return func(s *Scheduler) {
		s.tick = spec
	}
}

type Scheduler struct {
	logger    *slog.Logger
	workflows persistence.WorkflowRepository
	submitter dispatch.Submitter
	clock     clock.Clock
	tick      string
}

func NewScheduler(logger *slog.Logger, workflows persistence.WorkflowRepository, submitter dispatch.Submitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:    logger.With("module", "scheduler"),
		workflows: workflows,
		submitter: submitter,
		clock:     clock.RealClock{},
		tick:      DefaultTick,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run ticks once right away, then on every tick of the cron spec until ctx
// is done. Overlapping ticks are skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := cronLogger{logger: s.logger}

	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(
			cron.SkipIfStillRunning(logger),
			cron.Recover(logger),
		),
	)

	_, err := c.AddFunc(s.tick, func() {
		s.tickAndLog(ctx)
	})
	if err != nil {
		return fmt.Errorf("invalid tick %q: %w", s.tick, err)
	}

	s.logger.InfoContext(ctx, "Starting scheduler", "tick", s.tick)

	s.tickAndLog(ctx)
	c.Start()

	<-ctx.Done()

	s.logger.Info("Stopping scheduler")
	<-c.Stop().Done()

	return nil
}

func (s *Scheduler) tickAndLog(ctx context.Context) {
	fired, err := s.Tick(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Scheduler tick failed", "error", err)
	}

	if fired > 0 {
		s.logger.InfoContext(ctx, "Scheduler tick fired workflows", "count", fired)
	}
}

// Tick fires every periodic workflow whose latest due slot has not been
// claimed yet and returns how many were submitted. Missed slots collapse into
// the latest one.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	workflows, err := s.workflows.ListRunnable(ctx, models.TriggerTypePeriodicSchedule)
	if err != nil {
		return 0, fmt.Errorf("failed to list scheduled workflows: %w", err)
	}

	now := s.clock.Now()
	fired := 0

	var errs []error

	for _, workflow := range workflows {
		ok, err := s.fire(ctx, workflow, now)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		if ok {
			fired++
		}
	}

	return fired, errors.Join(errs...)
}

func (s *Scheduler) fire(ctx context.Context, workflow *models.Workflow, now time.Time) (bool, error) {
	logger := s.logger.With("workflow_id", workflow.ID, "schedule", workflow.TriggerConfig.Schedule)

	slot, due, err := models.DueSlot(workflow.TriggerConfig.Schedule, workflow.ScheduleAnchor(), now)
	if err != nil {
		logger.WarnContext(ctx, "Skipping workflow with invalid schedule", "error", err)

		return false, nil
	}

	if !due {
		return false, nil
	}

	claimed, err := s.workflows.ClaimSchedule(ctx, workflow.ID, slot)
	if err != nil {
		return false, fmt.Errorf("failed to claim slot %s of workflow %s: %w", slot.Format(time.RFC3339), workflow.ID, err)
	}

	if !claimed {
		logger.DebugContext(ctx, "Slot already claimed", "slot", slot)

		return false, nil
	}

	err = s.submitter.Submit(models.ExecutionRequest{
		Workflow:    workflow,
		TriggerType: models.TriggerTypePeriodicSchedule,
		TriggerData: map[string]any{ScheduledAtKey: slot.UTC().Format(time.RFC3339)},
		EventID:     fmt.Sprintf("schedule:%s:%d", workflow.ID, slot.Unix()),
	})
	if err != nil {
		// The slot stays claimed: a missed fire is preferred over a double fire.
		logger.WarnContext(ctx, "Dropping scheduled run", "slot", slot, "error", err)

		return false, nil
	}

	logger.InfoContext(ctx, "Scheduled run submitted", "slot", slot)

	return true, nil
}

// cronLogger routes cron's logr style messages to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
