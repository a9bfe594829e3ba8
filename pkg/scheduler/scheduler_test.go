package scheduler_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/autoflow/pkg/clock"
	"github.com/dukex/autoflow/pkg/dispatch"
	"github.com/dukex/autoflow/pkg/mocks"
	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence/file"
	"github.com/dukex/autoflow/pkg/scheduler"
	"github.com/dukex/autoflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingSubmitter struct {
	mu       sync.Mutex
	requests []models.ExecutionRequest
	err      error
}

func (s *recordingSubmitter) Submit(req models.ExecutionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	s.requests = append(s.requests, req)

	return nil
}

func (s *recordingSubmitter) submitted() []models.ExecutionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.ExecutionRequest(nil), s.requests...)
}

func setup(t *testing.T, workflows ...*models.Workflow) (*file.Persistence, *clock.Fake) {
	t.Helper()

	store := file.NewPersistence(t.TempDir())
	for _, w := range workflows {
		require.NoError(t, store.WorkflowRepository().Save(t.Context(), w))
	}

	return store, clock.NewFake(time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC))
}

func TestScheduler_TickFiresLatestSlotOnce(t *testing.T) {
	t.Parallel()

	hourly := testutil.CreateTestWorkflow(testutil.WithID("wf-hourly"), testutil.WithSchedule("0 * * * *"))
	store, fake := setup(t, hourly)

	submitter := &recordingSubmitter{}
	s := scheduler.NewScheduler(slog.New(slog.DiscardHandler), store.WorkflowRepository(), submitter, scheduler.WithClock(fake))

	fired, err := s.Tick(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	requests := submitter.submitted()
	require.Len(t, requests, 1)
	assert.Equal(t, "wf-hourly", requests[0].Workflow.ID)
	assert.Equal(t, models.TriggerTypePeriodicSchedule, requests[0].TriggerType)
	assert.Equal(t, "2026-03-02T09:00:00Z", requests[0].TriggerData[scheduler.ScheduledAtKey])

	fired, err = s.Tick(t.Context())
	require.NoError(t, err)
	assert.Zero(t, fired)

	fake.Advance(45 * time.Minute)

	fired, err = s.Tick(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Equal(t, "2026-03-02T10:00:00Z", submitter.submitted()[1].TriggerData[scheduler.ScheduledAtKey])

	stored, err := store.WorkflowRepository().GetByID(t.Context(), "wf-hourly")
	require.NoError(t, err)
	require.NotNil(t, stored.LastScheduledAt)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), stored.LastScheduledAt.UTC())
}

func TestScheduler_TickSkipsNotDueAndInvalid(t *testing.T) {
	t.Parallel()

	notDue := testutil.CreateTestWorkflow(testutil.WithID("wf-not-due"), testutil.WithSchedule("0 * * * *"))
	notDue.CreatedAt = time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC)

	invalid := testutil.CreateTestWorkflow(testutil.WithID("wf-invalid"), testutil.WithSchedule("every tuesday"))
	daily := testutil.CreateTestWorkflow(testutil.WithID("wf-daily"), testutil.WithSchedule("@daily"))
	paused := testutil.CreateTestWorkflow(testutil.WithID("wf-paused"), testutil.WithSchedule("@daily"),
		testutil.WithStatus(models.WorkflowStatusPaused))

	store, fake := setup(t, notDue, invalid, daily, paused)

	submitter := &recordingSubmitter{}
	s := scheduler.NewScheduler(slog.New(slog.DiscardHandler), store.WorkflowRepository(), submitter, scheduler.WithClock(fake))

	fired, err := s.Tick(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	requests := submitter.submitted()
	require.Len(t, requests, 1)
	assert.Equal(t, "wf-daily", requests[0].Workflow.ID)
	assert.Equal(t, "2026-03-02T00:00:00Z", requests[0].TriggerData[scheduler.ScheduledAtKey])
}

func TestScheduler_ConcurrentInstancesFireOnce(t *testing.T) {
	t.Parallel()

	w := testutil.CreateTestWorkflow(testutil.WithSchedule("*/15 * * * *"))
	store, fake := setup(t, w)

	submitter := &recordingSubmitter{}

	var wg sync.WaitGroup

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			s := scheduler.NewScheduler(slog.New(slog.DiscardHandler), store.WorkflowRepository(), submitter, scheduler.WithClock(fake))
			_, err := s.Tick(t.Context())
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	requests := submitter.submitted()
	require.Len(t, requests, 1)
	assert.Equal(t, "2026-03-02T09:30:00Z", requests[0].TriggerData[scheduler.ScheduledAtKey])
}

func TestScheduler_QueueFullKeepsClaim(t *testing.T) {
	t.Parallel()

	w := testutil.CreateTestWorkflow(testutil.WithSchedule("0 * * * *"))
	store, fake := setup(t, w)

	submitter := &recordingSubmitter{err: dispatch.ErrQueueFull}
	s := scheduler.NewScheduler(slog.New(slog.DiscardHandler), store.WorkflowRepository(), submitter, scheduler.WithClock(fake))

	fired, err := s.Tick(t.Context())
	require.NoError(t, err)
	assert.Zero(t, fired)

	submitter.err = nil

	fired, err = s.Tick(t.Context())
	require.NoError(t, err)
	assert.Zero(t, fired)
}

func TestScheduler_TickClaimError(t *testing.T) {
	t.Parallel()

	w := testutil.CreateTestWorkflow(testutil.WithSchedule("0 * * * *"))

	repo := &mocks.MockWorkflowRepository{}
	repo.On("ListRunnable", mock.Anything, models.TriggerTypePeriodicSchedule).Return([]*models.Workflow{w}, nil)
	repo.On("ClaimSchedule", mock.Anything, w.ID, mock.Anything).Return(false, errors.New("deadlock detected"))

	s := scheduler.NewScheduler(slog.New(slog.DiscardHandler), repo, &recordingSubmitter{},
		scheduler.WithClock(clock.NewFake(time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC))))

	fired, err := s.Tick(t.Context())
	require.ErrorContains(t, err, "deadlock detected")
	assert.Zero(t, fired)
	repo.AssertExpectations(t)
}

func TestScheduler_RunRejectsInvalidTick(t *testing.T) {
	t.Parallel()

	store, fake := setup(t)
	s := scheduler.NewScheduler(slog.New(slog.DiscardHandler), store.WorkflowRepository(), &recordingSubmitter{},
		scheduler.WithClock(fake), scheduler.WithTick("not a spec"))

	require.Error(t, s.Run(t.Context()))
}

func TestScheduler_RunTicksImmediately(t *testing.T) {
	t.Parallel()

	w := testutil.CreateTestWorkflow(testutil.WithSchedule("0 * * * *"))
	store, fake := setup(t, w)

	submitter := &recordingSubmitter{}
	s := scheduler.NewScheduler(slog.New(slog.DiscardHandler), store.WorkflowRepository(), submitter,
		scheduler.WithClock(fake), scheduler.WithTick("@every 1h"))

	runCtx, stop := context.WithCancel(t.Context())
	defer stop()

	done := make(chan error, 1)

	go func() {
		done <- s.Run(runCtx)
	}()

	require.Eventually(t, func() bool { return len(submitter.submitted()) == 1 }, time.Second, 10*time.Millisecond)

	stop()
	require.NoError(t, <-done)
}
