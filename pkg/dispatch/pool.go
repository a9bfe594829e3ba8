// Package dispatch hands execution requests to a fixed number of worker slots
// so producers never wait for executions.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dukex/autoflow/pkg/models"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull = errors.New("execution queue is full")
	ErrStopped   = errors.New("dispatcher is stopped")
)

// Runner executes one request to completion.
type Runner interface {
	Execute(ctx context.Context, req models.ExecutionRequest) (*models.WorkflowExecution, error)
}

// Submitter accepts execution requests without blocking.
type Submitter interface {
	Submit(req models.ExecutionRequest) error
}

type Pool struct {
	logger  *slog.Logger
	runner  Runner
	workers int
	queue   chan models.ExecutionRequest
	running atomic.Int64

	// mu orders Submit against the stop so nothing is queued after the drain.
	mu      sync.RWMutex
	stopped bool
}

func NewPool(logger *slog.Logger, runner Runner, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}

	if queueSize < 0 {
		queueSize = 0
	}

	return &Pool{
		logger:  logger.With("module", "dispatch"),
		runner:  runner,
		workers: workers,
		queue:   make(chan models.ExecutionRequest, queueSize),
	}
}

// Submit queues req. It fails with ErrQueueFull instead of blocking so the
// event transport can redeliver later.
func (p *Pool) Submit(req models.ExecutionRequest) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}

	select {
	case p.queue <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending is the number of queued requests not yet picked by a worker.
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Running is the number of executions in progress.
func (p *Pool) Running() int {
	return int(p.running.Load())
}

// Run starts the workers and blocks until ctx is done. Once ctx ends, Submit
// is refused and every request already accepted is still executed before Run
// returns: the transport acked those events and will not redeliver them.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "Starting dispatcher", "workers", p.workers, "queue_size", cap(p.queue))

	g, gctx := errgroup.WithContext(ctx)

	for id := range p.workers {
		g.Go(func() error {
			p.work(gctx, id)

			return nil
		})
	}

	err := g.Wait()

	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	pending := len(p.queue)
	if pending > 0 {
		p.logger.InfoContext(ctx, "Draining accepted requests", "pending", pending)
	}

	p.drain(context.WithoutCancel(ctx))

	p.logger.InfoContext(ctx, "Dispatcher stopped", "drained", pending)

	return err
}

// drain executes whatever is left in the queue with the full set of workers.
func (p *Pool) drain(ctx context.Context) {
	var wg sync.WaitGroup

	for id := range p.workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			logger := p.logger.With("worker", id)

			for {
				select {
				case req := <-p.queue:
					p.execute(ctx, logger, req)
				default:
					return
				}
			}
		}()
	}

	wg.Wait()
}

func (p *Pool) work(ctx context.Context, id int) {
	logger := p.logger.With("worker", id)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.queue:
			p.execute(ctx, logger, req)
		}
	}
}

func (p *Pool) execute(ctx context.Context, logger *slog.Logger, req models.ExecutionRequest) {
	p.running.Add(1)
	defer p.running.Add(-1)

	workflowID := ""
	if req.Workflow != nil {
		workflowID = req.Workflow.ID
	}

	execution, err := p.runner.Execute(context.WithoutCancel(ctx), req)
	if err != nil {
		logger.ErrorContext(ctx, "Execution could not be recorded", "workflow_id", workflowID, "error", err)

		return
	}

	logger.DebugContext(ctx, "Execution done", "workflow_id", workflowID, "execution_id", execution.ID, "status", execution.Status)
}
