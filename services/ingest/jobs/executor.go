package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// ErrQueueUnavailable means a task could not be handed to background workers.
var ErrQueueUnavailable = errors.New("jobs: queue unavailable")

// Executor runs tasks. Implementations differ only in where the work happens.
type Executor interface {
	Execute(ctx context.Context, task Task) error
}

// InlineExecutor runs each task in the calling goroutine.
type InlineExecutor struct {
	runner *Runner
}

func NewInlineExecutor(runner *Runner) *InlineExecutor {
	return &InlineExecutor{runner: runner}
}

func (e *InlineExecutor) Execute(ctx context.Context, task Task) error {
	return e.runner.Run(ctx, task)
}

// Queue carries tasks to consumers.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Consume(ctx context.Context, handler func(context.Context, Task) error) (io.Closer, error)
}

// PoolExecutor publishes tasks to a Queue and, once started, runs a fixed
// number of consumers that feed the Runner.
type PoolExecutor struct {
	queue   Queue
	runner  *Runner
	workers int
	logger  zerolog.Logger

	mu      sync.Mutex
	closers []io.Closer
}

func NewPoolExecutor(queue Queue, runner *Runner, workers int, logger zerolog.Logger) *PoolExecutor {
	return &PoolExecutor{queue: queue, runner: runner, workers: workers, logger: logger}
}

// Start launches the consumers. A pool with zero workers only publishes.
func (p *PoolExecutor) Start(ctx context.Context) error {
	if p.workers > 0 && p.runner == nil {
		return errors.New("runner is required to consume tasks")
	}
	for i := 0; i < p.workers; i++ {
		worker := i
		closer, err := p.queue.Consume(ctx, func(ctx context.Context, task Task) error {
			p.logger.Debug().Int("worker", worker).Str("job", task.JobID).Msg("task received")
			return p.runner.Run(ctx, task)
		})
		if err != nil {
			_ = p.Close()
			return fmt.Errorf("start worker %d: %w", worker, err)
		}
		p.mu.Lock()
		p.closers = append(p.closers, closer)
		p.mu.Unlock()
	}
	p.logger.Info().Int("workers", p.workers).Msg("worker pool started")
	return nil
}

func (p *PoolExecutor) Execute(ctx context.Context, task Task) error {
	if err := p.queue.Enqueue(ctx, task); err != nil {
		if errors.Is(err, ErrQueueUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}

// Close stops all consumers.
func (p *PoolExecutor) Close() error {
	p.mu.Lock()
	closers := p.closers
	p.closers = nil
	p.mu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryQueue is an in-process Queue backed by a buffered channel. A full
// buffer reports ErrQueueUnavailable rather than blocking the submitter.
type MemoryQueue struct {
	tasks  chan Task
	logger zerolog.Logger
}

func NewMemoryQueue(capacity int, logger zerolog.Logger) *MemoryQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &MemoryQueue{tasks: make(chan Task, capacity), logger: logger}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("%w: memory queue full", ErrQueueUnavailable)
	}
}

// Len reports the number of tasks waiting for a consumer.
func (q *MemoryQueue) Len() int { return len(q.tasks) }

func (q *MemoryQueue) Consume(ctx context.Context, handler func(context.Context, Task) error) (io.Closer, error) {
	ctx, cancel := context.WithCancel(ctx)
	c := &consumer{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for {
			select {
			case <-ctx.Done():
				return
			case task := <-q.tasks:
				if err := handler(context.WithoutCancel(ctx), task); err != nil {
					q.logger.Error().Err(err).Str("job", task.JobID).Msg("task failed")
				}
			}
		}
	}()
	return c, nil
}

type consumer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops taking new tasks and waits for the current one to finish.
func (c *consumer) Close() error {
	c.cancel()
	<-c.done
	return nil
}
