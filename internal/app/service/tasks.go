package service

import (
	"context"
	"fmt"
	"sync"

	metrics "github.com/sifan077/SafeLink/internal/infra/prometheus"
	"go.uber.org/zap"
)

// TaskSubmitter accepts fire-and-forget work.
type TaskSubmitter interface {
	// Submit never blocks; it reports false when the task was dropped.
	Submit(kind string, fn func(ctx context.Context)) bool
}

type task struct {
	kind string
	fn   func(ctx context.Context)
}

// TaskRunner runs deferred tasks on a fixed pool of workers. Tasks still
// queued when Stop gives up are lost.
type TaskRunner struct {
	logger *zap.Logger
	queue  chan task
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewTaskRunner starts workers goroutines draining a queue of queueSize.
func NewTaskRunner(workers, queueSize int, logger *zap.Logger) *TaskRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &TaskRunner{
		logger: logger,
		queue:  make(chan task, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	r.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go r.work()
	}
	return r
}

func (r *TaskRunner) Submit(kind string, fn func(ctx context.Context)) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		metrics.TasksDropped.WithLabelValues(kind).Inc()
		return false
	}
	select {
	case r.queue <- task{kind: kind, fn: fn}:
		return true
	default:
		metrics.TasksDropped.WithLabelValues(kind).Inc()
		r.logger.Warn("task queue full, dropping task", zap.String("kind", kind))
		return false
	}
}

// Stop rejects new tasks and waits for queued ones until ctx expires.
func (r *TaskRunner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		return fmt.Errorf("stop task runner: %w", ctx.Err())
	}
}

func (r *TaskRunner) work() {
	defer r.wg.Done()
	for t := range r.queue {
		r.run(t)
	}
}

func (r *TaskRunner) run(t task) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("deferred task panicked", zap.String("kind", t.kind), zap.Any("panic", rec))
		}
	}()
	t.fn(r.ctx)
}
