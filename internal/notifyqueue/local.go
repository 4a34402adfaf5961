package notifyqueue

import (
	"context"
	"log/slog"
	"sync"

	"grainwatch/internal/metrics"
)

// LocalQueue is the in-process best-effort queue used in single mode.
// Jobs still buffered when the process dies are lost.
type LocalQueue struct {
	jobs    chan Job
	handler Handler
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewLocalQueue starts workers that consume a bounded channel.
// Params: worker count, buffer size, delivery handler, and logger.
// Returns: running queue; it is both Producer and Worker.
func NewLocalQueue(workers, size int, handler Handler, logger *slog.Logger) *LocalQueue {
	if workers <= 0 {
		workers = 1
	}
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	queue := &LocalQueue{
		jobs:    make(chan Job, size),
		handler: handler,
		logger:  logger,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		queue.wg.Add(1)
		go queue.run(ctx)
	}
	return queue
}

// Enqueue buffers one job without blocking.
// Params: context and job.
// Returns: ErrQueueFull when the buffer is full, ErrQueueClosed after Close.
func (q *LocalQueue) Enqueue(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.jobs <- job:
		metrics.NotifyQueueDepth.Set(float64(len(q.jobs)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting jobs, delivers what is buffered, and waits for workers.
func (q *LocalQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()
	q.wg.Wait()
	q.cancel()
	return nil
}

func (q *LocalQueue) run(ctx context.Context) {
	defer q.wg.Done()
	for job := range q.jobs {
		metrics.NotifyQueueDepth.Set(float64(len(q.jobs)))
		q.handle(ctx, job)
	}
}

func (q *LocalQueue) handle(ctx context.Context, job Job) {
	defer func() {
		if recovered := recover(); recovered != nil {
			q.logger.Error("notify job panicked", "job_id", job.ID, "alert_id", job.AlertID, "panic", recovered)
		}
	}()
	if q.handler == nil {
		return
	}
	if err := q.handler(ctx, job); err != nil {
		q.logger.Error("notify job failed", "job_id", job.ID, "alert_id", job.AlertID, "channel", job.Channel, "error", err.Error())
	}
}
