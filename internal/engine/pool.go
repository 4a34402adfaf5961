package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"grainwatch/internal/metrics"
)

// ErrPoolClosed is returned by Submit after Stop.
var ErrPoolClosed = errors.New("evaluation pool closed")

// Job is one unit of evaluation work.
type Job func(ctx context.Context)

// Pool runs jobs on a fixed number of workers fed by a bounded queue.
// Params: worker count and queue size; Submit blocks while the queue is full.
// Returns: worker pool with panic isolation and draining stop.
type Pool struct {
	workers int
	jobs    chan Job
	logger  *slog.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewPool creates pool; non-positive sizes fall back to one worker and a queue of workers*64.
func NewPool(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{workers: workers, jobs: make(chan Job, queueSize), logger: logger}
}

// Start launches workers; jobs receive ctx.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for job := range p.jobs {
		metrics.EvaluationQueueDepth.Set(float64(len(p.jobs)))
		p.execute(ctx, job)
	}
}

func (p *Pool) execute(ctx context.Context, job Job) {
	defer func() {
		if recovered := recover(); recovered != nil {
			metrics.TriggerEvaluationErrors.Inc()
			p.logger.Error("evaluation job panicked", "panic", fmt.Sprint(recovered))
		}
	}()
	job(ctx)
}

// Submit enqueues job, waiting for queue space.
// Params: ctx bounds the wait.
// Returns: ErrPoolClosed after Stop or ctx error.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		metrics.EvaluationQueueDepth.Set(float64(len(p.jobs)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new jobs, drains queued ones and waits for workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	started := p.started
	p.mu.Unlock()
	if !started {
		for range p.jobs {
		}
		return
	}
	p.wg.Wait()
}
