// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/venndor/marketgate/errs"
	"github.com/venndor/marketgate/internal/observability"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// PoolStats reports cumulative pool activity.
type PoolStats struct {
	Submitted uint64 `json:"submitted"`
	Rejected  uint64 `json:"rejected"`
	Completed uint64 `json:"completed"`
	Panicked  uint64 `json:"panicked"`
}

// Pool is a bounded worker pool. Submit blocks while the queue is full;
// TrySubmit rejects instead, surfacing backpressure to the caller.
type Pool struct {
	jobs chan job
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	submitted atomic.Uint64
	rejected  atomic.Uint64
	completed atomic.Uint64
	panicked  atomic.Uint64
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.KindValidation, errs.CodeInvalid,
			errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{jobs: make(chan job, queue)}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the task, blocking until queue space frees up or the task
// context is cancelled. Submitting to a closed pool fails immediately.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	return p.submit(ctx, fn, true)
}

// TrySubmit schedules the task only if queue space is immediately available.
func (p *Pool) TrySubmit(ctx context.Context, fn Task) error {
	return p.submit(ctx, fn, false)
}

func (p *Pool) submit(ctx context.Context, fn Task, block bool) error {
	if fn == nil {
		return errs.New("lib/async", errs.KindValidation, errs.CodeInvalid,
			errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	// The read lock keeps Close from closing the channel mid-send.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.KindBackpressure, errs.CodeUnavailable,
			errs.WithMessage("pool closed"))
	}

	p.wg.Add(1)
	if block {
		select {
		case <-ctx.Done():
			p.wg.Done()
			return fmt.Errorf("submit context: %w", ctx.Err())
		case p.jobs <- job{ctx: ctx, fn: fn}:
			p.submitted.Add(1)
			return nil
		}
	}
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		p.submitted.Add(1)
		return nil
	default:
		p.wg.Done()
		p.rejected.Add(1)
		return errs.New("lib/async", errs.KindBackpressure, errs.CodeUnavailable,
			errs.WithMessage("pool at capacity"), errs.WithRetryable(true))
	}
}

// Close stops accepting new tasks. Workers drain the queue and exit.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.jobs)
}

// Shutdown closes the pool and waits for queued and in-flight tasks to
// complete or until the context expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

// Stats snapshots cumulative counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Submitted: p.submitted.Load(),
		Rejected:  p.rejected.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
	}
}

func (p *Pool) worker() {
	for job := range p.jobs {
		p.run(job.ctx, job.fn)
		p.wg.Done()
	}
}

func (p *Pool) run(ctx context.Context, fn Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			observability.Log().Error("worker task panicked",
				observability.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()
	if err := fn(ctx); err != nil {
		observability.Log().Debug("worker task failed",
			observability.Field{Key: "error", Value: err.Error()})
	}
	p.completed.Add(1)
}
