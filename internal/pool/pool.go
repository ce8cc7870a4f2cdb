// Package pool runs blocking platform calls on a fixed set of worker
// goroutines so RPC handlers never hold more than a bounded number of
// platform operations in flight.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"deskpilot/internal/fault"

	"go.uber.org/zap"
)

// ErrClosed is returned by Do after Close.
var ErrClosed = errors.New("worker pool closed")

type task struct {
	ctx  context.Context
	op   string
	fn   func(ctx context.Context) error
	done chan error
}

// Pool is a bounded blocking worker pool.
type Pool struct {
	tasks  chan task
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	active    atomic.Int64
	completed atomic.Uint64
	timeouts  atomic.Uint64
	panics    atomic.Uint64
}

// New starts workers goroutines. queue is the number of calls that may
// wait for a free worker before Do blocks on submission.
func New(workers, queue int, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{
		tasks:  make(chan task, queue),
		logger: logger,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.tasks {
		// Expired while queued: the caller already got a timeout.
		if t.ctx.Err() != nil {
			t.done <- t.ctx.Err()
			continue
		}
		p.active.Add(1)
		err := p.run(t)
		p.active.Add(-1)
		p.completed.Add(1)
		t.done <- err
	}
}

func (p *Pool) run(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("panic in platform call",
				zap.String("op", t.op),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fault.Platformf(t.op, nil, "internal error: %v", r)
		}
	}()
	return t.fn(t.ctx)
}

// Do runs fn on a worker with a deadline of timeout and waits for it. A
// call that misses its deadline returns a fault.Timeout error; fn keeps
// its context so external commands are killed.
func (p *Pool) Do(ctx context.Context, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	t := task{ctx: callCtx, op: op, fn: fn, done: make(chan error, 1)}
	select {
	case p.tasks <- t:
		p.mu.RUnlock()
	case <-callCtx.Done():
		p.mu.RUnlock()
		return p.ctxErr(ctx, op, timeout)
	}

	select {
	case err := <-t.done:
		if err != nil && callCtx.Err() != nil && errors.Is(err, callCtx.Err()) {
			return p.ctxErr(ctx, op, timeout)
		}
		return err
	case <-callCtx.Done():
		return p.ctxErr(ctx, op, timeout)
	}
}

func (p *Pool) ctxErr(parent context.Context, op string, timeout time.Duration) error {
	if parent.Err() != nil {
		return fmt.Errorf("%s: %w", op, parent.Err())
	}
	p.timeouts.Add(1)
	return fault.Timeoutf(op, "exceeded %v", timeout)
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, p *Pool, op string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, op, timeout, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Active    int64  `cbor:"active" json:"active"`
	Queued    int    `cbor:"queued" json:"queued"`
	Completed uint64 `cbor:"completed" json:"completed"`
	Timeouts  uint64 `cbor:"timeouts" json:"timeouts"`
	Panics    uint64 `cbor:"panics" json:"panics"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		Active:    p.active.Load(),
		Queued:    len(p.tasks),
		Completed: p.completed.Load(),
		Timeouts:  p.timeouts.Load(),
		Panics:    p.panics.Load(),
	}
}

// Close rejects new calls and waits for queued ones to drain.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}
