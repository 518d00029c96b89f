// Package worker executes scan jobs on the consumer side of the bus.
// A router classifies incoming jobs and dispatches them to per-bulk-scan
// workers, each of which owns a scanner instance and a bounded executor.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ProbeFunc is one scan execution against one target.
type ProbeFunc func(ctx context.Context) (json.RawMessage, error)

// Future is the pending outcome of a submitted probe. The probe keeps
// running after its context is canceled until it honors the
// cancellation, so a late outcome stays retrievable during the grace
// wait that follows a timeout.
type Future struct {
	done     chan struct{}
	result   json.RawMessage
	err      error
	panicked bool
}

// Wait blocks until the probe finished or ctx ends. The probe's own
// outcome is not consulted here; use Result after a nil return.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the probe finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the probe outcome. Calling it before Done closes is a
// programming error.
func (f *Future) Result() (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.result, f.err
	default:
		panic("worker: future result read before completion")
	}
}

// Panicked reports whether the probe died to a recovered panic rather
// than returning an error.
func (f *Future) Panicked() bool {
	select {
	case <-f.done:
		return f.panicked
	default:
		panic("worker: future panic state read before completion")
	}
}

// Executor runs probes with bounded parallelism. Submission blocks while
// all slots are busy, which backpressures the router against the bus
// prefetch window.
type Executor struct {
	slots chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewExecutor creates an executor with the given parallelism.
func NewExecutor(parallelism int) *Executor {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Executor{slots: make(chan struct{}, parallelism)}
}

// Submit schedules one probe and returns its future. The probe runs
// under the given context; canceling it asks the probe to stop but the
// future still completes with whatever the probe returned. Submit fails
// once the executor shut down or when ctx ends before a slot frees up.
func (e *Executor) Submit(ctx context.Context, probe ProbeFunc) (*Future, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("worker: executor is shut down")
	}
	e.wg.Add(1)
	e.mu.Unlock()

	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		e.wg.Done()
		return nil, ctx.Err()
	}

	future := &Future{done: make(chan struct{})}
	go func() {
		defer e.wg.Done()
		defer func() { <-e.slots }()
		defer close(future.done)
		defer func() {
			if r := recover(); r != nil {
				future.err = fmt.Errorf("worker: probe panicked: %v", r)
				future.panicked = true
			}
		}()
		future.result, future.err = probe(ctx)
	}()
	return future, nil
}

// Shutdown stops accepting probes and waits for running ones until ctx
// ends. Probes still in flight when the wait is cut short keep running
// on their own; their futures complete but nobody reads them.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
