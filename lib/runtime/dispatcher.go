// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"sync"

	"github.com/hearth-foundation/hearth/lib/fault"
)

// Dispatcher drives process tasks and paces guest execution.
//
// Process bodies run as tracked goroutines; the Go scheduler provides
// progress for native tasks, which suspend only at channel operations
// the runtime controls. Guest compute is paced by a bounded set of
// slice tokens: a guest must hold a token while executing an
// instruction-metered slice and returns it at every suspension point
// (slice exhaustion, mailbox receive, lump fetch). Token waiters are
// served roughly in arrival order, so a guest spinning in a tight
// loop shares the pool fairly with every other guest and can never
// starve one that is runnable.
type Dispatcher struct {
	tokens chan struct{}

	bodies sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// newDispatcher creates a pool of slice tokens.
func newDispatcher(tokens int) *Dispatcher {
	d := &Dispatcher{
		tokens: make(chan struct{}, tokens),
		done:   make(chan struct{}),
	}
	for i := 0; i < tokens; i++ {
		d.tokens <- struct{}{}
	}
	return d
}

// BeginSlice blocks until a compute token is available. Fails when
// ctx is cancelled or the dispatcher has stopped.
func (d *Dispatcher) BeginSlice(ctx context.Context) error {
	select {
	case <-d.tokens:
		return nil
	case <-ctx.Done():
		return fault.Wrap(fault.Cancelled, "dispatcher/slice", ctx.Err())
	case <-d.done:
		return fault.New(fault.Cancelled, "dispatcher/slice", "dispatcher stopped")
	}
}

// EndSlice returns the compute token. Every successful BeginSlice
// must be paired with exactly one EndSlice.
func (d *Dispatcher) EndSlice() {
	select {
	case d.tokens <- struct{}{}:
	default:
		// More EndSlice calls than BeginSlice: an accounting bug in
		// the caller, not a recoverable condition.
		panic("runtime: EndSlice without matching BeginSlice")
	}
}

// Yield returns the token and immediately re-queues for a new one,
// giving other waiters their turn. The cooperative yield point for
// long-running native services.
func (d *Dispatcher) Yield(ctx context.Context) error {
	d.EndSlice()
	return d.BeginSlice(ctx)
}

// track runs fn as a tracked goroutine. Stop waits for all tracked
// goroutines to return.
func (d *Dispatcher) track(fn func()) {
	d.bodies.Add(1)
	go func() {
		defer d.bodies.Done()
		fn()
	}()
}

// Stop unblocks all token waiters and waits for tracked goroutines
// to finish or ctx to expire.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.done)
	}
	d.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		d.bodies.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fault.Wrap(fault.Timeout, "dispatcher/stop", ctx.Err())
	}
}
