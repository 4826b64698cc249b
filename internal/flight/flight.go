// Package flight runs at most one execution per key and shares its outcome
// with every caller that joins while it runs.
//
// Unlike singleflight, a flight is owned by its waiters rather than by the
// caller that started it: the execution context is cancelled once the last
// waiter leaves, and a successful value is claimed for the waiters still
// present before any of them is woken.
package flight

import (
	"context"
	"fmt"
	"sync"
)

// Group is a registry of in-flight executions keyed by string.
//
// The zero value is not usable; create one with New.
type Group[T any] struct {
	mu    sync.Mutex
	calls map[string]*call[T]

	claim   func(v T, waiters int)
	release func(v T)
}

type call[T any] struct {
	cancel   context.CancelFunc
	done     chan struct{}
	val      T
	err      error
	waiters  int
	finished bool
}

// Option configures a Group.
type Option[T any] func(*Group[T])

// WithClaim sets the hook run under the group lock when an execution
// succeeds. waiters is the number of callers still waiting, possibly zero.
// The hook must not block.
func WithClaim[T any](fn func(v T, waiters int)) Option[T] {
	return func(g *Group[T]) {
		g.claim = fn
	}
}

// WithRelease sets the hook run after a successful execution has been
// claimed and its waiters woken.
func WithRelease[T any](fn func(v T)) Option[T] {
	return func(g *Group[T]) {
		g.release = fn
	}
}

// New creates an empty Group.
func New[T any](opts ...Option[T]) *Group[T] {
	g := &Group[T]{calls: make(map[string]*call[T])}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do joins the execution for key, starting fn when none is running.
//
// fn runs on its own goroutine with a context that keeps the values of the
// starting caller's ctx but is cancelled only when every waiter has left.
// When ctx ends before the execution finishes, Do returns ctx.Err() and the
// caller no longer counts as a waiter. shared reports whether the caller
// joined an execution started by someone else.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (v T, shared bool, err error) {
	g.mu.Lock()
	c, ok := g.calls[key]
	if ok {
		c.waiters++
		shared = true
	} else {
		callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &call[T]{cancel: cancel, done: make(chan struct{}), waiters: 1}
		g.calls[key] = c
		go g.run(callCtx, key, c, fn)
	}
	g.mu.Unlock()

	select {
	case <-c.done:
		return c.val, shared, c.err
	case <-ctx.Done():
	}

	g.mu.Lock()
	if c.finished {
		// Claimed before we could leave; the value is ours.
		g.mu.Unlock()
		<-c.done
		return c.val, shared, c.err
	}
	c.waiters--
	if c.waiters == 0 {
		c.cancel()
		if g.calls[key] == c {
			delete(g.calls, key)
		}
	}
	g.mu.Unlock()
	var zero T
	return zero, shared, ctx.Err()
}

func (g *Group[T]) run(ctx context.Context, key string, c *call[T], fn func(context.Context) (T, error)) {
	defer c.cancel()

	val, err := g.call(ctx, fn)

	g.mu.Lock()
	c.val, c.err = val, err
	c.finished = true
	if g.calls[key] == c {
		delete(g.calls, key)
	}
	if err == nil && g.claim != nil {
		g.claim(val, c.waiters)
	}
	close(c.done)
	g.mu.Unlock()

	if err == nil && g.release != nil {
		g.release(val)
	}
}

func (g *Group[T]) call(ctx context.Context, fn func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flight: panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Len returns the number of executions in flight.
func (g *Group[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// Waiters returns the number of callers waiting on key.
func (g *Group[T]) Waiters(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.calls[key]; ok {
		return c.waiters
	}
	return 0
}
