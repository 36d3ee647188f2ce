// Package future implements a small generic awaitable, used in place of
// listener/callback chains: open, close, write and request completions
// are all resolved exactly once and can be awaited with a timeout or a
// context.
package future

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrTimeout is returned by Wait when the deadline elapses before the
// future resolves.
var ErrTimeout = errors.New("future: timeout")

// ErrCancelled is the error for an operation cancelled before it
// completed. No function in this module returns it: there is no queued
// write that can be pulled back out, and Wait reports a cancelled
// context as ctx.Err().
var ErrCancelled = errors.New("future: cancelled")

// Future is a single-assignment, multi-waiter completion value.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	mu    sync.Mutex
	value T
	err   error
}

// New returns an unresolved Future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve completes the future with value and a nil error. Safe to call
// from any goroutine; only the first call has any effect.
func (f *Future[T]) Resolve(value T) {
	f.once.Do(func() {
		f.mu.Lock()
		f.value = value
		f.mu.Unlock()
		close(f.done)
	})
}

// Fail completes the future with err. Only the first Resolve/Fail call
// has any effect.
func (f *Future[T]) Fail(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}

// Done returns a channel that is closed once the future has resolved or
// failed.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves, the context is cancelled, or d
// elapses (d <= 0 means no timeout).
func (f *Future[T]) Wait(ctx context.Context, d time.Duration) (T, error) {
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if d > 0 {
		timer = time.NewTimer(d)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-timeoutCh:
		var zero T
		return zero, ErrTimeout
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// MustDone returns the resolved value/error; it panics if the future has
// not resolved yet. Intended for code paths that already selected on
// Done().
func (f *Future[T]) MustDone() (T, error) {
	select {
	case <-f.done:
	default:
		panic("future: MustDone called before resolution")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err
}
