// Package lifecycle holds the run-wide cancellation signal shared by the pool
// and its workers.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCancelled is returned by blocking waits aborted by force-finish.
var ErrCancelled = errors.New("run cancelled")

// ForceFinish is a monotonic flag: once set it stays set. Workers finish the
// test in flight, skip pending work and shut down.
type ForceFinish struct {
	set    atomic.Bool
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason string
}

// NewForceFinish returns an unset flag.
func NewForceFinish() *ForceFinish {
	return &ForceFinish{done: make(chan struct{})}
}

// Set raises the flag. Only the first reason is kept.
func (f *ForceFinish) Set(reason string) {
	f.once.Do(func() {
		f.mu.Lock()
		f.reason = reason
		f.mu.Unlock()
		f.set.Store(true)
		close(f.done)
	})
}

// IsSet reports whether the flag has been raised.
func (f *ForceFinish) IsSet() bool {
	return f.set.Load()
}

// Done is closed when the flag is raised.
func (f *ForceFinish) Done() <-chan struct{} {
	return f.done
}

// Reason returns the reason passed to the first Set call.
func (f *ForceFinish) Reason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

// Context derives a context that is cancelled when the flag is raised. The
// cause of that cancellation is ErrCancelled.
func (f *ForceFinish) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case <-f.done:
			cancel(ErrCancelled)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}

// Cancelled reports whether err stems from force-finish or a cancelled context.
func Cancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
