// Package retry provides the bounded backoff schedules used by every wait in
// a run. Nothing retries without a hard upper bound.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultFirst and DefaultSecond seed the Fibonacci schedule: 3s, 5s, 8s, 13s, ...
	DefaultFirst  = 3 * time.Second
	DefaultSecond = 5 * time.Second
)

// FibonacciBackOff is a backoff.BackOff whose intervals follow a Fibonacci
// sequence. It returns backoff.Stop once the next sleep would carry the total
// elapsed time past MaxElapsedTime, so a retry loop driven by it never
// outlives its cap.
type FibonacciBackOff struct {
	First          time.Duration
	Second         time.Duration
	MaxElapsedTime time.Duration
	Clock          backoff.Clock

	a, b  time.Duration
	start time.Time
}

// NewFibonacci returns a schedule starting at 3s and capped at maxElapsed.
// A zero maxElapsed means no cap.
func NewFibonacci(maxElapsed time.Duration) *FibonacciBackOff {
	b := &FibonacciBackOff{
		First:          DefaultFirst,
		Second:         DefaultSecond,
		MaxElapsedTime: maxElapsed,
		Clock:          backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Reset restarts the sequence and the elapsed-time clock.
func (f *FibonacciBackOff) Reset() {
	f.a, f.b = f.First, f.Second
	f.start = f.Clock.Now()
}

// NextBackOff returns the next interval or backoff.Stop.
func (f *FibonacciBackOff) NextBackOff() time.Duration {
	next := f.a
	if f.MaxElapsedTime > 0 && f.Elapsed()+next > f.MaxElapsedTime {
		return backoff.Stop
	}
	f.a, f.b = f.b, f.a+f.b
	return next
}

// Elapsed is the time since the last Reset.
func (f *FibonacciBackOff) Elapsed() time.Duration {
	return f.Clock.Now().Sub(f.start)
}

// Remaining is the time left before the cap, or zero if there is no cap.
func (f *FibonacciBackOff) Remaining() time.Duration {
	if f.MaxElapsedTime <= 0 {
		return 0
	}
	left := f.MaxElapsedTime - f.Elapsed()
	if left < 0 {
		return 0
	}
	return left
}

// Constant returns a fixed-interval schedule bounded by maxElapsed.
func Constant(interval, maxElapsed time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(interval),
		backoff.WithMultiplier(1),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(interval),
		backoff.WithMaxElapsedTime(maxElapsed),
	)
	return b
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}
