package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBackOff(max time.Duration) (*FibonacciBackOff, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := &FibonacciBackOff{First: DefaultFirst, Second: DefaultSecond, MaxElapsedTime: max, Clock: clock}
	b.Reset()
	return b, clock
}

func TestFibonacciSequence(t *testing.T) {
	b, _ := newTestBackOff(0)
	want := []time.Duration{3, 5, 8, 13, 21, 34}
	for i, w := range want {
		assert.Equal(t, w*time.Second, b.NextBackOff(), "step %d", i)
	}
}

func TestFibonacciStopsAtCap(t *testing.T) {
	b, clock := newTestBackOff(60 * time.Second)

	var slept time.Duration
	for {
		next := b.NextBackOff()
		if next == backoff.Stop {
			break
		}
		clock.Advance(next)
		slept += next
	}
	// 3+5+8+13+21 = 50; the next step (34) would overshoot 60s.
	assert.Equal(t, 50*time.Second, slept)
	assert.LessOrEqual(t, b.Elapsed(), 60*time.Second)
}

func TestFibonacciCapAccountsForWorkTime(t *testing.T) {
	b, clock := newTestBackOff(10 * time.Second)
	clock.Advance(8 * time.Second)
	assert.Equal(t, backoff.Stop, b.NextBackOff())
	assert.Equal(t, 2*time.Second, b.Remaining())
}

func TestFibonacciReset(t *testing.T) {
	b, clock := newTestBackOff(0)
	b.NextBackOff()
	b.NextBackOff()
	clock.Advance(time.Minute)
	b.Reset()
	assert.Equal(t, 3*time.Second, b.NextBackOff())
	assert.Equal(t, time.Duration(0), b.Elapsed())
}

func TestConstantBounded(t *testing.T) {
	b := Constant(10*time.Millisecond, 50*time.Millisecond)
	calls := 0
	err := backoff.Retry(func() error {
		calls++
		return errors.New("not yet")
	}, b)
	require.Error(t, err)
	assert.GreaterOrEqual(t, calls, 2)
	assert.LessOrEqual(t, calls, 10)
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSleepElapses(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), 5*time.Millisecond))
}
