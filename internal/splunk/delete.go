package splunk

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/telhawk-systems/dettest/internal/metrics"
	"github.com/telhawk-systems/dettest/internal/retry"
)

// EventCount returns the number of events indexed in index for host.
func (c *Client) EventCount(ctx context.Context, index, host string) (int, error) {
	search := fmt.Sprintf(`| tstats count where index=%q host=%q`, index, host)
	job, err := c.RunBlocking(ctx, search, SearchOptions{EarliestTime: "0"})
	if err != nil {
		return 0, err
	}

	for row, err := range c.Rows(ctx, job.SID, "count") {
		if err != nil {
			return 0, err
		}
		n, convErr := strconv.Atoi(row.String("count"))
		if convErr != nil {
			return 0, &SearchError{Search: search, SID: job.SID, Message: "count is not a number", Err: convErr}
		}
		return n, nil
	}
	return 0, nil
}

// DeleteInIndex removes every event of host from index and polls the event
// count until it reaches zero. It returns ErrDeleteFailed if the count does not
// reach zero before the delete timeout.
func (c *Client) DeleteInIndex(ctx context.Context, index, host string) error {
	start := time.Now()
	defer func() { metrics.DeleteDuration.Observe(time.Since(start).Seconds()) }()

	search := fmt.Sprintf(`search index=%q host=%q | delete`, index, host)
	remaining := -1

	op := func() error {
		if _, err := c.RunBlocking(ctx, search, SearchOptions{EarliestTime: "0"}); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		n, err := c.EventCount(ctx, index, host)
		if err != nil {
			return err
		}
		remaining = n
		if n > 0 {
			return fmt.Errorf("%d events remain", n)
		}
		return nil
	}

	b := backoff.WithContext(retry.Constant(c.deletePollInterval, c.deleteTimeout), ctx)
	if err := backoff.Retry(op, b); err != nil {
		metrics.DeleteFailures.Inc()
		if ctxErr := context.Cause(ctx); ctxErr != nil {
			return fmt.Errorf("delete index=%s host=%s: %w", index, host, ctxErr)
		}
		var se *SearchError
		if errors.As(err, &se) && remaining < 0 {
			return fmt.Errorf("delete index=%s host=%s: %w: %w", index, host, ErrDeleteFailed, err)
		}
		return fmt.Errorf("delete index=%s host=%s: %w (%d events remain)", index, host, ErrDeleteFailed, remaining)
	}
	return nil
}
