package splunk

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/dettest/internal/splunktest"
)

func newTestClient(inst *splunktest.Instance, opts ...Option) *Client {
	return NewClient(inst.Server.URL, splunktest.Username, splunktest.Password, opts...)
}

func TestParseJobContent(t *testing.T) {
	tests := []struct {
		name    string
		content map[string]any
		want    JobContent
	}{
		{
			name: "numbers as json numbers",
			content: map[string]any{
				"sid": "1.23", "resultCount": float64(4), "runDuration": 0.5,
				"dispatchState": "DONE", "isFailed": false,
			},
			want: JobContent{SID: "1.23", ResultCount: 4, RunDuration: 0.5, DispatchState: "DONE"},
		},
		{
			name: "numbers as strings",
			content: map[string]any{
				"resultCount": "12", "eventCount": "30", "runDuration": "1.25", "isFailed": "1",
			},
			want: JobContent{ResultCount: 12, EventCount: 30, RunDuration: 1.25, IsFailed: true},
		},
		{
			name:    "absent numerics default to zero and unknown keys are dropped",
			content: map[string]any{"search": "search index=a", "someFutureKey": []any{1, 2}},
			want:    JobContent{Search: "search index=a"},
		},
		{
			name: "first message with text wins",
			content: map[string]any{
				"messages": []any{
					map[string]any{"type": "INFO", "text": ""},
					map[string]any{"type": "FATAL", "text": "Unknown search command 'foo'."},
				},
			},
			want: JobContent{Message: "Unknown search command 'foo'."},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, *ParseJobContent(tt.content))
		})
	}
}

func TestRunBlocking(t *testing.T) {
	inst := splunktest.New()
	defer inst.Close()
	inst.AddEvents(
		splunktest.Event{Index: "a", Host: "h", Source: "s", Sourcetype: "t", Raw: "one"},
		splunktest.Event{Index: "b", Host: "h", Source: "s", Sourcetype: "t", Raw: "two"},
	)

	c := newTestClient(inst)
	job, err := c.RunBlocking(context.Background(), "search index=a | stats count", SearchOptions{EarliestTime: "-24h"})
	require.NoError(t, err)

	assert.NotEmpty(t, job.SID)
	assert.Equal(t, 1, job.ResultCount)
	assert.Equal(t, "DONE", job.DispatchState)
	assert.InDelta(t, 0.042, job.RunDuration, 0.0001)
	assert.Equal(t, []string{"search index=a | stats count"}, inst.Searches())
}

func TestRunBlocking_FormParameters(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/services/search/jobs":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "blocking", r.PostFormValue("exec_mode"))
			assert.Equal(t, "json", r.PostFormValue("output_mode"))
			assert.Equal(t, "-7d", r.PostFormValue("earliest_time"))
			assert.Equal(t, "now", r.PostFormValue("latest_time"))
			w.Write([]byte(`{"sid":"abc"}`))
		case "/services/search/jobs/abc":
			assert.Equal(t, "json", r.URL.Query().Get("output_mode"))
			w.Write([]byte(`{"entry":[{"content":{"resultCount":"2","runDuration":"0.7"}}]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, "admin", "pw")
	job, err := c.RunBlocking(context.Background(), "| makeresults", SearchOptions{EarliestTime: "-7d", LatestTime: "now"})
	require.NoError(t, err)
	assert.Equal(t, "abc", job.SID)
	assert.Equal(t, 2, job.ResultCount)
}

func TestRunBlocking_FailedJob(t *testing.T) {
	inst := splunktest.New()
	defer inst.Close()
	inst.SetResponder(func(search string) (splunktest.Response, bool) {
		return splunktest.Response{Failed: true, Message: "Error in 'where' command"}, true
	})

	c := newTestClient(inst)
	job, err := c.RunBlocking(context.Background(), "search index=a | where", SearchOptions{})
	require.Error(t, err)

	var se *SearchError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Error in 'where' command", se.Message)
	require.NotNil(t, job)
	assert.Equal(t, job.SID, se.SID)
}

func TestRunBlocking_Unauthorized(t *testing.T) {
	inst := splunktest.New()
	defer inst.Close()

	c := NewClient(inst.Server.URL, "admin", "wrong")
	_, err := c.RunBlocking(context.Background(), "search *", SearchOptions{})
	require.True(t, IsSearchError(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "Unauthorized", apiErr.Message)
}

func TestRunBlocking_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, "admin", "pw", WithSearchTimeout(20*time.Millisecond))
	start := time.Now()
	_, err := c.RunBlocking(context.Background(), "search *", SearchOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRows_Paging(t *testing.T) {
	inst := splunktest.New()
	defer inst.Close()

	rows := make([]map[string]any, 250)
	for i := range rows {
		rows[i] = map[string]any{"n": fmt.Sprint(i), "user": "alice", "dest": "host1"}
	}
	inst.SetResponder(func(string) (splunktest.Response, bool) {
		return splunktest.Response{Rows: rows}, true
	})

	c := newTestClient(inst)
	job, err := c.RunBlocking(context.Background(), "search *", SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 250, job.ResultCount)

	var got []Row
	for row, err := range c.Rows(context.Background(), job.SID, "n", "user") {
		require.NoError(t, err)
		got = append(got, row)
	}
	require.Len(t, got, 250)
	assert.Equal(t, "0", got[0].String("n"))
	assert.Equal(t, "249", got[249].String("n"))
	assert.True(t, got[10].Has("user"))
	assert.False(t, got[10].Has("dest"), "dest was not projected")
}

func TestRows_StopEarly(t *testing.T) {
	inst := splunktest.New()
	defer inst.Close()
	inst.AddEvents(
		splunktest.Event{Index: "a", Host: "h"},
		splunktest.Event{Index: "a", Host: "h"},
		splunktest.Event{Index: "a", Host: "h"},
	)

	c := newTestClient(inst)
	job, err := c.RunBlocking(context.Background(), "search index=a", SearchOptions{})
	require.NoError(t, err)

	n := 0
	for _, err := range c.Rows(context.Background(), job.SID) {
		require.NoError(t, err)
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestRows_UnknownJob(t *testing.T) {
	inst := splunktest.New()
	defer inst.Close()

	c := newTestClient(inst)
	for _, err := range c.Rows(context.Background(), "missing") {
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func TestRow_Has(t *testing.T) {
	row := Row{
		"user":   "alice",
		"empty":  "",
		"blank":  "  ",
		"null":   nil,
		"multi":  []any{"a", "b"},
		"nomult": []any{""},
		"count":  float64(3),
	}

	assert.True(t, row.Has("user"))
	assert.True(t, row.Has("multi"))
	assert.True(t, row.Has("count"))
	assert.False(t, row.Has("empty"))
	assert.False(t, row.Has("blank"))
	assert.False(t, row.Has("null"))
	assert.False(t, row.Has("nomult"))
	assert.False(t, row.Has("absent"))
	assert.Equal(t, "a,b", row.String("multi"))
}

func TestDeleteInIndex(t *testing.T) {
	inst := splunktest.New()
	defer inst.Close()
	inst.AddEvents(
		splunktest.Event{Index: "a", Host: "h"},
		splunktest.Event{Index: "a", Host: "h"},
		splunktest.Event{Index: "a", Host: "other"},
	)

	c := newTestClient(inst, WithDeletePollInterval(10*time.Millisecond))

	n, err := c.EventCount(context.Background(), "a", "h")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, c.DeleteInIndex(context.Background(), "a", "h"))
	assert.Equal(t, 0, inst.EventCount("a", "h"))
	assert.Equal(t, 1, inst.EventCount("a", "other"))

	searches := inst.Searches()
	assert.Contains(t, searches, `search index="a" host="h" | delete`)
	assert.Contains(t, searches, `| tstats count where index="a" host="h"`)
}

func TestDeleteInIndex_DoesNotConverge(t *testing.T) {
	inst := splunktest.New()
	defer inst.Close()
	inst.AddEvents(splunktest.Event{Index: "a", Host: "h"})
	inst.SetDeleteIneffective(true)

	c := newTestClient(inst,
		WithDeletePollInterval(10*time.Millisecond),
		WithDeleteTimeout(60*time.Millisecond),
	)

	start := time.Now()
	err := c.DeleteInIndex(context.Background(), "a", "h")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeleteFailed)
	assert.Contains(t, err.Error(), "1 events remain")
	assert.Less(t, time.Since(start), time.Second)
}

func TestDeleteInIndex_Cancelled(t *testing.T) {
	inst := splunktest.New()
	defer inst.Close()
	inst.AddEvents(splunktest.Event{Index: "a", Host: "h"})
	inst.SetDeleteIneffective(true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(inst, WithDeletePollInterval(10*time.Millisecond))
	err := c.DeleteInIndex(ctx, "a", "h")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
