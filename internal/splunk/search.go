package splunk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"

	"github.com/telhawk-systems/dettest/internal/metrics"
)

// SearchError reports a search that could not run: the API refused it, the
// job failed on the server or its results could not be read.
type SearchError struct {
	Search  string
	SID     string
	Message string
	Err     error
}

func (e *SearchError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.SID != "" {
		return fmt.Sprintf("search %s failed: %s", e.SID, msg)
	}
	return fmt.Sprintf("search failed: %s", msg)
}

func (e *SearchError) Unwrap() error { return e.Err }

// SearchOptions bounds the time window of a search.
type SearchOptions struct {
	EarliestTime string
	LatestTime   string
}

// JobContent is the typed view of a finished job's content dictionary.
// Unknown keys are dropped and absent numbers are zero.
type JobContent struct {
	SID           string  `json:"sid"`
	Search        string  `json:"search"`
	ResultCount   int     `json:"resultCount"`
	EventCount    int     `json:"eventCount"`
	RunDuration   float64 `json:"runDuration"`
	DispatchState string  `json:"dispatchState"`
	IsFailed      bool    `json:"isFailed"`
	Message       string  `json:"message,omitempty"`
}

// Row is one search result. Multi-valued fields keep their []any form.
type Row map[string]any

// Has reports whether field is present with a non-empty value.
func (r Row) Has(field string) bool {
	v, ok := r[field]
	if !ok || v == nil {
		return false
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) != "" && val != "null"
	case []any:
		for _, item := range val {
			if s, ok := item.(string); !ok || strings.TrimSpace(s) != "" {
				return true
			}
		}
		return false
	}
	return true
}

// String returns field as text, joining multi-valued fields with commas.
func (r Row) String(field string) string {
	switch val := r[field].(type) {
	case nil:
		return ""
	case string:
		return val
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(val)
	}
}

// RunBlocking submits search in blocking mode and returns the job content
// once the job is done. Each call is bounded by the client's search timeout.
func (c *Client) RunBlocking(ctx context.Context, search string, opts SearchOptions) (*JobContent, error) {
	metrics.SearchAttempts.Inc()

	ctx, cancel := context.WithTimeout(ctx, c.searchTimeout)
	defer cancel()

	form := url.Values{
		"search":      {search},
		"exec_mode":   {"blocking"},
		"output_mode": {"json"},
	}
	if opts.EarliestTime != "" {
		form.Set("earliest_time", opts.EarliestTime)
	}
	if opts.LatestTime != "" {
		form.Set("latest_time", opts.LatestTime)
	}

	data, err := c.do(ctx, "POST", "/services/search/jobs", nil, form)
	if err != nil {
		metrics.SearchErrors.Inc()
		return nil, &SearchError{Search: search, Err: err}
	}

	var created struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(data, &created); err != nil || created.SID == "" {
		metrics.SearchErrors.Inc()
		return nil, &SearchError{Search: search, Message: "job creation returned no sid", Err: err}
	}

	job, err := c.Job(ctx, created.SID)
	if err != nil {
		metrics.SearchErrors.Inc()
		return nil, err
	}
	if job.IsFailed || strings.EqualFold(job.DispatchState, "FAILED") {
		metrics.SearchErrors.Inc()
		return job, &SearchError{Search: search, SID: job.SID, Message: job.Message}
	}
	return job, nil
}

// Job reads the content of the job sid.
func (c *Client) Job(ctx context.Context, sid string) (*JobContent, error) {
	data, err := c.do(ctx, "GET", "/services/search/jobs/"+url.PathEscape(sid), jsonQuery(), nil)
	if err != nil {
		return nil, &SearchError{SID: sid, Err: err}
	}

	var env entryEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &SearchError{SID: sid, Message: "decode job", Err: err}
	}
	if len(env.Entry) == 0 {
		return nil, &SearchError{SID: sid, Message: "job has no entry"}
	}

	job := ParseJobContent(env.Entry[0].Content)
	if job.SID == "" {
		job.SID = sid
	}
	return job, nil
}

// ParseJobContent normalises a loose content dictionary.
func ParseJobContent(content map[string]any) *JobContent {
	job := &JobContent{
		SID:           asString(content["sid"]),
		Search:        asString(content["search"]),
		ResultCount:   int(asFloat(content["resultCount"])),
		EventCount:    int(asFloat(content["eventCount"])),
		RunDuration:   asFloat(content["runDuration"]),
		DispatchState: asString(content["dispatchState"]),
		IsFailed:      asBool(content["isFailed"]),
	}

	if msgs, ok := content["messages"].([]any); ok {
		for _, m := range msgs {
			entry, ok := m.(map[string]any)
			if !ok {
				continue
			}
			if text := asString(entry["text"]); text != "" {
				job.Message = text
				break
			}
		}
	}
	return job
}

// Rows streams the results of job sid page by page. When fields is not empty
// only those fields are requested. Iteration stops at the first error.
func (c *Client) Rows(ctx context.Context, sid string, fields ...string) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		offset := 0
		for {
			q := jsonQuery()
			q.Set("count", strconv.Itoa(resultsPageSize))
			q.Set("offset", strconv.Itoa(offset))
			for _, f := range fields {
				q.Add("field_list", f)
			}

			data, err := c.do(ctx, "GET", "/services/search/jobs/"+url.PathEscape(sid)+"/results", q, nil)
			if err != nil {
				yield(nil, &SearchError{SID: sid, Message: "fetch results", Err: err})
				return
			}

			var page struct {
				Results []Row `json:"results"`
			}
			if err := json.Unmarshal(data, &page); err != nil {
				yield(nil, &SearchError{SID: sid, Message: "decode results", Err: err})
				return
			}

			for _, row := range page.Results {
				if !yield(row, nil) {
					return
				}
			}
			if len(page.Results) < resultsPageSize {
				return
			}
			offset += len(page.Results)
		}
	}
}

// IsSearchError reports whether err is a *SearchError.
func IsSearchError(err error) bool {
	var se *SearchError
	return errors.As(err, &se)
}

func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}

func asFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case json.Number:
		f, _ := val.Float64()
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

func asBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, _ := strconv.ParseBool(val)
		return b
	case float64:
		return val != 0
	}
	return false
}
