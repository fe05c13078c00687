// Package splunk talks to the management API of an analytics instance:
// blocking searches, result paging, delete-by-query cleanup and the handful
// of configuration calls a worker makes before it starts testing.
package splunk

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultSearchTimeout bounds one blocking search attempt.
	DefaultSearchTimeout = 60 * time.Second
	// DefaultDeleteTimeout bounds delete-until-empty polling for one index.
	DefaultDeleteTimeout = 2 * time.Minute
	// DefaultDeletePollInterval separates event count polls during delete.
	DefaultDeletePollInterval = 3 * time.Second

	resultsPageSize = 100
)

var (
	// ErrNotFound is returned when the management API answers 404.
	ErrNotFound = errors.New("not found")
	// ErrDeleteFailed is returned when an index never drains to zero events.
	ErrDeleteFailed = errors.New("delete did not converge")
)

// APIError is a non-2xx answer from the management API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Client is a management API client bound to one instance. It is owned by a
// single worker and is not shared.
type Client struct {
	baseURL  string
	username string
	password string
	client   *http.Client

	searchTimeout      time.Duration
	deleteTimeout      time.Duration
	deletePollInterval time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithSearchTimeout bounds a single blocking search.
func WithSearchTimeout(d time.Duration) Option {
	return func(c *Client) { c.searchTimeout = d }
}

// WithDeleteTimeout bounds DeleteInIndex.
func WithDeleteTimeout(d time.Duration) Option {
	return func(c *Client) { c.deleteTimeout = d }
}

// WithDeletePollInterval sets the sleep between event count polls.
func WithDeletePollInterval(d time.Duration) Option {
	return func(c *Client) { c.deletePollInterval = d }
}

// NewClient creates a client for the management API at baseURL using HTTP
// basic authentication. Certificate verification is off; test instances run
// with self-signed certificates.
func NewClient(baseURL, username, password string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		searchTimeout:      DefaultSearchTimeout,
		deleteTimeout:      DefaultDeleteTimeout,
		deletePollInterval: DefaultDeletePollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the management API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// do sends a request and returns the body of a 2xx response. A 404 maps to
// ErrNotFound; every other non-2xx status becomes an *APIError.
func (c *Client) do(ctx context.Context, method, path string, query, form url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: firstMessage(data)}
	}
	return data, nil
}

func jsonQuery() url.Values {
	return url.Values{"output_mode": {"json"}}
}

type messagesEnvelope struct {
	Messages []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"messages"`
}

// firstMessage extracts the first server message of an error body, falling
// back to the raw body.
func firstMessage(data []byte) string {
	var env messagesEnvelope
	if err := json.Unmarshal(data, &env); err == nil && len(env.Messages) > 0 {
		return env.Messages[0].Text
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

// entryEnvelope is the shape of most management API collection answers.
type entryEnvelope struct {
	Entry []struct {
		Name    string         `json:"name"`
		Content map[string]any `json:"content"`
	} `json:"entry"`
}
