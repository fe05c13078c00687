// Package hec pushes raw attack data into an analytics instance through its
// HTTP event collector and waits for the indexer acknowledgement.
package hec

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/dettest/internal/metrics"
	"github.com/telhawk-systems/dettest/internal/retry"
)

const (
	rawPath = "/services/collector/raw"
	ackPath = "/services/collector/ack"

	// DefaultAckTimeout bounds the wait for a single acknowledgement.
	DefaultAckTimeout = 2 * time.Minute
)

// minPollInterval is the shortest sleep between acknowledgement polls.
var minPollInterval = 2 * time.Second

// ErrAckTimeout is returned when the acknowledgement never turns true.
var ErrAckTimeout = errors.New("acknowledgement timed out")

// IngestionError reports a rejected upload or acknowledgement query.
type IngestionError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *IngestionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ingestion failed: %v", e.Err)
	}
	return fmt.Sprintf("ingestion failed with status %d: %s", e.StatusCode, e.Body)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// EventMeta tags an uploaded blob.
type EventMeta struct {
	Index      string
	Source     string
	Sourcetype string
	Host       string
}

// Client sends data to one ingestion endpoint. Each client owns a
// correlation channel; acknowledgements are scoped to it.
type Client struct {
	baseURL      string
	token        string
	channel      string
	client       *http.Client
	pollInterval time.Duration
	ackTimeout   time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithAckTimeout bounds the acknowledgement wait.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Client) { c.ackTimeout = d }
}

// WithPollInterval sets the sleep between acknowledgement polls. Values below
// two seconds are raised to two seconds.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithChannel pins the correlation channel instead of generating one.
func WithChannel(ch string) Option {
	return func(c *Client) { c.channel = ch }
}

// NewClient creates a client for baseURL authenticated by token. TLS
// verification is disabled because test instances use self-signed certs.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		channel: uuid.NewString(),
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		pollInterval: minPollInterval,
		ackTimeout:   DefaultAckTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pollInterval < minPollInterval {
		c.pollInterval = minPollInterval
	}
	return c
}

// Channel returns the correlation channel identifier.
func (c *Client) Channel() string { return c.channel }

type rawResponse struct {
	Text  string `json:"text"`
	Code  int    `json:"code"`
	AckID *int64 `json:"ackId"`
}

type ackRequest struct {
	Acks []int64 `json:"acks"`
}

type ackResponse struct {
	Acks map[string]bool `json:"acks"`
}

// Send uploads body and returns once the instance acknowledges the write.
// It does not retry.
func (c *Client) Send(ctx context.Context, body io.Reader, meta EventMeta) error {
	ackID, err := c.post(ctx, body, meta)
	if err != nil {
		metrics.IngestErrors.Inc()
		return err
	}
	return c.WaitForAck(ctx, ackID)
}

func (c *Client) post(ctx context.Context, body io.Reader, meta EventMeta) (int64, error) {
	q := url.Values{}
	q.Set("index", meta.Index)
	q.Set("source", meta.Source)
	q.Set("sourcetype", meta.Sourcetype)
	q.Set("host", meta.Host)

	counted := &countingReader{r: body}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+rawPath+"?"+q.Encode(), counted)
	if err != nil {
		return 0, &IngestionError{Err: fmt.Errorf("build request: %w", err)}
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, &IngestionError{Err: fmt.Errorf("send request: %w", err)}
	}
	defer resp.Body.Close()
	metrics.IngestBytesTotal.Add(float64(counted.n))

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &IngestionError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var out rawResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, &IngestionError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.AckID == nil {
		return 0, &IngestionError{StatusCode: resp.StatusCode, Body: string(data), Err: errors.New("response carries no ackId; is useACK enabled?")}
	}
	return *out.AckID, nil
}

// WaitForAck polls the acknowledgement endpoint until ackID is reported as
// indexed, the ack timeout passes or ctx is done.
func (c *Client) WaitForAck(ctx context.Context, ackID int64) error {
	start := time.Now()
	defer func() { metrics.AckWaitDuration.Observe(time.Since(start).Seconds()) }()

	for {
		done, err := c.queryAck(ctx, ackID)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if time.Since(start)+c.pollInterval > c.ackTimeout {
			return fmt.Errorf("ack %d after %s: %w", ackID, time.Since(start).Round(time.Second), ErrAckTimeout)
		}
		if err := retry.Sleep(ctx, c.pollInterval); err != nil {
			return err
		}
	}
}

func (c *Client) queryAck(ctx context.Context, ackID int64) (bool, error) {
	payload, err := json.Marshal(ackRequest{Acks: []int64{ackID}})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ackPath, bytes.NewReader(payload))
	if err != nil {
		return false, &IngestionError{Err: fmt.Errorf("build ack request: %w", err)}
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, &IngestionError{Err: fmt.Errorf("query ack: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return false, &IngestionError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var out ackResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, &IngestionError{Err: fmt.Errorf("decode ack response: %w", err)}
	}
	return out.Acks[strconv.FormatInt(ackID, 10)], nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Splunk "+c.token)
	req.Header.Set("X-Splunk-Request-Channel", c.channel)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
