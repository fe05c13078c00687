package view

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/dettest/internal/pool"
)

// Publisher sends a message on a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NATSPublisher publishes on a NATS connection.
type NATSPublisher struct {
	conn *nats.Conn
}

// ConnectNATS connects to cfg.URL.
func ConnectNATS(cfg NATSConfig) (*NATSPublisher, error) {
	if cfg.Name == "" {
		cfg.Name = "dettest"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSPublisher{conn: conn}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.conn.Publish(subject, data)
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close(ctx context.Context) error {
	err := p.conn.FlushWithContext(ctx)
	p.conn.Close()
	return err
}

// DetectionEvent is published once per completed detection on
// {subject}.detection.
type DetectionEvent struct {
	RunID string `json:"run_id"`
	Outcome
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// NATS streams results: each completed detection on {subject}.detection and
// the final status on {subject}.summary.
type NATS struct {
	pub     Publisher
	subject string

	mu        sync.Mutex
	published int
}

// NewNATS publishes through pub under subject.
func NewNATS(pub Publisher, subject string) *NATS {
	if subject == "" {
		subject = "dettest.results"
	}
	return &NATS{pub: pub, subject: subject}
}

func (n *NATS) Update(ctx context.Context, s pool.Snapshot) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.publishCompleted(ctx, s)
}

// Close publishes what is left and the final status.
func (n *NATS) Close(ctx context.Context, s pool.Snapshot) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.publishCompleted(ctx, s); err != nil {
		return err
	}
	data, err := json.Marshal(NewStatus(s))
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if err := n.pub.Publish(ctx, n.subject+".summary", data); err != nil {
		return fmt.Errorf("publish summary: %w", err)
	}
	return nil
}

func (n *NATS) publishCompleted(ctx context.Context, s pool.Snapshot) error {
	for i := n.published; i < len(s.Completed); i++ {
		data, err := json.Marshal(DetectionEvent{
			RunID:     s.RunID,
			Outcome:   NewOutcome(s.Completed[i]),
			Completed: i + 1,
			Total:     s.Total,
		})
		if err != nil {
			return fmt.Errorf("marshal detection event: %w", err)
		}
		if err := n.pub.Publish(ctx, n.subject+".detection", data); err != nil {
			return fmt.Errorf("publish detection %s: %w", s.Completed[i].Name, err)
		}
		n.published = i + 1
	}
	return nil
}
