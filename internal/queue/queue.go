// Package queue provides the two pieces of state shared by all workers of a
// run: the input queue of detections awaiting a worker and the output queue of
// detections that finished.
package queue

import (
	"errors"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"

	"github.com/telhawk-systems/dettest/internal/models"
)

// ErrDuplicate is returned when a detection is pushed to the output queue twice.
var ErrDuplicate = errors.New("detection already completed")

// Input is a thread-safe FIFO of detections awaiting a worker.
type Input struct {
	mu    sync.Mutex
	items []*models.Detection
	total int
}

// NewInput seeds a queue. The order is randomised unless ordered is set.
func NewInput(detections []*models.Detection, ordered bool) *Input {
	items := append([]*models.Detection(nil), detections...)
	if !ordered {
		rand.Shuffle(len(items), func(i, j int) { items[i], items[j] = items[j], items[i] })
	}
	return &Input{items: items, total: len(items)}
}

// Pop removes the next detection. It never blocks; ok is false when empty.
func (q *Input) Pop() (d *models.Detection, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	d = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return d, true
}

// Push returns a detection to the front of the queue so another worker can
// pick it up.
func (q *Input) Push(d *models.Detection) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append([]*models.Detection{d}, q.items...)
}

// Len is the number of detections still waiting.
func (q *Input) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Total is the number of detections the queue was seeded with.
func (q *Input) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}

// Drain empties the queue and returns what was left.
func (q *Input) Drain() []*models.Detection {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Output records completed detections in completion order.
type Output struct {
	mu    sync.Mutex
	items []*models.Detection
	seen  map[uuid.UUID]struct{}
}

// NewOutput returns an empty output queue.
func NewOutput() *Output {
	return &Output{seen: make(map[uuid.UUID]struct{})}
}

// Push appends a completed detection.
func (q *Output) Push(d *models.Detection) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.seen[d.ID]; ok {
		return ErrDuplicate
	}
	q.seen[d.ID] = struct{}{}
	q.items = append(q.items, d)
	return nil
}

// Len is the number of completed detections.
func (q *Output) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a snapshot of the completed detections, oldest first.
func (q *Output) Items() []*models.Detection {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*models.Detection(nil), q.items...)
}

// Since returns the detections completed after the first n.
func (q *Output) Since(n int) []*models.Detection {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n >= len(q.items) {
		return nil
	}
	if n < 0 {
		n = 0
	}
	return append([]*models.Detection(nil), q.items[n:]...)
}
