package splunktest

import (
	"strconv"
	"sync"
)

type ackStatus int

const (
	ackPending ackStatus = iota
	ackSuccess
)

type ack struct {
	status ackStatus
	polls  int
}

// ackManager hands out per-channel acknowledgement ids. An ack reports true
// once it has been polled delay times.
type ackManager struct {
	mu       sync.Mutex
	channels map[string]map[int64]*ack
	next     map[string]int64
	delay    int
}

func newAckManager() *ackManager {
	return &ackManager{
		channels: make(map[string]map[int64]*ack),
		next:     make(map[string]int64),
	}
}

func (m *ackManager) setDelay(polls int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = polls
}

// create registers a new pending ack on channel and returns its id.
func (m *ackManager) create(channel string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	acks, ok := m.channels[channel]
	if !ok {
		acks = make(map[int64]*ack)
		m.channels[channel] = acks
	}
	id := m.next[channel]
	m.next[channel] = id + 1

	a := &ack{status: ackPending}
	if m.delay == 0 {
		a.status = ackSuccess
	}
	acks[id] = a
	return id
}

// query reports the status of ids on channel. Unknown ids are omitted.
func (m *ackManager) query(channel string, ids []int64) map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]bool, len(ids))
	acks := m.channels[channel]
	for _, id := range ids {
		a, ok := acks[id]
		if !ok {
			continue
		}
		a.polls++
		if a.status == ackPending && a.polls > m.delay {
			a.status = ackSuccess
		}
		out[strconv.FormatInt(id, 10)] = a.status == ackSuccess
	}
	return out
}
