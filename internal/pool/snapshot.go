package pool

import (
	"time"

	"github.com/telhawk-systems/dettest/internal/models"
	"github.com/telhawk-systems/dettest/internal/worker"
)

// Snapshot is the progress of a run at one instant. Views render it.
type Snapshot struct {
	RunID    string
	Started  time.Time
	Elapsed  time.Duration
	Total    int
	Queued   int
	Workers  []worker.Status
	Finished bool
	// Reason is set once force-finish was raised.
	Reason string

	// Completed holds detections in completion order. They are no longer
	// mutated by workers.
	Completed []*models.Detection
}

// Passed counts completed detections whose tests all passed.
func (s Snapshot) Passed() int {
	n := 0
	for _, d := range s.Completed {
		if d.Summary != nil && d.Summary.Success {
			n++
		}
	}
	return n
}

// Failed counts completed detections with at least one failing test.
func (s Snapshot) Failed() int {
	return len(s.Completed) - s.Passed()
}

// Running is the number of detections being tested now.
func (s Snapshot) Running() int {
	n := 0
	for _, w := range s.Workers {
		if w.Detection != "" {
			n++
		}
	}
	return n
}

// Percent is the completed share of the run in [0, 100].
func (s Snapshot) Percent() float64 {
	if s.Total == 0 {
		return 100
	}
	return float64(len(s.Completed)) * 100 / float64(s.Total)
}

// ETA extrapolates the remaining time from the average time per completed
// detection. It is zero until something completed.
func (s Snapshot) ETA() time.Duration {
	done := len(s.Completed)
	if done == 0 || done >= s.Total {
		return 0
	}
	per := s.Elapsed / time.Duration(done)
	return per * time.Duration(s.Total-done)
}
