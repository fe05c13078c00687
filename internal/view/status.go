// Package view renders the progress of a run: an interactive terminal
// view, plain progress lines, an HTTP dashboard, a JSON status file, a
// Redis hash and a NATS result stream. Every view implements pool.View.
package view

import (
	"time"

	"github.com/telhawk-systems/dettest/internal/models"
	"github.com/telhawk-systems/dettest/internal/pool"
)

// recentLimit bounds the completed detections listed in a status document.
const recentLimit = 10

// Status is the JSON form of a snapshot shared by the dashboard, the status
// file and the Redis view.
type Status struct {
	RunID     string         `json:"run_id"`
	Started   time.Time      `json:"started"`
	Elapsed   float64        `json:"elapsed_seconds"`
	ETA       float64        `json:"eta_seconds"`
	Total     int            `json:"total"`
	Queued    int            `json:"queued"`
	Running   int            `json:"running"`
	Completed int            `json:"completed"`
	Passed    int            `json:"passed"`
	Failed    int            `json:"failed"`
	Percent   float64        `json:"percent"`
	Finished  bool           `json:"finished"`
	Reason    string         `json:"finish_reason,omitempty"`
	Workers   []WorkerStatus `json:"workers"`
	Recent    []Outcome      `json:"recent"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// WorkerStatus is one instance worker.
type WorkerStatus struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	WebURL    string `json:"web_url,omitempty"`
	Detection string `json:"detection,omitempty"`
	Completed int    `json:"completed"`
	Error     string `json:"error,omitempty"`
}

// Outcome is one completed detection.
type Outcome struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Success     bool   `json:"success"`
	Tests       int    `json:"tests"`
	TestsPassed int    `json:"tests_passed"`
}

// NewStatus converts s. Recent lists the latest completions first.
func NewStatus(s pool.Snapshot) Status {
	st := Status{
		RunID:     s.RunID,
		Started:   s.Started,
		Elapsed:   s.Elapsed.Seconds(),
		ETA:       s.ETA().Seconds(),
		Total:     s.Total,
		Queued:    s.Queued,
		Running:   s.Running(),
		Completed: len(s.Completed),
		Passed:    s.Passed(),
		Failed:    s.Failed(),
		Percent:   s.Percent(),
		Finished:  s.Finished,
		Reason:    s.Reason,
		Workers:   make([]WorkerStatus, 0, len(s.Workers)),
		Recent:    []Outcome{},
		UpdatedAt: time.Now().UTC(),
	}
	for _, w := range s.Workers {
		ws := WorkerStatus{
			Name:      w.Name,
			State:     w.State.String(),
			Detection: w.Detection,
			Completed: w.Completed,
		}
		if w.Instance.Address != "" {
			ws.WebURL = w.Instance.WebURL()
		}
		if w.Err != nil {
			ws.Error = w.Err.Error()
		}
		st.Workers = append(st.Workers, ws)
	}
	for i := len(s.Completed) - 1; i >= 0 && len(st.Recent) < recentLimit; i-- {
		st.Recent = append(st.Recent, NewOutcome(s.Completed[i]))
	}
	return st
}

// NewOutcome summarizes a completed detection.
func NewOutcome(d *models.Detection) Outcome {
	sum := d.Summary
	if sum == nil {
		cp := *d
		sum = cp.Summarize()
	}
	return Outcome{
		ID:          d.ID.String(),
		Name:        d.Name,
		Success:     sum.Success,
		Tests:       sum.Tests,
		TestsPassed: sum.TestsPassed,
	}
}
