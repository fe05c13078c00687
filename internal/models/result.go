package models

import (
	"sort"
	"time"
)

// TestResult is the outcome of one test against one instance.
type TestResult struct {
	// Success is true when the pass condition matched and every required
	// observable was present.
	Success bool `json:"success"`
	// Logic is true when the pass condition matched.
	Logic bool `json:"logic"`
	// Noise is true when a passing search returned more rows than the
	// configured noise threshold.
	Noise bool `json:"noise"`
	// Exception distinguishes "could not run" from "ran and failed".
	Exception bool `json:"exception"`

	ResultCount        int      `json:"resultCount"`
	RunDuration        float64  `json:"runDuration"`
	MissingObservables []string `json:"missing_observables"`
	SID                string   `json:"sid,omitempty"`
	Search             string   `json:"search,omitempty"`
	Message            string   `json:"message,omitempty"`
	FailedBaseline     string   `json:"failed_baseline,omitempty"`
	Attempts           int      `json:"attempts"`

	// Elapsed is the wall clock time spent on the test, ingestion included.
	Elapsed time.Duration `json:"-"`
}

// NewExceptionResult builds a result for a test that could not run.
func NewExceptionResult(msg string) *TestResult {
	return &TestResult{Exception: true, Message: msg, MissingObservables: []string{}}
}

// SetMissingObservables stores a sorted copy of fields.
func (r *TestResult) SetMissingObservables(fields []string) {
	out := append([]string{}, fields...)
	sort.Strings(out)
	r.MissingObservables = out
}
