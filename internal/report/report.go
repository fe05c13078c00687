// Package report turns the detections of a finished run into the persisted
// JSON report and the human readable YAML summary.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/dettest/internal/models"
)

// UntestedMessage is recorded on every test of an untested detection.
const UntestedMessage = "detection was not tested"

// Background describes the environment of a run.
type Background struct {
	RunID      string    `json:"run_id" yaml:"run_id"`
	RepoURL    string    `json:"repo_url,omitempty" yaml:"repo_url,omitempty"`
	MainBranch string    `json:"main_branch,omitempty" yaml:"main_branch,omitempty"`
	TestBranch string    `json:"test_branch,omitempty" yaml:"test_branch,omitempty"`
	CommitHash string    `json:"commit_hash,omitempty" yaml:"commit_hash,omitempty"`
	PRNumber   int       `json:"pr_number,omitempty" yaml:"pr_number,omitempty"`
	Image      string    `json:"full_image_path,omitempty" yaml:"full_image_path,omitempty"`
	Mode       string    `json:"mode" yaml:"mode"`
	Instances  int       `json:"num_containers" yaml:"num_containers"`
	Started    time.Time `json:"started" yaml:"started"`
	// Reason is set when the run was cut short.
	Reason string   `json:"finish_reason,omitempty" yaml:"finish_reason,omitempty"`
	Errors []string `json:"infrastructure_errors,omitempty" yaml:"infrastructure_errors,omitempty"`
}

// Summary aggregates a run.
type Summary struct {
	Detections     int     `json:"detections" yaml:"detections"`
	DetectionsPass int     `json:"detections_pass" yaml:"detections_pass"`
	DetectionsFail int     `json:"detections_fail" yaml:"detections_fail"`
	Untested       int     `json:"untested" yaml:"untested"`
	Tests          int     `json:"tests" yaml:"tests"`
	TestsPass      int     `json:"tests_pass" yaml:"tests_pass"`
	TestsFail      int     `json:"tests_fail" yaml:"tests_fail"`
	TotalTime      float64 `json:"total_time" yaml:"total_time"`
	Success        bool    `json:"success" yaml:"success"`
}

// Detection is one entry of the report.
type Detection struct {
	Name    string `json:"name" yaml:"name"`
	ID      string `json:"id" yaml:"id"`
	Search  string `json:"search" yaml:"-"`
	Path    string `json:"path" yaml:"path"`
	Success bool   `json:"success" yaml:"success"`
	Tested  bool   `json:"tested" yaml:"tested"`
	Tests   []Test `json:"tests" yaml:"tests"`
}

// Test is one test result of the report.
type Test struct {
	Name               string   `json:"name" yaml:"name"`
	AttackData         []string `json:"attack_data" yaml:"-"`
	Success            bool     `json:"success" yaml:"success"`
	Logic              bool     `json:"logic" yaml:"logic"`
	Noise              bool     `json:"noise" yaml:"noise"`
	Exception          bool     `json:"exception" yaml:"exception"`
	ResultCount        int      `json:"resultCount" yaml:"result_count"`
	RunDuration        float64  `json:"runDuration" yaml:"run_duration"`
	MissingObservables []string `json:"missing_observables" yaml:"missing_observables,omitempty"`
	SID                string   `json:"sid,omitempty" yaml:"sid,omitempty"`
	Attempts           int      `json:"attempts" yaml:"-"`
	Message            string   `json:"message,omitempty" yaml:"message,omitempty"`
}

// Report is the persisted outcome of a run.
type Report struct {
	Background Background  `json:"background" yaml:"background"`
	Summary    Summary     `json:"summary" yaml:"summary"`
	Detections []Detection `json:"detections" yaml:"detections"`
}

// Build assembles the report. Untested detections count as failures. The
// run succeeds when every detection was tested, every test passed and
// there were no infrastructure errors.
func Build(completed, untested []*models.Detection, elapsed time.Duration, bg Background) *Report {
	r := &Report{
		Background: bg,
		Detections: make([]Detection, 0, len(completed)+len(untested)),
	}
	for _, d := range completed {
		r.add(d, true)
	}
	for _, d := range untested {
		r.add(d, false)
	}
	r.Summary.TotalTime = elapsed.Seconds()
	r.Summary.Untested = len(untested)
	r.Summary.Success = r.Summary.DetectionsFail == 0 && len(bg.Errors) == 0
	return r
}

func (r *Report) add(d *models.Detection, tested bool) {
	entry := Detection{
		Name:   d.Name,
		ID:     d.ID.String(),
		Search: d.Search,
		Path:   d.FilePath,
		Tested: tested,
		Tests:  make([]Test, 0, len(d.Tests)),
	}

	entry.Success = tested && len(d.Tests) > 0
	for _, t := range d.Tests {
		rt := Test{
			Name:               t.Name,
			AttackData:         make([]string, 0, len(t.AttackData)),
			MissingObservables: []string{},
		}
		for _, ad := range t.AttackData {
			rt.AttackData = append(rt.AttackData, ad.Data)
		}

		switch res := t.Result; {
		case !tested:
			rt.Message = UntestedMessage
		case res == nil:
			rt.Message = "test produced no result"
		default:
			rt.Success = res.Success
			rt.Logic = res.Logic
			rt.Noise = res.Noise
			rt.Exception = res.Exception
			rt.ResultCount = res.ResultCount
			rt.RunDuration = res.RunDuration
			rt.SID = res.SID
			rt.Attempts = res.Attempts
			rt.Message = res.Message
			if res.MissingObservables != nil {
				rt.MissingObservables = res.MissingObservables
			}
		}

		r.Summary.Tests++
		if rt.Success {
			r.Summary.TestsPass++
		} else {
			r.Summary.TestsFail++
			entry.Success = false
		}
		entry.Tests = append(entry.Tests, rt)
	}

	r.Summary.Detections++
	if entry.Success {
		r.Summary.DetectionsPass++
	} else {
		r.Summary.DetectionsFail++
	}
	r.Detections = append(r.Detections, entry)
}

// Failures returns the entries that did not pass.
func (r *Report) Failures() []Detection {
	var out []Detection
	for _, d := range r.Detections {
		if !d.Success {
			out = append(out, d)
		}
	}
	return out
}

// WriteJSON writes the full report to path, creating parent directories.
func (r *Report) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return writeFile(path, data)
}

type summaryFile struct {
	Background Background  `yaml:"background"`
	Summary    Summary     `yaml:"summary"`
	Failures   []Detection `yaml:"failures,omitempty"`
}

// WriteSummaryYAML writes the summary and the failing detections to path.
func (r *Report) WriteSummaryYAML(path string) error {
	data, err := yaml.Marshal(summaryFile{
		Background: r.Background,
		Summary:    r.Summary,
		Failures:   r.Failures(),
	})
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	return writeFile(path, data)
}

// Load reads a JSON report.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report %s: %w", path, err)
	}
	return &r, nil
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
