// Package models holds the records that flow through a test run: detections,
// their tests and attack data, test results and instance descriptions.
package models

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefaultAttackDataHost is the host tag applied to replayed attack data when
// the test does not name one.
const DefaultAttackDataHost = "ATTACK_DATA_HOST"

// DefaultAttackDataIndex is the index replayed attack data lands in by default.
const DefaultAttackDataIndex = "main"

// DefaultPassCondition is appended to a detection search when neither the
// test nor the detection declares one.
const DefaultPassCondition = "| stats count | where count > 0"

// DetectionStatus is the lifecycle status of an authored rule.
type DetectionStatus string

const (
	StatusProduction   DetectionStatus = "production"
	StatusExperimental DetectionStatus = "experimental"
	StatusDeprecated   DetectionStatus = "deprecated"
)

// Detection is an authored rule plus the tests that exercise it.
type Detection struct {
	ID            uuid.UUID       `yaml:"id" json:"id" validate:"required"`
	Name          string          `yaml:"name" json:"name" validate:"required"`
	Version       int             `yaml:"version" json:"version" validate:"gte=1"`
	Type          string          `yaml:"type" json:"type"`
	Status        DetectionStatus `yaml:"status" json:"status" validate:"omitempty,oneof=production experimental deprecated"`
	Search        string          `yaml:"search" json:"search" validate:"required"`
	PassCondition string          `yaml:"pass_condition,omitempty" json:"pass_condition,omitempty"`
	Observables   []Observable    `yaml:"observables,omitempty" json:"observables,omitempty" validate:"dive"`
	Suppression   *Suppression    `yaml:"alert_suppression,omitempty" json:"alert_suppression,omitempty"`
	Tests         []*Test         `yaml:"tests" json:"tests" validate:"required,min=1,dive"`

	// FilePath is where the loader found the record.
	FilePath string `yaml:"-" json:"path"`

	// Summary is populated once every test has a result.
	Summary *DetectionSummary `yaml:"-" json:"summary,omitempty"`
}

// Observable is a field the detection promises to populate on every alert.
type Observable struct {
	Name string   `yaml:"name" json:"name" validate:"required"`
	Type string   `yaml:"type,omitempty" json:"type,omitempty"`
	Role []string `yaml:"role,omitempty" json:"role,omitempty"`
}

// Suppression groups alerts by a set of fields for a window.
type Suppression struct {
	Fields []string `yaml:"fields" json:"fields" validate:"required,min=1"`
	Window string   `yaml:"suppression_window,omitempty" json:"suppression_window,omitempty"`
}

// DetectionSummary aggregates the results of all tests of a detection.
type DetectionSummary struct {
	Success     bool `json:"success"`
	Tests       int  `json:"tests"`
	TestsPassed int  `json:"tests_pass"`
	TestsFailed int  `json:"tests_fail"`
}

// IsStreaming reports whether the rule is a streaming (non-search-time) rule.
// Streaming rules are exempt from the name length limit.
func (d *Detection) IsStreaming() bool {
	return strings.EqualFold(d.Type, "streaming") || strings.EqualFold(d.Type, "correlation")
}

// RequiredObservables returns the field names every matching event must carry.
func (d *Detection) RequiredObservables() []string {
	fields := make([]string, 0, len(d.Observables))
	seen := make(map[string]struct{}, len(d.Observables))
	for _, o := range d.Observables {
		if _, ok := seen[o.Name]; ok {
			continue
		}
		seen[o.Name] = struct{}{}
		fields = append(fields, o.Name)
	}
	return fields
}

// Summarize fills Summary from the current test results. A detection with any
// test lacking a result is not successful.
func (d *Detection) Summarize() *DetectionSummary {
	s := &DetectionSummary{Tests: len(d.Tests), Success: len(d.Tests) > 0}
	for _, t := range d.Tests {
		if t.Result != nil && t.Result.Success {
			s.TestsPassed++
			continue
		}
		s.TestsFailed++
		s.Success = false
	}
	d.Summary = s
	return s
}

// ResetResults clears every test result and the summary.
func (d *Detection) ResetResults() {
	for _, t := range d.Tests {
		t.Result = nil
	}
	d.Summary = nil
}

func (d *Detection) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.ID)
}

// Test pairs attack data with a pass condition for one detection.
type Test struct {
	Name          string       `yaml:"name" json:"name" validate:"required"`
	EarliestTime  string       `yaml:"earliest_time,omitempty" json:"earliest_time,omitempty"`
	LatestTime    string       `yaml:"latest_time,omitempty" json:"latest_time,omitempty"`
	PassCondition string       `yaml:"pass_condition,omitempty" json:"pass_condition,omitempty"`
	AttackData    []AttackData `yaml:"attack_data" json:"attack_data" validate:"dive"`
	Baselines     []Baseline   `yaml:"baselines,omitempty" json:"baselines,omitempty" validate:"dive"`
	Manual        bool         `yaml:"manual_test,omitempty" json:"manual_test,omitempty"`

	Result *TestResult `yaml:"-" json:"result,omitempty"`
}

// AttackData is one sample file replayed into the instance before a test.
type AttackData struct {
	Source          string `yaml:"source" json:"source" validate:"required"`
	Sourcetype      string `yaml:"sourcetype" json:"sourcetype" validate:"required"`
	Host            string `yaml:"host,omitempty" json:"host,omitempty"`
	Index           string `yaml:"index,omitempty" json:"index,omitempty"`
	Data            string `yaml:"data" json:"data" validate:"required"`
	UpdateTimestamp bool   `yaml:"update_timestamp,omitempty" json:"update_timestamp,omitempty"`
}

// WithDefaults returns a copy with host and index defaulted.
func (a AttackData) WithDefaults() AttackData {
	if a.Host == "" {
		a.Host = DefaultAttackDataHost
	}
	if a.Index == "" {
		a.Index = DefaultAttackDataIndex
	}
	return a
}

// Baseline is a pre-search that must succeed before the detection search runs.
type Baseline struct {
	Name          string `yaml:"name" json:"name" validate:"required"`
	Search        string `yaml:"search" json:"search" validate:"required"`
	PassCondition string `yaml:"pass_condition,omitempty" json:"pass_condition,omitempty"`
	EarliestTime  string `yaml:"earliest_time,omitempty" json:"earliest_time,omitempty"`
	LatestTime    string `yaml:"latest_time,omitempty" json:"latest_time,omitempty"`
}

// ComposeSearch joins a search body and a pass condition into a submittable
// search, prefixing the "search" command unless the body starts with a pipe.
func ComposeSearch(body, passCondition string) string {
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "|") && !strings.HasPrefix(body, "search ") {
		body = "search " + body
	}
	passCondition = strings.TrimSpace(passCondition)
	if passCondition == "" {
		return body
	}
	return body + " " + passCondition
}
