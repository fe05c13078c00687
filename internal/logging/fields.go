// Package logging provides the structured logger used across dettest and a
// fixed vocabulary of field names.
package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging.
const (
	FieldInstance   = "instance"
	FieldDetection  = "detection_id"
	FieldName       = "detection"
	FieldTest       = "test"
	FieldSID        = "sid"
	FieldIndex      = "index"
	FieldHost       = "host"
	FieldState      = "state"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
	FieldAttempt    = "attempt"
	FieldQuery      = "search"
	FieldResultRows = "result_count"
)

// Instance returns a slog attribute for the analytics instance name.
func Instance(name string) slog.Attr {
	return slog.String(FieldInstance, name)
}

// Detection returns a slog attribute for a detection id.
func Detection(id string) slog.Attr {
	return slog.String(FieldDetection, id)
}

// Name returns a slog attribute for a detection name.
func Name(name string) slog.Attr {
	return slog.String(FieldName, name)
}

// Test returns a slog attribute for a test name.
func Test(name string) slog.Attr {
	return slog.String(FieldTest, name)
}

// SID returns a slog attribute for a search job id.
func SID(sid string) slog.Attr {
	return slog.String(FieldSID, sid)
}

// Index returns a slog attribute for an index name.
func Index(index string) slog.Attr {
	return slog.String(FieldIndex, index)
}

// Host returns a slog attribute for an event host tag.
func Host(host string) slog.Attr {
	return slog.String(FieldHost, host)
}

// State returns a slog attribute for an instance state.
func State(s string) slog.Attr {
	return slog.String(FieldState, s)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}

// Attempt returns a slog attribute for a retry attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Query returns a slog attribute for a search string.
func Query(q string) slog.Attr {
	return slog.String(FieldQuery, q)
}

// ResultCount returns a slog attribute for a search result count.
func ResultCount(n int) slog.Attr {
	return slog.Int(FieldResultRows, n)
}
