package view

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/telhawk-systems/dettest/internal/output"
	"github.com/telhawk-systems/dettest/internal/pool"
)

// Progress prints one line per completed detection followed by a progress
// line. It suits logs and terminals shared with the pause prompt.
type Progress struct {
	w io.Writer

	mu      sync.Mutex
	printed int
}

// NewProgress writes to w.
func NewProgress(w io.Writer) *Progress {
	return &Progress{w: w}
}

func (p *Progress) Update(_ context.Context, s pool.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(s.Completed) == p.printed {
		return nil
	}
	return p.flush(s)
}

func (p *Progress) Close(_ context.Context, s pool.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.flush(s); err != nil {
		return err
	}
	if s.Reason != "" {
		_, err := fmt.Fprintf(p.w, "finished early: %s\n", s.Reason)
		return err
	}
	return nil
}

func (p *Progress) flush(s pool.Snapshot) error {
	for _, d := range s.Completed[p.printed:] {
		o := NewOutcome(d)
		word := output.Pass("PASS")
		if !o.Success {
			word = output.Fail("FAIL")
		}
		if _, err := fmt.Fprintf(p.w, "%s %s (%d/%d tests)\n", word, o.Name, o.TestsPassed, o.Tests); err != nil {
			return err
		}
	}
	p.printed = len(s.Completed)
	line := fmt.Sprintf("[%d/%d] %.1f%% passed=%d failed=%d running=%d elapsed=%s",
		len(s.Completed), s.Total, s.Percent(), s.Passed(), s.Failed(), s.Running(), s.Elapsed.Round(time.Second))
	if eta := s.ETA(); eta > 0 {
		line += " eta=" + eta.Round(time.Second).String()
	}
	_, err := fmt.Fprintln(p.w, line)
	return err
}
