package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/telhawk-systems/dettest/internal/output"
)

// Behavior decides when a worker stops after a test for manual inspection.
type Behavior string

const (
	NeverPause     Behavior = "never_pause"
	PauseOnFailure Behavior = "pause_on_failure"
	AlwaysPause    Behavior = "always_pause"
)

// ParseBehavior accepts both dashed and underscored spellings.
func ParseBehavior(s string) (Behavior, error) {
	switch b := Behavior(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")); b {
	case NeverPause, PauseOnFailure, AlwaysPause:
		return b, nil
	case "":
		return NeverPause, nil
	}
	return "", fmt.Errorf("unknown post-test behavior %q (want always-pause, pause-on-failure or never-pause)", s)
}

func (b Behavior) shouldPause(success bool) bool {
	switch b {
	case AlwaysPause:
		return true
	case PauseOnFailure:
		return !success
	}
	return false
}

// PauseInfo is what an operator needs to reproduce a test by hand.
type PauseInfo struct {
	Instance  string
	Detection string
	Test      string
	Search    string
	SID       string
	URL       string
	Success   bool
	Message   string
}

// Pauser blocks a worker until the operator lets it continue.
type Pauser interface {
	Pause(ctx context.Context, info PauseInfo) error
}

// TerminalPauser prints reproduction details and waits for Enter. Prompts of
// concurrent workers are serialised.
type TerminalPauser struct {
	In  io.Reader
	Out io.Writer

	mu    sync.Mutex
	once  sync.Once
	lines chan error
}

// NewTerminalPauser reads from in and writes to out.
func NewTerminalPauser(in io.Reader, out io.Writer) *TerminalPauser {
	return &TerminalPauser{In: in, Out: out}
}

// Pause prints info and returns once a line is read or ctx is done.
func (p *TerminalPauser) Pause(ctx context.Context, info PauseInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.once.Do(p.startReader)

	status := output.Pass("PASS")
	if !info.Success {
		status = output.Fail("FAIL")
	}

	fmt.Fprintln(p.Out)
	fmt.Fprintf(p.Out, "%s %s / %s on %s\n", status, info.Detection, info.Test, info.Instance)
	fmt.Fprintf(p.Out, "  search: %s\n", info.Search)
	if info.SID != "" {
		fmt.Fprintf(p.Out, "  sid:    %s\n", info.SID)
	}
	if info.URL != "" {
		fmt.Fprintf(p.Out, "  url:    %s\n", output.Highlight(info.URL))
	}
	if info.Message != "" {
		fmt.Fprintf(p.Out, "  note:   %s\n", info.Message)
	}
	fmt.Fprint(p.Out, "Press Enter to continue... ")

	select {
	case err, ok := <-p.lines:
		if !ok || err == io.EOF {
			return nil
		}
		return err
	case <-ctx.Done():
		fmt.Fprintln(p.Out)
		return context.Cause(ctx)
	}
}

// startReader feeds one value per input line into p.lines. A line left over
// from an abandoned prompt releases the next prompt.
func (p *TerminalPauser) startReader() {
	p.lines = make(chan error)
	go func() {
		defer close(p.lines)
		r := bufio.NewReader(p.In)
		for {
			_, err := r.ReadString('\n')
			p.lines <- err
			if err != nil {
				return
			}
		}
	}()
}
