package view

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/telhawk-systems/dettest/internal/pool"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	passStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Bold(true)
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB454"))
	barFull      = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))
	barEmpty     = lipgloss.NewStyle().Foreground(lipgloss.Color("#3C3C3C"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	sectionStyle = lipgloss.NewStyle().MarginTop(1)
)

const defaultBarWidth = 40

type snapshotMsg pool.Snapshot

type finalMsg pool.Snapshot

// model is the bubbletea model of the terminal view.
type model struct {
	snap     pool.Snapshot
	width    int
	final    bool
	received bool
}

func (m *model) Init() tea.Cmd { return nil }

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case snapshotMsg:
		m.snap = pool.Snapshot(msg)
		m.received = true
	case finalMsg:
		m.snap = pool.Snapshot(msg)
		m.received = true
		m.final = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *model) View() string {
	if !m.received {
		return mutedStyle.Render("starting instances...") + "\n"
	}
	s := m.snap
	var b strings.Builder

	title := "dettest"
	if s.RunID != "" {
		title += "  " + mutedStyle.Render("run "+s.RunID)
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n\n")

	b.WriteString(m.bar(s.Percent()))
	fmt.Fprintf(&b, " %5.1f%%  %d/%d\n", s.Percent(), len(s.Completed), s.Total)
	fmt.Fprintf(&b, "%s %d  %s %d  queued %d  running %d  elapsed %s",
		passStyle.Render("passed"), s.Passed(),
		failStyle.Render("failed"), s.Failed(),
		s.Queued, s.Running(), s.Elapsed.Round(time.Second))
	if eta := s.ETA(); eta > 0 {
		fmt.Fprintf(&b, "  eta %s", eta.Round(time.Second))
	}
	b.WriteString("\n")
	if s.Reason != "" {
		b.WriteString(warnStyle.Render("finishing: "+s.Reason) + "\n")
	}

	if len(s.Workers) > 0 {
		var w strings.Builder
		w.WriteString(headerStyle.Render("Instances") + "\n")
		for _, st := range s.Workers {
			line := fmt.Sprintf("%-16s %-9s %3d", st.Name, st.State, st.Completed)
			if st.Detection != "" {
				line += "  " + st.Detection
			}
			if st.Err != nil {
				line += "  " + st.Err.Error()
			}
			line = m.clip(line, m.width)
			if st.Err != nil {
				line = failStyle.Render(line)
			}
			w.WriteString(line + "\n")
		}
		b.WriteString(sectionStyle.Render(w.String()))
		b.WriteString("\n")
	}

	recent := NewStatus(s).Recent
	if len(recent) > 0 {
		var r strings.Builder
		r.WriteString(headerStyle.Render("Recent") + "\n")
		for _, o := range recent {
			mark := passStyle.Render("✓")
			if !o.Success {
				mark = failStyle.Render("✗")
			}
			r.WriteString(mark + " " + m.clip(fmt.Sprintf("%s (%d/%d)", o.Name, o.TestsPassed, o.Tests), m.width-2) + "\n")
		}
		b.WriteString(sectionStyle.Render(r.String()))
		b.WriteString("\n")
	}

	if m.final {
		b.WriteString("\n")
	}
	return b.String()
}

func (m *model) bar(percent float64) string {
	width := defaultBarWidth
	if m.width > 0 && m.width-20 < width {
		width = max(m.width-20, 10)
	}
	full := int(percent / 100 * float64(width))
	full = min(max(full, 0), width)
	return barFull.Render(strings.Repeat("█", full)) + barEmpty.Render(strings.Repeat("░", width-full))
}

// clip shortens s to width cells. A width of zero or less disables it.
func (m *model) clip(s string, width int) string {
	if m.width <= 0 || width <= 1 || lipgloss.Width(s) <= width {
		return s
	}
	r := []rune(s)
	if len(r) > width-1 {
		r = r[:width-1]
	}
	return string(r) + "…"
}

// Terminal renders the run with bubbletea. It reads no input so it can
// share the terminal with the pause prompt, and it leaves signal handling
// to the pool.
type Terminal struct {
	program *tea.Program
	done    chan struct{}
	err     error
}

// NewTerminal starts rendering to out.
func NewTerminal(out io.Writer) *Terminal {
	t := &Terminal{done: make(chan struct{})}
	t.program = tea.NewProgram(&model{},
		tea.WithOutput(out),
		tea.WithInput(nil),
		tea.WithoutSignalHandler(),
	)
	go func() {
		defer close(t.done)
		_, t.err = t.program.Run()
	}()
	return t
}

func (t *Terminal) Update(_ context.Context, s pool.Snapshot) error {
	t.program.Send(snapshotMsg(s))
	return nil
}

// Close renders s and waits for the program to exit.
func (t *Terminal) Close(ctx context.Context, s pool.Snapshot) error {
	t.program.Send(finalMsg(s))
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		t.program.Kill()
		<-t.done
		return ctx.Err()
	}
}
