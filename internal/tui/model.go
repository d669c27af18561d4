// Package tui renders a live, read-only view of a migration run.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	bprogress "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/johndauphine/legacy-migrate/internal/checkpoint"
	"github.com/johndauphine/legacy-migrate/internal/progress"
)

// Options configures the watch model.
type Options struct {
	Title string
	// Poll fetches a frame on every tick. Nil means frames are pushed with
	// FrameMsg (see Feed).
	Poll     func() (Frame, error)
	Interval time.Duration
	// Pause and Cancel back the p and c keys; nil disables the key.
	Pause  func() error
	Cancel func() error
	// ExitOnDone quits once a terminal frame arrives.
	ExitOnDone bool
}

// FrameMsg delivers a new frame to the model.
type FrameMsg Frame

type tickMsg time.Time

type pollErrMsg struct{ err error }

type controlMsg struct {
	action string
	err    error
}

// Model is the bubbletea model of the watch view.
type Model struct {
	opts     Options
	frame    Frame
	haveData bool
	ready    bool
	width    int
	height   int
	viewport viewport.Model
	bar      bprogress.Model
	notice   string
	err      error
}

// New creates a watch model.
func New(opts Options) Model {
	if opts.Title == "" {
		opts.Title = "legacy-migrate"
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	return Model{
		opts: opts,
		bar:  bprogress.New(bprogress.WithDefaultGradient(), bprogress.WithoutPercentage()),
	}
}

// Frame returns the frame currently shown.
func (m Model) Frame() Frame {
	return m.frame
}

// Init starts polling when the model pulls its own frames.
func (m Model) Init() tea.Cmd {
	if m.opts.Poll == nil {
		return nil
	}
	return tea.Batch(m.poll(), m.tick())
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.opts.Interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) poll() tea.Cmd {
	poll := m.opts.Poll
	return func() tea.Msg {
		f, err := poll()
		if err != nil {
			return pollErrMsg{err}
		}
		return FrameMsg(f)
	}
}

func control(action string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return controlMsg{action: action, err: fn()}
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		vpWidth, vpHeight := msg.Width-4, msg.Height-7
		if vpHeight < 3 {
			vpHeight = 3
		}
		if !m.ready {
			m.viewport = viewport.New(vpWidth, vpHeight)
			m.ready = true
		} else {
			m.viewport.Width = vpWidth
			m.viewport.Height = vpHeight
		}
		m.bar.Width = max(10, msg.Width-40)
		m.viewport.SetContent(m.body())
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "p":
			if m.opts.Pause != nil {
				m.notice = "requesting pause..."
				return m, control("pause", m.opts.Pause)
			}
		case "c":
			if m.opts.Cancel != nil {
				m.notice = "requesting cancel..."
				return m, control("cancel", m.opts.Cancel)
			}
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case FrameMsg:
		m.frame = Frame(msg)
		m.haveData = true
		m.err = nil
		if m.ready {
			m.viewport.SetContent(m.body())
		}
		if m.opts.ExitOnDone && m.frame.Terminal() {
			return m, tea.Quit
		}
		return m, nil

	case pollErrMsg:
		m.err = msg.err
		return m, nil

	case tickMsg:
		if m.opts.Poll == nil {
			return m, nil
		}
		return m, tea.Batch(m.poll(), m.tick())

	case controlMsg:
		if msg.err != nil {
			m.notice = ""
			m.err = fmt.Errorf("%s: %w", msg.action, msg.err)
		} else {
			m.notice = msg.action + " requested; takes effect at the next batch boundary"
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the model
func (m Model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	var sb strings.Builder
	sb.WriteString(m.header())
	sb.WriteString("\n")
	sb.WriteString(m.overall())
	sb.WriteString("\n")
	sb.WriteString(styleViewport.Render(m.viewport.View()))
	sb.WriteString("\n")
	sb.WriteString(m.footer())
	return sb.String()
}

func (m Model) header() string {
	title := styleTitle.Render(m.opts.Title)
	if !m.haveData {
		return lipgloss.JoinHorizontal(lipgloss.Top, title, " ", styleStatusText.Render("waiting for data"))
	}
	parts := []string{title, " ", statusBadge(m.frame.Status)}
	if m.frame.RunID != "" {
		parts = append(parts, " ", styleStatusText.Render("run "+m.frame.RunID))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (m Model) overall() string {
	f := m.frame
	line := fmt.Sprintf(" %5.1f%%  %d/%d", f.Percent, f.Processed, f.Total)
	if f.Rate > 0 {
		line += fmt.Sprintf("  %.0f rec/s", f.Rate)
	}
	if f.ETA != nil {
		line += "  ETA " + f.ETA.Format("15:04:05")
	}
	return m.bar.ViewAs(min(f.Percent, 100)/100) + line
}

func (m Model) footer() string {
	keys := []string{"q quit", "up/down scroll"}
	if m.opts.Pause != nil {
		keys = append(keys, "p pause")
	}
	if m.opts.Cancel != nil {
		keys = append(keys, "c cancel")
	}
	out := styleMuted.Render(strings.Join(keys, "  "))
	switch {
	case m.err != nil:
		out += "  " + styleError.Render(m.err.Error())
	case m.notice != "":
		out += "  " + styleWarning.Render(m.notice)
	}
	return out
}

// body is the scrollable part: the entity table and the active alerts.
func (m Model) body() string {
	if !m.haveData {
		return styleMuted.Render("No progress yet")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%-24s %-11s %8s %17s %10s %s\n", "Entity", "Status", "Progress", "Records", "Rate", "ETA")
	for _, r := range m.frame.Rows {
		pct := ""
		if r.Total > 0 {
			pct = fmt.Sprintf("%.1f%%", float64(r.Processed)/float64(r.Total)*100)
		} else if r.Status == checkpoint.EntityCompleted {
			pct = "100.0%"
		}
		rate := ""
		if r.Rate > 0 {
			rate = fmt.Sprintf("%.0f/s", r.Rate)
		}
		eta := ""
		if r.ETA != nil {
			eta = r.ETA.Format("15:04:05")
		}
		name := r.Entity
		if len(name) > 24 {
			name = name[:21] + "..."
		}
		fmt.Fprintf(&sb, "%-24s %s %8s %17s %10s %s\n",
			name, statusStyle(r.Status).Render(fmt.Sprintf("%-11s", r.Status)), pct,
			fmt.Sprintf("%d/%d", r.Processed, r.Total), rate, eta)
		if r.Error != "" {
			sb.WriteString("  " + styleError.Render(r.Error) + "\n")
		}
	}

	if m.frame.Err != "" {
		sb.WriteString("\n" + styleError.Render("Error: "+m.frame.Err) + "\n")
	}
	if len(m.frame.Alerts) > 0 {
		sb.WriteString("\n" + styleTitle.Render(fmt.Sprintf("Alerts (%d)", len(m.frame.Alerts))) + "\n")
		for _, a := range m.frame.Alerts {
			style := styleWarning
			if a.Severity == progress.SeverityError {
				style = styleError
			}
			fmt.Fprintf(&sb, "%s %s %s\n", a.RaisedAt.Format("15:04:05"), style.Render(string(a.Severity)), a.Message)
		}
	}
	return sb.String()
}

func statusBadge(status string) string {
	switch status {
	case checkpoint.RunCompleted:
		return styleStatusOK.Render(status)
	case checkpoint.RunFailed, checkpoint.RunHalted, checkpoint.RunCancelled, string(progress.StatusError):
		return styleStatusBad.Render(status)
	}
	return styleStatusRun.Render(status)
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case checkpoint.EntityCompleted:
		return styleSuccess
	case checkpoint.EntityFailed, string(progress.StatusError):
		return styleError
	case string(progress.StatusPaused):
		return styleWarning
	}
	return lipgloss.NewStyle()
}

// Sender receives frames; *tea.Program satisfies it.
type Sender interface {
	Send(msg tea.Msg)
}

// Feed pushes tracker state to s until ctx is done. Events mark the view
// dirty and at most one frame is sent per interval, plus a final frame on
// exit.
func Feed(ctx context.Context, s Sender, t *progress.Tracker, interval time.Duration) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	events, unsubscribe := t.Subscribe(0)
	defer unsubscribe()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	send := func() {
		s.Send(FrameMsg(FrameFromSession(t.SessionStatus(), t.GetActiveAlerts())))
	}

	dirty := true
	for {
		select {
		case <-ctx.Done():
			send()
			return
		case _, ok := <-events:
			if !ok {
				send()
				return
			}
			dirty = true
		case <-ticker.C:
			if dirty {
				send()
				dirty = false
			}
		}
	}
}
