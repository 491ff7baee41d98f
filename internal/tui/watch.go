// Package tui renders batch progress: the interactive watch-batch viewer over
// a progress.jsonl, a plain line stream for non-terminals, and the tables the
// CLI prints at the end of a batch.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/fentz26/mlflow-exim/internal/audit"
	"github.com/fentz26/mlflow-exim/internal/errs"
	"github.com/fentz26/mlflow-exim/internal/manifest"
)

// pollInterval is how often the viewer looks for summary.json.
const pollInterval = 500 * time.Millisecond

type eventMsg struct{ event audit.Event }

type errMsg struct{ err error }

type tickMsg struct{}

type summaryMsg struct {
	summary  *audit.Summary
	manifest *audit.BatchManifest
}

// Model is the watch-batch viewer. It ends when the batch writes its
// summary or the user quits.
type Model struct {
	ctx  context.Context
	dir  string
	feed *Feed

	tracker  *Tracker
	manifest *audit.BatchManifest
	summary  *audit.Summary
	bar      progress.Model
	spin     spinner.Model
	width    int
	err      error
}

// NewModel follows the batch record in dir.
func NewModel(ctx context.Context, dir string) (*Model, error) {
	feed, err := Follow(filepath.Join(dir, manifest.ProgressFile))
	if err != nil {
		return nil, err
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = stateRunning
	return &Model{
		ctx:     ctx,
		dir:     dir,
		feed:    feed,
		tracker: NewTracker(),
		bar:     progress.New(progress.WithDefaultGradient()),
		spin:    sp,
		width:   80,
	}, nil
}

// Summary returns the batch summary once it was written.
func (m *Model) Summary() *audit.Summary {
	return m.summary
}

// Close stops following the progress log.
func (m *Model) Close() error {
	return m.feed.Close()
}

// Init implements tea.Model
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.next(), m.checkSummary())
}

func (m *Model) next() tea.Cmd {
	return func() tea.Msg {
		e, err := m.feed.Next(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		return eventMsg{e}
	}
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

// checkSummary reads manifest.json and summary.json when they exist.
func (m *Model) checkSummary() tea.Cmd {
	dir := m.dir
	return func() tea.Msg {
		var msg summaryMsg
		if bm, err := audit.ReadBatchManifest(filepath.Join(dir, manifest.BatchFile)); err == nil {
			msg.manifest = bm
		}
		if s, err := audit.ReadSummary(filepath.Join(dir, manifest.SummaryFile)); err == nil {
			msg.summary = s
		}
		return msg
	}
}

// Update implements tea.Model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = min(msg.Width-4, 80)

	case eventMsg:
		m.tracker.Apply(msg.event)
		return m, m.next()

	case errMsg:
		if errors.Is(msg.err, io.EOF) || errors.Is(msg.err, context.Canceled) {
			return m, nil
		}
		m.err = msg.err
		return m, nil

	case tickMsg:
		return m, m.checkSummary()

	case summaryMsg:
		if msg.manifest != nil {
			m.manifest = msg.manifest
		}
		// A summary from an earlier batch in the same directory does not end
		// the current one.
		if msg.summary != nil && (m.manifest == nil || msg.summary.BatchID == m.manifest.BatchID) {
			m.summary = msg.summary
			return m, tea.Quit
		}
		return m, m.tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model
func (m *Model) View() string {
	if m.summary != nil {
		return SummaryTable(m.summary)
	}
	var b strings.Builder

	header := titleStyle.Render("mlflow-exim")
	if m.manifest != nil {
		header += "  " + m.manifest.Command + "  " + helpStyle.Render(m.manifest.TrackingURI)
	}
	b.WriteString(header + "\n\n")

	t := m.tracker
	b.WriteString(m.bar.ViewAs(t.Percent()) + "\n")
	b.WriteString(fmt.Sprintf("%s roots %d/%d  %s %d  %s %d  %s %d  deps %d\n\n",
		m.spin.View(), t.Roots.Total, t.QueuedRoots(),
		formatState(audit.StateOK), t.Roots.OK,
		formatState(audit.StateSkipped), t.Roots.Skipped,
		formatState(audit.StateFailed), t.Roots.Failed,
		t.Dependencies.Total))

	var active []string
	for _, e := range t.Active() {
		active = append(active, fmt.Sprintf("%s %s", e.Kind, e.SourceID))
	}
	if len(active) > 0 {
		b.WriteString(panelStyle.Width(min(m.width-2, 100)).Render("running\n" + strings.Join(active, "\n")))
		b.WriteString("\n")
	}
	for _, e := range t.Recent() {
		line := fmt.Sprintf("%s %s %s", formatState(e.State), e.Kind, e.SourceID)
		if e.Reason != "" {
			line += " " + helpStyle.Render(e.Reason)
		}
		b.WriteString(line + "\n")
	}
	if m.err != nil {
		b.WriteString(stateFailed.Render("Error: "+m.err.Error()) + "\n")
	}
	b.WriteString("\n" + statusBarStyle.Width(m.width).Render(" q:quit"))
	return b.String()
}

// Watch runs the interactive viewer until the batch finishes or the user
// quits. The summary is nil when the viewer was left early.
func Watch(ctx context.Context, dir string) (*audit.Summary, error) {
	m, err := NewModel(ctx, dir)
	if err != nil {
		return nil, err
	}
	defer m.Close()
	if _, err := tea.NewProgram(m).Run(); err != nil {
		return nil, err
	}
	return m.Summary(), nil
}

// Stream prints one line per progress event to w until the batch writes its
// summary or ctx ends.
func Stream(ctx context.Context, dir string, w io.Writer) (*audit.Summary, error) {
	feed, err := Follow(filepath.Join(dir, manifest.ProgressFile))
	if err != nil {
		return nil, err
	}
	defer feed.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := make(chan audit.Event)
	go func() {
		defer close(events)
		for {
			e, err := feed.Next(ctx)
			if err != nil {
				return
			}
			select {
			case events <- e:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	var (
		batchID string
		done    *audit.Summary
		fresh   bool
	)
	for {
		select {
		case <-ctx.Done():
			return nil, errs.E(errs.KindCancelled, "watch batch", ctx.Err())
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			fresh = true
			batchID = e.BatchID
			fmt.Fprintln(w, formatLine(e))
		case <-ticker.C:
			// Keep draining until a full interval passes without events.
			if done != nil && !fresh {
				return done, nil
			}
			fresh = false
			if done == nil {
				s, err := audit.ReadSummary(filepath.Join(dir, manifest.SummaryFile))
				if err == nil && (batchID == "" || s.BatchID == batchID) {
					done = s
				}
			}
		}
	}
}

func formatLine(e audit.Event) string {
	line := fmt.Sprintf("%s %-8s %-10s %s", time.UnixMilli(e.Time).Format(time.TimeOnly), e.State, e.Kind, e.SourceID)
	if e.TargetID != "" {
		line += " -> " + e.TargetID
	}
	if e.Reason != "" {
		line += " (" + e.Reason + ")"
	}
	if e.Error != "" {
		line += ": " + oneLine(e.Error)
	}
	return line
}
