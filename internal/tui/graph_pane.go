package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/goalrunner/internal/events"
)

// GraphPaneModel shows the task graph's status counts and a progress bar.
type GraphPaneModel struct {
	progress events.GraphProgressEvent
	width    int
	height   int
	focused  bool
}

func NewGraphPaneModel() GraphPaneModel {
	return GraphPaneModel{}
}

func (m GraphPaneModel) Update(msg tea.Msg) (GraphPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)
	case events.GraphProgressEvent:
		m.progress = msg
	}
	return m, nil
}

// Progress returns the last progress received.
func (m GraphPaneModel) Progress() events.GraphProgressEvent { return m.progress }

func (m GraphPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}
	p := m.progress

	var b strings.Builder
	b.WriteString(heading("Graph", 0))
	rows := []struct {
		label  string
		status string
		n      int
	}{
		{"completed", "completed", p.Completed},
		{"running", "running", p.Running},
		{"failed", "failed", p.Failed},
		{"waiting", "pending", p.Pending + p.Ready},
		{"cancelled", "cancelled", p.Cancelled},
	}
	for _, r := range rows {
		fmt.Fprintf(&b, "%-10s %s\n", r.label, statusStyle(r.status).Render(fmt.Sprint(r.n)))
	}
	fmt.Fprintf(&b, "%-10s %d\n\n", "total", p.Total)

	if p.Total > 0 {
		fmt.Fprintf(&b, "[%s]  %d%%\n", renderBar(p, min(m.width-12, 40)), p.Percentage)
	}
	return frame(b.String(), m.width, m.height, m.focused)
}

// barSegment is a run of one status in the progress bar.
type barSegment struct {
	status string
	glyph  string
	width  int
}

// progressSegments splits width cells between statuses in proportion to the
// task counts. Whatever rounding leaves over is shown as waiting.
func progressSegments(p events.GraphProgressEvent, width int) []barSegment {
	if p.Total <= 0 || width <= 0 {
		return nil
	}
	cells := func(n int) int { return n * width / p.Total }
	segs := []barSegment{
		{"completed", "=", cells(p.Completed)},
		{"failed", "!", cells(p.Failed + p.Cancelled)},
		{"running", "-", cells(p.Running)},
	}
	used := 0
	for _, s := range segs {
		used += s.width
	}
	return append(segs, barSegment{"pending", ".", max(0, width-used)})
}

func renderBar(p events.GraphProgressEvent, width int) string {
	var b strings.Builder
	for _, s := range progressSegments(p, width) {
		if s.width > 0 {
			b.WriteString(statusStyle(s.status).Render(strings.Repeat(s.glyph, s.width)))
		}
	}
	return b.String()
}

func (m *GraphPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

func (m *GraphPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
