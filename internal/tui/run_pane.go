package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/goalrunner/internal/events"
)

// RunPaneModel shows the goal and lifecycle status of the run.
type RunPaneModel struct {
	runID   string
	goal    string
	status  string
	errMsg  string
	history []string
	width   int
	height  int
	focused bool
}

// NewRunPaneModel creates a run pane.
func NewRunPaneModel(runID, goal string) RunPaneModel {
	return RunPaneModel{runID: runID, goal: goal, status: "pending"}
}

// Apply records a run status transition.
func (m *RunPaneModel) Apply(ev events.RunStatusEvent) {
	m.status = ev.To
	m.errMsg = ev.Error
	m.history = append(m.history, fmt.Sprintf("%s  %s → %s", ev.Timestamp.Format("15:04:05"), ev.From, ev.To))
}

// Status returns the last known run status.
func (m RunPaneModel) Status() string { return m.status }

// View renders the run pane.
func (m RunPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString(heading("Run", 0))

	fmt.Fprintf(&b, "ID:     %s\n", m.runID)
	fmt.Fprintf(&b, "Status: %s\n", statusStyle(m.status).Render(m.status))
	if m.errMsg != "" {
		fmt.Fprintf(&b, "Error:  %s\n", statusStyle("failed").Render(m.errMsg))
	}
	b.WriteString("\nGoal:\n")
	b.WriteString(lipgloss.NewStyle().Width(max(10, m.width-6)).Render(m.goal))
	b.WriteString("\n")
	if len(m.history) > 0 {
		b.WriteString("\n")
		b.WriteString(styleHint.Render(strings.Join(m.history, "\n")))
	}

	return frame(b.String(), m.width, m.height, m.focused)
}

// SetSize updates the pane dimensions.
func (m *RunPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *RunPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
