package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/goalrunner/internal/events"
)

// maxLogLines bounds the log kept per task.
const maxLogLines = 2000

// TaskState is the display state of a single task.
type TaskState struct {
	TaskID    string
	Name      string
	WorkerID  string
	Family    string
	Status    string // "running", "completed", "failed", "cancelled"
	Output    []string
	StartTime time.Time
	Duration  time.Duration
}

// AgentPaneModel shows dispatched tasks and the log of the selected one.
type AgentPaneModel struct {
	tasks       map[string]*TaskState // taskID -> state
	taskOrder   []string              // dispatch order for display
	selectedIdx int                   // which task is selected in list
	viewport    viewport.Model        // scrollable output viewport
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewAgentPaneModel creates a new agent pane model.
func NewAgentPaneModel() AgentPaneModel {
	vp := viewport.New(0, 0)
	return AgentPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: vp,
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the agent pane.
func (m AgentPaneModel) Update(msg tea.Msg) (AgentPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()

	case tea.KeyMsg:
		if !m.focused {
			break
		}

		switch {
		case key.Matches(msg, keys.Down):
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case key.Matches(msg, keys.Up):
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		task, exists := m.tasks[msg.ID]
		if !exists {
			task = &TaskState{TaskID: msg.ID}
			m.tasks[msg.ID] = task
			m.taskOrder = append(m.taskOrder, msg.ID)
		}
		// A restarted run dispatches the task again.
		task.Name = msg.Name
		task.WorkerID = msg.WorkerID
		task.Family = msg.Family
		task.Status = "running"
		task.StartTime = msg.Timestamp
		task.Output = append(task.Output, fmt.Sprintf("[dispatched to %s (%s)]", msg.WorkerID, msg.Family))
		if len(m.taskOrder) == 1 {
			m.selectedIdx = 0
		}
		if m.getSelectedTaskID() == msg.ID {
			m.updateViewportContent()
		}

	case events.LogEvent:
		task, exists := m.tasks[msg.Task]
		if !exists {
			break
		}
		task.Output = appendCapped(task.Output, FormatLog(msg))
		if m.getSelectedTaskID() == msg.Task {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.TaskCompletedEvent:
		m.finish(msg.ID, "completed", msg.Duration, fmt.Sprintf("[Completed in %v]", msg.Duration.Round(time.Millisecond)))

	case events.TaskFailedEvent:
		m.finish(msg.ID, "failed", msg.Duration, fmt.Sprintf("[Failed: %s]", msg.Error))

	case events.TaskCancelledEvent:
		task, exists := m.tasks[msg.ID]
		if !exists {
			task = &TaskState{TaskID: msg.ID, Name: msg.ID}
			m.tasks[msg.ID] = task
			m.taskOrder = append(m.taskOrder, msg.ID)
		}
		task.Status = "cancelled"
		task.Output = append(task.Output, fmt.Sprintf("[Cancelled: %s]", msg.Reason))
		if m.getSelectedTaskID() == msg.ID {
			m.updateViewportContent()
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func (m *AgentPaneModel) finish(taskID, status string, d time.Duration, line string) {
	task, exists := m.tasks[taskID]
	if !exists {
		return
	}
	task.Status = status
	task.Duration = d
	task.Output = append(task.Output, "", line)
	if m.getSelectedTaskID() == taskID {
		m.updateViewportContent()
	}
}

func appendCapped(lines []string, line string) []string {
	lines = append(lines, line)
	if len(lines) > maxLogLines {
		lines = lines[len(lines)-maxLogLines:]
	}
	return lines
}

// FormatLog renders a normalized log entry as a single display line.
func FormatLog(ev events.LogEvent) string {
	switch ev.Kind {
	case events.LogSystem:
		line := "[system] " + ev.Subtype
		if ev.Content != "" {
			line += " " + ev.Content
		}
		if ev.IsError {
			line = statusStyle("failed").Render(line)
		}
		return line
	case events.LogAssistant:
		return ev.Content
	case events.LogToolUse:
		return fmt.Sprintf("→ %s %s", ev.ToolName, firstLine(ev.ToolInput, 80))
	case events.LogToolResult:
		marker := "←"
		if ev.IsError {
			marker = statusStyle("failed").Render("✗")
		}
		name := ev.ToolName
		if name == "" {
			name = ev.ToolUseID
		}
		return fmt.Sprintf("%s %s %s", marker, name, firstLine(ev.Content, 80))
	case events.LogResult:
		if ev.IsError {
			return statusStyle("failed").Render("[result] " + ev.Content)
		}
		return statusStyle("completed").Render("[result] ") + ev.Content
	default:
		return ev.Content
	}
}

func firstLine(s string, limit int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " …"
	}
	if len(s) > limit {
		s = s[:limit] + "…"
	}
	return s
}

// View renders the agent pane.
func (m AgentPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 25
	viewportWidth := m.width - listWidth - 4 // borders and padding

	listContent := m.renderTaskList(listWidth)
	viewportContent := m.viewport.View()

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		listContent,
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(viewportContent),
	)

	return frame(content, m.width, m.height, m.focused)
}

// renderTaskList renders the task list column.
func (m AgentPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	b.WriteString(heading("Tasks", width))

	if len(m.taskOrder) == 0 {
		b.WriteString(statusStyle("pending").Render("Waiting..."))
	} else {
		for i, taskID := range m.taskOrder {
			task := m.tasks[taskID]
			icon := StatusIcon(task.Status)
			name := task.Name
			if name == "" {
				name = task.TaskID
			}
			if len(name) > width-6 {
				name = name[:width-9] + "..."
			}

			line := fmt.Sprintf("%s %s", icon, name)
			if i == m.selectedIdx {
				line = styleSelected.Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

var statusGlyphs = map[string]string{
	"running":   "●",
	"completed": "✓",
	"failed":    "✗",
	"cancelled": "⊘",
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	glyph, ok := statusGlyphs[status]
	if !ok {
		glyph = "○"
	}
	return statusStyle(status).Render(glyph)
}

// getSelectedTaskID returns the ID of the currently selected task.
func (m AgentPaneModel) getSelectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// Task returns the display state of a task.
func (m AgentPaneModel) Task(taskID string) (TaskState, bool) {
	task, ok := m.tasks[taskID]
	if !ok {
		return TaskState{}, false
	}
	return *task, true
}

// updateViewportContent shows the selected task's output.
func (m *AgentPaneModel) updateViewportContent() {
	task, exists := m.tasks[m.getSelectedTaskID()]
	if !exists {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	m.viewport.SetContent(strings.Join(task.Output, "\n"))
	m.viewport.GotoBottom()
}

// resizeViewport resizes the viewport based on pane dimensions.
func (m *AgentPaneModel) resizeViewport() {
	listWidth := 25
	viewportWidth := m.width - listWidth - 4
	viewportHeight := m.height - 4 // account for borders

	if viewportWidth < 10 {
		viewportWidth = 10
	}
	if viewportHeight < 5 {
		viewportHeight = 5
	}

	m.viewport.Width = viewportWidth
	m.viewport.Height = viewportHeight
}

// SetSize updates the pane dimensions.
func (m *AgentPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *AgentPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
