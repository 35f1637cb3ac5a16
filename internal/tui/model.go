// Package tui renders a live view of one run: dispatched tasks with their
// backend logs, the run's lifecycle status and graph progress.
package tui

import (
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/goalrunner/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneRun
	PaneGraph
	paneCount
)

// CancelFunc asks the controller to cancel the run being watched.
type CancelFunc func() error

// cancelResultMsg carries the outcome of a cancel request.
type cancelResultMsg struct{ err error }

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	agentPane   AgentPaneModel
	runPane     RunPaneModel
	graphPane   GraphPaneModel
	help        help.Model
	focusedPane PaneID
	eventSub    <-chan events.Event
	runID       string
	cancel      CancelFunc
	notice      string
	width       int
	height      int
	quitting    bool
	finished    bool
}

// New creates a TUI model watching a single run. It subscribes to all events
// on the bus and ignores those of other runs. cancel may be nil.
func New(eventBus *events.EventBus, runID, goal string, cancel CancelFunc) Model {
	return Model{
		agentPane:   NewAgentPaneModel(),
		runPane:     NewRunPaneModel(runID, goal),
		graphPane:   NewGraphPaneModel(),
		help:        help.New(),
		focusedPane: PaneTasks,
		eventSub:    eventBus.SubscribeAll(256),
		runID:       runID,
		cancel:      cancel,
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Finished reports whether the watched run reached a terminal status.
func (m Model) Finished() bool { return m.finished }

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	if ev, ok := msg.(events.Event); ok {
		cmds = append(cmds, waitForEvent(m.eventSub))
		if ev.RunID() != m.runID {
			return m, tea.Batch(cmds...)
		}
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit

		case key.Matches(msg, keys.Cancel):
			if m.cancel != nil && !m.finished {
				m.notice = "cancelling: in-flight tasks finish first"
				cancel := m.cancel
				cmds = append(cmds, func() tea.Msg { return cancelResultMsg{err: cancel()} })
			}

		case key.Matches(msg, keys.NextPane):
			m.focus((m.focusedPane + 1) % paneCount)

		case key.Matches(msg, keys.PrevPane):
			m.focus((m.focusedPane + paneCount - 1) % paneCount)

		case key.Matches(msg, keys.Jump):
			m.focus(PaneID(msg.Runes[0] - '1'))

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.agentPane, cmd = m.agentPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case cancelResultMsg:
		if msg.err != nil {
			m.notice = "cancel failed: " + msg.err.Error()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case events.TaskStartedEvent, events.LogEvent, events.TaskCompletedEvent, events.TaskFailedEvent, events.TaskCancelledEvent, tickMsg:
		var cmd tea.Cmd
		m.agentPane, cmd = m.agentPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.GraphProgressEvent:
		var cmd tea.Cmd
		m.graphPane, cmd = m.graphPane.Update(msg)
		cmds = append(cmds, cmd)

	case events.RunStatusEvent:
		m.runPane.Apply(msg)
		switch msg.To {
		case "pending", "running":
			m.finished = false
		default:
			m.finished = true
			m.notice = "run " + msg.To + ": press q to exit"
		}
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	rightPane := lipgloss.JoinVertical(lipgloss.Left, m.runPane.View(), m.graphPane.View())
	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, m.agentPane.View(), rightPane)

	footer := m.help.View(keys)
	if m.notice != "" {
		footer = statusStyle("running").Render(m.notice) + "  " + footer
	}

	return lipgloss.JoinVertical(lipgloss.Left, mainContent, footer)
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 60) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar
	rightTopHeight := (availableHeight * 45) / 100
	rightBottomHeight := availableHeight - rightTopHeight

	m.agentPane.SetSize(leftWidth, availableHeight)
	m.runPane.SetSize(rightWidth, rightTopHeight)
	m.graphPane.SetSize(rightWidth, rightBottomHeight)
	m.help.Width = m.width

	m.focus(m.focusedPane)
}

// focus moves focus to pane and updates every pane's focus state.
func (m *Model) focus(pane PaneID) {
	m.focusedPane = pane
	m.agentPane.SetFocused(pane == PaneTasks)
	m.runPane.SetFocused(pane == PaneRun)
	m.graphPane.SetFocused(pane == PaneGraph)
}
