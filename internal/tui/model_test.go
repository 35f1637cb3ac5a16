package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/aristath/goalrunner/internal/events"
)

func newTestModel(t *testing.T, cancel CancelFunc) Model {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	m := New(bus, "run-1", "Add caching", cancel)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return updated.(Model)
}

func send(m Model, msgs ...tea.Msg) Model {
	for _, msg := range msgs {
		updated, _ := m.Update(msg)
		m = updated.(Model)
	}
	return m
}

func TestModel_TracksTasks(t *testing.T) {
	m := newTestModel(t, nil)
	now := time.Now()

	m = send(m,
		events.TaskStartedEvent{Run: "run-1", ID: "build", Name: "Build", WorkerID: "w1", Family: "claude", Timestamp: now},
		events.LogEvent{Run: "run-1", Task: "build", Kind: events.LogToolUse, ToolName: "Bash", ToolInput: "go build ./...\nmore"},
		events.LogEvent{Run: "run-1", Task: "build", Kind: events.LogAssistant, Content: "built it"},
		events.TaskCompletedEvent{Run: "run-1", ID: "build", Duration: 2 * time.Second},
		events.TaskCancelledEvent{Run: "run-1", ID: "deploy", Reason: `dependency "build" failed`},
		events.TaskStartedEvent{Run: "other", ID: "foreign"},
	)

	build, ok := m.agentPane.Task("build")
	if !ok {
		t.Fatal("build task not tracked")
	}
	if build.Status != "completed" || build.WorkerID != "w1" || build.Duration != 2*time.Second {
		t.Errorf("unexpected build state %+v", build)
	}
	joined := strings.Join(build.Output, "\n")
	for _, want := range []string{"dispatched to w1 (claude)", "→ Bash go build ./... …", "built it", "Completed in 2s"} {
		if !strings.Contains(joined, want) {
			t.Errorf("output missing %q:\n%s", want, joined)
		}
	}

	if deploy, ok := m.agentPane.Task("deploy"); !ok || deploy.Status != "cancelled" {
		t.Errorf("cancelled task should be listed, got %+v", deploy)
	}
	if _, ok := m.agentPane.Task("foreign"); ok {
		t.Error("events of other runs must be ignored")
	}
}

func TestModel_ProgressAndStatus(t *testing.T) {
	m := newTestModel(t, nil)

	m = send(m,
		events.RunStatusEvent{Run: "run-1", From: "pending", To: "running"},
		events.GraphProgressEvent{Run: "run-1", Total: 4, Completed: 2, Running: 1, Pending: 1, Percentage: 50},
	)
	if m.Finished() || m.runPane.Status() != "running" {
		t.Errorf("expected running, got %s", m.runPane.Status())
	}
	if m.graphPane.Progress().Percentage != 50 {
		t.Errorf("progress not applied: %+v", m.graphPane.Progress())
	}
	if !strings.Contains(m.View(), "50%") {
		t.Error("view should show the percentage")
	}

	m = send(m, events.RunStatusEvent{Run: "run-1", From: "running", To: "failed", Error: "task build failed: boom"})
	if !m.Finished() {
		t.Error("terminal status should finish the model")
	}
	if !strings.Contains(m.View(), "run failed") {
		t.Error("view should announce the outcome")
	}
}

func TestModel_CancelKey(t *testing.T) {
	calls := 0
	m := newTestModel(t, func() error {
		calls++
		return errors.New("lock busy")
	})

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	m = updated.(Model)
	if cmd == nil {
		t.Fatal("cancel key should return a command")
	}
	result := cmd()
	batch, ok := result.(tea.BatchMsg)
	if ok {
		for _, c := range batch {
			if c != nil {
				if r, isCancel := c().(cancelResultMsg); isCancel {
					result = r
				}
			}
		}
	}
	if calls != 1 {
		t.Fatalf("cancel called %d times, want 1", calls)
	}
	m = send(m, result)
	if !strings.Contains(m.notice, "cancel failed: lock busy") {
		t.Errorf("unexpected notice %q", m.notice)
	}
}

func TestFormatLog(t *testing.T) {
	tests := []struct {
		ev   events.LogEvent
		want string
	}{
		{events.LogEvent{Kind: events.LogSystem, Subtype: "init", Content: "s1"}, "[system] init s1"},
		{events.LogEvent{Kind: events.LogAssistant, Content: "thinking"}, "thinking"},
		{events.LogEvent{Kind: events.LogToolUse, ToolName: "shell", ToolInput: "ls"}, "→ shell ls"},
		{events.LogEvent{Kind: events.LogToolResult, ToolUseID: "t1", Content: "ok"}, "← t1 ok"},
		{events.LogEvent{Kind: events.LogResult, Content: "done"}, "done"},
	}
	for _, tt := range tests {
		if got := FormatLog(tt.ev); !strings.Contains(got, tt.want) {
			t.Errorf("FormatLog(%s) = %q, want it to contain %q", tt.ev.Kind, got, tt.want)
		}
	}

	long := strings.Repeat("a", 200)
	if got := FormatLog(events.LogEvent{Kind: events.LogToolUse, ToolName: "x", ToolInput: long}); len(got) > 100 {
		t.Errorf("tool input should be truncated, got %d bytes", len(got))
	}
}

func TestModel_FocusKeys(t *testing.T) {
	m := newTestModel(t, nil)
	if m.focusedPane != PaneTasks {
		t.Fatalf("initial focus = %d", m.focusedPane)
	}

	m = send(m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focusedPane != PaneRun {
		t.Errorf("tab: focus = %d, want %d", m.focusedPane, PaneRun)
	}
	m = send(m, tea.KeyMsg{Type: tea.KeyShiftTab}, tea.KeyMsg{Type: tea.KeyShiftTab})
	if m.focusedPane != PaneGraph {
		t.Errorf("shift+tab twice: focus = %d, want %d", m.focusedPane, PaneGraph)
	}
	m = send(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("2")})
	if m.focusedPane != PaneRun || !m.runPane.focused || m.graphPane.focused {
		t.Errorf("jump to 2: focus = %d", m.focusedPane)
	}
}

func TestProgressSegments(t *testing.T) {
	tests := []struct {
		name  string
		p     events.GraphProgressEvent
		width int
		want  []int // completed, failed, running, pending
	}{
		{"empty graph", events.GraphProgressEvent{}, 40, nil},
		{"half done", events.GraphProgressEvent{Total: 4, Completed: 2, Pending: 2}, 40, []int{20, 0, 0, 20}},
		{"failed and cancelled share a segment", events.GraphProgressEvent{Total: 4, Failed: 1, Cancelled: 1, Running: 1, Pending: 1}, 40, []int{0, 20, 10, 10}},
		{"rounding goes to pending", events.GraphProgressEvent{Total: 3, Completed: 1, Running: 1, Pending: 1}, 10, []int{3, 0, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segs := progressSegments(tt.p, tt.width)
			if len(segs) != len(tt.want) {
				t.Fatalf("got %d segments, want %d", len(segs), len(tt.want))
			}
			total := 0
			for i, s := range segs {
				if s.width != tt.want[i] {
					t.Errorf("segment %s width = %d, want %d", s.status, s.width, tt.want[i])
				}
				total += s.width
			}
			if segs != nil && total != tt.width {
				t.Errorf("segments cover %d cells, want %d", total, tt.width)
			}
		})
	}
}
