package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/aristath/goalrunner/internal/backend"
	"github.com/aristath/goalrunner/internal/events"
	"github.com/aristath/goalrunner/internal/scheduler"
)

var testRC = RunContext{RunID: "run-1", Goal: "Ship the feature", RepoPath: "/repo"}

func TestInstance_InitializeAndRecover(t *testing.T) {
	adapter := newFakeAdapter(backend.FamilyClaude)
	adapter.available.Store(false)
	w := NewInstance("w1", adapter)

	if w.Status() != StatusStarting {
		t.Fatalf("Expected starting, got %s", w.Status())
	}

	err := w.Initialize(context.Background())
	if !backend.IsUnavailable(err) {
		t.Fatalf("Expected AdapterUnavailableError, got %v", err)
	}
	if w.Status() != StatusError {
		t.Fatalf("Expected error status, got %s", w.Status())
	}

	adapter.available.Store(true)
	if err := w.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if w.Status() != StatusIdle {
		t.Fatalf("Expected idle after recover, got %s", w.Status())
	}
	if err := w.Recover(context.Background()); err == nil {
		t.Error("Recover on an idle worker should fail")
	}

	w.Shutdown()
	if err := w.Recover(context.Background()); !errors.Is(err, ErrWorkerShutdown) {
		t.Errorf("Expected ErrWorkerShutdown, got %v", err)
	}
}

func TestInstance_ExecuteTaskSuccess(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	logs := bus.Subscribe(events.TopicLog, 64)

	adapter := newFakeAdapter(backend.FamilyClaude,
		backend.ClaudeMessage{Type: "system", Subtype: "init", SessionID: "s1"},
		backend.ClaudeMessage{Type: "assistant", Message: &backend.ClaudeContent{Content: []backend.ClaudeBlock{
			{Type: "text", Text: "on it"},
			{Type: "tool_use", ID: "tu1", Name: "Bash", Input: json.RawMessage(`{"command":"ls"}`)},
		}}},
		backend.Malformed{Family: backend.FamilyClaude, Line: "garbage"},
		backend.ClaudeMessage{Type: "user", Message: &backend.ClaudeContent{Content: []backend.ClaudeBlock{
			{Type: "tool_result", ToolUseID: "tu1", Content: json.RawMessage(`"main.go"`)},
		}}},
		backend.ClaudeMessage{Type: "rate_limit"},
		backend.ClaudeMessage{Type: "result", Subtype: "success", Result: "added handler"},
	)
	w := newIdleWorker("w1", adapter, WithEventBus(bus))

	task := &scheduler.Task{ID: "build", Name: "Build", Priority: 3, AcceptanceCriteria: []string{"compiles"}}
	res, err := w.ExecuteTask(context.Background(), task, testRC)
	if err != nil {
		t.Fatalf("ExecuteTask rejected: %v", err)
	}
	if !res.Report.Succeeded() || res.Report.Summary != "added handler" || res.Err != nil {
		t.Fatalf("Unexpected result: %+v", res)
	}

	snap := w.Snapshot()
	if snap.Status != StatusIdle || snap.CompletedTasks != 1 || snap.FailedTasks != 0 || snap.LastError != "" || snap.CurrentTaskID != "" {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}

	order := adapter.lastOrder()
	if order.RunID != "run-1" || order.TaskID != "build" || order.Kind != backend.TaskKindImplement || order.Metadata.Priority != 3 {
		t.Errorf("Unexpected order: %+v", order)
	}
	if order.ID != res.OrderID || !strings.Contains(order.Objective, "Ship the feature") {
		t.Errorf("Order objective/ID mismatch: %+v", order)
	}

	var kinds []string
	for len(logs) > 0 {
		ev := (<-logs).(events.LogEvent)
		if ev.Run != "run-1" || ev.Task != "build" || ev.WorkerID != "w1" {
			t.Errorf("log entry missing identity: %+v", ev)
		}
		kinds = append(kinds, string(ev.Kind))
	}
	want := "system,assistant,tool_use,tool_result,result"
	if strings.Join(kinds, ",") != want {
		t.Errorf("Expected log kinds %s, got %s", want, strings.Join(kinds, ","))
	}
}

func TestInstance_ExecuteTaskRejected(t *testing.T) {
	adapter := newFakeAdapter(backend.FamilyCodex)
	w := NewInstance("w1", adapter)

	if _, err := w.ExecuteTask(context.Background(), &scheduler.Task{ID: "a"}, testRC); !errors.Is(err, ErrWorkerNotIdle) {
		t.Errorf("Expected ErrWorkerNotIdle for a starting worker, got %v", err)
	}

	w.Initialize(context.Background())
	w.Shutdown()
	if _, err := w.ExecuteTask(context.Background(), &scheduler.Task{ID: "a"}, testRC); !errors.Is(err, ErrWorkerShutdown) {
		t.Errorf("Expected ErrWorkerShutdown, got %v", err)
	}
	if len(adapter.orders) != 0 {
		t.Error("rejected tasks must not reach the adapter")
	}
}

func TestInstance_ExecuteTaskRejectsWhileRunning(t *testing.T) {
	adapter := newFakeAdapter(backend.FamilyClaude, claudeSuccess("ok")...)
	adapter.release = make(chan struct{})
	w := newIdleWorker("w1", adapter)

	done := make(chan Result)
	go func() {
		res, _ := w.ExecuteTask(context.Background(), &scheduler.Task{ID: "first"}, testRC)
		done <- res
	}()

	deadline := time.Now().Add(2 * time.Second)
	for w.Status() != StatusRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if snap := w.Snapshot(); snap.CurrentTaskID != "first" {
		t.Fatalf("Expected current task 'first', got %+v", snap)
	}

	if _, err := w.ExecuteTask(context.Background(), &scheduler.Task{ID: "second"}, testRC); !errors.Is(err, ErrWorkerNotIdle) {
		t.Errorf("Expected ErrWorkerNotIdle while running, got %v", err)
	}

	close(adapter.release)
	if res := <-done; !res.Report.Succeeded() {
		t.Errorf("first task should succeed: %+v", res.Report)
	}
}

func TestInstance_FailureOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(a *fakeAdapter)
		wantStatus backend.ReportStatus
		wantKind   string
		wantWorker Status
	}{
		{
			name:       "backend reports failure",
			setup:      func(a *fakeAdapter) { a.events = claudeFailure("tests red") },
			wantStatus: backend.ReportFailed,
			wantWorker: StatusIdle,
		},
		{
			name:       "process error",
			setup:      func(a *fakeAdapter) { a.err = errors.New("command failed: exit status 1") },
			wantStatus: backend.ReportFailed,
			wantKind:   "execution",
			wantWorker: StatusIdle,
		},
		{
			name:       "panic",
			setup:      func(a *fakeAdapter) { a.panicMsg = "nil map" },
			wantStatus: backend.ReportFailed,
			wantKind:   "panic",
			wantWorker: StatusIdle,
		},
		{
			name:       "no terminal event",
			setup:      func(a *fakeAdapter) { a.events = []backend.Event{backend.ClaudeMessage{Type: "system"}} },
			wantStatus: backend.ReportFailed,
			wantKind:   "protocol",
			wantWorker: StatusIdle,
		},
		{
			name:       "timeout",
			setup:      func(a *fakeAdapter) { a.err = fmt.Errorf("command interrupted: %w", context.DeadlineExceeded) },
			wantStatus: backend.ReportTimeout,
			wantKind:   "timeout",
			wantWorker: StatusIdle,
		},
		{
			name:       "executable missing",
			setup:      func(a *fakeAdapter) { a.err = fmt.Errorf("failed to start command: %w", exec.ErrNotFound) },
			wantStatus: backend.ReportFailed,
			wantKind:   "unavailable",
			wantWorker: StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newFakeAdapter(backend.FamilyClaude)
			tt.setup(adapter)
			w := newIdleWorker("w1", adapter)

			res, err := w.ExecuteTask(context.Background(), &scheduler.Task{ID: "t1"}, testRC)
			if err != nil {
				t.Fatalf("failures must not be returned as errors: %v", err)
			}
			if res.Report.Status != tt.wantStatus {
				t.Errorf("Expected report status %s, got %s", tt.wantStatus, res.Report.Status)
			}
			if tt.wantKind != "" && (res.Report.Error == nil || res.Report.Error.Kind != tt.wantKind) {
				t.Errorf("Expected error kind %q, got %+v", tt.wantKind, res.Report.Error)
			}

			var tee *TaskExecutionError
			if !errors.As(res.Err, &tee) || tee.TaskID != "t1" || tee.WorkerID != "w1" {
				t.Errorf("Expected TaskExecutionError, got %v", res.Err)
			}

			snap := w.Snapshot()
			if snap.Status != tt.wantWorker {
				t.Errorf("Expected worker status %s, got %s", tt.wantWorker, snap.Status)
			}
			if snap.FailedTasks != 1 || snap.CompletedTasks != 0 || snap.LastError == "" {
				t.Errorf("Unexpected stats: %+v", snap)
			}
		})
	}
}

func TestInstance_RollingAverageCountsSuccessesOnly(t *testing.T) {
	clock := newFakeClock()
	durations := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 5 * time.Second, 300 * time.Millisecond}
	outcomes := [][]backend.Event{claudeSuccess("a"), claudeSuccess("b"), claudeFailure("slow fail"), claudeSuccess("c")}

	adapter := newFakeAdapter(backend.FamilyClaude)
	call := 0
	adapter.onExecute = func() {
		clock.Advance(durations[call])
		adapter.events = outcomes[call]
		call++
	}
	w := newIdleWorker("w1", adapter, WithClock(clock.Now))

	wantAvg := []time.Duration{100 * time.Millisecond, 150 * time.Millisecond, 150 * time.Millisecond, 200 * time.Millisecond}
	for i := range durations {
		res, err := w.ExecuteTask(context.Background(), &scheduler.Task{ID: fmt.Sprintf("t%d", i)}, testRC)
		if err != nil {
			t.Fatalf("ExecuteTask failed: %v", err)
		}
		if res.Duration != durations[i] {
			t.Errorf("task %d: expected duration %v, got %v", i, durations[i], res.Duration)
		}
		if got := w.Snapshot().AvgDuration; got != wantAvg[i] {
			t.Errorf("after task %d: expected average %v, got %v", i, wantAvg[i], got)
		}
	}

	snap := w.Snapshot()
	if snap.CompletedTasks != 3 || snap.FailedTasks != 1 || snap.LastError != "slow fail" {
		t.Errorf("Unexpected stats: %+v", snap)
	}
}

func TestInstance_BreakerOpenMovesWorkerToError(t *testing.T) {
	registry := NewBreakerRegistry(BreakerSettings{ConsecutiveFailures: 2, OpenTimeout: time.Hour}, nil)
	adapter := newFakeAdapter(backend.FamilyCodex)
	adapter.err = errors.New("command failed: signal: killed")
	w := newIdleWorker("w1", adapter, WithBreaker(registry.Get(backend.FamilyCodex)))

	for i := 0; i < 2; i++ {
		w.ExecuteTask(context.Background(), &scheduler.Task{ID: fmt.Sprintf("t%d", i)}, testRC)
		if w.Status() != StatusIdle {
			t.Fatalf("ordinary failures keep the worker idle, got %s", w.Status())
		}
	}

	res, _ := w.ExecuteTask(context.Background(), &scheduler.Task{ID: "t2"}, testRC)
	if res.Report.Error == nil || res.Report.Error.Kind != "unavailable" {
		t.Fatalf("Expected unavailable report once the breaker opened, got %+v", res.Report)
	}
	if w.Status() != StatusError {
		t.Errorf("Expected error status, got %s", w.Status())
	}
	if len(adapter.orders) != 2 {
		t.Errorf("open breaker must short-circuit the adapter, got %d calls", len(adapter.orders))
	}
}

type recordingObserver struct {
	statuses []backend.ReportStatus
}

func (o *recordingObserver) ObserveTask(_ backend.Family, status backend.ReportStatus, _ time.Duration) {
	o.statuses = append(o.statuses, status)
}

func TestInstance_Observer(t *testing.T) {
	obs := &recordingObserver{}
	adapter := newFakeAdapter(backend.FamilyClaude, claudeSuccess("ok")...)
	w := newIdleWorker("w1", adapter, WithObserver(obs))

	w.ExecuteTask(context.Background(), &scheduler.Task{ID: "t"}, testRC)
	if len(obs.statuses) != 1 || obs.statuses[0] != backend.ReportDone {
		t.Errorf("Unexpected observations: %v", obs.statuses)
	}
}
