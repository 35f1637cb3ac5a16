package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aristath/goalrunner/internal/backend"
	"github.com/aristath/goalrunner/internal/events"
	"github.com/aristath/goalrunner/internal/worker"
)

func TestRecorder_ObserveTask(t *testing.T) {
	reg := prom.NewRegistry()
	rec, err := NewRecorder(reg, Options{})
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}

	rec.ObserveTask(backend.FamilyClaude, backend.ReportDone, 3*time.Second)
	rec.ObserveTask(backend.FamilyClaude, backend.ReportDone, 5*time.Second)
	rec.ObserveTask(backend.FamilyCodex, backend.ReportFailed, time.Second)
	rec.ObserveTask("", "", time.Second)

	if got := testutil.ToFloat64(rec.taskOutcomesTotal.WithLabelValues("claude", "done")); got != 2 {
		t.Errorf("claude done = %v, want 2", got)
	}
	if got := testutil.ToFloat64(rec.taskOutcomesTotal.WithLabelValues("codex", "failed")); got != 1 {
		t.Errorf("codex failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(rec.taskOutcomesTotal.WithLabelValues("unknown", "unknown")); got != 1 {
		t.Errorf("empty labels should fall back to unknown, got %v", got)
	}
	if got := testutil.CollectAndCount(rec.taskDurationSeconds); got != 3 {
		t.Errorf("duration series = %d, want 3", got)
	}
}

func TestRecorder_AlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := NewRecorder(reg, Options{})
	if err != nil {
		t.Fatalf("first NewRecorder failed: %v", err)
	}
	second, err := NewRecorder(reg, Options{})
	if err != nil {
		t.Fatalf("second NewRecorder failed: %v", err)
	}

	first.RecordRunFinished("completed")
	second.RecordRunFinished("completed")

	if got := testutil.ToFloat64(first.runsFinishedTotal.WithLabelValues("completed")); got != 2 {
		t.Errorf("shared run counter = %v, want 2", got)
	}
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var rec *Recorder
	rec.ObserveTask(backend.FamilyClaude, backend.ReportDone, time.Second)
	rec.RecordRunFinished("failed")
}

func TestRecorder_Watch(t *testing.T) {
	rec, err := NewRecorder(prom.NewRegistry(), Options{})
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}

	ch := make(chan events.Event, 4)
	ch <- events.RunStatusEvent{Run: "r1", From: "pending", To: "running"}
	ch <- events.RunStatusEvent{Run: "r1", From: "running", To: "failed"}
	ch <- events.TaskStartedEvent{Run: "r1", ID: "a"}
	ch <- events.RunStatusEvent{Run: "r2", From: "running", To: "interrupted"}
	close(ch)

	rec.Watch(context.Background(), ch)

	if got := testutil.ToFloat64(rec.runsFinishedTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(rec.runsFinishedTotal.WithLabelValues("interrupted")); got != 1 {
		t.Errorf("interrupted runs = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(rec.runsFinishedTotal); got != 2 {
		t.Errorf("running transitions must not be counted, got %d series", got)
	}
}

type staticPool worker.PoolStatus

func (p staticPool) Status() worker.PoolStatus { return worker.PoolStatus(p) }

func TestRegisterPool(t *testing.T) {
	reg := prom.NewRegistry()
	pool := staticPool{Total: 3, Idle: 1, Running: 1, Error: 1, Completed: 7, Failed: 2}
	if err := RegisterPool(reg, pool, Options{}); err != nil {
		t.Fatalf("RegisterPool failed: %v", err)
	}

	expected := `
# HELP goalrunner_pool_tasks_completed Tasks completed by pool workers.
# TYPE goalrunner_pool_tasks_completed gauge
goalrunner_pool_tasks_completed 7
# HELP goalrunner_pool_tasks_failed Tasks failed by pool workers.
# TYPE goalrunner_pool_tasks_failed gauge
goalrunner_pool_tasks_failed 2
# HELP goalrunner_pool_workers Workers in the pool by state.
# TYPE goalrunner_pool_workers gauge
goalrunner_pool_workers{state="error"} 1
goalrunner_pool_workers{state="idle"} 1
goalrunner_pool_workers{state="running"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected)); err != nil {
		t.Error(err)
	}

	if err := RegisterPool(reg, pool, Options{}); err == nil {
		t.Error("expected duplicate pool registration to fail")
	}
}
