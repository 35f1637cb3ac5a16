package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aristath/goalrunner/internal/backend"
	"github.com/aristath/goalrunner/internal/scheduler"
)

func newTestPool(t *testing.T, families ...backend.Family) (*Pool, []*fakeAdapter) {
	t.Helper()
	var workers []*Instance
	var adapters []*fakeAdapter
	for i, f := range families {
		a := newFakeAdapter(f, claudeSuccess("ok")...)
		adapters = append(adapters, a)
		workers = append(workers, newIdleWorker(fmt.Sprintf("w%d", i+1), a))
	}
	return NewPool(nil, workers...), adapters
}

func TestPool_AssignPreferences(t *testing.T) {
	pool, _ := newTestPool(t, backend.FamilyClaude, backend.FamilyCodex)

	ready := []*scheduler.Task{
		{ID: "codex-task", Preference: scheduler.Preference(backend.FamilyCodex)},
		{ID: "any-task", Preference: scheduler.PreferAny},
		{ID: "claude-task", Preference: scheduler.Preference(backend.FamilyClaude)},
	}
	got := pool.Assign(ready)

	want := map[string]string{"codex-task": "w2", "any-task": "w1"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for task, worker := range want {
		if got[task] != worker {
			t.Errorf("Expected %s on %s, got %q", task, worker, got[task])
		}
	}
}

func TestPool_AssignReservesUntilDispatchReturns(t *testing.T) {
	pool, _ := newTestPool(t, backend.FamilyClaude)

	first := pool.Assign([]*scheduler.Task{{ID: "a"}})
	if first["a"] != "w1" {
		t.Fatalf("Expected a on w1, got %v", first)
	}
	if again := pool.Assign([]*scheduler.Task{{ID: "b"}}); len(again) != 0 {
		t.Fatalf("Reserved worker must not be assigned twice, got %v", again)
	}

	res := pool.Dispatch(context.Background(), "w1", &scheduler.Task{ID: "a"}, testRC)
	if !res.Report.Succeeded() {
		t.Fatalf("Dispatch failed: %+v", res)
	}

	if after := pool.Assign([]*scheduler.Task{{ID: "b"}}); after["b"] != "w1" {
		t.Errorf("Worker should be assignable after dispatch, got %v", after)
	}
}

func TestPool_AssignSkipsUnavailableWorkers(t *testing.T) {
	a1 := newFakeAdapter(backend.FamilyClaude)
	a1.available.Store(false)
	errored := NewInstance("w1", a1)
	errored.Initialize(context.Background())

	starting := NewInstance("w2", newFakeAdapter(backend.FamilyClaude))
	idle := newIdleWorker("w3", newFakeAdapter(backend.FamilyClaude))

	pool := NewPool(nil, errored, starting, idle)
	got := pool.Assign([]*scheduler.Task{{ID: "a"}, {ID: "b"}})
	if len(got) != 1 || got["a"] != "w3" {
		t.Errorf("Expected only a on w3, got %v", got)
	}
}

func TestPool_ConcurrentAssignNeverSharesWorkers(t *testing.T) {
	pool, _ := newTestPool(t, backend.FamilyClaude, backend.FamilyClaude, backend.FamilyCodex)

	var mu sync.Mutex
	seen := make(map[string]string)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ready := []*scheduler.Task{{ID: fmt.Sprintf("g%d-a", g)}, {ID: fmt.Sprintf("g%d-b", g)}}
			for task, worker := range pool.Assign(ready) {
				mu.Lock()
				if prev, dup := seen[worker]; dup {
					t.Errorf("worker %s assigned to both %s and %s", worker, prev, task)
				}
				seen[worker] = task
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 3 {
		t.Errorf("Expected all 3 workers assigned once, got %v", seen)
	}
}

func TestPool_DispatchUnknownWorker(t *testing.T) {
	pool, _ := newTestPool(t, backend.FamilyClaude)

	res := pool.Dispatch(context.Background(), "ghost", &scheduler.Task{ID: "a"}, testRC)
	if res.Report.Succeeded() {
		t.Fatal("Dispatch to an unknown worker should fail")
	}
	if !errors.Is(res.Err, ErrWorkerNotFound) {
		t.Errorf("Expected ErrWorkerNotFound, got %v", res.Err)
	}
}

func TestPool_CanServe(t *testing.T) {
	a := newFakeAdapter(backend.FamilyCodex)
	a.available.Store(false)
	codex := NewInstance("w2", a)
	codex.Initialize(context.Background())

	pool := NewPool(nil, newIdleWorker("w1", newFakeAdapter(backend.FamilyClaude)), codex)

	if !pool.CanServe(scheduler.PreferAny) {
		t.Error("any preference should be servable")
	}
	if !pool.CanServe(scheduler.Preference(backend.FamilyClaude)) {
		t.Error("claude preference should be servable")
	}
	if pool.CanServe(scheduler.Preference(backend.FamilyCodex)) {
		t.Error("codex worker is in error, preference should not be servable")
	}
}

func TestPool_InitializeAndRecover(t *testing.T) {
	good := newFakeAdapter(backend.FamilyClaude)
	bad := newFakeAdapter(backend.FamilyCodex)
	bad.available.Store(false)

	pool := NewPool(nil, NewInstance("w1", good), NewInstance("w2", bad))
	available, err := pool.Initialize(context.Background())
	if available != 1 {
		t.Errorf("Expected 1 available worker, got %d", available)
	}
	if !backend.IsUnavailable(err) {
		t.Errorf("Expected joined unavailability error, got %v", err)
	}

	if n := pool.RecoverErrored(context.Background()); n != 0 {
		t.Errorf("Expected nothing recovered, got %d", n)
	}
	bad.available.Store(true)
	if n := pool.RecoverErrored(context.Background()); n != 1 {
		t.Errorf("Expected 1 recovered, got %d", n)
	}
	if s := pool.Status(); s.Idle != 2 || s.Error != 0 {
		t.Errorf("Unexpected status after recovery: %+v", s)
	}
}

func TestPool_StatusTotals(t *testing.T) {
	pool, adapters := newTestPool(t, backend.FamilyClaude, backend.FamilyClaude)
	adapters[1].events = claudeFailure("nope")

	pool.Dispatch(context.Background(), "w1", &scheduler.Task{ID: "a"}, testRC)
	pool.Dispatch(context.Background(), "w2", &scheduler.Task{ID: "b"}, testRC)
	pool.Dispatch(context.Background(), "w1", &scheduler.Task{ID: "c"}, testRC)

	s := pool.Status()
	if s.Total != 2 || s.Idle != 2 || s.Running != 0 || s.Completed != 2 || s.Failed != 1 {
		t.Errorf("Unexpected status: %+v", s)
	}
	if counts := pool.FamilyCounts(); counts[backend.FamilyClaude] != 2 {
		t.Errorf("Unexpected family counts: %v", counts)
	}
}

func TestPool_AddRemove(t *testing.T) {
	pool, _ := newTestPool(t, backend.FamilyClaude)

	if err := pool.Add(newIdleWorker("w1", newFakeAdapter(backend.FamilyCodex))); err == nil {
		t.Error("Expected duplicate ID to be rejected")
	}
	w2 := newIdleWorker("w2", newFakeAdapter(backend.FamilyCodex))
	if err := pool.Add(w2); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if pool.Size() != 2 {
		t.Fatalf("Expected size 2, got %d", pool.Size())
	}

	if err := pool.Remove("w2"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if w2.Status() != StatusShutdown {
		t.Errorf("Removed worker should be shut down, got %s", w2.Status())
	}
	if err := pool.Remove("w2"); !errors.Is(err, ErrWorkerNotFound) {
		t.Errorf("Expected ErrWorkerNotFound, got %v", err)
	}

	pool.Shutdown()
	if w, _ := pool.Get("w1"); w.Status() != StatusShutdown {
		t.Errorf("Expected w1 shut down, got %s", w.Status())
	}
}
