package orchestrator

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/goalrunner/internal/backend"
	"github.com/aristath/goalrunner/internal/scheduler"
	"github.com/aristath/goalrunner/internal/worker"
)

// scriptedAdapter succeeds every task unless told otherwise. Gated tasks
// block until their gate is closed.
type scriptedAdapter struct {
	family    backend.Family
	available atomic.Bool

	mu       sync.Mutex
	failures map[string]string        // taskID -> error message
	gates    map[string]chan struct{} // taskID -> release
	calls    []string
	started  chan string
}

func newScriptedAdapter(family backend.Family) *scriptedAdapter {
	a := &scriptedAdapter{
		family:   family,
		failures: make(map[string]string),
		gates:    make(map[string]chan struct{}),
		started:  make(chan string, 64),
	}
	a.available.Store(true)
	return a
}

func (a *scriptedAdapter) fail(taskID, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[taskID] = msg
}

func (a *scriptedAdapter) succeed(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.failures, taskID)
}

func (a *scriptedAdapter) gate(taskID string) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan struct{})
	a.gates[taskID] = ch
	return ch
}

func (a *scriptedAdapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *scriptedAdapter) Family() backend.Family { return a.family }

func (a *scriptedAdapter) IsAvailable(ctx context.Context) bool { return a.available.Load() }

func (a *scriptedAdapter) Execute(ctx context.Context, order backend.WorkOrder, opts backend.ExecuteOptions) (backend.WorkReport, error) {
	var report backend.WorkReport
	for ev, err := range a.ExecuteStreaming(ctx, order, opts) {
		if err != nil {
			return backend.WorkReport{}, err
		}
		if r, ok := ev.Outcome(); ok {
			report = r
		}
	}
	return report, nil
}

func (a *scriptedAdapter) ExecuteStreaming(ctx context.Context, order backend.WorkOrder, opts backend.ExecuteOptions) iter.Seq2[backend.Event, error] {
	return func(yield func(backend.Event, error) bool) {
		a.mu.Lock()
		a.calls = append(a.calls, order.TaskID)
		gate := a.gates[order.TaskID]
		msg, failing := a.failures[order.TaskID]
		a.mu.Unlock()
		a.started <- order.TaskID

		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}

		if !yield(backend.ClaudeMessage{Type: "system", Subtype: "init", SessionID: "s"}, nil) {
			return
		}
		if failing {
			yield(backend.ClaudeMessage{Type: "result", Subtype: "success", IsError: true, Result: msg}, nil)
			return
		}
		yield(backend.ClaudeMessage{Type: "result", Subtype: "success", Result: "did " + order.TaskID}, nil)
	}
}

// waitStarted blocks until the adapter has begun the given task.
func (a *scriptedAdapter) waitStarted(t *testing.T, taskID string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case id := <-a.started:
			if id == taskID {
				return
			}
		case <-timeout:
			t.Fatalf("task %s never started (calls: %v)", taskID, a.Calls())
		}
	}
}

func newTestPool(t *testing.T, adapters ...*scriptedAdapter) *worker.Pool {
	t.Helper()
	var workers []*worker.Instance
	for i, a := range adapters {
		workers = append(workers, worker.NewInstance(fmt.Sprintf("w%d", i+1), a))
	}
	pool := worker.NewPool(nil, workers...)
	pool.Initialize(context.Background())
	t.Cleanup(pool.Shutdown)
	return pool
}

func buildGraph(t *testing.T, tasks ...*scheduler.Task) *scheduler.TaskGraph {
	t.Helper()
	g := scheduler.NewTaskGraph("g", "")
	for _, task := range tasks {
		if err := g.AddTask(task); err != nil {
			t.Fatalf("AddTask(%s) failed: %v", task.ID, err)
		}
	}
	if _, err := g.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	return g
}

// exampleGraph is setup (priority 5) -> build -> test.
func exampleGraph(t *testing.T) *scheduler.TaskGraph {
	return buildGraph(t,
		&scheduler.Task{ID: "setup", Name: "Setup", Priority: 5},
		&scheduler.Task{ID: "build", Name: "Build", Priority: 1, DependsOn: []string{"setup"}},
		&scheduler.Task{ID: "test", Name: "Test", Priority: 1, DependsOn: []string{"build"}},
	)
}

type fakeChat struct {
	mu      sync.Mutex
	prompts []string
	reply   string
}

func (f *fakeChat) Converse(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	return f.reply, nil
}
