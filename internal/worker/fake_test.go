package worker

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/goalrunner/internal/backend"
)

// fakeAdapter is a scripted backend.Adapter.
type fakeAdapter struct {
	family    backend.Family
	available atomic.Bool
	events    []backend.Event
	err       error
	panicMsg  string
	onExecute func()
	release   chan struct{} // when set, execution blocks until closed

	mu     sync.Mutex
	orders []backend.WorkOrder
}

func newFakeAdapter(family backend.Family, evs ...backend.Event) *fakeAdapter {
	a := &fakeAdapter{family: family, events: evs}
	a.available.Store(true)
	return a
}

func (a *fakeAdapter) Family() backend.Family { return a.family }

func (a *fakeAdapter) IsAvailable(ctx context.Context) bool { return a.available.Load() }

func (a *fakeAdapter) Execute(ctx context.Context, order backend.WorkOrder, opts backend.ExecuteOptions) (backend.WorkReport, error) {
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

func (a *fakeAdapter) ExecuteStreaming(ctx context.Context, order backend.WorkOrder, opts backend.ExecuteOptions) iter.Seq2[backend.Event, error] {
	return func(yield func(backend.Event, error) bool) {
		a.mu.Lock()
		a.orders = append(a.orders, order)
		a.mu.Unlock()

		if a.onExecute != nil {
			a.onExecute()
		}
		if a.panicMsg != "" {
			panic(a.panicMsg)
		}
		if a.release != nil {
			select {
			case <-a.release:
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
		for _, ev := range a.events {
			if !yield(ev, nil) {
				return
			}
		}
		if a.err != nil {
			yield(nil, a.err)
		}
	}
}

func (a *fakeAdapter) lastOrder() backend.WorkOrder {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.orders[len(a.orders)-1]
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func claudeSuccess(summary string) []backend.Event {
	return []backend.Event{
		backend.ClaudeMessage{Type: "system", Subtype: "init", SessionID: "s1"},
		backend.ClaudeMessage{Type: "result", Subtype: "success", Result: summary},
	}
}

func claudeFailure(msg string) []backend.Event {
	return []backend.Event{
		backend.ClaudeMessage{Type: "result", Subtype: "success", IsError: true, Result: msg},
	}
}

func newIdleWorker(id string, adapter *fakeAdapter, opts ...Option) *Instance {
	w := NewInstance(id, adapter, opts...)
	if err := w.Initialize(context.Background()); err != nil {
		panic(err)
	}
	return w
}
