package orchestrator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/goalrunner/internal/scheduler"
)

// LiveRun is a scheduling loop currently executing in this process.
type LiveRun struct {
	RunID string
	Token *CancelToken
	Graph *scheduler.TaskGraph

	done chan struct{}
}

// Done is closed when the loop has finished and the run record is final.
func (l *LiveRun) Done() <-chan struct{} { return l.done }

// Registry tracks the scheduling loops alive in this process. A run persisted
// as running without an entry here has been orphaned.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*LiveRun
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*LiveRun)}
}

// Register records a new live loop. Fails if the run already has one.
func (r *Registry) Register(runID string, graph *scheduler.TaskGraph) (*LiveRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[runID]; exists {
		return nil, fmt.Errorf("run %s already has a live scheduling loop", runID)
	}
	live := &LiveRun{
		RunID: runID,
		Token: NewCancelToken(),
		Graph: graph,
		done:  make(chan struct{}),
	}
	r.runs[runID] = live
	return live, nil
}

// Unregister removes the loop and closes its Done channel.
func (r *Registry) Unregister(runID string) {
	r.mu.Lock()
	live, ok := r.runs[runID]
	delete(r.runs, runID)
	r.mu.Unlock()

	if ok {
		close(live.done)
	}
}

// Lookup returns the live loop for a run.
func (r *Registry) Lookup(runID string) (*LiveRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	live, ok := r.runs[runID]
	return live, ok
}

// IDs returns the run IDs with a live loop, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
