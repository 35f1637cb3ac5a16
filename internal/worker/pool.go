package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/goalrunner/internal/backend"
	"github.com/aristath/goalrunner/internal/scheduler"
)

// PoolStatus is a point-in-time summary of the pool.
type PoolStatus struct {
	Total     int `json:"total"`
	Idle      int `json:"idle"`
	Running   int `json:"running"`
	Error     int `json:"error"`
	Completed int `json:"completed"` // Tasks completed across all workers
	Failed    int `json:"failed"`    // Tasks failed across all workers
}

// Pool owns a set of workers and matches ready tasks to them. A worker is
// reserved from the moment it is assigned until its dispatch returns, so two
// assignments can never share a worker.
type Pool struct {
	mu       sync.Mutex
	workers  []*Instance
	reserved map[string]string // workerID -> taskID
	log      *zap.Logger
}

// NewPool creates a pool with the given workers, in preference order.
func NewPool(log *zap.Logger, workers ...*Instance) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		workers:  append([]*Instance(nil), workers...),
		reserved: make(map[string]string),
		log:      log.With(zap.String("component", "pool")),
	}
}

// Add appends a worker. Returns error if its ID is already present.
func (p *Pool) Add(w *Instance) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, existing := range p.workers {
		if existing.ID() == w.ID() {
			return fmt.Errorf("worker with ID %q already exists", w.ID())
		}
	}
	p.workers = append(p.workers, w)
	return nil
}

// Remove disposes a worker and drops it from the pool. A task already running
// on it finishes normally.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, w := range p.workers {
		if w.ID() == id {
			w.Shutdown()
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
}

// Get returns a worker by ID.
func (p *Pool) Get(id string) (*Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.find(id)
}

func (p *Pool) find(id string) (*Instance, bool) {
	for _, w := range p.workers {
		if w.ID() == id {
			return w, true
		}
	}
	return nil, false
}

// Workers returns the pool members in preference order.
func (p *Pool) Workers() []*Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Instance(nil), p.workers...)
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Initialize probes every starting worker concurrently. Returns the number of
// workers that became idle and the joined probe failures.
func (p *Pool) Initialize(ctx context.Context) (int, error) {
	workers := p.Workers()
	errs := make([]error, len(workers))

	var g errgroup.Group
	for i, w := range workers {
		if w.Status() != StatusStarting {
			continue
		}
		g.Go(func() error {
			errs[i] = w.Initialize(ctx)
			return nil
		})
	}
	g.Wait()

	available := 0
	for i, w := range workers {
		if w.Status() == StatusIdle {
			available++
		}
		if errs[i] != nil {
			p.log.Warn("worker unavailable", zap.String("worker_id", w.ID()), zap.Error(errs[i]))
		}
	}
	return available, errors.Join(errs...)
}

// RecoverErrored re-probes every worker in the error state and returns how
// many came back.
func (p *Pool) RecoverErrored(ctx context.Context) int {
	var g errgroup.Group
	var mu sync.Mutex
	recovered := 0

	for _, w := range p.Workers() {
		if w.Status() != StatusError {
			continue
		}
		g.Go(func() error {
			if err := w.Recover(ctx); err == nil {
				mu.Lock()
				recovered++
				mu.Unlock()
				p.log.Info("worker recovered", zap.String("worker_id", w.ID()))
			}
			return nil
		})
	}
	g.Wait()
	return recovered
}

// Assign greedily matches ready tasks, in order, to idle workers: a task with
// a family preference takes the first idle worker of that family, a task with
// no preference takes the first idle worker. Tasks left unmatched wait for a
// later call. Returns taskID -> workerID.
func (p *Pool) Assign(ready []*scheduler.Task) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	assigned := make(map[string]string)
	for _, task := range ready {
		for _, w := range p.workers {
			if _, busy := p.reserved[w.ID()]; busy {
				continue
			}
			if w.Status() != StatusIdle || !task.Preference.Accepts(w.Family()) {
				continue
			}
			p.reserved[w.ID()] = task.ID
			assigned[task.ID] = w.ID()
			break
		}
	}
	return assigned
}

// Dispatch runs task on a worker reserved by Assign and releases the
// reservation afterwards. A worker refusing the task yields a failed result.
func (p *Pool) Dispatch(ctx context.Context, workerID string, task *scheduler.Task, rc RunContext) Result {
	defer p.Release(workerID)

	w, ok := p.Get(workerID)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
		return Result{
			TaskID:   task.ID,
			WorkerID: workerID,
			Report:   backend.FailedReport("dispatch", "%v", err),
			Err:      &TaskExecutionError{TaskID: task.ID, WorkerID: workerID, Err: err},
		}
	}

	res, err := w.ExecuteTask(ctx, task, rc)
	if err != nil {
		return Result{
			TaskID:   task.ID,
			WorkerID: workerID,
			Report:   backend.FailedReport("dispatch", "%v", err),
			Err:      &TaskExecutionError{TaskID: task.ID, WorkerID: workerID, Family: w.Family(), Err: err},
		}
	}
	return res
}

// Release drops a reservation made by Assign without dispatching.
func (p *Pool) Release(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reserved, workerID)
}

// CanServe reports whether any worker that is not in error or shut down
// accepts the preference.
func (p *Pool) CanServe(pref scheduler.Preference) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.workers {
		switch w.Status() {
		case StatusIdle, StatusRunning:
			if pref.Accepts(w.Family()) {
				return true
			}
		}
	}
	return false
}

// Snapshots returns a copy of every worker's state.
func (p *Pool) Snapshots() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Snapshot, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.Snapshot()
	}
	return out
}

// Status returns pool totals. Membership is fixed for the duration of the call
// and each worker contributes one consistent snapshot.
func (p *Pool) Status() PoolStatus {
	var s PoolStatus
	for _, snap := range p.Snapshots() {
		s.Total++
		switch snap.Status {
		case StatusIdle:
			s.Idle++
		case StatusRunning:
			s.Running++
		case StatusError:
			s.Error++
		}
		s.Completed += snap.CompletedTasks
		s.Failed += snap.FailedTasks
	}
	return s
}

// Shutdown disposes every worker.
func (p *Pool) Shutdown() {
	for _, w := range p.Workers() {
		w.Shutdown()
	}
}

// FamilyCounts returns the number of workers per family.
func (p *Pool) FamilyCounts() map[backend.Family]int {
	counts := make(map[backend.Family]int)
	for _, w := range p.Workers() {
		counts[w.Family()]++
	}
	return counts
}
