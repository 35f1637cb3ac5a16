// Package orchestrator drives task graphs to completion on the worker pool and
// owns the run lifecycle around them.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/goalrunner/internal/backend"
	"github.com/aristath/goalrunner/internal/events"
	"github.com/aristath/goalrunner/internal/scheduler"
	"github.com/aristath/goalrunner/internal/worker"
)

// DefaultPollInterval is how long the loop waits before retrying assignment
// when ready tasks are left unassigned and nothing of its own is in flight.
const DefaultPollInterval = 250 * time.Millisecond

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Pool         *worker.Pool
	Bus          *events.EventBus // Optional
	Logger       *zap.Logger
	PollInterval time.Duration
	Now          func() time.Time
}

// Runner executes task graphs on a shared worker pool. One Runner serves any
// number of concurrent runs; each call to Run is a single scheduling loop.
type Runner struct {
	pool *worker.Pool
	bus  *events.EventBus
	log  *zap.Logger
	poll time.Duration
	now  func() time.Time
}

// NewRunner creates a runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{
		pool: cfg.Pool,
		bus:  cfg.Bus,
		log:  cfg.Logger.With(zap.String("component", "runner")),
		poll: cfg.PollInterval,
		now:  cfg.Now,
	}
}

// TaskHook is called on the loop goroutine after each task outcome has been
// applied to the graph.
type TaskHook func(task scheduler.Task, res worker.Result)

// Execution is everything one scheduling loop needs.
type Execution struct {
	Graph   *scheduler.TaskGraph
	Context worker.RunContext // Tasks is filled per dispatch
	Token   *CancelToken
	OnTask  TaskHook // Optional
}

// Run drives the graph until no task is pending, ready or running. The cancel
// token and ctx are observed only between ticks: in-flight tasks always drain
// before Run returns, after which every task that never started is cancelled.
// The graph is mutated only from the calling goroutine.
func (r *Runner) Run(ctx context.Context, ex Execution) scheduler.Outcome {
	graph := ex.Graph
	runID := ex.Context.RunID
	log := r.log.With(zap.String("run_id", runID))

	results := make(chan worker.Result, graph.Len())
	var g errgroup.Group
	inflight := 0

	for {
		stopping := ex.Token.Cancelled() || ctx.Err() != nil

		waiting := 0
		if !stopping {
			waiting = r.dispatch(ctx, ex, &g, results, &inflight, log)
		}
		r.publishProgress(runID, graph)

		if inflight == 0 {
			if stopping || graph.Done() {
				break
			}
			if waiting == 0 {
				// Nothing running, nothing ready: only reachable if the
				// graph was mutated outside the loop.
				r.cancelRemaining(runID, graph, "scheduler stalled")
				break
			}
		}

		var poll <-chan time.Time
		var tokenDone <-chan struct{}
		var ctxDone <-chan struct{}
		if !stopping {
			tokenDone = ex.Token.Done()
			ctxDone = ctx.Done()
			if waiting > 0 {
				poll = time.After(r.poll)
			}
		}

		select {
		case res := <-results:
			inflight--
			r.apply(ex, res, log)
		case <-poll:
		case <-tokenDone:
		case <-ctxDone:
		}
	}

	g.Wait()

	if ex.Token.Cancelled() || ctx.Err() != nil {
		reason := ex.Token.Reason()
		if reason == "" {
			reason = "run cancelled"
		}
		if !ex.Token.Cancelled() {
			reason = fmt.Sprintf("run interrupted: %v", ctx.Err())
		}
		r.cancelRemaining(runID, graph, reason)
		r.publishProgress(runID, graph)
	}

	outcome := graph.Outcome()
	log.Info("scheduling loop finished", zap.String("status", string(outcome.Status)), zap.String("failed_task", outcome.FailedTask))
	return outcome
}

// dispatch runs one tick: compute ready, fail the unservable, assign and start
// the rest. Returns how many ready tasks were left unassigned.
func (r *Runner) dispatch(ctx context.Context, ex Execution, g *errgroup.Group, results chan<- worker.Result, inflight *int, log *zap.Logger) int {
	graph := ex.Graph
	ready := graph.ComputeReady()
	if len(ready) == 0 {
		return 0
	}

	ready = r.failUnservable(ctx, ex, ready, log)
	assignments := r.pool.Assign(ready)

	waiting := 0
	for _, task := range ready {
		workerID, ok := assignments[task.ID]
		if !ok {
			waiting++
			continue
		}
		if err := graph.MarkRunning(task.ID, workerID); err != nil {
			log.Error("failed to mark task running", zap.String("task_id", task.ID), zap.Error(err))
			r.pool.Release(workerID)
			continue
		}

		family := ""
		if w, ok := r.pool.Get(workerID); ok {
			family = string(w.Family())
		}
		r.emit(events.TaskStartedEvent{
			Run:       ex.Context.RunID,
			ID:        task.ID,
			Name:      task.Name,
			WorkerID:  workerID,
			Family:    family,
			Timestamp: r.now(),
		})
		log.Debug("task dispatched", zap.String("task_id", task.ID), zap.String("worker_id", workerID))

		rc := ex.Context
		rc.Tasks = graph.Tasks()
		task.Status = scheduler.TaskRunning
		task.WorkerID = workerID

		*inflight++
		g.Go(func() error {
			results <- r.pool.Dispatch(ctx, workerID, task, rc)
			return nil
		})
	}
	return waiting
}

// failUnservable fails every ready task whose preference no live worker can
// take, after giving errored workers one recovery attempt.
func (r *Runner) failUnservable(ctx context.Context, ex Execution, ready []*scheduler.Task, log *zap.Logger) []*scheduler.Task {
	var servable, stranded []*scheduler.Task
	for _, task := range ready {
		if r.pool.CanServe(task.Preference) {
			servable = append(servable, task)
		} else {
			stranded = append(stranded, task)
		}
	}
	if len(stranded) == 0 {
		return servable
	}

	if r.pool.RecoverErrored(ctx) > 0 {
		var still []*scheduler.Task
		for _, task := range stranded {
			if r.pool.CanServe(task.Preference) {
				servable = append(servable, task)
			} else {
				still = append(still, task)
			}
		}
		stranded = still
		// Keep ready order for assignment.
		servable = reorder(ready, servable)
	}

	for _, task := range stranded {
		pref := task.Preference
		if pref == "" {
			pref = scheduler.PreferAny
		}
		err := &backend.AdapterUnavailableError{
			Family: backend.Family(pref),
			Reason: "no live worker accepts this task",
		}
		report := backend.FailedReport("unavailable", "%v", err)
		cancelled, ferr := ex.Graph.FailReady(task.ID, report)
		if ferr != nil {
			log.Error("failed to fail unservable task", zap.String("task_id", task.ID), zap.Error(ferr))
			continue
		}
		log.Warn("task cannot be served", zap.String("task_id", task.ID), zap.String("preference", string(pref)))

		res := worker.Result{
			TaskID: task.ID,
			Report: report,
			Err:    &worker.TaskExecutionError{TaskID: task.ID, Reason: report.ErrorMessage(), Err: err},
		}
		r.emitOutcome(ex, task.ID, res, cancelled)
	}
	return servable
}

func reorder(order, subset []*scheduler.Task) []*scheduler.Task {
	keep := make(map[string]bool, len(subset))
	for _, t := range subset {
		keep[t.ID] = true
	}
	out := make([]*scheduler.Task, 0, len(subset))
	for _, t := range order {
		if keep[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

// apply folds one worker result into the graph.
func (r *Runner) apply(ex Execution, res worker.Result, log *zap.Logger) {
	cancelled, err := ex.Graph.ApplyOutcome(res.TaskID, res.Report)
	if err != nil {
		log.Error("failed to apply task outcome", zap.String("task_id", res.TaskID), zap.Error(err))
		return
	}
	r.emitOutcome(ex, res.TaskID, res, cancelled)
}

func (r *Runner) emitOutcome(ex Execution, taskID string, res worker.Result, cancelled []string) {
	runID := ex.Context.RunID
	now := r.now()

	if res.Report.Succeeded() {
		r.emit(events.TaskCompletedEvent{Run: runID, ID: taskID, Summary: res.Report.Summary, Duration: res.Duration, Timestamp: now})
	} else {
		r.emit(events.TaskFailedEvent{Run: runID, ID: taskID, Error: res.Report.ErrorMessage(), Duration: res.Duration, Timestamp: now})
	}
	for _, id := range cancelled {
		r.emit(events.TaskCancelledEvent{Run: runID, ID: id, Reason: fmt.Sprintf("dependency %q failed", taskID), Timestamp: now})
	}

	if ex.OnTask != nil {
		if task, ok := ex.Graph.Get(taskID); ok {
			ex.OnTask(*task, res)
		}
	}
}

func (r *Runner) cancelRemaining(runID string, graph *scheduler.TaskGraph, reason string) {
	now := r.now()
	for _, id := range graph.CancelRemaining(reason) {
		r.emit(events.TaskCancelledEvent{Run: runID, ID: id, Reason: reason, Timestamp: now})
	}
}

func (r *Runner) publishProgress(runID string, graph *scheduler.TaskGraph) {
	p := graph.Progress()
	r.emit(events.GraphProgressEvent{
		Run:        runID,
		Total:      p.Total,
		Completed:  p.Completed,
		Failed:     p.Failed,
		Running:    p.Running,
		Ready:      p.Ready,
		Pending:    p.Pending,
		Cancelled:  p.Cancelled,
		Percentage: p.Percentage,
		Timestamp:  r.now(),
	})
}

func (r *Runner) emit(ev events.Event) {
	if r.bus != nil {
		r.bus.Emit(ev)
	}
}
