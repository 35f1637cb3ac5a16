// Package worker runs tasks on backend adapters and manages the pool of
// workers a run dispatches to.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/goalrunner/internal/backend"
	"github.com/aristath/goalrunner/internal/events"
	"github.com/aristath/goalrunner/internal/scheduler"
)

// Status is a worker's lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
	StatusShutdown Status = "shutdown"
)

// Observer receives one call per finished task.
type Observer interface {
	ObserveTask(family backend.Family, status backend.ReportStatus, d time.Duration)
}

// Snapshot is an immutable copy of a worker's state and statistics.
type Snapshot struct {
	ID             string         `json:"id"`
	Family         backend.Family `json:"family"`
	Status         Status         `json:"status"`
	CurrentTaskID  string         `json:"current_task_id,omitempty"`
	CompletedTasks int            `json:"completed_tasks"`
	FailedTasks    int            `json:"failed_tasks"`
	LastError      string         `json:"last_error,omitempty"`
	AvgDuration    time.Duration  `json:"avg_duration"`
}

// Result is the outcome of one ExecuteTask call.
type Result struct {
	TaskID   string
	WorkerID string
	OrderID  string
	Report   backend.WorkReport
	Duration time.Duration
	Err      error // *TaskExecutionError when the task failed
}

// Instance wraps one adapter and executes at most one task at a time.
type Instance struct {
	id       string
	adapter  backend.Adapter
	breaker  *gobreaker.CircuitBreaker
	bus      *events.EventBus
	observer Observer
	log      *zap.Logger
	now      func() time.Time

	mu          sync.Mutex
	status      Status
	currentTask string
	completed   int
	failed      int
	lastError   string
	avgMillis   float64 // rolling average over successful tasks only
}

// Option configures an Instance.
type Option func(*Instance)

// WithBreaker routes executions through a circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(w *Instance) { w.breaker = cb }
}

// WithEventBus publishes normalized progress entries on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(w *Instance) { w.bus = bus }
}

// WithObserver reports finished tasks to o.
func WithObserver(o Observer) Option {
	return func(w *Instance) { w.observer = o }
}

// WithLogger sets the worker's logger.
func WithLogger(log *zap.Logger) Option {
	return func(w *Instance) { w.log = log }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Instance) { w.now = now }
}

// NewInstance creates a worker in the starting state.
func NewInstance(id string, adapter backend.Adapter, opts ...Option) *Instance {
	w := &Instance{
		id:      id,
		adapter: adapter,
		log:     zap.NewNop(),
		now:     time.Now,
		status:  StatusStarting,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.With(zap.String("component", "worker"), zap.String("worker_id", id), zap.String("family", string(adapter.Family())))
	return w
}

// ID returns the worker's identifier.
func (w *Instance) ID() string { return w.id }

// Family returns the family of the wrapped adapter.
func (w *Instance) Family() backend.Family { return w.adapter.Family() }

// Status returns the current lifecycle state.
func (w *Instance) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Initialize probes the adapter. The worker becomes idle when the backend is
// available and error otherwise.
func (w *Instance) Initialize(ctx context.Context) error {
	return w.probe(ctx, StatusStarting)
}

// Recover re-probes a worker in the error state and returns it to idle on success.
func (w *Instance) Recover(ctx context.Context) error {
	return w.probe(ctx, StatusError)
}

func (w *Instance) probe(ctx context.Context, from Status) error {
	w.mu.Lock()
	if w.status != from {
		current := w.status
		w.mu.Unlock()
		if current == StatusShutdown {
			return ErrWorkerShutdown
		}
		return fmt.Errorf("worker %s is %s, expected %s", w.id, current, from)
	}
	w.mu.Unlock()

	available := w.adapter.IsAvailable(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == StatusShutdown {
		return ErrWorkerShutdown
	}
	if !available {
		w.status = StatusError
		w.lastError = "backend unavailable"
		w.log.Warn("backend probe failed")
		return &backend.AdapterUnavailableError{Family: w.adapter.Family(), Reason: "probe failed"}
	}
	w.status = StatusIdle
	w.log.Debug("backend available")
	return nil
}

// Shutdown disposes the worker. Any task in flight finishes but the worker
// never accepts another.
func (w *Instance) Shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = StatusShutdown
}

// Snapshot returns a consistent copy of the worker's state.
func (w *Instance) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		ID:             w.id,
		Family:         w.adapter.Family(),
		Status:         w.status,
		CurrentTaskID:  w.currentTask,
		CompletedTasks: w.completed,
		FailedTasks:    w.failed,
		LastError:      w.lastError,
		AvgDuration:    time.Duration(w.avgMillis * float64(time.Millisecond)),
	}
}

// ExecuteTask runs task to completion. The returned error is non-nil only when
// the worker refuses the task (not idle or shut down); every execution failure,
// including panics, is reported through Result with a failed report.
func (w *Instance) ExecuteTask(ctx context.Context, task *scheduler.Task, rc RunContext) (Result, error) {
	w.mu.Lock()
	switch w.status {
	case StatusShutdown:
		w.mu.Unlock()
		return Result{}, ErrWorkerShutdown
	case StatusIdle:
	default:
		status := w.status
		w.mu.Unlock()
		return Result{}, fmt.Errorf("%w: worker %s is %s", ErrWorkerNotIdle, w.id, status)
	}
	w.status = StatusRunning
	w.currentTask = task.ID
	w.mu.Unlock()

	orderID := uuid.NewString()
	log := w.log.With(zap.String("run_id", rc.RunID), zap.String("task_id", task.ID), zap.String("order_id", orderID))
	log.Info("task started")

	start := w.now()
	report, err := w.run(ctx, orderID, task, rc, log)
	duration := w.now().Sub(start)

	res := Result{
		TaskID:   task.ID,
		WorkerID: w.id,
		OrderID:  orderID,
		Report:   report,
		Duration: duration,
	}
	if !report.Succeeded() {
		res.Err = &TaskExecutionError{
			TaskID:   task.ID,
			WorkerID: w.id,
			Family:   w.adapter.Family(),
			Reason:   report.ErrorMessage(),
			Err:      err,
		}
	}

	w.finish(report, err, duration)

	if w.observer != nil {
		w.observer.ObserveTask(w.adapter.Family(), report.Status, duration)
	}
	if report.Succeeded() {
		log.Info("task completed", zap.Duration("duration", duration))
	} else {
		log.Warn("task failed", zap.Duration("duration", duration), zap.String("status", string(report.Status)), zap.Error(res.Err))
	}
	return res, nil
}

// run executes the order through the breaker and converts panics into failures.
func (w *Instance) run(ctx context.Context, orderID string, task *scheduler.Task, rc RunContext, log *zap.Logger) (report backend.WorkReport, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			report = backend.FailedReport("panic", "worker panicked: %v", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	order := BuildWorkOrder(orderID, task, rc)
	opts := backend.ExecuteOptions{Timeout: rc.Timeout}

	execute := func() (any, error) {
		return w.stream(ctx, order, opts, log)
	}

	var out any
	if w.breaker != nil {
		out, err = w.breaker.Execute(execute)
	} else {
		out, err = execute()
	}

	if err != nil {
		if isBreakerRejection(err) {
			err = &backend.AdapterUnavailableError{Family: w.adapter.Family(), Reason: "circuit open", Err: err}
		}
		return reportForError(err), err
	}
	return out.(backend.WorkReport), nil
}

// stream drains the adapter's event stream, publishing normalized entries.
// Process-level failures are returned as errors so the breaker can count them.
func (w *Instance) stream(ctx context.Context, order backend.WorkOrder, opts backend.ExecuteOptions, log *zap.Logger) (backend.WorkReport, error) {
	var (
		report backend.WorkReport
		found  bool
	)

	for ev, err := range w.adapter.ExecuteStreaming(ctx, order, opts) {
		if err != nil {
			return backend.WorkReport{}, classify(w.adapter.Family(), err)
		}
		if m, ok := ev.(backend.Malformed); ok {
			log.Debug("dropping undecodable backend output", zap.String("line", m.Line), zap.Error(m.Err))
		}
		for _, entry := range Normalize(ev) {
			w.publish(order, entry)
		}
		if r, ok := ev.Outcome(); ok {
			report, found = r, true
		}
	}

	if !found {
		return backend.FailedReport("protocol", "backend stream ended without a result"), nil
	}
	return report, nil
}

func (w *Instance) publish(order backend.WorkOrder, entry events.LogEvent) {
	if w.bus == nil {
		return
	}
	entry.Run = order.RunID
	entry.Task = order.TaskID
	entry.WorkerID = w.id
	entry.Timestamp = w.now()
	w.bus.Emit(entry)
}

// finish updates statistics and settles the worker's next state.
func (w *Instance) finish(report backend.WorkReport, err error, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.currentTask = ""
	if report.Succeeded() {
		w.completed++
		ms := float64(d) / float64(time.Millisecond)
		if w.completed == 1 {
			w.avgMillis = ms
		} else {
			n := float64(w.completed)
			w.avgMillis = (w.avgMillis*(n-1) + ms) / n
		}
	} else {
		w.failed++
		w.lastError = report.ErrorMessage()
		if w.lastError == "" {
			w.lastError = string(report.Status)
		}
	}

	switch {
	case w.status == StatusShutdown:
	case backend.IsUnavailable(err):
		w.status = StatusError
	default:
		w.status = StatusIdle
	}
}

// classify marks missing executables as backend unavailability.
func classify(family backend.Family, err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return &backend.AdapterUnavailableError{Family: family, Reason: "executable not found", Err: err}
	}
	return err
}

func reportForError(err error) backend.WorkReport {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return backend.WorkReport{
			Status: backend.ReportTimeout,
			Error:  &backend.ReportError{Message: err.Error(), Kind: "timeout"},
		}
	case errors.Is(err, context.Canceled):
		return backend.WorkReport{
			Status: backend.ReportCancelled,
			Error:  &backend.ReportError{Message: err.Error(), Kind: "cancelled"},
		}
	case backend.IsUnavailable(err):
		return backend.FailedReport("unavailable", "%v", err)
	default:
		return backend.FailedReport("execution", "%v", err)
	}
}
