package worker

import (
	"errors"
	"fmt"

	"github.com/aristath/goalrunner/internal/backend"
)

var (
	// ErrWorkerNotIdle rejects a task handed to a worker that is not idle.
	ErrWorkerNotIdle = errors.New("worker is not idle")
	// ErrWorkerShutdown rejects any work on a disposed worker.
	ErrWorkerShutdown = errors.New("worker is shut down")
	// ErrWorkerNotFound is returned for unknown worker IDs.
	ErrWorkerNotFound = errors.New("worker not found")
)

// TaskExecutionError describes a task that failed inside a worker. It is
// recorded on the task and in the run's report, and is never retried.
type TaskExecutionError struct {
	TaskID   string
	WorkerID string
	Family   backend.Family
	Reason   string
	Err      error
}

func (e *TaskExecutionError) Error() string {
	msg := fmt.Sprintf("task %s failed on worker %s (%s)", e.TaskID, e.WorkerID, e.Family)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }
