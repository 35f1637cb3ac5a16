package scheduler

import (
	"time"

	"github.com/aristath/goalrunner/internal/backend"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"   // Waiting for dependencies
	TaskReady     TaskStatus = "ready"     // All dependencies completed, waiting for a worker
	TaskRunning   TaskStatus = "running"   // Assigned to a worker
	TaskCompleted TaskStatus = "completed" // Finished successfully
	TaskFailed    TaskStatus = "failed"    // Finished with error
	TaskCancelled TaskStatus = "cancelled" // Never ran: a dependency failed or the run was cancelled
)

// Terminal reports whether the status can no longer change within a run.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Preference selects which backend family may execute a task.
type Preference string

// PreferAny lets any family execute the task.
const PreferAny Preference = "any"

// Accepts reports whether a worker of the given family may run the task.
func (p Preference) Accepts(f backend.Family) bool {
	return p == "" || p == PreferAny || Preference(f) == p
}

// Task represents a unit of work in the graph.
type Task struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Description        string     `json:"description,omitempty"`
	DependsOn          []string   `json:"depends_on,omitempty"`
	Preference         Preference `json:"preference,omitempty"`
	Priority           int        `json:"priority,omitempty"`
	AcceptanceCriteria []string   `json:"acceptance_criteria,omitempty"`
	VerifyCommands     []string   `json:"verify_commands,omitempty"`

	Status      TaskStatus `json:"status"`
	WorkerID    string     `json:"worker_id,omitempty"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
	Summary     string     `json:"summary,omitempty"` // Report summary (populated after completion)
	Error       string     `json:"error,omitempty"`   // Failure or cancellation reason
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	cp.DependsOn = append([]string(nil), task.DependsOn...)
	cp.AcceptanceCriteria = append([]string(nil), task.AcceptanceCriteria...)
	cp.VerifyCommands = append([]string(nil), task.VerifyCommands...)
	return &cp
}
