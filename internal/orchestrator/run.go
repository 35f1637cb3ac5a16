package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/aristath/goalrunner/internal/backend"
	"github.com/aristath/goalrunner/internal/scheduler"
)

// RunStatus is a run's lifecycle state.
type RunStatus string

const (
	RunPending     RunStatus = "pending"
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunCancelled   RunStatus = "cancelled"
	RunInterrupted RunStatus = "interrupted" // left running by a crashed process
)

// Terminal reports whether the run has finished normally.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

var allowedTransitions = map[RunStatus]map[RunStatus]struct{}{
	RunPending: {
		RunRunning:   {},
		RunCancelled: {},
	},
	RunRunning: {
		RunCompleted:   {},
		RunFailed:      {},
		RunCancelled:   {},
		RunInterrupted: {},
	},
	RunCompleted: {
		RunRunning: {},
	},
	RunFailed: {
		RunRunning: {},
	},
	RunInterrupted: {
		RunRunning: {},
	},
	RunCancelled: {},
}

// Sentinel errors.
var (
	ErrRunNotFound       = errors.New("run not found")
	ErrInvalidTransition = errors.New("invalid run transition")
	ErrRunStillExecuting = errors.New("run is still executing")
)

// ValidateTransition checks a status change against the lifecycle table.
func ValidateTransition(from, to RunStatus) error {
	next, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	if _, ok := allowedTransitions[to]; !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if _, ok := next[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// RestartNotSupportedError is returned when a run's stored context cannot be
// resolved well enough to run it again.
type RestartNotSupportedError struct {
	RunID  string
	Reason string
	Err    error
}

func (e *RestartNotSupportedError) Error() string {
	msg := fmt.Sprintf("run %s cannot be restarted: %s", e.RunID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RestartNotSupportedError) Unwrap() error { return e.Err }

// TaskReport is one task outcome folded into run history.
type TaskReport struct {
	TaskID    string               `json:"task_id"`
	WorkerID  string               `json:"worker_id,omitempty"`
	OrderID   string               `json:"order_id,omitempty"`
	Status    backend.ReportStatus `json:"status"`
	Summary   string               `json:"summary,omitempty"`
	Error     string               `json:"error,omitempty"`
	Duration  time.Duration        `json:"duration"`
	Attempt   int                  `json:"attempt"`
	Timestamp time.Time            `json:"timestamp"`
}

// ChatTurn is one message of the follow-up conversation about a run.
type ChatTurn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Run is the persisted record of one goal execution.
type Run struct {
	ID          string                   `json:"id"`
	Goal        string                   `json:"goal"`
	RepoPath    string                   `json:"repo_path"`
	Mode        string                   `json:"mode"`
	Status      RunStatus                `json:"status"`
	Attempt     int                      `json:"attempt"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
	StartedAt   time.Time                `json:"started_at,omitzero"`
	FinishedAt  time.Time                `json:"finished_at,omitzero"`
	Reports     []TaskReport             `json:"reports,omitempty"`
	Summary     string                   `json:"summary,omitempty"`
	Error       string                   `json:"error,omitempty"`
	Graph       *scheduler.GraphSnapshot `json:"graph,omitempty"`
	Fingerprint uint64                   `json:"fingerprint"`
	Chat        []ChatTurn               `json:"chat,omitempty"`
	Owner       *RunOwner                `json:"owner,omitempty"` // controller of the latest attempt
}

// ModeExecute is the only run mode: drive a task graph to completion.
const ModeExecute = "execute"

func runKey(id string) string { return runPrefix + id }

const runPrefix = "runs/"
