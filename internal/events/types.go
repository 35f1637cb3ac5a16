package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	RunID() string
	TaskID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicLog   = "log"
	TopicGraph = "graph"
	TopicRun   = "run"
)

// Event type constants
const (
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskCancelled = "task.cancelled"
	EventTypeLog           = "log.entry"
	EventTypeGraphProgress = "graph.progress"
	EventTypeRunStatus     = "run.status"
)

// TaskStartedEvent is published when a task is dispatched to a worker.
type TaskStartedEvent struct {
	Run       string    `json:"run_id"`
	ID        string    `json:"task_id"`
	Name      string    `json:"name"`
	WorkerID  string    `json:"worker_id"`
	Family    string    `json:"family"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) RunID() string     { return e.Run }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	Run       string        `json:"run_id"`
	ID        string        `json:"task_id"`
	Summary   string        `json:"summary"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) RunID() string     { return e.Run }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task fails.
type TaskFailedEvent struct {
	Run       string        `json:"run_id"`
	ID        string        `json:"task_id"`
	Error     string        `json:"error"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) RunID() string     { return e.Run }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a task is cancelled before it ran.
type TaskCancelledEvent struct {
	Run       string    `json:"run_id"`
	ID        string    `json:"task_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) RunID() string     { return e.Run }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// LogKind classifies a normalized progress entry.
type LogKind string

const (
	LogSystem     LogKind = "system"
	LogAssistant  LogKind = "assistant"
	LogToolUse    LogKind = "tool_use"
	LogToolResult LogKind = "tool_result"
	LogResult     LogKind = "result"
)

// LogEvent is one normalized progress entry from a worker's backend.
type LogEvent struct {
	Run       string    `json:"run_id"`
	Task      string    `json:"task_id"`
	WorkerID  string    `json:"worker_id"`
	Kind      LogKind   `json:"kind"`
	Subtype   string    `json:"subtype,omitempty"`
	Content   string    `json:"content,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	ToolInput string    `json:"tool_input,omitempty"`
	ToolUseID string    `json:"tool_use_id,omitempty"`
	IsError   bool      `json:"is_error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e LogEvent) EventType() string { return EventTypeLog }
func (e LogEvent) RunID() string     { return e.Run }
func (e LogEvent) TaskID() string    { return e.Task }

// GraphProgressEvent is published when graph progress changes.
type GraphProgressEvent struct {
	Run        string    `json:"run_id"`
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Running    int       `json:"running"`
	Ready      int       `json:"ready"`
	Pending    int       `json:"pending"`
	Cancelled  int       `json:"cancelled"`
	Percentage int       `json:"percentage"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e GraphProgressEvent) EventType() string { return EventTypeGraphProgress }
func (e GraphProgressEvent) RunID() string     { return e.Run }
func (e GraphProgressEvent) TaskID() string    { return "" }

// RunStatusEvent is published on every run lifecycle transition.
type RunStatusEvent struct {
	Run       string    `json:"run_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e RunStatusEvent) EventType() string { return EventTypeRunStatus }
func (e RunStatusEvent) RunID() string     { return e.Run }
func (e RunStatusEvent) TaskID() string    { return "" }
