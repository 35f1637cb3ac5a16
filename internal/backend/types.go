package backend

import (
	"fmt"
	"time"
)

// Family identifies a backend CLI family.
type Family string

const (
	// FamilyClaude is the interactive, session-resumable family.
	FamilyClaude Family = "claude"
	// FamilyCodex is the sandboxed batch family.
	FamilyCodex Family = "codex"
)

// TaskKind is the kind of work requested from a backend.
type TaskKind string

// TaskKindImplement is the only kind the scheduler issues.
const TaskKindImplement TaskKind = "implement"

// Tooling carries execution-environment flags for a work order.
type Tooling struct {
	Sandbox          bool     `json:"sandbox"`
	ApprovalRequired bool     `json:"approval_required"`
	WriteRoots       []string `json:"write_roots,omitempty"`
}

// OrderMetadata is auxiliary information attached to a work order.
type OrderMetadata struct {
	Priority int `json:"priority"`
}

// WorkOrder is the request sent to a backend for a single task.
type WorkOrder struct {
	ID                 string        `json:"id"`
	RunID              string        `json:"run_id"`
	TaskID             string        `json:"task_id"`
	Kind               TaskKind      `json:"kind"`
	RepoPath           string        `json:"repo_path"`
	Objective          string        `json:"objective"`
	AcceptanceCriteria []string      `json:"acceptance_criteria,omitempty"`
	VerifyCommands     []string      `json:"verify_commands,omitempty"`
	Tooling            Tooling       `json:"tooling"`
	Metadata           OrderMetadata `json:"metadata"`
}

// ReportStatus is the terminal status of a work order.
type ReportStatus string

const (
	ReportDone      ReportStatus = "done"
	ReportFailed    ReportStatus = "failed"
	ReportBlocked   ReportStatus = "blocked"
	ReportTimeout   ReportStatus = "timeout"
	ReportCancelled ReportStatus = "cancelled"
)

// ReportError describes why a work order did not succeed.
type ReportError struct {
	Message string            `json:"message"`
	Kind    string            `json:"kind,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// WorkReport is the response for a work order.
type WorkReport struct {
	Status  ReportStatus `json:"status"`
	Summary string       `json:"summary,omitempty"`
	Error   *ReportError `json:"error,omitempty"`
}

// Succeeded reports whether the work order finished successfully.
func (r WorkReport) Succeeded() bool {
	return r.Status == ReportDone
}

// ErrorMessage returns the report's error message, or an empty string.
func (r WorkReport) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Message
}

// FailedReport builds a failed report with the given kind and message.
func FailedReport(kind, format string, args ...any) WorkReport {
	return WorkReport{
		Status: ReportFailed,
		Error: &ReportError{
			Message: fmt.Sprintf(format, args...),
			Kind:    kind,
		},
	}
}

// ExecuteOptions tune a single execution.
type ExecuteOptions struct {
	// Timeout bounds the whole execution. Zero means no limit beyond ctx.
	Timeout time.Duration
}

// Config holds the per-instance settings used to build an adapter.
type Config struct {
	Type         string        // "claude" or "codex"
	Command      string        // executable, defaults to the family name
	Args         []string      // extra arguments appended to every invocation
	WorkDir      string        // working directory, defaults to the order's repo path
	SessionID    string        // claude only: resume an existing session
	Model        string        // optional model override
	SystemPrompt string        // claude only: appended system prompt
	ProbeTimeout time.Duration // availability probe timeout
}
