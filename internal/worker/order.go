package worker

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aristath/goalrunner/internal/backend"
	"github.com/aristath/goalrunner/internal/scheduler"
)

// DefaultContextLimit is the repository context budget, in bytes, embedded in an objective.
const DefaultContextLimit = 8000

// TruncationMarker is appended to repository context that was cut.
const TruncationMarker = "\n[... repository context truncated ...]"

const summaryLimit = 400

// RunContext is the per-run information a worker needs to build a work order.
type RunContext struct {
	RunID        string
	Goal         string
	RepoPath     string
	RepoContext  string
	ContextLimit int               // Zero uses DefaultContextLimit
	Tasks        []*scheduler.Task // Graph snapshot taken at dispatch time
	Tooling      backend.Tooling
	Timeout      time.Duration // Per-task execution timeout, zero for none
}

// BuildWorkOrder assembles the work order for a task.
func BuildWorkOrder(orderID string, task *scheduler.Task, rc RunContext) backend.WorkOrder {
	return backend.WorkOrder{
		ID:                 orderID,
		RunID:              rc.RunID,
		TaskID:             task.ID,
		Kind:               backend.TaskKindImplement,
		RepoPath:           rc.RepoPath,
		Objective:          buildObjective(task, rc),
		AcceptanceCriteria: task.AcceptanceCriteria,
		VerifyCommands:     task.VerifyCommands,
		Tooling:            rc.Tooling,
		Metadata:           backend.OrderMetadata{Priority: task.Priority},
	}
}

func buildObjective(task *scheduler.Task, rc RunContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Overall goal:\n%s\n", strings.TrimSpace(rc.Goal))

	if repo := strings.TrimSpace(rc.RepoContext); repo != "" {
		limit := rc.ContextLimit
		if limit <= 0 {
			limit = DefaultContextLimit
		}
		fmt.Fprintf(&b, "\nRepository context:\n%s\n", TruncateContext(repo, limit))
	}

	var siblings, summaries []string
	for _, other := range rc.Tasks {
		if other.ID == task.ID {
			continue
		}
		siblings = append(siblings, fmt.Sprintf("- [%s] %s", other.Status, displayName(other)))
		if other.Status == scheduler.TaskCompleted && other.Summary != "" {
			summaries = append(summaries, fmt.Sprintf("- %s: %s", displayName(other), clip(other.Summary, summaryLimit)))
		}
	}
	if len(siblings) > 0 {
		fmt.Fprintf(&b, "\nOther tasks in this run:\n%s\n", strings.Join(siblings, "\n"))
	}
	if len(summaries) > 0 {
		fmt.Fprintf(&b, "\nCompleted so far:\n%s\n", strings.Join(summaries, "\n"))
	}

	fmt.Fprintf(&b, "\nYour task: %s\n", displayName(task))
	if desc := strings.TrimSpace(task.Description); desc != "" {
		b.WriteString(desc + "\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

// TruncateContext cuts s to at most limit bytes, preferring the last newline
// before the limit and falling back to a hard cut on a rune boundary. A cut
// string ends with TruncationMarker.
func TruncateContext(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}

	cut := strings.LastIndexByte(s[:limit], '\n')
	if cut < 0 {
		cut = limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
	}
	return s[:cut] + TruncationMarker
}

func displayName(task *scheduler.Task) string {
	if task.Name != "" && task.Name != task.ID {
		return fmt.Sprintf("%s (%s)", task.Name, task.ID)
	}
	return task.ID
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
