package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"

	"github.com/aristath/goalrunner/internal/backend"
	"github.com/aristath/goalrunner/internal/events"
	"github.com/aristath/goalrunner/internal/orchestrator"
	"github.com/aristath/goalrunner/internal/scheduler"
	"github.com/aristath/goalrunner/internal/tui"
	"github.com/aristath/goalrunner/internal/worker"
)

// formatEvent renders a bus event as one line of plain output. Log entries
// are shown only when verbose.
func formatEvent(ev events.Event, verbose bool) (string, bool) {
	switch e := ev.(type) {
	case events.TaskStartedEvent:
		return fmt.Sprintf("▶ %s on %s (%s)", e.ID, e.WorkerID, e.Family), true
	case events.TaskCompletedEvent:
		line := fmt.Sprintf("✓ %s (%s)", e.ID, e.Duration.Round(100*time.Millisecond))
		if s := firstLine(e.Summary); s != "" {
			line += ": " + s
		}
		return line, true
	case events.TaskFailedEvent:
		return fmt.Sprintf("✗ %s: %s", e.ID, e.Error), true
	case events.TaskCancelledEvent:
		return fmt.Sprintf("⊘ %s: %s", e.ID, e.Reason), true
	case events.RunStatusEvent:
		line := fmt.Sprintf("Run %s → %s", e.From, e.To)
		if e.Error != "" {
			line += ": " + e.Error
		}
		return line, true
	case events.LogEvent:
		if !verbose {
			return "", false
		}
		return fmt.Sprintf("  [%s] %s", e.Task, tui.FormatLog(e)), true
	}
	return "", false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return truncate(s, 100)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// taskCounts returns completed and total task counts from a run's snapshot.
func taskCounts(run *orchestrator.Run) (int, int) {
	if run.Graph == nil {
		return 0, 0
	}
	completed := 0
	for _, t := range run.Graph.Tasks {
		if t.Status == scheduler.TaskCompleted {
			completed++
		}
	}
	return completed, len(run.Graph.Tasks)
}

// printRuns writes a table of runs, newest first.
func printRuns(w io.Writer, runs []*orchestrator.Run, now time.Time) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tTASKS\tATTEMPT\tCREATED\tGOAL")
	for _, run := range runs {
		done, total := taskCounts(run)
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%s\t%s\n",
			run.ID, run.Status, done, total, run.Attempt,
			humanize.RelTime(run.CreatedAt, now, "ago", "from now"),
			truncate(firstLine(run.Goal), 60))
	}
	tw.Flush()
}

// printRun writes the full record of a run.
func printRun(w io.Writer, run *orchestrator.Run, now time.Time) {
	fmt.Fprintf(w, "Run:      %s\n", run.ID)
	fmt.Fprintf(w, "Status:   %s (attempt %d)\n", run.Status, run.Attempt)
	fmt.Fprintf(w, "Repo:     %s\n", run.RepoPath)
	fmt.Fprintf(w, "Created:  %s\n", humanize.RelTime(run.CreatedAt, now, "ago", "from now"))
	if !run.FinishedAt.IsZero() && !run.StartedAt.IsZero() {
		fmt.Fprintf(w, "Took:     %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
	}
	if run.Summary != "" {
		fmt.Fprintf(w, "Summary:  %s\n", run.Summary)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", run.Error)
	}
	fmt.Fprintf(w, "\nGoal:\n  %s\n", strings.ReplaceAll(strings.TrimSpace(run.Goal), "\n", "\n  "))

	if run.Graph != nil {
		fmt.Fprintln(w, "\nTasks:")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, t := range run.Graph.Tasks {
			detail := firstLine(t.Summary)
			if t.Error != "" {
				detail = t.Error
			}
			deps := "-"
			if len(t.DependsOn) > 0 {
				deps = strings.Join(t.DependsOn, ",")
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.WorkerID, deps, detail)
		}
		tw.Flush()
	}

	if len(run.Reports) > 0 {
		fmt.Fprintln(w, "\nReports:")
		for _, r := range run.Reports {
			fmt.Fprintf(w, "  #%d %s %s by %s in %s\n", r.Attempt, r.TaskID, r.Status, r.WorkerID, r.Duration.Round(100*time.Millisecond))
		}
	}

	if len(run.Chat) > 0 {
		fmt.Fprintln(w, "\nChat:")
		for _, turn := range run.Chat {
			fmt.Fprintf(w, "  %s: %s\n", turn.Role, turn.Content)
		}
	}
}

// familyState is one backend family of the pool.
type familyState struct {
	Family  backend.Family
	Workers int
	Breaker string
}

// printPool writes a worker pool summary.
func printPool(w io.Writer, st worker.PoolStatus, families []familyState) {
	fmt.Fprintf(w, "Workers:   %d (%d idle, %d running, %d error)\n", st.Total, st.Idle, st.Running, st.Error)
	fmt.Fprintf(w, "Tasks:     %s completed, %s failed\n", humanize.Comma(int64(st.Completed)), humanize.Comma(int64(st.Failed)))
	for _, f := range families {
		fmt.Fprintf(w, "  %-8s %d %s, breaker %s\n", f.Family, f.Workers, english.PluralWord(f.Workers, "worker", ""), f.Breaker)
	}
}
