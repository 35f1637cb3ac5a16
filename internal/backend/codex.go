package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"
)

// CodexAdapter drives the Codex CLI in sandboxed batch mode.
// Every work order is a fresh `codex exec` thread; nothing is resumed.
type CodexAdapter struct {
	mu           sync.Mutex
	command      string
	extraArgs    []string
	threadID     string // Thread ID of the most recent execution
	workDir      string
	model        string
	probeTimeout time.Duration
	procMgr      *ProcessManager
}

// NewCodexAdapter creates a new Codex backend adapter.
func NewCodexAdapter(cfg Config, procMgr *ProcessManager) (*CodexAdapter, error) {
	command := cfg.Command
	if command == "" {
		command = string(FamilyCodex)
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}

	return &CodexAdapter{
		command:      command,
		extraArgs:    append([]string(nil), cfg.Args...),
		workDir:      cfg.WorkDir,
		model:        cfg.Model,
		probeTimeout: probeTimeout,
		procMgr:      procMgr,
	}, nil
}

// Family implements Adapter.
func (c *CodexAdapter) Family() Family { return FamilyCodex }

// ThreadID returns the thread of the most recent execution.
func (c *CodexAdapter) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// IsAvailable implements Adapter.
func (c *CodexAdapter) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()
	return probe(ctx, c.command, c.procMgr) == nil
}

// Execute implements Adapter.
func (c *CodexAdapter) Execute(ctx context.Context, order WorkOrder, opts ExecuteOptions) (WorkReport, error) {
	return collect(c.ExecuteStreaming(ctx, order, opts))
}

// ExecuteStreaming implements Adapter.
func (c *CodexAdapter) ExecuteStreaming(ctx context.Context, order WorkOrder, opts ExecuteOptions) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}

		dir := order.RepoPath
		if dir == "" {
			dir = c.workDir
		}

		cmd := newCommand(ctx, c.command, c.buildArgs(renderPrompt(order), dir, order.Tooling)...)
		cmd.Dir = dir

		// The turn summary is the last agent message seen before turn.completed.
		var lastMessage string
		decode := func(line []byte) Event {
			ev := decodeCodexLine(line)
			e, ok := ev.(CodexEvent)
			if !ok {
				return ev
			}
			switch {
			case e.Type == "thread.started" && e.ThreadID != "":
				c.mu.Lock()
				c.threadID = e.ThreadID
				c.mu.Unlock()
			case e.Type == "item.completed" && e.Item != nil && e.Item.Type == "agent_message":
				lastMessage = e.Item.Text
			case e.Type == "turn.completed":
				e.Summary = lastMessage
			}
			return e
		}

		streamCommand(ctx, cmd, c.procMgr, decode, yield)
	}
}

// buildArgs constructs the command arguments for `codex exec`.
func (c *CodexAdapter) buildArgs(prompt, dir string, tooling Tooling) []string {
	args := []string{"exec", "--json", "--skip-git-repo-check"}

	if dir != "" {
		args = append(args, "-C", dir)
	}

	if tooling.Sandbox {
		args = append(args, "--sandbox", "workspace-write")
	} else {
		args = append(args, "--sandbox", "danger-full-access")
	}

	if tooling.ApprovalRequired {
		args = append(args, "-c", `approval_policy="on-request"`)
	} else {
		args = append(args, "-c", `approval_policy="never"`)
	}

	if len(tooling.WriteRoots) > 0 {
		quoted := make([]string, len(tooling.WriteRoots))
		for i, root := range tooling.WriteRoots {
			quoted[i] = fmt.Sprintf("%q", root)
		}
		args = append(args, "-c", "sandbox_workspace_write.writable_roots=["+strings.Join(quoted, ",")+"]")
	}

	if c.model != "" {
		args = append(args, "--model", c.model)
	}

	args = append(args, c.extraArgs...)
	return append(args, prompt)
}

func decodeCodexLine(line []byte) Event {
	var ev CodexEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return Malformed{Family: FamilyCodex, Line: string(line), Err: err}
	}
	return ev
}
