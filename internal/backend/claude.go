package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultProbeTimeout = 10 * time.Second

// ClaudeAdapter drives the Claude Code CLI. Sessions are resumable: the first
// invocation pins a session with --session-id, later ones continue it with --resume.
type ClaudeAdapter struct {
	mu           sync.Mutex
	command      string
	extraArgs    []string
	sessionID    string
	workDir      string
	model        string
	systemPrompt string
	probeTimeout time.Duration
	started      bool
	procMgr      *ProcessManager
}

// NewClaudeAdapter creates a new Claude Code backend adapter.
// If cfg.SessionID is empty, a new UUID will be generated.
// The ProcessManager is optional - if nil, subprocesses won't be tracked.
func NewClaudeAdapter(cfg Config, procMgr *ProcessManager) (*ClaudeAdapter, error) {
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	command := cfg.Command
	if command == "" {
		command = string(FamilyClaude)
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}

	return &ClaudeAdapter{
		command:      command,
		extraArgs:    append([]string(nil), cfg.Args...),
		sessionID:    sessionID,
		workDir:      workDir,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		probeTimeout: probeTimeout,
		started:      cfg.SessionID != "",
		procMgr:      procMgr,
	}, nil
}

// Family implements Adapter.
func (a *ClaudeAdapter) Family() Family { return FamilyClaude }

// SessionID returns the current session identifier.
func (a *ClaudeAdapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// IsAvailable implements Adapter.
func (a *ClaudeAdapter) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()
	return probe(ctx, a.command, a.procMgr) == nil
}

// Execute implements Adapter.
func (a *ClaudeAdapter) Execute(ctx context.Context, order WorkOrder, opts ExecuteOptions) (WorkReport, error) {
	return collect(a.ExecuteStreaming(ctx, order, opts))
}

// ExecuteStreaming implements Adapter.
func (a *ClaudeAdapter) ExecuteStreaming(ctx context.Context, order WorkOrder, opts ExecuteOptions) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}

		a.mu.Lock()
		args := a.buildArgs(renderPrompt(order), order.Tooling, a.started)
		a.mu.Unlock()

		cmd := newCommand(ctx, a.command, args...)
		cmd.Dir = a.dirFor(order)

		streamCommand(ctx, cmd, a.procMgr, decodeClaudeLine, func(ev Event, err error) bool {
			if msg, ok := ev.(ClaudeMessage); ok && msg.SessionID != "" {
				a.markStarted(msg.SessionID)
			}
			return yield(ev, err)
		})
	}
}

// Converse sends a free-form message in the adapter's session and returns the reply text.
func (a *ClaudeAdapter) Converse(ctx context.Context, prompt string) (string, error) {
	a.mu.Lock()
	args := []string{"-p", prompt, "--output-format", "json"}
	args = append(args, a.sessionArgs(a.started)...)
	if a.model != "" {
		args = append(args, "--model", a.model)
	}
	a.mu.Unlock()

	cmd := newCommand(ctx, a.command, args...)
	cmd.Dir = a.workDir

	stdout, stderr, err := executeCommand(ctx, cmd, a.procMgr)
	if err != nil {
		return "", fmt.Errorf("claude command failed: %w", err)
	}

	var msg ClaudeMessage
	if err := json.Unmarshal(stdout, &msg); err != nil {
		return "", fmt.Errorf("failed to parse claude response: %w (stderr: %s)", err, string(stderr))
	}
	if msg.SessionID != "" {
		a.markStarted(msg.SessionID)
	}
	if report, ok := msg.Outcome(); ok && !report.Succeeded() {
		return "", fmt.Errorf("claude reply failed: %s", report.ErrorMessage())
	}
	return msg.Result, nil
}

func (a *ClaudeAdapter) markStarted(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionID = sessionID
	a.started = true
}

func (a *ClaudeAdapter) dirFor(order WorkOrder) string {
	if order.RepoPath != "" {
		return order.RepoPath
	}
	return a.workDir
}

// sessionArgs returns --resume for an established session and --session-id otherwise.
func (a *ClaudeAdapter) sessionArgs(isResume bool) []string {
	if isResume {
		return []string{"--resume", a.sessionID}
	}
	return []string{"--session-id", a.sessionID}
}

// buildArgs constructs the command-line arguments for a streaming claude invocation.
func (a *ClaudeAdapter) buildArgs(prompt string, tooling Tooling, isResume bool) []string {
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	args = append(args, a.sessionArgs(isResume)...)

	if a.model != "" {
		args = append(args, "--model", a.model)
	}

	if tooling.ApprovalRequired {
		args = append(args, "--permission-mode", "default")
	} else {
		args = append(args, "--permission-mode", "acceptEdits")
	}

	for _, root := range tooling.WriteRoots {
		args = append(args, "--add-dir", root)
	}

	if a.systemPrompt != "" {
		args = append(args, "--append-system-prompt", a.systemPrompt)
	}

	return append(args, a.extraArgs...)
}

func decodeClaudeLine(line []byte) Event {
	var msg ClaudeMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return Malformed{Family: FamilyClaude, Line: string(line), Err: err}
	}
	return msg
}

// renderPrompt expands a work order into the prompt text handed to a CLI.
func renderPrompt(order WorkOrder) string {
	var b strings.Builder
	b.WriteString(order.Objective)

	if len(order.AcceptanceCriteria) > 0 {
		b.WriteString("\n\nAcceptance criteria:\n")
		for _, c := range order.AcceptanceCriteria {
			b.WriteString("- " + c + "\n")
		}
	}

	if len(order.VerifyCommands) > 0 {
		b.WriteString("\n\nVerify with:\n")
		for _, c := range order.VerifyCommands {
			b.WriteString("- `" + c + "`\n")
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
