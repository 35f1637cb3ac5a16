package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// maxLineSize bounds a single NDJSON line from a backend.
const maxLineSize = 16 * 1024 * 1024

// newCommand creates an exec.Cmd with process group isolation.
// The Setpgid: true flag ensures the subprocess is in its own process group,
// and context cancellation kills the whole group rather than just the leader.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // Create new process group for signal propagation
	}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	return cmd
}

// executeCommand executes a command and returns its stdout, stderr, and any error.
// Both pipes are drained concurrently before cmd.Wait() so large outputs cannot
// deadlock the subprocess. The ProcessManager is optional.
func executeCommand(ctx context.Context, cmd *exec.Cmd, pm *ProcessManager) (stdout []byte, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start command: %w", err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer

	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()

	// Wait for both pipe readers to complete
	wg.Wait()

	// Now it's safe to call cmd.Wait()
	waitErr := cmd.Wait()

	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()

	if waitErr != nil {
		if ctx.Err() != nil {
			return stdout, stderr, fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		if len(stderr) > 0 {
			return stdout, stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, strings.TrimSpace(string(stderr)))
		}
		return stdout, stderr, fmt.Errorf("command failed: %w", waitErr)
	}

	return stdout, stderr, nil
}

// streamCommand starts cmd and yields one decoded event per stdout line.
// If yield returns false the process group is killed and streaming stops
// without reporting an error. Stderr is drained concurrently and attached to
// the exit error.
func streamCommand(ctx context.Context, cmd *exec.Cmd, pm *ProcessManager, decode func(line []byte) Event, yield func(Event, error) bool) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		yield(nil, fmt.Errorf("failed to create stdout pipe: %w", err))
		return
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		yield(nil, fmt.Errorf("failed to start command: %w", err))
		return
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	stopped := false
	scanner := bufio.NewScanner(stdoutPipe)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if !yield(decode(line), nil) {
			stopped = true
			killProcessGroup(cmd)
			break
		}
	}
	scanErr := scanner.Err()
	// Drain whatever is left so Wait does not block on a full pipe.
	io.Copy(io.Discard, stdoutPipe)

	waitErr := cmd.Wait()
	if stopped {
		return
	}

	switch {
	case ctx.Err() != nil:
		yield(nil, fmt.Errorf("command interrupted: %w", ctx.Err()))
	case waitErr != nil:
		if stderr := strings.TrimSpace(stderrBuf.String()); stderr != "" {
			yield(nil, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, stderr))
			return
		}
		yield(nil, fmt.Errorf("command failed: %w", waitErr))
	case scanErr != nil && !errors.Is(scanErr, io.EOF):
		yield(nil, fmt.Errorf("failed to read output: %w", scanErr))
	}
}

// killProcessGroup kills the entire process group associated with the command.
// This ensures all child processes are terminated, not just the immediate subprocess.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}

	// Send SIGKILL to the entire process group (negative PID)
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}

	return nil
}

// ProcessManager tracks all running subprocesses and can terminate them all on shutdown.
//
// Usage pattern (typically in main):
//
//	pm := NewProcessManager()
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer cancel()
//	go func() {
//	  <-ctx.Done()
//	  pm.KillAll()
//	}()
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a subprocess for tracking.
// Should be called after cmd.Start() when cmd.Process is available.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess from tracking.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates all tracked subprocesses.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}

	return errors.Join(errs...)
}

// Count returns the number of currently tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}

// probe runs `<command> --version` and reports whether it exits cleanly.
func probe(ctx context.Context, command string, pm *ProcessManager) error {
	if _, err := exec.LookPath(command); err != nil {
		return err
	}
	cmd := newCommand(ctx, command, "--version")
	_, _, err := executeCommand(ctx, cmd, pm)
	return err
}
