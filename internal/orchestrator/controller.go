package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/goalrunner/internal/backend"
	"github.com/aristath/goalrunner/internal/events"
	"github.com/aristath/goalrunner/internal/persistence"
	"github.com/aristath/goalrunner/internal/runlock"
	"github.com/aristath/goalrunner/internal/scheduler"
	"github.com/aristath/goalrunner/internal/worker"
)

// DefaultChatHoldTimeout bounds run-lock acquisition for chat, which may wait
// behind a long model turn.
const DefaultChatHoldTimeout = 2 * time.Minute

// DefaultCancelPollInterval is how often a live loop checks the store for a
// cancel request filed by another process.
const DefaultCancelPollInterval = time.Second

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	Store    persistence.RecordStore
	Runner   *Runner
	Pool     *worker.Pool
	Registry *Registry
	Locks    *runlock.Locker
	Bus      *events.EventBus       // Optional
	Chat     backend.Conversational // Optional; Chat fails without it

	ChatHoldTimeout time.Duration
	Tooling         backend.Tooling
	TaskTimeout     time.Duration
	ContextLimit    int

	// Owner is stamped on every run this controller launches. Zero means CurrentOwner().
	Owner RunOwner
	// OwnerAlive reports whether another controller still owns a running run.
	// Defaults to ProcessAlive.
	OwnerAlive         func(RunOwner) bool
	CancelPollInterval time.Duration

	Logger *zap.Logger
	Now    func() time.Time
}

// Controller owns run records and their lifecycle: it starts scheduling
// loops, serializes mutating operations through the run lock and repairs runs
// orphaned by a crash.
type Controller struct {
	cfg   ControllerConfig
	store persistence.RecordStore
	locks *runlock.Locker
	reg   *Registry
	log   *zap.Logger
	now   func() time.Time
	owner RunOwner

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewController creates a controller. Runner, Pool, Store and Registry are required.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Locks == nil {
		cfg.Locks = runlock.New(runlock.DefaultHoldTimeout, cfg.Logger)
	}
	if cfg.ChatHoldTimeout <= 0 {
		cfg.ChatHoldTimeout = DefaultChatHoldTimeout
	}
	if cfg.Owner == (RunOwner{}) {
		cfg.Owner = CurrentOwner()
	}
	if cfg.OwnerAlive == nil {
		cfg.OwnerAlive = ProcessAlive
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = DefaultCancelPollInterval
	}
	base, stop := context.WithCancel(context.Background())
	return &Controller{
		cfg:   cfg,
		store: cfg.Store,
		locks: cfg.Locks,
		reg:   cfg.Registry,
		log:   cfg.Logger.With(zap.String("component", "controller")),
		now:   cfg.Now,
		owner: cfg.Owner,
		base:  base,
		stop:  stop,
	}
}

// Create validates the graph and persists a new pending run.
func (c *Controller) Create(ctx context.Context, goal, repoPath string, graph *scheduler.TaskGraph) (*Run, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, errors.New("goal is required")
	}
	if graph == nil || graph.Len() == 0 {
		return nil, &scheduler.GraphValidationError{Reason: "graph has no tasks"}
	}
	if _, err := graph.Validate(); err != nil {
		return nil, err
	}

	now := c.now()
	run := &Run{
		ID:        uuid.NewString(),
		Goal:      goal,
		RepoPath:  repoPath,
		Mode:      ModeExecute,
		Status:    RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	graph.RunID = run.ID
	if err := c.captureGraph(run, graph); err != nil {
		return nil, err
	}
	if err := c.save(ctx, run); err != nil {
		return nil, err
	}

	c.log.Info("run created", zap.String("run_id", run.ID), zap.Int("tasks", graph.Len()))
	return run, nil
}

// Start launches the scheduling loop of a pending run and returns without
// waiting for it.
func (c *Controller) Start(ctx context.Context, runID string) (*Run, error) {
	return runlock.WithLock(ctx, c.locks, runID, "start", runlock.Options{}, func(ctx context.Context) (*Run, error) {
		run, err := c.Get(ctx, runID)
		if err != nil {
			return nil, err
		}
		if err := ValidateTransition(run.Status, RunRunning); err != nil {
			return nil, err
		}
		if run.Status != RunPending {
			return nil, fmt.Errorf("%w: use restart for a %s run", ErrInvalidTransition, run.Status)
		}
		if run.Graph == nil {
			return nil, fmt.Errorf("run %s has no task graph", runID)
		}
		graph, err := scheduler.RestoreGraph(*run.Graph)
		if err != nil {
			return nil, err
		}
		repoContext, err := GatherRepoContext(run.RepoPath)
		if err != nil {
			return nil, err
		}
		return c.launch(ctx, run, graph, repoContext)
	})
}

// Execute creates a run, starts it and waits for it to finish.
func (c *Controller) Execute(ctx context.Context, goal, repoPath string, graph *scheduler.TaskGraph) (*Run, error) {
	run, err := c.Create(ctx, goal, repoPath, graph)
	if err != nil {
		return nil, err
	}
	if _, err := c.Start(ctx, run.ID); err != nil {
		return nil, err
	}
	return c.Wait(ctx, run.ID)
}

// Wait blocks until the run has no live scheduling loop and returns its record.
func (c *Controller) Wait(ctx context.Context, runID string) (*Run, error) {
	if live, ok := c.reg.Lookup(runID); ok {
		select {
		case <-live.Done():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.Get(ctx, runID)
}

// Cancel stops a run. A pending run is cancelled at once; a running run has
// its cancel token set and becomes cancelled after in-flight tasks drain. A
// run executing under another live controller gets a cancel request in the
// store, which its owner picks up; the returned record is still running.
func (c *Controller) Cancel(ctx context.Context, runID string) (*Run, error) {
	return runlock.WithLock(ctx, c.locks, runID, "cancel", runlock.Options{}, func(ctx context.Context) (*Run, error) {
		if live, ok := c.reg.Lookup(runID); ok {
			if live.Token.Cancel("cancelled by user") {
				c.log.Info("run cancellation requested", zap.String("run_id", runID))
			}
			return c.Get(ctx, runID)
		}

		run, err := c.Get(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status == RunRunning {
			if !c.ownedElsewhere(run) {
				return nil, fmt.Errorf("%w: run %s has no live scheduling loop", ErrInvalidTransition, runID)
			}
			req := cancelRequest{Reason: "cancelled by user", From: c.owner}
			if err := persistence.PutJSON(ctx, c.store, cancelKey(runID), req); err != nil {
				return nil, fmt.Errorf("failed to request cancellation of run %s: %w", runID, err)
			}
			c.log.Info("run cancellation requested from its owner",
				zap.String("run_id", runID), zap.String("owner_host", run.Owner.Host), zap.Int("owner_pid", run.Owner.PID))
			return run, nil
		}
		from := run.Status
		if err := c.transition(run, RunCancelled); err != nil {
			return nil, err
		}
		run.FinishedAt = c.now()
		run.Error = "cancelled by user"
		if err := c.save(ctx, run); err != nil {
			return nil, err
		}
		c.emitStatus(run, from, run.Error)
		return run, nil
	})
}

// ownedElsewhere reports whether run is executing under another controller
// whose process is still alive.
func (c *Controller) ownedElsewhere(run *Run) bool {
	if run.Owner == nil || run.Owner.Instance == c.owner.Instance {
		return false
	}
	return c.cfg.OwnerAlive(*run.Owner)
}

// Restart runs a completed, failed or interrupted run again. Completed tasks
// are kept unless every task had completed, in which case the whole graph
// runs again. The stored context must still resolve: a goal, an existing
// repository, and a graph snapshot that restores, validates and matches the
// recorded fingerprint.
func (c *Controller) Restart(ctx context.Context, runID string) (*Run, error) {
	return runlock.WithLock(ctx, c.locks, runID, "restart", runlock.Options{}, func(ctx context.Context) (*Run, error) {
		if _, live := c.reg.Lookup(runID); live {
			return nil, ErrRunStillExecuting
		}
		run, err := c.Get(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status == RunRunning {
			return nil, ErrRunStillExecuting
		}
		if run.Status == RunPending {
			return nil, fmt.Errorf("%w: use start for a pending run", ErrInvalidTransition)
		}
		if err := ValidateTransition(run.Status, RunRunning); err != nil {
			return nil, err
		}

		graph, repoContext, err := c.resolve(run)
		if err != nil {
			return nil, err
		}
		if run.Status == RunCompleted {
			graph = freshGraph(graph)
		} else {
			graph.ResetForRestart()
		}

		run.Summary = ""
		run.Error = ""
		run.FinishedAt = time.Time{}
		return c.launch(ctx, run, graph, repoContext)
	})
}

// resolve rebuilds the graph and repository context a restart needs.
func (c *Controller) resolve(run *Run) (*scheduler.TaskGraph, string, error) {
	notSupported := func(reason string, err error) error {
		return &RestartNotSupportedError{RunID: run.ID, Reason: reason, Err: err}
	}

	if strings.TrimSpace(run.Goal) == "" {
		return nil, "", notSupported("goal is missing", nil)
	}
	repoContext, err := GatherRepoContext(run.RepoPath)
	if err != nil {
		return nil, "", notSupported("repository is not available", err)
	}
	if run.Graph == nil {
		return nil, "", notSupported("no task graph was recorded", nil)
	}
	graph, err := scheduler.RestoreGraph(*run.Graph)
	if err != nil {
		return nil, "", notSupported("task graph cannot be restored", err)
	}
	if _, err := graph.Validate(); err != nil {
		return nil, "", notSupported("task graph is invalid", err)
	}
	fp, err := graph.Fingerprint()
	if err != nil {
		return nil, "", notSupported("task graph cannot be fingerprinted", err)
	}
	if fp != run.Fingerprint {
		return nil, "", notSupported("task graph does not match the recorded fingerprint", nil)
	}
	return graph, repoContext, nil
}

// freshGraph returns a copy of g with every task back to pending.
func freshGraph(g *scheduler.TaskGraph) *scheduler.TaskGraph {
	snap := g.Snapshot()
	snap.FirstFailure = ""
	for i := range snap.Tasks {
		t := &snap.Tasks[i]
		t.Status = scheduler.TaskPending
		t.WorkerID = ""
		t.StartedAt = time.Time{}
		t.CompletedAt = time.Time{}
		t.Summary = ""
		t.Error = ""
	}
	fresh, err := scheduler.RestoreGraph(snap)
	if err != nil {
		// snap came from a valid graph
		panic(err)
	}
	return fresh
}

// launch moves run to running and starts its scheduling loop. Callers hold the run lock.
func (c *Controller) launch(ctx context.Context, run *Run, graph *scheduler.TaskGraph, repoContext string) (*Run, error) {
	live, err := c.reg.Register(run.ID, graph)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRunStillExecuting, err)
	}

	from := run.Status
	if err := c.transition(run, RunRunning); err != nil {
		c.reg.Unregister(run.ID)
		return nil, err
	}
	run.Attempt++
	run.StartedAt = c.now()
	owner := c.owner
	run.Owner = &owner
	if err := c.captureGraph(run, graph); err != nil {
		c.reg.Unregister(run.ID)
		return nil, err
	}
	// A request left over from an earlier attempt must not cancel this one.
	c.clearCancelRequest(ctx, run.ID)
	if err := c.save(ctx, run); err != nil {
		c.reg.Unregister(run.ID)
		return nil, err
	}
	c.emitStatus(run, from, "")

	ex := Execution{
		Graph: graph,
		Token: live.Token,
		Context: worker.RunContext{
			RunID:        run.ID,
			Goal:         run.Goal,
			RepoPath:     run.RepoPath,
			RepoContext:  repoContext,
			ContextLimit: c.cfg.ContextLimit,
			Tooling:      c.cfg.Tooling,
			Timeout:      c.cfg.TaskTimeout,
		},
	}

	// The loop goroutine owns this copy of the record until it unregisters.
	owned := *run
	owned.Reports = slices.Clone(run.Reports)
	owned.Chat = slices.Clone(run.Chat)
	ex.OnTask = func(task scheduler.Task, res worker.Result) {
		c.recordTask(&owned, graph, task, res)
	}

	watchCtx, stopWatch := context.WithCancel(c.base)
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.watchCancelRequests(watchCtx, run.ID, live.Token)
	}()
	go func() {
		defer c.wg.Done()
		defer c.reg.Unregister(run.ID)

		outcome := c.cfg.Runner.Run(c.base, ex)
		stopWatch()
		c.finalize(&owned, graph, live.Token, outcome)
	}()

	c.log.Info("run started", zap.String("run_id", run.ID), zap.Int("attempt", run.Attempt), zap.String("from", string(from)))
	return run, nil
}

// watchCancelRequests cancels token once another process files a cancel
// request for the run.
func (c *Controller) watchCancelRequests(ctx context.Context, runID string, token *CancelToken) {
	ticker := time.NewTicker(c.cfg.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		req, err := persistence.GetJSON[cancelRequest](ctx, c.store, cancelKey(runID))
		if errors.Is(err, persistence.ErrNotFound) {
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("failed to read cancel request", zap.String("run_id", runID), zap.Error(err))
			}
			continue
		}
		if token.Cancel(req.Reason) {
			c.log.Info("run cancellation requested by another process",
				zap.String("run_id", runID), zap.String("from_host", req.From.Host), zap.Int("from_pid", req.From.PID))
		}
		return
	}
}

func (c *Controller) clearCancelRequest(ctx context.Context, runID string) {
	err := c.store.Delete(ctx, cancelKey(runID))
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		c.log.Warn("failed to clear cancel request", zap.String("run_id", runID), zap.Error(err))
	}
}

// recordTask folds a task outcome into the run record and persists it.
func (c *Controller) recordTask(run *Run, graph *scheduler.TaskGraph, task scheduler.Task, res worker.Result) {
	run.Reports = append(run.Reports, TaskReport{
		TaskID:    task.ID,
		WorkerID:  res.WorkerID,
		OrderID:   res.OrderID,
		Status:    res.Report.Status,
		Summary:   res.Report.Summary,
		Error:     task.Error,
		Duration:  res.Duration,
		Attempt:   run.Attempt,
		Timestamp: c.now(),
	})
	if err := c.captureGraph(run, graph); err != nil {
		c.log.Warn("failed to snapshot graph", zap.String("run_id", run.ID), zap.Error(err))
	}
	if err := c.saveOwned(c.base, run); err != nil {
		c.log.Warn("failed to persist task report", zap.String("run_id", run.ID), zap.String("task_id", task.ID), zap.Error(err))
	}
}

// finalize records the loop's outcome on the run.
func (c *Controller) finalize(run *Run, graph *scheduler.TaskGraph, token *CancelToken, outcome scheduler.Outcome) {
	to := RunCompleted
	switch {
	case token.Cancelled():
		to = RunCancelled
		run.Error = token.Reason()
	case c.base.Err() != nil:
		to = RunInterrupted
		run.Error = "process shut down while the run was executing"
	case outcome.Status == scheduler.TaskCompleted:
		run.Error = ""
	default:
		to = RunFailed
		if outcome.FailedTask != "" {
			run.Error = fmt.Sprintf("task %s failed: %s", outcome.FailedTask, outcome.Error)
		} else {
			run.Error = "run did not complete"
		}
	}

	p := graph.Progress()
	run.Summary = fmt.Sprintf("%d/%d tasks completed, %d failed, %d cancelled", p.Completed, p.Total, p.Failed, p.Cancelled)
	run.FinishedAt = c.now()
	if err := c.captureGraph(run, graph); err != nil {
		c.log.Warn("failed to snapshot graph", zap.String("run_id", run.ID), zap.Error(err))
	}

	from := run.Status
	if err := c.transition(run, to); err != nil {
		c.log.Error("invalid final transition", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	// Persist with a fresh context: the base context is already cancelled on shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.clearCancelRequest(ctx, run.ID)
	if err := c.saveOwned(ctx, run); err != nil {
		c.log.Error("failed to persist run outcome", zap.String("run_id", run.ID), zap.String("status", string(to)), zap.Error(err))
		if errors.Is(err, errRunTakenOver) {
			return
		}
	}
	c.emitStatus(run, from, run.Error)
	c.log.Info("run finished", zap.String("run_id", run.ID), zap.String("status", string(to)), zap.String("summary", run.Summary))
}

var errRunTakenOver = errors.New("run record no longer owned by this controller")

// saveOwned persists a record written by a scheduling loop, unless the stored
// record has since stopped running under this controller.
func (c *Controller) saveOwned(ctx context.Context, run *Run) error {
	stored, err := c.Get(ctx, run.ID)
	if err != nil {
		return err
	}
	if stored.Status != RunRunning || stored.Owner == nil || stored.Owner.Instance != c.owner.Instance {
		return fmt.Errorf("%w: run %s is %s", errRunTakenOver, run.ID, stored.Status)
	}
	return c.save(ctx, run)
}

// Chat sends a follow-up message about a finished run to the conversational
// backend and records both turns. Not available while the run executes.
func (c *Controller) Chat(ctx context.Context, runID, message string) (string, error) {
	opts := runlock.Options{HoldTimeout: c.cfg.ChatHoldTimeout}
	return runlock.WithLock(ctx, c.locks, runID, "chat", opts, func(ctx context.Context) (string, error) {
		if _, live := c.reg.Lookup(runID); live {
			return "", ErrRunStillExecuting
		}
		run, err := c.Get(ctx, runID)
		if err != nil {
			return "", err
		}
		if run.Status == RunRunning {
			return "", ErrRunStillExecuting
		}
		if c.cfg.Chat == nil {
			return "", errors.New("no conversational backend configured")
		}
		if strings.TrimSpace(message) == "" {
			return "", errors.New("message is required")
		}

		reply, err := c.cfg.Chat.Converse(ctx, chatPrompt(run, message))
		if err != nil {
			return "", fmt.Errorf("chat failed: %w", err)
		}

		now := c.now()
		run.Chat = append(run.Chat,
			ChatTurn{Role: "user", Content: message, Timestamp: now},
			ChatTurn{Role: "assistant", Content: reply, Timestamp: now},
		)
		if err := c.save(ctx, run); err != nil {
			return "", err
		}
		return reply, nil
	})
}

func chatPrompt(run *Run, message string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are answering questions about a finished run.\n\nGoal:\n%s\n\nRepository: %s\nStatus: %s\n", run.Goal, run.RepoPath, run.Status)
	if run.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", run.Summary)
	}
	if run.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", run.Error)
	}
	if run.Graph != nil {
		b.WriteString("\nTasks:\n")
		for _, t := range run.Graph.Tasks {
			fmt.Fprintf(&b, "- [%s] %s", t.Status, t.ID)
			if t.Summary != "" {
				fmt.Fprintf(&b, ": %s", t.Summary)
			}
			if t.Error != "" {
				fmt.Fprintf(&b, " (error: %s)", t.Error)
			}
			b.WriteString("\n")
		}
	}
	if len(run.Chat) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, turn := range run.Chat {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
		}
	}
	fmt.Fprintf(&b, "\nuser: %s\n", message)
	return b.String()
}

// RecoverOrphans marks every run persisted as running whose owner is gone as
// interrupted. A run is left alone while a loop in this controller executes
// it or while the process that owns it is alive, so several processes may
// share one store. Interrupted runs are never resumed automatically. Returns
// the runs it reclassified.
func (c *Controller) RecoverOrphans(ctx context.Context) ([]*Run, error) {
	runs, err := c.list(ctx)
	if err != nil {
		return nil, err
	}

	var orphans []*Run
	for _, listed := range runs {
		if listed.Status != RunRunning {
			continue
		}
		var orphan *Run
		err := runlock.Do(ctx, c.locks, listed.ID, "recover", runlock.Options{}, func(ctx context.Context) error {
			if _, live := c.reg.Lookup(listed.ID); live {
				return nil
			}
			run, err := c.Get(ctx, listed.ID)
			if err != nil {
				return err
			}
			if run.Status != RunRunning {
				return nil
			}
			if c.ownedElsewhere(run) {
				c.log.Debug("run owned by a live process", zap.String("run_id", run.ID),
					zap.String("owner_host", run.Owner.Host), zap.Int("owner_pid", run.Owner.PID))
				return nil
			}
			if err := c.transition(run, RunInterrupted); err != nil {
				return err
			}
			run.Error = "process exited while the run was executing"
			if err := c.save(ctx, run); err != nil {
				return err
			}
			orphan = run
			return nil
		})
		if err != nil {
			return orphans, fmt.Errorf("failed to mark run %s interrupted: %w", listed.ID, err)
		}
		if orphan != nil {
			c.log.Warn("orphaned run marked interrupted", zap.String("run_id", orphan.ID))
			orphans = append(orphans, orphan)
		}
	}
	return orphans, nil
}

// Interrupted returns runs orphaned by a crash, newest first.
func (c *Controller) Interrupted(ctx context.Context) ([]*Run, error) {
	return c.filter(ctx, func(r *Run) bool { return r.Status == RunInterrupted })
}

// History returns every run that is not interrupted, newest first.
func (c *Controller) History(ctx context.Context) ([]*Run, error) {
	return c.filter(ctx, func(r *Run) bool { return r.Status != RunInterrupted })
}

// Get returns a run record.
func (c *Controller) Get(ctx context.Context, runID string) (*Run, error) {
	run, err := persistence.GetJSON[Run](ctx, c.store, runKey(runID))
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, err
}

// Discard deletes an interrupted run.
func (c *Controller) Discard(ctx context.Context, runID string) error {
	return runlock.Do(ctx, c.locks, runID, "discard", runlock.Options{}, func(ctx context.Context) error {
		run, err := c.Get(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != RunInterrupted {
			return fmt.Errorf("%w: only interrupted runs can be discarded, run is %s", ErrInvalidTransition, run.Status)
		}
		if err := c.store.Delete(ctx, runKey(runID)); err != nil {
			return err
		}
		c.clearCancelRequest(ctx, runID)
		c.log.Info("run discarded", zap.String("run_id", runID))
		return nil
	})
}

// PoolStatus returns the worker pool summary for a run that is not
// executing. Returns ErrRunStillExecuting while it is.
func (c *Controller) PoolStatus(ctx context.Context, runID string) (worker.PoolStatus, error) {
	if _, live := c.reg.Lookup(runID); live {
		return worker.PoolStatus{}, ErrRunStillExecuting
	}
	run, err := c.Get(ctx, runID)
	if err != nil {
		return worker.PoolStatus{}, err
	}
	if run.Status == RunRunning {
		return worker.PoolStatus{}, ErrRunStillExecuting
	}
	return c.cfg.Pool.Status(), nil
}

// Progress returns the live graph progress of an executing run, or the
// progress recorded in its last snapshot.
func (c *Controller) Progress(ctx context.Context, runID string) (scheduler.Progress, error) {
	if live, ok := c.reg.Lookup(runID); ok {
		return live.Graph.Progress(), nil
	}
	run, err := c.Get(ctx, runID)
	if err != nil {
		return scheduler.Progress{}, err
	}
	if run.Graph == nil {
		return scheduler.Progress{}, nil
	}
	graph, err := scheduler.RestoreGraph(*run.Graph)
	if err != nil {
		return scheduler.Progress{}, err
	}
	return graph.Progress(), nil
}

// Close cancels every live loop and waits for them to record their outcome.
// Runs still executing become interrupted.
func (c *Controller) Close() {
	c.stop()
	c.wg.Wait()
}

func (c *Controller) transition(run *Run, to RunStatus) error {
	if err := ValidateTransition(run.Status, to); err != nil {
		return err
	}
	run.Status = to
	run.UpdatedAt = c.now()
	return nil
}

func (c *Controller) captureGraph(run *Run, graph *scheduler.TaskGraph) error {
	fp, err := graph.Fingerprint()
	if err != nil {
		return fmt.Errorf("failed to fingerprint task graph: %w", err)
	}
	snap := graph.Snapshot()
	run.Graph = &snap
	run.Fingerprint = fp
	return nil
}

func (c *Controller) save(ctx context.Context, run *Run) error {
	run.UpdatedAt = c.now()
	if err := persistence.PutJSON(ctx, c.store, runKey(run.ID), run); err != nil {
		return fmt.Errorf("failed to persist run %s: %w", run.ID, err)
	}
	return nil
}

func (c *Controller) list(ctx context.Context) ([]*Run, error) {
	return persistence.ListJSON[Run](ctx, c.store, runPrefix, func(key string, err error) {
		c.log.Warn("skipping unreadable run record", zap.String("key", key), zap.Error(err))
	})
}

func (c *Controller) filter(ctx context.Context, keep func(*Run) bool) ([]*Run, error) {
	runs, err := c.list(ctx)
	if err != nil {
		return nil, err
	}
	out := runs[:0]
	for _, r := range runs {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (c *Controller) emitStatus(run *Run, from RunStatus, errMsg string) {
	if c.cfg.Bus == nil {
		return
	}
	c.cfg.Bus.Emit(events.RunStatusEvent{
		Run:       run.ID,
		From:      string(from),
		To:        string(run.Status),
		Error:     errMsg,
		Timestamp: c.now(),
	})
}
