package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/aristath/goalrunner/internal/events"
	"github.com/aristath/goalrunner/internal/orchestrator"
	"github.com/aristath/goalrunner/internal/plan"
	"github.com/aristath/goalrunner/internal/tui"
)

type runOptions struct {
	goal     string
	repo     string
	planPath string
	tui      bool
	verbose  bool
	workers  map[string]int
}

func newRunCmd(c *cli) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run --plan FILE",
		Short: "Execute a plan against a repository",
		Long: `Execute the tasks of a plan file (YAML or JSON) against a repository.
Tasks run on the configured worker pool in dependency order; the first task
failure cancels everything that depends on it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPlan(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.planPath, "plan", "p", "", "plan file with the tasks to run")
	cmd.Flags().StringVarP(&opts.goal, "goal", "g", "", "goal of the run (defaults to the plan's goal)")
	cmd.Flags().StringVarP(&opts.repo, "repo", "r", ".", "repository the tasks work in")
	cmd.Flags().BoolVar(&opts.tui, "tui", false, "show the live terminal UI")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "print backend logs in plain output")
	cmd.Flags().StringToIntVarP(&opts.workers, "workers", "w", nil, "worker count per group for this run, e.g. claude=3,codex=0")
	cmd.MarkFlagRequired("plan")
	return cmd
}

func (c *cli) runPlan(cmd *cobra.Command, opts runOptions) error {
	p, err := plan.LoadFile(opts.planPath)
	if err != nil {
		return err
	}
	goal := opts.goal
	if goal == "" {
		goal = p.Goal
	}
	if goal == "" {
		return errors.New("a goal is required: pass --goal or set goal in the plan")
	}
	repo, err := filepath.Abs(opts.repo)
	if err != nil {
		return err
	}
	graph, err := p.Graph(uuid.NewString())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The app outlives the signal context so shutdown can record interrupted runs.
	a, err := newApp(context.Background(), c.cfg, c.log)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.recoverOrphans(ctx); err != nil {
		return err
	}
	if err := a.Scale(opts.workers); err != nil {
		return err
	}
	if err := a.StartPool(ctx); err != nil {
		return err
	}
	run, err := a.ctrl.Create(ctx, goal, repo, graph)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run %s: %d tasks on %d workers\n", run.ID, graph.Len(), a.pool.Size())

	return c.follow(ctx, stop, out, a, run.ID, goal, opts.tui, opts.verbose, func(ctx context.Context) error {
		_, err := a.ctrl.Start(ctx, run.ID)
		return err
	})
}

// follow starts a run and shows it until it finishes, the user leaves the TUI
// or a signal arrives. Leaving the TUI early cancels the run; a signal shuts
// the process down and the run becomes interrupted.
func (c *cli) follow(ctx context.Context, stop context.CancelFunc, out io.Writer, a *app, runID, goal string, useTUI, verbose bool, start func(context.Context) error) error {
	interactive := useTUI && term.IsTerminal(int(os.Stdout.Fd()))

	// Subscribe before starting so no event is missed.
	var (
		model tui.Model
		sub   <-chan events.Event
	)
	if interactive {
		model = tui.New(a.bus, runID, goal, func() error {
			_, err := a.ctrl.Cancel(context.Background(), runID)
			return err
		})
	} else {
		sub = a.bus.SubscribeAll(1024)
		defer a.bus.Unsubscribe(sub)
	}

	if err := start(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.ctrl.Wait(context.Background(), runID)
	}()

	if interactive {
		c.followTUI(ctx, out, a, runID, model, done)
	} else {
		printEvents(ctx, out, runID, sub, done, verbose)
	}

	if ctx.Err() != nil {
		// Restore default signal handling so a second Ctrl+C exits at once.
		stop()
		fmt.Fprintln(out, "Shutdown signal received, interrupting run...")
		a.Close()
	}

	run, err := a.ctrl.Get(context.Background(), runID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	printRun(out, run, time.Now())
	if run.Status != orchestrator.RunCompleted {
		return fmt.Errorf("run %s %s", run.ID, run.Status)
	}
	return nil
}

func (c *cli) followTUI(ctx context.Context, out io.Writer, a *app, runID string, model tui.Model, done <-chan struct{}) {
	p := tea.NewProgram(model, tea.WithAltScreen())

	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	select {
	case err := <-errChan:
		if err != nil {
			fmt.Fprintf(out, "TUI exited: %v\n", err)
		}
		select {
		case <-done:
			return
		default:
		}
		fmt.Fprintln(out, "Cancelling run; in-flight tasks finish first...")
		if _, err := a.ctrl.Cancel(context.Background(), runID); err != nil {
			fmt.Fprintf(out, "Cancel failed: %v\n", err)
		}
		select {
		case <-done:
		case <-ctx.Done():
		}

	case <-ctx.Done():
		p.Quit()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		select {
		case <-errChan:
		case <-shutdownCtx.Done():
			c.log.Warn("TUI did not exit in time")
		}
	}
}

// printEvents writes events of one run until the run finishes or ctx is done.
func printEvents(ctx context.Context, out io.Writer, runID string, sub <-chan events.Event, done <-chan struct{}, verbose bool) {
	emit := func(ev events.Event) {
		if ev.RunID() != runID {
			return
		}
		if line, ok := formatEvent(ev, verbose); ok {
			fmt.Fprintln(out, line)
		}
	}

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			emit(ev)
		case <-done:
			for {
				select {
				case ev, ok := <-sub:
					if !ok {
						return
					}
					emit(ev)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
