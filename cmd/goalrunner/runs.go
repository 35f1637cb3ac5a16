package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/goalrunner/internal/orchestrator"
)

func newRunsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and manage recorded runs",
	}
	cmd.AddCommand(
		newRunsListCmd(c),
		newRunsInterruptedCmd(c),
		newRunsRecoverCmd(c),
		newRunsShowCmd(c),
		newRunsRestartCmd(c),
		newRunsCancelCmd(c),
		newRunsDiscardCmd(c),
		newRunsChatCmd(c),
		newRunsPoolCmd(c),
	)
	return cmd
}

// withApp opens the app for a short-lived command.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, c.cfg, c.log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newRunsListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls", "history"},
		Short:   "List runs that were not interrupted, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				runs, err := a.ctrl.History(ctx)
				if err != nil {
					return err
				}
				printRuns(cmd.OutOrStdout(), runs, time.Now())
				return nil
			})
		},
	}
}

func newRunsInterruptedCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "interrupted",
		Short: "List runs cut short by a process exit",
		Long: `List runs cut short by a process exit. Interrupted runs are never
resumed automatically: restart or discard each one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				runs, err := a.ctrl.Interrupted(ctx)
				if err != nil {
					return err
				}
				printRuns(cmd.OutOrStdout(), runs, time.Now())
				return nil
			})
		},
	}
}

func newRunsRecoverCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Mark runs whose owning process has exited as interrupted",
		Long: `Mark runs whose owning process has exited as interrupted. Runs still
executing in another live goalrunner process are left alone. The run and
restart commands perform the same scan before they execute anything.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				orphans, err := a.recoverOrphans(ctx)
				if err != nil {
					return err
				}
				if len(orphans) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No orphaned runs.")
					return nil
				}
				printRuns(cmd.OutOrStdout(), orphans, time.Now())
				return nil
			})
		},
	}
}

func newRunsShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show a run with its tasks, reports and chat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				run, err := a.ctrl.Get(ctx, args[0])
				if err != nil {
					return err
				}
				printRun(cmd.OutOrStdout(), run, time.Now())
				return nil
			})
		},
	}
}

func newRunsRestartCmd(c *cli) *cobra.Command {
	var useTUI, verbose bool
	var workers map[string]int
	cmd := &cobra.Command{
		Use:   "restart RUN_ID",
		Short: "Run a completed, failed or interrupted run again",
		Long: `Run a completed, failed or interrupted run again. Completed tasks are kept
unless the whole run had completed. The run's goal, repository and task graph
must still be intact.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(context.Background(), c.cfg, c.log)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.recoverOrphans(ctx); err != nil {
				return err
			}
			run, err := a.ctrl.Get(ctx, runID)
			if err != nil {
				return err
			}
			if err := a.Scale(workers); err != nil {
				return err
			}
			if err := a.StartPool(ctx); err != nil {
				return err
			}
			return c.follow(ctx, stop, cmd.OutOrStdout(), a, runID, run.Goal, useTUI, verbose, func(ctx context.Context) error {
				_, err := a.ctrl.Restart(ctx, runID)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&useTUI, "tui", false, "show the live terminal UI")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print backend logs in plain output")
	cmd.Flags().StringToIntVarP(&workers, "workers", "w", nil, "worker count per group for this restart, e.g. claude=1,codex=2")
	return cmd
}

func newRunsCancelCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a pending or running run",
		Long: `Cancel a pending or running run. A run executing in another goalrunner
process is asked to stop and becomes cancelled once its in-flight tasks drain.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				run, err := a.ctrl.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				if run.Status == orchestrator.RunRunning {
					fmt.Fprintf(cmd.OutOrStdout(), "Cancellation of run %s requested.\n", run.ID)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Run %s is %s.\n", run.ID, run.Status)
				return nil
			})
		},
	}
}

func newRunsDiscardCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "discard RUN_ID",
		Short: "Delete an interrupted run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.recoverOrphans(ctx); err != nil {
					return err
				}
				if err := a.ctrl.Discard(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Run %s discarded.\n", args[0])
				return nil
			})
		},
	}
}

func newRunsChatCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "chat RUN_ID MESSAGE...",
		Short: "Ask a follow-up question about a finished run",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				reply, err := a.ctrl.Chat(ctx, args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply)
				return nil
			})
		},
	}
}

func newRunsPoolCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "pool RUN_ID",
		Short: "Show the worker pool summary for a run that is not executing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				st, err := a.ctrl.PoolStatus(ctx, args[0])
				if err != nil {
					return err
				}
				printPool(cmd.OutOrStdout(), st, a.familyStates())
				return nil
			})
		},
	}
}

