package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/goalrunner/internal/config"
	"github.com/aristath/goalrunner/internal/logging"
)

// cli holds state shared by every subcommand.
type cli struct {
	configPath string
	logLevel   string

	cfg *config.OrchestratorConfig
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "goalrunner",
		Short:         "Run task graphs on a pool of coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.log != nil {
				c.log.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file used instead of the project config (.goalrunner/config.yaml)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newRunCmd(c),
		newRunsCmd(c),
		newConfigCmd(c),
	)
	return root
}

// load reads configuration and builds the logger.
func (c *cli) load() error {
	var (
		cfg *config.OrchestratorConfig
		err error
	)
	if c.configPath != "" {
		cfg, err = config.Load(config.FindConfig(config.GlobalDir()), c.configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}

	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.log = log
	return nil
}
