package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aristath/goalrunner/internal/config"
)

func newConfigCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect configuration",
	}
	cmd.AddCommand(newConfigInitCmd(c), newConfigShowCmd(c))
	return cmd
}

func newConfigInitCmd(c *cli) *cobra.Command {
	var (
		global bool
		format string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Long: `Write the default configuration to .goalrunner/config.yaml in the current
directory, or to the user config directory with --global.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var ext string
			switch format {
			case "yaml":
				ext = ".yaml"
			case "json":
				ext = ".json"
			default:
				return fmt.Errorf("unknown format %q (want yaml or json)", format)
			}

			dir := config.ProjectDir
			if global {
				dir = config.GlobalDir()
			}
			path := filepath.Join(dir, "config"+ext)

			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				} else if !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			c.log.Debug("wrote default config")
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&global, "global", false, "write to the user config directory")
	cmd.Flags().StringVar(&format, "format", "yaml", "file format: yaml or json")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

func newConfigShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(c.cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
