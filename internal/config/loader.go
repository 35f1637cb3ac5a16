package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed files or invalid values return an error.
//
// A layer only overrides the keys it sets. Providers merge by name; the
// worker list of a layer replaces the list below it.
func Load(globalPath, projectPath string) (*OrchestratorConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GlobalDir is the per-user configuration directory.
func GlobalDir() string {
	return filepath.Join(xdg.ConfigHome, "goalrunner")
}

// ProjectDir is the configuration directory relative to a project root.
const ProjectDir = ".goalrunner"

// LoadDefault loads configuration from conventional paths.
// Global: $XDG_CONFIG_HOME/goalrunner/config.{yaml,yml,json}
// Project: .goalrunner/config.{yaml,yml,json} (relative to cwd)
func LoadDefault() (*OrchestratorConfig, error) {
	return Load(FindConfig(GlobalDir()), FindConfig(ProjectDir))
}

// FindConfig returns the first config file present in dir, or dir/config.yaml.
func FindConfig(dir string) string {
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return filepath.Join(dir, "config.yaml")
}

// mergeConfigFile decodes a YAML or JSON file over base.
// Missing files are silently skipped.
func mergeConfigFile(base *OrchestratorConfig, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	// Decode the worker list separately so a layer without one keeps the
	// list below it, and a layer with one replaces it outright.
	workers := base.Workers
	base.Workers = nil

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, base)
	default:
		err = yaml.Unmarshal(data, base)
	}
	if err != nil {
		base.Workers = workers
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if base.Workers == nil {
		base.Workers = workers
	}
	return nil
}
