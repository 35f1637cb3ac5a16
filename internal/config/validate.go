package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	knownFamilies = map[string]bool{"claude": true, "codex": true}
	knownLevels   = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// Validate fills derivable fields and rejects values no component can use.
// A provider without a type takes its key as the type when the key names a
// known family; a provider without a command runs its family's binary.
func (c *OrchestratorConfig) Validate() error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	for name, p := range c.Providers {
		if p.Type == "" && knownFamilies[name] {
			p.Type = name
		}
		if p.Command == "" {
			p.Command = p.Type
		}
		c.Providers[name] = p
		if !knownFamilies[p.Type] {
			addf("provider %q has unknown type %q", name, p.Type)
		}
	}

	if len(c.Workers) == 0 {
		addf("at least one worker group is required")
	}
	seen := make(map[string]bool)
	for i, w := range c.Workers {
		if w.Name == "" {
			addf("worker group %d has no name", i)
		} else if seen[w.Name] {
			addf("duplicate worker group %q", w.Name)
		}
		seen[w.Name] = true
		if _, ok := c.Providers[w.Provider]; !ok {
			addf("worker group %q uses unknown provider %q", w.Name, w.Provider)
		}
		if w.Count < 1 {
			addf("worker group %q must have a positive count", w.Name)
		}
	}

	if c.Chat != "" {
		if p, ok := c.Providers[c.Chat]; !ok {
			addf("chat provider %q is not defined", c.Chat)
		} else if p.Type != "claude" {
			addf("chat provider %q must be a claude provider", c.Chat)
		}
	}

	if c.Scheduler.PollInterval < 0 || c.Scheduler.TaskTimeout < 0 {
		addf("scheduler durations must not be negative")
	}
	if c.Scheduler.ContextLimit < 0 {
		addf("scheduler.context_limit must not be negative")
	}
	if c.Breaker.OpenTimeout < 0 {
		addf("breaker.open_timeout must not be negative")
	}
	if c.Locks.HoldTimeout < 0 || c.Locks.ChatHoldTimeout < 0 {
		addf("lock timeouts must not be negative")
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			addf("store.path is required for the sqlite driver")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			addf("store.redis.addr is required for the redis driver")
		}
	default:
		addf("unknown store driver %q", c.Store.Driver)
	}

	if !knownLevels[c.Log.Level] {
		addf("unknown log level %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		addf("unknown log format %q", c.Log.Format)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
