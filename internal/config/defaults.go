package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// DefaultConfig returns the default configuration: two claude workers, one
// codex worker and a SQLite store under the XDG data directory.
func DefaultConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		Providers: map[string]ProviderConfig{
			"claude": {
				Command: "claude",
				Type:    "claude",
			},
			"codex": {
				Command: "codex",
				Type:    "codex",
			},
		},
		Workers: []WorkerGroupConfig{
			{Name: "claude", Provider: "claude", Count: 2},
			{Name: "codex", Provider: "codex", Count: 1},
		},
		Chat: "claude",
		Scheduler: SchedulerConfig{
			PollInterval: Duration(250 * time.Millisecond),
			ContextLimit: 8000,
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         Duration(30 * time.Second),
		},
		Locks: LocksConfig{
			HoldTimeout:     Duration(5 * time.Second),
			ChatHoldTimeout: Duration(2 * time.Minute),
		},
		Tooling: ToolingConfig{
			Sandbox: true,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(xdg.DataHome, "goalrunner", "runs.db"),
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "goalrunner:",
			},
		},
		Events: EventsConfig{
			SubjectPrefix: "goalrunner",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
