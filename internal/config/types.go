package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig defines how to launch one backend CLI.
// Providers are separate from workers -- multiple worker groups can share one provider.
type ProviderConfig struct {
	Type    string   `json:"type" yaml:"type"`                       // Backend family: "claude" or "codex"
	Command string   `json:"command" yaml:"command"`                 // CLI binary name, defaults to the family name
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`   // Default args appended to every invocation
	Model   string   `json:"model,omitempty" yaml:"model,omitempty"` // Model override
}

// WorkerGroupConfig declares Count identical workers bound to a provider.
// Pool order follows the order of groups.
type WorkerGroupConfig struct {
	Name         string `json:"name" yaml:"name"`
	Provider     string `json:"provider" yaml:"provider"` // Key into Providers map
	Count        int    `json:"count" yaml:"count"`
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// SchedulerConfig tunes the scheduling loop and work orders.
type SchedulerConfig struct {
	PollInterval Duration `json:"poll_interval" yaml:"poll_interval"`
	TaskTimeout  Duration `json:"task_timeout" yaml:"task_timeout"`   // Zero means no per-task limit
	ContextLimit int      `json:"context_limit" yaml:"context_limit"` // Max bytes of repository context per order
}

// BreakerConfig tunes the per-family circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32   `json:"consecutive_failures" yaml:"consecutive_failures"`
	OpenTimeout         Duration `json:"open_timeout" yaml:"open_timeout"`
}

// LocksConfig bounds run-lock acquisition.
type LocksConfig struct {
	HoldTimeout     Duration `json:"hold_timeout" yaml:"hold_timeout"`
	ChatHoldTimeout Duration `json:"chat_hold_timeout" yaml:"chat_hold_timeout"`
}

// ToolingConfig is the tool policy handed to every backend.
type ToolingConfig struct {
	Sandbox          bool     `json:"sandbox" yaml:"sandbox"`
	ApprovalRequired bool     `json:"approval_required" yaml:"approval_required"`
	WriteRoots       []string `json:"write_roots,omitempty" yaml:"write_roots,omitempty"`
}

// RedisConfig locates a Redis record store.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password,omitempty" yaml:"password,omitempty"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
}

// StoreConfig selects the run record store.
type StoreConfig struct {
	Driver string      `json:"driver" yaml:"driver"` // "sqlite" or "redis"
	Path   string      `json:"path" yaml:"path"`     // SQLite database file
	Redis  RedisConfig `json:"redis" yaml:"redis"`
}

// EventsConfig enables forwarding of run events to NATS.
type EventsConfig struct {
	NATSURL       string `json:"nats_url,omitempty" yaml:"nats_url,omitempty"` // Empty disables forwarding
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"` // e.g. ":9090"; empty disables
}

// LogConfig selects log level and encoding.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json or console
}

// OrchestratorConfig is the top-level configuration.
type OrchestratorConfig struct {
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Workers   []WorkerGroupConfig       `json:"workers" yaml:"workers"`
	Chat      string                    `json:"chat" yaml:"chat"` // Provider answering follow-up chat

	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Breaker   BreakerConfig   `json:"breaker" yaml:"breaker"`
	Locks     LocksConfig     `json:"locks" yaml:"locks"`
	Tooling   ToolingConfig   `json:"tooling" yaml:"tooling"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Events    EventsConfig    `json:"events" yaml:"events"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Log       LogConfig       `json:"log" yaml:"log"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Bare numbers are nanoseconds.
		var n int64
		if nerr := json.Unmarshal(data, &n); nerr != nil {
			return fmt.Errorf("duration must be a string like \"30s\": %w", err)
		}
		*d = Duration(n)
		return nil
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}
