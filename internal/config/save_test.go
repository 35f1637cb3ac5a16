package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Config file was not created: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Config file contains invalid JSON: %v", err)
	}
	locks := raw["locks"].(map[string]any)
	if locks["hold_timeout"] != "5s" {
		t.Errorf("durations should be written as strings, got %v", locks["hold_timeout"])
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			cfg := DefaultConfig()
			cfg.Providers["fast"] = ProviderConfig{Type: "claude", Command: "claude", Args: []string{"--verbose"}, Model: "haiku"}
			cfg.Workers = append(cfg.Workers, WorkerGroupConfig{Name: "fast", Provider: "fast", Count: 3, SystemPrompt: "Be quick."})
			cfg.Scheduler.TaskTimeout = Duration(90 * time.Second)
			cfg.Tooling.WriteRoots = []string{"/tmp/work"}
			cfg.Events.NATSURL = "nats://localhost:4222"

			if err := Save(cfg, path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			loaded, err := Load(path, "")
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			if got := loaded.Providers["fast"]; got.Model != "haiku" || len(got.Args) != 1 {
				t.Errorf("fast provider mismatch: %+v", got)
			}
			if len(loaded.Workers) != 3 || loaded.Workers[2].SystemPrompt != "Be quick." {
				t.Errorf("workers mismatch: %+v", loaded.Workers)
			}
			if loaded.Scheduler.TaskTimeout.Std() != 90*time.Second {
				t.Errorf("task timeout mismatch: %s", loaded.Scheduler.TaskTimeout)
			}
			if len(loaded.Tooling.WriteRoots) != 1 || loaded.Events.NATSURL != "nats://localhost:4222" {
				t.Errorf("tooling or events mismatch: %+v %+v", loaded.Tooling, loaded.Events)
			}
		})
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := DefaultConfig()
	cfg.Log.Level = "debug"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("First save failed: %v", err)
	}
	cfg.Log.Level = "error"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Log.Level != "error" {
		t.Errorf("Expected 'error', got '%s'", loaded.Log.Level)
	}
}

func TestDuration_NumericJSON(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte("1500000000"), &d); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if d.Std() != 1500*time.Millisecond {
		t.Errorf("got %s, want 1.5s", d)
	}
}
