package backend

import (
	"context"
	"testing"
)

func TestNewCodexAdapter_Defaults(t *testing.T) {
	adapter, err := NewCodexAdapter(Config{Type: "codex", WorkDir: "/tmp"}, NewProcessManager())
	if err != nil {
		t.Fatalf("NewCodexAdapter failed: %v", err)
	}
	if adapter.command != "codex" {
		t.Errorf("Expected default command 'codex', got %q", adapter.command)
	}
	if adapter.ThreadID() != "" {
		t.Errorf("Expected empty thread ID, got %q", adapter.ThreadID())
	}
}

func TestCodexAdapter_BuildArgs(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		tooling  Tooling
		expected []string
	}{
		{
			name:    "sandboxed batch",
			cfg:     Config{},
			tooling: Tooling{Sandbox: true},
			expected: []string{"exec", "--json", "--skip-git-repo-check", "-C", "/repo",
				"--sandbox", "workspace-write", "-c", `approval_policy="never"`, "fix it"},
		},
		{
			name:    "unsandboxed with approval and model",
			cfg:     Config{Model: "gpt-5"},
			tooling: Tooling{ApprovalRequired: true},
			expected: []string{"exec", "--json", "--skip-git-repo-check", "-C", "/repo",
				"--sandbox", "danger-full-access", "-c", `approval_policy="on-request"`, "--model", "gpt-5", "fix it"},
		},
		{
			name:    "writable roots",
			cfg:     Config{},
			tooling: Tooling{Sandbox: true, WriteRoots: []string{"/repo/a", "/tmp/b"}},
			expected: []string{"exec", "--json", "--skip-git-repo-check", "-C", "/repo",
				"--sandbox", "workspace-write", "-c", `approval_policy="never"`,
				"-c", `sandbox_workspace_write.writable_roots=["/repo/a","/tmp/b"]`, "fix it"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, _ := NewCodexAdapter(tt.cfg, nil)
			got := adapter.buildArgs("fix it", "/repo", tt.tooling)
			if !sliceEqual(got, tt.expected) {
				t.Errorf("Expected args %v, got %v", tt.expected, got)
			}
			if containsString(got, "resume") {
				t.Error("batch adapter must never resume a thread")
			}
		})
	}
}

func TestCodexAdapter_ExecuteStreaming(t *testing.T) {
	script := writeScript(t, `cat <<'EOF'
{"type":"thread.started","thread_id":"th_1"}
{"type":"turn.started"}
{"type":"item.started","item":{"id":"i1","type":"command_execution","command":"go test ./...","status":"in_progress"}}
{"type":"item.completed","item":{"id":"i1","type":"command_execution","command":"go test ./...","aggregated_output":"ok","exit_code":0,"status":"completed"}}
{"type":"item.completed","item":{"id":"i2","type":"agent_message","text":"tests pass"}}
{"type":"turn.completed","usage":{"input_tokens":10,"output_tokens":5}}
EOF
`)
	adapter, _ := NewCodexAdapter(Config{Command: script, WorkDir: t.TempDir()}, nil)

	var events []Event
	for ev, err := range adapter.ExecuteStreaming(context.Background(), WorkOrder{Objective: "x"}, ExecuteOptions{}) {
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		events = append(events, ev)
	}

	if len(events) != 6 {
		t.Fatalf("Expected 6 events, got %d", len(events))
	}
	if adapter.ThreadID() != "th_1" {
		t.Errorf("Expected thread th_1, got %q", adapter.ThreadID())
	}
	report, ok := events[5].Outcome()
	if !ok || report.Status != ReportDone || report.Summary != "tests pass" {
		t.Errorf("Unexpected outcome: %+v ok=%v", report, ok)
	}
}

func TestCodexAdapter_TurnFailed(t *testing.T) {
	script := writeScript(t, `cat <<'EOF'
{"type":"thread.started","thread_id":"th_2"}
{"type":"error","message":"reconnecting"}
{"type":"turn.failed","error":{"message":"sandbox denied write"}}
EOF
`)
	adapter, _ := NewCodexAdapter(Config{Command: script, WorkDir: t.TempDir()}, nil)

	report, err := adapter.Execute(context.Background(), WorkOrder{Objective: "x"}, ExecuteOptions{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if report.Status != ReportFailed || report.ErrorMessage() != "sandbox denied write" {
		t.Errorf("Unexpected report: %+v", report)
	}
}

func TestDecodeCodexLine_Malformed(t *testing.T) {
	ev := decodeCodexLine([]byte("{broken"))
	m, ok := ev.(Malformed)
	if !ok {
		t.Fatalf("Expected Malformed, got %T", ev)
	}
	if m.Source() != FamilyCodex || m.Err == nil {
		t.Errorf("Unexpected malformed event: %+v", m)
	}
}
