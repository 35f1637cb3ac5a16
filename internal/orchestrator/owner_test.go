package orchestrator

import (
	"os/exec"
	"testing"
)

func TestProcessAlive(t *testing.T) {
	self := CurrentOwner()
	if self.Instance == "" || self.Instance == CurrentOwner().Instance {
		t.Error("Expected a unique instance per owner")
	}
	if !ProcessAlive(self) {
		t.Error("Expected this process to be alive")
	}

	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("true not available: %v", err)
	}
	exited := self
	exited.PID = cmd.ProcessState.Pid()
	if ProcessAlive(exited) {
		t.Errorf("Expected exited pid %d to be gone", exited.PID)
	}

	remote := exited
	remote.Host = self.Host + ".elsewhere"
	if !ProcessAlive(remote) {
		t.Error("Expected an owner on another host to be assumed alive")
	}

	if ProcessAlive(RunOwner{Host: self.Host}) {
		t.Error("Expected an owner without a pid to be gone")
	}
}
