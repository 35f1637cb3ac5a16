package orchestrator

import (
	"errors"
	"os"
	"syscall"

	"github.com/google/uuid"
)

// RunOwner identifies the controller whose scheduling loop executes a run.
// Several processes may share one store; only the owner may finish the run.
type RunOwner struct {
	Host     string `json:"host"`
	PID      int    `json:"pid"`
	Instance string `json:"instance"` // unique per Controller
}

// CurrentOwner describes a new controller in this process.
func CurrentOwner() RunOwner {
	host, _ := os.Hostname()
	return RunOwner{Host: host, PID: os.Getpid(), Instance: uuid.NewString()}
}

// ProcessAlive reports whether the owner's process still exists. An owner on
// another host cannot be checked and is assumed alive.
func ProcessAlive(o RunOwner) bool {
	host, _ := os.Hostname()
	if o.Host != host {
		return true
	}
	if o.PID <= 0 {
		return false
	}
	err := syscall.Kill(o.PID, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// cancelRequest asks the owning controller of a running run to cancel it.
type cancelRequest struct {
	Reason string   `json:"reason"`
	From   RunOwner `json:"from"`
}

const cancelPrefix = "cancel-requests/"

func cancelKey(id string) string { return cancelPrefix + id }
