package scheduler

import (
	"fmt"
	"strings"
)

// GraphValidationError reports a structurally invalid task graph.
// It is fatal: a run whose graph fails validation never starts.
type GraphValidationError struct {
	Reason  string
	TaskIDs []string
	Err     error
}

func (e *GraphValidationError) Error() string {
	msg := "invalid task graph: " + e.Reason
	if len(e.TaskIDs) > 0 {
		msg += fmt.Sprintf(" (%s)", strings.Join(e.TaskIDs, " -> "))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GraphValidationError) Unwrap() error { return e.Err }
