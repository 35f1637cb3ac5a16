package backend

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// Adapter is the uniform contract for driving one backend CLI.
type Adapter interface {
	// Family reports which backend family this adapter drives.
	Family() Family

	// IsAvailable probes whether the backend can currently accept work.
	IsAvailable(ctx context.Context) bool

	// Execute runs the order to completion and returns its report.
	Execute(ctx context.Context, order WorkOrder, opts ExecuteOptions) (WorkReport, error)

	// ExecuteStreaming runs the order and yields raw progress events as they arrive.
	// Breaking out of the loop stops the backend process.
	ExecuteStreaming(ctx context.Context, order WorkOrder, opts ExecuteOptions) iter.Seq2[Event, error]
}

// Conversational is implemented by adapters that can answer free-form follow-up
// messages in a resumed session.
type Conversational interface {
	Converse(ctx context.Context, prompt string) (string, error)
}

// AdapterUnavailableError is returned when a backend cannot be reached.
type AdapterUnavailableError struct {
	Family Family
	Reason string
	Err    error
}

func (e *AdapterUnavailableError) Error() string {
	msg := fmt.Sprintf("backend %s unavailable", e.Family)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AdapterUnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is or wraps an AdapterUnavailableError.
func IsUnavailable(err error) bool {
	var unavailable *AdapterUnavailableError
	return errors.As(err, &unavailable)
}

// New creates an adapter based on the provided configuration.
func New(cfg Config, pm *ProcessManager) (Adapter, error) {
	switch Family(cfg.Type) {
	case FamilyClaude:
		return NewClaudeAdapter(cfg, pm)
	case FamilyCodex:
		return NewCodexAdapter(cfg, pm)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}

// collect drains a stream and returns the report carried by its terminal event.
func collect(events iter.Seq2[Event, error]) (WorkReport, error) {
	var (
		report WorkReport
		found  bool
	)
	for ev, err := range events {
		if err != nil {
			return WorkReport{}, err
		}
		if r, ok := ev.Outcome(); ok {
			report, found = r, true
		}
	}
	if !found {
		return FailedReport("protocol", "backend stream ended without a result"), nil
	}
	return report, nil
}
