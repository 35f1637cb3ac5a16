package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher is the subset of *nats.Conn used by the forwarder.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Envelope is the JSON payload forwarded for every event.
type Envelope struct {
	Type   string `json:"type"`
	RunID  string `json:"run_id,omitempty"`
	TaskID string `json:"task_id,omitempty"`
	Data   Event  `json:"data"`
}

// Forwarder relays bus events to NATS subjects of the form
// <prefix>.<runID>.<eventType>.
type Forwarder struct {
	pub    Publisher
	prefix string
	log    *zap.Logger
}

// NewForwarder creates a forwarder. An empty prefix defaults to "goalrunner".
func NewForwarder(pub Publisher, prefix string, log *zap.Logger) *Forwarder {
	if prefix == "" {
		prefix = "goalrunner"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Forwarder{pub: pub, prefix: prefix, log: log.With(zap.String("component", "nats-forwarder"))}
}

// ConnectNATS dials a NATS server with reconnects enabled.
func ConnectNATS(url string, log *zap.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("goalrunner"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return conn, nil
}

// Subject returns the subject an event is published on.
func (f *Forwarder) Subject(event Event) string {
	run := event.RunID()
	if run == "" {
		run = "_"
	}
	return f.prefix + "." + run + "." + event.EventType()
}

// Forward publishes a single event.
func (f *Forwarder) Forward(event Event) error {
	data, err := json.Marshal(Envelope{
		Type:   event.EventType(),
		RunID:  event.RunID(),
		TaskID: event.TaskID(),
		Data:   event,
	})
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.EventType(), err)
	}
	if err := f.pub.Publish(f.Subject(event), data); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.EventType(), err)
	}
	return nil
}

// Run forwards events from ch until it closes or ctx is done.
// Publish failures are logged and do not stop forwarding.
func (f *Forwarder) Run(ctx context.Context, ch <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := f.Forward(event); err != nil {
				f.log.Warn("event not forwarded", zap.Error(err))
			}
		}
	}
}
