package events

import (
	"slices"
	"sync"
	"sync/atomic"
)

const defaultBufSize = 256

// subscriber is one delivery channel. An empty topic receives every event.
type subscriber struct {
	topic string
	ch    chan Event
}

// EventBus fans events out to buffered subscriber channels. Publishing never
// blocks: a subscriber whose buffer is full misses the event and the miss is
// counted.
type EventBus struct {
	mu      sync.RWMutex
	subs    []subscriber
	closed  bool
	dropped atomic.Uint64
}

func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe returns a channel receiving events published on topic.
// bufSize <= 0 selects the default of 256.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.add(topic, bufSize)
}

// SubscribeAll returns a channel receiving events of every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.add("", bufSize)
}

func (b *EventBus) add(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, subscriber{topic: topic, ch: ch})
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe or
// SubscribeAll. Unknown channels are ignored.
func (b *EventBus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := slices.IndexFunc(b.subs, func(s subscriber) bool { return s.ch == ch })
	if i < 0 {
		return
	}
	close(b.subs[i].ch)
	b.subs = slices.Delete(b.subs, i, i+1)
}

// Publish delivers event to the subscribers of topic and to every
// all-topics subscriber.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.topic != "" && s.topic != topic {
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes an event on the topic derived from its type.
func (b *EventBus) Emit(event Event) {
	b.Publish(TopicOf(event), event)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later calls do nothing.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}

// TopicOf maps an event to the topic it is published on.
func TopicOf(event Event) string {
	switch event.(type) {
	case LogEvent:
		return TopicLog
	case GraphProgressEvent:
		return TopicGraph
	case RunStatusEvent:
		return TopicRun
	default:
		return TopicTask
	}
}
