package orchestrator

import "sync"

// CancelToken is a one-shot cooperative cancellation signal. The scheduling
// loop observes it only between ticks.
type CancelToken struct {
	once   sync.Once
	mu     sync.Mutex
	reason string
	done   chan struct{}
}

// NewCancelToken returns an uncancelled token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel signals cancellation. Only the first call has an effect; it reports
// whether this call was the one that cancelled.
func (t *CancelToken) Cancel(reason string) bool {
	cancelled := false
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()
		close(t.done)
		cancelled = true
	})
	return cancelled
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed on cancellation.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

// Reason returns the reason given to Cancel.
func (t *CancelToken) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}
