// Package runlock provides per-run mutual exclusion with bounded waits.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultHoldTimeout bounds lock acquisition when no timeout is configured.
const DefaultHoldTimeout = 5 * time.Second

// ErrReentrant is returned when a caller already holding a run's lock tries
// to acquire it again through the same context chain.
var ErrReentrant = errors.New("run lock already held by caller")

// LockTimeoutError is returned when a run's lock could not be acquired in time.
// It is retryable.
type LockTimeoutError struct {
	RunID     string
	Operation string
	Holder    string
	Timeout   time.Duration
}

func (e *LockTimeoutError) Error() string {
	msg := fmt.Sprintf("timed out after %s waiting for lock on run %s (%s)", e.Timeout, e.RunID, e.Operation)
	if e.Holder != "" {
		msg += fmt.Sprintf(", held by %s", e.Holder)
	}
	return msg
}

// Retryable reports that the caller may try again.
func (e *LockTimeoutError) Retryable() bool { return true }

// Options tune a single acquisition.
type Options struct {
	// HoldTimeout bounds how long to wait for the lock. Zero uses the locker default.
	HoldTimeout time.Duration
}

// Locker hands out one exclusive lock per run ID. Locks for different runs
// never contend. Each lock is a one-slot channel so waits can time out.
type Locker struct {
	mu             sync.Mutex           // Guards the locks map itself
	locks          map[string]*runEntry // Per-run locks, removed when unused
	defaultTimeout time.Duration
	log            *zap.Logger
}

type runEntry struct {
	slot   chan struct{}
	refs   int    // holders plus waiters
	holder string // operation currently holding the lock
}

// New creates a Locker. A non-positive defaultTimeout uses DefaultHoldTimeout.
func New(defaultTimeout time.Duration, log *zap.Logger) *Locker {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultHoldTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Locker{
		locks:          make(map[string]*runEntry),
		defaultTimeout: defaultTimeout,
		log:            log.With(zap.String("component", "runlock")),
	}
}

// WithLock runs fn while holding the lock for runID. The lock is released on
// every exit path, including panics inside fn. The context passed to fn marks
// the lock as held so nested attempts fail fast with ErrReentrant.
func WithLock[T any](ctx context.Context, l *Locker, runID, operation string, opts Options, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if holds(ctx, runID) {
		return zero, fmt.Errorf("%w: run %s (%s)", ErrReentrant, runID, operation)
	}

	release, err := l.acquire(ctx, runID, operation, opts.HoldTimeout)
	if err != nil {
		return zero, err
	}
	defer release()

	return fn(context.WithValue(ctx, heldKey{}, &held{runID: runID, parent: heldFrom(ctx)}))
}

// Do is WithLock for operations without a result.
func Do(ctx context.Context, l *Locker, runID, operation string, opts Options, fn func(context.Context) error) error {
	_, err := WithLock(ctx, l, runID, operation, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (l *Locker) acquire(ctx context.Context, runID, operation string, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		timeout = l.defaultTimeout
	}

	l.mu.Lock()
	e, exists := l.locks[runID]
	if !exists {
		e = &runEntry{slot: make(chan struct{}, 1)}
		l.locks[runID] = e
	}
	e.refs++
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e.slot <- struct{}{}:
	case <-timer.C:
		holder := l.unref(runID, e)
		l.log.Warn("run lock timeout",
			zap.String("run_id", runID),
			zap.String("operation", operation),
			zap.String("holder", holder),
			zap.Duration("timeout", timeout))
		return nil, &LockTimeoutError{RunID: runID, Operation: operation, Holder: holder, Timeout: timeout}
	case <-ctx.Done():
		l.unref(runID, e)
		return nil, ctx.Err()
	}

	l.mu.Lock()
	e.holder = operation
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			e.holder = ""
			l.mu.Unlock()
			<-e.slot
			l.unref(runID, e)
		})
	}, nil
}

// unref drops one reference and returns the current holder.
func (l *Locker) unref(runID string, e *runEntry) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	holder := e.holder
	e.refs--
	if e.refs == 0 {
		delete(l.locks, runID)
	}
	return holder
}

type heldKey struct{}

type held struct {
	runID  string
	parent *held
}

func heldFrom(ctx context.Context) *held {
	h, _ := ctx.Value(heldKey{}).(*held)
	return h
}

func holds(ctx context.Context, runID string) bool {
	for h := heldFrom(ctx); h != nil; h = h.parent {
		if h.runID == runID {
			return true
		}
	}
	return false
}
