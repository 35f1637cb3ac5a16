package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/goalrunner/internal/backend"
)

// BreakerSettings configures per-family circuit breakers.
type BreakerSettings struct {
	ConsecutiveFailures uint32        // Trip after this many process-level failures in a row (default 5)
	OpenTimeout         time.Duration // Stay open this long before probing again (default 30s)
	HalfOpenRequests    uint32        // Requests allowed while half-open (default 1)
}

// DefaultBreakerSettings returns the default breaker configuration.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    1,
	}
}

// BreakerRegistry manages one circuit breaker per backend family, shared by
// every worker of that family.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[backend.Family]*gobreaker.CircuitBreaker
	settings BreakerSettings
	log      *zap.Logger
}

// NewBreakerRegistry creates a registry. Zero-valued settings fields take defaults.
func NewBreakerRegistry(settings BreakerSettings, log *zap.Logger) *BreakerRegistry {
	def := DefaultBreakerSettings()
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = def.ConsecutiveFailures
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = def.OpenTimeout
	}
	if settings.HalfOpenRequests == 0 {
		settings.HalfOpenRequests = def.HalfOpenRequests
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BreakerRegistry{
		breakers: make(map[backend.Family]*gobreaker.CircuitBreaker),
		settings: settings,
		log:      log.With(zap.String("component", "breaker")),
	}
}

// Get returns the circuit breaker for the given family, creating it on first use.
func (r *BreakerRegistry) Get(family backend.Family) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[family]; ok {
		return cb
	}

	threshold := r.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(family),
		MaxRequests: r.settings.HalfOpenRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.Warn("circuit breaker state change",
				zap.String("family", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Cancellation and timeouts are not counted as backend faults.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[family] = cb
	return cb
}

// State returns the current state of a family's breaker.
func (r *BreakerRegistry) State(family backend.Family) gobreaker.State {
	return r.Get(family).State()
}

func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
