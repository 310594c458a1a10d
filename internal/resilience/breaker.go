// Package resilience wraps outbound venue calls with retry and a
// process-wide circuit breaker.
package resilience

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mossriver/ironfly/internal/errs"
)

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures trip CLOSED -> OPEN.
	FailureThreshold uint32
	// SuccessThreshold consecutive half-open successes restore CLOSED.
	SuccessThreshold uint32
	// OpenTimeout is how long OPEN lasts before probing HALF_OPEN.
	OpenTimeout time.Duration
	// ResetInterval clears stale closed-state failure counts.
	ResetInterval time.Duration
}

// DefaultBreakerConfig returns the standard thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		OpenTimeout:      2 * time.Minute,
		ResetInterval:    10 * time.Minute,
	}
}

// Breaker is the engine's circuit breaker. It delegates state handling to
// gobreaker and adds manual reset plus an observable status line. Rate-limit
// errors pass through without counting as failures; the venue throttling us
// is back-pressure, not an outage.
type Breaker struct {
	mu     sync.Mutex
	cb     *gobreaker.CircuitBreaker
	config BreakerConfig
	logger *log.Logger

	lastFailure time.Time
}

// NewBreaker builds a Breaker with the given name for log lines.
func NewBreaker(name string, logger *log.Logger, config ...BreakerConfig) *Breaker {
	cfg := DefaultBreakerConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[BREAKER] ", log.LstdFlags)
	}
	b := &Breaker{config: cfg, logger: logger}
	b.cb = b.newCB(name)
	return b
}

func (b *Breaker) newCB(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: b.config.SuccessThreshold,
		Interval:    b.config.ResetInterval,
		Timeout:     b.config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.config.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Printf("circuit breaker %s: %s -> %s", name, from, to)
		},
	})
}

// rateLimited smuggles a throttling error through gobreaker as a success so
// it does not count toward the failure threshold.
type rateLimited struct {
	value any
	err   error
}

// Execute runs fn under the breaker. When the breaker is open the call fails
// fast with code CIRCUIT_BREAKER_OPEN and fn is never invoked.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()

	res, err := cb.Execute(func() (any, error) {
		v, callErr := fn()
		if callErr != nil && errs.IsRateLimit(callErr) {
			return rateLimited{value: v, err: callErr}, nil
		}
		return v, callErr
	})
	if rl, ok := res.(rateLimited); ok {
		return rl.value, rl.err
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &errs.APIError{
				Code: errs.CodeCircuitOpen,
				Msg:  fmt.Sprintf("circuit breaker rejected call: %v", err),
			}
		}
		b.mu.Lock()
		b.lastFailure = time.Now()
		b.mu.Unlock()
	}
	return res, err
}

// Reset forces the breaker back to CLOSED with zeroed counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	name := b.cb.Name()
	b.cb = b.newCB(name)
	b.lastFailure = time.Time{}
	b.logger.Printf("circuit breaker %s: manual reset", name)
}

// State returns the current breaker state as CLOSED, OPEN, or HALF_OPEN.
func (b *Breaker) State() string {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()
	switch cb.State() {
	case gobreaker.StateOpen:
		return "OPEN"
	case gobreaker.StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// Status renders the diagnostic line appended to operator alerts.
func (b *Breaker) Status() string {
	b.mu.Lock()
	cb := b.cb
	last := b.lastFailure
	b.mu.Unlock()

	counts := cb.Counts()
	lastStr := "never"
	if !last.IsZero() {
		lastStr = last.Format("15:04:05")
	}
	return fmt.Sprintf("Circuit Breaker Status: State=%s, Failures=%d, Successes=%d, LastFailure=%s",
		b.State(), counts.ConsecutiveFailures, counts.ConsecutiveSuccesses, lastStr)
}
