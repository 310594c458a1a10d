package resilience

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jpillora/backoff"

	"github.com/mossriver/ironfly/internal/errs"
)

// RetryConfig tunes the inner retry loop.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig is 3 attempts with delays of 1s, 2s, 4s ... capped.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// Wrapper is the resilience layer every venue call passes through: an inner
// retry with exponential backoff, under an outer circuit breaker. One call
// to Exec counts as at most one breaker sample regardless of retries.
type Wrapper struct {
	breaker *Breaker
	retry   RetryConfig
	logger  *log.Logger
	sleep   func(context.Context, time.Duration) error
}

// NewWrapper builds a Wrapper around the shared breaker.
func NewWrapper(breaker *Breaker, logger *log.Logger, retry ...RetryConfig) *Wrapper {
	cfg := DefaultRetryConfig()
	if len(retry) > 0 {
		cfg = retry[0]
		if cfg.MaxAttempts < 1 {
			cfg.MaxAttempts = 1
		}
		if cfg.InitialDelay <= 0 {
			cfg.InitialDelay = time.Second
		}
		if cfg.MaxDelay < cfg.InitialDelay {
			cfg.MaxDelay = cfg.InitialDelay
		}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[RESILIENCE] ", log.LstdFlags)
	}
	return &Wrapper{
		breaker: breaker,
		retry:   cfg,
		logger:  logger,
		sleep:   sleepCtx,
	}
}

// Breaker exposes the shared breaker for status reporting.
func (w *Wrapper) Breaker() *Breaker {
	return w.breaker
}

// Exec runs fn with retry inside the circuit breaker. Non-recoverable errors
// are surfaced immediately; recoverable ones are retried up to MaxAttempts
// with exponential backoff.
func (w *Wrapper) Exec(ctx context.Context, opName string, fn func(context.Context) (any, error)) (any, error) {
	return w.breaker.Execute(func() (any, error) {
		bo := &backoff.Backoff{
			Min:    w.retry.InitialDelay,
			Max:    w.retry.MaxDelay,
			Factor: 2,
		}

		var lastErr error
		for attempt := 1; attempt <= w.retry.MaxAttempts; attempt++ {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%s canceled: %w", opName, ctx.Err())
			}

			v, err := fn(ctx)
			if err == nil {
				return v, nil
			}
			lastErr = err

			if !errs.Recoverable(err) {
				w.logger.Printf("%s failed permanently: %v", opName, err)
				return nil, err
			}
			if attempt == w.retry.MaxAttempts {
				break
			}

			delay := bo.Duration()
			w.logger.Printf("%s attempt %d/%d failed, retrying in %v: %v",
				opName, attempt, w.retry.MaxAttempts, delay, err)
			if err := w.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%s canceled during backoff: %w", opName, err)
			}
		}
		return nil, fmt.Errorf("%s failed after %d attempts: %w", opName, w.retry.MaxAttempts, lastErr)
	})
}

// Exec runs fn through the wrapper preserving its result type.
func Exec[T any](ctx context.Context, w *Wrapper, opName string, fn func(context.Context) (T, error)) (T, error) {
	res, err := w.Exec(ctx, opName, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s returned unexpected type %T", opName, res)
	}
	return v, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
