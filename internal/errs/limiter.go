package errs

import (
	"sync"
	"time"
)

// Limiter rate-limits operator alerts for repeated identical errors.
// Identical means the same (errorCode, context) pair. Once the pair has been
// seen Threshold times inside the cooldown window, Observe returns true
// exactly once; further repeats stay silent until the cooldown elapses.
type Limiter struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	entries   map[string]*limiterEntry
	now       func() time.Time
}

type limiterEntry struct {
	count       int
	windowStart time.Time
	lastAlert   time.Time
}

// DefaultLimiter returns a Limiter with the standard threshold of 3
// occurrences and a 5 minute cooldown.
func DefaultLimiter() *Limiter {
	return NewLimiter(3, 5*time.Minute)
}

func NewLimiter(threshold int, cooldown time.Duration) *Limiter {
	if threshold < 1 {
		threshold = 1
	}
	return &Limiter{
		threshold: threshold,
		cooldown:  cooldown,
		entries:   make(map[string]*limiterEntry),
		now:       time.Now,
	}
}

// Observe records one occurrence of (code, context) and reports whether the
// caller should emit an operator alert now.
func (l *Limiter) Observe(code, context string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := code + "|" + context
	now := l.now()

	e, ok := l.entries[key]
	if !ok || now.Sub(e.windowStart) > l.cooldown {
		e = &limiterEntry{windowStart: now}
		if ok {
			e.lastAlert = l.entries[key].lastAlert
		}
		l.entries[key] = e
	}
	e.count++

	if e.count < l.threshold {
		return false
	}
	if !e.lastAlert.IsZero() && now.Sub(e.lastAlert) < l.cooldown {
		return false
	}
	e.lastAlert = now
	e.count = 0
	return true
}

// Reset clears all accumulated state.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*limiterEntry)
}
