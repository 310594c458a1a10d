package session

import (
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossriver/ironfly/internal/config"
	"github.com/mossriver/ironfly/internal/logging"
)

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

func sessionConfig(t *testing.T, start, end string) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Venue.APIKey = "0123456789"
	cfg.Venue.APISecret = "0123456789"
	cfg.Venue.BaseURL = "https://venue.test"
	cfg.Session.Start = start
	cfg.Session.End = end
	cfg.Session.Timezone = "UTC"
	require.NoError(t, cfg.Validate())
	return cfg
}

type sessionSink struct {
	mu      sync.Mutex
	alerts  []string
	notices []string
}

func (s *sessionSink) Alert(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, text)
}

func (s *sessionSink) Notify(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, text)
}

func (s *sessionSink) hasAlert(sub string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if strings.Contains(a, sub) {
			return true
		}
	}
	return false
}

func at(hour, min int) func() time.Time {
	return func() time.Time {
		return time.Date(2026, 8, 24, hour, min, 0, 0, time.UTC)
	}
}

func TestRunMissedSession(t *testing.T) {
	cfg := sessionConfig(t, "12:25", "13:25")
	sink := &sessionSink{}
	c := NewController(cfg, logging.NewEventLogger(io.Discard), sink, discard())
	c.now = at(14, 0)

	ran := false
	err := c.Run(context.Background(), func(context.Context) { ran = true })

	require.NoError(t, err)
	assert.Equal(t, StateMissed, c.State())
	assert.False(t, ran, "workers never start after the window")
	assert.True(t, sink.hasAlert("Trading session missed"))
}

func TestRunWaitsForStart(t *testing.T) {
	cfg := sessionConfig(t, "12:25", "13:25")
	c := NewController(cfg, logging.NewEventLogger(io.Discard), &sessionSink{}, discard())
	c.now = at(10, 0)

	var slept time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = d
		c.now = at(12, 25)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	var stateInWorkers State
	err := c.Run(ctx, func(context.Context) {
		stateInWorkers = c.State()
		cancel()
	})

	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour+25*time.Minute, slept)
	assert.Equal(t, StateActive, stateInWorkers)
	assert.Equal(t, StateEnded, c.State())
}

func TestRunStartsImmediatelyInsideWindow(t *testing.T) {
	cfg := sessionConfig(t, "12:25", "13:25")
	c := NewController(cfg, logging.NewEventLogger(io.Discard), &sessionSink{}, discard())
	c.now = at(12, 40)
	c.sleep = func(context.Context, time.Duration) error {
		t.Fatal("no wait expected inside the window")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	err := c.Run(ctx, func(context.Context) { cancel() })

	require.NoError(t, err)
	assert.Equal(t, StateEnded, c.State())
}

func TestRunInterruptedWhileWaiting(t *testing.T) {
	cfg := sessionConfig(t, "12:25", "13:25")
	c := NewController(cfg, logging.NewEventLogger(io.Discard), &sessionSink{}, discard())
	c.now = at(10, 0)
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		return context.Canceled
	}

	err := c.Run(context.Background(), func(context.Context) {
		t.Fatal("workers must not start")
	})
	require.Error(t, err)
	assert.Equal(t, StateWaiting, c.State())
}

func TestEndIsIdempotent(t *testing.T) {
	cfg := sessionConfig(t, "12:25", "13:25")
	c := NewController(cfg, logging.NewEventLogger(io.Discard), &sessionSink{}, discard())
	c.now = at(12, 30)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Run(ctx, func(context.Context) { cancel() }))

	assert.Equal(t, StateEnded, c.State())
	c.End("again")
	c.End("and again")
	assert.Equal(t, StateEnded, c.State())
}

func TestWorkerContextCarriesSessionDeadline(t *testing.T) {
	cfg := sessionConfig(t, "12:25", "13:25")
	c := NewController(cfg, logging.NewEventLogger(io.Discard), &sessionSink{}, discard())
	c.now = at(12, 40)

	ctx, cancel := context.WithCancel(context.Background())
	var deadline time.Time
	require.NoError(t, c.Run(ctx, func(wctx context.Context) {
		deadline, _ = wctx.Deadline()
		cancel()
	}))

	want := time.Date(2026, 8, 24, 13, 25, 0, 0, time.UTC)
	assert.True(t, deadline.Equal(want), "got %s", deadline)
}
