// Package session owns the intraday trading window: waiting for the start,
// running the cycle scheduler inside the window, and ending the session at
// the configured close.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mossriver/ironfly/internal/alerts"
	"github.com/mossriver/ironfly/internal/config"
	"github.com/mossriver/ironfly/internal/logging"
)

// State is the lifecycle of one trading session.
type State string

const (
	StateWaiting State = "WAITING"
	StateActive  State = "ACTIVE"
	StateEnded   State = "ENDED"
	// StateMissed means the process started after the session window closed.
	StateMissed State = "MISSED"
)

// Controller drives the session through its states. Workers run only while
// the session is active; their context is canceled at the session end.
type Controller struct {
	cfg    *config.Config
	events *logging.EventLogger
	sink   alerts.Sink
	logger *log.Logger

	mu    sync.Mutex
	state State

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewController builds a controller in the WAITING state.
func NewController(cfg *config.Config, events *logging.EventLogger, sink alerts.Sink, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(log.Writer(), "[SESSION] ", log.LstdFlags)
	}
	if sink == nil {
		sink = alerts.Noop{}
	}
	return &Controller{
		cfg:    cfg,
		events: events,
		sink:   sink,
		logger: logger,
		state:  StateWaiting,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateEnded || c.state == StateMissed {
		return false
	}
	if c.state == s {
		return false
	}
	c.state = s
	return true
}

// Run blocks through one full session: wait for the window, hand an
// end-bounded context to workers, and end the session when the window or
// the parent context closes. A start after the window ends is reported and
// skipped entirely.
func (c *Controller) Run(ctx context.Context, workers func(context.Context)) error {
	start, end := c.cfg.SessionWindow(c.now())

	if !c.now().Before(end) {
		c.setState(StateMissed)
		c.logger.Printf("session window %s-%s already over", c.cfg.Session.Start, c.cfg.Session.End)
		c.sink.Alert(fmt.Sprintf(
			"Trading session missed\nWindow: %s-%s %s\nNo positions will be opened today",
			c.cfg.Session.Start, c.cfg.Session.End, c.cfg.Location()))
		return nil
	}

	if wait := start.Sub(c.now()); wait > 0 {
		c.logger.Printf("waiting %v for session start at %s", wait.Round(time.Second), c.cfg.Session.Start)
		c.sink.Notify(fmt.Sprintf("Waiting for session start at %s %s", c.cfg.Session.Start, c.cfg.Location()))
		if err := c.sleep(ctx, wait); err != nil {
			return fmt.Errorf("interrupted before session start: %w", err)
		}
	}

	if !c.setState(StateActive) {
		return nil
	}
	c.events.Emit(logging.EventSessionStarted, logging.Fields{
		"start": c.cfg.Session.Start,
		"end":   c.cfg.Session.End,
	})
	c.sink.Notify(fmt.Sprintf("Session started\nWindow: %s-%s %s\nCycles: %d every %d min",
		c.cfg.Session.Start, c.cfg.Session.End, c.cfg.Location(),
		c.cfg.Session.NumberOfCycles, c.cfg.Session.CycleIntervalMinutes))

	sessCtx, cancel := context.WithDeadline(ctx, end)
	defer cancel()
	workers(sessCtx)
	<-sessCtx.Done()

	c.End("session window closed")
	return nil
}

// End moves the session to ENDED exactly once. Safe to call from the
// shutdown path and the window deadline concurrently.
func (c *Controller) End(reason string) {
	if !c.setState(StateEnded) {
		return
	}
	c.logger.Printf("session ended: %s", reason)
	c.events.Emit(logging.EventSessionEnded, logging.Fields{"reason": reason})
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
