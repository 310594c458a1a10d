package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mossriver/ironfly/internal/alerts"
	"github.com/mossriver/ironfly/internal/logging"
)

// CycleRunner opens one position per cycle.
type CycleRunner interface {
	OpenCycle(ctx context.Context) error
}

// CycleFunc adapts a function to CycleRunner.
type CycleFunc func(ctx context.Context) error

func (f CycleFunc) OpenCycle(ctx context.Context) error { return f(ctx) }

// Scheduler runs the configured number of entry cycles: the first
// immediately, the rest one interval apart. Cycles never overlap; a cycle
// that overruns its slot delays the next one. The schedule stops early when
// the session context closes or the halt condition reports true.
type Scheduler struct {
	runner   CycleRunner
	cycles   int
	interval time.Duration
	// halted stops the schedule permanently, e.g. after a portfolio stop.
	halted func() bool

	events *logging.EventLogger
	sink   alerts.Sink
	logger *log.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewScheduler builds a scheduler. A nil halted never halts.
func NewScheduler(runner CycleRunner, cycles int, interval time.Duration, halted func() bool,
	events *logging.EventLogger, sink alerts.Sink, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(log.Writer(), "[CYCLES] ", log.LstdFlags)
	}
	if sink == nil {
		sink = alerts.Noop{}
	}
	if halted == nil {
		halted = func() bool { return false }
	}
	if cycles < 1 {
		cycles = 1
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		runner:   runner,
		cycles:   cycles,
		interval: interval,
		halted:   halted,
		events:   events,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Run executes the cycle schedule and returns when it completes or is cut
// short. Completion of all cycles is announced; the engine keeps monitoring
// open positions until the session ends.
func (s *Scheduler) Run(ctx context.Context) {
	for i := 1; i <= s.cycles; i++ {
		if ctx.Err() != nil {
			s.logger.Printf("schedule stopped at cycle %d/%d: %v", i, s.cycles, ctx.Err())
			return
		}
		if s.halted() {
			s.logger.Printf("schedule halted before cycle %d/%d", i, s.cycles)
			return
		}

		startedAt := s.now()
		s.runCycle(ctx, i)

		if i == s.cycles {
			break
		}
		// Next cycle is due one interval after this one started.
		wait := s.interval - s.now().Sub(startedAt)
		if wait <= 0 {
			continue
		}
		if err := s.sleep(ctx, wait); err != nil {
			s.logger.Printf("schedule stopped between cycles: %v", err)
			return
		}
	}

	if s.halted() || ctx.Err() != nil {
		return
	}
	s.logger.Printf("all %d cycles completed", s.cycles)
	s.sink.Notify(fmt.Sprintf("All %d cycles completed; monitoring until session end", s.cycles))
}

func (s *Scheduler) runCycle(ctx context.Context, n int) {
	s.events.Emit(logging.EventCycleStarted, logging.Fields{
		"cycle": n, "of": s.cycles,
	})
	s.logger.Printf("cycle %d/%d starting", n, s.cycles)

	if err := s.runner.OpenCycle(ctx); err != nil {
		s.logger.Printf("cycle %d/%d failed: %v", n, s.cycles, err)
		s.sink.Alert(fmt.Sprintf("Cycle %d/%d failed: %v", n, s.cycles, err))
		return
	}

	s.events.Emit(logging.EventCycleCompleted, logging.Fields{
		"cycle": n, "of": s.cycles,
	})
	s.logger.Printf("cycle %d/%d completed", n, s.cycles)
}
