// Package shutdown coordinates the two termination paths: the graceful one
// used by signals and the session end, and the emergency one used by the
// portfolio stop-loss. Whichever path fires first wins; later callers wait
// for it to finish.
package shutdown

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/mossriver/ironfly/internal/alerts"
	"github.com/mossriver/ironfly/internal/logging"
	"github.com/mossriver/ironfly/internal/models"
	"github.com/mossriver/ironfly/internal/positions"
)

const (
	gracefulCloseTimeout  = 15 * time.Second
	emergencyCloseTimeout = 5 * time.Second
)

// Coordinator owns process termination.
type Coordinator struct {
	closer *positions.Closer
	book   *positions.Book
	events *logging.EventLogger
	sink   alerts.Sink
	logger *log.Logger

	// stopWorkers cancels the session, scheduler, monitor, and risk engine.
	stopWorkers func()
	// exitFn terminates the process; swapped out in tests.
	exitFn func(int)

	fired atomic.Bool
	done  chan struct{}
	// incomplete is set when the graceful close-out left positions behind;
	// the run loop turns it into a non-zero exit code.
	incomplete atomic.Bool

	closeTimeout     time.Duration
	emergencyTimeout time.Duration
}

// NewCoordinator builds a coordinator. A nil exitFn means os.Exit.
func NewCoordinator(closer *positions.Closer, book *positions.Book, events *logging.EventLogger,
	sink alerts.Sink, logger *log.Logger, stopWorkers func(), exitFn func(int)) *Coordinator {
	if logger == nil {
		logger = log.New(log.Writer(), "[SHUTDOWN] ", log.LstdFlags)
	}
	if sink == nil {
		sink = alerts.Noop{}
	}
	if stopWorkers == nil {
		stopWorkers = func() {}
	}
	if exitFn == nil {
		exitFn = os.Exit
	}
	return &Coordinator{
		closer:           closer,
		book:             book,
		events:           events,
		sink:             sink,
		logger:           logger,
		stopWorkers:      stopWorkers,
		exitFn:           exitFn,
		done:             make(chan struct{}),
		closeTimeout:     gracefulCloseTimeout,
		emergencyTimeout: emergencyCloseTimeout,
	}
}

// Wait blocks until a shutdown path has run to completion.
func (c *Coordinator) Wait() {
	<-c.done
}

// ExitCode returns the process exit code for the graceful path: non-zero
// when the close-out left positions open on the venue.
func (c *Coordinator) ExitCode() int {
	if c.incomplete.Load() {
		return 1
	}
	return 0
}

// Graceful stops the workers, flattens open positions within a bounded
// window, and reports the session summary. Later callers of either path
// block until the first finishes.
func (c *Coordinator) Graceful(reason string) {
	if !c.fired.CompareAndSwap(false, true) {
		<-c.done
		return
	}
	defer close(c.done)

	c.logger.Printf("graceful shutdown: %s", reason)
	c.events.Emit(logging.EventGracefulShutdownStarted, logging.Fields{"reason": reason})

	// Workers stop before the close-out so the scheduler cannot open a new
	// position and the risk engine cannot race the flatten. The closer
	// fetches its own books; it does not depend on the monitor's marks.
	c.stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), c.closeTimeout)
	closed, failed := c.closer.CloseAll(ctx, models.PositionClosedRisk, "Shutdown: "+reason)
	cancel()

	remaining := c.book.OpenCount()
	if failed > 0 || remaining > 0 {
		c.incomplete.Store(true)
		c.sink.Alert(fmt.Sprintf(
			"Shutdown close-out incomplete: %d closed, %d failed\nPositions may remain open on the venue\nManual check required",
			closed, failed))
	}

	c.sink.Notify(c.summary(reason))
	c.events.Emit(logging.EventGracefulShutdownCompleted, logging.Fields{
		"reason": reason, "closed": closed, "failed": failed, "remaining": remaining,
	})
	c.logger.Printf("graceful shutdown complete (%d closed, %d failed)", closed, failed)
}

// Emergency flattens everything on a short deadline and exits with code 1.
func (c *Coordinator) Emergency(reason string) {
	if !c.fired.CompareAndSwap(false, true) {
		<-c.done
		return
	}
	defer close(c.done)

	c.logger.Printf("EMERGENCY shutdown: %s", reason)
	c.events.Emit(logging.EventEmergencyShutdown, logging.Fields{"reason": reason})
	c.sink.Alert(fmt.Sprintf("EMERGENCY SHUTDOWN\nReason: %s", reason))

	c.stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), c.emergencyTimeout)
	closed, failed := c.closer.CloseAll(ctx, models.PositionClosedRisk, "Emergency shutdown: "+reason)
	cancel()
	if failed > 0 {
		c.sink.Alert(fmt.Sprintf(
			"Emergency close-out incomplete: %d closed, %d failed\nPositions may remain open on the venue",
			closed, failed))
	}

	c.exitFn(1)
}

func (c *Coordinator) summary(reason string) string {
	pnl, closed := c.book.RealizedPnL()
	return fmt.Sprintf("Engine stopped: %s\nPositions this session: %d\nClosed: %d, realized P&L: %s\nStill open: %d",
		reason, c.book.TotalCount(), closed, pnl, c.book.OpenCount())
}
