// Package risk watches open positions and enforces the stop-loss, profit
// target, and portfolio stop-loss rules. The monitor refreshes quotes and
// publishes read-only snapshots; the engine consumes them and decides.
// Position status changes flow through the closer only.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mossriver/ironfly/internal/alerts"
	"github.com/mossriver/ironfly/internal/errs"
	"github.com/mossriver/ironfly/internal/market"
	"github.com/mossriver/ironfly/internal/positions"
)

// Monitor polls the venue for every open leg symbol once per interval,
// refreshes the book's marks, and publishes a snapshot for the engine.
type Monitor struct {
	book     *positions.Book
	market   *market.Service
	interval time.Duration
	sink     alerts.Sink
	logger   *log.Logger

	// limiter keeps a persistently failing symbol from flooding the
	// operator: three identical failures inside the window raise one alert.
	limiter *errs.Limiter

	out chan positions.Snapshot
}

// NewMonitor builds a monitor publishing on a single-slot channel. A slow
// consumer sees the freshest snapshot, never a backlog.
func NewMonitor(book *positions.Book, mkt *market.Service, interval time.Duration,
	sink alerts.Sink, logger *log.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	if sink == nil {
		sink = alerts.Noop{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[MONITOR] ", log.LstdFlags)
	}
	return &Monitor{
		book:     book,
		market:   mkt,
		interval: interval,
		sink:     sink,
		logger:   logger,
		limiter:  errs.DefaultLimiter(),
		out:      make(chan positions.Snapshot, 1),
	}
}

// Snapshots returns the channel the engine consumes. Closed when Run returns.
func (m *Monitor) Snapshots() <-chan positions.Snapshot {
	return m.out
}

// Run ticks until the context is canceled.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.out)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Printf("monitor stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick refreshes the mark of every open leg and publishes one snapshot.
// A failed symbol keeps its last mark and is retried next tick.
func (m *Monitor) tick(ctx context.Context) {
	symbols := m.book.OpenSymbols()
	for _, sym := range symbols {
		ob, err := m.market.Book(ctx, sym)
		if err != nil {
			m.logger.Printf("quote refresh for %s failed, keeping last mark: %v", sym, err)
			if m.limiter.Observe(errorCode(err), sym) {
				m.sink.Alert(fmt.Sprintf(
					"Repeated quote failures for %s\nLast error: %v\nMarks may be stale", sym, err))
			}
			continue
		}
		m.book.UpdateQuote(sym, ob.BestBid(), ob.BestAsk())
	}
	if len(symbols) == 0 {
		return
	}

	snap := m.book.Snapshot()
	select {
	case m.out <- snap:
	default:
		// Engine busy: replace the stale snapshot with the fresh one.
		select {
		case <-m.out:
		default:
		}
		select {
		case m.out <- snap:
		default:
		}
	}
}

// errorCode keys the alert limiter by venue error code where one exists.
func errorCode(err error) string {
	var apiErr *errs.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return "QUOTE_FAILURE"
}
