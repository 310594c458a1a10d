package positions

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/mossriver/ironfly/internal/alerts"
	"github.com/mossriver/ironfly/internal/exec"
	"github.com/mossriver/ironfly/internal/logging"
	"github.com/mossriver/ironfly/internal/market"
	"github.com/mossriver/ironfly/internal/models"
)

// Closer flattens positions by driving opposite-side limit orders through
// the fill driver. It is the only component that mutates position status.
type Closer struct {
	book   *Book
	driver *exec.Driver
	market *market.Service
	events *logging.EventLogger
	sink   alerts.Sink
	logger *log.Logger

	tick  decimal.Decimal
	sleep func(context.Context, time.Duration) error
}

// NewCloser wires a Closer to the shared book and fill driver.
func NewCloser(book *Book, driver *exec.Driver, mkt *market.Service,
	events *logging.EventLogger, sink alerts.Sink, logger *log.Logger, tick decimal.Decimal) *Closer {
	if logger == nil {
		logger = log.New(log.Writer(), "[CLOSER] ", log.LstdFlags)
	}
	if sink == nil {
		sink = alerts.Noop{}
	}
	if tick.Sign() <= 0 {
		tick = decimal.RequireFromString("0.1")
	}
	return &Closer{
		book:   book,
		driver: driver,
		market: mkt,
		events: events,
		sink:   sink,
		logger: logger,
		tick:   tick,
		sleep:  sleepCtx,
	}
}

// Close flattens one position and marks it with the given terminal status.
// Unfilled and already flattened legs are skipped. When any leg fails the
// position keeps its OPEN status so a later attempt can finish the job;
// the flattened legs carry their exit price and are not closed twice.
func (c *Closer) Close(ctx context.Context, id string, status models.PositionStatus, reason string) error {
	view, ok := c.book.View(id)
	if !ok {
		return fmt.Errorf("unknown position %s", id)
	}
	if view.Status.Terminal() {
		return fmt.Errorf("position %s already %s", id, view.Status)
	}
	c.logger.Printf("closing position %s: %s", id, reason)

	var failed []string
	g, gctx := errgroup.WithContext(ctx)
	results := make(chan string, len(view.Legs))
	for _, leg := range view.Legs {
		if !leg.EntryPrice.Valid || leg.ExitPrice.Valid {
			continue
		}
		leg := leg
		g.Go(func() error {
			if err := c.closeLeg(gctx, id, leg); err != nil {
				c.logger.Printf("leg %s close failed: %v", leg.Symbol, err)
				results <- leg.Symbol
			}
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	for sym := range results {
		failed = append(failed, sym)
	}

	if len(failed) > 0 {
		c.sink.Alert(fmt.Sprintf("POSITION %s: %d leg failure(s) during close: %v\nPosition remains open",
			id, len(failed), failed))
		return fmt.Errorf("position %s: %d leg close(s) failed", id, len(failed))
	}

	if err := c.book.SetStatus(id, status, reason); err != nil {
		return err
	}

	final, _ := c.book.View(id)
	c.events.Emit(logging.EventPositionClosed, logging.Fields{
		"position_id": id,
		"status":      string(status),
		"reason":      reason,
		"pnl":         final.PnL.String(),
	})
	c.sink.Notify(fmt.Sprintf("POSITION closed: %s\nStatus: %s\nReason: %s\nFinal P&L: %s",
		id, status, reason, final.PnL))
	return nil
}

// closeLeg submits the opposite-side order for one leg, drives it to fill,
// and records the exit price. The close order prices from the current top
// of book on its own side, falling back to the leg's last-seen price, then
// the entry price.
func (c *Closer) closeLeg(ctx context.Context, id string, leg LegView) error {
	closeSide := leg.Side.Opposite()

	price := decimal.Zero
	if book, err := c.market.Book(ctx, leg.Symbol); err == nil {
		if closeSide == models.Sell {
			price = book.BestBid()
		} else {
			price = book.BestAsk()
		}
	} else {
		c.logger.Printf("book unavailable for %s, using last-seen price: %v", leg.Symbol, err)
	}
	if price.Sign() <= 0 {
		price = leg.LastPrice
	}
	if price.Sign() <= 0 && leg.EntryPrice.Valid {
		price = leg.EntryPrice.Decimal
	}
	if price.Sign() <= 0 {
		return fmt.Errorf("no usable price to close %s", leg.Symbol)
	}

	snap, err := c.driver.Fill(ctx, models.OrderRequest{
		Symbol:   leg.Symbol,
		Side:     closeSide,
		Quantity: leg.Quantity,
		Price:    price,
	})
	if err != nil {
		return err
	}
	if !snap.Filled() {
		return fmt.Errorf("close order %s for %s not fully filled (%s/%s)",
			snap.OrderID, leg.Symbol, snap.ExecutedQty, snap.OrigQty)
	}

	exit := snap.AvgPrice
	if exit.Sign() <= 0 {
		exit = snap.Price
	}
	if err := c.book.SetLegExit(id, leg.Symbol, exit); err != nil {
		c.logger.Printf("recording exit for %s: %v", leg.Symbol, err)
	}
	return nil
}

// CloseAll flattens every open position and reports how many closed cleanly.
func (c *Closer) CloseAll(ctx context.Context, status models.PositionStatus, reason string) (closed, failed int) {
	ids := c.book.OpenIDs()
	if len(ids) == 0 {
		return 0, 0
	}
	c.logger.Printf("closing all %d open positions: %s", len(ids), reason)

	for _, id := range ids {
		if err := c.Close(ctx, id, status, reason); err != nil {
			c.logger.Printf("close %s failed: %v", id, err)
			failed++
			continue
		}
		closed++
	}

	if failed > 0 {
		c.sink.Alert(fmt.Sprintf(
			"BULK position closure issues\nClosed: %d\nFailed: %d\nReason: %s\nManual intervention may be required",
			closed, failed, reason))
	} else if closed > 0 {
		c.sink.Notify(fmt.Sprintf("All %d positions closed: %s", closed, reason))
	}
	return closed, failed
}

// CloseWithRetry retries a whole-position close with exponential backoff
// capped at 30 s. Only the legs that are still open are retried. On
// exhaustion the terminal status is committed anyway, so the risk engine
// does not re-trigger on the same position, and the operator is escalated.
func (c *Closer) CloseWithRetry(ctx context.Context, id string, status models.PositionStatus, reason string, maxAttempts int) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = c.Close(ctx, id, status, reason)
		if lastErr == nil {
			return nil
		}
		if view, ok := c.book.View(id); ok && view.Status.Terminal() {
			// Another path won the close while we were retrying.
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		delay := time.Duration(1<<uint(attempt)) * time.Second
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
		c.logger.Printf("close attempt %d/%d for %s failed, retrying in %v: %v",
			attempt, maxAttempts, id, delay, lastErr)
		if err := c.sleep(ctx, delay); err != nil {
			return fmt.Errorf("close of %s canceled: %w", id, err)
		}
	}

	if err := c.book.SetStatus(id, status, reason); err == nil {
		c.events.Emit(logging.EventPositionClosed, logging.Fields{
			"position_id": id,
			"status":      string(status),
			"reason":      reason,
			"incomplete":  true,
		})
	}
	c.sink.Alert(fmt.Sprintf(
		"CRITICAL: failed to close position %s after %d attempts\nReason: %s\nLast error: %v\nMANUAL INTERVENTION REQUIRED",
		id, maxAttempts, reason, lastErr))
	return fmt.Errorf("closing position %s: %w", id, lastErr)
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
