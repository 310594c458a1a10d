// Package exec drives limit orders toward fill with progressively
// aggressive repricing against the top of book. No market orders, ever.
package exec

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mossriver/ironfly/internal/alerts"
	"github.com/mossriver/ironfly/internal/errs"
	"github.com/mossriver/ironfly/internal/logging"
	"github.com/mossriver/ironfly/internal/models"
	"github.com/mossriver/ironfly/internal/resilience"
	"github.com/mossriver/ironfly/internal/util"
	"github.com/mossriver/ironfly/internal/venue"
)

// Price nudges across the spread. Sells undercut the bid, buys pay over the
// ask, both by a tenth of a percent before tick rounding.
var (
	sellFactor = decimal.RequireFromString("0.999")
	buyFactor  = decimal.RequireFromString("1.001")
)

// Config tunes the fill loop.
type Config struct {
	// PollInterval is the cadence of status checks and reprices.
	PollInterval time.Duration
	// OrderTimeout is the per-order fill deadline.
	OrderTimeout time.Duration
	// RateLimitSleepCap bounds the extended sleep after throttling.
	RateLimitSleepCap time.Duration
	// ErrorSleepCap bounds the extended sleep after other transient errors.
	ErrorSleepCap time.Duration
	// Tick is the venue's price increment.
	Tick decimal.Decimal
}

// DefaultConfig matches the standard 1 s poll and 60 s deadline.
func DefaultConfig() Config {
	return Config{
		PollInterval:      1 * time.Second,
		OrderTimeout:      60 * time.Second,
		RateLimitSleepCap: 30 * time.Second,
		ErrorSleepCap:     5 * time.Second,
		Tick:              decimal.RequireFromString("0.1"),
	}
}

// Driver runs one aggressive-fill loop per order. Safe for concurrent use;
// all mutable state is per-call.
type Driver struct {
	venue   venue.Client
	wrapper *resilience.Wrapper
	events  *logging.EventLogger
	sink    alerts.Sink
	logger  *log.Logger
	config  Config
	stop    <-chan struct{}
	now     func() time.Time
}

// NewDriver builds a fill driver. stop is the process-wide shutdown
// broadcast; a closed channel deterministically breaks every loop.
func NewDriver(client venue.Client, wrapper *resilience.Wrapper, events *logging.EventLogger,
	sink alerts.Sink, logger *log.Logger, stop <-chan struct{}, config ...Config) *Driver {
	cfg := DefaultConfig()
	if len(config) > 0 {
		cfg = config[0]
		if cfg.PollInterval <= 0 {
			cfg.PollInterval = time.Second
		}
		if cfg.OrderTimeout <= 0 {
			cfg.OrderTimeout = 60 * time.Second
		}
		if cfg.RateLimitSleepCap <= 0 {
			cfg.RateLimitSleepCap = 30 * time.Second
		}
		if cfg.ErrorSleepCap <= 0 {
			cfg.ErrorSleepCap = 5 * time.Second
		}
		if cfg.Tick.Sign() <= 0 {
			cfg.Tick = decimal.RequireFromString("0.1")
		}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[FILL] ", log.LstdFlags)
	}
	if sink == nil {
		sink = alerts.Noop{}
	}
	return &Driver{
		venue:   client,
		wrapper: wrapper,
		events:  events,
		sink:    sink,
		logger:  logger,
		config:  cfg,
		stop:    stop,
		now:     time.Now,
	}
}

// AggressivePrice computes the reprice target: sells undercut the best bid
// rounded down to tick, buys pay over the best ask rounded up. Returns zero
// when the relevant book side is empty.
func AggressivePrice(side models.Side, book *models.OrderBook, tick decimal.Decimal) decimal.Decimal {
	if side == models.Sell {
		bid := book.BestBid()
		if bid.Sign() <= 0 {
			return decimal.Zero
		}
		return util.FloorToTick(bid.Mul(sellFactor), tick)
	}
	ask := book.BestAsk()
	if ask.Sign() <= 0 {
		return decimal.Zero
	}
	return util.CeilToTick(ask.Mul(buyFactor), tick)
}

// Fill places req and drives it to completion within the order deadline.
// The returned snapshot is always the venue's last reported state; on
// timeout it is returned alongside a nil error after the operator alert.
func (d *Driver) Fill(ctx context.Context, req models.OrderRequest) (*models.OrderResponse, error) {
	order, err := resilience.Exec(ctx, d.wrapper, "placeOrder",
		func(ctx context.Context) (*models.OrderResponse, error) {
			return d.venue.PlaceOrder(ctx, req)
		})
	if err != nil {
		return nil, fmt.Errorf("placing %s %s: %w", req.Side, req.Symbol, err)
	}

	d.events.Emit(logging.EventOrderPlaced, logging.Fields{
		"order_id": order.OrderID,
		"symbol":   order.Symbol,
		"side":     string(order.Side),
		"qty":      req.Quantity.String(),
		"price":    req.Price.String(),
	})
	d.logger.Printf("placed %s %s %s @ %s (order %s)",
		req.Side, req.Quantity, req.Symbol, req.Price, order.OrderID)

	if order.Filled() {
		d.emitFilled(order)
		return order, nil
	}
	return d.monitor(ctx, order)
}

// monitor is the repricing loop: poll status, chase the book, stop at the
// deadline. Transient errors keep the loop alive; a circuit-open signal or
// shutdown breaks it.
func (d *Driver) monitor(ctx context.Context, order *models.OrderResponse) (*models.OrderResponse, error) {
	deadline := d.now().Add(d.config.OrderTimeout)
	sleep := d.config.PollInterval
	current := order

	for {
		if d.now().After(deadline) || d.now().Equal(deadline) {
			return d.timedOut(ctx, current)
		}
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case <-d.stop:
			d.logger.Printf("shutdown: abandoning fill loop for order %s", current.OrderID)
			return current, nil
		case <-time.After(sleep):
		}
		sleep = d.config.PollInterval

		if d.now().After(deadline) {
			return d.timedOut(ctx, current)
		}

		snap, err := resilience.Exec(ctx, d.wrapper, "getOrder",
			func(ctx context.Context) (*models.OrderResponse, error) {
				return d.venue.GetOrder(ctx, current.OrderID, current.Symbol)
			})
		if err != nil {
			if errs.IsCircuitOpen(err) {
				d.logger.Printf("circuit open: abandoning fill loop for order %s", current.OrderID)
				return current, nil
			}
			sleep = d.errorSleep(err, sleep)
			continue
		}
		current = snap

		if current.Filled() {
			d.emitFilled(current)
			return current, nil
		}
		if current.Status.Terminal() {
			d.logger.Printf("order %s ended %s with %s/%s filled",
				current.OrderID, current.Status, current.ExecutedQty, current.OrigQty)
			return current, nil
		}

		book, err := resilience.Exec(ctx, d.wrapper, "book",
			func(ctx context.Context) (*models.OrderBook, error) {
				return d.venue.Book(ctx, current.Symbol, 5)
			})
		if err != nil {
			if errs.IsCircuitOpen(err) {
				return current, nil
			}
			sleep = d.errorSleep(err, sleep)
			continue
		}

		target := AggressivePrice(current.Side, book, d.config.Tick)
		if target.Sign() <= 0 || util.WithinOneTick(target, current.Price, d.config.Tick) {
			continue
		}

		remaining := current.OrigQty.Sub(current.ExecutedQty)
		modified, err := resilience.Exec(ctx, d.wrapper, "modifyOrder",
			func(ctx context.Context) (*models.OrderResponse, error) {
				return d.venue.ModifyOrder(ctx, current.OrderID, current.Symbol, remaining, target)
			})
		if err != nil {
			if errs.IsCircuitOpen(err) {
				return current, nil
			}
			sleep = d.errorSleep(err, sleep)
			continue
		}
		current = modified
		d.events.Emit(logging.EventOrderModified, logging.Fields{
			"order_id": current.OrderID,
			"symbol":   current.Symbol,
			"price":    target.String(),
		})
		if current.Filled() {
			d.emitFilled(current)
			return current, nil
		}
	}
}

// CompletePartial cancels the residual of a partially filled order and runs
// a fresh fill loop for the remaining quantity from the current book.
func (d *Driver) CompletePartial(ctx context.Context, snap *models.OrderResponse) (*models.OrderResponse, error) {
	remaining := snap.OrigQty.Sub(snap.ExecutedQty)
	if remaining.Sign() <= 0 {
		return snap, nil
	}

	canceled, err := resilience.Exec(ctx, d.wrapper, "cancelOrder",
		func(ctx context.Context) (*models.OrderResponse, error) {
			return d.venue.CancelOrder(ctx, snap.OrderID, snap.Symbol)
		})
	if err != nil {
		return snap, fmt.Errorf("canceling residual of %s: %w", snap.OrderID, err)
	}
	if canceled.Filled() {
		// Raced a fill between status poll and cancel.
		d.emitFilled(canceled)
		return canceled, nil
	}
	d.events.Emit(logging.EventOrderCanceled, logging.Fields{
		"order_id": snap.OrderID,
		"symbol":   snap.Symbol,
	})

	book, err := resilience.Exec(ctx, d.wrapper, "book",
		func(ctx context.Context) (*models.OrderBook, error) {
			return d.venue.Book(ctx, snap.Symbol, 5)
		})
	price := snap.Price
	if err == nil {
		if p := AggressivePrice(snap.Side, book, d.config.Tick); p.Sign() > 0 {
			price = p
		}
	}

	return d.Fill(ctx, models.OrderRequest{
		Symbol:   snap.Symbol,
		Side:     snap.Side,
		Quantity: remaining,
		Price:    price,
	})
}

// timedOut takes a final snapshot, alerts the operator, and hands the
// snapshot back. No modify or new order is issued past this point.
func (d *Driver) timedOut(ctx context.Context, current *models.OrderResponse) (*models.OrderResponse, error) {
	snap, err := resilience.Exec(ctx, d.wrapper, "getOrder",
		func(ctx context.Context) (*models.OrderResponse, error) {
			return d.venue.GetOrder(ctx, current.OrderID, current.Symbol)
		})
	if err == nil {
		current = snap
		if current.Filled() {
			d.emitFilled(current)
			return current, nil
		}
	}

	d.events.Emit(logging.EventOrderTimeout, logging.Fields{
		"order_id": current.OrderID,
		"symbol":   current.Symbol,
		"filled":   current.ExecutedQty.String(),
		"qty":      current.OrigQty.String(),
	})
	d.sink.Alert(fmt.Sprintf(
		"ORDER not filled within %d seconds\nOrder ID: %s\nSymbol: %s\nSide: %s\nQuantity: %s\nPrice: %s\nStatus: %s\nFilled: %s\n%s",
		int(d.config.OrderTimeout.Seconds()), current.OrderID, current.Symbol,
		current.Side, current.OrigQty, current.Price, current.Status,
		current.ExecutedQty, d.wrapper.Breaker().Status()))
	return current, nil
}

func (d *Driver) emitFilled(order *models.OrderResponse) {
	d.events.Emit(logging.EventOrderFilled, logging.Fields{
		"order_id":  order.OrderID,
		"symbol":    order.Symbol,
		"avg_price": order.AvgPrice.String(),
		"qty":       order.ExecutedQty.String(),
	})
	d.logger.Printf("order %s filled %s @ %s", order.OrderID, order.ExecutedQty, order.AvgPrice)
}

// errorSleep extends the next sleep after a failure: heavily for rate
// limits, mildly for everything else.
func (d *Driver) errorSleep(err error, current time.Duration) time.Duration {
	if errs.IsRateLimit(err) {
		next := current * 5
		if next > d.config.RateLimitSleepCap {
			next = d.config.RateLimitSleepCap
		}
		d.logger.Printf("rate limited, backing off %v: %v", next, err)
		return next
	}
	next := current * 2
	if next > d.config.ErrorSleepCap {
		next = d.config.ErrorSleepCap
	}
	d.logger.Printf("transient error, backing off %v: %v", next, err)
	return next
}

