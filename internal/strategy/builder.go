// Package strategy turns a butterfly selection into a live position: it
// prices the four legs, drives their opening orders concurrently, and
// registers whatever filled with the position book.
package strategy

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/mossriver/ironfly/internal/alerts"
	"github.com/mossriver/ironfly/internal/exec"
	"github.com/mossriver/ironfly/internal/logging"
	"github.com/mossriver/ironfly/internal/market"
	"github.com/mossriver/ironfly/internal/models"
	"github.com/mossriver/ironfly/internal/positions"
)

// Builder opens one iron butterfly per call.
type Builder struct {
	market *market.Service
	driver *exec.Driver
	book   *positions.Book
	events *logging.EventLogger
	sink   alerts.Sink
	logger *log.Logger

	quantity decimal.Decimal
	distance int
}

// NewBuilder wires the builder to market data, the fill driver, and the book.
func NewBuilder(mkt *market.Service, driver *exec.Driver, book *positions.Book,
	events *logging.EventLogger, sink alerts.Sink, logger *log.Logger,
	quantity decimal.Decimal, distance int) *Builder {
	if logger == nil {
		logger = log.New(log.Writer(), "[STRATEGY] ", log.LstdFlags)
	}
	if sink == nil {
		sink = alerts.Noop{}
	}
	return &Builder{
		market:   mkt,
		driver:   driver,
		book:     book,
		events:   events,
		sink:     sink,
		logger:   logger,
		quantity: quantity,
		distance: distance,
	}
}

// OpenButterfly selects, prices, and opens one butterfly. Selection or
// pricing failure aborts before any order is placed. Once orders are out,
// individual leg failures do not abort the others; the position is
// registered with whatever filled so the risk engine can see it.
func (b *Builder) OpenButterfly(ctx context.Context) (*models.Position, error) {
	sel, err := b.market.SelectButterfly(ctx, b.distance)
	if err != nil {
		return nil, fmt.Errorf("selecting butterfly: %w", err)
	}
	b.logger.Printf("selected K=%s wings=%s/%s step=%s",
		sel.Strike, sel.OTMPut.Strike, sel.OTMCall.Strike, sel.GridStep)

	p := b.materialize(sel)

	// Price all four legs before placing anything. Shorts open at the bid
	// they would sell into, longs at the ask they would lift.
	prices := make([]decimal.Decimal, 4)
	legs := p.Legs()
	for i, leg := range legs {
		book, err := b.market.Book(ctx, leg.Symbol)
		if err != nil {
			return nil, fmt.Errorf("pricing %s: %w", leg.Symbol, err)
		}
		var price decimal.Decimal
		if leg.Side == models.Sell {
			price = book.BestBid()
		} else {
			price = book.BestAsk()
		}
		if price.Sign() <= 0 {
			return nil, fmt.Errorf("no market for %s", leg.Symbol)
		}
		prices[i] = price
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, leg := range legs {
		i, leg := i, leg
		g.Go(func() error {
			b.openLeg(gctx, leg, prices[i])
			return nil
		})
	}
	_ = g.Wait()

	p.MaxLoss = p.MaxTheoreticalLoss()
	if err := b.book.Register(p); err != nil {
		return nil, fmt.Errorf("registering position %s: %w", p.ID, err)
	}

	filled := len(p.FilledLegs())
	b.events.Emit(logging.EventPositionCreated, logging.Fields{
		"position_id": p.ID,
		"strike":      sel.Strike.String(),
		"filled_legs": filled,
		"net_premium": p.NetPremium().String(),
		"max_loss":    p.MaxLoss.String(),
	})
	if filled < 4 {
		b.sink.Alert(fmt.Sprintf(
			"Partial butterfly %s: only %d of 4 legs filled\nK=%s qty=%s\nRisk profile is degraded",
			p.ID, filled, sel.Strike, p.Quantity))
	} else {
		b.sink.Notify(fmt.Sprintf(
			"Butterfly opened: %s\nK=%s wings=%s/%s qty=%s\nNet premium: %s\nMax loss: %s",
			p.ID, sel.Strike, sel.OTMPut.Strike, sel.OTMCall.Strike,
			p.Quantity, p.NetPremium(), p.MaxLoss))
	}
	return p, nil
}

// openLeg drives one opening order to fill and records the venue-reported
// average price. A residual partial fill gets one cancel-and-replace pass.
func (b *Builder) openLeg(ctx context.Context, leg *models.Leg, price decimal.Decimal) {
	snap, err := b.driver.Fill(ctx, models.OrderRequest{
		Symbol:   leg.Symbol,
		Side:     leg.Side,
		Quantity: leg.Quantity,
		Price:    price,
	})
	if err != nil {
		b.logger.Printf("leg %s failed to open: %v", leg.Symbol, err)
		return
	}
	if !snap.Filled() && snap.ExecutedQty.Sign() > 0 {
		if replaced, err := b.driver.CompletePartial(ctx, snap); err != nil {
			b.logger.Printf("completing partial %s on %s failed: %v", snap.OrderID, leg.Symbol, err)
		} else {
			snap = replaced
		}
	}
	if !snap.Filled() {
		b.logger.Printf("leg %s did not fill (order %s, %s/%s)",
			leg.Symbol, snap.OrderID, snap.ExecutedQty, snap.OrigQty)
		return
	}

	entry := snap.AvgPrice
	if entry.Sign() <= 0 {
		entry = snap.Price
	}
	leg.OrderID = snap.OrderID
	if err := leg.SetEntryPrice(entry); err != nil {
		b.logger.Printf("recording entry for %s: %v", leg.Symbol, err)
	}
}

// materialize builds the position skeleton from a selection.
func (b *Builder) materialize(sel *market.Selection) *models.Position {
	mk := func(c models.OptionContract, side models.Side) *models.Leg {
		return &models.Leg{
			Symbol:   c.Symbol,
			Kind:     c.Kind,
			Side:     side,
			Strike:   c.Strike,
			Expiry:   c.Expiry,
			Quantity: b.quantity,
		}
	}
	return &models.Position{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		Status:    models.PositionOpen,
		Quantity:  b.quantity,
		SellCall:  mk(sel.ATMCall, models.Sell),
		SellPut:   mk(sel.ATMPut, models.Sell),
		BuyCall:   mk(sel.OTMCall, models.Buy),
		BuyPut:    mk(sel.OTMPut, models.Buy),
	}
}
