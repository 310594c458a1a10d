// Package positions owns the set of open positions and the last observed
// prices for their legs. The set lives behind a single mutex; readers get
// copies of the fields they need.
package positions

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mossriver/ironfly/internal/models"
)

// Quote is the cached top of book for one symbol.
type Quote struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
}

// Book holds every position the engine has opened this session.
type Book struct {
	mu   sync.Mutex
	open map[string]*models.Position
	// insertion order, for deterministic iteration in risk ticks
	order []string

	prices sync.Map // symbol -> Quote

	logger *log.Logger
}

// NewBook builds an empty position book.
func NewBook(logger *log.Logger) *Book {
	if logger == nil {
		logger = log.New(log.Writer(), "[POSITIONS] ", log.LstdFlags)
	}
	return &Book{
		open:   make(map[string]*models.Position),
		logger: logger,
	}
}

// Register transfers ownership of a new position to the book.
func (b *Book) Register(p *models.Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.open[p.ID]; exists {
		return fmt.Errorf("position %s already registered", p.ID)
	}
	b.open[p.ID] = p
	b.order = append(b.order, p.ID)
	b.logger.Printf("registered position %s (K=%s qty=%s maxLoss=%s)",
		p.ID, p.SellCall.Strike, p.Quantity, p.MaxLoss)
	return nil
}

// UpdateQuote caches a symbol's top of book and refreshes the current price
// of every matching open leg: short legs mark at the bid they would be
// bought back at, long legs at the ask they would be sold into.
func (b *Book) UpdateQuote(symbol string, bid, ask decimal.Decimal) {
	b.prices.Store(symbol, Quote{Bid: bid, Ask: ask})

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.open {
		if p.Status.Terminal() {
			continue
		}
		for _, leg := range p.Legs() {
			if leg.Symbol != symbol || leg.Closed() {
				continue
			}
			if leg.Side == models.Sell && bid.Sign() > 0 {
				leg.CurrentPrice = bid
			}
			if leg.Side == models.Buy && ask.Sign() > 0 {
				leg.CurrentPrice = ask
			}
		}
	}
}

// SetLegExit records the closing fill of one leg. The position stays open
// until every leg is flattened and SetStatus commits the transition.
func (b *Book) SetLegExit(id, symbol string, price decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.open[id]
	if !ok {
		return fmt.Errorf("unknown position %s", id)
	}
	for _, leg := range p.Legs() {
		if leg.Symbol != symbol {
			continue
		}
		return leg.SetExitPrice(price)
	}
	return fmt.Errorf("position %s: no leg %s", id, symbol)
}

// LastQuote returns the cached top of book for a symbol.
func (b *Book) LastQuote(symbol string) (Quote, bool) {
	v, ok := b.prices.Load(symbol)
	if !ok {
		return Quote{}, false
	}
	return v.(Quote), true
}

// OpenSymbols returns the distinct leg symbols across open positions.
func (b *Book) OpenSymbols() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, id := range b.order {
		p := b.open[id]
		if p.Status.Terminal() {
			continue
		}
		for _, leg := range p.Legs() {
			if _, ok := seen[leg.Symbol]; ok {
				continue
			}
			seen[leg.Symbol] = struct{}{}
			out = append(out, leg.Symbol)
		}
	}
	return out
}

// OpenCount returns the number of non-terminal positions.
func (b *Book) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, p := range b.open {
		if !p.Status.Terminal() {
			n++
		}
	}
	return n
}

// OpenIDs returns the ids of non-terminal positions in registration order.
func (b *Book) OpenIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, id := range b.order {
		if !b.open[id].Status.Terminal() {
			out = append(out, id)
		}
	}
	return out
}

// RealizedPnL sums the final P&L of closed positions, marked at the last
// prices observed before each close, and returns the closed count.
func (b *Book) RealizedPnL() (decimal.Decimal, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := decimal.Zero
	closed := 0
	for _, p := range b.open {
		if !p.Status.Terminal() {
			continue
		}
		total = total.Add(p.CurrentPnL())
		closed++
	}
	return total, closed
}

// TotalCount returns all registered positions, terminal included.
func (b *Book) TotalCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}

// LegView is a read-copy of one leg, taken under the book mutex.
type LegView struct {
	Symbol     string
	Kind       models.Kind
	Side       models.Side
	Quantity   decimal.Decimal
	EntryPrice decimal.NullDecimal
	ExitPrice  decimal.NullDecimal
	LastPrice  decimal.Decimal
	OrderID    string
}

// PositionView is a read-copy of the risk-relevant fields of one position.
type PositionView struct {
	ID         string
	Status     models.PositionStatus
	Reason     string
	NetPremium decimal.Decimal
	PnL        decimal.Decimal
	MaxLoss    decimal.Decimal
	Legs       []LegView
}

// Snapshot is the per-tick state handed from the monitor to the risk engine.
type Snapshot struct {
	At        time.Time
	Positions []PositionView
	Metrics   models.PortfolioRiskMetrics
}

// Snapshot copies the open set and derives portfolio metrics in one short
// critical section.
func (b *Book) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{At: time.Now()}
	for _, id := range b.order {
		p := b.open[id]
		if p.Status.Terminal() {
			continue
		}
		view := PositionView{
			ID:         p.ID,
			Status:     p.Status,
			Reason:     p.Reason,
			NetPremium: p.NetPremium(),
			PnL:        p.CurrentPnL(),
			MaxLoss:    p.MaxLoss,
		}
		for _, leg := range p.Legs() {
			view.Legs = append(view.Legs, LegView{
				Symbol:     leg.Symbol,
				Kind:       leg.Kind,
				Side:       leg.Side,
				Quantity:   leg.Quantity,
				EntryPrice: leg.EntryPrice,
				ExitPrice:  leg.ExitPrice,
				LastPrice:  leg.CurrentPrice,
				OrderID:    leg.OrderID,
			})
		}
		snap.Positions = append(snap.Positions, view)
		snap.Metrics.OpenPositions++
		snap.Metrics.TotalMaxLoss = snap.Metrics.TotalMaxLoss.Add(p.MaxLoss)
		snap.Metrics.TotalMTM = snap.Metrics.TotalMTM.Add(view.PnL)
	}
	return snap
}

// View returns a read-copy of one position.
func (b *Book) View(id string) (PositionView, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.open[id]
	if !ok {
		return PositionView{}, false
	}
	view := PositionView{
		ID:         p.ID,
		Status:     p.Status,
		Reason:     p.Reason,
		NetPremium: p.NetPremium(),
		PnL:        p.CurrentPnL(),
		MaxLoss:    p.MaxLoss,
	}
	for _, leg := range p.Legs() {
		view.Legs = append(view.Legs, LegView{
			Symbol:     leg.Symbol,
			Kind:       leg.Kind,
			Side:       leg.Side,
			Quantity:   leg.Quantity,
			EntryPrice: leg.EntryPrice,
			ExitPrice:  leg.ExitPrice,
			LastPrice:  leg.CurrentPrice,
			OrderID:    leg.OrderID,
		})
	}
	return view, true
}

// SetStatus moves a position to a terminal status. Terminal statuses never
// transition again; a second close attempt is rejected.
func (b *Book) SetStatus(id string, status models.PositionStatus, reason string) error {
	if !status.Terminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.open[id]
	if !ok {
		return fmt.Errorf("unknown position %s", id)
	}
	if p.Status.Terminal() {
		return fmt.Errorf("position %s already %s", id, p.Status)
	}
	p.Status = status
	p.Reason = reason
	b.logger.Printf("position %s -> %s (%s)", id, status, reason)
	return nil
}
