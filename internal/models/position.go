package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of an iron butterfly.
// Every status other than PositionOpen is terminal.
type PositionStatus string

const (
	PositionOpen         PositionStatus = "OPEN"
	PositionClosedProfit PositionStatus = "CLOSED_PROFIT"
	PositionClosedLoss   PositionStatus = "CLOSED_LOSS"
	PositionClosedRisk   PositionStatus = "CLOSED_RISK"
)

// Terminal reports whether the status permits no further transitions.
func (s PositionStatus) Terminal() bool {
	return s != PositionOpen
}

// Leg is one of the four sides of an iron butterfly.
//
// EntryPrice is unset until the leg's opening order fills; an invalid
// NullDecimal means the leg is unfilled and contributes nothing to premium
// or P&L. Once set it never changes.
type Leg struct {
	Symbol       string
	Kind         Kind
	Side         Side
	Strike       decimal.Decimal
	Expiry       time.Time
	Quantity     decimal.Decimal
	EntryPrice   decimal.NullDecimal
	ExitPrice    decimal.NullDecimal
	CurrentPrice decimal.Decimal
	OrderID      string
}

// SetEntryPrice records the venue-reported average fill price.
// The entry price is immutable; a second call is rejected.
func (l *Leg) SetEntryPrice(p decimal.Decimal) error {
	if l.EntryPrice.Valid {
		return fmt.Errorf("leg %s: entry price already set to %s", l.Symbol, l.EntryPrice.Decimal)
	}
	l.EntryPrice = decimal.NullDecimal{Decimal: p, Valid: true}
	return nil
}

// SetExitPrice records the fill price of the leg's closing order.
// Immutable once set, like the entry price.
func (l *Leg) SetExitPrice(p decimal.Decimal) error {
	if l.ExitPrice.Valid {
		return fmt.Errorf("leg %s: exit price already set to %s", l.Symbol, l.ExitPrice.Decimal)
	}
	l.ExitPrice = decimal.NullDecimal{Decimal: p, Valid: true}
	return nil
}

// Filled reports whether the leg's opening order filled.
func (l *Leg) Filled() bool {
	return l.EntryPrice.Valid
}

// Closed reports whether the leg has been flattened.
func (l *Leg) Closed() bool {
	return l.ExitPrice.Valid
}

// PnL is (mark - entry) * qty, sign-flipped for short legs. A flattened leg
// marks at its exit fill, an open leg at the last observed market price.
// Unfilled legs and legs without any usable mark contribute zero.
func (l *Leg) PnL() decimal.Decimal {
	if !l.EntryPrice.Valid {
		return decimal.Zero
	}
	mark := l.CurrentPrice
	if l.ExitPrice.Valid {
		mark = l.ExitPrice.Decimal
	}
	if mark.Sign() <= 0 {
		return decimal.Zero
	}
	pnl := mark.Sub(l.EntryPrice.Decimal).Mul(l.Quantity)
	if l.Side == Sell {
		return pnl.Neg()
	}
	return pnl
}

// Position is an iron butterfly: short call and put at the ATM strike,
// long call above and long put below.
type Position struct {
	ID        string
	CreatedAt time.Time
	Status    PositionStatus
	Reason    string

	SellCall *Leg
	SellPut  *Leg
	BuyCall  *Leg
	BuyPut   *Leg

	Quantity decimal.Decimal
	// MaxLoss is the cached worst-case loss at expiry:
	// wing width * qty - net premium received.
	MaxLoss decimal.Decimal
}

// Legs returns the four legs in a fixed order.
func (p *Position) Legs() []*Leg {
	return []*Leg{p.SellCall, p.SellPut, p.BuyCall, p.BuyPut}
}

// FilledLegs returns the legs whose opening orders filled.
func (p *Position) FilledLegs() []*Leg {
	var out []*Leg
	for _, l := range p.Legs() {
		if l.Filled() {
			out = append(out, l)
		}
	}
	return out
}

// NetPremium is the aggregate credit on the short legs minus the aggregate
// debit on the long legs, in quote currency. Unfilled legs contribute zero.
func (p *Position) NetPremium() decimal.Decimal {
	net := decimal.Zero
	for _, l := range p.Legs() {
		if !l.EntryPrice.Valid {
			continue
		}
		prem := l.EntryPrice.Decimal.Mul(l.Quantity)
		if l.Side == Sell {
			net = net.Add(prem)
		} else {
			net = net.Sub(prem)
		}
	}
	return net
}

// CurrentPnL is the mark-to-market P&L, summed over all four legs.
func (p *Position) CurrentPnL() decimal.Decimal {
	pnl := decimal.Zero
	for _, l := range p.Legs() {
		pnl = pnl.Add(l.PnL())
	}
	return pnl
}

// MaxTheoreticalLoss computes the worst-case loss at expiry:
// (BuyCall.strike - ATM strike) * qty - net premium received.
func (p *Position) MaxTheoreticalLoss() decimal.Decimal {
	width := p.BuyCall.Strike.Sub(p.SellCall.Strike)
	return width.Mul(p.Quantity).Sub(p.NetPremium())
}

// Validate enforces the structural invariants of an iron butterfly:
// strike ordering, a shared expiry, and a shared quantity.
func (p *Position) Validate() error {
	if p.SellCall == nil || p.SellPut == nil || p.BuyCall == nil || p.BuyPut == nil {
		return fmt.Errorf("position %s: missing leg", p.ID)
	}
	if !p.SellCall.Strike.Equal(p.SellPut.Strike) {
		return fmt.Errorf("position %s: short strikes differ (%s vs %s)",
			p.ID, p.SellCall.Strike, p.SellPut.Strike)
	}
	if !p.BuyCall.Strike.GreaterThan(p.SellCall.Strike) {
		return fmt.Errorf("position %s: long call strike %s not above %s",
			p.ID, p.BuyCall.Strike, p.SellCall.Strike)
	}
	if !p.BuyPut.Strike.LessThan(p.SellPut.Strike) {
		return fmt.Errorf("position %s: long put strike %s not below %s",
			p.ID, p.BuyPut.Strike, p.SellPut.Strike)
	}
	for _, l := range p.Legs() {
		if !l.Expiry.Equal(p.SellCall.Expiry) {
			return fmt.Errorf("position %s: leg %s expiry mismatch", p.ID, l.Symbol)
		}
		if !l.Quantity.Equal(p.Quantity) {
			return fmt.Errorf("position %s: leg %s quantity mismatch", p.ID, l.Symbol)
		}
	}
	return nil
}

// PortfolioRiskMetrics is a per-tick derived snapshot across open positions.
// It is recomputed every risk tick and never stored.
type PortfolioRiskMetrics struct {
	OpenPositions int
	TotalMaxLoss  decimal.Decimal
	TotalMTM      decimal.Decimal
}
