// Package models provides the data structures for option contracts, orders,
// and iron butterfly positions.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or leg.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the closing side for s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Kind distinguishes calls from puts.
type Kind string

const (
	Call Kind = "CALL"
	Put  Kind = "PUT"
)

// OrderStatus mirrors the venue's order lifecycle states.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the venue will make no further changes to the order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

// OptionContract is a point-in-time snapshot of one listed option.
// It is fetched on demand and never retained.
type OptionContract struct {
	Symbol string
	Kind   Kind
	Strike decimal.Decimal
	Expiry time.Time
}

// PriceLevel is one side of the top of book.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// OrderBook holds bid and ask levels, best first.
type OrderBook struct {
	Bids []PriceLevel
	Asks []PriceLevel
}

// BestBid returns the highest bid price, or zero when the book is empty.
func (b *OrderBook) BestBid() decimal.Decimal {
	if b == nil || len(b.Bids) == 0 {
		return decimal.Zero
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask price, or zero when the book is empty.
func (b *OrderBook) BestAsk() decimal.Decimal {
	if b == nil || len(b.Asks) == 0 {
		return decimal.Zero
	}
	return b.Asks[0].Price
}

// OrderRequest describes one limit order to place.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Quantity decimal.Decimal
	Price    decimal.Decimal
}

// OrderResponse is the venue's view of an order, shared by place, modify,
// cancel, and status queries.
type OrderResponse struct {
	OrderID     string
	Symbol      string
	Side        Side
	Status      OrderStatus
	Price       decimal.Decimal
	OrigQty     decimal.Decimal
	ExecutedQty decimal.Decimal
	AvgPrice    decimal.Decimal
}

// Filled reports whether the order is completely filled. The executed
// quantity is compared against the original quantity to cover venues that
// report FILLED lazily.
func (r *OrderResponse) Filled() bool {
	if r == nil {
		return false
	}
	if r.Status == OrderFilled {
		return true
	}
	return r.OrigQty.Sign() > 0 && r.ExecutedQty.GreaterThanOrEqual(r.OrigQty)
}
