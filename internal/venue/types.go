package venue

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mossriver/ironfly/internal/models"
)

// Wire DTOs for the venue's JSON responses. Decimal fields arrive as JSON
// strings and are parsed exactly.

// apiErrorBody tolerates both numeric and string error codes.
type apiErrorBody struct {
	Code json.RawMessage `json:"code"`
	Msg  string          `json:"msg"`
}

func (b *apiErrorBody) code() string {
	return strings.Trim(string(b.Code), `"`)
}

type serverTimeResp struct {
	ServerTime int64 `json:"serverTime"` // epoch millis
}

type indexPriceResp struct {
	IndexPrice decimal.Decimal `json:"indexPrice"`
	Time       int64           `json:"time"`
}

type optionInfoResp struct {
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"` // CALL | PUT
	StrikePrice decimal.Decimal `json:"strikePrice"`
	ExpiryDate  int64           `json:"expiryDate"` // epoch millis
}

type depthResp struct {
	Bids [][2]decimal.Decimal `json:"bids"` // [price, qty], best first
	Asks [][2]decimal.Decimal `json:"asks"`
}

func (d *depthResp) toBook() *models.OrderBook {
	book := &models.OrderBook{}
	for _, lvl := range d.Bids {
		book.Bids = append(book.Bids, models.PriceLevel{Price: lvl[0], Qty: lvl[1]})
	}
	for _, lvl := range d.Asks {
		book.Asks = append(book.Asks, models.PriceLevel{Price: lvl[0], Qty: lvl[1]})
	}
	return book
}

type orderResp struct {
	OrderID     json.Number     `json:"orderId"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Status      string          `json:"status"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	ExecutedQty decimal.Decimal `json:"executedQty"`
	AvgPrice    decimal.Decimal `json:"avgPrice"`
}

func (r *orderResp) toModel() *models.OrderResponse {
	return &models.OrderResponse{
		OrderID:     r.OrderID.String(),
		Symbol:      r.Symbol,
		Side:        models.Side(r.Side),
		Status:      models.OrderStatus(r.Status),
		Price:       r.Price,
		OrigQty:     r.Quantity,
		ExecutedQty: r.ExecutedQty,
		AvgPrice:    r.AvgPrice,
	}
}
