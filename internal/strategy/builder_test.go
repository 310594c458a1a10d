package strategy

import (
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossriver/ironfly/internal/exec"
	"github.com/mossriver/ironfly/internal/logging"
	"github.com/mossriver/ironfly/internal/market"
	"github.com/mossriver/ironfly/internal/models"
	"github.com/mossriver/ironfly/internal/positions"
	"github.com/mossriver/ironfly/internal/resilience"
	"github.com/mossriver/ironfly/internal/venue"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var expiry = time.Date(2027, 3, 12, 8, 0, 0, 0, time.UTC)

func sym(strike string, kind models.Kind) string {
	return venue.FormatSymbol("BTC", expiry, d(strike), kind)
}

// buildVenue serves a fixed chain and books; opening orders fill at the
// request price unless the symbol is listed in stuck.
type buildVenue struct {
	venue.Client

	mu     sync.Mutex
	chain  []models.OptionContract
	books  map[string]*models.OrderBook
	stuck  map[string]bool
	placed []models.OrderRequest
}

func (v *buildVenue) ReferencePrice(ctx context.Context, underlying string) (decimal.Decimal, error) {
	return d("90100"), nil
}

func (v *buildVenue) Expiries(ctx context.Context, underlying string) ([]time.Time, error) {
	return []time.Time{expiry}, nil
}

func (v *buildVenue) OptionsChain(ctx context.Context, underlying string, exp time.Time) ([]models.OptionContract, error) {
	return v.chain, nil
}

func (v *buildVenue) Book(ctx context.Context, symbol string, depth int) (*models.OrderBook, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if b, ok := v.books[symbol]; ok {
		return b, nil
	}
	return &models.OrderBook{}, nil
}

func (v *buildVenue) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResponse, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placed = append(v.placed, req)
	resp := &models.OrderResponse{
		OrderID: "ord-" + req.Symbol, Symbol: req.Symbol, Side: req.Side,
		Price: req.Price, OrigQty: req.Quantity,
	}
	if v.stuck[req.Symbol] {
		resp.Status = models.OrderNew
		return resp, nil
	}
	resp.Status = models.OrderFilled
	resp.ExecutedQty = req.Quantity
	resp.AvgPrice = req.Price
	return resp, nil
}

func (v *buildVenue) ModifyOrder(ctx context.Context, orderID, symbol string, qty, price decimal.Decimal) (*models.OrderResponse, error) {
	return &models.OrderResponse{
		OrderID: orderID, Symbol: symbol, Status: models.OrderNew,
		Price: price, OrigQty: qty,
	}, nil
}

func (v *buildVenue) GetOrder(ctx context.Context, orderID, symbol string) (*models.OrderResponse, error) {
	return &models.OrderResponse{
		OrderID: orderID, Symbol: symbol, Status: models.OrderNew,
		OrigQty: d("0.01"),
	}, nil
}

func (v *buildVenue) placedFor(symbol string) (models.OrderRequest, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range v.placed {
		if r.Symbol == symbol {
			return r, true
		}
	}
	return models.OrderRequest{}, false
}

func (v *buildVenue) placedCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.placed)
}

func testChain() []models.OptionContract {
	var chain []models.OptionContract
	for _, strike := range []string{"88000", "89000", "90000", "91000", "92000"} {
		for _, kind := range []models.Kind{models.Call, models.Put} {
			chain = append(chain, models.OptionContract{
				Symbol: sym(strike, kind), Kind: kind, Strike: d(strike), Expiry: expiry,
			})
		}
	}
	return chain
}

func fullBooks() map[string]*models.OrderBook {
	books := make(map[string]*models.OrderBook)
	for _, strike := range []string{"88000", "89000", "90000", "91000", "92000"} {
		for _, kind := range []models.Kind{models.Call, models.Put} {
			books[sym(strike, kind)] = &models.OrderBook{
				Bids: []models.PriceLevel{{Price: d("1000"), Qty: d("1")}},
				Asks: []models.PriceLevel{{Price: d("1010"), Qty: d("1")}},
			}
		}
	}
	return books
}

type buildSink struct {
	mu      sync.Mutex
	alerts  []string
	notices []string
}

func (s *buildSink) Alert(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, text)
}

func (s *buildSink) Notify(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, text)
}

func newTestBuilder(t *testing.T, v *buildVenue, sink *buildSink) (*Builder, *positions.Book) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	w := resilience.NewWrapper(resilience.NewBreaker("test", logger), logger,
		resilience.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})
	drv := exec.NewDriver(v, w, logging.NewEventLogger(io.Discard), sink, logger, nil, exec.Config{
		PollInterval: time.Millisecond,
		OrderTimeout: 30 * time.Millisecond,
		Tick:         d("0.1"),
	})
	mkt := market.NewService(v, w, "BTC", logger)
	book := positions.NewBook(logger)
	b := NewBuilder(mkt, drv, book, logging.NewEventLogger(io.Discard), sink, logger, d("0.01"), 2)
	return b, book
}

func TestOpenButterflyFillsAllLegs(t *testing.T) {
	v := &buildVenue{chain: testChain(), books: fullBooks()}
	sink := &buildSink{}
	b, book := newTestBuilder(t, v, sink)

	p, err := b.OpenButterfly(context.Background())
	require.NoError(t, err)

	assert.True(t, p.SellCall.Strike.Equal(d("90000")))
	assert.True(t, p.BuyCall.Strike.Equal(d("92000")))
	assert.True(t, p.BuyPut.Strike.Equal(d("88000")))
	assert.Len(t, p.FilledLegs(), 4)
	assert.Equal(t, 1, book.OpenCount())
	assert.False(t, p.MaxLoss.IsZero(), "max loss cached on open")
	assert.NotEmpty(t, p.ID)

	// Shorts open at the bid, longs at the ask.
	req, ok := v.placedFor(sym("90000", models.Call))
	require.True(t, ok)
	assert.Equal(t, models.Sell, req.Side)
	assert.True(t, req.Price.Equal(d("1000")))

	req, ok = v.placedFor(sym("92000", models.Call))
	require.True(t, ok)
	assert.Equal(t, models.Buy, req.Side)
	assert.True(t, req.Price.Equal(d("1010")))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.alerts)
	require.NotEmpty(t, sink.notices)
	assert.Contains(t, sink.notices[0], "Butterfly opened")
}

func TestOpenButterflySelectionFailurePlacesNothing(t *testing.T) {
	v := &buildVenue{books: fullBooks()} // empty chain
	b, book := newTestBuilder(t, v, &buildSink{})

	_, err := b.OpenButterfly(context.Background())
	require.Error(t, err)
	assert.Zero(t, v.placedCount())
	assert.Zero(t, book.TotalCount())
}

func TestOpenButterflyMissingBookPlacesNothing(t *testing.T) {
	v := &buildVenue{chain: testChain(), books: fullBooks()}
	delete(v.books, sym("88000", models.Put))
	b, book := newTestBuilder(t, v, &buildSink{})

	_, err := b.OpenButterfly(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no market")
	assert.Zero(t, v.placedCount())
	assert.Zero(t, book.TotalCount())
}

func TestOpenButterflyPartialFillRegistersAndAlerts(t *testing.T) {
	v := &buildVenue{chain: testChain(), books: fullBooks(),
		stuck: map[string]bool{sym("90000", models.Put): true}}
	sink := &buildSink{}
	b, book := newTestBuilder(t, v, sink)

	p, err := b.OpenButterfly(context.Background())
	require.NoError(t, err)

	assert.Len(t, p.FilledLegs(), 3)
	assert.False(t, p.SellPut.Filled())
	assert.Equal(t, 1, book.OpenCount(), "degraded position still registered")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	found := false
	for _, a := range sink.alerts {
		if strings.Contains(a, "Partial butterfly") {
			found = true
		}
	}
	assert.True(t, found)
}
