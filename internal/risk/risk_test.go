package risk

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossriver/ironfly/internal/config"
	"github.com/mossriver/ironfly/internal/exec"
	"github.com/mossriver/ironfly/internal/logging"
	"github.com/mossriver/ironfly/internal/market"
	"github.com/mossriver/ironfly/internal/models"
	"github.com/mossriver/ironfly/internal/positions"
	"github.com/mossriver/ironfly/internal/resilience"
	"github.com/mossriver/ironfly/internal/venue"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

var expiry = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

// entries holds one fill price per leg, in sellCall/sellPut/buyCall/buyPut order.
func butterfly(t *testing.T, id string, entries [4]string) *models.Position {
	t.Helper()
	qty := d("0.01")
	p := &models.Position{
		ID: id, CreatedAt: time.Now(), Status: models.PositionOpen, Quantity: qty,
		SellCall: &models.Leg{Symbol: "BTC-260314-90000-C", Kind: models.Call, Side: models.Sell,
			Strike: d("90000"), Expiry: expiry, Quantity: qty},
		SellPut: &models.Leg{Symbol: "BTC-260314-90000-P", Kind: models.Put, Side: models.Sell,
			Strike: d("90000"), Expiry: expiry, Quantity: qty},
		BuyCall: &models.Leg{Symbol: "BTC-260314-91000-C", Kind: models.Call, Side: models.Buy,
			Strike: d("91000"), Expiry: expiry, Quantity: qty},
		BuyPut: &models.Leg{Symbol: "BTC-260314-89000-P", Kind: models.Put, Side: models.Buy,
			Strike: d("89000"), Expiry: expiry, Quantity: qty},
	}
	for i, leg := range p.Legs() {
		require.NoError(t, leg.SetEntryPrice(d(entries[i])))
	}
	p.MaxLoss = p.MaxTheoreticalLoss()
	return p
}

// riskVenue serves canned books and fills close orders at the request price.
type riskVenue struct {
	venue.Client

	mu     sync.Mutex
	books  map[string]*models.OrderBook
	failed map[string]bool
	placed []models.OrderRequest
}

func (v *riskVenue) Book(ctx context.Context, symbol string, depth int) (*models.OrderBook, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failed[symbol] {
		return nil, errors.New("depth unavailable")
	}
	if b, ok := v.books[symbol]; ok {
		return b, nil
	}
	return &models.OrderBook{}, nil
}

func (v *riskVenue) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResponse, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placed = append(v.placed, req)
	return &models.OrderResponse{
		OrderID: "close-" + req.Symbol, Symbol: req.Symbol, Side: req.Side,
		Status: models.OrderFilled, Price: req.Price,
		OrigQty: req.Quantity, ExecutedQty: req.Quantity, AvgPrice: req.Price,
	}, nil
}

func (v *riskVenue) setBook(symbol, bid, ask string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.books == nil {
		v.books = make(map[string]*models.OrderBook)
	}
	v.books[symbol] = &models.OrderBook{
		Bids: []models.PriceLevel{{Price: d(bid), Qty: d("1")}},
		Asks: []models.PriceLevel{{Price: d(ask), Qty: d("1")}},
	}
}

type riskSink struct {
	mu     sync.Mutex
	alerts []string
}

func (s *riskSink) Alert(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, text)
}

func (s *riskSink) Notify(string) {}

func (s *riskSink) alertsContaining(sub string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.alerts {
		if strings.Contains(a, sub) {
			n++
		}
	}
	return n
}

type fixture struct {
	book   *positions.Book
	venue  *riskVenue
	sink   *riskSink
	closer *positions.Closer
	mkt    *market.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v := &riskVenue{}
	logger := discard()
	w := resilience.NewWrapper(resilience.NewBreaker("test", logger), logger,
		resilience.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})
	drv := exec.NewDriver(v, w, logging.NewEventLogger(io.Discard), nil, logger, nil, exec.Config{
		PollInterval: time.Millisecond,
		OrderTimeout: 50 * time.Millisecond,
		Tick:         d("0.1"),
	})
	mkt := market.NewService(v, w, "BTC", logger)
	book := positions.NewBook(logger)
	sink := &riskSink{}
	closer := positions.NewCloser(book, drv, mkt, logging.NewEventLogger(io.Discard), sink, logger, d("0.1"))
	return &fixture{book: book, venue: v, sink: sink, closer: closer, mkt: mkt}
}

func newEngine(f *fixture, cfg config.RiskConfig, emergency func(string)) *Engine {
	return NewEngine(f.closer, cfg, logging.NewEventLogger(io.Discard), f.sink, discard(), emergency)
}

var defaultRisk = config.RiskConfig{StopLossPct: 30, ProfitTargetPct: 50, PortfolioRiskPct: 10}

func TestStopLossCloses(t *testing.T) {
	f := newFixture(t)
	// Net premium (1500+1400-900-800)*0.01 = 12, stop-loss threshold -3.6.
	require.NoError(t, f.book.Register(butterfly(t, "pos-1", [4]string{"1500", "1400", "900", "800"})))
	// Short call marks at 1900: PnL -4.
	f.book.UpdateQuote("BTC-260314-90000-C", d("1900"), d("1910"))
	f.venue.setBook("BTC-260314-90000-C", "1900", "1910")

	e := newEngine(f, defaultRisk, nil)
	e.Evaluate(context.Background(), f.book.Snapshot())

	view, _ := f.book.View("pos-1")
	assert.Equal(t, models.PositionClosedLoss, view.Status)
	assert.Equal(t, "Stop-loss: 30.0%", view.Reason)
}

func TestProfitTargetCloses(t *testing.T) {
	f := newFixture(t)
	// Short call marks at 800: PnL +7 against a +6 target.
	require.NoError(t, f.book.Register(butterfly(t, "pos-1", [4]string{"1500", "1400", "900", "800"})))
	f.book.UpdateQuote("BTC-260314-90000-C", d("800"), d("810"))

	e := newEngine(f, defaultRisk, nil)
	e.Evaluate(context.Background(), f.book.Snapshot())

	view, _ := f.book.View("pos-1")
	assert.Equal(t, models.PositionClosedProfit, view.Status)
	assert.Equal(t, "Profit target: 50.0%", view.Reason)
}

func TestBelowThresholdsLeavesPositionOpen(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.book.Register(butterfly(t, "pos-1", [4]string{"1500", "1400", "900", "800"})))
	// PnL -2: inside both thresholds.
	f.book.UpdateQuote("BTC-260314-90000-C", d("1700"), d("1710"))

	e := newEngine(f, defaultRisk, nil)
	e.Evaluate(context.Background(), f.book.Snapshot())

	view, _ := f.book.View("pos-1")
	assert.Equal(t, models.PositionOpen, view.Status)
}

func TestStopLossWinsAtZeroThreshold(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.book.Register(butterfly(t, "pos-1", [4]string{"1500", "1400", "900", "800"})))
	// Flat PnL satisfies a 0% stop-loss; it must win over any profit check.
	e := newEngine(f, config.RiskConfig{StopLossPct: 0, ProfitTargetPct: 50, PortfolioRiskPct: 10}, nil)
	e.Evaluate(context.Background(), f.book.Snapshot())

	view, _ := f.book.View("pos-1")
	assert.Equal(t, models.PositionClosedLoss, view.Status)
}

func TestNonPositivePremiumSkipsPositionRules(t *testing.T) {
	f := newFixture(t)
	// Debit structure: net premium (100+100-900-800)*0.01 = -15.
	require.NoError(t, f.book.Register(butterfly(t, "pos-1", [4]string{"100", "100", "900", "800"})))
	// Small adverse move, inside the portfolio threshold.
	f.book.UpdateQuote("BTC-260314-90000-C", d("200"), d("210"))

	e := newEngine(f, defaultRisk, nil)
	e.Evaluate(context.Background(), f.book.Snapshot())

	view, _ := f.book.View("pos-1")
	assert.Equal(t, models.PositionOpen, view.Status)
}

func TestPortfolioStopLatchesOnce(t *testing.T) {
	f := newFixture(t)
	// Net premium 3.7, max loss 10 - 3.7 = 6.3 > 0; threshold -0.63.
	require.NoError(t, f.book.Register(butterfly(t, "pos-1", [4]string{"300", "250", "100", "80"})))
	// Short call 300 -> 400: MTM -1 breaches the threshold.
	f.book.UpdateQuote("BTC-260314-90000-C", d("400"), d("410"))

	var mu sync.Mutex
	emergencies := 0
	e := newEngine(f, defaultRisk, func(string) {
		mu.Lock()
		emergencies++
		mu.Unlock()
	})

	e.Evaluate(context.Background(), f.book.Snapshot())
	require.True(t, e.Latched())

	view, _ := f.book.View("pos-1")
	assert.Equal(t, models.PositionClosedRisk, view.Status)
	assert.Equal(t, "Portfolio stop-loss triggered", view.Reason)

	// Subsequent snapshots are inert.
	e.Evaluate(context.Background(), f.book.Snapshot())
	e.Evaluate(context.Background(), f.book.Snapshot())

	assert.Equal(t, 1, f.sink.alertsContaining("PORTFOLIO STOP-LOSS TRIGGERED"))
	mu.Lock()
	assert.Equal(t, 1, emergencies)
	mu.Unlock()
}

func TestPortfolioStopIgnoresNonPositiveMaxLoss(t *testing.T) {
	f := newFixture(t)
	// Premium 12 exceeds the 10 wing width: max loss is negative.
	require.NoError(t, f.book.Register(butterfly(t, "pos-1", [4]string{"1500", "1400", "900", "800"})))
	f.book.UpdateQuote("BTC-260314-90000-C", d("1700"), d("1710"))

	e := newEngine(f, defaultRisk, nil)
	snap := f.book.Snapshot()
	require.True(t, snap.Metrics.TotalMaxLoss.Sign() < 0)
	e.Evaluate(context.Background(), snap)

	assert.False(t, e.Latched())
	assert.Zero(t, f.sink.alertsContaining("PORTFOLIO STOP-LOSS TRIGGERED"))
}

func TestMonitorTickRefreshesMarks(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.book.Register(butterfly(t, "pos-1", [4]string{"1500", "1400", "900", "800"})))
	f.venue.setBook("BTC-260314-90000-C", "1450", "1460")
	f.venue.setBook("BTC-260314-91000-C", "880", "890")

	m := NewMonitor(f.book, f.mkt, time.Millisecond, f.sink, discard())
	m.tick(context.Background())

	select {
	case snap := <-m.Snapshots():
		require.Len(t, snap.Positions, 1)
		legs := snap.Positions[0].Legs
		assert.True(t, legs[0].LastPrice.Equal(d("1450")), "short call marks at bid")
		assert.True(t, legs[2].LastPrice.Equal(d("890")), "long call marks at ask")
	default:
		t.Fatal("expected a snapshot after tick")
	}
}

func TestMonitorTickKeepsMarkOnQuoteFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.book.Register(butterfly(t, "pos-1", [4]string{"1500", "1400", "900", "800"})))
	f.book.UpdateQuote("BTC-260314-90000-C", d("1450"), d("1460"))
	f.venue.failed = map[string]bool{"BTC-260314-90000-C": true}

	m := NewMonitor(f.book, f.mkt, time.Millisecond, f.sink, discard())
	m.tick(context.Background())

	snap := <-m.Snapshots()
	assert.True(t, snap.Positions[0].Legs[0].LastPrice.Equal(d("1450")),
		"failed refresh keeps the previous mark")
}

func TestMonitorReplacesStaleSnapshot(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.book.Register(butterfly(t, "pos-1", [4]string{"1500", "1400", "900", "800"})))

	m := NewMonitor(f.book, f.mkt, time.Millisecond, f.sink, discard())
	m.tick(context.Background())
	f.venue.setBook("BTC-260314-90000-C", "1450", "1460")
	m.tick(context.Background())

	snap := <-m.Snapshots()
	assert.True(t, snap.Positions[0].Legs[0].LastPrice.Equal(d("1450")),
		"consumer sees the fresher snapshot")
	select {
	case <-m.Snapshots():
		t.Fatal("only one snapshot should be buffered")
	default:
	}
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	m := NewMonitor(f.book, f.mkt, time.Millisecond, f.sink, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
	_, open := <-m.Snapshots()
	assert.False(t, open, "snapshot channel closes when the monitor stops")
}

func TestEngineRunConsumesUntilClose(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.book.Register(butterfly(t, "pos-1", [4]string{"1500", "1400", "900", "800"})))
	f.book.UpdateQuote("BTC-260314-90000-C", d("800"), d("810"))

	e := newEngine(f, defaultRisk, nil)
	snaps := make(chan positions.Snapshot, 1)
	snaps <- f.book.Snapshot()
	close(snaps)

	e.Run(context.Background(), snaps)

	view, _ := f.book.View("pos-1")
	assert.Equal(t, models.PositionClosedProfit, view.Status)
}
