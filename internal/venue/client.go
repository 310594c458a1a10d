// Package venue implements the options venue API client. All requests run
// through a shared rate limiter; authenticated requests carry an HMAC
// signature over the canonical query string, produced by a pluggable Signer.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/mossriver/ironfly/internal/errs"
	"github.com/mossriver/ironfly/internal/models"
)

// Client is the semantic surface the engine needs from the venue.
type Client interface {
	ReferencePrice(ctx context.Context, underlying string) (decimal.Decimal, error)
	Expiries(ctx context.Context, underlying string) ([]time.Time, error)
	OptionsChain(ctx context.Context, underlying string, expiry time.Time) ([]models.OptionContract, error)
	Book(ctx context.Context, symbol string, depth int) (*models.OrderBook, error)
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResponse, error)
	ModifyOrder(ctx context.Context, orderID, symbol string, qty, price decimal.Decimal) (*models.OrderResponse, error)
	CancelOrder(ctx context.Context, orderID, symbol string) (*models.OrderResponse, error)
	GetOrder(ctx context.Context, orderID, symbol string) (*models.OrderResponse, error)
}

// Config holds transport tuning for the REST client.
type Config struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// MarketRPS and OrderRPS bound request rates per category.
	MarketRPS float64
	OrderRPS  float64
	// DryRun short-circuits order mutations with synthetic fills.
	DryRun bool
}

// DefaultConfig matches the venue's published limits and the engine's
// connect/read timeout requirements.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    30 * time.Second,
		MarketRPS:      10,
		OrderRPS:       5,
	}
}

// RESTClient talks to a Binance-European-Options-shaped API.
type RESTClient struct {
	http   *resty.Client
	apiKey string
	sign   Signer
	logger *log.Logger
	config Config

	marketLimit *rate.Limiter
	orderLimit  *rate.Limiter

	// Signed timestamps use the venue clock. The offset is captured on the
	// first signed request and refreshed by explicit ServerTime calls.
	timeSync   sync.Once
	timeOffset atomic.Int64 // millis, venue minus local

	// Dry-run order ledger so status polls see earlier synthetic fills.
	dryMu     sync.Mutex
	dryOrders map[string]*models.OrderResponse
	drySeq    int64
}

// NewRESTClient builds a venue client. The signer is pluggable so tests and
// alternative venues can substitute their own scheme.
func NewRESTClient(baseURL, apiKey string, sign Signer, logger *log.Logger, config ...Config) *RESTClient {
	cfg := DefaultConfig()
	if len(config) > 0 {
		cfg = config[0]
		if cfg.ConnectTimeout <= 0 {
			cfg.ConnectTimeout = 10 * time.Second
		}
		if cfg.ReadTimeout <= 0 {
			cfg.ReadTimeout = 30 * time.Second
		}
		if cfg.MarketRPS <= 0 {
			cfg.MarketRPS = 10
		}
		if cfg.OrderRPS <= 0 {
			cfg.OrderRPS = 5
		}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[VENUE] ", log.LstdFlags)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
	}
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(cfg.ReadTimeout).
		SetTransport(transport)

	return &RESTClient{
		http:        httpClient,
		apiKey:      apiKey,
		sign:        sign,
		logger:      logger,
		config:      cfg,
		marketLimit: rate.NewLimiter(rate.Limit(cfg.MarketRPS), int(cfg.MarketRPS)),
		orderLimit:  rate.NewLimiter(rate.Limit(cfg.OrderRPS), 1),
		dryOrders:   make(map[string]*models.OrderResponse),
	}
}

var _ Client = (*RESTClient)(nil)

// ServerTime returns the venue clock and records the offset applied to
// signed-request timestamps from now on.
func (c *RESTClient) ServerTime(ctx context.Context) (time.Time, error) {
	var out serverTimeResp
	if err := c.public(ctx, "/eapi/v1/time", url.Values{}, &out); err != nil {
		return time.Time{}, fmt.Errorf("fetching server time: %w", err)
	}
	c.timeOffset.Store(out.ServerTime - time.Now().UnixMilli())
	return time.UnixMilli(out.ServerTime).UTC(), nil
}

// ReferencePrice returns the index price of the underlying.
func (c *RESTClient) ReferencePrice(ctx context.Context, underlying string) (decimal.Decimal, error) {
	var out indexPriceResp
	params := url.Values{"underlying": {underlying + "USDT"}}
	if err := c.public(ctx, "/eapi/v1/index", params, &out); err != nil {
		return decimal.Zero, fmt.Errorf("fetching reference price: %w", err)
	}
	return out.IndexPrice, nil
}

// Expiries returns the distinct listed expiry dates, ascending.
func (c *RESTClient) Expiries(ctx context.Context, underlying string) ([]time.Time, error) {
	infos, err := c.optionInfo(ctx, underlying)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]struct{})
	var out []time.Time
	for _, info := range infos {
		if _, ok := seen[info.ExpiryDate]; ok {
			continue
		}
		seen[info.ExpiryDate] = struct{}{}
		out = append(out, time.UnixMilli(info.ExpiryDate).UTC())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// OptionsChain returns all contracts of the underlying expiring on the given
// UTC date. Top-of-book snapshots are not populated; use Book per symbol.
func (c *RESTClient) OptionsChain(ctx context.Context, underlying string, expiry time.Time) ([]models.OptionContract, error) {
	infos, err := c.optionInfo(ctx, underlying)
	if err != nil {
		return nil, err
	}
	day := expiry.UTC().Truncate(24 * time.Hour)
	var out []models.OptionContract
	for _, info := range infos {
		e := time.UnixMilli(info.ExpiryDate).UTC()
		if !e.Truncate(24 * time.Hour).Equal(day) {
			continue
		}
		kind := models.Call
		if info.Side == "PUT" {
			kind = models.Put
		}
		out = append(out, models.OptionContract{
			Symbol: info.Symbol,
			Kind:   kind,
			Strike: info.StrikePrice,
			Expiry: e,
		})
	}
	return out, nil
}

// Book returns the top of book for one symbol. depth bounds the levels.
func (c *RESTClient) Book(ctx context.Context, symbol string, depth int) (*models.OrderBook, error) {
	if depth <= 0 {
		depth = 10
	}
	var out depthResp
	params := url.Values{
		"symbol": {symbol},
		"limit":  {strconv.Itoa(depth)},
	}
	if err := c.public(ctx, "/eapi/v1/depth", params, &out); err != nil {
		return nil, fmt.Errorf("fetching book for %s: %w", symbol, err)
	}
	return out.toBook(), nil
}

// PlaceOrder submits a new limit order.
func (c *RESTClient) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResponse, error) {
	if c.config.DryRun {
		return c.dryPlace(req), nil
	}
	params := url.Values{
		"symbol":   {req.Symbol},
		"side":     {string(req.Side)},
		"type":     {"LIMIT"},
		"quantity": {req.Quantity.String()},
		"price":    {req.Price.String()},
	}
	var out orderResp
	if err := c.signed(ctx, http.MethodPost, "/eapi/v1/order", params, &out); err != nil {
		return nil, fmt.Errorf("placing %s %s: %w", req.Side, req.Symbol, err)
	}
	return out.toModel(), nil
}

// ModifyOrder reprices an open order.
func (c *RESTClient) ModifyOrder(ctx context.Context, orderID, symbol string, qty, price decimal.Decimal) (*models.OrderResponse, error) {
	if c.config.DryRun {
		return c.dryLookup(orderID, symbol), nil
	}
	params := url.Values{
		"orderId":  {orderID},
		"symbol":   {symbol},
		"quantity": {qty.String()},
		"price":    {price.String()},
	}
	var out orderResp
	if err := c.signed(ctx, http.MethodPut, "/eapi/v1/order", params, &out); err != nil {
		return nil, fmt.Errorf("modifying order %s: %w", orderID, err)
	}
	return out.toModel(), nil
}

// CancelOrder cancels an open order.
func (c *RESTClient) CancelOrder(ctx context.Context, orderID, symbol string) (*models.OrderResponse, error) {
	if c.config.DryRun {
		resp := c.dryLookup(orderID, symbol)
		resp.Status = models.OrderCanceled
		return resp, nil
	}
	params := url.Values{
		"orderId": {orderID},
		"symbol":  {symbol},
	}
	var out orderResp
	if err := c.signed(ctx, http.MethodDelete, "/eapi/v1/order", params, &out); err != nil {
		return nil, fmt.Errorf("canceling order %s: %w", orderID, err)
	}
	return out.toModel(), nil
}

// GetOrder fetches the current order state.
func (c *RESTClient) GetOrder(ctx context.Context, orderID, symbol string) (*models.OrderResponse, error) {
	if c.config.DryRun {
		return c.dryLookup(orderID, symbol), nil
	}
	params := url.Values{
		"orderId": {orderID},
		"symbol":  {symbol},
	}
	var out orderResp
	if err := c.signed(ctx, http.MethodGet, "/eapi/v1/order", params, &out); err != nil {
		return nil, fmt.Errorf("querying order %s: %w", orderID, err)
	}
	return out.toModel(), nil
}

func (c *RESTClient) optionInfo(ctx context.Context, underlying string) ([]optionInfoResp, error) {
	var out []optionInfoResp
	params := url.Values{"underlying": {underlying + "USDT"}}
	if err := c.public(ctx, "/eapi/v1/optionInfo", params, &out); err != nil {
		return nil, fmt.Errorf("fetching option info: %w", err)
	}
	return out, nil
}

func (c *RESTClient) public(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.marketLimit.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.http.R().SetContext(ctx).Get(path + "?" + params.Encode())
	if err != nil {
		return &errs.APIError{Msg: err.Error()}
	}
	return c.decode(resp, out)
}

// signed appends a millisecond timestamp, signs the canonical query string,
// and sends the request with the API key header. The query is transmitted
// byte-for-byte as signed.
func (c *RESTClient) signed(ctx context.Context, method, path string, params url.Values, out any) error {
	if err := c.orderLimit.Wait(ctx); err != nil {
		return err
	}
	c.timeSync.Do(func() {
		if _, err := c.ServerTime(ctx); err != nil {
			c.logger.Printf("server time sync failed, signing with local clock: %v", err)
		}
	})
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli()+c.timeOffset.Load(), 10))
	query := params.Encode()
	full := path + "?" + query + "&signature=" + c.sign(query)

	req := c.http.R().SetContext(ctx).SetHeader("X-MBX-APIKEY", c.apiKey)
	var resp *resty.Response
	var err error
	switch method {
	case http.MethodPost:
		resp, err = req.Post(full)
	case http.MethodPut:
		resp, err = req.Put(full)
	case http.MethodDelete:
		resp, err = req.Delete(full)
	default:
		resp, err = req.Get(full)
	}
	if err != nil {
		return &errs.APIError{Msg: err.Error()}
	}
	return c.decode(resp, out)
}

func (c *RESTClient) decode(resp *resty.Response, out any) error {
	if resp.IsError() {
		var body apiErrorBody
		_ = json.Unmarshal(resp.Body(), &body)
		return &errs.APIError{
			Status: resp.StatusCode(),
			Code:   body.code(),
			Msg:    body.Msg,
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &errs.APIError{Status: resp.StatusCode(), Msg: fmt.Sprintf("decoding response: %v", err)}
	}
	return nil
}

func (c *RESTClient) dryPlace(req models.OrderRequest) *models.OrderResponse {
	c.dryMu.Lock()
	defer c.dryMu.Unlock()
	c.drySeq++
	resp := &models.OrderResponse{
		OrderID:     fmt.Sprintf("dry-%d", c.drySeq),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Status:      models.OrderFilled,
		Price:       req.Price,
		OrigQty:     req.Quantity,
		ExecutedQty: req.Quantity,
		AvgPrice:    req.Price,
	}
	c.dryOrders[resp.OrderID] = resp
	c.logger.Printf("dry run: %s %s %s @ %s -> %s",
		req.Side, req.Quantity, req.Symbol, req.Price, resp.OrderID)
	return resp
}

func (c *RESTClient) dryLookup(orderID, symbol string) *models.OrderResponse {
	c.dryMu.Lock()
	defer c.dryMu.Unlock()
	if resp, ok := c.dryOrders[orderID]; ok {
		cp := *resp
		return &cp
	}
	return &models.OrderResponse{OrderID: orderID, Symbol: symbol, Status: models.OrderFilled}
}
