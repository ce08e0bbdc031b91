// Package binance implements the exchange adapter for Binance USDS-M
// perpetual futures.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/httpclient"
	"funding_arb/pkg/websocket"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"
	defaultWsURL   = "wss://fstream.binance.com/ws"

	// Binance settles funding every 8 hours on the majors.
	fundingIntervalHours = 8
)

// Exchange implements core.IExchange for Binance futures.
type Exchange struct {
	cfg    *config.ExchangeConfig
	client *httpclient.Client
	logger core.ILogger

	ws        *websocket.Client
	wsURL     string
	connected bool

	mu       sync.RWMutex
	handlers map[string]core.FundingHandler
}

// signer appends the HMAC signature as a query parameter, the scheme
// Binance uses for signed endpoints.
type signer struct {
	apiKey    string
	secretKey string
}

func (s *signer) SignRequest(req *http.Request) error {
	req.Header.Set("X-MBX-APIKEY", s.apiKey)

	// Public market data endpoints are not signed.
	if req.URL.Query().Get("timestamp") == "" {
		return nil
	}

	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(req.URL.RawQuery))
	signature := hex.EncodeToString(mac.Sum(nil))
	req.URL.RawQuery += "&signature=" + signature
	return nil
}

// New creates a Binance adapter.
func New(cfg *config.ExchangeConfig, logger core.ILogger) *Exchange {
	baseURL := cfg.BaseURL
	wsURL := cfg.WsURL
	if baseURL == "" {
		baseURL = defaultBaseURL
		if cfg.Testnet {
			baseURL = testnetBaseURL
		}
	}
	if wsURL == "" {
		wsURL = defaultWsURL
	}

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 10
	}
	limiter := rate.NewLimiter(rate.Limit(limit), int(limit))

	return &Exchange{
		cfg:      cfg,
		client:   httpclient.NewClient(baseURL, 10*time.Second, &signer{apiKey: cfg.APIKey, secretKey: cfg.SecretKey}, limiter),
		logger:   logger.WithField("exchange", "binance"),
		wsURL:    wsURL,
		handlers: make(map[string]core.FundingHandler),
	}
}

func (e *Exchange) Name() string { return "binance" }

// Connect dials the mark price stream used for funding rate pushes.
func (e *Exchange) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.connected {
		return nil
	}

	e.ws = websocket.NewClient(e.wsURL, e.handleWsMessage, e.logger)
	e.ws.SetOnConnected(e.resubscribe)
	e.ws.Start()
	e.connected = true
	return nil
}

func (e *Exchange) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ws != nil {
		e.ws.Stop()
		e.ws = nil
	}
	e.connected = false
	return nil
}

func (e *Exchange) Connected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected && e.ws != nil && e.ws.Connected()
}

// apiError is the error envelope Binance returns with non-2xx statuses.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// mapError translates Binance error codes onto the standardized errors.
// https://developers.binance.com/docs/derivatives/usds-margined-futures/error-code
func mapError(code int, msg string) error {
	switch code {
	case -1003:
		return apperrors.ErrRateLimitExceeded
	case -1021:
		return apperrors.ErrTimestampOutOfBounds
	case -1121:
		return apperrors.ErrInvalidSymbol
	case -2011, -2013:
		return apperrors.ErrOrderNotFound
	case -2018, -2019:
		return apperrors.ErrInsufficientFunds
	case -2014, -2015:
		return apperrors.ErrAuthenticationFailed
	case -1013, -1111, -4164:
		return apperrors.ErrInvalidOrderParameter
	}
	return fmt.Errorf("binance error: %s (%d)", msg, code)
}

func (e *Exchange) call(ctx context.Context, method, path string, params map[string]string, signed bool, out interface{}) error {
	if signed {
		if params == nil {
			params = make(map[string]string)
		}
		params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
		params["recvWindow"] = "5000"
	}

	var (
		raw []byte
		err error
	)
	switch method {
	case http.MethodGet:
		raw, err = e.client.Get(ctx, path, params)
	case http.MethodPost:
		raw, err = e.client.Post(ctx, path+"?"+encodeParams(params), nil)
	case http.MethodDelete:
		raw, err = e.client.Delete(ctx, path, params)
	default:
		return fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		var apiErr *httpclient.APIError
		if errors.As(err, &apiErr) {
			var envelope apiError
			if jsonErr := json.Unmarshal(apiErr.Body, &envelope); jsonErr == nil && envelope.Code != 0 {
				return mapError(envelope.Code, envelope.Msg)
			}
		}
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("binance response unmarshal: %w", err)
		}
	}
	return nil
}

func encodeParams(params map[string]string) string {
	parts := make([]string, 0, len(params))
	for k, v := range params {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "&")
}

// GetFundingRate fetches the premium index snapshot.
func (e *Exchange) GetFundingRate(ctx context.Context, pair string) (core.FundingRate, error) {
	var result struct {
		Symbol          string `json:"symbol"`
		MarkPrice       string `json:"markPrice"`
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
		Time            int64  `json:"time"`
	}
	err := e.call(ctx, http.MethodGet, "/fapi/v1/premiumIndex",
		map[string]string{"symbol": pair}, false, &result)
	if err != nil {
		return core.FundingRate{}, err
	}

	rateDec, err := decimal.NewFromString(result.LastFundingRate)
	if err != nil {
		return core.FundingRate{}, fmt.Errorf("bad funding rate %q: %w", result.LastFundingRate, err)
	}
	mark, _ := decimal.NewFromString(result.MarkPrice)

	return core.FundingRate{
		Exchange:        e.Name(),
		Pair:            pair,
		Rate:            rateDec,
		IntervalHours:   fundingIntervalHours,
		NextFundingTime: time.UnixMilli(result.NextFundingTime),
		MarkPrice:       mark,
		Timestamp:       time.UnixMilli(result.Time),
	}, nil
}

// SubscribeFundingRate registers a handler fed from the markPrice stream.
func (e *Exchange) SubscribeFundingRate(ctx context.Context, pair string, handler core.FundingHandler) error {
	e.mu.Lock()
	e.handlers[pair] = handler
	ws := e.ws
	e.mu.Unlock()

	if ws == nil {
		return fmt.Errorf("binance: not connected")
	}
	return ws.Send(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": []string{strings.ToLower(pair) + "@markPrice"},
		"id":     time.Now().UnixNano(),
	})
}

func (e *Exchange) resubscribe() {
	e.mu.RLock()
	streams := make([]string, 0, len(e.handlers))
	for pair := range e.handlers {
		streams = append(streams, strings.ToLower(pair)+"@markPrice")
	}
	ws := e.ws
	e.mu.RUnlock()

	if ws == nil || len(streams) == 0 {
		return
	}
	err := ws.Send(map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     time.Now().UnixNano(),
	})
	if err != nil {
		e.logger.Error("Resubscribe failed", "error", err)
	}
}

func (e *Exchange) handleWsMessage(message []byte) {
	var msg struct {
		EventType       string `json:"e"`
		Symbol          string `json:"s"`
		MarkPrice       string `json:"p"`
		FundingRate     string `json:"r"`
		NextFundingTime int64  `json:"T"`
		EventTime       int64  `json:"E"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}
	if msg.EventType != "markPriceUpdate" {
		return
	}

	e.mu.RLock()
	handler := e.handlers[msg.Symbol]
	e.mu.RUnlock()
	if handler == nil {
		return
	}

	rateDec, err := decimal.NewFromString(msg.FundingRate)
	if err != nil {
		return
	}
	mark, _ := decimal.NewFromString(msg.MarkPrice)

	handler(core.FundingRate{
		Exchange:        e.Name(),
		Pair:            msg.Symbol,
		Rate:            rateDec,
		IntervalHours:   fundingIntervalHours,
		NextFundingTime: time.UnixMilli(msg.NextFundingTime),
		MarkPrice:       mark,
		Timestamp:       time.UnixMilli(msg.EventTime),
	})
}

// GetOrderbook fetches a depth snapshot.
func (e *Exchange) GetOrderbook(ctx context.Context, pair string, depth int) (*core.OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}
	var result struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
		Time int64      `json:"T"`
	}
	err := e.call(ctx, http.MethodGet, "/fapi/v1/depth",
		map[string]string{"symbol": pair, "limit": strconv.Itoa(depth)}, false, &result)
	if err != nil {
		return nil, err
	}

	book := &core.OrderBook{
		Exchange:  e.Name(),
		Pair:      pair,
		Timestamp: time.UnixMilli(result.Time),
	}
	for _, lvl := range result.Bids {
		if l, ok := parseLevel(lvl); ok {
			book.Bids = append(book.Bids, l)
		}
	}
	for _, lvl := range result.Asks {
		if l, ok := parseLevel(lvl); ok {
			book.Asks = append(book.Asks, l)
		}
	}
	return book, nil
}

func parseLevel(lvl []string) (core.OrderBookLevel, bool) {
	if len(lvl) < 2 {
		return core.OrderBookLevel{}, false
	}
	price, err1 := decimal.NewFromString(lvl[0])
	size, err2 := decimal.NewFromString(lvl[1])
	if err1 != nil || err2 != nil {
		return core.OrderBookLevel{}, false
	}
	return core.OrderBookLevel{Price: price, Size: size}, true
}

type orderPayload struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

func (e *Exchange) toOrderResult(o *orderPayload) *core.OrderResult {
	size, _ := decimal.NewFromString(o.OrigQty)
	filled, _ := decimal.NewFromString(o.ExecutedQty)
	price, _ := decimal.NewFromString(o.Price)
	avg, _ := decimal.NewFromString(o.AvgPrice)

	return &core.OrderResult{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Exchange:      e.Name(),
		Pair:          o.Symbol,
		Side:          parseSide(o.Side),
		Type:          parseOrderType(o.Type),
		Status:        mapOrderStatus(o.Status),
		Size:          size,
		FilledSize:    filled,
		Price:         price,
		AvgPrice:      avg,
		Timestamp:     time.UnixMilli(o.UpdateTime),
	}
}

// PlaceOrder submits an order.
func (e *Exchange) PlaceOrder(ctx context.Context, req core.OrderRequest) (*core.OrderResult, error) {
	ctx = httpclient.WithPriority(ctx, httpclient.PriorityTrading)
	params := map[string]string{
		"symbol":   req.Pair,
		"side":     string(req.Side),
		"type":     string(req.Type),
		"quantity": req.Size.String(),
	}
	if req.Type == core.OrderTypeLimit {
		params["price"] = req.Price.String()
		params["timeInForce"] = "GTC"
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if req.ClientOrderID != "" {
		params["newClientOrderId"] = req.ClientOrderID
	}

	var result orderPayload
	if err := e.call(ctx, http.MethodPost, "/fapi/v1/order", params, true, &result); err != nil {
		return nil, err
	}
	return e.toOrderResult(&result), nil
}

// GetOrder looks an order up.
func (e *Exchange) GetOrder(ctx context.Context, pair, orderID string) (*core.OrderResult, error) {
	var result orderPayload
	err := e.call(ctx, http.MethodGet, "/fapi/v1/order",
		map[string]string{"symbol": pair, "orderId": orderID}, true, &result)
	if err != nil {
		return nil, err
	}
	return e.toOrderResult(&result), nil
}

// CancelOrder cancels one working order.
func (e *Exchange) CancelOrder(ctx context.Context, pair, orderID string) error {
	ctx = httpclient.WithPriority(ctx, httpclient.PriorityTrading)
	return e.call(ctx, http.MethodDelete, "/fapi/v1/order",
		map[string]string{"symbol": pair, "orderId": orderID}, true, nil)
}

// CancelAllOrders cancels every working order, symbol by symbol.
func (e *Exchange) CancelAllOrders(ctx context.Context) (int, error) {
	ctx = httpclient.WithPriority(ctx, httpclient.PriorityTrading)
	var open []orderPayload
	if err := e.call(ctx, http.MethodGet, "/fapi/v1/openOrders", nil, true, &open); err != nil {
		return 0, err
	}

	symbols := make(map[string]struct{})
	for _, o := range open {
		symbols[o.Symbol] = struct{}{}
	}
	for symbol := range symbols {
		err := e.call(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders",
			map[string]string{"symbol": symbol}, true, nil)
		if err != nil {
			return 0, err
		}
	}
	return len(open), nil
}

// GetPositions returns all open positions.
func (e *Exchange) GetPositions(ctx context.Context) ([]core.ExchangePosition, error) {
	var result []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		LiquidationPrice string `json:"liquidationPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
		UpdateTime       int64  `json:"updateTime"`
	}
	if err := e.call(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true, &result); err != nil {
		return nil, err
	}

	positions := make([]core.ExchangePosition, 0, len(result))
	for _, p := range result {
		amt, _ := decimal.NewFromString(p.PositionAmt)
		if amt.IsZero() {
			continue
		}
		entry, _ := decimal.NewFromString(p.EntryPrice)
		mark, _ := decimal.NewFromString(p.MarkPrice)
		liq, _ := decimal.NewFromString(p.LiquidationPrice)
		upnl, _ := decimal.NewFromString(p.UnRealizedProfit)
		leverage, _ := strconv.Atoi(p.Leverage)

		side := core.SideLong
		if amt.IsNegative() {
			side = core.SideShort
		}

		positions = append(positions, core.ExchangePosition{
			Exchange:         e.Name(),
			Pair:             p.Symbol,
			Side:             side,
			Size:             amt.Abs(),
			EntryPrice:       entry,
			MarkPrice:        mark,
			LiquidationPrice: liq,
			UnrealizedPnl:    upnl,
			Leverage:         leverage,
			Timestamp:        time.UnixMilli(p.UpdateTime),
		})
	}
	return positions, nil
}

// GetFeeTier returns the account's commission rates for BTCUSDT, which
// Binance applies account-wide within a VIP tier.
func (e *Exchange) GetFeeTier(ctx context.Context) (core.FeeTier, error) {
	var result struct {
		Symbol              string `json:"symbol"`
		MakerCommissionRate string `json:"makerCommissionRate"`
		TakerCommissionRate string `json:"takerCommissionRate"`
	}
	err := e.call(ctx, http.MethodGet, "/fapi/v1/commissionRate",
		map[string]string{"symbol": "BTCUSDT"}, true, &result)
	if err != nil {
		return core.FeeTier{}, err
	}

	maker, _ := decimal.NewFromString(result.MakerCommissionRate)
	taker, _ := decimal.NewFromString(result.TakerCommissionRate)
	return core.FeeTier{
		Exchange:  e.Name(),
		MakerFee:  maker,
		TakerFee:  taker,
		Timestamp: time.Now(),
	}, nil
}

// SetLeverage applies leverage for a symbol.
func (e *Exchange) SetLeverage(ctx context.Context, pair string, leverage int) error {
	ctx = httpclient.WithPriority(ctx, httpclient.PriorityTrading)
	return e.call(ctx, http.MethodPost, "/fapi/v1/leverage",
		map[string]string{"symbol": pair, "leverage": strconv.Itoa(leverage)}, true, nil)
}

func parseSide(s string) core.OrderSide {
	if s == "BUY" {
		return core.OrderSideBuy
	}
	return core.OrderSideSell
}

func parseOrderType(t string) core.OrderType {
	if t == "MARKET" {
		return core.OrderTypeMarket
	}
	return core.OrderTypeLimit
}

func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "NEW":
		return core.OrderStatusNew
	case "PARTIALLY_FILLED":
		return core.OrderStatusPartiallyFilled
	case "FILLED":
		return core.OrderStatusFilled
	case "CANCELED", "EXPIRED":
		return core.OrderStatusCanceled
	case "REJECTED":
		return core.OrderStatusRejected
	default:
		return core.OrderStatusNew
	}
}
