// Package paper implements a simulated exchange. It backs paper trading
// mode and the executor and engine tests: order books, funding rates,
// fills and failures are all scriptable.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
)

// Exchange implements core.IExchange with in-memory state.
type Exchange struct {
	name string

	mu        sync.RWMutex
	connected bool
	rates     map[string]core.FundingRate
	books     map[string]*core.OrderBook
	fee       core.FeeTier
	handlers  map[string][]core.FundingHandler
	orders    map[string]*core.OrderResult
	net       map[string]decimal.Decimal // signed net position per pair
	entries   map[string]decimal.Decimal // avg entry per pair
	leverage  map[string]int
	orderSeq  int

	// Scripting hooks
	orderErrs      []error        // consumed FIFO by PlaceOrder
	restLimits     bool           // when true, limit orders rest instead of filling
	fillAfterPolls int            // GetOrder polls before a resting order fills; <0 never
	restPairs      map[string]int // per-pair resting override
	fillAfter      map[string]int // poll threshold captured per resting order
	pollCounts     map[string]int // polls seen per order
}

// New creates a paper exchange reporting the given venue name.
func New(name string) *Exchange {
	return &Exchange{
		name:       name,
		rates:      make(map[string]core.FundingRate),
		books:      make(map[string]*core.OrderBook),
		handlers:   make(map[string][]core.FundingHandler),
		orders:     make(map[string]*core.OrderResult),
		net:        make(map[string]decimal.Decimal),
		entries:    make(map[string]decimal.Decimal),
		leverage:   make(map[string]int),
		restPairs:  make(map[string]int),
		fillAfter:  make(map[string]int),
		pollCounts: make(map[string]int),
		fee: core.FeeTier{
			Exchange: name,
			MakerFee: decimal.NewFromFloat(0.0002),
			TakerFee: decimal.NewFromFloat(0.00055),
		},
	}
}

// Scripting helpers

// SetFundingRate stores a snapshot and pushes it to subscribers.
func (e *Exchange) SetFundingRate(rate core.FundingRate) {
	rate.Exchange = e.name
	if rate.Timestamp.IsZero() {
		rate.Timestamp = time.Now()
	}

	e.mu.Lock()
	e.rates[rate.Pair] = rate
	handlers := append([]core.FundingHandler(nil), e.handlers[rate.Pair]...)
	e.mu.Unlock()

	for _, h := range handlers {
		h(rate)
	}
}

// SetOrderBook stores a depth snapshot.
func (e *Exchange) SetOrderBook(book *core.OrderBook) {
	book.Exchange = e.name
	e.mu.Lock()
	e.books[book.Pair] = book
	e.mu.Unlock()
}

// SetFeeTier overrides the default fee schedule.
func (e *Exchange) SetFeeTier(fee core.FeeTier) {
	e.mu.Lock()
	e.fee = fee
	e.fee.Exchange = e.name
	e.mu.Unlock()
}

// FailNextOrder queues an error returned by the next PlaceOrder call.
func (e *Exchange) FailNextOrder(err error) {
	e.mu.Lock()
	e.orderErrs = append(e.orderErrs, err)
	e.mu.Unlock()
}

// RestLimitOrders makes limit orders rest; they fill after the given
// number of GetOrder polls, or never when polls is negative.
func (e *Exchange) RestLimitOrders(polls int) {
	e.mu.Lock()
	e.restLimits = true
	e.fillAfterPolls = polls
	e.mu.Unlock()
}

// RestPairLimitOrders scopes resting to one pair; other pairs keep
// filling immediately.
func (e *Exchange) RestPairLimitOrders(pair string, polls int) {
	e.mu.Lock()
	e.restPairs[pair] = polls
	e.mu.Unlock()
}

// DropPosition deletes a pair's position, simulating a liquidation.
func (e *Exchange) DropPosition(pair string) {
	e.mu.Lock()
	delete(e.net, pair)
	delete(e.entries, pair)
	e.mu.Unlock()
}

// core.IExchange

func (e *Exchange) Name() string { return e.name }

func (e *Exchange) Connect(ctx context.Context) error {
	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	return nil
}

func (e *Exchange) Close() error {
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
	return nil
}

func (e *Exchange) Connected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *Exchange) SubscribeFundingRate(ctx context.Context, pair string, handler core.FundingHandler) error {
	e.mu.Lock()
	e.handlers[pair] = append(e.handlers[pair], handler)
	e.mu.Unlock()
	return nil
}

func (e *Exchange) GetFundingRate(ctx context.Context, pair string) (core.FundingRate, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rate, ok := e.rates[pair]
	if !ok {
		return core.FundingRate{}, fmt.Errorf("paper %s: no funding rate for %s", e.name, pair)
	}
	return rate, nil
}

func (e *Exchange) GetOrderbook(ctx context.Context, pair string, depth int) (*core.OrderBook, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	book, ok := e.books[pair]
	if !ok {
		return nil, fmt.Errorf("paper %s: no order book for %s", e.name, pair)
	}
	return book, nil
}

func (e *Exchange) PlaceOrder(ctx context.Context, req core.OrderRequest) (*core.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.orderErrs) > 0 {
		err := e.orderErrs[0]
		e.orderErrs = e.orderErrs[1:]
		return nil, err
	}

	e.orderSeq++
	id := fmt.Sprintf("%s-%d", e.name, e.orderSeq)

	result := &core.OrderResult{
		OrderID:       id,
		ClientOrderID: req.ClientOrderID,
		Exchange:      e.name,
		Pair:          req.Pair,
		Side:          req.Side,
		Type:          req.Type,
		Size:          req.Size,
		Price:         req.Price,
		Timestamp:     time.Now(),
	}

	if req.Type == core.OrderTypeLimit {
		if polls, resting := e.restingPolls(req.Pair); resting {
			result.Status = core.OrderStatusNew
			e.orders[id] = result
			e.fillAfter[id] = polls
			return copyResult(result), nil
		}
	}

	e.fill(result)
	e.orders[id] = result
	return copyResult(result), nil
}

// restingPolls reports whether a limit order on the pair should rest
// and for how many polls. Caller holds e.mu.
func (e *Exchange) restingPolls(pair string) (int, bool) {
	if polls, ok := e.restPairs[pair]; ok {
		return polls, true
	}
	if e.restLimits {
		return e.fillAfterPolls, true
	}
	return 0, false
}

// fill executes the order at its limit price or against the book.
func (e *Exchange) fill(result *core.OrderResult) {
	price := result.Price
	if result.Type == core.OrderTypeMarket || price.IsZero() {
		if book, ok := e.books[result.Pair]; ok {
			if result.Side == core.OrderSideBuy {
				price = book.BestAsk()
			} else {
				price = book.BestBid()
			}
		}
	}

	result.Status = core.OrderStatusFilled
	result.FilledSize = result.Size
	result.AvgPrice = price
	result.Fee = price.Mul(result.Size).Mul(e.fee.TakerFee)

	signed := result.Size
	if result.Side == core.OrderSideSell {
		signed = signed.Neg()
	}
	prev := e.net[result.Pair]
	e.net[result.Pair] = prev.Add(signed)
	if prev.IsZero() {
		e.entries[result.Pair] = price
	}
}

func (e *Exchange) GetOrder(ctx context.Context, pair, orderID string) (*core.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("paper %s: order %s not found", e.name, orderID)
	}

	if order.Status == core.OrderStatusNew {
		e.pollCounts[orderID]++
		if limit := e.fillAfter[orderID]; limit >= 0 && e.pollCounts[orderID] > limit {
			e.fill(order)
		}
	}
	return copyResult(order), nil
}

func (e *Exchange) CancelOrder(ctx context.Context, pair, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok {
		return fmt.Errorf("paper %s: order %s not found", e.name, orderID)
	}
	if order.IsOpen() {
		order.Status = core.OrderStatusCanceled
	}
	return nil
}

func (e *Exchange) CancelAllOrders(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	count := 0
	for _, order := range e.orders {
		if order.IsOpen() {
			order.Status = core.OrderStatusCanceled
			count++
		}
	}
	return count, nil
}

func (e *Exchange) GetPositions(ctx context.Context) ([]core.ExchangePosition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var positions []core.ExchangePosition
	for pair, net := range e.net {
		if net.IsZero() {
			continue
		}
		side := core.SideLong
		if net.IsNegative() {
			side = core.SideShort
		}
		mark := e.entries[pair]
		if book, ok := e.books[pair]; ok {
			if mid := book.MidPrice(); !mid.IsZero() {
				mark = mid
			}
		}
		positions = append(positions, core.ExchangePosition{
			Exchange:   e.name,
			Pair:       pair,
			Side:       side,
			Size:       net.Abs(),
			EntryPrice: e.entries[pair],
			MarkPrice:  mark,
			Leverage:   e.leverage[pair],
			Timestamp:  time.Now(),
		})
	}
	return positions, nil
}

func (e *Exchange) GetFeeTier(ctx context.Context) (core.FeeTier, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fee := e.fee
	fee.Timestamp = time.Now()
	return fee, nil
}

func (e *Exchange) SetLeverage(ctx context.Context, pair string, leverage int) error {
	e.mu.Lock()
	e.leverage[pair] = leverage
	e.mu.Unlock()
	return nil
}

func copyResult(r *core.OrderResult) *core.OrderResult {
	cp := *r
	return &cp
}
