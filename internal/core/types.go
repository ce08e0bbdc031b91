// Package core defines the domain types and interfaces shared by the
// funding arbitrage engine components.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of one leg of a hedged position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the other order side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// CloseSide returns the order side that flattens a position held on the given side.
func (s Side) CloseSide() OrderSide {
	if s == SideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType distinguishes limit from market orders.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus is the lifecycle state of an order on an exchange.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// TradeAction distinguishes opening trades from closing trades.
type TradeAction string

const (
	TradeActionOpen  TradeAction = "OPEN"
	TradeActionClose TradeAction = "CLOSE"
)

// PositionStatus is the lifecycle state of a hedged position.
type PositionStatus string

const (
	PositionOpening    PositionStatus = "OPENING"
	PositionOpen       PositionStatus = "OPEN"
	PositionClosing    PositionStatus = "CLOSING"
	PositionClosed     PositionStatus = "CLOSED"
	PositionFailed     PositionStatus = "FAILED"
	PositionLiquidated PositionStatus = "LIQUIDATED"
)

// IsTerminal reports whether no further transitions are possible.
func (s PositionStatus) IsTerminal() bool {
	return s == PositionClosed || s == PositionFailed || s == PositionLiquidated
}

// Severity is the level of an operator alert.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// FundingRate is an immutable snapshot of one exchange's funding rate for a
// pair. Updates supersede the previous snapshot, they never mutate it.
type FundingRate struct {
	Exchange        string
	Pair            string
	Rate            decimal.Decimal
	PredictedRate   decimal.Decimal
	IntervalHours   int
	NextFundingTime time.Time
	MarkPrice       decimal.Decimal
	Timestamp       time.Time
}

// DailyRate normalizes the raw per-interval rate to a 24 hour basis so rates
// from exchanges with different funding intervals are comparable.
func (r FundingRate) DailyRate() decimal.Decimal {
	if r.IntervalHours <= 0 {
		return r.Rate.Mul(decimal.NewFromInt(3)) // assume the common 8h interval
	}
	periods := decimal.NewFromInt(24).Div(decimal.NewFromInt(int64(r.IntervalHours)))
	return r.Rate.Mul(periods)
}

// TimeToFunding returns the duration until the next funding settlement.
func (r FundingRate) TimeToFunding(now time.Time) time.Duration {
	return r.NextFundingTime.Sub(now)
}

// Opportunity is a transient candidate for a hedged position: long the
// exchange with the lower daily rate, short the one with the higher. It is
// recomputed on every scanner trigger and never persisted.
type Opportunity struct {
	Pair              string
	LongExchange      string
	ShortExchange     string
	LongDailyRate     decimal.Decimal
	ShortDailyRate    decimal.Decimal
	DailySpread       decimal.Decimal
	FeeAdjustedSpread decimal.Decimal
	SizeUSD           decimal.Decimal
	NextFundingTime   time.Time
	DetectedAt        time.Time
}

// Position is a hedged two-leg position across two exchanges.
type Position struct {
	ID               string
	Pair             string
	LongExchange     string
	ShortExchange    string
	LongEntryPrice   decimal.Decimal
	ShortEntryPrice  decimal.Decimal
	LongSize         decimal.Decimal
	ShortSize        decimal.Decimal
	SizeUSD          decimal.Decimal
	LeverageLong     int
	LeverageShort    int
	EntryDailySpread decimal.Decimal

	// Captured at entry time; the inversion monitor closes the position when
	// the live daily spread drops below this.
	NegativeSpreadTolerance decimal.Decimal

	Status           PositionStatus
	EntryTime        time.Time
	CloseTime        time.Time
	RealizedPnl      decimal.Decimal
	FundingCollected decimal.Decimal
	TotalFees        decimal.Decimal
	Notes            string
}

// IsActive reports whether the position still occupies its pair.
func (p *Position) IsActive() bool {
	return !p.Status.IsTerminal()
}

// Trade records one leg execution attempt, including emergency closes.
// Immutable once recorded.
type Trade struct {
	ID         string
	PositionID string
	Exchange   string
	Pair       string
	Side       Side
	Action     TradeAction
	OrderType  OrderType
	Price      decimal.Decimal
	Size       decimal.Decimal
	Fee        decimal.Decimal
	OrderID    string
	Status     OrderStatus
	ExecutedAt time.Time
}

// FundingEvent records one funding payment credited or debited to a position
// leg. Append-only.
type FundingEvent struct {
	ID         string
	PositionID string
	Exchange   string
	Pair       string
	Side       Side
	Rate       decimal.Decimal
	PaymentUSD decimal.Decimal
	Timestamp  time.Time
}

// OrderBookLevel is a single price level.
type OrderBookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook is a depth snapshot. Bids descend, asks ascend.
type OrderBook struct {
	Exchange  string
	Pair      string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Timestamp time.Time
}

// BestBid returns the highest bid, or zero when the book is empty.
func (b *OrderBook) BestBid() decimal.Decimal {
	if len(b.Bids) == 0 {
		return decimal.Zero
	}
	return b.Bids[0].Price
}

// BestAsk returns the lowest ask, or zero when the book is empty.
func (b *OrderBook) BestAsk() decimal.Decimal {
	if len(b.Asks) == 0 {
		return decimal.Zero
	}
	return b.Asks[0].Price
}

// MidPrice returns the mid-market price, or zero if either side is empty.
func (b *OrderBook) MidPrice() decimal.Decimal {
	bid, ask := b.BestBid(), b.BestAsk()
	if bid.IsZero() || ask.IsZero() {
		return decimal.Zero
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2))
}

// Depth sums base size across the top levels of one side.
func (b *OrderBook) Depth(side OrderSide, levels int) decimal.Decimal {
	book := b.Asks // buying consumes asks
	if side == OrderSideSell {
		book = b.Bids
	}
	if levels > len(book) {
		levels = len(book)
	}
	total := decimal.Zero
	for _, lvl := range book[:levels] {
		total = total.Add(lvl.Size)
	}
	return total
}

// DepthUSD is Depth converted to notional at the mid price.
func (b *OrderBook) DepthUSD(side OrderSide, levels int) decimal.Decimal {
	return b.Depth(side, levels).Mul(b.MidPrice())
}

// OrderRequest describes an order to be placed on an exchange.
type OrderRequest struct {
	Pair          string
	Side          OrderSide
	Type          OrderType
	Size          decimal.Decimal
	Price         decimal.Decimal // required for limit orders
	ReduceOnly    bool
	ClientOrderID string
}

// OrderResult is the exchange's view of an order.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Exchange      string
	Pair          string
	Side          OrderSide
	Type          OrderType
	Status        OrderStatus
	Size          decimal.Decimal
	FilledSize    decimal.Decimal
	Price         decimal.Decimal
	AvgPrice      decimal.Decimal
	Fee           decimal.Decimal
	Timestamp     time.Time
}

// IsFilled reports whether the order filled completely.
func (r *OrderResult) IsFilled() bool {
	return r.Status == OrderStatusFilled
}

// IsOpen reports whether the order is still working on the exchange.
func (r *OrderResult) IsOpen() bool {
	return r.Status == OrderStatusNew || r.Status == OrderStatusPartiallyFilled
}

// FillPrice returns the average fill price, falling back to the limit price.
func (r *OrderResult) FillPrice() decimal.Decimal {
	if !r.AvgPrice.IsZero() {
		return r.AvgPrice
	}
	return r.Price
}

// ExchangePosition is a live position as reported by an exchange.
type ExchangePosition struct {
	Exchange         string
	Pair             string
	Side             Side
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	LiquidationPrice decimal.Decimal
	UnrealizedPnl    decimal.Decimal
	Leverage         int
	Timestamp        time.Time
}

// FeeTier is the account's fee schedule on an exchange.
type FeeTier struct {
	Exchange  string
	Tier      string
	MakerFee  decimal.Decimal
	TakerFee  decimal.Decimal
	Timestamp time.Time
}

// BreakerState is the state of one exchange's circuit breaker.
type BreakerState string

const (
	BreakerClosed BreakerState = "CLOSED"
	BreakerOpen   BreakerState = "OPEN"
)

// CircuitBreakerStatus is a snapshot of one exchange's breaker, owned by the
// risk manager.
type CircuitBreakerStatus struct {
	Exchange            string
	ConsecutiveFailures int
	State               BreakerState
	LastFailureAt       time.Time
}
