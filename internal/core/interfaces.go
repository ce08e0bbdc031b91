package core

import (
	"context"
)

// FundingHandler receives pushed funding rate snapshots from an adapter.
type FundingHandler func(rate FundingRate)

// IExchange is the uniform capability set implemented once per exchange.
// Concrete adapters are bound through the name-keyed registry in
// internal/exchange rather than by subclassing a shared base.
type IExchange interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	Connected() bool

	// SubscribeFundingRate starts a push stream of funding rate snapshots for
	// the pair. The handler is invoked from the adapter's read loop.
	SubscribeFundingRate(ctx context.Context, pair string, handler FundingHandler) error
	// GetFundingRate fetches the current snapshot, used to seed the scanner.
	GetFundingRate(ctx context.Context, pair string) (FundingRate, error)

	GetOrderbook(ctx context.Context, pair string, depth int) (*OrderBook, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	GetOrder(ctx context.Context, pair, orderID string) (*OrderResult, error)
	CancelOrder(ctx context.Context, pair, orderID string) error
	CancelAllOrders(ctx context.Context) (int, error)
	GetPositions(ctx context.Context) ([]ExchangePosition, error)
	GetFeeTier(ctx context.Context) (FeeTier, error)
	SetLeverage(ctx context.Context, pair string, leverage int) error
}

// Repository persists positions, trades and funding events. Every
// state-affecting operation writes through before reporting success.
type Repository interface {
	SavePosition(ctx context.Context, p *Position) error
	SaveTrade(ctx context.Context, t *Trade) error
	SaveFundingEvent(ctx context.Context, e *FundingEvent) error
	// LoadCheckpoint returns every position in a non-terminal state.
	LoadCheckpoint(ctx context.Context) ([]*Position, error)
	Close() error
}

// AlertSink delivers operator notifications. Delivery must not block the
// trading path.
type AlertSink interface {
	Notify(ctx context.Context, severity Severity, message string, fields map[string]string)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
