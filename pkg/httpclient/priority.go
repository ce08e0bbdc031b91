package httpclient

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Priority classifies a request for the shared per-venue rate budget.
type Priority int

const (
	// PriorityMarketData is the default for informational queries.
	PriorityMarketData Priority = iota
	// PriorityTrading marks order placement, cancellation and leverage
	// changes, which must not be starved behind market-data polling.
	PriorityTrading
)

type priorityKey struct{}

// WithPriority tags a request context with its priority class.
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

func priorityFrom(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return PriorityMarketData
}

// priorityLimiter shares one token budget between trading and
// market-data requests. Market-data waiters yield while any trading
// request is waiting for a token.
type priorityLimiter struct {
	limiter *rate.Limiter
	trading atomic.Int64
}

func newPriorityLimiter(l *rate.Limiter) *priorityLimiter {
	return &priorityLimiter{limiter: l}
}

func (p *priorityLimiter) Wait(ctx context.Context, prio Priority) error {
	if prio == PriorityTrading {
		p.trading.Add(1)
		defer p.trading.Add(-1)
		return p.limiter.Wait(ctx)
	}

	for p.trading.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return p.limiter.Wait(ctx)
}
