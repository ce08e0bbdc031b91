// Package risk enforces the engine's protective controls: per-exchange
// circuit breakers, the kill switch, spread inversion monitoring and
// liquidation handling.
package risk

import (
	"sync"
	"time"

	"funding_arb/internal/core"
	"funding_arb/pkg/telemetry"
)

// Breaker is a per-exchange circuit breaker. It opens on the Nth
// consecutive failure and stays open until an operator resets it; there
// is no automatic half-open probe.
type Breaker struct {
	exchange  string
	threshold int

	mu          sync.Mutex
	state       core.BreakerState
	consecutive int
	lastFailure time.Time
}

// NewBreaker creates a closed breaker for one exchange.
func NewBreaker(exchange string, threshold int) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Breaker{
		exchange:  exchange,
		threshold: threshold,
		state:     core.BreakerClosed,
	}
}

// RecordFailure counts one failed operation. Returns true when this
// failure tripped the breaker, exactly once per trip.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive++
	b.lastFailure = time.Now()

	if b.state == core.BreakerClosed && b.consecutive >= b.threshold {
		b.state = core.BreakerOpen
		telemetry.GetGlobalMetrics().SetBreakerOpen(b.exchange, true)
		return true
	}
	return false
}

// RecordSuccess resets the consecutive failure count. It never closes an
// open breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == core.BreakerClosed {
		b.consecutive = 0
	}
}

// Open reports whether the breaker blocks new orders.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == core.BreakerOpen
}

// Reset closes the breaker and clears the count. Manual only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = core.BreakerClosed
	b.consecutive = 0
	telemetry.GetGlobalMetrics().SetBreakerOpen(b.exchange, false)
}

// Status returns a snapshot for the control surface.
func (b *Breaker) Status() core.CircuitBreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	return core.CircuitBreakerStatus{
		Exchange:            b.exchange,
		ConsecutiveFailures: b.consecutive,
		State:               b.state,
		LastFailureAt:       b.lastFailure,
	}
}
