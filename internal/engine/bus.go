package engine

import (
	"sync"
	"time"

	"funding_arb/internal/core"
)

// EventType tags engine events for subscribers.
type EventType string

const (
	EventOpportunity    EventType = "OPPORTUNITY"
	EventFundingRate    EventType = "FUNDING_RATE_UPDATE"
	EventTradeExecuted  EventType = "TRADE_EXECUTED"
	EventPositionOpened EventType = "POSITION_OPENED"
	EventPositionClosed EventType = "POSITION_CLOSED"
	EventPositionFailed EventType = "POSITION_FAILED"
	EventLiquidation    EventType = "LIQUIDATION"
	EventKillSwitch     EventType = "KILL_SWITCH"
	EventStateChange    EventType = "STATE_CHANGE"
)

// Event is one engine occurrence. Only the fields relevant to the type
// are set.
type Event struct {
	Type        EventType
	Timestamp   time.Time
	Opportunity *core.Opportunity
	Position    *core.Position
	Rate        *core.FundingRate
	Trade       *core.Trade
	Detail      string
}

// Bus fans events out to subscribers. A slow subscriber drops events
// rather than blocking the engine loops.
type Bus struct {
	logger core.ILogger

	mu          sync.RWMutex
	subscribers []chan Event
}

// NewBus creates an event bus.
func NewBus(logger core.ILogger) *Bus {
	return &Bus{logger: logger.WithField("component", "event_bus")}
}

// Subscribe returns a buffered event channel.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers an event to every subscriber.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Warn("Dropping event, subscriber busy", "type", event.Type)
		}
	}
}
