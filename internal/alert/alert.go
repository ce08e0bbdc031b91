// Package alert fans operator notifications out to the configured
// channels without blocking the trading path.
package alert

import (
	"context"
	"sync"
	"time"

	"funding_arb/internal/core"
	"funding_arb/pkg/concurrency"
)

// Payload is one alert as delivered to a channel.
type Payload struct {
	Severity  core.Severity
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers one alert to one destination.
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager implements core.AlertSink over a set of channels. Delivery runs
// on a worker pool; a slow or failing channel is logged and dropped, it
// never stalls the caller.
type Manager struct {
	channels []Channel
	pool     *concurrency.WorkerPool
	logger   core.ILogger
	mu       sync.RWMutex
}

// NewManager creates an alert manager dispatching on the given pool.
func NewManager(pool *concurrency.WorkerPool, logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]Channel, 0),
		pool:     pool,
		logger:   logger.WithField("component", "alert_manager"),
	}
}

// AddChannel registers a delivery channel.
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Notify implements core.AlertSink.
func (m *Manager) Notify(ctx context.Context, severity core.Severity, message string, fields map[string]string) {
	payload := Payload{
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.logger.Info("Triggering alert", "severity", severity, "message", message)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		ch := ch
		err := m.pool.Submit(func() {
			// Detach from the caller's context so cancellation of the
			// trading operation does not swallow its alert.
			sendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := ch.Send(sendCtx, payload); err != nil {
				m.logger.Error("Failed to send alert", "channel", ch.Name(), "error", err)
			}
		})
		if err != nil {
			m.logger.Error("Alert pool full, dropping alert", "channel", ch.Name(), "severity", severity)
		}
	}
}
