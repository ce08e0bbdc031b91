package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/telemetry"
)

// Config holds risk control parameters.
type Config struct {
	MaxConsecutiveFailures int
	LiquidationCooldown    time.Duration
}

// Manager owns the circuit breakers, the kill switch and the pair
// cooldowns. The executor consults it before every order.
type Manager struct {
	cfg       Config
	exchanges map[string]core.IExchange
	alerts    core.AlertSink
	logger    core.ILogger

	breakers map[string]*Breaker

	mu          sync.RWMutex
	killSwitch  bool
	killReason  string
	pausedUntil map[string]time.Time // pair -> cooldown expiry
	pausedExch  map[string]bool      // exchanges with a lost connection
}

// NewManager creates a risk manager with a closed breaker per exchange.
func NewManager(cfg Config, exchanges map[string]core.IExchange, alerts core.AlertSink, logger core.ILogger) *Manager {
	breakers := make(map[string]*Breaker, len(exchanges))
	for name := range exchanges {
		breakers[name] = NewBreaker(name, cfg.MaxConsecutiveFailures)
	}
	return &Manager{
		cfg:         cfg,
		exchanges:   exchanges,
		alerts:      alerts,
		logger:      logger.WithField("component", "risk_manager"),
		breakers:    breakers,
		pausedUntil: make(map[string]time.Time),
		pausedExch:  make(map[string]bool),
	}
}

// CanTrade reports whether orders may be sent to an exchange.
func (m *Manager) CanTrade(exchange string) error {
	if m.Halted() {
		return apperrors.ErrHalted
	}
	b, ok := m.breakers[exchange]
	if !ok {
		return fmt.Errorf("unknown exchange %s", exchange)
	}
	if b.Open() {
		return fmt.Errorf("%w: %s", apperrors.ErrBreakerOpen, exchange)
	}
	return nil
}

// CanOpen gates new entries: kill switch, breakers and pair cooldowns.
// Close orders bypass the pair cooldown on purpose.
func (m *Manager) CanOpen(pair, longExchange, shortExchange string) error {
	if err := m.CanTrade(longExchange); err != nil {
		return err
	}
	if err := m.CanTrade(shortExchange); err != nil {
		return err
	}

	m.mu.RLock()
	until, paused := m.pausedUntil[pair]
	longDown := m.pausedExch[longExchange]
	shortDown := m.pausedExch[shortExchange]
	m.mu.RUnlock()
	if longDown {
		return fmt.Errorf("exchange %s paused, connection lost", longExchange)
	}
	if shortDown {
		return fmt.Errorf("exchange %s paused, connection lost", shortExchange)
	}
	if paused && time.Now().Before(until) {
		return fmt.Errorf("pair %s paused until %s after liquidation", pair, until.Format(time.RFC3339))
	}
	return nil
}

// PauseExchange blocks new entries touching an exchange after its
// connection drops. Closes still flow through CanTrade so an inversion
// or liquidation on the healthy venue can be handled.
func (m *Manager) PauseExchange(ctx context.Context, exchange string) {
	m.mu.Lock()
	already := m.pausedExch[exchange]
	m.pausedExch[exchange] = true
	m.mu.Unlock()

	if already {
		return
	}
	m.logger.Warn("Exchange paused, connection lost", "exchange", exchange)
	m.alerts.Notify(ctx, core.SeverityWarning,
		fmt.Sprintf("Connection to %s lost, new entries paused", exchange),
		map[string]string{"exchange": exchange})
}

// ResumeExchange lifts a connectivity pause once the exchange is back
// and its state has been reconciled.
func (m *Manager) ResumeExchange(exchange string) {
	m.mu.Lock()
	paused := m.pausedExch[exchange]
	delete(m.pausedExch, exchange)
	m.mu.Unlock()

	if paused {
		m.logger.Info("Exchange resumed", "exchange", exchange)
	}
}

// RecordFailure counts an adapter failure toward the exchange's breaker
// and alerts when the breaker trips.
func (m *Manager) RecordFailure(ctx context.Context, exchange string, err error) {
	b, ok := m.breakers[exchange]
	if !ok {
		return
	}
	if b.RecordFailure() {
		m.logger.Error("Circuit breaker tripped", "exchange", exchange, "error", err)
		m.alerts.Notify(ctx, core.SeverityCritical,
			fmt.Sprintf("Circuit breaker OPEN for %s, manual reset required", exchange),
			map[string]string{"exchange": exchange, "last_error": err.Error()})
	}
}

// RecordSuccess clears the exchange's consecutive failure count.
func (m *Manager) RecordSuccess(exchange string) {
	if b, ok := m.breakers[exchange]; ok {
		b.RecordSuccess()
	}
}

// ResetBreaker manually closes an exchange's breaker.
func (m *Manager) ResetBreaker(exchange string) error {
	b, ok := m.breakers[exchange]
	if !ok {
		return fmt.Errorf("unknown exchange %s", exchange)
	}
	b.Reset()
	m.logger.Info("Circuit breaker reset", "exchange", exchange)
	return nil
}

// BreakerStatus returns a snapshot of every breaker.
func (m *Manager) BreakerStatus() []core.CircuitBreakerStatus {
	out := make([]core.CircuitBreakerStatus, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b.Status())
	}
	return out
}

// EngageKillSwitch halts all trading and cancels every working order on
// every exchange. Flattening open positions stays with the engine so
// each close runs through the normal exit path.
func (m *Manager) EngageKillSwitch(ctx context.Context, reason string) {
	m.mu.Lock()
	already := m.killSwitch
	m.killSwitch = true
	m.killReason = reason
	m.mu.Unlock()

	if already {
		return
	}

	m.logger.Error("KILL SWITCH ENGAGED", "reason", reason)
	telemetry.GetGlobalMetrics().SetKillSwitch(true)
	m.alerts.Notify(ctx, core.SeverityCritical,
		fmt.Sprintf("Kill switch engaged: %s", reason), nil)

	for name, ex := range m.exchanges {
		count, err := ex.CancelAllOrders(ctx)
		if err != nil {
			m.logger.Error("Cancel-all failed during kill switch", "exchange", name, "error", err)
			continue
		}
		m.logger.Info("Canceled working orders", "exchange", name, "count", count)
	}
}

// ResetKillSwitch re-enables trading. Manual only.
func (m *Manager) ResetKillSwitch() {
	m.mu.Lock()
	m.killSwitch = false
	m.killReason = ""
	m.mu.Unlock()

	telemetry.GetGlobalMetrics().SetKillSwitch(false)
	m.logger.Info("Kill switch reset")
}

// Halted reports whether the kill switch is engaged.
func (m *Manager) Halted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.killSwitch
}

// HaltReason returns why trading is halted, if it is.
func (m *Manager) HaltReason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.killReason
}

// PausePair blocks new entries on a pair for the liquidation cooldown.
func (m *Manager) PausePair(pair string) {
	m.mu.Lock()
	until := time.Now().Add(m.cfg.LiquidationCooldown)
	m.pausedUntil[pair] = until
	m.mu.Unlock()
	m.logger.Warn("Pair paused", "pair", pair, "until", until)
}

// SetLiquidationCooldown adjusts the pause applied after a liquidation.
// Part of the config hot-reload path; pairs already paused keep their
// original expiry.
func (m *Manager) SetLiquidationCooldown(d time.Duration) {
	m.mu.Lock()
	m.cfg.LiquidationCooldown = d
	m.mu.Unlock()
}

// Liquidation names a position leg that vanished from its exchange.
type Liquidation struct {
	Position *core.Position
	Exchange string
}

// CheckLiquidations compares tracked OPEN positions against live
// exchange positions; a missing leg means that leg was liquidated.
func (m *Manager) CheckLiquidations(ctx context.Context, tracked []*core.Position) []Liquidation {
	live := make(map[string]map[string]bool) // exchange -> pair -> present
	for name, ex := range m.exchanges {
		positions, err := ex.GetPositions(ctx)
		if err != nil {
			m.logger.Error("Failed to fetch positions for liquidation check", "exchange", name, "error", err)
			continue
		}
		byPair := make(map[string]bool, len(positions))
		for _, p := range positions {
			byPair[p.Pair] = true
		}
		live[name] = byPair
	}

	var found []Liquidation
	for _, p := range tracked {
		if p.Status != core.PositionOpen {
			continue
		}
		for _, exchange := range []string{p.LongExchange, p.ShortExchange} {
			byPair, ok := live[exchange]
			if !ok {
				// Fetch failed, no verdict on this exchange this sweep.
				continue
			}
			if !byPair[p.Pair] {
				found = append(found, Liquidation{Position: p, Exchange: exchange})
			}
		}
	}
	return found
}
