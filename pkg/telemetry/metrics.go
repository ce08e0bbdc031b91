package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOpportunitiesTotal    = "funding_arb_opportunities_detected_total"
	MetricPositionsOpenedTotal  = "funding_arb_positions_opened_total"
	MetricPositionsClosedTotal  = "funding_arb_positions_closed_total"
	MetricPositionsFailedTotal  = "funding_arb_positions_failed_total"
	MetricPositionsOpen         = "funding_arb_positions_open"
	MetricRealizedPnlTotal      = "funding_arb_realized_pnl_usd_total"
	MetricFundingCollectedTotal = "funding_arb_funding_collected_usd_total"
	MetricDailySpread           = "funding_arb_daily_spread"
	MetricOrderLatency          = "funding_arb_order_latency_ms"
	MetricCircuitBreakerOpen    = "funding_arb_circuit_breaker_open"
	MetricKillSwitchActive      = "funding_arb_kill_switch_active"
	MetricEngineState           = "funding_arb_engine_state"
)

// MetricsHolder holds initialized instruments.
type MetricsHolder struct {
	OpportunitiesTotal    metric.Int64Counter
	PositionsOpenedTotal  metric.Int64Counter
	PositionsClosedTotal  metric.Int64Counter
	PositionsFailedTotal  metric.Int64Counter
	PositionsOpen         metric.Int64ObservableGauge
	RealizedPnlTotal      metric.Float64Counter
	FundingCollectedTotal metric.Float64Counter
	DailySpread           metric.Float64ObservableGauge
	OrderLatency          metric.Float64Histogram
	CircuitBreakerOpen    metric.Int64ObservableGauge
	KillSwitchActive      metric.Int64ObservableGauge
	EngineState           metric.Int64ObservableGauge

	// State for observable gauges
	mu           sync.RWMutex
	openCountMap map[string]int64
	spreadMap    map[string]float64
	breakerMap   map[string]int64
	killSwitch   int64
	engineState  int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder. Instruments are
// bound to the global meter provider until Setup re-binds them to the
// real one, so recording before Setup is safe.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			openCountMap: make(map[string]int64),
			spreadMap:    make(map[string]float64),
			breakerMap:   make(map[string]int64),
		}
		_ = globalMetrics.InitMetrics(otel.GetMeterProvider().Meter("funding_arb"))
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OpportunitiesTotal, err = meter.Int64Counter(MetricOpportunitiesTotal, metric.WithDescription("Opportunities above threshold detected"))
	if err != nil {
		return err
	}

	m.PositionsOpenedTotal, err = meter.Int64Counter(MetricPositionsOpenedTotal, metric.WithDescription("Hedged positions opened"))
	if err != nil {
		return err
	}

	m.PositionsClosedTotal, err = meter.Int64Counter(MetricPositionsClosedTotal, metric.WithDescription("Hedged positions closed normally"))
	if err != nil {
		return err
	}

	m.PositionsFailedTotal, err = meter.Int64Counter(MetricPositionsFailedTotal, metric.WithDescription("Entry attempts that ended in FAILED"))
	if err != nil {
		return err
	}

	m.RealizedPnlTotal, err = meter.Float64Counter(MetricRealizedPnlTotal, metric.WithDescription("Cumulative realized PnL in USD"))
	if err != nil {
		return err
	}

	m.FundingCollectedTotal, err = meter.Float64Counter(MetricFundingCollectedTotal, metric.WithDescription("Cumulative net funding collected in USD"))
	if err != nil {
		return err
	}

	m.OrderLatency, err = meter.Float64Histogram(MetricOrderLatency, metric.WithDescription("Order placement round trip"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.PositionsOpen, err = meter.Int64ObservableGauge(MetricPositionsOpen, metric.WithDescription("Currently active positions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for pair, val := range m.openCountMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("pair", pair)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.DailySpread, err = meter.Float64ObservableGauge(MetricDailySpread, metric.WithDescription("Best observed daily spread per pair"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for pair, val := range m.spreadMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("pair", pair)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("1 when the exchange breaker is open"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for exch, val := range m.breakerMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("exchange", exch)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.KillSwitchActive, err = meter.Int64ObservableGauge(MetricKillSwitchActive, metric.WithDescription("1 when the kill switch is engaged"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.killSwitch)
			return nil
		}))
	if err != nil {
		return err
	}

	m.EngineState, err = meter.Int64ObservableGauge(MetricEngineState, metric.WithDescription("Engine lifecycle state ordinal"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.engineState)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetOpenPositions updates the per-pair active position gauge.
func (m *MetricsHolder) SetOpenPositions(pair string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openCountMap[pair] = count
}

// SetDailySpread updates the best spread gauge for a pair.
func (m *MetricsHolder) SetDailySpread(pair string, spread float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spreadMap[pair] = spread
}

// SetBreakerOpen updates the per-exchange breaker gauge.
func (m *MetricsHolder) SetBreakerOpen(exchange string, open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if open {
		m.breakerMap[exchange] = 1
	} else {
		m.breakerMap[exchange] = 0
	}
}

// SetKillSwitch updates the kill switch gauge.
func (m *MetricsHolder) SetKillSwitch(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active {
		m.killSwitch = 1
	} else {
		m.killSwitch = 0
	}
}

// SetEngineState records the engine lifecycle state ordinal.
func (m *MetricsHolder) SetEngineState(state int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.engineState = state
}
