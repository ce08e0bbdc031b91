// Package engine coordinates the scanner, detector, executor and risk
// controls into the trading lifecycle and exposes the operator control
// surface.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/detector"
	"funding_arb/internal/executor"
	"funding_arb/internal/position"
	"funding_arb/internal/risk"
	"funding_arb/internal/scanner"
	"funding_arb/pkg/concurrency"
	apperrors "funding_arb/pkg/errors"
	"funding_arb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// State is the engine lifecycle state.
type State string

const (
	StateStopped  State = "STOPPED"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateHalted   State = "HALTED"
	StateError    State = "ERROR"
)

var stateOrdinals = map[State]int64{
	StateStopped:  0,
	StateStarting: 1,
	StateRunning:  2,
	StateStopping: 3,
	StateHalted:   4,
	StateError:    5,
}

// Status is the control surface snapshot.
type Status struct {
	State      State
	HaltReason string
	Breakers   []core.CircuitBreakerStatus
	Positions  []*core.Position
}

// Engine drives the funding arbitrage lifecycle.
type Engine struct {
	cfg        *config.Config
	logger     core.ILogger
	alerts     core.AlertSink
	exchanges  map[string]core.IExchange
	scanner    *scanner.Scanner
	detector   *detector.Detector
	executor   *executor.Executor
	positions  *position.Manager
	risk       *risk.Manager
	reconciler *risk.Reconciler
	bus        *Bus

	mu       sync.RWMutex
	state    State
	lastOpp  map[string][]core.Opportunity
	inFlight map[string]bool // pair -> execution task on the pool

	// execPool runs entries and exits so one pair's fill wait never
	// stalls detection or execution on another pair.
	execPool *concurrency.WorkerPool

	// trading and riskCfg hold the hot-reloadable knobs; the rest of
	// cfg is fixed for the process lifetime.
	tradingMu sync.RWMutex
	trading   config.TradingConfig
	riskCfg   config.RiskConfig

	// lastFunding tracks the most recent settlement boundary seen per
	// position leg, so each settlement is credited once.
	fundingMu   sync.Mutex
	lastFunding map[string]map[string]time.Time // position ID -> exchange -> boundary

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires an engine from its components.
func New(
	cfg *config.Config,
	exchanges map[string]core.IExchange,
	sc *scanner.Scanner,
	det *detector.Detector,
	exec *executor.Executor,
	positions *position.Manager,
	riskMgr *risk.Manager,
	reconciler *risk.Reconciler,
	alerts core.AlertSink,
	bus *Bus,
	logger core.ILogger,
) *Engine {
	e := &Engine{
		cfg:         cfg,
		logger:      logger.WithField("component", "engine"),
		alerts:      alerts,
		exchanges:   exchanges,
		scanner:     sc,
		detector:    det,
		executor:    exec,
		positions:   positions,
		risk:        riskMgr,
		reconciler:  reconciler,
		bus:         bus,
		state:       StateStopped,
		trading:     cfg.Trading,
		riskCfg:     cfg.Risk,
		lastOpp:     make(map[string][]core.Opportunity),
		inFlight:    make(map[string]bool),
		lastFunding: make(map[string]map[string]time.Time),
	}
	exec.OnTrade(func(trade *core.Trade) {
		bus.Publish(Event{Type: EventTradeExecuted, Trade: trade})
	})
	positions.OnTransition(func(p *core.Position) {
		if !p.Status.IsTerminal() {
			return
		}
		e.fundingMu.Lock()
		delete(e.lastFunding, p.ID)
		e.fundingMu.Unlock()
	})
	return e
}

func (e *Engine) tradingConfig() (config.TradingConfig, config.RiskConfig) {
	e.tradingMu.RLock()
	defer e.tradingMu.RUnlock()
	return e.trading, e.riskCfg
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()

	if prev != s {
		e.logger.Info("Engine state change", "from", prev, "to", s)
		telemetry.GetGlobalMetrics().SetEngineState(stateOrdinals[s])
		e.bus.Publish(Event{Type: EventStateChange, Detail: string(s)})
	}
}

// GetState returns the engine lifecycle state.
func (e *Engine) GetState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Start connects the exchanges, restores and reconciles persisted state,
// then launches the trading loops. A reconciliation mismatch halts the
// engine before any order can be sent.
func (e *Engine) Start(ctx context.Context) error {
	if e.GetState() != StateStopped {
		return fmt.Errorf("engine not stopped, state is %s", e.GetState())
	}
	e.setState(StateStarting)

	for name, ex := range e.exchanges {
		if err := ex.Connect(ctx); err != nil {
			e.setState(StateError)
			return fmt.Errorf("connect %s: %w", name, err)
		}
	}

	if err := e.positions.Restore(ctx); err != nil {
		e.setState(StateError)
		return err
	}

	if err := e.reconciler.Reconcile(ctx, e.positions.Active()); err != nil {
		e.setState(StateHalted)
		e.alerts.Notify(ctx, core.SeverityCritical,
			"Startup reconciliation failed, engine halted", map[string]string{"error": err.Error()})
		return err
	}

	e.refreshFeeTiers(ctx)

	if err := e.scanner.Start(ctx); err != nil {
		e.setState(StateError)
		return err
	}

	e.execPool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "executions",
		MaxWorkers:  e.cfg.Concurrency.ScanPoolSize,
		MaxCapacity: e.cfg.Concurrency.ScanPoolBuffer,
	}, e.logger)

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	updates := e.scanner.Updates(256)
	e.wg.Add(4)
	go e.detectionLoop(runCtx, updates)
	go e.liquidationLoop(runCtx)
	go e.fundingSweepLoop(runCtx)
	go e.connectivityLoop(runCtx)

	e.setState(StateRunning)
	return nil
}

// Stop cancels the loops and disconnects the exchanges. Open positions
// stay open; stopping the engine is not the kill switch.
func (e *Engine) Stop() {
	state := e.GetState()
	if state != StateRunning && state != StateHalted {
		return
	}
	e.setState(StateStopping)

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if e.execPool != nil {
		e.execPool.Stop()
	}

	for name, ex := range e.exchanges {
		if err := ex.Close(); err != nil {
			e.logger.Error("Exchange close failed", "exchange", name, "error", err)
		}
	}
	e.setState(StateStopped)
}

func (e *Engine) refreshFeeTiers(ctx context.Context) {
	for name, ex := range e.exchanges {
		tier, err := ex.GetFeeTier(ctx)
		if err != nil {
			e.logger.Warn("Failed to fetch fee tier, detector falls back to the conservative default", "exchange", name, "error", err)
			continue
		}
		e.detector.SetFeeTier(tier)
	}
}

// detectionLoop reacts to rate updates and a periodic tick: closes
// inverted positions first, then hunts entries on free pairs.
func (e *Engine) detectionLoop(ctx context.Context, updates <-chan scanner.Update) {
	defer e.wg.Done()

	interval := time.Duration(e.cfg.Trading.ScanIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case update := <-updates:
			rate := update.Rate
			e.bus.Publish(Event{Type: EventFundingRate, Rate: &rate})
			e.evaluatePair(ctx, rate.Pair)
		case <-ticker.C:
			for _, pair := range e.scanner.Pairs() {
				e.evaluatePair(ctx, pair)
			}
		}
	}
}

func (e *Engine) evaluatePair(ctx context.Context, pair string) {
	now := time.Now()
	rates := e.scanner.Snapshot(pair, now)
	if len(rates) == 0 {
		return
	}

	if p, ok := e.positions.Get(pair); ok {
		e.monitorPosition(ctx, p, rates)
		return
	}

	if e.risk.Halted() {
		return
	}

	opps := e.detector.FindOpportunities(pair, rates, now)
	e.mu.Lock()
	e.lastOpp[pair] = opps
	e.mu.Unlock()

	if len(opps) == 0 {
		telemetry.GetGlobalMetrics().SetDailySpread(pair, 0)
		return
	}

	best := opps[0]
	spread, _ := best.DailySpread.Float64()
	telemetry.GetGlobalMetrics().SetDailySpread(pair, spread)
	telemetry.GetGlobalMetrics().OpportunitiesTotal.Add(ctx, 1)
	e.bus.Publish(Event{Type: EventOpportunity, Opportunity: &best})

	if err := e.risk.CanOpen(pair, best.LongExchange, best.ShortExchange); err != nil {
		e.logger.Debug("Skipping opportunity", "pair", pair, "reason", err)
		return
	}

	e.dispatch(pair, func() { e.openPosition(ctx, best) })
}

// dispatch runs an execution on the pool, at most one per pair at a
// time. A pair already executing skips this round; the next tick or
// rate update evaluates it again.
func (e *Engine) dispatch(pair string, fn func()) {
	e.mu.Lock()
	if e.inFlight[pair] {
		e.mu.Unlock()
		return
	}
	e.inFlight[pair] = true
	e.mu.Unlock()

	clear := func() {
		e.mu.Lock()
		delete(e.inFlight, pair)
		e.mu.Unlock()
	}
	if err := e.execPool.Submit(func() {
		defer clear()
		fn()
	}); err != nil {
		clear()
		e.logger.Warn("Execution pool rejected task", "pair", pair, "error", err)
	}
}

func (e *Engine) openPosition(ctx context.Context, opp core.Opportunity) {
	trading, riskCfg := e.tradingConfig()
	tolerance := decimal.NewFromFloat(riskCfg.NegativeSpreadTolerance)
	leverage := trading.Leverage.For(opp.Pair)

	p, err := e.executor.ExecuteEntry(ctx, opp, tolerance, leverage, leverage)
	if err != nil {
		if executor.ErrAborted(err) {
			e.logger.Warn("Entry aborted", "pair", opp.Pair, "error", err)
		} else {
			e.logger.Error("Entry failed", "pair", opp.Pair, "error", err)
		}
		if p != nil {
			e.bus.Publish(Event{Type: EventPositionFailed, Position: p, Detail: err.Error()})
		}
		return
	}

	e.bus.Publish(Event{Type: EventPositionOpened, Position: p})
	e.alerts.Notify(ctx, core.SeverityInfo,
		fmt.Sprintf("Opened %s: long %s / short %s, %s USD at %s daily spread",
			p.Pair, p.LongExchange, p.ShortExchange, p.SizeUSD, p.EntryDailySpread),
		map[string]string{"position_id": p.ID})
}

// monitorPosition closes an OPEN position whose live spread fell below
// the tolerance captured at entry.
func (e *Engine) monitorPosition(ctx context.Context, p *core.Position, rates map[string]core.FundingRate) {
	if p.Status != core.PositionOpen {
		return
	}

	liveSpread, ok := detector.LiveSpread(p, rates)
	if !ok {
		return
	}

	spread, _ := liveSpread.Float64()
	telemetry.GetGlobalMetrics().SetDailySpread(p.Pair, spread)

	if !detector.ShouldClose(p, liveSpread) {
		return
	}

	e.logger.Warn("Spread inverted beyond tolerance, closing",
		"id", p.ID, "pair", p.Pair, "live_spread", liveSpread, "tolerance", p.NegativeSpreadTolerance)
	e.dispatch(p.Pair, func() {
		if err := e.executor.ExecuteExit(ctx, p, fmt.Sprintf("spread inversion: %s", liveSpread)); err != nil {
			e.logger.Error("Inversion close failed", "id", p.ID, "error", err)
			return
		}
		e.bus.Publish(Event{Type: EventPositionClosed, Position: p, Detail: "spread inversion"})
	})
}

// liquidationLoop sweeps for vanished legs, closes the survivor and
// pauses the pair.
func (e *Engine) liquidationLoop(ctx context.Context) {
	defer e.wg.Done()

	interval := time.Duration(e.cfg.Trading.ScanIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, liq := range e.risk.CheckLiquidations(ctx, e.positions.Active()) {
				e.handleLiquidation(ctx, liq)
			}
		}
	}
}

func (e *Engine) handleLiquidation(ctx context.Context, liq risk.Liquidation) {
	p := liq.Position
	e.logger.Error("Leg liquidated", "id", p.ID, "pair", p.Pair, "exchange", liq.Exchange)
	e.alerts.Notify(ctx, core.SeverityCritical,
		fmt.Sprintf("Liquidation on %s for %s, closing surviving leg", liq.Exchange, p.Pair),
		map[string]string{"position_id": p.ID})

	if err := e.executor.CloseSurvivingLeg(ctx, p, liq.Exchange); err != nil {
		e.logger.Error("Failed to close surviving leg", "id", p.ID, "error", err)
	}
	e.risk.PausePair(p.Pair)
	e.bus.Publish(Event{Type: EventLiquidation, Position: p, Detail: liq.Exchange})
}

// connectivityLoop watches adapter connections. A drop pauses entries
// on that exchange; once the connection returns, local state is
// reconciled against the venue before entries resume.
func (e *Engine) connectivityLoop(ctx context.Context) {
	defer e.wg.Done()

	interval := time.Duration(e.cfg.Trading.ScanIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	up := make(map[string]bool, len(e.exchanges))
	for name, ex := range e.exchanges {
		up[name] = ex.Connected()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, ex := range e.exchanges {
				now := ex.Connected()
				was := up[name]
				up[name] = now
				switch {
				case was && !now:
					e.logger.Warn("Exchange connection lost", "exchange", name)
					e.risk.PauseExchange(ctx, name)
				case !was && now:
					e.handleReconnect(ctx, name)
				}
			}
		}
	}
}

// handleReconnect reconciles after a connection returns. On a mismatch
// the exchange stays paused and the operator is alerted; orders may
// have filled or been liquidated while the stream was down.
func (e *Engine) handleReconnect(ctx context.Context, name string) {
	e.logger.Info("Exchange connection restored, reconciling", "exchange", name)
	if err := e.reconciler.Reconcile(ctx, e.positions.Active()); err != nil {
		e.logger.Error("Reconciliation after reconnect failed", "exchange", name, "error", err)
		e.alerts.Notify(ctx, core.SeverityCritical,
			fmt.Sprintf("Reconciliation after %s reconnect failed, entries stay paused", name),
			map[string]string{"exchange": name, "error": err.Error()})
		return
	}
	e.risk.ResumeExchange(name)
}

// fundingSweepLoop credits funding payments to open positions once per
// settlement boundary.
func (e *Engine) fundingSweepLoop(ctx context.Context) {
	defer e.wg.Done()

	interval := time.Duration(e.cfg.Trading.FundingSweepSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepFunding(ctx)
		}
	}
}

func (e *Engine) sweepFunding(ctx context.Context) {
	for _, p := range e.positions.Active() {
		if p.Status != core.PositionOpen {
			continue
		}
		for _, legInfo := range []struct {
			exchange string
			side     core.Side
		}{
			{p.LongExchange, core.SideLong},
			{p.ShortExchange, core.SideShort},
		} {
			rate, ok := e.scanner.Rate(p.Pair, legInfo.exchange)
			if !ok {
				continue
			}

			e.fundingMu.Lock()
			byExchange := e.lastFunding[p.ID]
			if byExchange == nil {
				byExchange = make(map[string]time.Time)
				e.lastFunding[p.ID] = byExchange
			}
			last, seen := byExchange[legInfo.exchange]
			byExchange[legInfo.exchange] = rate.NextFundingTime
			e.fundingMu.Unlock()

			// First observation just records the boundary; a later
			// boundary means a settlement happened in between.
			if !seen || !rate.NextFundingTime.After(last) {
				continue
			}

			// Shorts receive positive funding, longs pay it.
			payment := rate.Rate.Mul(p.SizeUSD)
			if legInfo.side == core.SideLong {
				payment = payment.Neg()
			}

			event := &core.FundingEvent{
				PositionID: p.ID,
				Exchange:   legInfo.exchange,
				Pair:       p.Pair,
				Side:       legInfo.side,
				Rate:       rate.Rate,
				PaymentUSD: payment,
				Timestamp:  time.Now(),
			}
			if err := e.positions.RecordFunding(ctx, event); err != nil {
				e.logger.Error("Failed to record funding", "id", p.ID, "exchange", legInfo.exchange, "error", err)
			}
		}
	}
}

// Control surface

// KillSwitch cancels all orders, flattens every open position through
// the normal exit path and halts the engine.
func (e *Engine) KillSwitch(ctx context.Context, reason string) {
	e.risk.EngageKillSwitch(ctx, reason)
	e.bus.Publish(Event{Type: EventKillSwitch, Detail: reason})

	// An in-flight entry can surface an OPEN position after a single
	// pass, so keep sweeping until nothing is still OPENING. Cancel-all
	// above aborts those entries, so OPENING resolves within the fill
	// timeout.
	for {
		pending := false
		for _, p := range e.positions.Active() {
			switch p.Status {
			case core.PositionOpening:
				pending = true
			case core.PositionOpen:
				if err := e.executor.ExecuteExit(ctx, p, "kill switch: "+reason); err != nil {
					e.logger.Error("Kill switch flatten failed", "id", p.ID, "error", err)
				}
			}
		}
		if !pending {
			break
		}
		select {
		case <-ctx.Done():
			e.setState(StateHalted)
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	e.setState(StateHalted)
}

// ResetKillSwitch resumes trading after a manual halt.
func (e *Engine) ResetKillSwitch() error {
	if e.GetState() != StateHalted {
		return fmt.Errorf("engine is %s, not HALTED", e.GetState())
	}
	e.risk.ResetKillSwitch()
	e.setState(StateRunning)
	return nil
}

// ResetBreaker manually closes one exchange's circuit breaker.
func (e *Engine) ResetBreaker(exchange string) error {
	return e.risk.ResetBreaker(exchange)
}

// ApplyTradingConfig applies the hot-reloadable subset of a freshly
// loaded configuration: spread thresholds, position sizing, leverage,
// fill timeout, spread tolerance and the liquidation cooldown. The pair
// whitelist, exchange credentials, persistence path and loop intervals
// require a restart.
func (e *Engine) ApplyTradingConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.tradingMu.Lock()
	e.trading = cfg.Trading
	e.riskCfg = cfg.Risk
	e.tradingMu.Unlock()

	e.detector.UpdateConfig(detector.Config{
		BaseSpread:         decimal.NewFromFloat(cfg.Trading.MinDailySpreadBase),
		PerIncrementSpread: decimal.NewFromFloat(cfg.Trading.MinDailySpreadPer10k),
		MaxSizeUSD:         decimal.NewFromFloat(cfg.Trading.MaxPositionPerPairUSD),
		EntryBuffer:        time.Duration(cfg.Trading.EntryBufferMinutes) * time.Minute,
		FeeHorizonDays:     cfg.Trading.FeeHorizonDays,
	})
	e.executor.SetFillTimeout(time.Duration(cfg.Trading.OrderFillTimeoutSeconds) * time.Second)
	e.risk.SetLiquidationCooldown(time.Duration(cfg.Risk.LiquidationCooldownMinutes) * time.Minute)

	e.logger.Info("Applied trading config",
		"base_spread", cfg.Trading.MinDailySpreadBase,
		"max_position_usd", cfg.Trading.MaxPositionPerPairUSD,
		"tolerance", cfg.Risk.NegativeSpreadTolerance)
	return nil
}

// OpenPositionManual opens a position from the current rate table,
// bypassing the threshold but not the risk gates.
func (e *Engine) OpenPositionManual(ctx context.Context, pair, longExchange, shortExchange string, sizeUSD decimal.Decimal) (*core.Position, error) {
	if e.GetState() != StateRunning {
		return nil, apperrors.ErrHalted
	}
	if err := e.risk.CanOpen(pair, longExchange, shortExchange); err != nil {
		return nil, err
	}

	now := time.Now()
	rates := e.scanner.Snapshot(pair, now)
	long, okLong := rates[longExchange]
	short, okShort := rates[shortExchange]
	if !okLong || !okShort {
		return nil, fmt.Errorf("no fresh rates for %s on %s/%s", pair, longExchange, shortExchange)
	}

	opp := core.Opportunity{
		Pair:            pair,
		LongExchange:    longExchange,
		ShortExchange:   shortExchange,
		LongDailyRate:   long.DailyRate(),
		ShortDailyRate:  short.DailyRate(),
		DailySpread:     short.DailyRate().Sub(long.DailyRate()),
		SizeUSD:         sizeUSD,
		NextFundingTime: short.NextFundingTime,
		DetectedAt:      now,
	}

	trading, riskCfg := e.tradingConfig()
	tolerance := decimal.NewFromFloat(riskCfg.NegativeSpreadTolerance)
	leverage := trading.Leverage.For(pair)
	return e.executor.ExecuteEntry(ctx, opp, tolerance, leverage, leverage)
}

// ClosePosition closes an open position by ID.
func (e *Engine) ClosePosition(ctx context.Context, id, reason string) error {
	p, ok := e.positions.ByID(id)
	if !ok {
		return fmt.Errorf("no active position %s", id)
	}
	if p.Status != core.PositionOpen {
		return fmt.Errorf("position %s is %s, not OPEN", p.ID, p.Status)
	}
	if err := e.executor.ExecuteExit(ctx, p, reason); err != nil {
		return err
	}
	e.bus.Publish(Event{Type: EventPositionClosed, Position: p, Detail: reason})
	return nil
}

// GetStatus returns the control surface snapshot.
func (e *Engine) GetStatus() Status {
	return Status{
		State:      e.GetState(),
		HaltReason: e.risk.HaltReason(),
		Breakers:   e.risk.BreakerStatus(),
		Positions:  e.positions.Active(),
	}
}

// GetOpportunities returns the latest detection results per pair.
func (e *Engine) GetOpportunities() map[string][]core.Opportunity {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string][]core.Opportunity, len(e.lastOpp))
	for pair, opps := range e.lastOpp {
		out[pair] = append([]core.Opportunity(nil), opps...)
	}
	return out
}
