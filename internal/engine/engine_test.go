package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/detector"
	"funding_arb/internal/exchange/paper"
	"funding_arb/internal/executor"
	"funding_arb/internal/logging"
	"funding_arb/internal/position"
	"funding_arb/internal/risk"
	"funding_arb/internal/scanner"
	"funding_arb/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertStub struct {
	mu       sync.Mutex
	critical int
	warning  int
}

func (a *alertStub) Notify(_ context.Context, severity core.Severity, _ string, _ map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch severity {
	case core.SeverityCritical:
		a.critical++
	case core.SeverityWarning:
		a.warning++
	}
}

func (a *alertStub) criticalCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.critical
}

func (a *alertStub) warningCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.warning
}

type fixture struct {
	eng     *Engine
	binance *paper.Exchange
	bybit   *paper.Exchange
	mgr     *position.Manager
	riskMgr *risk.Manager
	exec    *executor.Executor
	alerts  *alertStub
	bus     *Bus
}

func book(pair, levelSize string) *core.OrderBook {
	size := decimal.RequireFromString(levelSize)
	return &core.OrderBook{
		Pair: pair,
		Bids: []core.OrderBookLevel{
			{Price: decimal.NewFromInt(49990), Size: size},
			{Price: decimal.NewFromInt(49980), Size: size},
		},
		Asks: []core.OrderBookLevel{
			{Price: decimal.NewFromInt(50010), Size: size},
			{Price: decimal.NewFromInt(50020), Size: size},
		},
	}
}

func fundingRate(pair, value string, next time.Time) core.FundingRate {
	return core.FundingRate{
		Pair:            pair,
		Rate:            decimal.RequireFromString(value),
		IntervalHours:   8,
		NextFundingTime: next,
		Timestamp:       time.Now(),
	}
}

func newFixture(t *testing.T, pairs ...string) *fixture {
	t.Helper()
	if len(pairs) == 0 {
		pairs = []string{"BTCUSDT"}
	}

	cfg := config.DefaultConfig()
	cfg.Trading.Pairs = pairs
	cfg.Trading.ScanIntervalSeconds = 1
	cfg.Trading.RateStalenessSeconds = 600

	binance := paper.New("binance")
	bybit := paper.New("bybit")
	for _, ex := range []*paper.Exchange{binance, bybit} {
		ex.SetFeeTier(core.FeeTier{TakerFee: decimal.RequireFromString("0.0001")})
		for _, pair := range pairs {
			ex.SetOrderBook(book(pair, "0.5"))
		}
	}

	next := time.Now().Add(4 * time.Hour)
	for _, pair := range pairs {
		binance.SetFundingRate(fundingRate(pair, "0.0001", next))   // 0.03% daily
		bybit.SetFundingRate(fundingRate(pair, "-0.0000333", next)) // about -0.01% daily
	}

	exchanges := map[string]core.IExchange{"binance": binance, "bybit": bybit}
	logger := logging.Nop()
	alerts := &alertStub{}

	repo, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	mgr := position.NewManager(repo, logger)
	riskMgr := risk.NewManager(risk.Config{
		MaxConsecutiveFailures: 5,
		LiquidationCooldown:    time.Hour,
	}, exchanges, alerts, logger)
	reconciler := risk.NewReconciler(exchanges, logger)
	sc := scanner.New(exchanges, pairs, 10*time.Minute, 1e-9, logger)
	det := detector.New(detector.Config{
		BaseSpread:         decimal.RequireFromString("0.0001"),
		PerIncrementSpread: decimal.RequireFromString("0.00001"),
		MaxSizeUSD:         decimal.RequireFromString("20000"),
		EntryBuffer:        20 * time.Minute,
		FeeHorizonDays:     7,
	}, logger)
	exec := executor.New(exchanges, mgr, riskMgr, alerts, executor.Config{
		FillTimeout:  time.Second,
		PollInterval: 10 * time.Millisecond,
		DepthLevels:  2,
	}, logger)
	bus := NewBus(logger)

	eng := New(cfg, exchanges, sc, det, exec, mgr, riskMgr, reconciler, alerts, bus, logger)
	return &fixture{
		eng: eng, binance: binance, bybit: bybit,
		mgr: mgr, riskMgr: riskMgr, exec: exec, alerts: alerts, bus: bus,
	}
}

func (f *fixture) startRunning(t *testing.T) {
	t.Helper()
	require.NoError(t, f.eng.Start(context.Background()))
	t.Cleanup(f.eng.Stop)
}

func (f *fixture) waitForOpen(t *testing.T) *core.Position {
	t.Helper()
	return f.waitForOpenOn(t, "BTCUSDT")
}

func (f *fixture) waitForOpenOn(t *testing.T, pair string) *core.Position {
	t.Helper()
	var p *core.Position
	require.Eventually(t, func() bool {
		got, ok := f.mgr.Get(pair)
		if ok && got.Status == core.PositionOpen {
			p = got
			return true
		}
		return false
	}, 5*time.Second, 20*time.Millisecond, "position never opened on %s", pair)
	return p
}

func TestStartHaltsOnReconciliationMismatch(t *testing.T) {
	f := newFixture(t)

	// A position on the venue that the engine does not track.
	_, err := f.binance.PlaceOrder(context.Background(), core.OrderRequest{
		Pair: "BTCUSDT", Side: core.OrderSideBuy, Type: core.OrderTypeMarket,
		Size: decimal.RequireFromString("0.1"),
	})
	require.NoError(t, err)

	err = f.eng.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "untracked position")
	assert.Equal(t, StateHalted, f.eng.GetState())
	assert.GreaterOrEqual(t, f.alerts.criticalCount(), 1)
}

func TestEngineOpensPositionOnOpportunity(t *testing.T) {
	f := newFixture(t)
	events := f.bus.Subscribe(64)
	f.startRunning(t)

	assert.Equal(t, StateRunning, f.eng.GetState())

	p := f.waitForOpen(t)
	assert.Equal(t, "bybit", p.LongExchange, "long the lower daily rate")
	assert.Equal(t, "binance", p.ShortExchange)
	assert.True(t, p.SizeUSD.Equal(decimal.RequireFromString("20000")))

	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				if ev.Type == EventPositionOpened {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 20*time.Millisecond, "no POSITION_OPENED event")

	opps := f.eng.GetOpportunities()
	require.NotEmpty(t, opps["BTCUSDT"])
	assert.Equal(t, "binance", opps["BTCUSDT"][0].ShortExchange)

	status := f.eng.GetStatus()
	assert.Equal(t, StateRunning, status.State)
	assert.Len(t, status.Positions, 1)
	assert.Len(t, status.Breakers, 2)
}

func TestSpreadInversionClosesPosition(t *testing.T) {
	f := newFixture(t)
	f.startRunning(t)
	p := f.waitForOpen(t)

	// The short venue's rate collapses: live spread far below tolerance.
	next := time.Now().Add(4 * time.Hour)
	f.binance.SetFundingRate(fundingRate("BTCUSDT", "-0.0003", next))
	f.bybit.SetFundingRate(fundingRate("BTCUSDT", "0.0001", next))

	require.Eventually(t, func() bool {
		return p.Status == core.PositionClosed
	}, 5*time.Second, 20*time.Millisecond, "inverted position never closed")
	assert.Contains(t, p.Notes, "spread inversion")

	_, active := f.mgr.Get("BTCUSDT")
	assert.False(t, active)
}

func TestKillSwitchFlattensAndHalts(t *testing.T) {
	f := newFixture(t)
	f.startRunning(t)
	p := f.waitForOpen(t)

	f.eng.KillSwitch(context.Background(), "operator stop")

	assert.Equal(t, StateHalted, f.eng.GetState())
	assert.True(t, f.riskMgr.Halted())
	assert.Equal(t, core.PositionClosed, p.Status)
	assert.Contains(t, p.Notes, "kill switch")

	positions, err := f.binance.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions, "every leg flattened")

	require.NoError(t, f.eng.ResetKillSwitch())
	assert.Equal(t, StateRunning, f.eng.GetState())
	assert.False(t, f.riskMgr.Halted())
}

func TestKillSwitchFlattensInFlightEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The second leg rests, so the entry sits OPENING with one leg
	// filled when the switch is thrown.
	f.binance.RestPairLimitOrders("BTCUSDT", -1)
	f.exec.SetFillTimeout(3 * time.Second)
	f.startRunning(t)

	require.Eventually(t, func() bool {
		p, ok := f.mgr.Get("BTCUSDT")
		return ok && p.Status == core.PositionOpening
	}, 5*time.Second, 10*time.Millisecond, "entry never reached OPENING")

	f.eng.KillSwitch(ctx, "operator stop")

	assert.Equal(t, StateHalted, f.eng.GetState())
	_, active := f.mgr.Get("BTCUSDT")
	assert.False(t, active, "no active position survives the switch")

	for _, ex := range []*paper.Exchange{f.binance, f.bybit} {
		positions, err := ex.GetPositions(ctx)
		require.NoError(t, err)
		assert.Empty(t, positions, "%s flat after the switch", ex.Name())
	}
}

func TestConnectivityLossPausesEntriesAndReconciles(t *testing.T) {
	f := newFixture(t)
	f.startRunning(t)
	p := f.waitForOpen(t)

	// The adapter drops. Entries touching the venue pause with a
	// warning; the open position is left alone.
	require.NoError(t, f.binance.Close())
	require.Eventually(t, func() bool {
		return f.riskMgr.CanOpen("ETHUSDT", "binance", "bybit") != nil
	}, 5*time.Second, 20*time.Millisecond, "disconnect never paused the exchange")
	assert.GreaterOrEqual(t, f.alerts.warningCount(), 1)
	assert.Equal(t, core.PositionOpen, p.Status)

	// Reconnect reconciles against the venue and lifts the pause.
	require.NoError(t, f.binance.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return f.riskMgr.CanOpen("ETHUSDT", "binance", "bybit") == nil
	}, 5*time.Second, 20*time.Millisecond, "reconnect never resumed the exchange")
	assert.Equal(t, StateRunning, f.eng.GetState())
}

func TestExecutionsRunConcurrentlyAcrossPairs(t *testing.T) {
	f := newFixture(t, "BTCUSDT", "ETHUSDT")

	// The BTC entry's first leg rests, so its fill wait is long. The
	// ETH entry must not queue behind it.
	f.bybit.RestPairLimitOrders("BTCUSDT", -1)
	f.exec.SetFillTimeout(10 * time.Second)
	f.startRunning(t)

	p := f.waitForOpenOn(t, "ETHUSDT")
	assert.Equal(t, core.PositionOpen, p.Status)

	if btc, ok := f.mgr.Get("BTCUSDT"); ok {
		assert.NotEqual(t, core.PositionOpen, btc.Status, "BTC entry still waiting on its first leg")
	}
}

func TestResetKillSwitchRequiresHalted(t *testing.T) {
	f := newFixture(t)
	f.startRunning(t)
	assert.Error(t, f.eng.ResetKillSwitch())
}

func TestClosePositionManual(t *testing.T) {
	f := newFixture(t)
	f.startRunning(t)
	p := f.waitForOpen(t)

	require.NoError(t, f.eng.ClosePosition(context.Background(), p.ID, "manual close"))
	assert.Equal(t, core.PositionClosed, p.Status)
	assert.Equal(t, "manual close", p.Notes)

	// Closed positions leave the index, so the ID no longer resolves.
	assert.Error(t, f.eng.ClosePosition(context.Background(), p.ID, "again"))
}

func TestFundingSweepCreditsSettlements(t *testing.T) {
	f := newFixture(t)
	f.startRunning(t)
	p := f.waitForOpen(t)
	ctx := context.Background()

	// First sweep only records the boundary.
	f.eng.sweepFunding(ctx)
	assert.True(t, p.FundingCollected.IsZero())

	// A later boundary means a settlement happened. The short leg earns
	// rate * notional, the long leg pays its rate.
	next := time.Now().Add(12 * time.Hour)
	f.binance.SetFundingRate(fundingRate("BTCUSDT", "0.0001", next))
	f.bybit.SetFundingRate(fundingRate("BTCUSDT", "-0.00003", next))
	f.eng.sweepFunding(ctx)

	// short: 0.0001 * 20000 = 2; long: -(-0.00003 * 20000) = 0.6
	assert.True(t, p.FundingCollected.Equal(decimal.RequireFromString("2.6")),
		"funding was %s", p.FundingCollected)

	// The same boundary is never credited twice.
	f.eng.sweepFunding(ctx)
	assert.True(t, p.FundingCollected.Equal(decimal.RequireFromString("2.6")))

	// Closing the position drops its boundary tracking.
	require.NoError(t, f.eng.ClosePosition(ctx, p.ID, "done"))
	f.eng.fundingMu.Lock()
	_, tracked := f.eng.lastFunding[p.ID]
	f.eng.fundingMu.Unlock()
	assert.False(t, tracked, "closed positions leave the funding tracker")
}

func TestApplyTradingConfigHotReload(t *testing.T) {
	f := newFixture(t)

	bad := config.DefaultConfig()
	bad.Risk.NegativeSpreadTolerance = 0.5
	assert.Error(t, f.eng.ApplyTradingConfig(bad), "positive tolerance must be rejected")

	updated := config.DefaultConfig()
	updated.Trading.Pairs = []string{"BTCUSDT"}
	updated.Trading.MaxPositionPerPairUSD = 10_000
	updated.Risk.NegativeSpreadTolerance = -0.005
	require.NoError(t, f.eng.ApplyTradingConfig(updated))

	f.startRunning(t)
	p := f.waitForOpen(t)

	// The reloaded sizing and tolerance apply to the new entry.
	assert.True(t, p.SizeUSD.Equal(decimal.RequireFromString("10000")), "size was %s", p.SizeUSD)
	assert.True(t, p.NegativeSpreadTolerance.Equal(decimal.RequireFromString("-0.005")))
}

func TestBusPublishesTradeAndRateEvents(t *testing.T) {
	f := newFixture(t)
	events := f.bus.Subscribe(256)
	f.startRunning(t)
	f.waitForOpen(t)

	// A changed rate makes the scanner notify, which the bus relays.
	f.binance.SetFundingRate(fundingRate("BTCUSDT", "0.00012", time.Now().Add(4*time.Hour)))

	seen := make(map[EventType]bool)
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				seen[ev.Type] = true
			default:
				return seen[EventTradeExecuted] && seen[EventFundingRate]
			}
		}
	}, 5*time.Second, 20*time.Millisecond, "missing event types, saw %v", seen)
}

func TestStopLeavesPositionsOpen(t *testing.T) {
	f := newFixture(t)
	f.startRunning(t)
	p := f.waitForOpen(t)

	f.eng.Stop()
	assert.Equal(t, StateStopped, f.eng.GetState())
	assert.Equal(t, core.PositionOpen, p.Status, "stopping is not the kill switch")
}
