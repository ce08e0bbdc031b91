package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/exchange/paper"
	"funding_arb/internal/logging"
	"funding_arb/internal/position"
	apperrors "funding_arb/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	mu        sync.Mutex
	positions map[string]core.Position
	trades    []core.Trade
}

func newMemRepo() *memRepo {
	return &memRepo{positions: make(map[string]core.Position)}
}

func (r *memRepo) SavePosition(_ context.Context, p *core.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions[p.ID] = *p
	return nil
}

func (r *memRepo) SaveTrade(_ context.Context, t *core.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, *t)
	return nil
}

func (r *memRepo) SaveFundingEvent(_ context.Context, _ *core.FundingEvent) error { return nil }

func (r *memRepo) LoadCheckpoint(_ context.Context) ([]*core.Position, error) { return nil, nil }

func (r *memRepo) Close() error { return nil }

func (r *memRepo) tradesFor(exchange string, action core.TradeAction) []core.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Trade
	for _, t := range r.trades {
		if t.Exchange == exchange && t.Action == action {
			out = append(out, t)
		}
	}
	return out
}

type gateStub struct {
	mu        sync.Mutex
	blocked   map[string]error
	failures  map[string]int
	successes map[string]int
}

func newGateStub() *gateStub {
	return &gateStub{
		blocked:   make(map[string]error),
		failures:  make(map[string]int),
		successes: make(map[string]int),
	}
}

func (g *gateStub) CanTrade(exchange string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked[exchange]
}

func (g *gateStub) RecordSuccess(exchange string) {
	g.mu.Lock()
	g.successes[exchange]++
	g.mu.Unlock()
}

func (g *gateStub) RecordFailure(_ context.Context, exchange string, _ error) {
	g.mu.Lock()
	g.failures[exchange]++
	g.mu.Unlock()
}

type alertStub struct {
	mu       sync.Mutex
	critical []string
}

func (a *alertStub) Notify(_ context.Context, severity core.Severity, message string, _ map[string]string) {
	if severity != core.SeverityCritical {
		return
	}
	a.mu.Lock()
	a.critical = append(a.critical, message)
	a.mu.Unlock()
}

func (a *alertStub) criticalCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.critical)
}

func book(pair string, levelSize string) *core.OrderBook {
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

type fixture struct {
	exec  *Executor
	repo  *memRepo
	mgr   *position.Manager
	gate  *gateStub
	alert *alertStub
	long  *paper.Exchange // bybit
	short *paper.Exchange // binance
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	long := paper.New("bybit")
	short := paper.New("binance")
	long.SetOrderBook(book("BTCUSDT", "0.5"))
	short.SetOrderBook(book("BTCUSDT", "0.5"))

	repo := newMemRepo()
	mgr := position.NewManager(repo, logging.Nop())
	gate := newGateStub()
	alerts := &alertStub{}

	exec := New(map[string]core.IExchange{"bybit": long, "binance": short},
		mgr, gate, alerts, Config{
			FillTimeout:  200 * time.Millisecond,
			PollInterval: 10 * time.Millisecond,
			DepthLevels:  2,
		}, logging.Nop())

	return &fixture{exec: exec, repo: repo, mgr: mgr, gate: gate, alert: alerts, long: long, short: short}
}

func opportunity(sizeUSD string) core.Opportunity {
	return core.Opportunity{
		Pair:          "BTCUSDT",
		LongExchange:  "bybit",
		ShortExchange: "binance",
		DailySpread:   decimal.RequireFromString("0.0004"),
		SizeUSD:       decimal.RequireFromString(sizeUSD),
	}
}

func netPosition(t *testing.T, ex *paper.Exchange, pair string) decimal.Decimal {
	t.Helper()
	positions, err := ex.GetPositions(context.Background())
	require.NoError(t, err)
	for _, p := range positions {
		if p.Pair == pair {
			if p.Side == core.SideShort {
				return p.Size.Neg()
			}
			return p.Size
		}
	}
	return decimal.Zero
}

func TestExecuteEntryOpensBothLegs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.exec.ExecuteEntry(ctx, opportunity("20000"), decimal.RequireFromString("-0.0001"), 5, 5)
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Equal(t, core.PositionOpen, p.Status)
	// Limit at mid: both legs fill at 50000, size 20000/50000.
	assert.True(t, p.LongEntryPrice.Equal(decimal.NewFromInt(50000)))
	assert.True(t, p.ShortEntryPrice.Equal(decimal.NewFromInt(50000)))
	assert.True(t, p.LongSize.Equal(decimal.RequireFromString("0.4")))
	assert.True(t, p.ShortSize.Equal(decimal.RequireFromString("0.4")))
	assert.True(t, p.SizeUSD.Equal(decimal.RequireFromString("20000")))

	assert.True(t, netPosition(t, f.long, "BTCUSDT").Equal(decimal.RequireFromString("0.4")))
	assert.True(t, netPosition(t, f.short, "BTCUSDT").Equal(decimal.RequireFromString("-0.4")))

	assert.Len(t, f.repo.tradesFor("bybit", core.TradeActionOpen), 1)
	assert.Len(t, f.repo.tradesFor("binance", core.TradeActionOpen), 1)

	// The pair stays occupied while the position is active.
	assert.ErrorIs(t, f.mgr.AcquirePair("BTCUSDT"), apperrors.ErrPairBusy)
}

func TestExecuteEntryClampsToDepth(t *testing.T) {
	f := newFixture(t)
	// Thin books: two levels of 0.1 = 0.2 base, 10000 USD at mid.
	f.long.SetOrderBook(book("BTCUSDT", "0.1"))
	f.short.SetOrderBook(book("BTCUSDT", "0.1"))

	p, err := f.exec.ExecuteEntry(context.Background(), opportunity("20000"), decimal.Zero, 5, 5)
	require.NoError(t, err)
	assert.True(t, p.SizeUSD.Equal(decimal.RequireFromString("10000")),
		"notional clamps to the thinner book, got %s", p.SizeUSD)
}

func TestExecuteEntryAbortsBelowMinimumSize(t *testing.T) {
	f := newFixture(t)
	f.short.SetOrderBook(book("BTCUSDT", "0.0005")) // 50 USD of depth

	p, err := f.exec.ExecuteEntry(context.Background(), opportunity("20000"), decimal.Zero, 5, 5)
	require.Error(t, err)
	assert.Nil(t, p)
	assert.Contains(t, err.Error(), "below minimum")

	// Nothing was committed and the pair is free again.
	assert.True(t, netPosition(t, f.long, "BTCUSDT").IsZero())
	assert.True(t, netPosition(t, f.short, "BTCUSDT").IsZero())
	assert.NoError(t, f.mgr.AcquirePair("BTCUSDT"))
}

func TestExecuteEntryFirstLegTimeoutAborts(t *testing.T) {
	f := newFixture(t)

	// The short venue is thinner so its leg goes first, and it never fills.
	f.short.SetOrderBook(book("BTCUSDT", "0.3"))
	f.short.RestLimitOrders(-1)

	p, err := f.exec.ExecuteEntry(context.Background(), opportunity("20000"), decimal.Zero, 5, 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrFillTimeout)
	assert.True(t, ErrAborted(err))
	assert.Nil(t, p, "a first-leg abort leaves no position")

	// The resting order was canceled; neither venue holds anything and
	// the second leg was never sent.
	assert.True(t, netPosition(t, f.short, "BTCUSDT").IsZero())
	assert.True(t, netPosition(t, f.long, "BTCUSDT").IsZero())
	assert.Empty(t, f.repo.trades)
	assert.NoError(t, f.mgr.AcquirePair("BTCUSDT"))
}

func TestExecuteEntrySecondLegFailureCompensates(t *testing.T) {
	f := newFixture(t)

	// Short venue thinner, so it fills first; then the long leg fails.
	f.short.SetOrderBook(book("BTCUSDT", "0.3"))
	f.long.FailNextOrder(errors.New("rejected"))

	p, err := f.exec.ExecuteEntry(context.Background(), opportunity("20000"), decimal.Zero, 5, 5)
	require.Error(t, err)
	require.NotNil(t, p, "second-leg failure leaves a FAILED position behind")
	assert.Equal(t, core.PositionFailed, p.Status)
	assert.False(t, ErrAborted(err))

	// The first leg was market-closed: the short venue is flat.
	assert.True(t, netPosition(t, f.short, "BTCUSDT").IsZero())
	assert.True(t, netPosition(t, f.long, "BTCUSDT").IsZero())

	assert.Len(t, f.repo.tradesFor("binance", core.TradeActionOpen), 1)
	assert.Len(t, f.repo.tradesFor("binance", core.TradeActionClose), 1, "compensating close recorded")
	assert.GreaterOrEqual(t, f.alert.criticalCount(), 1)

	// The FAILED terminal state freed the pair.
	assert.NoError(t, f.mgr.AcquirePair("BTCUSDT"))
}

func TestExecuteEntryRepricesSecondLegAfterFirstFill(t *testing.T) {
	f := newFixture(t)

	// The short venue is thinner so its leg goes first, resting for a
	// few polls. The long venue's market moves during that wait.
	f.short.SetOrderBook(book("BTCUSDT", "0.3"))
	f.short.RestLimitOrders(5)

	moved := &core.OrderBook{
		Pair: "BTCUSDT",
		Bids: []core.OrderBookLevel{
			{Price: decimal.NewFromInt(50990), Size: decimal.RequireFromString("0.5")},
			{Price: decimal.NewFromInt(50980), Size: decimal.RequireFromString("0.5")},
		},
		Asks: []core.OrderBookLevel{
			{Price: decimal.NewFromInt(51010), Size: decimal.RequireFromString("0.5")},
			{Price: decimal.NewFromInt(51020), Size: decimal.RequireFromString("0.5")},
		},
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(20 * time.Millisecond)
		f.long.SetOrderBook(moved)
	}()

	p, err := f.exec.ExecuteEntry(context.Background(), opportunity("20000"), decimal.Zero, 5, 5)
	<-done
	require.NoError(t, err)

	assert.Equal(t, core.PositionOpen, p.Status)
	assert.True(t, p.ShortEntryPrice.Equal(decimal.NewFromInt(50000)))
	assert.True(t, p.LongEntryPrice.Equal(decimal.NewFromInt(51000)),
		"second leg priced off the refreshed book, got %s", p.LongEntryPrice)
}

func TestExecuteEntryFailsWhenRefreshedBookUnusable(t *testing.T) {
	f := newFixture(t)

	f.short.SetOrderBook(book("BTCUSDT", "0.3"))
	f.short.RestLimitOrders(5)

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(20 * time.Millisecond)
		f.long.SetOrderBook(&core.OrderBook{Pair: "BTCUSDT"})
	}()

	p, err := f.exec.ExecuteEntry(context.Background(), opportunity("20000"), decimal.Zero, 5, 5)
	<-done
	require.Error(t, err)
	require.NotNil(t, p)
	assert.Equal(t, core.PositionFailed, p.Status)

	// The filled first leg was market-closed.
	assert.True(t, netPosition(t, f.short, "BTCUSDT").IsZero())
	assert.True(t, netPosition(t, f.long, "BTCUSDT").IsZero())
	assert.GreaterOrEqual(t, f.alert.criticalCount(), 1)
	assert.NoError(t, f.mgr.AcquirePair("BTCUSDT"))
}

func TestExecuteEntryRespectsRiskGate(t *testing.T) {
	f := newFixture(t)
	f.gate.blocked["binance"] = apperrors.ErrBreakerOpen

	p, err := f.exec.ExecuteEntry(context.Background(), opportunity("20000"), decimal.Zero, 5, 5)
	assert.ErrorIs(t, err, apperrors.ErrBreakerOpen)
	assert.Nil(t, p)
	assert.True(t, ErrAborted(err))
}

func TestExecuteExitSettlesPnl(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.exec.ExecuteEntry(ctx, opportunity("20000"), decimal.Zero, 5, 5)
	require.NoError(t, err)
	p.FundingCollected = decimal.RequireFromString("10")

	require.NoError(t, f.exec.ExecuteExit(ctx, p, "spread inversion"))

	assert.Equal(t, core.PositionClosed, p.Status)
	assert.Equal(t, "spread inversion", p.Notes)

	// Entry: both legs fill at 50000, fee 11 each. Exit crosses the
	// spread: long sells at 49990, short buys at 50010, so each leg loses
	// 4 and pays one more taker fee.
	// pnl = -8 + 10 funding - (22 + 10.9978 + 11.0022) = -42
	assert.True(t, p.RealizedPnl.Equal(decimal.RequireFromString("-42")),
		"realized pnl %s", p.RealizedPnl)
	assert.True(t, p.TotalFees.Equal(decimal.RequireFromString("44")))

	assert.True(t, netPosition(t, f.long, "BTCUSDT").IsZero())
	assert.True(t, netPosition(t, f.short, "BTCUSDT").IsZero())
	assert.Len(t, f.repo.tradesFor("bybit", core.TradeActionClose), 1)
	assert.Len(t, f.repo.tradesFor("binance", core.TradeActionClose), 1)
}

func TestExecuteExitFailureLeavesClosing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.exec.ExecuteEntry(ctx, opportunity("20000"), decimal.Zero, 5, 5)
	require.NoError(t, err)

	f.long.FailNextOrder(errors.New("maintenance"))
	err = f.exec.ExecuteExit(ctx, p, "spread inversion")
	require.Error(t, err)
	assert.Equal(t, core.PositionClosing, p.Status, "stays CLOSING for the operator")
	assert.GreaterOrEqual(t, f.alert.criticalCount(), 1)
}

func TestCloseSurvivingLeg(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.exec.ExecuteEntry(ctx, opportunity("20000"), decimal.Zero, 5, 5)
	require.NoError(t, err)

	// The short leg on binance was liquidated out from under us.
	f.short.DropPosition("BTCUSDT")

	require.NoError(t, f.exec.CloseSurvivingLeg(ctx, p, "binance"))

	assert.Equal(t, core.PositionLiquidated, p.Status)
	assert.Contains(t, p.Notes, "liquidated on binance")
	assert.True(t, netPosition(t, f.long, "BTCUSDT").IsZero(), "survivor closed")
	assert.Len(t, f.repo.tradesFor("bybit", core.TradeActionClose), 1)

	// The terminal state freed the pair for later entries.
	assert.NoError(t, f.mgr.AcquirePair("BTCUSDT"))
}
