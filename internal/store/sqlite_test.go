package store

import (
	"context"
	"testing"
	"time"

	"funding_arb/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func samplePosition(id string, status core.PositionStatus) *core.Position {
	return &core.Position{
		ID:                      id,
		Pair:                    "BTCUSDT",
		LongExchange:            "bybit",
		ShortExchange:           "binance",
		LongEntryPrice:          decimal.RequireFromString("50000.5"),
		ShortEntryPrice:         decimal.RequireFromString("50010.25"),
		LongSize:                decimal.RequireFromString("0.4"),
		ShortSize:               decimal.RequireFromString("0.4"),
		SizeUSD:                 decimal.RequireFromString("20000"),
		LeverageLong:            5,
		LeverageShort:           5,
		EntryDailySpread:        decimal.RequireFromString("0.0004"),
		NegativeSpreadTolerance: decimal.RequireFromString("-0.0001"),
		Status:                  status,
		EntryTime:               time.Now().Truncate(time.Millisecond),
		RealizedPnl:             decimal.Zero,
		FundingCollected:        decimal.RequireFromString("12.5"),
		TotalFees:               decimal.RequireFromString("22"),
		Notes:                   "entry",
	}
}

func TestSavePositionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := samplePosition("pos-1", core.PositionOpen)
	require.NoError(t, s.SavePosition(ctx, p))

	loaded, err := s.LoadCheckpoint(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded[0]
	assert.Equal(t, p.ID, got.ID)
	assert.Equal(t, p.Pair, got.Pair)
	assert.Equal(t, p.LongExchange, got.LongExchange)
	assert.Equal(t, p.ShortExchange, got.ShortExchange)
	assert.True(t, got.LongEntryPrice.Equal(p.LongEntryPrice))
	assert.True(t, got.ShortEntryPrice.Equal(p.ShortEntryPrice))
	assert.True(t, got.SizeUSD.Equal(p.SizeUSD))
	assert.True(t, got.NegativeSpreadTolerance.Equal(p.NegativeSpreadTolerance))
	assert.True(t, got.FundingCollected.Equal(p.FundingCollected))
	assert.Equal(t, core.PositionOpen, got.Status)
	assert.Equal(t, p.EntryTime.UnixNano(), got.EntryTime.UnixNano())
	assert.True(t, got.CloseTime.IsZero())
	assert.Equal(t, "entry", got.Notes)
}

func TestSavePositionUpsertsByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := samplePosition("pos-1", core.PositionOpening)
	require.NoError(t, s.SavePosition(ctx, p))

	p.Status = core.PositionOpen
	p.LongEntryPrice = decimal.RequireFromString("50001")
	require.NoError(t, s.SavePosition(ctx, p))

	loaded, err := s.LoadCheckpoint(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, core.PositionOpen, loaded[0].Status)
	assert.True(t, loaded[0].LongEntryPrice.Equal(decimal.RequireFromString("50001")))
}

func TestLoadCheckpointSkipsTerminalPositions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	closed := samplePosition("pos-closed", core.PositionClosed)
	closed.CloseTime = time.Now()
	failed := samplePosition("pos-failed", core.PositionFailed)
	failed.Pair = "ETHUSDT"
	failed.CloseTime = time.Now()
	liquidated := samplePosition("pos-liq", core.PositionLiquidated)
	liquidated.Pair = "SOLUSDT"
	liquidated.CloseTime = time.Now()

	for _, p := range []*core.Position{
		closed, failed, liquidated,
		samplePosition("pos-opening", core.PositionOpening),
		samplePosition("pos-closing", core.PositionClosing),
	} {
		require.NoError(t, s.SavePosition(ctx, p))
	}

	loaded, err := s.LoadCheckpoint(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	byID := make(map[string]*core.Position, len(loaded))
	for _, p := range loaded {
		byID[p.ID] = p
	}
	assert.Contains(t, byID, "pos-opening")
	assert.Contains(t, byID, "pos-closing")
}

func TestSaveTradeAndFundingEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTrade(ctx, &core.Trade{
		ID:         "trade-1",
		PositionID: "pos-1",
		Exchange:   "binance",
		Pair:       "BTCUSDT",
		Side:       core.SideShort,
		Action:     core.TradeActionOpen,
		OrderType:  core.OrderTypeLimit,
		Price:      decimal.RequireFromString("50010.25"),
		Size:       decimal.RequireFromString("0.4"),
		Fee:        decimal.RequireFromString("11"),
		OrderID:    "ex-1",
		Status:     core.OrderStatusFilled,
		ExecutedAt: time.Now(),
	}))

	require.NoError(t, s.SaveFundingEvent(ctx, &core.FundingEvent{
		ID:         "fund-1",
		PositionID: "pos-1",
		Exchange:   "binance",
		Pair:       "BTCUSDT",
		Side:       core.SideShort,
		Rate:       decimal.RequireFromString("0.0001"),
		PaymentUSD: decimal.RequireFromString("2"),
		Timestamp:  time.Now(),
	}))

	// Appends are insert-only; a duplicate ID fails.
	assert.Error(t, s.SaveTrade(ctx, &core.Trade{
		ID: "trade-1", PositionID: "pos-1", Exchange: "binance", Pair: "BTCUSDT",
		Side: core.SideShort, Action: core.TradeActionOpen, OrderType: core.OrderTypeLimit,
		Price: decimal.Zero, Size: decimal.Zero, Fee: decimal.Zero,
		Status: core.OrderStatusFilled, ExecutedAt: time.Now(),
	}))
}
