package httpclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestPriorityFromDefaultsToMarketData(t *testing.T) {
	assert.Equal(t, PriorityMarketData, priorityFrom(context.Background()))

	ctx := WithPriority(context.Background(), PriorityTrading)
	assert.Equal(t, PriorityTrading, priorityFrom(ctx))
}

func TestTradingWaiterTakesBudgetFirst(t *testing.T) {
	limiter := rate.NewLimiter(20, 1)
	pl := newPriorityLimiter(limiter)
	ctx := context.Background()

	// Drain the burst so both waiters contend for refills.
	require.NoError(t, pl.Wait(ctx, PriorityTrading))

	order := make(chan string, 2)
	go func() {
		if err := pl.Wait(ctx, PriorityTrading); err == nil {
			order <- "trading"
		}
	}()
	time.Sleep(15 * time.Millisecond)
	go func() {
		if err := pl.Wait(ctx, PriorityMarketData); err == nil {
			order <- "market_data"
		}
	}()

	select {
	case first := <-order:
		assert.Equal(t, "trading", first)
	case <-time.After(2 * time.Second):
		t.Fatal("no waiter completed")
	}

	select {
	case second := <-order:
		assert.Equal(t, "market_data", second)
	case <-time.After(2 * time.Second):
		t.Fatal("market-data waiter never completed")
	}
}

func TestMarketDataWaitHonorsCancellation(t *testing.T) {
	pl := newPriorityLimiter(rate.NewLimiter(1, 1))
	require.NoError(t, pl.Wait(context.Background(), PriorityTrading))

	// Hold the trading slot so the market-data waiter spins.
	pl.trading.Add(1)
	defer pl.trading.Add(-1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, pl.Wait(ctx, PriorityMarketData))
}
