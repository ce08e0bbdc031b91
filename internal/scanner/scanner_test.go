package scanner

import (
	"testing"
	"time"

	"funding_arb/internal/core"
	"funding_arb/internal/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScanner(staleness time.Duration, epsilon float64) *Scanner {
	return New(nil, []string{"BTCUSDT"}, staleness, epsilon, logging.Nop())
}

func rate(exchange string, value string, at time.Time) core.FundingRate {
	return core.FundingRate{
		Exchange:      exchange,
		Pair:          "BTCUSDT",
		Rate:          decimal.RequireFromString(value),
		IntervalHours: 8,
		Timestamp:     at,
	}
}

func TestApplyAndSnapshot(t *testing.T) {
	s := newTestScanner(2*time.Minute, 1e-6)
	now := time.Now()

	s.Apply(rate("binance", "0.0001", now))
	s.Apply(rate("bybit", "-0.00003", now))

	snap := s.Snapshot("BTCUSDT", now)
	require.Len(t, snap, 2)
	assert.True(t, snap["binance"].Rate.Equal(decimal.RequireFromString("0.0001")))
	assert.True(t, snap["bybit"].Rate.Equal(decimal.RequireFromString("-0.00003")))
}

func TestApplyReplacesPreviousSnapshot(t *testing.T) {
	s := newTestScanner(2*time.Minute, 1e-6)
	now := time.Now()

	s.Apply(rate("binance", "0.0001", now))
	s.Apply(rate("binance", "0.0002", now.Add(time.Second)))

	got, ok := s.Rate("BTCUSDT", "binance")
	require.True(t, ok)
	assert.True(t, got.Rate.Equal(decimal.RequireFromString("0.0002")))
}

func TestEpsilonDebounce(t *testing.T) {
	s := newTestScanner(2*time.Minute, 1e-6)
	ch := s.Updates(4)
	now := time.Now()

	s.Apply(rate("binance", "0.0001", now))
	<-ch // first sighting always notifies

	// Sub-epsilon wiggle: stored but no re-trigger.
	s.Apply(rate("binance", "0.00010000001", now.Add(time.Second)))
	select {
	case u := <-ch:
		t.Fatalf("unexpected update for sub-epsilon change: %v", u.Rate.Rate)
	default:
	}

	// Timestamp still refreshed.
	got, _ := s.Rate("BTCUSDT", "binance")
	assert.Equal(t, now.Add(time.Second), got.Timestamp)

	// A material change notifies again.
	s.Apply(rate("binance", "0.0002", now.Add(2*time.Second)))
	select {
	case u := <-ch:
		assert.True(t, u.Rate.Rate.Equal(decimal.RequireFromString("0.0002")))
	default:
		t.Fatal("expected update for material change")
	}
}

func TestApplyDropsStaleInput(t *testing.T) {
	s := newTestScanner(2*time.Minute, 1e-6)
	ch := s.Updates(4)
	now := time.Now()

	s.Apply(rate("binance", "0.0001", now.Add(-3*time.Minute)))
	s.Apply(rate("bybit", "-0.00003", now))

	snap := s.Snapshot("BTCUSDT", now)
	require.Len(t, snap, 1)
	_, hasStale := snap["binance"]
	assert.False(t, hasStale)

	// The stale rate never entered the table and never notified.
	_, ok := s.Rate("BTCUSDT", "binance")
	assert.False(t, ok)
	u := <-ch
	assert.Equal(t, "bybit", u.Rate.Exchange)
}

func TestSnapshotExcludesAgedRates(t *testing.T) {
	s := newTestScanner(2*time.Minute, 1e-6)
	now := time.Now()

	s.Apply(rate("binance", "0.0001", now))

	// Fresh at ingest, aged out of later snapshots.
	later := now.Add(3 * time.Minute)
	assert.Empty(t, s.Snapshot("BTCUSDT", later))

	// The raw accessor still returns it for funding bookkeeping.
	_, ok := s.Rate("BTCUSDT", "binance")
	assert.True(t, ok)
}

func TestSlowSubscriberDropsUpdates(t *testing.T) {
	s := newTestScanner(2*time.Minute, 1e-6)
	ch := s.Updates(1)
	now := time.Now()

	// Second update must not block even though nobody drains the channel.
	done := make(chan struct{})
	go func() {
		s.Apply(rate("binance", "0.0001", now))
		s.Apply(rate("binance", "0.0002", now.Add(time.Second)))
		s.Apply(rate("binance", "0.0003", now.Add(2*time.Second)))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Apply blocked on a slow subscriber")
	}

	u := <-ch
	assert.True(t, u.Rate.Rate.Equal(decimal.RequireFromString("0.0001")))
}

func TestApplyIgnoresEmptyKeys(t *testing.T) {
	s := newTestScanner(2*time.Minute, 1e-6)
	s.Apply(core.FundingRate{Exchange: "binance"})
	s.Apply(core.FundingRate{Pair: "BTCUSDT"})
	assert.Empty(t, s.Snapshot("BTCUSDT", time.Now()))
}
