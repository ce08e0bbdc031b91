package risk

import (
	"context"
	"testing"

	"funding_arb/internal/core"
	"funding_arb/internal/exchange/paper"
	"funding_arb/internal/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedHedge(t *testing.T, long, short *paper.Exchange, pair string) {
	t.Helper()
	ctx := context.Background()
	size := decimal.NewFromFloat(0.5)

	_, err := long.PlaceOrder(ctx, core.OrderRequest{
		Pair: pair, Side: core.OrderSideBuy, Type: core.OrderTypeMarket,
		Size: size, Price: decimal.NewFromInt(50000),
	})
	require.NoError(t, err)
	_, err = short.PlaceOrder(ctx, core.OrderRequest{
		Pair: pair, Side: core.OrderSideSell, Type: core.OrderTypeMarket,
		Size: size, Price: decimal.NewFromInt(50000),
	})
	require.NoError(t, err)
}

func openPosition(pair string) *core.Position {
	return &core.Position{
		ID:            "pos-" + pair,
		Pair:          pair,
		LongExchange:  "bybit",
		ShortExchange: "binance",
		Status:        core.PositionOpen,
	}
}

func TestReconcileClean(t *testing.T) {
	binance := paper.New("binance")
	bybit := paper.New("bybit")
	seedHedge(t, bybit, binance, "BTCUSDT")

	r := NewReconciler(map[string]core.IExchange{"binance": binance, "bybit": bybit}, logging.Nop())
	assert.NoError(t, r.Reconcile(context.Background(), []*core.Position{openPosition("BTCUSDT")}))
}

func TestReconcileMissingLeg(t *testing.T) {
	binance := paper.New("binance")
	bybit := paper.New("bybit")
	seedHedge(t, bybit, binance, "BTCUSDT")
	bybit.DropPosition("BTCUSDT")

	r := NewReconciler(map[string]core.IExchange{"binance": binance, "bybit": bybit}, logging.Nop())
	err := r.Reconcile(context.Background(), []*core.Position{openPosition("BTCUSDT")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LONG leg missing on bybit")
}

func TestReconcileWrongSide(t *testing.T) {
	binance := paper.New("binance")
	bybit := paper.New("bybit")
	ctx := context.Background()
	size := decimal.NewFromFloat(0.5)

	// Both venues long: the short leg is on the wrong side.
	for _, ex := range []*paper.Exchange{binance, bybit} {
		_, err := ex.PlaceOrder(ctx, core.OrderRequest{
			Pair: "BTCUSDT", Side: core.OrderSideBuy, Type: core.OrderTypeMarket,
			Size: size, Price: decimal.NewFromInt(50000),
		})
		require.NoError(t, err)
	}

	r := NewReconciler(map[string]core.IExchange{"binance": binance, "bybit": bybit}, logging.Nop())
	err := r.Reconcile(ctx, []*core.Position{openPosition("BTCUSDT")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected SHORT")
}

func TestReconcileUntrackedPosition(t *testing.T) {
	binance := paper.New("binance")
	bybit := paper.New("bybit")
	seedHedge(t, bybit, binance, "ETHUSDT")

	r := NewReconciler(map[string]core.IExchange{"binance": binance, "bybit": bybit}, logging.Nop())
	err := r.Reconcile(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "untracked position")
}

func TestReconcileMidTransitionRestore(t *testing.T) {
	binance := paper.New("binance")
	bybit := paper.New("bybit")

	r := NewReconciler(map[string]core.IExchange{"binance": binance, "bybit": bybit}, logging.Nop())

	p := openPosition("BTCUSDT")
	p.Status = core.PositionOpening
	err := r.Reconcile(context.Background(), []*core.Position{p})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mid-transition")
}

func TestReconcileCollectsEveryMismatch(t *testing.T) {
	binance := paper.New("binance")
	bybit := paper.New("bybit")
	seedHedge(t, bybit, binance, "ETHUSDT") // untracked

	r := NewReconciler(map[string]core.IExchange{"binance": binance, "bybit": bybit}, logging.Nop())

	err := r.Reconcile(context.Background(), []*core.Position{openPosition("BTCUSDT")})
	require.Error(t, err)
	// Both legs of BTCUSDT missing plus two untracked ETHUSDT legs.
	assert.Contains(t, err.Error(), "4 mismatch(es)")
}
