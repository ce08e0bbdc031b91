package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validYAML = `
app:
  log_level: INFO
  active_exchanges: [binance, bybit]
  paper_trading: true
exchanges:
  binance: {}
  bybit: {}
trading:
  pairs: [BTCUSDT, ETHUSDT]
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 0.0003, cfg.Trading.MinDailySpreadBase)
	assert.Equal(t, 0.00003, cfg.Trading.MinDailySpreadPer10k)
	assert.Equal(t, float64(50_000), cfg.Trading.MaxPositionPerPairUSD)
	assert.Equal(t, 20, cfg.Trading.EntryBufferMinutes)
	assert.Equal(t, 30, cfg.Trading.OrderFillTimeoutSeconds)
	assert.Equal(t, 300, cfg.Trading.FundingSweepSeconds)
	assert.Equal(t, 7, cfg.Trading.FeeHorizonDays)
	assert.Equal(t, 5, cfg.Trading.Leverage.Default)
	assert.Equal(t, -0.0001, cfg.Risk.NegativeSpreadTolerance)
	assert.Equal(t, 5, cfg.Risk.MaxConsecutiveFailures)
	assert.Equal(t, 60, cfg.Risk.LiquidationCooldownMinutes)
	assert.Equal(t, "funding_arb.db", cfg.Database.Path)
	assert.Equal(t, 9090, cfg.Telemetry.MetricsPort)
}

func TestLoadConfigExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_BINANCE_KEY", "live-key-1234567890")
	t.Setenv("TEST_BINANCE_SECRET", "live-secret-1234567890")

	yaml := `
app:
  log_level: INFO
  active_exchanges: [binance, bybit]
  paper_trading: true
exchanges:
  binance:
    api_key: ${TEST_BINANCE_KEY}
    secret_key: ${TEST_BINANCE_SECRET}
  bybit: {}
trading:
  pairs: [BTCUSDT]
`
	cfg, err := LoadConfig(writeConfig(t, yaml))
	require.NoError(t, err)
	assert.Equal(t, "live-key-1234567890", cfg.Exchanges["binance"].APIKey)
	assert.Equal(t, "live-secret-1234567890", cfg.Exchanges["binance"].SecretKey)
}

func TestValidateRejectsSingleExchange(t *testing.T) {
	yaml := `
app:
  active_exchanges: [binance]
  paper_trading: true
exchanges:
  binance: {}
trading:
  pairs: [BTCUSDT]
`
	_, err := LoadConfig(writeConfig(t, yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least two exchanges")
}

func TestValidateRequiresKeysForLiveTrading(t *testing.T) {
	yaml := `
app:
  active_exchanges: [binance, bybit]
  paper_trading: false
exchanges:
  binance:
    api_key: key
  bybit:
    api_key: key
    secret_key: secret
trading:
  pairs: [BTCUSDT]
`
	_, err := LoadConfig(writeConfig(t, yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret_key")
}

func TestValidateRejectsMissingExchangeBlock(t *testing.T) {
	yaml := `
app:
  active_exchanges: [binance, okx]
  paper_trading: true
exchanges:
  binance: {}
trading:
  pairs: [BTCUSDT]
`
	_, err := LoadConfig(writeConfig(t, yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no configuration block")
}

func TestValidateRejectsBadLeverage(t *testing.T) {
	yaml := validYAML + `
  leverage:
    default: 50
`
	_, err := LoadConfig(writeConfig(t, yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "between 1 and 20")
}

func TestValidateRejectsPositiveTolerance(t *testing.T) {
	yaml := validYAML + `
risk:
  negative_spread_tolerance: 0.0001
`
	_, err := LoadConfig(writeConfig(t, yaml))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero or negative")
}

func TestValidationErrorNamesField(t *testing.T) {
	err := ValidationError{Field: "trading.pairs", Value: nil, Message: "at least one pair is required"}
	assert.Contains(t, err.Error(), "trading.pairs")
	assert.Contains(t, err.Error(), "at least one pair")
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchanges["binance"] = ExchangeConfig{APIKey: "supersecretapikey123"}

	s := cfg.String()
	assert.NotContains(t, s, "supersecretapikey123")
	assert.Contains(t, s, "supe")
}

func TestLeverageOverrides(t *testing.T) {
	lc := LeverageConfig{Default: 5, Overrides: map[string]int{"BTCUSDT": 3}}
	assert.Equal(t, 3, lc.For("BTCUSDT"))
	assert.Equal(t, 5, lc.For("ETHUSDT"))
	assert.Equal(t, 1, LeverageConfig{}.For("BTCUSDT"))
}
