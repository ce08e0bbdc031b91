// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig                 `yaml:"app"`
	Exchanges   map[string]ExchangeConfig `yaml:"exchanges"`
	Trading     TradingConfig             `yaml:"trading"`
	Risk        RiskConfig                `yaml:"risk"`
	Database    DatabaseConfig            `yaml:"database"`
	Alerts      AlertsConfig              `yaml:"alerts"`
	Telemetry   TelemetryConfig           `yaml:"telemetry"`
	Concurrency ConcurrencyConfig         `yaml:"concurrency"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	LogLevel        string   `yaml:"log_level"`
	ActiveExchanges []string `yaml:"active_exchanges"`
	// PaperTrading routes every exchange through the simulated adapter.
	PaperTrading bool `yaml:"paper_trading"`
}

// ExchangeConfig contains exchange-specific configuration
type ExchangeConfig struct {
	APIKey    string `yaml:"api_key"`
	SecretKey string `yaml:"secret_key"`
	BaseURL   string `yaml:"base_url"` // Optional override for API URL
	WsURL     string `yaml:"ws_url"`   // Optional override for stream URL
	Testnet   bool   `yaml:"testnet"`
	// RateLimit is the REST request budget in requests per second.
	RateLimit float64 `yaml:"rate_limit"`
}

// TradingConfig contains the spread thresholds and execution parameters
type TradingConfig struct {
	Pairs []string `yaml:"pairs"`

	// Entry threshold: base + per_10k * (size_usd / 10_000), on a daily basis.
	MinDailySpreadBase   float64 `yaml:"min_daily_spread_base"`
	MinDailySpreadPer10k float64 `yaml:"min_daily_spread_per_10k"`

	MaxPositionPerPairUSD   float64 `yaml:"max_position_per_pair_usd"`
	EntryBufferMinutes      int     `yaml:"entry_buffer_minutes"`
	OrderFillTimeoutSeconds int     `yaml:"order_fill_timeout_seconds"`
	ScanIntervalSeconds     int     `yaml:"scan_interval_seconds"`
	FundingSweepSeconds     int     `yaml:"funding_sweep_seconds"`
	RateStalenessSeconds    int     `yaml:"rate_staleness_seconds"`

	// RateEpsilon is the minimum rate change that re-triggers detection.
	RateEpsilon float64 `yaml:"rate_epsilon"`
	DepthLevels int     `yaml:"depth_levels"`

	// FeeHorizonDays amortizes round-trip taker fees over the expected
	// holding period when fee-adjusting the spread.
	FeeHorizonDays int `yaml:"fee_horizon_days"`

	Leverage LeverageConfig `yaml:"leverage"`
}

// LeverageConfig sets leverage per pair with a global default
type LeverageConfig struct {
	Default   int            `yaml:"default"`
	Overrides map[string]int `yaml:"overrides"`
}

// For returns the leverage for a pair.
func (l LeverageConfig) For(pair string) int {
	if lv, ok := l.Overrides[pair]; ok {
		return lv
	}
	if l.Default > 0 {
		return l.Default
	}
	return 1
}

// RiskConfig contains risk control settings
type RiskConfig struct {
	// NegativeSpreadTolerance is captured on each position at entry; the
	// inversion monitor closes the position when its live daily spread
	// drops below it. Expected to be negative.
	NegativeSpreadTolerance    float64 `yaml:"negative_spread_tolerance"`
	MaxConsecutiveFailures     int     `yaml:"max_consecutive_failures"`
	LiquidationCooldownMinutes int     `yaml:"liquidation_cooldown_minutes"`
}

// DatabaseConfig contains persistence settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AlertsConfig configures operator notification channels
type AlertsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Slack    SlackConfig    `yaml:"slack"`
}

// TelegramConfig configures the Telegram alert channel
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// SlackConfig configures the Slack webhook alert channel
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	EnableMetrics bool `yaml:"enable_metrics"`
	MetricsPort   int  `yaml:"metrics_port"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	AlertPoolSize   int `yaml:"alert_pool_size"`
	AlertPoolBuffer int `yaml:"alert_pool_buffer"`
	ScanPoolSize    int `yaml:"scan_pool_size"`
	ScanPoolBuffer  int `yaml:"scan_pool_buffer"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "INFO"
	}
	if c.Trading.MinDailySpreadBase == 0 {
		c.Trading.MinDailySpreadBase = 0.0003
	}
	if c.Trading.MinDailySpreadPer10k == 0 {
		c.Trading.MinDailySpreadPer10k = 0.00003
	}
	if c.Trading.MaxPositionPerPairUSD == 0 {
		c.Trading.MaxPositionPerPairUSD = 50_000
	}
	if c.Trading.EntryBufferMinutes == 0 {
		c.Trading.EntryBufferMinutes = 20
	}
	if c.Trading.OrderFillTimeoutSeconds == 0 {
		c.Trading.OrderFillTimeoutSeconds = 30
	}
	if c.Trading.ScanIntervalSeconds == 0 {
		c.Trading.ScanIntervalSeconds = 10
	}
	if c.Trading.FundingSweepSeconds == 0 {
		c.Trading.FundingSweepSeconds = 300
	}
	if c.Trading.RateStalenessSeconds == 0 {
		c.Trading.RateStalenessSeconds = 120
	}
	if c.Trading.RateEpsilon == 0 {
		c.Trading.RateEpsilon = 1e-6
	}
	if c.Trading.DepthLevels == 0 {
		c.Trading.DepthLevels = 10
	}
	if c.Trading.FeeHorizonDays == 0 {
		c.Trading.FeeHorizonDays = 7
	}
	if c.Trading.Leverage.Default == 0 {
		c.Trading.Leverage.Default = 5
	}
	if c.Risk.NegativeSpreadTolerance == 0 {
		c.Risk.NegativeSpreadTolerance = -0.0001
	}
	if c.Risk.MaxConsecutiveFailures == 0 {
		c.Risk.MaxConsecutiveFailures = 5
	}
	if c.Risk.LiquidationCooldownMinutes == 0 {
		c.Risk.LiquidationCooldownMinutes = 60
	}
	if c.Database.Path == "" {
		c.Database.Path = "funding_arb.db"
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
	if c.Concurrency.AlertPoolSize == 0 {
		c.Concurrency.AlertPoolSize = 2
	}
	if c.Concurrency.AlertPoolBuffer == 0 {
		c.Concurrency.AlertPoolBuffer = 100
	}
	if c.Concurrency.ScanPoolSize == 0 {
		c.Concurrency.ScanPoolSize = 4
	}
	if c.Concurrency.ScanPoolBuffer == 0 {
		c.Concurrency.ScanPoolBuffer = 100
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateExchanges(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTradingConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRiskConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		return ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of %v", validLevels),
		}
	}
	if len(c.App.ActiveExchanges) < 2 {
		return ValidationError{
			Field:   "app.active_exchanges",
			Value:   c.App.ActiveExchanges,
			Message: "cross-exchange arbitrage needs at least two exchanges",
		}
	}
	return nil
}

func (c *Config) validateExchanges() error {
	for _, name := range c.App.ActiveExchanges {
		cfg, ok := c.Exchanges[name]
		if !ok {
			return ValidationError{
				Field:   "exchanges",
				Value:   name,
				Message: "active exchange has no configuration block",
			}
		}
		if c.App.PaperTrading {
			continue
		}
		if cfg.APIKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.api_key", name),
				Value:   "",
				Message: "API key is required (check environment variables)",
			}
		}
		if cfg.SecretKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.secret_key", name),
				Value:   "",
				Message: "secret key is required (check environment variables)",
			}
		}
	}
	return nil
}

func (c *Config) validateTradingConfig() error {
	if len(c.Trading.Pairs) == 0 {
		return ValidationError{
			Field:   "trading.pairs",
			Value:   c.Trading.Pairs,
			Message: "at least one pair is required",
		}
	}
	if c.Trading.MinDailySpreadBase < 0 {
		return ValidationError{
			Field:   "trading.min_daily_spread_base",
			Value:   c.Trading.MinDailySpreadBase,
			Message: "must not be negative",
		}
	}
	if c.Trading.MaxPositionPerPairUSD <= 0 {
		return ValidationError{
			Field:   "trading.max_position_per_pair_usd",
			Value:   c.Trading.MaxPositionPerPairUSD,
			Message: "must be positive",
		}
	}
	if c.Trading.Leverage.Default < 1 || c.Trading.Leverage.Default > 20 {
		return ValidationError{
			Field:   "trading.leverage.default",
			Value:   c.Trading.Leverage.Default,
			Message: "must be between 1 and 20",
		}
	}
	for pair, lv := range c.Trading.Leverage.Overrides {
		if lv < 1 || lv > 20 {
			return ValidationError{
				Field:   fmt.Sprintf("trading.leverage.overrides.%s", pair),
				Value:   lv,
				Message: "must be between 1 and 20",
			}
		}
	}
	return nil
}

func (c *Config) validateRiskConfig() error {
	if c.Risk.NegativeSpreadTolerance > 0 {
		return ValidationError{
			Field:   "risk.negative_spread_tolerance",
			Value:   c.Risk.NegativeSpreadTolerance,
			Message: "must be zero or negative",
		}
	}
	if c.Risk.MaxConsecutiveFailures < 1 {
		return ValidationError{
			Field:   "risk.max_consecutive_failures",
			Value:   c.Risk.MaxConsecutiveFailures,
			Message: "must be at least 1",
		}
	}
	return nil
}

// String returns the configuration with secrets masked
func (c *Config) String() string {
	var sb strings.Builder
	sb.WriteString("Config{")
	sb.WriteString(fmt.Sprintf("log_level=%s, exchanges=[", c.App.LogLevel))
	first := true
	for name, ex := range c.Exchanges {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString(fmt.Sprintf("%s(key=%s)", name, maskString(ex.APIKey)))
	}
	sb.WriteString(fmt.Sprintf("], pairs=%v}", c.Trading.Pairs))
	return sb.String()
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		App: AppConfig{
			LogLevel:        "INFO",
			ActiveExchanges: []string{"binance", "bybit"},
			PaperTrading:    true,
		},
		Exchanges: map[string]ExchangeConfig{
			"binance": {APIKey: "test_api_key", SecretKey: "test_secret_key"},
			"bybit":   {APIKey: "test_api_key", SecretKey: "test_secret_key"},
		},
		Trading: TradingConfig{
			Pairs: []string{"BTCUSDT", "ETHUSDT"},
		},
		Database: DatabaseConfig{Path: ":memory:"},
	}
	cfg.applyDefaults()
	return cfg
}
