// Package exchange binds venue names to adapter constructors.
package exchange

import (
	"fmt"
	"strings"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/internal/exchange/binance"
	"funding_arb/internal/exchange/bybit"
	"funding_arb/internal/exchange/paper"
)

// NewExchange creates an exchange instance based on configuration. In
// paper trading mode every venue is served by the simulated adapter.
func NewExchange(exchangeName string, cfg *config.Config, logger core.ILogger) (core.IExchange, error) {
	exchangeConfig, exists := cfg.Exchanges[exchangeName]
	if !exists {
		return nil, fmt.Errorf("configuration not found for exchange: %s", exchangeName)
	}

	if cfg.App.PaperTrading {
		return paper.New(exchangeName), nil
	}

	switch strings.ToLower(exchangeName) {
	case "binance":
		return binance.New(&exchangeConfig, logger), nil
	case "bybit":
		return bybit.New(&exchangeConfig, logger), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", exchangeName)
	}
}

// BuildAll constructs every active exchange from the configuration.
func BuildAll(cfg *config.Config, logger core.ILogger) (map[string]core.IExchange, error) {
	exchanges := make(map[string]core.IExchange, len(cfg.App.ActiveExchanges))
	for _, name := range cfg.App.ActiveExchanges {
		ex, err := NewExchange(name, cfg, logger)
		if err != nil {
			return nil, err
		}
		exchanges[name] = ex
	}
	return exchanges, nil
}
