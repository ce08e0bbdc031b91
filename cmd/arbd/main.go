// Command arbd runs the funding rate arbitrage engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"funding_arb/internal/alert"
	"funding_arb/internal/config"
	"funding_arb/internal/detector"
	"funding_arb/internal/engine"
	"funding_arb/internal/exchange"
	"funding_arb/internal/executor"
	"funding_arb/internal/logging"
	"funding_arb/internal/position"
	"funding_arb/internal/risk"
	"funding_arb/internal/scanner"
	"funding_arb/internal/store"
	"funding_arb/pkg/concurrency"
	"funding_arb/pkg/telemetry"

	"github.com/shopspring/decimal"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "arbd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	tel, err := telemetry.Setup("funding_arb")
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting arbd", "config", cfg.String())

	if cfg.Telemetry.EnableMetrics {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort)
			logger.Info("Serving metrics", "addr", addr)
			if err := telemetry.ServeMetrics(addr); err != nil {
				logger.Error("Metrics server exited", "error", err)
			}
		}()
	}

	alertPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "alerts",
		MaxWorkers:  cfg.Concurrency.AlertPoolSize,
		MaxCapacity: cfg.Concurrency.AlertPoolBuffer,
		NonBlocking: true,
	}, logger)
	defer alertPool.Stop()

	alerts := alert.NewManager(alertPool, logger)
	if cfg.Alerts.Telegram.Enabled {
		alerts.AddChannel(alert.NewTelegramChannel(cfg.Alerts.Telegram.BotToken, cfg.Alerts.Telegram.ChatID))
	}
	if cfg.Alerts.Slack.Enabled {
		alerts.AddChannel(alert.NewSlackChannel(cfg.Alerts.Slack.WebhookURL))
	}

	repo, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer repo.Close()

	exchanges, err := exchange.BuildAll(cfg, logger)
	if err != nil {
		return err
	}

	positions := position.NewManager(repo, logger)

	riskMgr := risk.NewManager(risk.Config{
		MaxConsecutiveFailures: cfg.Risk.MaxConsecutiveFailures,
		LiquidationCooldown:    time.Duration(cfg.Risk.LiquidationCooldownMinutes) * time.Minute,
	}, exchanges, alerts, logger)

	reconciler := risk.NewReconciler(exchanges, logger)

	sc := scanner.New(exchanges, cfg.Trading.Pairs,
		time.Duration(cfg.Trading.RateStalenessSeconds)*time.Second,
		cfg.Trading.RateEpsilon, logger)

	det := detector.New(detector.Config{
		BaseSpread:         decimal.NewFromFloat(cfg.Trading.MinDailySpreadBase),
		PerIncrementSpread: decimal.NewFromFloat(cfg.Trading.MinDailySpreadPer10k),
		MaxSizeUSD:         decimal.NewFromFloat(cfg.Trading.MaxPositionPerPairUSD),
		EntryBuffer:        time.Duration(cfg.Trading.EntryBufferMinutes) * time.Minute,
		FeeHorizonDays:     cfg.Trading.FeeHorizonDays,
	}, logger)

	exec := executor.New(exchanges, positions, riskMgr, alerts, executor.Config{
		FillTimeout: time.Duration(cfg.Trading.OrderFillTimeoutSeconds) * time.Second,
		DepthLevels: cfg.Trading.DepthLevels,
	}, logger)

	bus := engine.NewBus(logger)
	eng := engine.New(cfg, exchanges, sc, det, exec, positions, riskMgr, reconciler, alerts, bus, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}

	// SIGHUP re-reads the config file and applies the hot-reloadable
	// trading knobs without interrupting open positions.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			fresh, err := config.LoadConfig(configPath)
			if err != nil {
				logger.Error("Config reload failed", "error", err)
				continue
			}
			if err := eng.ApplyTradingConfig(fresh); err != nil {
				logger.Error("Config reload rejected", "error", err)
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received")
	signal.Stop(reload)
	close(reload)
	eng.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error("Telemetry shutdown failed", "error", err)
	}
	return nil
}
