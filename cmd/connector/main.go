package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"tv-connector/internal/alerts"
	"tv-connector/internal/app"
	"tv-connector/internal/config"
	"tv-connector/internal/dedup"
	"tv-connector/internal/engine"
	"tv-connector/internal/gateway"
	"tv-connector/internal/gateway/dydx"
	"tv-connector/internal/gateway/hyperliquid"
	"tv-connector/internal/journal"
	"tv-connector/internal/logging"
	"tv-connector/internal/metrics"
	"tv-connector/internal/server"
	"tv-connector/internal/state/sqlite"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	log := logging.New(cfg.Log)
	log.Info("config loaded", zap.String("path", *configPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && err != context.Canceled {
		log.Error("connector terminated", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	m := metrics.NewNoop()
	var metricsHandler http.Handler
	if cfg.Metrics.EnabledValue() {
		prom := metrics.NewPrometheus()
		m = prom.Metrics
		metricsHandler = prom.Handler()
	}

	notifier := alerts.NewTelegram(cfg.Telegram, log)

	eng := engine.New(engine.Config{
		MaxAttempts:     cfg.Engine.MaxAttempts,
		SettleDelay:     cfg.Engine.SettleDelay,
		LockPoll:        cfg.Engine.LockPoll,
		Tolerance:       cfg.Engine.Tolerance,
		StopLossPercent: cfg.Engine.StopLossPercent,
	}, log, m, notifier)

	registry := gateway.NewRegistry()
	if dydxCfg := cfg.Exchanges.Dydx; dydxCfg.Enabled != nil && *dydxCfg.Enabled {
		client := dydx.New(dydxCfg, log)
		registry.Register("dydxv4", client)
		feed := dydx.NewFillsFeed(dydxCfg.WSURL, dydxCfg.Address, dydxCfg.Subaccount, dydxCfg.ReconnectDelay, client, log)
		go func() {
			if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warn("fills feed stopped", zap.Error(err))
			}
		}()
	}
	if cfg.Exchanges.Hyperliquid.Enabled {
		client, err := hyperliquid.New(cfg.Exchanges.Hyperliquid, log)
		if err != nil {
			return fmt.Errorf("init hyperliquid gateway: %w", err)
		}
		registry.Register("hyperliquid", client)
	}

	journalWriter, err := journal.New(cfg.Journal, log)
	if err != nil {
		return fmt.Errorf("init journal: %w", err)
	}
	defer journalWriter.Close()
	journalWriter.Start(ctx)

	application := app.New(app.Options{
		Log:             log,
		Registry:        registry,
		Guard:           dedup.NewGuard(store),
		Engine:          eng,
		Metrics:         m,
		Journal:         journalWriter,
		Store:           store,
		Passphrase:      cfg.Server.Passphrase,
		DefaultExchange: cfg.Exchanges.Default,
	})

	srv := server.New(cfg.Server, application, cfg.Metrics.Path, metricsHandler, log)
	return srv.Run(ctx)
}
