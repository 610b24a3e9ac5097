package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"tv-connector/internal/alert"
	"tv-connector/internal/config"
	"tv-connector/internal/gateway"
	"tv-connector/internal/gateway/dydx"
	"tv-connector/internal/gateway/hyperliquid"
	"tv-connector/internal/intent"
	"tv-connector/internal/logging"

	"go.uber.org/zap"
)

// verify is an operator preflight: it builds every enabled gateway from the
// live config and checks credentials, account readiness and position reads
// without placing any order. Optionally resolves a sample alert to show the
// target size it would produce.
func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	market := flag.String("market", "BTC-USD", "market to query positions for")
	alertFile := flag.String("alert", "", "optional path to an alert JSON to dry-run through intent resolution")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	gateways := make(map[string]gateway.Gateway)
	if dydxCfg := cfg.Exchanges.Dydx; dydxCfg.Enabled != nil && *dydxCfg.Enabled {
		gateways["dydxv4"] = dydx.New(dydxCfg, log)
	}
	if cfg.Exchanges.Hyperliquid.Enabled {
		client, err := hyperliquid.New(cfg.Exchanges.Hyperliquid, log)
		if err != nil {
			fatal(err)
		}
		gateways["hyperliquid"] = client
	}
	if len(gateways) == 0 {
		fatal(fmt.Errorf("no exchange gateways enabled"))
	}

	failed := false
	for key, gw := range gateways {
		if err := check(ctx, key, gw, *market); err != nil {
			log.Error("gateway check failed", zap.String("exchange", key), zap.Error(err))
			failed = true
		}
	}

	if *alertFile != "" {
		if err := dryRun(ctx, *alertFile, gateways, cfg.Server.Passphrase, cfg.Exchanges.Default); err != nil {
			fatal(err)
		}
	}
	if failed {
		os.Exit(1)
	}
}

func check(ctx context.Context, key string, gw gateway.Gateway, market string) error {
	ready, err := gw.AccountReady(ctx)
	if err != nil {
		return fmt.Errorf("account readiness: %w", err)
	}
	equity, err := gw.Equity(ctx)
	if err != nil {
		return fmt.Errorf("equity: %w", err)
	}
	positions, err := gw.Positions(ctx, market)
	if err != nil {
		return fmt.Errorf("positions: %w", err)
	}
	fmt.Printf("%s: ready=%v equity=%.2f positions(%s)=%d\n", key, ready, equity, market, len(positions))
	for _, pos := range positions {
		fmt.Printf("  %s size=%.6f entry=%.2f\n", pos.Market, pos.Size, pos.EntryPrice)
	}
	return nil
}

func dryRun(ctx context.Context, path string, gateways map[string]gateway.Gateway, passphrase, defaultExchange string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var a alert.Alert
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if err := a.Validate(passphrase); err != nil {
		return fmt.Errorf("alert invalid: %w", err)
	}
	key := a.ExchangeKey(defaultExchange)
	gw, ok := gateways[key]
	if !ok {
		return fmt.Errorf("exchange %q not enabled", key)
	}
	target, err := intent.Resolve(ctx, &a, gw.Equity)
	if err != nil {
		return fmt.Errorf("resolve intent: %w", err)
	}
	fmt.Printf("alert %s on %s resolves to target %.6f on %s\n",
		a.SignalID(), a.NormalizedMarket(), target, key)
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
