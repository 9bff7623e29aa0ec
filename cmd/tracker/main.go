// Polymarket Portfolio Tracker — reconstructs a consistent, trustworthy
// snapshot of a trader's open positions every refresh cycle.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts tracker, waits for SIGINT/SIGTERM
//	portfolio/tracker.go  — refresh controller: tick loop, single-flight, watchdog, self-heal
//	portfolio/enrich.go   — per-position classification: state machine, mark price, P&L trust
//	portfolio/validate.go — snapshot rejection rules guarding the last known-good view
//	portfolio/address.go  — sticky EOA/proxy-wallet holding-address resolution
//	portfolio/entrymeta.go— trade-history derived entry prices and hold times
//	dataapi/client.go     — positions index, trade history, profile endpoint
//	gamma/client.go       — batched market outcome resolution with single-token fallback
//	exchange/client.go    — CLOB order book and price-fallback reads
//	exchange/ws.go        — market WebSocket feed used for book-cache invalidation
//	onchain/prober.go     — payoutDenominator settlement probe on the CTF contract
//	api/server.go         — optional read-only dashboard (REST + WS stream)
//
// The engine reconciles three lossy sources — the positions index, the live
// order book, and the on-chain settlement contract — into one atomically
// published snapshot per cycle, falling back to a stale copy of the last
// good snapshot whenever a refresh fails or is rejected.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"polymarket-portfolio/internal/api"
	"polymarket-portfolio/internal/config"
	"polymarket-portfolio/internal/portfolio"
	"polymarket-portfolio/internal/wallet"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("POLY_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	w, err := wallet.New(cfg.Wallet)
	if err != nil {
		logger.Error("failed to init wallet", "error", err)
		os.Exit(1)
	}
	defer w.Close()

	tracker, err := portfolio.New(cfg, w, logger)
	if err != nil {
		logger.Error("failed to create tracker", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, tracker, logger)
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	go func() {
		if err := tracker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("tracker stopped", "error", err)
		}
	}()

	logger.Info("portfolio tracker started",
		"address", w.Address().Hex(),
		"refresh_interval", cfg.Tracker.RefreshInterval,
		"onchain_probe", cfg.Wallet.RPCURL != "",
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}
	cancel()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
