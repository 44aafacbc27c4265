package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dn-hedge-bot/internal/app"
	"dn-hedge-bot/internal/config"
	"dn-hedge-bot/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "optional .env file; existing variables win")
	flag.Parse()

	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envPath, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()
	log.Info("config loaded",
		zap.String("path", *configPath),
		zap.String("ticker", cfg.Strategy.Ticker),
		zap.String("primary_venue", cfg.Strategy.PrimaryVenue),
		zap.String("hedge_venue", cfg.Strategy.HedgeVenue),
	)

	application, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("app terminated", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}
