// Package main runs the crawler service binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/softK1T/crawler-api/internal/config"
	"github.com/softK1T/crawler-api/internal/logging"
	"github.com/softK1T/crawler-api/internal/server"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)

	if err := run(logger, cfg); err != nil {
		logger.Error("crawler exited", zap.Error(err))
		_ = logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
		os.Exit(1)
	}
	if syncErr := logger.Sync(); syncErr != nil {
		fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx := context.Background()
	app, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init application: %w", err)
	}
	if err := app.Run(ctx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
