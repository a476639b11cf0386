// salesd is the sales time-series server. Usage:
//
//	salesd [port] [S] [D] [threads]
//
// with defaults 12345 10 365 100. Environment variables (SALES_*) provide
// the remaining configuration; positional arguments win over both.
package main

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"salesd/internal/config"
	"salesd/internal/monitoring"
	"salesd/internal/server"
)

func main() {
	bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Error().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.ApplyArgs(os.Args[1:], bootLogger); err != nil {
		bootLogger.Error().Err(err).Msg("Invalid arguments")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.Error().Err(err).Msg("Configuration validation failed")
		os.Exit(1)
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(logger)

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create server")
		os.Exit(1)
	}
	if err := srv.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start server")
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutting down")
	if err := srv.Shutdown(); err != nil {
		logger.Warn().Err(err).Msg("Error during shutdown")
	}
}
