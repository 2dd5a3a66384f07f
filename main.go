package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kline-replay-trainer/config"
	"kline-replay-trainer/internal/api"
	"kline-replay-trainer/internal/events"
	"kline-replay-trainer/internal/logging"
	"kline-replay-trainer/internal/market"
	"kline-replay-trainer/internal/session"
	"kline-replay-trainer/internal/store"
	"kline-replay-trainer/internal/users"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "generate-config" {
		if err := config.GenerateSampleConfig("config.json"); err != nil {
			log.Fatalf("Failed to write sample config: %v", err)
		}
		log.Println("Wrote config.json")
		return
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(logging.Config{
		Level:  cfg.LoggingConfig.Level,
		Output: cfg.LoggingConfig.Output,
		Pretty: cfg.LoggingConfig.Pretty,
	})

	// Initialize event bus
	eventBus := events.NewEventBus()

	// Market data provider backed by the CSV tables on disk
	provider := market.NewCSVProvider(cfg.DataConfig.MarketDataDir, logger)
	if instruments, err := provider.ListInstruments(); err != nil {
		logger.Warn().Err(err).Str("dir", cfg.DataConfig.MarketDataDir).Msg("Instrument index not loadable; starts will fail until data is present")
	} else {
		logger.Info().Int("instruments", len(instruments)).Msg("Market data loaded")
	}

	// Per-user persistent history
	history := store.New(cfg.DataConfig.UsersDir, logger)

	// User directories and settings
	userManager, err := users.NewManager(cfg.DataConfig.UsersDir, history, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize user manager")
	}

	// Live training sessions
	registry := session.NewRegistry(provider, userManager, history, eventBus, logger)

	// Web server
	server := api.NewServer(api.ServerConfig{
		Port:            cfg.ServerConfig.Port,
		Host:            cfg.ServerConfig.Host,
		ProductionMode:  cfg.ServerConfig.ProductionMode,
		StaticFilesPath: cfg.ServerConfig.StaticFilesPath,
		AllowedOrigins:  cfg.ServerConfig.AllowedOrigins,
		ReadTimeout:     cfg.ServerConfig.ReadTimeout,
		WriteTimeout:    cfg.ServerConfig.WriteTimeout,
	}, provider, userManager, history, registry, eventBus, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start web server")
		}
	}()

	logger.Info().
		Str("host", cfg.ServerConfig.Host).
		Int("port", cfg.ServerConfig.Port).
		Msg("K-line replay trainer started")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down web server")
	}

	history.Close()
	logger.Info().Msg("Shutdown complete")
}
