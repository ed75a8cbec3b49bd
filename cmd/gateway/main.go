package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"key_gateway/internal/config"
	"key_gateway/internal/httpapi"
	"key_gateway/internal/logging"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Create router with all dependencies
	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	handler, deps, err := httpapi.NewRouter(startCtx, cfg, logger)
	cancelStart()
	if err != nil {
		logger.Fatal("gateway: failed to build router", zap.Error(err))
	}

	if deps.Scheduler != nil {
		deps.Scheduler.Start()
	}

	// Create HTTP server
	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("gateway: listening",
			zap.String("addr", addr),
			zap.String("ledger_backend", cfg.Ledger.Backend),
			zap.Int64("quota", cfg.Quota.DailyLimit),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("gateway: server error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("gateway: shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("gateway: server forced to shutdown", zap.Error(err))
	}

	// Stop jobs and close the ledger store
	if err := deps.Shutdown(ctx); err != nil {
		logger.Warn("gateway: shutdown incomplete", zap.Error(err))
	}

	logger.Info("gateway: exited")
}
