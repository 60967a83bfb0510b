package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mailscope/backend/internal/cache"
	"github.com/mailscope/backend/internal/config"
	"github.com/mailscope/backend/internal/database"
	"github.com/mailscope/backend/internal/gmail"
	"github.com/mailscope/backend/internal/repository"
	"github.com/mailscope/backend/internal/service"
	"github.com/mailscope/backend/internal/watcher"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close(db)

	logger.Info("database connected")

	// Run migrations
	if err := database.RunMigrations(db); err != nil {
		return err
	}
	logger.Info("migrations completed")

	// Initialize repositories
	jobRepo := repository.NewJobRepository(db)
	tokenRepo := repository.NewTokenRepository(db)
	messageRepo := repository.NewMessageRepository(db)

	// Initialize provider client and services
	gmailClient := gmail.NewClient(cfg.GoogleClientID, cfg.GoogleClientSecret)
	vault := service.NewTokenVault(tokenRepo, gmailClient, logger)
	fetcher := service.NewFetcher(gmailClient, cfg.FetchConcurrency, logger)
	snapshots := cache.NewSnapshotCache(cache.NewRedisClient(cfg.RedisAddr, cfg.RedisDB), time.Hour)

	orchestrator := service.NewOrchestrator(
		jobRepo, messageRepo, vault, fetcher, snapshots, cfg.MaxRetries, logger)

	// Initialize watcher
	w := watcher.New(cfg, jobRepo, messageRepo, orchestrator, logger)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start watcher in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- w.Start(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
		cancel()

		// Wait for graceful shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout)*time.Second)
		defer shutdownCancel()

		select {
		case <-shutdownCtx.Done():
			logger.Warn("shutdown timeout exceeded")
		case err := <-errChan:
			if err != nil && err != context.Canceled {
				logger.Error("watcher error", zap.Error(err))
			}
		}

		logger.Info("application stopped")
		return nil

	case err := <-errChan:
		return err
	}
}
