package main

import (
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/mailscope/backend/internal/api"
	"github.com/mailscope/backend/internal/cache"
	"github.com/mailscope/backend/internal/config"
	"github.com/mailscope/backend/internal/database"
	"github.com/mailscope/backend/internal/gmail"
	"github.com/mailscope/backend/internal/repository"
	"github.com/mailscope/backend/internal/service"
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

	if err := database.RunMigrations(db); err != nil {
		return err
	}
	logger.Info("database ready")

	// Initialize repositories and services
	jobRepo := repository.NewJobRepository(db)
	tokenRepo := repository.NewTokenRepository(db)
	messageRepo := repository.NewMessageRepository(db)

	gmailClient := gmail.NewClient(cfg.GoogleClientID, cfg.GoogleClientSecret)
	vault := service.NewTokenVault(tokenRepo, gmailClient, logger)
	fetcher := service.NewFetcher(gmailClient, cfg.FetchConcurrency, logger)
	snapshots := cache.NewSnapshotCache(cache.NewRedisClient(cfg.RedisAddr, cfg.RedisDB), time.Hour)

	orchestrator := service.NewOrchestrator(
		jobRepo, messageRepo, vault, fetcher, snapshots, cfg.MaxRetries, logger)

	// Build router
	jobHandler := api.NewJobHandler(orchestrator, logger)
	messageHandler := api.NewMessageHandler(messageRepo, snapshots, logger)
	router := api.NewRouter(jobHandler, messageHandler, cfg.JWTSecret)

	logger.Info("listening", zap.String("addr", cfg.ListenAddr))
	return router.Run(cfg.ListenAddr)
}
