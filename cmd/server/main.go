package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ice-clicker/internal/auth"
	"github.com/ice-clicker/internal/config"
	"github.com/ice-clicker/internal/handler"
	"github.com/ice-clicker/internal/kafka"
	"github.com/ice-clicker/internal/postgres"
	"github.com/ice-clicker/internal/redis"
	"github.com/ice-clicker/internal/service"
	"github.com/ice-clicker/internal/websocket"
	"github.com/ice-clicker/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	repo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := repo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Initialize Redis leaderboard
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	board, err := redis.NewLeaderboard(&cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer board.Close()
	logger.Info("connected to Redis")

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// Initialize Kafka producer for progress events
	var events service.EventPublisher
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer, err = kafka.NewProducer(&cfg.Kafka, logger)
		if err != nil {
			logger.Warn("failed to create Kafka producer, continuing without events", "error", err)
		} else {
			events = producer
			logger.Info("Kafka producer initialized", "topic", cfg.Kafka.Topic)
		}
	}

	// Initialize game service
	gameService := service.NewGameService(repo, events, cfg.Game, cfg.Retry, logger)

	// Initialize leaderboard projector behind the Kafka consumer
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		projector := service.NewLeaderboardProjector(board, wsHub, cfg.Leaderboard.DefaultLimit, logger)
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, projector, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without projection", "error", err)
		} else if err := kafkaConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without projection", "error", err)
			kafkaConsumer = nil
		} else {
			logger.Info("Kafka consumer started")
		}
	}

	// Initialize rebuild worker and repair the leaderboard on startup
	rebuildWorker := worker.NewRebuildWorker(repo, board, &cfg.Worker, logger)
	logger.Info("rebuilding leaderboard from database")
	if err := rebuildWorker.RebuildOnce(ctx); err != nil {
		logger.Warn("failed to rebuild leaderboard on startup", "error", err)
	}
	if cfg.Worker.Enabled {
		rebuildWorker.Start(ctx)
	}

	// Initialize HTTP handler
	validator := auth.NewValidator(&cfg.Auth)
	httpHandler := handler.NewHandler(gameService, board, wsHub, validator, &cfg.Leaderboard, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown HTTP server first so no new writes arrive
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	// Stop rebuild worker
	if cfg.Worker.Enabled {
		rebuildWorker.Stop()
	}

	// Stop Kafka consumer
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	// Close Kafka producer
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("failed to close Kafka producer", "error", err)
		}
	}

	// Stop WebSocket hub
	wsHub.Stop()

	logger.Info("server stopped")
}
