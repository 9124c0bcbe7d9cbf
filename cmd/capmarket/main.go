package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/clustermesh/capmarket/internal/gateway"
	"github.com/clustermesh/capmarket/internal/infrastructure/config"
	"github.com/clustermesh/capmarket/internal/infrastructure/database"
	"github.com/clustermesh/capmarket/internal/infrastructure/server"
	"github.com/clustermesh/capmarket/internal/market/settlement"
	"github.com/clustermesh/capmarket/internal/market/store"
	"github.com/clustermesh/capmarket/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}

	st, err := store.New(db, zapLogger, cfg.Redis.Address)
	if err != nil {
		zapLogger.Fatal("Failed to initialize market store", zap.Error(err))
	}
	defer st.Close()

	broker := settlement.NewBroker()

	var kafkaPublisher *settlement.KafkaPublisher
	if cfg.Kafka.Enabled {
		kafkaPublisher = settlement.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, zapLogger)
		defer kafkaPublisher.Close()
	}

	dispatcher := settlement.NewDispatcher(st, broker, kafkaPublisher, zapLogger, settlement.Options{
		CallTimeout: cfg.Settlement.CallTimeout,
		MaxAttempts: cfg.Settlement.MaxAttempts,
		RetryMin:    cfg.Settlement.RetryMin,
		RetryMax:    cfg.Settlement.RetryMax,
	})

	gw := gateway.NewServer(st, dispatcher, broker, zapLogger)
	srv := server.New(cfg.Server, gw.Handler(), zapLogger)

	go func() {
		if err := srv.Start(); err != nil {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down server...")

	ctx := context.Background()
	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("Failed to shut down HTTP server", zap.Error(err))
	}

	// Let in-flight settlements reach a terminal state before exit.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	dispatcher.Close(shutdownCtx)
	cancel()

	zapLogger.Info("Server exited properly")
}
