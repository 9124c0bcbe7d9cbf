package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/clustermesh/capmarket/internal/infrastructure/config"
	"github.com/clustermesh/capmarket/internal/market/agent"
	"github.com/clustermesh/capmarket/internal/market/client"
	"github.com/clustermesh/capmarket/internal/market/solver"
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

	s, err := solver.New(solver.Kind(cfg.Solver.Kind))
	if err != nil {
		zapLogger.Fatal("Failed to create solver", zap.Error(err))
	}

	market := client.New(cfg.Agent.MarketURL, client.Options{})

	a := agent.New(market, s, zapLogger, agent.Options{
		Interval:         cfg.Agent.Interval,
		Fallback:         agent.FallbackPolicy(cfg.Agent.Fallback),
		FallbackInterval: cfg.Agent.FallbackInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zapLogger.Info("Starting market agent",
		zap.String("market", cfg.Agent.MarketURL),
		zap.String("solver", cfg.Solver.Kind))

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		zapLogger.Fatal("Market agent stopped", zap.Error(err))
	}
	zapLogger.Info("Market agent exited properly")
}
