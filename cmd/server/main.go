package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mendezjerick/riceforecast/internal/config"
	"github.com/mendezjerick/riceforecast/internal/logger"
	"github.com/mendezjerick/riceforecast/internal/server"
	"github.com/mendezjerick/riceforecast/internal/service"
	tel "github.com/mendezjerick/riceforecast/pkg/otel"
)

func main() {
	cfg, err := config.Load(getEnv("RICECAST_CONFIG", ""))
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		logrus.Fatalf("Failed to create logger: %v", err)
	}
	defer closer.Close()

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tel.InitTracer(ctx, &cfg.Telemetry)
	if err != nil {
		log.Fatalf("Failed to init tracer: %v", err)
	}

	svc, err := service.New(ctx, cfg, log, nil)
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}

	// Load the price history before accepting requests.
	if _, err := svc.Overview(ctx); err != nil {
		log.WithError(err).Warn("Price history not loaded at startup")
	}

	srv := server.New(svc, cfg.Server, log, nil)
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Errorf("Server error: %v", err)
	}

	// Close resources
	if err := svc.Close(); err != nil {
		log.Errorf("Error closing store: %v", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(shutdownCtx, tp); err != nil {
		log.Errorf("Error shutting down tracer: %v", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
