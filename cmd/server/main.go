// Package main provides the API server entry point for the entitlement service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/miniapp-entitlements/internal/adapter"
	"github.com/miniapp-entitlements/internal/api"
	"github.com/miniapp-entitlements/internal/config"
	"github.com/miniapp-entitlements/internal/logging"
	"github.com/miniapp-entitlements/internal/metrics"
	"github.com/miniapp-entitlements/internal/service"
	"github.com/miniapp-entitlements/internal/storage"
)

func main() {
	fmt.Println("Mini-app Entitlement API Server")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	metrics.InitMetrics()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Connect to Postgres and provision the schema
	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	if err := postgres.EnsureSchema(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to provision schema")
	}

	store := storage.NewStore(postgres)

	// Daily usage counters live in Postgres unless Redis is selected
	var counter service.UsageCounter = store.Usage
	if cfg.Usage.Backend == "redis" {
		redis, err := storage.NewRedisCache(&cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redis.Close()
		counter = storage.NewRedisUsageCounter(redis.Client())
	}
	logger.WithField("backend", cfg.Usage.Backend).Info("Usage counter initialized")

	// Initialize services
	lifecycle := service.NewSubscriptionService(store.Users, store.Subscriptions, cfg.Billing, time.Now)

	var verifier service.PaymentVerifier
	if cfg.Billing.Treasury != "" {
		usdc, pool, err := adapter.DialUSDCReceiptVerifier(ctx, cfg.Billing.RPCURL, cfg.Billing.USDCContract, cfg.Billing.Treasury)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize payment verifier")
		}
		defer pool.Close()
		verifier = usdc
		logger.WithFields(map[string]interface{}{
			"endpoints": strings.Count(cfg.Billing.RPCURL, ",") + 1,
			"treasury":  cfg.Billing.Treasury,
		}).Info("USDC payment verifier initialized")
	} else {
		logger.Warn("TREASURY_ADDRESS not set, payment confirmation is disabled")
	}

	services := api.Services{
		Lifecycle: lifecycle,
		Payments:  service.NewPaymentService(store.Payments, store.Subscriptions, lifecycle, verifier, cfg.Billing),
		Usage:     service.NewUsageGate(lifecycle, counter, cfg.Quotas),
		Users:     service.NewUserService(store.Users, lifecycle),
		Activity:  service.NewActivityService(store.Echoes, store.NFTs),
		Health:    postgres,
	}

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		JWTSecret:       cfg.Auth.JWTSecret,
		JWTIssuer:       cfg.Auth.Issuer,
		AdminWallets:    cfg.Billing.AdminWallets,
		RateLimit:       cfg.RateLimit,
		Upstreams:       cfg.Upstreams,
	}
	if serverConfig.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, trusting the " + api.WalletHeader + " header (development only)")
	}

	server, err := api.NewServer(serverConfig, services, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create server")
	}

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
