// Package main provides the vendor desk service entry point: the ingestion
// worker and the local HTTP API run in one process.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vendor-desk/internal/adapter"
	"github.com/vendor-desk/internal/api"
	"github.com/vendor-desk/internal/config"
	"github.com/vendor-desk/internal/ingest"
	"github.com/vendor-desk/internal/logging"
	"github.com/vendor-desk/internal/storage"
	"github.com/vendor-desk/internal/worker"
)

func main() {
	fmt.Println("Vendor Desk Service")
	log.Println("Service starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	// Initialize database connections
	logger.Info("Connecting to databases...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to ClickHouse")
	}
	defer clickhouse.Close()

	redis, err := storage.NewRedisStore(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	logger.Info("Database connections established")

	// Initialize repositories
	ledgerRepo := storage.NewLedgerRepository(postgres, &storage.LedgerRepositoryConfig{
		BackoffBase:      cfg.Ingest.BackoffBase,
		BackoffMax:       cfg.Ingest.BackoffMax,
		AvailabilityLag:  cfg.Ingest.AvailabilityLag,
		StaleClaimAfter:  cfg.Ingest.StaleClaimAfter,
		UnavailableRetry: cfg.Ingest.UnavailableRetry,
	})
	lockRepo := storage.NewLockRepository(postgres, cfg.Ingest.LockTTL)
	salesRepo := storage.NewSalesRepository(clickhouse)
	cooldownStore := storage.NewCooldownStore(redis, cfg.Ingest.CooldownDuration)

	// Initialize the reporting API client
	reportsClient := adapter.NewReportsClient(&adapter.ReportsClientConfig{
		BaseURL:           cfg.Reports.BaseURL,
		APIToken:          cfg.Reports.APIToken,
		RequestsPerSecond: cfg.Reports.RequestsPerSecond,
		PollInterval:      cfg.Reports.PollInterval,
		PollTimeout:       cfg.Reports.PollTimeout,
		HTTPTimeout:       cfg.Reports.HTTPTimeout,
	})

	applier := ingest.NewApplier(salesRepo, ledgerRepo)

	// Initialize the ingest worker
	ingestWorker, err := worker.NewIngestWorker(&worker.IngestWorkerConfig{
		Marketplaces:    cfg.Ingest.Marketplaces,
		Ledger:          ledgerRepo,
		Locks:           lockRepo,
		Cooldowns:       cooldownStore,
		Provider:        reportsClient,
		Parse:           ingest.ParseReport,
		Applier:         applier,
		Lookback:        cfg.Ingest.LookbackWindow,
		AvailabilityLag: cfg.Ingest.AvailabilityLag,
		SyncInterval:    cfg.Ingest.AutoSyncInterval,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create ingest worker")
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	if err := ingestWorker.Start(workerCtx); err != nil {
		logger.WithError(err).Fatal("Failed to start ingest worker")
	}
	logger.WithField("owner", ingestWorker.Owner()).Info("Ingest worker started")

	// Create server configuration
	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RequestsPerSec:  cfg.RateLimit.RequestsPerSecond,
		Burst:           cfg.RateLimit.Burst,
	}

	server := api.NewServer(serverConfig, ledgerRepo, lockRepo, cooldownStore, salesRepo, ingestWorker)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	// Stop the worker after the API so in-flight fill-day requests can land
	if err := ingestWorker.Stop(ctx); err != nil {
		logger.WithError(err).Error("Ingest worker forced to shutdown")
	}
	workerCancel()

	logger.Info("Service exited")
}
