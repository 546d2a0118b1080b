// Package main provides a CLI for repairing one calendar day of sales data.
// It runs the same cycle the service's fill-day endpoint triggers, so it is
// safe to run while the service is up: whichever process takes the worker
// lock first does the work.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/vendor-desk/internal/adapter"
	"github.com/vendor-desk/internal/config"
	"github.com/vendor-desk/internal/ingest"
	"github.com/vendor-desk/internal/logging"
	"github.com/vendor-desk/internal/storage"
	"github.com/vendor-desk/internal/types"
	"github.com/vendor-desk/internal/worker"
)

func main() {
	var (
		marketplaceFlag = flag.String("marketplace", "", "Marketplace ID (e.g. US)")
		dateFlag        = flag.String("date", "", "UTC calendar day to repair, YYYY-MM-DD")
		timeoutFlag     = flag.Duration("timeout", time.Hour, "Overall run timeout")
	)
	flag.Parse()

	marketplace := types.MarketplaceID(*marketplaceFlag)
	if !types.IsValidMarketplace(marketplace) {
		fmt.Fprintf(os.Stderr, "Usage: fillday -marketplace US -date 2026-08-29\n")
		log.Fatalf("Unknown marketplace: %q", *marketplaceFlag)
	}

	day, err := time.Parse("2006-01-02", *dateFlag)
	if err != nil {
		log.Fatalf("Invalid date %q: must be YYYY-MM-DD", *dateFlag)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(
		logging.ParseLogLevel(cfg.Logging.Level),
		logging.ParseLogFormat(cfg.Logging.Format),
	)
	logger := logging.GetGlobalLogger()

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

	reportsClient := adapter.NewReportsClient(&adapter.ReportsClientConfig{
		BaseURL:           cfg.Reports.BaseURL,
		APIToken:          cfg.Reports.APIToken,
		RequestsPerSecond: cfg.Reports.RequestsPerSecond,
		PollInterval:      cfg.Reports.PollInterval,
		PollTimeout:       cfg.Reports.PollTimeout,
		HTTPTimeout:       cfg.Reports.HTTPTimeout,
	})

	ingestWorker, err := worker.NewIngestWorker(&worker.IngestWorkerConfig{
		Marketplaces:    []types.MarketplaceID{marketplace},
		Ledger:          ledgerRepo,
		Locks:           lockRepo,
		Cooldowns:       cooldownStore,
		Provider:        reportsClient,
		Parse:           ingest.ParseReport,
		Applier:         ingest.NewApplier(salesRepo, ledgerRepo),
		Lookback:        cfg.Ingest.LookbackWindow,
		AvailabilityLag: cfg.Ingest.AvailabilityLag,
		SyncInterval:    cfg.Ingest.AutoSyncInterval,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create ingest worker")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	logger.WithFields(map[string]interface{}{
		"marketplace": string(marketplace),
		"date":        *dateFlag,
		"owner":       ingestWorker.Owner(),
	}).Info("Starting fill-day repair")

	result, err := ingestWorker.RunDay(ctx, marketplace, day)
	if err != nil {
		logger.WithError(err).Fatal("Fill-day repair failed")
	}

	if result.Skipped != "" {
		logger.WithField("reason", result.Skipped).Warn("Fill-day repair skipped")
		os.Exit(1)
	}

	logger.WithFields(map[string]interface{}{
		"seeded":    result.Seeded,
		"applied":   result.Applied,
		"recovered": result.Recovered,
		"failed":    result.Failed,
		"deferred":  result.Deferred,
		"quotaHit":  result.QuotaHit,
	}).Info("Fill-day repair finished")
}
