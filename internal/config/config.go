// Package config provides configuration management for the vendor desk
// application. It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/vendor-desk/internal/types"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Reports   ReportsConfig
	Ingest    IngestConfig
	RateLimit RateLimitConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// ReportsConfig holds upstream reporting API configuration
type ReportsConfig struct {
	BaseURL           string
	APIToken          string
	RequestsPerSecond float64       // client-side throttle against the upstream quota
	PollInterval      time.Duration // fixed sleep between report status polls
	PollTimeout       time.Duration // overall bound on one report's poll loop
	HTTPTimeout       time.Duration
}

// IngestConfig holds ingestion ledger and scheduler configuration
type IngestConfig struct {
	Marketplaces     []types.MarketplaceID
	LookbackWindow   time.Duration // rolling window of hours kept seeded
	AvailabilityLag  time.Duration // hours closer to now than this are not seeded yet
	AutoSyncInterval time.Duration // periodic worker cycle interval
	LockTTL          time.Duration // worker lease TTL; 0 means max(15m, 2x interval)
	StaleClaimAfter  time.Duration // requested/downloaded rows older than this are re-claimable
	CooldownDuration time.Duration // fixed quota cooldown length
	BackoffBase      time.Duration // first retry delay after a transient failure
	BackoffMax       time.Duration // cap on the retry delay
	UnavailableRetry time.Duration // re-check delay for not-yet-published hours
}

// RateLimitConfig holds API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (optional in production)
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "vendor_desk"),
				User:           getEnv("POSTGRES_USER", "vendor"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "vendor_desk"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Reports: ReportsConfig{
			BaseURL:           getEnv("REPORTS_API_URL", "https://reports.marketplace.example"),
			APIToken:          getEnv("REPORTS_API_TOKEN", ""),
			RequestsPerSecond: getEnvAsFloat("REPORTS_REQUESTS_PER_SECOND", 0.5),
			PollInterval:      getEnvAsDuration("REPORTS_POLL_INTERVAL", 15*time.Second),
			PollTimeout:       getEnvAsDuration("REPORTS_POLL_TIMEOUT", 10*time.Minute),
			HTTPTimeout:       getEnvAsDuration("REPORTS_HTTP_TIMEOUT", 30*time.Second),
		},
		Ingest: IngestConfig{
			Marketplaces:     loadMarketplaces(),
			LookbackWindow:   getEnvAsDuration("INGEST_LOOKBACK_WINDOW", 72*time.Hour),
			AvailabilityLag:  getEnvAsDuration("INGEST_AVAILABILITY_LAG", 2*time.Hour),
			AutoSyncInterval: getEnvAsDuration("INGEST_AUTO_SYNC_INTERVAL", 5*time.Minute),
			LockTTL:          getEnvAsDuration("INGEST_LOCK_TTL", 0),
			StaleClaimAfter:  getEnvAsDuration("INGEST_STALE_CLAIM_AFTER", 0),
			CooldownDuration: getEnvAsDuration("INGEST_COOLDOWN_DURATION", 30*time.Minute),
			BackoffBase:      getEnvAsDuration("INGEST_BACKOFF_BASE", time.Minute),
			BackoffMax:       getEnvAsDuration("INGEST_BACKOFF_MAX", 4*time.Hour),
			UnavailableRetry: getEnvAsDuration("INGEST_UNAVAILABLE_RETRY", 30*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 20),
			Burst:             getEnvAsInt("RATE_LIMIT_BURST", 40),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	applyIngestDefaults(&config.Ingest)

	return config, nil
}

// applyIngestDefaults fills in the derived ingest defaults.
// Lock TTL defaults to max(15m, 2x auto-sync interval) so a normally-paced
// worker never has its own lock expire mid-cycle.
func applyIngestDefaults(cfg *IngestConfig) {
	if cfg.LockTTL == 0 {
		cfg.LockTTL = 15 * time.Minute
		if twice := 2 * cfg.AutoSyncInterval; twice > cfg.LockTTL {
			cfg.LockTTL = twice
		}
	}
	if cfg.StaleClaimAfter == 0 {
		// A row stuck in REQUESTED/DOWNLOADED longer than the lock TTL cannot
		// still be in flight; the claiming worker's lock has expired.
		cfg.StaleClaimAfter = cfg.LockTTL
	}
}

// loadMarketplaces parses the enabled marketplace list
func loadMarketplaces() []types.MarketplaceID {
	raw := strings.Split(getEnv("INGEST_MARKETPLACES", "US"), ",")

	var marketplaces []types.MarketplaceID
	for _, m := range raw {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		marketplaces = append(marketplaces, types.MarketplaceID(strings.ToUpper(m)))
	}
	return marketplaces
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
