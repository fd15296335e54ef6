// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir             string // Base directory for the chain file, archive DB and backups (always absolute)
	LogLevel            string
	LogPretty           bool
	Port                int // ops server (healthz, metrics, event stream)
	DevMode             bool
	RecordAccessGrants  bool
	HeartbeatPortfolios []string // portfolio ids receiving scheduled heartbeats
	HeartbeatInterval   int      // minutes
	SessionCleanupEvery int      // minutes
	DailyReviewCron     string
	EODTaxCron          string
	RoutingConfigPath   string // optional YAML override
	ScoringConfigPath   string // optional YAML override
	Feed                FeedConfig
	Backup              BackupConfig
}

// FeedConfig holds the sector tick feed connection settings
type FeedConfig struct {
	Enabled       bool
	URL           string
	EventsPerMin  int    // per-sector emission throttle
	SessionID     string // session the feed submits market events under
	WindowSize    int    // price samples per sector ROC window
	MinMagnitude  float64
	ReconnectSecs int
}

// BackupConfig holds chain snapshot backup settings (S3-compatible storage)
type BackupConfig struct {
	Enabled         bool
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	Cron            string
	Keep            int // snapshots retained by rotation
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("VIGIL_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:             absDataDir,
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogPretty:           getEnvAsBool("LOG_PRETTY", false),
		Port:                getEnvAsInt("VIGIL_PORT", 8090),
		DevMode:             getEnvAsBool("DEV_MODE", false),
		RecordAccessGrants:  getEnvAsBool("RECORD_ACCESS_GRANTS", false),
		HeartbeatPortfolios: getEnvAsList("HEARTBEAT_PORTFOLIOS"),
		HeartbeatInterval:   getEnvAsInt("HEARTBEAT_INTERVAL_MINUTES", 60),
		SessionCleanupEvery: getEnvAsInt("SESSION_CLEANUP_MINUTES", 15),
		DailyReviewCron:     getEnv("DAILY_REVIEW_CRON", "0 6 * * *"),
		EODTaxCron:          getEnv("EOD_TAX_CRON", ""),
		RoutingConfigPath:   getEnv("ROUTING_CONFIG", ""),
		ScoringConfigPath:   getEnv("SCORING_CONFIG", ""),
		Feed: FeedConfig{
			Enabled:       getEnvAsBool("SECTOR_FEED_ENABLED", false),
			URL:           getEnv("SECTOR_FEED_URL", ""),
			EventsPerMin:  getEnvAsInt("SECTOR_FEED_EVENTS_PER_MIN", 6),
			SessionID:     getEnv("SECTOR_FEED_SESSION", "feed_main"),
			WindowSize:    getEnvAsInt("SECTOR_FEED_WINDOW", 12),
			MinMagnitude:  getEnvAsFloat("SECTOR_FEED_MIN_MAGNITUDE", 0.01),
			ReconnectSecs: getEnvAsInt("SECTOR_FEED_RECONNECT_SECONDS", 5),
		},
		Backup: BackupConfig{
			Enabled:         getEnvAsBool("BACKUP_ENABLED", false),
			AccountID:       getEnv("R2_ACCOUNT_ID", ""),
			AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
			AccessKeySecret: getEnv("R2_ACCESS_KEY_SECRET", ""),
			Bucket:          getEnv("R2_BUCKET", "vigil-chain-backups"),
			Cron:            getEnv("BACKUP_CRON", "0 3 * * *"),
			Keep:            getEnvAsInt("BACKUP_KEEP", 3),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %d", c.HeartbeatInterval)
	}
	if c.SessionCleanupEvery <= 0 {
		return fmt.Errorf("session cleanup interval must be positive, got %d", c.SessionCleanupEvery)
	}
	if c.Feed.Enabled && c.Feed.URL == "" {
		return fmt.Errorf("sector feed enabled but SECTOR_FEED_URL is empty")
	}
	if c.Backup.Enabled {
		if c.Backup.AccountID == "" || c.Backup.AccessKeyID == "" || c.Backup.AccessKeySecret == "" {
			return fmt.Errorf("backup enabled but R2 credentials are incomplete")
		}
		if c.Backup.Keep < 3 {
			return fmt.Errorf("backup retention must keep at least 3 snapshots, got %d", c.Backup.Keep)
		}
	}
	return nil
}

// ChainPath returns the canonical chain file location
func (c *Config) ChainPath() string {
	return filepath.Join(c.DataDir, "chain.json")
}

// ArchivePath returns the SQLite chain archive location
func (c *Config) ArchivePath() string {
	return filepath.Join(c.DataDir, "chain_archive.db")
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
