package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/openlistings/resosync/internal/db"
	"github.com/openlistings/resosync/internal/resource"
)

// Config represents the application configuration
type Config struct {
	Database db.Config     `toml:"database"`
	Source   SourceConfig  `toml:"source"`
	Sync     SyncConfig    `toml:"sync"`
	Metrics  MetricsConfig `toml:"metrics"`
	Logging  LoggingConfig `toml:"logging"`
}

// SourceConfig holds upstream endpoints and credentials. Tokens are
// normally supplied through the environment rather than the config file.
type SourceConfig struct {
	IDXBaseURL   string `toml:"idx_base_url"`
	VOWBaseURL   string `toml:"vow_base_url"`
	MediaBaseURL string `toml:"media_base_url"`
	IDXToken     string `toml:"idx_token"`
	VOWToken     string `toml:"vow_token"`
}

// SyncConfig holds engine tunables and run floors
type SyncConfig struct {
	BatchSize            int           `toml:"batch_size"`
	RequestTimeout       time.Duration `toml:"request_timeout"`
	ListingSyncStartDate string        `toml:"listing_sync_start_date"`
	MediaSyncStartDate   string        `toml:"media_sync_start_date"`
	Schedule             string        `toml:"schedule"`
}

// MetricsConfig holds metrics/monitoring settings
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: db.Config{
			Driver:          "sqlite3",
			DSN:             "resosync.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			MigrationsDir:   "migrations",
			SkipMigrations:  false,
		},
		Source: SourceConfig{
			IDXBaseURL:   "https://query.ampre.ca/odata/Property",
			VOWBaseURL:   "https://query.ampre.ca/odata/Property",
			MediaBaseURL: "https://query.ampre.ca/odata/Media",
		},
		Sync: SyncConfig{
			BatchSize:            5000,
			RequestTimeout:       60 * time.Second,
			ListingSyncStartDate: "2010-01-01T00:00:00Z",
			MediaSyncStartDate:   "2024-01-01T00:00:00Z",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "0.0.0.0",
			Port:    9090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	// Parse TOML file
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		fileConfig, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnv overlays the environment variable surface onto the config.
func (c *Config) applyEnv() error {
	if v := os.Getenv("IDX_TOKEN"); v != "" {
		c.Source.IDXToken = v
	}
	if v := os.Getenv("VOW_TOKEN"); v != "" {
		c.Source.VOWToken = v
	}
	if v := os.Getenv("IDX_BASE_URL"); v != "" {
		c.Source.IDXBaseURL = v
	}
	if v := os.Getenv("VOW_BASE_URL"); v != "" {
		c.Source.VOWBaseURL = v
	}
	if v := os.Getenv("MEDIA_BASE_URL"); v != "" {
		c.Source.MediaBaseURL = v
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BATCH_SIZE %q: %w", v, err)
		}
		c.Sync.BatchSize = n
	}
	if v := os.Getenv("MEDIA_SYNC_START_DATE"); v != "" {
		c.Sync.MediaSyncStartDate = v
	}
	if v := os.Getenv("DEBUG"); v != "" && v != "0" && v != "false" {
		c.Logging.Level = "debug"
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Database validation
	if c.Database.Driver == "" {
		return fmt.Errorf("database driver must be specified")
	}
	if c.Database.Driver != "sqlite3" && c.Database.Driver != "postgres" {
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3 or postgres)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}

	// Source validation
	if c.Source.IDXToken == "" {
		return fmt.Errorf("IDX token must be set (IDX_TOKEN)")
	}
	if c.Source.VOWToken == "" {
		return fmt.Errorf("VOW token must be set (VOW_TOKEN)")
	}
	if c.Source.IDXBaseURL == "" || c.Source.VOWBaseURL == "" || c.Source.MediaBaseURL == "" {
		return fmt.Errorf("all source base URLs must be set")
	}

	// Sync validation
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync batch_size must be positive")
	}
	if c.Sync.RequestTimeout <= 0 {
		return fmt.Errorf("sync request_timeout must be positive")
	}
	if _, err := time.Parse(time.RFC3339, c.Sync.ListingSyncStartDate); err != nil {
		return fmt.Errorf("invalid listing_sync_start_date: %w", err)
	}
	if _, err := time.Parse(time.RFC3339, c.Sync.MediaSyncStartDate); err != nil {
		return fmt.Errorf("invalid media_sync_start_date: %w", err)
	}

	// Metrics validation
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics port must be between 1 and 65535")
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// Descriptors builds the resource descriptors for the configured sources,
// in processing order.
func (c *Config) Descriptors() ([]resource.Descriptor, error) {
	listingFloor, err := time.Parse(time.RFC3339, c.Sync.ListingSyncStartDate)
	if err != nil {
		return nil, fmt.Errorf("invalid listing_sync_start_date: %w", err)
	}
	mediaFloor, err := time.Parse(time.RFC3339, c.Sync.MediaSyncStartDate)
	if err != nil {
		return nil, fmt.Errorf("invalid media_sync_start_date: %w", err)
	}

	return []resource.Descriptor{
		{
			Name:           resource.IDX,
			Endpoint:       c.Source.IDXBaseURL,
			Credential:     c.Source.IDXToken,
			TimestampField: "ModificationTimestamp",
			ConflictKey:    []string{"ListingKey"},
			FloorDate:      listingFloor.UTC(),
			Table:          "property",
			WindowWidth:    30 * 24 * time.Hour,
		},
		{
			Name:            resource.VOW,
			Endpoint:        c.Source.VOWBaseURL,
			Credential:      c.Source.VOWToken,
			TimestampField:  "ModificationTimestamp",
			ConflictKey:     []string{"ListingKey"},
			FloorDate:       listingFloor.UTC(),
			Table:           "property",
			WindowWidth:     7 * 24 * time.Hour,
			HighCardinality: true,
		},
		{
			Name:               resource.Media,
			Endpoint:           c.Source.MediaBaseURL,
			Credential:         c.Source.IDXToken,
			TimestampField:     "MediaModificationTimestamp",
			AltTimestampFields: []string{"ModificationTimestamp"},
			ConflictKey:        []string{"ResourceRecordKey", "MediaKey"},
			FloorDate:          mediaFloor.UTC(),
			Table:              "media",
			WindowWidth:        7 * 24 * time.Hour,
			HighCardinality:    true,
		},
	}, nil
}
