package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Tracking TrackingConfig `mapstructure:"tracking"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Writer   WriterConfig   `mapstructure:"writer"`
	Storage  StorageConfig  `mapstructure:"storage"`
	API      APIConfig      `mapstructure:"api"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Filters  FilterConfig   `mapstructure:"filters"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Alerts   AlertConfig    `mapstructure:"alerts"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// TrackingConfig selects which variables and markets are tracked.
// Scope precedence during exclusion checks is world, then data center, then
// region; the first match wins. An empty scope means every world is in.
type TrackingConfig struct {
	Variables []string `mapstructure:"variables"`
	// StateFile is the JSON file the game-state provider reads the current
	// variable values from. Empty disables the sampling job.
	StateFile      string   `mapstructure:"state_file"`
	Worlds         []uint32 `mapstructure:"worlds"`
	DataCenters    []string `mapstructure:"data_centers"`
	Regions        []string `mapstructure:"regions"`
	ExcludedItems  []uint32 `mapstructure:"excluded_items"`
	ExcludedWorlds []uint32 `mapstructure:"excluded_worlds"`
}

// CacheConfig holds price cache freshness and capacity settings.
type CacheConfig struct {
	TTL                 time.Duration `mapstructure:"ttl"`
	StalenessThreshold  time.Duration `mapstructure:"staleness_threshold"`
	MaxEntries          int           `mapstructure:"max_entries"`
	EvictFraction       float64       `mapstructure:"evict_fraction"`
	RecentSalesCapacity int           `mapstructure:"recent_sales_capacity"`
}

// WriterConfig holds write queue batching behavior.
type WriterConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	BatchWindow     time.Duration `mapstructure:"batch_window"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig holds the embedded store location and retention policy.
type StorageConfig struct {
	DBPath        string        `mapstructure:"db_path"`
	RetentionDays int           `mapstructure:"retention_days"`
	MaxSizeMB     int           `mapstructure:"max_size_mb"`
	CheckpointAge time.Duration `mapstructure:"checkpoint_interval"`
}

// APIConfig holds the remote aggregator client settings.
type APIConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	RateLimitPerSec int           `mapstructure:"rate_limit_per_sec"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelayBase  time.Duration `mapstructure:"retry_delay_base"`
}

// FeedConfig holds the live price feed connection settings.
type FeedConfig struct {
	URL                 string        `mapstructure:"url"`
	ReconnectMinBackoff time.Duration `mapstructure:"reconnect_min_backoff"`
	ReconnectMaxBackoff time.Duration `mapstructure:"reconnect_max_backoff"`
	BufferSize          int           `mapstructure:"buffer_size"`
}

// FilterConfig holds the sale sanity filter thresholds.
type FilterConfig struct {
	SpikeMinThreshold     int64   `mapstructure:"spike_min_threshold"`
	SpikeFactor           int64   `mapstructure:"spike_factor"`
	DiscrepancyEnabled    bool    `mapstructure:"discrepancy_enabled"`
	DiscrepancyMaxPercent float64 `mapstructure:"discrepancy_max_percent"`
}

// ScheduleConfig holds the periodic job intervals.
type ScheduleConfig struct {
	SampleInterval      time.Duration `mapstructure:"sample_interval"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	RefreshInterval     time.Duration `mapstructure:"refresh_interval"`
	Workers             int           `mapstructure:"workers"`
}

// WatchConfig is one price-watch alert rule.
type WatchConfig struct {
	ItemID   uint32 `mapstructure:"item_id"`
	WorldID  uint32 `mapstructure:"world_id"`
	MaxPrice int64  `mapstructure:"max_price"`
}

// AlertConfig holds optional Telegram price-watch alerting.
type AlertConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	Watches        []WatchConfig `mapstructure:"watches"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)

	setDefaults(v)

	// Enable environment variable override
	v.SetEnvPrefix("MARKETLEDGER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Tracking defaults
	v.SetDefault("tracking.variables", []string{"Gil"})
	v.SetDefault("tracking.state_file", "./data/state.json")

	// Cache defaults
	v.SetDefault("cache.ttl", "15m")
	v.SetDefault("cache.staleness_threshold", "1h")
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.evict_fraction", 0.10)
	v.SetDefault("cache.recent_sales_capacity", 5)

	// Writer defaults
	v.SetDefault("writer.batch_size", 50)
	v.SetDefault("writer.batch_window", "100ms")
	v.SetDefault("writer.shutdown_timeout", "5s")

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/marketledger.db")
	v.SetDefault("storage.retention_days", 365)
	v.SetDefault("storage.max_size_mb", 256)
	v.SetDefault("storage.checkpoint_interval", "30m")

	// API defaults
	v.SetDefault("api.base_url", "https://universalis.app/api/v2")
	v.SetDefault("api.rate_limit_per_sec", 10)
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("api.retry_delay_base", "1s")

	// Feed defaults
	v.SetDefault("feed.url", "wss://universalis.app/api/ws")
	v.SetDefault("feed.reconnect_min_backoff", "1s")
	v.SetDefault("feed.reconnect_max_backoff", "1m")
	v.SetDefault("feed.buffer_size", 1024)

	// Filter defaults
	v.SetDefault("filters.spike_min_threshold", 10000)
	v.SetDefault("filters.spike_factor", 100)
	v.SetDefault("filters.discrepancy_enabled", true)
	v.SetDefault("filters.discrepancy_max_percent", 300.0)

	// Schedule defaults
	v.SetDefault("schedule.sample_interval", "5s")
	v.SetDefault("schedule.maintenance_interval", "5m")
	v.SetDefault("schedule.refresh_interval", "15m")
	v.SetDefault("schedule.workers", 4)

	// Alert defaults
	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.cooldown", "6h")
	v.SetDefault("alerts.max_retries", 3)
	v.SetDefault("alerts.retry_delay_base", "1s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if len(c.Tracking.Variables) == 0 {
		return fmt.Errorf("tracking.variables must contain at least one variable")
	}

	if c.Cache.TTL < time.Second {
		return fmt.Errorf("cache.ttl must be at least 1 second")
	}
	if c.Cache.StalenessThreshold <= c.Cache.TTL {
		return fmt.Errorf("cache.staleness_threshold must be greater than cache.ttl")
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache.max_entries must be at least 1")
	}
	if c.Cache.EvictFraction <= 0.0 || c.Cache.EvictFraction > 1.0 {
		return fmt.Errorf("cache.evict_fraction must be in (0.0, 1.0]")
	}
	if c.Cache.RecentSalesCapacity < 1 {
		return fmt.Errorf("cache.recent_sales_capacity must be at least 1")
	}

	if c.Writer.BatchSize < 1 {
		return fmt.Errorf("writer.batch_size must be at least 1")
	}
	if c.Writer.BatchWindow < time.Millisecond {
		return fmt.Errorf("writer.batch_window must be at least 1ms")
	}
	if c.Writer.ShutdownTimeout < time.Second {
		return fmt.Errorf("writer.shutdown_timeout must be at least 1 second")
	}

	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Storage.RetentionDays < 1 {
		return fmt.Errorf("storage.retention_days must be at least 1")
	}
	if c.Storage.MaxSizeMB < 1 {
		return fmt.Errorf("storage.max_size_mb must be at least 1")
	}

	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.API.RateLimitPerSec < 1 {
		return fmt.Errorf("api.rate_limit_per_sec must be at least 1")
	}
	if c.API.Timeout < time.Second {
		return fmt.Errorf("api.timeout must be at least 1 second")
	}

	if c.Feed.URL == "" {
		return fmt.Errorf("feed.url is required")
	}
	if c.Feed.ReconnectMinBackoff <= 0 {
		return fmt.Errorf("feed.reconnect_min_backoff must be positive")
	}
	if c.Feed.ReconnectMaxBackoff < c.Feed.ReconnectMinBackoff {
		return fmt.Errorf("feed.reconnect_max_backoff must be >= feed.reconnect_min_backoff")
	}
	if c.Feed.BufferSize < 1 {
		return fmt.Errorf("feed.buffer_size must be at least 1")
	}

	if c.Filters.SpikeMinThreshold < 0 {
		return fmt.Errorf("filters.spike_min_threshold must not be negative")
	}
	if c.Filters.SpikeFactor < 2 {
		return fmt.Errorf("filters.spike_factor must be at least 2")
	}
	if c.Filters.DiscrepancyEnabled && c.Filters.DiscrepancyMaxPercent <= 0 {
		return fmt.Errorf("filters.discrepancy_max_percent must be positive when enabled")
	}

	if c.Schedule.SampleInterval < time.Second {
		return fmt.Errorf("schedule.sample_interval must be at least 1 second")
	}
	if c.Schedule.MaintenanceInterval < time.Minute {
		return fmt.Errorf("schedule.maintenance_interval must be at least 1 minute")
	}
	if c.Schedule.RefreshInterval < time.Minute {
		return fmt.Errorf("schedule.refresh_interval must be at least 1 minute")
	}
	if c.Schedule.Workers < 1 {
		return fmt.Errorf("schedule.workers must be at least 1")
	}

	if c.Alerts.Enabled {
		if c.Alerts.BotToken == "" {
			return fmt.Errorf("alerts.bot_token is required when alerts are enabled")
		}
		if c.Alerts.ChatID == "" {
			return fmt.Errorf("alerts.chat_id is required when alerts are enabled")
		}
		for i, w := range c.Alerts.Watches {
			if w.ItemID == 0 {
				return fmt.Errorf("alerts.watches[%d].item_id must not be zero", i)
			}
			if w.MaxPrice <= 0 {
				return fmt.Errorf("alerts.watches[%d].max_price must be positive", i)
			}
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
