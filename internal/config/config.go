package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/rewired-gh/marketmovers/internal/models"
	"github.com/rewired-gh/marketmovers/internal/period"
)

// Config represents the complete application configuration
type Config struct {
	Detector DetectorConfig `mapstructure:"detector"`
	Ranking  RankingConfig  `mapstructure:"ranking"`
	Storage  StorageConfig  `mapstructure:"storage"`
	CSFloat  CSFloatConfig  `mapstructure:"csfloat"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	API      APIConfig      `mapstructure:"api"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DetectorConfig holds spike detection thresholds and write batching
type DetectorConfig struct {
	PricePercentThreshold    float64 `mapstructure:"price_percent_threshold"`
	QuantityPercentThreshold float64 `mapstructure:"quantity_percent_threshold"`
	MinAbsoluteQuantityDelta float64 `mapstructure:"min_absolute_quantity_delta"`
	Granularity              string  `mapstructure:"granularity"`
	BatchSize                int     `mapstructure:"batch_size"`
	Workers                  int     `mapstructure:"workers"`
}

// RankingConfig holds snapshot generation configuration
type RankingConfig struct {
	TopNLimit            int      `mapstructure:"top_n_limit"`
	RankingMetric        string   `mapstructure:"ranking_metric"`
	Modes                []string `mapstructure:"modes"`
	Categorize           bool     `mapstructure:"categorize"`
	SnapshotDateOverride string   `mapstructure:"snapshot_date_override"`
	DisableFallback      bool     `mapstructure:"disable_fallback"`
}

// StorageConfig holds database location and retention
type StorageConfig struct {
	DBPath               string        `mapstructure:"db_path"`
	ChangeRetention      time.Duration `mapstructure:"change_retention"`
	ObservationRetention time.Duration `mapstructure:"observation_retention"`
}

// CSFloatConfig holds price-list API configuration
type CSFloatConfig struct {
	URL        string        `mapstructure:"url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryWait  time.Duration `mapstructure:"retry_wait"`
	UserAgent  string        `mapstructure:"user_agent"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	Enabled  bool   `mapstructure:"enabled"`
}

// APIConfig holds the read API configuration
type APIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// ScheduleConfig holds the daemon's cron specs. An empty spec disables the job.
type ScheduleConfig struct {
	Ingest                 string `mapstructure:"ingest"`
	Detect                 string `mapstructure:"detect"`
	Rank                   string `mapstructure:"rank"`
	Prune                  string `mapstructure:"prune"`
	MaxConsecutiveFailures int    `mapstructure:"max_consecutive_failures"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file, a .env file in the working directory,
// and MARKETMOVERS_* environment variables. An empty path uses defaults and
// the environment only.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Enable environment variable override
	v.SetEnvPrefix("MARKETMOVERS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Detector defaults
	v.SetDefault("detector.price_percent_threshold", 0.15)
	v.SetDefault("detector.quantity_percent_threshold", 0.25)
	v.SetDefault("detector.min_absolute_quantity_delta", 3)
	v.SetDefault("detector.granularity", "hour")
	v.SetDefault("detector.batch_size", 500)
	v.SetDefault("detector.workers", 4)

	// Ranking defaults
	v.SetDefault("ranking.top_n_limit", 50)
	v.SetDefault("ranking.ranking_metric", "percent")
	v.SetDefault("ranking.modes", []string{"price", "quantity", "any"})
	v.SetDefault("ranking.categorize", true)
	v.SetDefault("ranking.snapshot_date_override", "")
	v.SetDefault("ranking.disable_fallback", false)

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/marketmovers.db")
	v.SetDefault("storage.change_retention", "72h")
	v.SetDefault("storage.observation_retention", "720h")

	// CSFloat defaults
	v.SetDefault("csfloat.url", "https://csfloat.com/api/v1/listings/price-list")
	v.SetDefault("csfloat.api_key", "")
	v.SetDefault("csfloat.timeout", "30s")
	v.SetDefault("csfloat.max_retries", 3)
	v.SetDefault("csfloat.retry_wait", "250ms")
	v.SetDefault("csfloat.user_agent", "marketmovers/1.0")

	// Telegram defaults
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.enabled", false)

	// API defaults
	v.SetDefault("api.listen_addr", ":8080")

	// Schedule defaults
	v.SetDefault("schedule.ingest", "1 * * * *")
	v.SetDefault("schedule.detect", "5 * * * *")
	v.SetDefault("schedule.rank", "10 * * * *")
	v.SetDefault("schedule.prune", "30 3 * * *")
	v.SetDefault("schedule.max_consecutive_failures", 3)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Detector config
	if c.Detector.PricePercentThreshold <= 0 {
		return fmt.Errorf("detector.price_percent_threshold must be greater than 0")
	}
	if c.Detector.QuantityPercentThreshold <= 0 {
		return fmt.Errorf("detector.quantity_percent_threshold must be greater than 0")
	}
	if c.Detector.MinAbsoluteQuantityDelta < 0 {
		return fmt.Errorf("detector.min_absolute_quantity_delta must not be negative")
	}
	if c.Detector.MinAbsoluteQuantityDelta != math.Trunc(c.Detector.MinAbsoluteQuantityDelta) {
		return fmt.Errorf("detector.min_absolute_quantity_delta must be a whole number of units")
	}
	if _, err := period.ParseGranularity(c.Detector.Granularity); err != nil {
		return fmt.Errorf("detector.granularity must be one of: hour, day")
	}
	if c.Detector.BatchSize < 1 {
		return fmt.Errorf("detector.batch_size must be at least 1")
	}
	if c.Detector.Workers < 1 {
		return fmt.Errorf("detector.workers must be at least 1")
	}

	// Validate Ranking config
	if c.Ranking.TopNLimit < 1 {
		return fmt.Errorf("ranking.top_n_limit must be at least 1")
	}
	if _, err := models.ParseMetric(c.Ranking.RankingMetric); err != nil {
		return fmt.Errorf("ranking.ranking_metric must be one of: percent, absolute")
	}
	if len(c.Ranking.Modes) == 0 {
		return fmt.Errorf("ranking.modes must contain at least one mode")
	}
	for _, m := range c.Ranking.Modes {
		if _, err := models.ParseMode(m); err != nil {
			return fmt.Errorf("ranking.modes: %w", err)
		}
	}
	if c.Ranking.SnapshotDateOverride != "" {
		if _, err := period.ParseDay(c.Ranking.SnapshotDateOverride); err != nil {
			return fmt.Errorf("ranking.snapshot_date_override must be YYYY-MM-DD: %w", err)
		}
	}

	// Validate Storage config
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	// ranking reads the requested day and the day before it
	if c.Storage.ChangeRetention < 48*time.Hour {
		return fmt.Errorf("storage.change_retention must be at least 48h")
	}
	if c.Storage.ObservationRetention < 2*time.Hour {
		return fmt.Errorf("storage.observation_retention must be at least 2h")
	}

	// Validate CSFloat config
	if c.CSFloat.URL == "" {
		return fmt.Errorf("csfloat.url is required")
	}
	if c.CSFloat.Timeout < time.Second {
		return fmt.Errorf("csfloat.timeout must be at least 1 second")
	}
	if c.CSFloat.MaxRetries < 0 {
		return fmt.Errorf("csfloat.max_retries must not be negative")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate API config
	if c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required")
	}

	// Validate Schedule config
	for name, spec := range map[string]string{
		"ingest": c.Schedule.Ingest,
		"detect": c.Schedule.Detect,
		"rank":   c.Schedule.Rank,
		"prune":  c.Schedule.Prune,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("schedule.%s is not a valid cron spec: %w", name, err)
		}
	}
	if c.Schedule.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("schedule.max_consecutive_failures must be at least 1")
	}

	// Validate Logging config
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

// Granularity returns the parsed detector granularity.
func (c *Config) Granularity() period.Granularity {
	g, err := period.ParseGranularity(c.Detector.Granularity)
	if err != nil {
		return period.Hourly
	}
	return g
}

// Metric returns the parsed ranking metric.
func (c *Config) Metric() models.Metric {
	m, err := models.ParseMetric(c.Ranking.RankingMetric)
	if err != nil {
		return models.MetricPercent
	}
	return m
}

// Modes returns the parsed ranking modes, skipping unknown names.
func (c *Config) Modes() []models.Mode {
	modes := make([]models.Mode, 0, len(c.Ranking.Modes))
	for _, s := range c.Ranking.Modes {
		if m, err := models.ParseMode(s); err == nil {
			modes = append(modes, m)
		}
	}
	return modes
}

// SnapshotDate returns the configured override day, or zero and false.
func (c *Config) SnapshotDate() (time.Time, bool) {
	if c.Ranking.SnapshotDateOverride == "" {
		return time.Time{}, false
	}
	d, err := period.ParseDay(c.Ranking.SnapshotDateOverride)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}
