package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	// Directory for the dataset cache and checkpoints
	// Default: ~/.local/share/scrobbling
	DataDir string

	// IANA zone used for derived calendar fields
	// Default: "UTC"
	Timezone string

	// Log level (debug, info, warn, error)
	LogLevel string

	// Last.fm API access
	LastFM LastFMConfig

	// Extraction tuning
	Extract ExtractConfig

	// Client-side request ceilings
	RateLimit RateLimitConfig
}

// LastFMConfig holds Last.fm specific configuration
type LastFMConfig struct {
	APIKey  string
	BaseURL string
}

// ExtractConfig tunes the extraction loop and retry policy
type ExtractConfig struct {
	PageSize             int
	CheckpointEvery      int
	MaxConsecutiveErrors int
	MaxAttempts          int
	BackoffBase          time.Duration
	RateLimitFallback    time.Duration
	RateLimitMargin      time.Duration
}

// RateLimitConfig holds the per-second, per-minute and per-hour ceilings
type RateLimitConfig struct {
	PerSecond int
	PerMinute int
	PerHour   int
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	return load(getConfigDir())
}

func load(configDir string) (*Config, error) {
	v := viper.New()

	// Set config name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Config file locations (in order of precedence)
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	// Set defaults
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("timezone", "UTC")
	v.SetDefault("log_level", "info")
	v.SetDefault("lastfm.base_url", "")
	v.SetDefault("extract.page_size", 200)
	v.SetDefault("extract.checkpoint_every", 50)
	v.SetDefault("extract.max_consecutive_errors", 10)
	v.SetDefault("extract.max_attempts", 5)
	v.SetDefault("extract.backoff_base", "2s")
	v.SetDefault("extract.rate_limit_fallback", "30s")
	v.SetDefault("extract.rate_limit_margin", "1s")
	v.SetDefault("ratelimit.per_second", 4)
	v.SetDefault("ratelimit.per_minute", 200)
	v.SetDefault("ratelimit.per_hour", 10000)

	// Read config file (optional - don't fail if missing)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Read from environment variables, e.g. SCROBBLING_LASTFM_API_KEY
	v.SetEnvPrefix("SCROBBLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("lastfm.api_key")

	// Map config to struct
	cfg := &Config{
		DataDir:  v.GetString("data_dir"),
		Timezone: v.GetString("timezone"),
		LogLevel: v.GetString("log_level"),
		LastFM: LastFMConfig{
			APIKey:  v.GetString("lastfm.api_key"),
			BaseURL: v.GetString("lastfm.base_url"),
		},
		Extract: ExtractConfig{
			PageSize:             v.GetInt("extract.page_size"),
			CheckpointEvery:      v.GetInt("extract.checkpoint_every"),
			MaxConsecutiveErrors: v.GetInt("extract.max_consecutive_errors"),
			MaxAttempts:          v.GetInt("extract.max_attempts"),
			BackoffBase:          v.GetDuration("extract.backoff_base"),
			RateLimitFallback:    v.GetDuration("extract.rate_limit_fallback"),
			RateLimitMargin:      v.GetDuration("extract.rate_limit_margin"),
		},
		RateLimit: RateLimitConfig{
			PerSecond: v.GetInt("ratelimit.per_second"),
			PerMinute: v.GetInt("ratelimit.per_minute"),
			PerHour:   v.GetInt("ratelimit.per_hour"),
		},
	}

	return cfg, nil
}

// Validate checks ranges. It does not require an API key; commands that
// talk to Last.fm check that separately.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Extract.PageSize < 1 || c.Extract.PageSize > 200 {
		return fmt.Errorf("extract.page_size must be between 1 and 200, got %d", c.Extract.PageSize)
	}
	if c.Extract.CheckpointEvery < 1 {
		return fmt.Errorf("extract.checkpoint_every must be positive, got %d", c.Extract.CheckpointEvery)
	}
	if c.Extract.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("extract.max_consecutive_errors must be positive, got %d", c.Extract.MaxConsecutiveErrors)
	}
	if c.Extract.MaxAttempts < 1 {
		return fmt.Errorf("extract.max_attempts must be positive, got %d", c.Extract.MaxAttempts)
	}
	if c.Extract.BackoffBase <= 0 || c.Extract.RateLimitFallback <= 0 || c.Extract.RateLimitMargin < 0 {
		return fmt.Errorf("extract backoff durations must be positive")
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.PerMinute < 0 || c.RateLimit.PerHour < 0 {
		return fmt.Errorf("ratelimit ceilings must not be negative")
	}
	return nil
}

// Location resolves Timezone
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// CheckpointDir is where extraction checkpoints live
func (c *Config) CheckpointDir() string {
	return filepath.Join(c.DataDir, "checkpoints")
}

// CachePath is the dataset cache database
func (c *Config) CachePath() string {
	return filepath.Join(c.DataDir, "scrobbles.db")
}

// getConfigDir returns the configuration directory path
// Creates the directory if it doesn't exist
func getConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	configDir := filepath.Join(homeDir, ".config", "scrobbling")

	// Create config directory if it doesn't exist
	_ = os.MkdirAll(configDir, 0755)

	return configDir
}

// GetConfigDir returns the configuration directory path (public helper)
func GetConfigDir() string {
	return getConfigDir()
}

func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "data")
	}
	return filepath.Join(homeDir, ".local", "share", "scrobbling")
}
