// Package config loads process configuration from an optional YAML file and
// the environment. The environment is read once, by Load.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Sternrassler/opstrat-data/pkg/cache"
	"github.com/Sternrassler/opstrat-data/pkg/client"
	"github.com/Sternrassler/opstrat-data/pkg/loader"
	"github.com/Sternrassler/opstrat-data/pkg/logging"
	"github.com/spf13/viper"
)

// Environment variables with fixed names. Every other key can be overridden
// as OPSTRAT_<SECTION>_<KEY>, e.g. OPSTRAT_API_REQUESTS_PER_MINUTE.
const (
	EnvPrefix   = "OPSTRAT"
	EnvToken    = "OPLAB_ACCESS_TOKEN"
	EnvCacheDir = "OPSTRAT_CACHE_DIR"

	// DefaultCacheDir is used when no cache directory is configured.
	DefaultCacheDir = "~/.opstrat_cache"
)

// Config is the process configuration.
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Loader  LoaderConfig  `mapstructure:"loader"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// APIConfig configures the provider client.
type APIConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Token             string        `mapstructure:"token"`
	UserAgent         string        `mapstructure:"user_agent"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	PageSize          int           `mapstructure:"page_size"`
	MaxPages          int           `mapstructure:"max_pages"`
}

// CacheConfig configures the cache tiers.
type CacheConfig struct {
	Dir             string        `mapstructure:"dir"`
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`
	SettleDelay     time.Duration `mapstructure:"settle_delay"`
	// RedisTTL bounds hot entries kept in Redis.
	RedisTTL time.Duration `mapstructure:"redis_ttl"`
}

// LoaderConfig configures range loads.
type LoaderConfig struct {
	Concurrency int    `mapstructure:"concurrency"`
	StrictEmpty bool   `mapstructure:"strict_empty"`
	Timezone    string `mapstructure:"timezone"`
}

// RedisConfig enables the shared hot tier and rate limit state. An empty
// Addr keeps both in process.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// MetricsConfig configures the metrics endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	d := client.DefaultConfig("")
	v.SetDefault("api.base_url", d.BaseURL)
	v.SetDefault("api.token", "")
	v.SetDefault("api.user_agent", d.UserAgent)
	v.SetDefault("api.requests_per_minute", d.RequestsPerMinute)
	v.SetDefault("api.timeout", d.Timeout)
	v.SetDefault("api.max_attempts", d.MaxAttempts)
	v.SetDefault("api.initial_backoff", d.InitialBackoff)
	v.SetDefault("api.max_backoff", d.MaxBackoff)
	v.SetDefault("api.page_size", d.PageSize)
	v.SetDefault("api.max_pages", d.MaxPages)

	c := cache.DefaultConfig("")
	v.SetDefault("cache.dir", "")
	v.SetDefault("cache.freshness_window", c.FreshnessWindow)
	v.SetDefault("cache.settle_delay", c.SettleDelay)
	v.SetDefault("cache.redis_ttl", 24*time.Hour)

	v.SetDefault("loader.concurrency", 1)
	v.SetDefault("loader.strict_empty", false)
	v.SetDefault("loader.timezone", "Local")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("log.level", string(logging.LevelInfo))
	v.SetDefault("log.pretty", false)

	v.SetDefault("metrics.addr", "")
}

// Load reads path (optional, YAML) and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("api.token", EnvToken, EnvPrefix+"_API_TOKEN"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("cache.dir", EnvCacheDir); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}

	dir, err := resolveCacheDir(cfg.Cache.Dir)
	if err != nil {
		return nil, err
	}
	cfg.Cache.Dir = dir

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveCacheDir falls back to DefaultCacheDir and expands a leading "~".
func resolveCacheDir(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = DefaultCacheDir
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve cache dir: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	return filepath.Clean(dir), nil
}

// Validate checks values that the components would reject later with less
// context. The token is checked by the client.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Loader.Concurrency < 0 {
		return fmt.Errorf("loader.concurrency must be >= 0 (got %d)", c.Loader.Concurrency)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("loader.timezone: %w", err)
	}
	if c.Cache.FreshnessWindow < 0 {
		return fmt.Errorf("cache.freshness_window must be >= 0 (got %s)", c.Cache.FreshnessWindow)
	}
	if c.Cache.SettleDelay < 0 {
		return fmt.Errorf("cache.settle_delay must be >= 0 (got %s)", c.Cache.SettleDelay)
	}
	if c.API.MaxAttempts < 1 {
		return fmt.Errorf("api.max_attempts must be >= 1 (got %d)", c.API.MaxAttempts)
	}
	return nil
}

// Location returns the time zone that decides the current month.
func (c *Config) Location() (*time.Location, error) {
	switch c.Loader.Timezone {
	case "", "Local":
		return time.Local, nil
	}
	return time.LoadLocation(c.Loader.Timezone)
}

// ClientConfig returns the API client configuration.
func (c *Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig(c.API.Token)
	cfg.BaseURL = c.API.BaseURL
	cfg.UserAgent = c.API.UserAgent
	cfg.RequestsPerMinute = c.API.RequestsPerMinute
	cfg.Timeout = c.API.Timeout
	cfg.MaxAttempts = c.API.MaxAttempts
	cfg.InitialBackoff = c.API.InitialBackoff
	cfg.MaxBackoff = c.API.MaxBackoff
	cfg.PageSize = c.API.PageSize
	cfg.MaxPages = c.API.MaxPages
	return cfg
}

// CacheConfig returns the cache manager configuration. The hot tier is
// chosen by the caller.
func (c *Config) CacheConfig() cache.Config {
	cfg := cache.DefaultConfig(c.Cache.Dir)
	cfg.FreshnessWindow = c.Cache.FreshnessWindow
	cfg.SettleDelay = c.Cache.SettleDelay
	return cfg
}

// LoaderOptions returns the loader options.
func (c *Config) LoaderOptions() (loader.Options, error) {
	loc, err := c.Location()
	if err != nil {
		return loader.Options{}, err
	}
	opts := loader.DefaultOptions()
	opts.Concurrency = c.Loader.Concurrency
	opts.StrictEmpty = c.Loader.StrictEmpty
	opts.Location = loc
	return opts, nil
}

// LoggingConfig returns the logging configuration.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(strings.ToLower(c.Log.Level))
	cfg.Pretty = c.Log.Pretty
	return cfg
}
