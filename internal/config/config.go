// Package config resolves the single configuration bundle the service runs on.
//
// Resolution order is: built-in defaults, then the JSON config file, then
// environment overrides. Environment always wins. A missing or malformed file
// is logged and the service starts on defaults; configuration is read once at
// startup and never reloaded.
package config

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// DefaultConfigFile is the documented relative location of the config file,
// overridable with the CONFIG_FILE environment variable.
const DefaultConfigFile = "config/config.json"

// Config is the immutable configuration bundle passed by reference to every
// component at startup.
type Config struct {
	// StreamURLs is a small fixed list of equivalent upstream WebSocket
	// endpoints. The stream client rotates through them on repeated failures.
	StreamURLs []string `mapstructure:"streamUrls"`

	// Symbols is the list of uppercase contracts to track.
	Symbols []string `mapstructure:"symbols"`

	// Port is the HTTP listen port.
	Port int `mapstructure:"port"`

	// ReconnectInterval is the base reconnect backoff in milliseconds.
	ReconnectInterval int `mapstructure:"reconnectInterval"`

	// MaxReconnectAttempts caps consecutive failed connection attempts
	// before the process gives up and exits non-zero.
	MaxReconnectAttempts int `mapstructure:"maxReconnectAttempts"`

	// MaxHistoryLength bounds the per-symbol ring of the in-memory storage
	// variant. The database variant keeps the full series.
	MaxHistoryLength int `mapstructure:"maxHistoryLength"`

	// DatabaseURL selects the TimescaleDB storage variant when non-empty.
	DatabaseURL string `mapstructure:"databaseUrl"`

	// CacheURL enables the optional redis mirror of the latest-tick cache.
	CacheURL string `mapstructure:"cacheUrl"`

	// Connection pool limits for the database variant.
	PoolMinConns       int `mapstructure:"poolMinConns"`
	PoolMaxConns       int `mapstructure:"poolMaxConns"`
	PoolIdleTimeout    int `mapstructure:"poolIdleTimeout"`    // seconds
	PoolConnectTimeout int `mapstructure:"poolConnectTimeout"` // seconds

	// CacheTTL is the redis mirror expiry in seconds.
	CacheTTL int `mapstructure:"cacheTtl"`

	// Rate limiting: a general fixed window for read endpoints and a
	// stricter window for compute-heavy and write endpoints.
	RateLimitWindow  int `mapstructure:"rateLimitWindow"` // seconds
	RateLimitMax     int `mapstructure:"rateLimitMax"`
	HeavyLimitWindow int `mapstructure:"heavyLimitWindow"` // seconds
	HeavyLimitMax    int `mapstructure:"heavyLimitMax"`

	// Ingest batching parameters.
	BatchSize    int `mapstructure:"batchSize"`
	BatchTimeout int `mapstructure:"batchTimeout"` // milliseconds

	// IndicatorWindow is the number of recent ticks indicator endpoints
	// compute over.
	IndicatorWindow int `mapstructure:"indicatorWindow"`

	// LogLevel selects the zerolog level (trace..panic).
	LogLevel string `mapstructure:"logLevel"`
}

// ReconnectBase returns the reconnect base interval as a duration.
func (c *Config) ReconnectBase() time.Duration {
	return time.Duration(c.ReconnectInterval) * time.Millisecond
}

// BatchWindow returns the ingest batch timeout as a duration.
func (c *Config) BatchWindow() time.Duration {
	return time.Duration(c.BatchTimeout) * time.Millisecond
}

// CacheExpiry returns the redis mirror TTL as a duration.
func (c *Config) CacheExpiry() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}

// setDefaults registers the built-in fallback values for every option.
func setDefaults(v *viper.Viper) {
	v.SetDefault("streamUrls", []string{
		"wss://fstream.binance.com/ws",
		"wss://fstream.binance.com:443/ws",
	})
	v.SetDefault("symbols", []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"})
	v.SetDefault("port", 3000)
	v.SetDefault("reconnectInterval", 5000)
	v.SetDefault("maxReconnectAttempts", 10)
	v.SetDefault("maxHistoryLength", 1000)
	v.SetDefault("databaseUrl", "")
	v.SetDefault("cacheUrl", "")
	v.SetDefault("poolMinConns", 2)
	v.SetDefault("poolMaxConns", 10)
	v.SetDefault("poolIdleTimeout", 30)
	v.SetDefault("poolConnectTimeout", 5)
	v.SetDefault("cacheTtl", 60)
	v.SetDefault("rateLimitWindow", 60)
	v.SetDefault("rateLimitMax", 120)
	v.SetDefault("heavyLimitWindow", 60)
	v.SetDefault("heavyLimitMax", 10)
	v.SetDefault("batchSize", 50)
	v.SetDefault("batchTimeout", 2000)
	v.SetDefault("indicatorWindow", 100)
	v.SetDefault("logLevel", "info")
}

// Load resolves the configuration bundle from the given file path. An empty
// path falls back to CONFIG_FILE, then to DefaultConfigFile.
func Load(path string) *Config {
	v := viper.New()
	setDefaults(v)

	// Environment overrides beat both file and defaults.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("databaseUrl", "DATABASE_URL")
	_ = v.BindEnv("cacheUrl", "REDIS_URL")
	_ = v.BindEnv("logLevel", "LOG_LEVEL")

	if path == "" {
		path = v.GetString("CONFIG_FILE")
	}
	if path == "" {
		path = DefaultConfigFile
	}

	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		// A broken or absent file never blocks startup.
		log.Warn().Err(err).Str("path", path).
			Msg("config file not usable, continuing with defaults")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		log.Warn().Err(err).Msg("config unmarshal failed, continuing with defaults")
		fallback := viper.New()
		setDefaults(fallback)
		_ = fallback.Unmarshal(cfg)
	}

	normalize(cfg)
	return cfg
}

// normalize clamps out-of-range values back to usable ones and uppercases
// the tracked symbol list.
func normalize(cfg *Config) {
	for i, s := range cfg.Symbols {
		cfg.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 2000
	}
	if cfg.MaxHistoryLength <= 0 {
		cfg.MaxHistoryLength = 1000
	}
	if cfg.IndicatorWindow <= 0 {
		cfg.IndicatorWindow = 100
	}
	if cfg.PoolMaxConns < cfg.PoolMinConns {
		cfg.PoolMaxConns = cfg.PoolMinConns
	}
	if len(cfg.StreamURLs) == 0 {
		cfg.StreamURLs = []string{"wss://fstream.binance.com/ws"}
	}
}
