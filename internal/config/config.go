// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/firescrape/internal/auth"
	gcsstorage "github.com/JakeFAU/firescrape/internal/storage/gcs"
	localstorage "github.com/JakeFAU/firescrape/internal/storage/local"
)

// EnvPrefix prefixes every environment override, e.g. FIRESCRAPE_FIRECRAWL_API_KEY.
const EnvPrefix = "FIRESCRAPE"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      auth.Config     `mapstructure:"auth"`
	Firecrawl FirecrawlConfig `mapstructure:"firecrawl"`
	Store     StoreConfig     `mapstructure:"store"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// FirecrawlConfig configures the external scrape API.
type FirecrawlConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	UserAgent string `mapstructure:"user_agent"`
	// DefaultTimeout applies when a run sets no timeout of its own.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// TimeoutGrace is added on top of the run timeout for the HTTP call.
	TimeoutGrace time.Duration `mapstructure:"timeout_grace"`
	// MaxTimeout caps the timeout a run may request.
	MaxTimeout time.Duration `mapstructure:"max_timeout"`
}

// StoreConfig selects the run store.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// StorageConfig selects where finished results are archived.
type StorageConfig struct {
	// Backend is none, memory, local or gcs.
	Backend string              `mapstructure:"backend"`
	Prefix  string              `mapstructure:"prefix"`
	Local   localstorage.Config `mapstructure:"local"`
	GCS     gcsstorage.Config   `mapstructure:"gcs"`

	// RetryAttempts bounds archive upload attempts per run.
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
}

// PubSubConfig holds metadata for run notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// StreamConfig tunes live run streams.
type StreamConfig struct {
	// Bus is memory or redis.
	Bus                 string        `mapstructure:"bus"`
	ChannelPrefix       string        `mapstructure:"channel_prefix"`
	Buffer              int           `mapstructure:"buffer"`
	ObservePollInterval time.Duration `mapstructure:"observe_poll_interval"`
}

// RedisConfig locates the Redis server backing the run bus.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RateLimitConfig throttles external calls per owner.
type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	RPS     float64       `mapstructure:"rps"`
	Burst   int           `mapstructure:"burst"`
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

// ProgressConfig controls the lifecycle event hub.
type ProgressConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	LogEnabled    bool          `mapstructure:"log_enabled"`
	BufferSize    int           `mapstructure:"buffer_size"`
	MaxBatch      int           `mapstructure:"max_batch"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	SinkTimeout   time.Duration `mapstructure:"sink_timeout"`
}

// DispatchConfig tunes terminal recording.
type DispatchConfig struct {
	FinalizeTimeout time.Duration `mapstructure:"finalize_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	cfg, err := read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDatabase reads only what schema migrations need, so they can run
// without the rest of the service being configured.
func LoadDatabase(path string) (DBConfig, error) {
	cfg, err := read(path)
	if err != nil {
		return DBConfig{}, err
	}
	if cfg.DB.DSN == "" {
		return DBConfig{}, fmt.Errorf("db.dsn is required")
	}
	return cfg.DB, nil
}

func read(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.mode", auth.ModeNone)
	v.SetDefault("auth.dev_owner", auth.DefaultDevOwner)
	v.SetDefault("auth.header", auth.DefaultOwnerHeader)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_public_key", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev")
	v.SetDefault("firecrawl.api_key", "")
	v.SetDefault("firecrawl.user_agent", "firescrape/1.0")
	v.SetDefault("firecrawl.default_timeout", 30*time.Second)
	v.SetDefault("firecrawl.timeout_grace", 5*time.Second)
	v.SetDefault("firecrawl.max_timeout", 120*time.Second)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("db.migrate_on_start", false)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.prefix", "runs")
	v.SetDefault("storage.local.base_dir", "./data/archive")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.cache_control", "")
	v.SetDefault("storage.retry_attempts", 3)
	v.SetDefault("storage.retry_base_delay", 250*time.Millisecond)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("stream.bus", "memory")
	v.SetDefault("stream.channel_prefix", "firescrape:runs")
	v.SetDefault("stream.buffer", 32)
	v.SetDefault("stream.observe_poll_interval", 2*time.Second)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.rps", 2.0)
	v.SetDefault("ratelimit.burst", 5)
	v.SetDefault("ratelimit.idle_ttl", 10*time.Minute)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch", 100)
	v.SetDefault("progress.flush_interval", 250*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 5*time.Second)
	v.SetDefault("dispatch.finalize_timeout", 10*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "firescrape")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Firecrawl.APIKey) == "" {
		return fmt.Errorf("firecrawl.api_key is required")
	}
	if c.Firecrawl.DefaultTimeout <= 0 {
		return fmt.Errorf("firecrawl.default_timeout must be > 0")
	}
	if c.Firecrawl.TimeoutGrace < 0 {
		return fmt.Errorf("firecrawl.timeout_grace must be >= 0")
	}
	if c.Firecrawl.MaxTimeout < c.Firecrawl.DefaultTimeout {
		return fmt.Errorf("firecrawl.max_timeout must be >= firecrawl.default_timeout")
	}
	switch c.Auth.Mode {
	case auth.ModeNone, auth.ModeHeader:
	case auth.ModeJWT:
		if c.Auth.JWTSecret == "" && c.Auth.JWTPublicKey == "" {
			return fmt.Errorf("auth.jwt_secret or auth.jwt_public_key must be set when auth.mode is jwt")
		}
	default:
		return fmt.Errorf("auth.mode must be one of none, header, jwt")
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when store.backend is postgres")
		}
	default:
		return fmt.Errorf("store.backend must be memory or postgres")
	}
	switch c.Storage.Backend {
	case "", "none", "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set when storage.backend is local")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be none, memory, local or gcs")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	switch c.Stream.Bus {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr must be set when stream.bus is redis")
		}
	default:
		return fmt.Errorf("stream.bus must be memory or redis")
	}
	if c.Stream.ObservePollInterval <= 0 {
		return fmt.Errorf("stream.observe_poll_interval must be > 0")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("ratelimit.rps must be > 0 when rate limiting is enabled")
	}
	if c.Dispatch.FinalizeTimeout <= 0 {
		return fmt.Errorf("dispatch.finalize_timeout must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// MaxTimeoutMs is the largest per-run timeout accepted at creation.
func (c Config) MaxTimeoutMs() int {
	return int(c.Firecrawl.MaxTimeout / time.Millisecond)
}
