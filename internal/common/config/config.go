// Package config provides configuration management for deskd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for deskd.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Agents      AgentsConfig      `mapstructure:"agents"`
	Provider    ProviderConfig    `mapstructure:"provider"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Storage     StorageConfig     `mapstructure:"storage"`
	ReloadCache ReloadCacheConfig `mapstructure:"reloadCache"`
	Session     SessionConfig     `mapstructure:"session"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// AgentsConfig bounds the process-wide agent population.
type AgentsConfig struct {
	// Max is the limiter capacity: the total number of concurrently live
	// agent instances (main + task + window) across all sessions.
	Max int `mapstructure:"max"`

	// AcquireTimeout is how long a main-agent creation may wait for a
	// limiter slot, in seconds. 0 means wait indefinitely.
	AcquireTimeout int `mapstructure:"acquireTimeout"`
}

// ProviderConfig selects the model provider backing new transports.
type ProviderConfig struct {
	// Name of the provider to use. Empty means auto-detect: the first
	// registered provider reporting itself available wins.
	Name string `mapstructure:"name"`

	// Model passed through to transports when set.
	Model string `mapstructure:"model"`

	// PoolSize caps the number of warm idle transports kept per session.
	PoolSize int `mapstructure:"poolSize"`

	// WarmSize is how many transports each new session starts eagerly,
	// so its first turns skip provider startup. 0 disables warmup.
	WarmSize int `mapstructure:"warmSize"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// StorageConfig selects the transcript store backend.
type StorageConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver   string         `mapstructure:"driver"`
	Path     string         `mapstructure:"path"` // sqlite database file
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// ReloadCacheConfig tunes the per-session action reload cache.
type ReloadCacheConfig struct {
	// Dir is the directory holding reload-cache/<sessionId>.json files.
	// Empty means <user config dir>/deskd.
	Dir string `mapstructure:"dir"`

	// SimilarityFloor is the minimum fingerprint score for a lookup match.
	SimilarityFloor float64 `mapstructure:"similarityFloor"`

	// SuggestThreshold is the minimum best-match score at which the pool
	// annotates the outgoing prompt with reload options.
	SuggestThreshold float64 `mapstructure:"suggestThreshold"`

	// MaxEntries caps entries per session; least recently hit are evicted.
	MaxEntries int `mapstructure:"maxEntries"`
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	// IdleTimeout is how long a session with no connections survives before
	// the janitor retires it, in seconds. 0 disables retirement.
	IdleTimeout int `mapstructure:"idleTimeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"` // OTLP HTTP endpoint, host:port
	ServiceName string  `mapstructure:"serviceName"`
	SampleRatio float64 `mapstructure:"sampleRatio"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// AcquireTimeoutDuration returns the limiter acquire timeout as a
// time.Duration. The configured zero (wait indefinitely) maps to the
// limiter's negative unbounded-wait form.
func (a *AgentsConfig) AcquireTimeoutDuration() time.Duration {
	if a.AcquireTimeout == 0 {
		return -1
	}
	return time.Duration(a.AcquireTimeout) * time.Second
}

// IdleTimeoutDuration returns the session idle timeout as a time.Duration.
// Zero means retirement is disabled.
func (s *SessionConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// CacheDir resolves the reload cache base directory. When unset it falls back
// to <user config dir>/deskd, or the working directory if that fails.
func (r *ReloadCacheConfig) CacheDir() string {
	if r.Dir != "" {
		return r.Dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return ".deskd"
	}
	return filepath.Join(base, "deskd")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("DESKD_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Agent limiter defaults
	v.SetDefault("agents.max", 10)
	v.SetDefault("agents.acquireTimeout", 0)

	// Provider defaults - empty name means auto-detect
	v.SetDefault("provider.name", "")
	v.SetDefault("provider.model", "")
	v.SetDefault("provider.poolSize", 2)
	v.SetDefault("provider.warmSize", 1)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "deskd-cluster")
	v.SetDefault("nats.clientId", "deskd-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Storage defaults
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./deskd.db")
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.user", "deskd")
	v.SetDefault("storage.postgres.password", "")
	v.SetDefault("storage.postgres.dbName", "deskd")
	v.SetDefault("storage.postgres.sslMode", "disable")
	v.SetDefault("storage.postgres.maxConns", 25)
	v.SetDefault("storage.postgres.minConns", 5)

	// Reload cache defaults
	v.SetDefault("reloadCache.dir", "")
	v.SetDefault("reloadCache.similarityFloor", 0.50)
	v.SetDefault("reloadCache.suggestThreshold", 0.90)
	v.SetDefault("reloadCache.maxEntries", 200)

	// Session defaults
	v.SetDefault("session.idleTimeout", 1800)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.serviceName", "deskd")
	v.SetDefault("tracing.sampleRatio", 1.0)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DESKD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.deskd/, or /etc/deskd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("DESKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose names differ from the config keys.
	// MAX_AGENTS, PORT, and PROVIDER are the historical plain names clients
	// already set; the DESKD_-prefixed forms work as well.
	_ = v.BindEnv("agents.max", "MAX_AGENTS", "DESKD_AGENTS_MAX")
	_ = v.BindEnv("server.port", "PORT", "DESKD_SERVER_PORT")
	_ = v.BindEnv("provider.name", "PROVIDER", "DESKD_PROVIDER_NAME")
	_ = v.BindEnv("reloadCache.dir", "DESKD_RELOADCACHE_DIR")
	_ = v.BindEnv("session.idleTimeout", "DESKD_SESSION_IDLETIMEOUT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".deskd"))
	}
	v.AddConfigPath("/etc/deskd/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Agents.Max <= 0 {
		errs = append(errs, "agents.max must be positive")
	}
	if cfg.Agents.AcquireTimeout < 0 {
		errs = append(errs, "agents.acquireTimeout must not be negative")
	}
	if cfg.Provider.WarmSize < 0 {
		errs = append(errs, "provider.warmSize must not be negative")
	}

	switch cfg.Storage.Driver {
	case "sqlite":
		if cfg.Storage.Path == "" {
			errs = append(errs, "storage.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Storage.Postgres.Host == "" {
			errs = append(errs, "storage.postgres.host is required for the postgres driver")
		}
		if cfg.Storage.Postgres.User == "" {
			errs = append(errs, "storage.postgres.user is required for the postgres driver")
		}
		if cfg.Storage.Postgres.DBName == "" {
			errs = append(errs, "storage.postgres.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "storage.driver must be one of: sqlite, postgres")
	}

	if cfg.ReloadCache.SimilarityFloor < 0 || cfg.ReloadCache.SimilarityFloor > 1 {
		errs = append(errs, "reloadCache.similarityFloor must be in [0, 1]")
	}
	if cfg.ReloadCache.SuggestThreshold < 0 || cfg.ReloadCache.SuggestThreshold > 1 {
		errs = append(errs, "reloadCache.suggestThreshold must be in [0, 1]")
	}
	if cfg.ReloadCache.SuggestThreshold < cfg.ReloadCache.SimilarityFloor {
		errs = append(errs, "reloadCache.suggestThreshold must not be below reloadCache.similarityFloor")
	}
	if cfg.ReloadCache.MaxEntries <= 0 {
		errs = append(errs, "reloadCache.maxEntries must be positive")
	}

	if cfg.Session.IdleTimeout < 0 {
		errs = append(errs, "session.idleTimeout must not be negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, "tracing.sampleRatio must be in [0, 1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode,
	)
}
