package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory    = "memory"
	BackendBigCache  = "bigcache"
	BackendRistretto = "ristretto"
	BackendRedis     = "redis"
)

// Entry codecs for the kv backends.
const (
	CodecCBOR    = "cbor"
	CodecMsgpack = "msgpack"
	CodecJSON    = "json"
	CodecProto   = "proto"
)

// DefaultManifest is the precache list of the ESFAS site.
var DefaultManifest = []string{
	"/",
	"/static/css/style.css",
	"/static/manifest.json",
	"/static/img/brasaoappcel.png",
	"/static/img/brasao.png",
	"/offline.html",
}

const DefaultGeneration = "esfas-app-v6.0"

// Config represents the proxy configuration. Values come from the YAML
// file first, then OFFCACHE_* environment variables override them.
type Config struct {
	Listen   string `yaml:"listen" env:"OFFCACHE_LISTEN"`
	Upstream string `yaml:"upstream" env:"OFFCACHE_UPSTREAM"`

	// Generation names the deployment. When empty and GenerationPrefix is
	// set, the name is derived from the manifest.
	Generation       string   `yaml:"generation" env:"OFFCACHE_GENERATION"`
	GenerationPrefix string   `yaml:"generation_prefix" env:"OFFCACHE_GENERATION_PREFIX"`
	Manifest         []string `yaml:"manifest" env:"OFFCACHE_MANIFEST" envSeparator:","`

	InstallConcurrency int           `yaml:"install_concurrency" env:"OFFCACHE_INSTALL_CONCURRENCY"`
	UpstreamTimeout    time.Duration `yaml:"upstream_timeout" env:"OFFCACHE_UPSTREAM_TIMEOUT"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" env:"OFFCACHE_SHUTDOWN_TIMEOUT"`

	Storage StorageConfig `yaml:"storage" envPrefix:"OFFCACHE_STORAGE_"`
	Log     LogConfig     `yaml:"log" envPrefix:"OFFCACHE_LOG_"`
}

type StorageConfig struct {
	Backend   string `yaml:"backend" env:"BACKEND"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	Codec     string `yaml:"codec" env:"CODEC"`
	// MaxEntryBytes caps one encoded entry; 0 = unlimited.
	MaxEntryBytes int `yaml:"max_entry_bytes" env:"MAX_ENTRY_BYTES"`

	BigCache  BigCacheConfig  `yaml:"bigcache" envPrefix:"BIGCACHE_"`
	Ristretto RistrettoConfig `yaml:"ristretto" envPrefix:"RISTRETTO_"`
	Redis     RedisConfig     `yaml:"redis" envPrefix:"REDIS_"`
}

type BigCacheConfig struct {
	HardMaxCacheSizeMB int `yaml:"hard_max_cache_size_mb" env:"HARD_MAX_CACHE_SIZE_MB"`
	MaxEntrySize       int `yaml:"max_entry_size" env:"MAX_ENTRY_SIZE"`
}

type RistrettoConfig struct {
	NumCounters int64 `yaml:"num_counters" env:"NUM_COUNTERS"`
	MaxCost     int64 `yaml:"max_cost" env:"MAX_COST"`
	BufferItems int64 `yaml:"buffer_items" env:"BUFFER_ITEMS"`
	// Metrics exports Ristretto's counters on /metrics.
	Metrics bool `yaml:"metrics" env:"METRICS"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

type LogConfig struct {
	Level       string `yaml:"level" env:"LEVEL"`
	Development bool   `yaml:"development" env:"DEVELOPMENT"`
}

// LoadConfig loads configuration from configPath, applies environment
// overrides and defaults, and validates the result. An empty configPath
// skips the file.
func LoadConfig(configPath string, logger *zap.Logger) (*Config, error) {
	var cfg Config

	if configPath != "" {
		logger.Info("Loading configuration", zap.String("path", configPath))
		file, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer func() { _ = file.Close() }()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to decode YAML config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Generation == "" && c.GenerationPrefix == "" {
		c.Generation = DefaultGeneration
	}
	if len(c.Manifest) == 0 {
		c.Manifest = append([]string(nil), DefaultManifest...)
	}
	if c.InstallConcurrency <= 0 {
		c.InstallConcurrency = 4
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = 15 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	if c.Storage.Codec == "" {
		c.Storage.Codec = CodecCBOR
	}
	if c.Storage.Ristretto.NumCounters <= 0 {
		c.Storage.Ristretto.NumCounters = 10_000
	}
	if c.Storage.Ristretto.MaxCost <= 0 {
		c.Storage.Ristretto.MaxCost = 64 << 20
	}
	if c.Storage.Ristretto.BufferItems <= 0 {
		c.Storage.Ristretto.BufferItems = 64
	}
	if c.Storage.Redis.Addr == "" {
		c.Storage.Redis.Addr = "localhost:6379"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Upstream == "" {
		errs = append(errs, errors.New("upstream is required"))
	} else if u, err := url.Parse(c.Upstream); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream %q must be an absolute URL", c.Upstream))
	} else if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		// the proxy joins request paths onto the upstream path while the
		// manifest resolves against its origin; both agree only at the root
		errs = append(errs, fmt.Errorf("upstream %q must not carry a path, query or fragment", c.Upstream))
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendBigCache, BackendRistretto, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	switch c.Storage.Codec {
	case CodecCBOR, CodecMsgpack, CodecJSON, CodecProto:
	default:
		errs = append(errs, fmt.Errorf("unknown storage codec %q", c.Storage.Codec))
	}
	if c.Storage.MaxEntryBytes < 0 {
		errs = append(errs, errors.New("storage.max_entry_bytes must not be negative"))
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
