// Package config loads datacontext settings from a YAML file and applies
// DATACONTEXT_* environment overrides on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreS3       = "s3"
)

// Cache drivers.
const (
	CacheNone   = "none"
	CacheMemory = "memory"
	CacheBadger = "badger"
)

// Metrics exporters.
const (
	MetricsNone       = "none"
	MetricsExpvar     = "expvar"
	MetricsPrometheus = "prometheus"
)

// Tracing exporters.
const (
	TracingNone = "none"
	TracingJSON = "json"
	TracingOTel = "otel"
)

// Config is the full runtime configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Cache   CacheConfig   `yaml:"cache"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// StoreConfig selects and parameterises the table provider.
type StoreConfig struct {
	Driver      string   `yaml:"driver"`
	SQLitePath  string   `yaml:"sqlite_path"`
	PostgresDSN string   `yaml:"postgres_dsn"`
	S3          S3Config `yaml:"s3"`
}

// S3Config mirrors the S3 provider settings.
type S3Config struct {
	Bucket      string `yaml:"bucket"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	Prefix      string `yaml:"prefix"`
	PathStyle   bool   `yaml:"path_style"`
	Concurrency int    `yaml:"concurrency"`
}

// CacheConfig selects the side-cache backend.
type CacheConfig struct {
	Driver string        `yaml:"driver"`
	TTL    time.Duration `yaml:"ttl"`
	// Size bounds the memory backend; zero means unbounded.
	Size int `yaml:"size"`
	// Path is the badger directory; empty runs badger in memory.
	Path string `yaml:"path"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig selects the engine metrics recorder.
type MetricsConfig struct {
	Driver    string `yaml:"driver"`
	Namespace string `yaml:"namespace"`
	// Path receives a snapshot when the session ends: the Prometheus text
	// format for prometheus, a JSON object for expvar. Empty skips it.
	Path string `yaml:"path"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Driver string `yaml:"driver"`
	// Path is the span output file; empty writes to the log stream.
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Store:   StoreConfig{Driver: StoreMemory, SQLitePath: "datacontext.db"},
		Cache:   CacheConfig{Driver: CacheMemory, TTL: 10 * time.Second},
		Log:     LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Driver: MetricsNone},
		Tracing: TracingConfig{Driver: TracingNone},
	}
}

// Load reads path (skipped when empty) over Default, then applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Environment overrides:
//
//	DATACONTEXT_STORE_DRIVER: memory|sqlite|postgres|s3
//	DATACONTEXT_SQLITE_PATH, DATACONTEXT_POSTGRES_DSN
//	DATACONTEXT_STORE_S3_{BUCKET,REGION,ENDPOINT,PREFIX,PATH_STYLE,CONCURRENCY}
//	DATACONTEXT_CACHE_DRIVER: none|memory|badger
//	DATACONTEXT_CACHE_TTL (Go duration), DATACONTEXT_CACHE_SIZE, DATACONTEXT_CACHE_PATH
//	DATACONTEXT_LOG_LEVEL, DATACONTEXT_LOG_FORMAT
//	DATACONTEXT_METRICS: none|expvar|prometheus
//	DATACONTEXT_METRICS_NAMESPACE, DATACONTEXT_METRICS_PATH
//	DATACONTEXT_TRACING: none|json|otel
//	DATACONTEXT_TRACING_PATH
func (c *Config) applyEnv() error {
	setString(&c.Store.Driver, "DATACONTEXT_STORE_DRIVER")
	setString(&c.Store.SQLitePath, "DATACONTEXT_SQLITE_PATH")
	setString(&c.Store.PostgresDSN, "DATACONTEXT_POSTGRES_DSN")
	setString(&c.Store.S3.Bucket, "DATACONTEXT_STORE_S3_BUCKET")
	setString(&c.Store.S3.Region, "DATACONTEXT_STORE_S3_REGION")
	setString(&c.Store.S3.Endpoint, "DATACONTEXT_STORE_S3_ENDPOINT")
	setString(&c.Store.S3.Prefix, "DATACONTEXT_STORE_S3_PREFIX")
	if v, ok := os.LookupEnv("DATACONTEXT_STORE_S3_PATH_STYLE"); ok {
		c.Store.S3.PathStyle = strings.EqualFold(v, "true")
	}
	if err := setInt(&c.Store.S3.Concurrency, "DATACONTEXT_STORE_S3_CONCURRENCY"); err != nil {
		return err
	}
	setString(&c.Cache.Driver, "DATACONTEXT_CACHE_DRIVER")
	setString(&c.Cache.Path, "DATACONTEXT_CACHE_PATH")
	if err := setInt(&c.Cache.Size, "DATACONTEXT_CACHE_SIZE"); err != nil {
		return err
	}
	if v := os.Getenv("DATACONTEXT_CACHE_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DATACONTEXT_CACHE_TTL: %w", err)
		}
		c.Cache.TTL = ttl
	}
	setString(&c.Log.Level, "DATACONTEXT_LOG_LEVEL")
	setString(&c.Log.Format, "DATACONTEXT_LOG_FORMAT")
	setString(&c.Metrics.Driver, "DATACONTEXT_METRICS")
	setString(&c.Metrics.Namespace, "DATACONTEXT_METRICS_NAMESPACE")
	setString(&c.Metrics.Path, "DATACONTEXT_METRICS_PATH")
	setString(&c.Tracing.Driver, "DATACONTEXT_TRACING")
	setString(&c.Tracing.Path, "DATACONTEXT_TRACING_PATH")
	return nil
}

func setString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case StoreMemory, StoreSQLite, StorePostgres:
	case StoreS3:
		if c.Store.S3.Bucket == "" {
			errs = append(errs, errors.New("store.s3.bucket required for s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	switch c.Cache.Driver {
	case CacheNone, CacheMemory, CacheBadger:
	default:
		errs = append(errs, fmt.Errorf("unknown cache driver %q", c.Cache.Driver))
	}
	if c.Cache.Driver != CacheNone && c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must be positive, got %s", c.Cache.TTL))
	}
	if c.Cache.Size < 0 {
		errs = append(errs, fmt.Errorf("cache.size must not be negative, got %d", c.Cache.Size))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	switch c.Metrics.Driver {
	case "", MetricsNone, MetricsExpvar, MetricsPrometheus:
	default:
		errs = append(errs, fmt.Errorf("unknown metrics driver %q", c.Metrics.Driver))
	}
	switch c.Tracing.Driver {
	case "", TracingNone, TracingJSON, TracingOTel:
	default:
		errs = append(errs, fmt.Errorf("unknown tracing driver %q", c.Tracing.Driver))
	}
	return errors.Join(errs...)
}
