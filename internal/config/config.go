// Package config loads daemon configuration: a single Config struct
// composed of nested sections, DefaultConfig returning
// zero-dependency-safe defaults, and LoadFromFile/LoadFromEnv layering
// JSON/YAML file content and ENGINEHOST_-prefixed environment overrides
// on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FactoryConfig holds the default engine-factory settings used when a
// factory definition does not override them.
type FactoryConfig struct {
	Capacity        int32  `json:"capacity" yaml:"capacity"`
	MaxHeapSize     uint64 `json:"max_heap_size" yaml:"max_heap_size"`
	PanicOnOverflow bool   `json:"panic_on_overflow" yaml:"panic_on_overflow"`
}

// SchedulerConfig holds the reference scheduler's worker-pool settings.
type SchedulerConfig struct {
	MinWorkers int `json:"min_workers" yaml:"min_workers"`
	MaxWorkers int `json:"max_workers" yaml:"max_workers"`
	QueueDepth int `json:"queue_depth" yaml:"queue_depth"`
}

// ChannelConfig holds channel-registry settings.
type ChannelConfig struct {
	InitialGray uint64 `json:"initial_gray" yaml:"initial_gray"`
}

// TelemetryConfig holds Prometheus metrics settings.
type TelemetryConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// ObservabilityConfig holds OpenTelemetry tracing settings.
type ObservabilityConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"` // otlp-http, stdout
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"` // debug, info, warn, error
	Format string `json:"format" yaml:"format"`
}

// PostgresConfig holds the optional audit-store connection settings.
type PostgresConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

// RedisConfig holds the optional cross-process wake-notifier settings.
type RedisConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// CodeSourceConfig holds the optional S3-backed bytecode source settings.
type CodeSourceConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Bucket  string `json:"bucket" yaml:"bucket"`
	Region  string `json:"region" yaml:"region"`
	Prefix  string `json:"prefix" yaml:"prefix"`
}

// DaemonConfig holds daemon process settings.
type DaemonConfig struct {
	LogLevel        string        `json:"log_level" yaml:"log_level"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Config is the root configuration object.
type Config struct {
	Daemon       DaemonConfig        `json:"daemon" yaml:"daemon"`
	Factory      FactoryConfig       `json:"factory" yaml:"factory"`
	Scheduler    SchedulerConfig     `json:"scheduler" yaml:"scheduler"`
	Channel      ChannelConfig       `json:"channel" yaml:"channel"`
	Telemetry    TelemetryConfig     `json:"telemetry" yaml:"telemetry"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
	Logging      LoggingConfig       `json:"logging" yaml:"logging"`
	Postgres     PostgresConfig      `json:"postgres" yaml:"postgres"`
	Redis        RedisConfig         `json:"redis" yaml:"redis"`
	CodeSource   CodeSourceConfig    `json:"code_source" yaml:"code_source"`
}

// DefaultConfig returns a Config with conservative, dependency-free
// defaults: no Postgres DSN, no Redis address, no S3 code source, tracing
// and the code source disabled.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			LogLevel:        "info",
			ShutdownTimeout: 10 * time.Second,
		},
		Factory: FactoryConfig{
			Capacity:        8,
			MaxHeapSize:     16 * 1024 * 1024,
			PanicOnOverflow: true,
		},
		Scheduler: SchedulerConfig{
			MinWorkers: 2,
			MaxWorkers: 8,
			QueueDepth: 256,
		},
		Channel: ChannelConfig{
			InitialGray: 0,
		},
		Telemetry: TelemetryConfig{
			Enabled:   true,
			Namespace: "enginehost",
		},
		Observability: ObservabilityConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "enginehost",
			SampleRate:  1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		CodeSource: CodeSourceConfig{
			Enabled: false,
		},
	}
}

// LoadFromFile unmarshals JSON or YAML (selected by file extension) over
// DefaultConfig's values.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	}
	return cfg, nil
}

// LoadFromEnv applies ENGINEHOST_-prefixed environment variable overrides
// on top of cfg.
func LoadFromEnv(cfg *Config) *Config {
	if v := os.Getenv("ENGINEHOST_PG_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("ENGINEHOST_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ENGINEHOST_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("ENGINEHOST_FACTORY_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Factory.Capacity = int32(n)
		}
	}
	if v := os.Getenv("ENGINEHOST_FACTORY_MAX_HEAP"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Factory.MaxHeapSize = n
		}
	}
	if v := os.Getenv("ENGINEHOST_TRACING_ENABLED"); v != "" {
		cfg.Observability.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("ENGINEHOST_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Endpoint = v
	}
	if v := os.Getenv("ENGINEHOST_CODE_SOURCE_BUCKET"); v != "" {
		cfg.CodeSource.Bucket = v
		cfg.CodeSource.Enabled = true
	}
	return cfg
}
