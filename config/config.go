//
// Tencent is pleased to support the open source community by making trpc-agent-dag available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-dag is licensed under the Apache License Version 2.0.
//
//

// Package config loads the configuration of the graph worker process.
//
// The file is YAML. ${VAR} references are expanded from the environment before
// parsing, so secrets can stay out of the file; LoadDotEnv fills the
// environment from .env files first.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Lock backends.
const (
	LockMemory   = "memory"
	LockSQL      = "sql"
	LockPostgres = "postgres"
	LockRedis    = "redis"
)

// Dispatch backends.
const (
	DispatchInline = "inline"
	DispatchPool   = "pool"
	DispatchRedis  = "redis"
)

// Config is the worker configuration.
type Config struct {
	// WorkerID is recorded on claimed nodes. Empty means "<hostname>-<pid>".
	WorkerID   string           `yaml:"worker_id"`
	Store      StoreConfig      `yaml:"store"`
	Lock       LockConfig       `yaml:"lock"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Redis      RedisConfig      `yaml:"redis"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Compaction CompactionConfig `yaml:"compaction"`
	Log        LogConfig        `yaml:"log"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Debug      DebugConfig      `yaml:"debug"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
}

// StoreConfig selects the graph store.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite and a connection string for postgres.
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// LockConfig selects the per-graph tick lock.
type LockConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
}

// DispatchConfig selects how claimed nodes reach runners.
type DispatchConfig struct {
	Backend    string        `yaml:"backend"`
	PoolSize   int           `yaml:"pool_size"`
	Queue      string        `yaml:"queue"`
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// RedisConfig is shared by the redis lock and queue.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SchedulerConfig tunes scheduling.
type SchedulerConfig struct {
	LeaseTTL time.Duration `yaml:"lease_ttl"`
	// ClaimLimit caps claims per tick; zero or less claims every ready node.
	ClaimLimit    int           `yaml:"claim_limit"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// CompactionConfig enables automatic compaction of old turns.
type CompactionConfig struct {
	Enabled       bool `yaml:"enabled"`
	KeepTurns     int  `yaml:"keep_turns"`
	TurnThreshold int  `yaml:"turn_threshold"`
}

// LogConfig configures the log package.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig configures trace and metric export.
type TelemetryConfig struct {
	Traces  TracesConfig  `yaml:"traces"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// TracesConfig configures OTLP trace export.
type TracesConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Protocol    string            `yaml:"protocol"`
	Endpoint    string            `yaml:"endpoint"`
	Headers     map[string]string `yaml:"headers"`
	SampleRatio *float64          `yaml:"sample_ratio"`
}

// MetricsConfig configures metric export. An empty exporter disables it.
type MetricsConfig struct {
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// DebugConfig configures the debug HTTP server. An empty address disables it.
type DebugConfig struct {
	Addr string `yaml:"addr"`
}

// OpenAIConfig configures the model behind agent_message nodes.
type OpenAIConfig struct {
	Model        string   `yaml:"model"`
	APIKey       string   `yaml:"api_key"`
	BaseURL      string   `yaml:"base_url"`
	Instruction  string   `yaml:"instruction"`
	HistoryLimit int      `yaml:"history_limit"`
	MaxTokens    *int     `yaml:"max_tokens"`
	Temperature  *float64 `yaml:"temperature"`
}

// Default returns the configuration used for unset fields.
func Default() *Config {
	return &Config{
		Store:    StoreConfig{Driver: DriverMemory},
		Lock:     LockConfig{Backend: LockMemory, TTL: 30 * time.Second},
		Dispatch: DispatchConfig{Backend: DispatchPool, PoolSize: 16, Queue: "dag:dispatch"},
		Scheduler: SchedulerConfig{
			LeaseTTL:      5 * time.Minute,
			ClaimLimit:    32,
			SweepInterval: 5 * time.Second,
		},
		Compaction: CompactionConfig{KeepTurns: 4, TurnThreshold: 12},
		Log:        LogConfig{Level: "info", Format: "console"},
		Telemetry: TelemetryConfig{
			Traces: TracesConfig{Protocol: "grpc"},
		},
		OpenAI: OpenAIConfig{Model: "gpt-4o-mini", APIKey: "${OPENAI_API_KEY}"},
	}
}

// LoadDotEnv loads variables from .env files into the environment without
// overriding variables already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the file at path over the defaults. An empty path returns the
// defaults. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.OpenAI.APIKey = os.ExpandEnv(cfg.OpenAI.APIKey)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML data over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.OpenAI.APIKey = os.ExpandEnv(cfg.OpenAI.APIKey)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks that the configuration can be wired.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Lock.Backend {
	case LockMemory:
	case LockSQL:
		if c.Store.Driver == DriverMemory {
			errs = append(errs, errors.New("lock.backend sql needs a sql store"))
		}
	case LockPostgres:
		if c.Store.Driver != DriverPostgres {
			errs = append(errs, errors.New("lock.backend postgres needs the postgres store"))
		}
	case LockRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis.url is required for lock.backend redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lock.backend %q", c.Lock.Backend))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, errors.New("lock.ttl must be positive"))
	}

	switch c.Dispatch.Backend {
	case DispatchInline:
	case DispatchPool:
		if c.Dispatch.PoolSize <= 0 {
			errs = append(errs, errors.New("dispatch.pool_size must be positive"))
		}
	case DispatchRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis.url is required for dispatch.backend redis"))
		}
		if c.Dispatch.PoolSize <= 0 {
			errs = append(errs, errors.New("dispatch.pool_size must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dispatch.backend %q", c.Dispatch.Backend))
	}

	if c.Scheduler.LeaseTTL <= 0 {
		errs = append(errs, errors.New("scheduler.lease_ttl must be positive"))
	}
	if c.Compaction.Enabled && (c.Compaction.KeepTurns < 0 || c.Compaction.TurnThreshold <= 0) {
		errs = append(errs, errors.New("compaction needs keep_turns >= 0 and turn_threshold > 0"))
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	switch c.Telemetry.Metrics.Exporter {
	case "", "otlp", "prometheus":
	default:
		errs = append(errs, fmt.Errorf("unknown telemetry.metrics.exporter %q", c.Telemetry.Metrics.Exporter))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}
