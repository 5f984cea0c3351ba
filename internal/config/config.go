// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates batchwright's process configuration:
// storage backend, message bus tuning, scheduler cadence, and worker
// concurrency, shared by cmd/batchsched, cmd/batchorch, and cmd/batchctl.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	batcherrors "github.com/batchwright/batchwright/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config represents the complete batchwright process configuration.
type Config struct {
	// Version indicates the config format version (1 = initial release).
	Version int `yaml:"version,omitempty"`

	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Bus       BusConfig       `yaml:"bus"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level"`
	// Format sets the output format (json, text).
	Format string `yaml:"format"`
	// AddSource adds source file/line information to log entries.
	AddSource bool `yaml:"add_source"`
}

// StoreConfig configures the relational backend shared by the scheduler
// and orchestrator.
type StoreConfig struct {
	// Driver selects the SQL driver: "postgres" or "sqlite".
	Driver string `yaml:"driver"`

	// DSN is the driver-specific connection string.
	// For postgres: a libpq-style connection URL.
	// For sqlite: a filesystem path, or ":memory:" for ephemeral stores.
	DSN string `yaml:"dsn"`

	// MaxOpenConns caps the connection pool size.
	MaxOpenConns int `yaml:"max_open_conns"`

	// MigrationsTable names the goose-managed migration bookkeeping table.
	MigrationsTable string `yaml:"migrations_table,omitempty"`
}

// BusConfig configures the SQL-backed message bus (bus_messages table).
type BusConfig struct {
	// DuplicateWindow is the interval within which a message with the same
	// dedup key is treated as already delivered. Validate requires it to be
	// positive, but the SQL bus does not read it: it always applies a
	// fixed 10-minute window.
	DuplicateWindow time.Duration `yaml:"duplicate_window"`

	// MessageTTL is how long a message stays deliverable before
	// ReapExpiredLocks dead-letters it. Validate requires it to be
	// positive, but the SQL bus does not read it: it stamps every message
	// with a fixed 7-day expiry.
	MessageTTL time.Duration `yaml:"message_ttl"`

	// MaxDeliveryAttempts is the number of deliveries attempted before a
	// message is dead-lettered by ReapExpiredLocks. Neither daemon reads
	// it or calls ReapExpiredLocks.
	MaxDeliveryAttempts int `yaml:"max_delivery_attempts"`

	// PollInterval is how often a subscriber polls bus_messages for new
	// rows on its topic. The orchestrator does not read it; its claim
	// loops use orchestrator.DefaultPollInterval.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SchedulerConfig configures batchsched's tick loop.
type SchedulerConfig struct {
	// TickInterval is how often the scheduler loop evaluates active
	// runbooks for due phases and poll sweeps.
	TickInterval time.Duration `yaml:"tick_interval"`

	// LeaderLockName names the scheduler singleton. batchsched does not
	// read it and takes no lock, so nothing stops a second scheduler
	// instance from running the tick loop at the same time.
	LeaderLockName string `yaml:"leader_lock_name"`
}

// OrchestratorConfig configures batchorch's event router and worker pool.
type OrchestratorConfig struct {
	// Concurrency is the router's worker count: how many claimed messages
	// each claim loop handles at once, and how many members a phase-due
	// event materializes in parallel.
	Concurrency int `yaml:"concurrency"`

	// WorkerID identifies this orchestrator instance in its WithWorker log
	// fields.
	WorkerID string `yaml:"worker_id"`

	// ShutdownTimeout is a bound on waiting for in-flight handlers during
	// shutdown. batchorch does not read it; Router.Stop waits for in-flight
	// handlers with no time limit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// Enabled turns on the Prometheus metrics HTTP endpoint and OTel
	// tracer provider. Opt-in, matching the ambient default elsewhere.
	Enabled bool `yaml:"enabled"`

	// MetricsAddr is the listen address for the Prometheus /metrics
	// handler (e.g. ":9090").
	MetricsAddr string `yaml:"metrics_addr"`

	// ServiceName is the OTel resource service.name attribute.
	ServiceName string `yaml:"service_name"`

	// TraceExporter selects the trace exporter: "stdout" or "none".
	TraceExporter string `yaml:"trace_exporter"`
}

// Default returns a Config with sensible defaults, using a local sqlite
// store so the binaries run without any external dependency.
func Default() *Config {
	return &Config{
		Version: 1,
		Log: LogConfig{
			Level:     "info",
			Format:    "json",
			AddSource: false,
		},
		Store: StoreConfig{
			Driver:          "sqlite",
			DSN:             "batchwright.db",
			MaxOpenConns:    10,
			MigrationsTable: "goose_db_version",
		},
		Bus: BusConfig{
			DuplicateWindow:      10 * time.Minute,
			MessageTTL:           7 * 24 * time.Hour,
			MaxDeliveryAttempts:  5,
			PollInterval:         2 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TickInterval:   5 * time.Minute,
			LeaderLockName: "batchsched",
		},
		Orchestrator: OrchestratorConfig{
			Concurrency:     10,
			WorkerID:        defaultWorkerID(),
			ShutdownTimeout: 30 * time.Second,
		},
		Observability: ObservabilityConfig{
			Enabled:       false,
			MetricsAddr:   ":9090",
			ServiceName:   "batchwright",
			TraceExporter: "none",
		},
	}
}

// Load loads configuration from an optional YAML file and environment
// variables. Environment variables take precedence over file-based
// configuration. If configPath is empty, the default XDG config path is
// tried, falling back to built-in defaults if it doesn't exist.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		if defaultPath, err := ConfigPath(); err == nil {
			if _, statErr := os.Stat(defaultPath); statErr == nil {
				configPath = defaultPath
			}
		}
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &batcherrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &batcherrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// loadFromEnv overlays BATCHWRIGHT_* environment variables onto the
// config. Supported variables:
//   - BATCHWRIGHT_LOG_LEVEL, BATCHWRIGHT_LOG_FORMAT
//   - BATCHWRIGHT_STORE_DRIVER, BATCHWRIGHT_STORE_DSN
//   - BATCHWRIGHT_SCHEDULER_TICK_INTERVAL
//   - BATCHWRIGHT_ORCHESTRATOR_CONCURRENCY, BATCHWRIGHT_ORCHESTRATOR_WORKER_ID
//   - BATCHWRIGHT_OBSERVABILITY_ENABLED, BATCHWRIGHT_OBSERVABILITY_METRICS_ADDR
func (c *Config) loadFromEnv() {
	if v := os.Getenv("BATCHWRIGHT_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("BATCHWRIGHT_LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("BATCHWRIGHT_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("BATCHWRIGHT_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("BATCHWRIGHT_STORE_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Store.MaxOpenConns = n
		}
	}
	if v := os.Getenv("BATCHWRIGHT_SCHEDULER_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scheduler.TickInterval = d
		}
	}
	if v := os.Getenv("BATCHWRIGHT_ORCHESTRATOR_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Orchestrator.Concurrency = n
		}
	}
	if v := os.Getenv("BATCHWRIGHT_ORCHESTRATOR_WORKER_ID"); v != "" {
		c.Orchestrator.WorkerID = v
	}
	if v := os.Getenv("BATCHWRIGHT_OBSERVABILITY_ENABLED"); v != "" {
		c.Observability.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("BATCHWRIGHT_OBSERVABILITY_METRICS_ADDR"); v != "" {
		c.Observability.MetricsAddr = v
	}
}

// Validate checks the configuration for semantic errors beyond what YAML
// unmarshaling alone can catch.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver: unsupported driver %q (want postgres or sqlite)", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		errs = append(errs, "store.dsn: must not be empty")
	}
	if c.Store.MaxOpenConns <= 0 {
		errs = append(errs, "store.max_open_conns: must be positive")
	}

	if c.Bus.DuplicateWindow <= 0 {
		errs = append(errs, "bus.duplicate_window: must be positive")
	}
	if c.Bus.MessageTTL <= 0 {
		errs = append(errs, "bus.message_ttl: must be positive")
	}
	if c.Bus.MaxDeliveryAttempts <= 0 {
		errs = append(errs, "bus.max_delivery_attempts: must be positive")
	}
	if c.Bus.PollInterval <= 0 {
		errs = append(errs, "bus.poll_interval: must be positive")
	}

	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, "scheduler.tick_interval: must be positive")
	}

	if c.Orchestrator.Concurrency <= 0 {
		errs = append(errs, "orchestrator.concurrency: must be positive")
	}
	if c.Orchestrator.WorkerID == "" {
		errs = append(errs, "orchestrator.worker_id: must not be empty")
	}

	if c.Observability.Enabled {
		switch c.Observability.TraceExporter {
		case "stdout", "none":
		default:
			errs = append(errs, fmt.Sprintf("observability.trace_exporter: unsupported exporter %q", c.Observability.TraceExporter))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "orchestrator-0"
	}
	return host
}
