// Package config loads the diagnostics service configuration from an optional
// YAML file and DIAG_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DIAG_SERVER_ADDR.
const EnvPrefix = "DIAG"

// Sampler names
const (
	SamplerRuntime   = "runtime"
	SamplerSimulated = "simulated"
)

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Patterns  PatternsConfig  `mapstructure:"patterns"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type StoreConfig struct {
	MaxEventsPerTrace int           `mapstructure:"max_events_per_trace"`
	MaxUnkeyedEvents  int           `mapstructure:"max_unkeyed_events"`
	Retention         time.Duration `mapstructure:"retention"`
	PruneInterval     time.Duration `mapstructure:"prune_interval"`
	// LogFiles are JSON-lines files merged into queries.
	LogFiles []string `mapstructure:"log_files"`
}

// ArchiveConfig enables the SQLite archive when Path is set
type ArchiveConfig struct {
	Path      string        `mapstructure:"path"`
	Retention time.Duration `mapstructure:"retention"`
}

type IngestConfig struct {
	QueueSize     int           `mapstructure:"queue_size"`
	Workers       int           `mapstructure:"workers"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

type ProfilingConfig struct {
	Sampler                string        `mapstructure:"sampler"`
	Seed                   int64         `mapstructure:"seed"`
	DefaultSampleInterval  time.Duration `mapstructure:"default_sample_interval"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	MemoryThresholdMB      float64       `mapstructure:"memory_threshold_mb"`
}

type AlertsConfig struct {
	RulesFile          string        `mapstructure:"rules_file"`
	WatchRules         bool          `mapstructure:"watch_rules"`
	DedupWindow        time.Duration `mapstructure:"dedup_window"`
	MaxRecordsPerAgent int           `mapstructure:"max_records_per_agent"`
	WebhookTimeout     time.Duration `mapstructure:"webhook_timeout"`
	WebhookRate        float64       `mapstructure:"webhook_rate"`
	WebhookBurst       int           `mapstructure:"webhook_burst"`
}

type PatternsConfig struct {
	SpikeWindow      time.Duration `mapstructure:"spike_window"`
	SpikeMultiplier  float64       `mapstructure:"spike_multiplier"`
	SpikeMinRatio    float64       `mapstructure:"spike_min_ratio"`
	SilenceThreshold time.Duration `mapstructure:"silence_threshold"`
}

// SetDefaults registers every key on v so environment overrides resolve.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Minute)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("store.max_events_per_trace", 1000)
	v.SetDefault("store.max_unkeyed_events", 10000)
	v.SetDefault("store.retention", 24*time.Hour)
	v.SetDefault("store.prune_interval", time.Hour)
	v.SetDefault("store.log_files", []string{})

	v.SetDefault("archive.path", "")
	v.SetDefault("archive.retention", 7*24*time.Hour)

	v.SetDefault("ingest.queue_size", 1000)
	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.max_retries", 3)
	v.SetDefault("ingest.retry_interval", time.Second)

	v.SetDefault("profiling.sampler", SamplerRuntime)
	v.SetDefault("profiling.seed", 1)
	v.SetDefault("profiling.default_sample_interval", time.Second)
	v.SetDefault("profiling.max_consecutive_failures", 3)
	v.SetDefault("profiling.memory_threshold_mb", 1024.0)

	v.SetDefault("alerts.rules_file", "")
	v.SetDefault("alerts.watch_rules", true)
	v.SetDefault("alerts.dedup_window", 5*time.Minute)
	v.SetDefault("alerts.max_records_per_agent", 100)
	v.SetDefault("alerts.webhook_timeout", 5*time.Second)
	v.SetDefault("alerts.webhook_rate", 5.0)
	v.SetDefault("alerts.webhook_burst", 10)

	v.SetDefault("patterns.spike_window", time.Hour)
	v.SetDefault("patterns.spike_multiplier", 2.0)
	v.SetDefault("patterns.spike_min_ratio", 0.1)
	v.SetDefault("patterns.silence_threshold", 30*time.Minute)
}

// Load reads path (when non-empty) and the environment into a validated
// Config. v may already carry bound flags.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, fmt.Errorf("server address is required"))
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Log.Level))
	}
	if c.Store.MaxEventsPerTrace <= 0 || c.Store.MaxUnkeyedEvents <= 0 {
		errs = append(errs, fmt.Errorf("store caps must be positive"))
	}
	if c.Store.Retention <= 0 || c.Store.PruneInterval <= 0 {
		errs = append(errs, fmt.Errorf("store retention and prune interval must be positive"))
	}
	if c.Ingest.QueueSize <= 0 || c.Ingest.Workers <= 0 {
		errs = append(errs, fmt.Errorf("ingest queue size and workers must be positive"))
	}
	if c.Ingest.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("ingest max retries must not be negative"))
	}
	switch c.Profiling.Sampler {
	case SamplerRuntime, SamplerSimulated:
	default:
		errs = append(errs, fmt.Errorf("invalid profiling sampler: %s (valid: runtime, simulated)", c.Profiling.Sampler))
	}
	if c.Alerts.DedupWindow <= 0 {
		errs = append(errs, fmt.Errorf("alert dedup window must be positive"))
	}
	if c.Patterns.SpikeMultiplier <= 0 {
		errs = append(errs, fmt.Errorf("spike multiplier must be positive"))
	}
	if c.Patterns.SpikeMinRatio < 0 || c.Patterns.SpikeMinRatio > 1 {
		errs = append(errs, fmt.Errorf("spike min ratio must be within [0, 1]"))
	}
	return errors.Join(errs...)
}
