// Package config loads the YAML configuration file shared by the daemon
// and sync subcommands.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Periods is the fixed, ordered period ladder. The set is closed: no
// runtime extension.
var Periods = []Period{
	{Name: "onesecond", Seconds: 1},
	{Name: "tensecond", Seconds: 10},
	{Name: "oneminute", Seconds: 60},
	{Name: "fiveminute", Seconds: 300},
	{Name: "onehour", Seconds: 3600},
	{Name: "oneday", Seconds: 86400},
}

// Period names one rung of the ladder.
type Period struct {
	Name    string
	Seconds float64
}

// MaxPeriodSeconds returns the largest period in the ladder.
func MaxPeriodSeconds() float64 {
	max := 0.0
	for _, p := range Periods {
		if p.Seconds > max {
			max = p.Seconds
		}
	}
	return max
}

// Stats is the closed stat vocabulary, in the order rows are emitted.
var Stats = []string{"n", "min", "max", "avg", "sum", "p50", "p90", "p99"}

// Config is the top-level configuration document.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Store      StoreConfig      `yaml:"store"`
	Rollup     RollupConfig     `yaml:"rollup"`
	SelfMetric SelfMetricConfig `yaml:"self_metric"`
	UI         UIConfig         `yaml:"ui"`

	// LoadedFrom records where this config was read from, for
	// diagnostics; SelfMetricEnabled reports it as the deciding source
	// when the file sets the value.
	LoadedFrom string `yaml:"-"`
}

// ListenConfig configures the ingest daemon's network listeners.
type ListenConfig struct {
	Address string `yaml:"address"`
}

// StoreConfig configures the embedded relational store.
type StoreConfig struct {
	DBPath         string `yaml:"db_path"`
	IncomingDBPath string `yaml:"incoming_db_path"`
	BusyTimeoutMS  int    `yaml:"busy_timeout_ms"`
}

// RollupConfig configures the Rollup Engine.
type RollupConfig struct {
	TickIntervalSeconds *float64 `yaml:"tick_interval_seconds"`
	TailSeconds         *float64 `yaml:"tail_seconds"`
}

// SelfMetricConfig controls whether self-observation metrics are emitted.
type SelfMetricConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

// UIConfig controls the live operator console.
type UIConfig struct {
	Enabled *bool `yaml:"enabled"`
}

const (
	defaultTickIntervalSeconds = 10
	defaultTailSeconds         = 60
	defaultQueueBound          = 100000
	defaultBusyTimeoutMS       = 5000
	defaultShutdownBudget      = 5
)

// QueueBound is the default bound on the ingest daemon's queue and
// accumulator.
const QueueBound = defaultQueueBound

// ShutdownBudgetSeconds is the default wall-clock budget for graceful
// shutdown.
const ShutdownBudgetSeconds = defaultShutdownBudget

// EnvSelfMetricEnabled overrides SelfMetric.Enabled when set to a valid
// bool string ("true"/"false"/"1"/"0"/...).
const EnvSelfMetricEnabled = "SMALLTSDB_SELF_METRIC_ENABLED"

// Load reads and parses the YAML config file at path, filling defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.LoadedFrom = path
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Address == "" {
		c.Listen.Address = "127.0.0.1:8125"
	}
	if c.Store.DBPath == "" {
		c.Store.DBPath = "smalltsdb.db"
	}
	if c.Store.BusyTimeoutMS <= 0 {
		c.Store.BusyTimeoutMS = defaultBusyTimeoutMS
	}
	if c.Rollup.TickIntervalSeconds == nil {
		v := float64(defaultTickIntervalSeconds)
		c.Rollup.TickIntervalSeconds = &v
	}
	if c.Rollup.TailSeconds == nil {
		v := float64(defaultTailSeconds)
		c.Rollup.TailSeconds = &v
	}
}

// TickInterval returns the configured rollup tick interval as a float64
// of seconds, after defaults have been applied.
func (c *Config) TickInterval() float64 {
	if c.Rollup.TickIntervalSeconds == nil {
		return defaultTickIntervalSeconds
	}
	return *c.Rollup.TickIntervalSeconds
}

// Tail returns the configured tail safety margin in seconds.
func (c *Config) Tail() float64 {
	if c.Rollup.TailSeconds == nil {
		return defaultTailSeconds
	}
	return *c.Rollup.TailSeconds
}

// SelfMetricEnabled resolves whether self-metrics are on, applying the
// precedence env > config > default (default true). The returned source
// names which layer decided the value, for logging.
func (c *Config) SelfMetricEnabled() (enabled bool, source string) {
	if v := os.Getenv(EnvSelfMetricEnabled); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b, EnvSelfMetricEnabled
		}
	}
	if c.SelfMetric.Enabled != nil {
		src := c.LoadedFrom
		if src == "" {
			src = "config"
		}
		return *c.SelfMetric.Enabled, src
	}
	return true, "default"
}

// UIEnabled resolves whether the operator console should run, defaulting
// to true (the console itself further gates on TTY detection).
func (c *Config) UIEnabled() bool {
	if c.UI.Enabled == nil {
		return true
	}
	return *c.UI.Enabled
}
