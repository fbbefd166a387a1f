// Package config provides configuration loading and management for the
// n3n workflow engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration
type Config struct {
	NATS         NATSConfig         `yaml:"nats"`
	HTTP         HTTPConfig         `yaml:"http"`
	Engine       EngineConfig       `yaml:"engine"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Approvals    ApprovalsConfig    `yaml:"approvals"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
	Flows        FlowsConfig        `yaml:"flows"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to run an embedded NATS server
	Embedded bool `yaml:"embedded"`
	// StoreDir is the JetStream storage directory for the embedded server
	StoreDir string `yaml:"store_dir"`
}

// HTTPConfig configures the API server
type HTTPConfig struct {
	// Addr is the listen address (default :8080)
	Addr string `yaml:"addr"`
	// WebhookPrefix is the webhook mount path (default /webhook/)
	WebhookPrefix string `yaml:"webhook_prefix"`
}

// EngineConfig configures the execution coordinator
type EngineConfig struct {
	// Workers bounds concurrent node dispatches (default 8)
	Workers int `yaml:"workers"`
	// DefaultNodeTimeout applies when a node does not set its own (default 60s)
	DefaultNodeTimeout time.Duration `yaml:"default_node_timeout"`
	// CancelGrace is the cooperative-shutdown window after cancel (default 5s)
	CancelGrace time.Duration `yaml:"cancel_grace"`
	// MaxNodeRetries caps per-node retry budgets (default 10)
	MaxNodeRetries int `yaml:"max_node_retries"`
	// ExecutionMaxRetries is the retry-chain budget (default 3)
	ExecutionMaxRetries int `yaml:"execution_max_retries"`
}

// SchedulerConfig configures the schedule trigger
type SchedulerConfig struct {
	// MaxConcurrentPerFlow caps active executions per flow for scheduled
	// fires (0 = unlimited)
	MaxConcurrentPerFlow int `yaml:"max_concurrent_per_flow"`
}

// ApprovalsConfig configures the approval gate
type ApprovalsConfig struct {
	// SweepInterval is how often expired approvals are swept (default 1m)
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// HousekeepingConfig configures execution retention
type HousekeepingConfig struct {
	// Cron schedules the retention run (default "0 2 * * *")
	Cron string `yaml:"cron"`
	// RetentionDays keeps terminal executions this long (default 30)
	RetentionDays int `yaml:"retention_days"`
	// HistoryRetentionDays keeps archived history this long (default 90)
	HistoryRetentionDays int `yaml:"history_retention_days"`
	// BatchSize bounds one archival batch (default 100)
	BatchSize int `yaml:"batch_size"`
	// Archive copies executions to history before deletion (default true)
	Archive *bool `yaml:"archive"`
}

// FlowsConfig configures flow definition loading
type FlowsConfig struct {
	// Dir is the directory of YAML flow definitions
	Dir string `yaml:"dir"`
	// Watch reloads definitions when files change
	Watch bool `yaml:"watch"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	archive := true
	return &Config{
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
			StoreDir: "",
		},
		HTTP: HTTPConfig{
			Addr:          ":8080",
			WebhookPrefix: "/webhook/",
		},
		Engine: EngineConfig{
			Workers:             8,
			DefaultNodeTimeout:  60 * time.Second,
			CancelGrace:         5 * time.Second,
			MaxNodeRetries:      10,
			ExecutionMaxRetries: 3,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentPerFlow: 0,
		},
		Approvals: ApprovalsConfig{
			SweepInterval: time.Minute,
		},
		Housekeeping: HousekeepingConfig{
			Cron:                 "0 2 * * *",
			RetentionDays:        30,
			HistoryRetentionDays: 90,
			BatchSize:            100,
			Archive:              &archive,
		},
		Flows: FlowsConfig{
			Dir:   "flows",
			Watch: true,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be at least 1")
	}
	if c.Engine.DefaultNodeTimeout <= 0 {
		return fmt.Errorf("engine.default_node_timeout must be positive")
	}
	if c.Housekeeping.RetentionDays < 1 {
		return fmt.Errorf("housekeeping.retention_days must be at least 1")
	}
	if c.Housekeeping.BatchSize < 1 {
		return fmt.Errorf("housekeeping.batch_size must be at least 1")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.StoreDir != "" {
		c.NATS.StoreDir = other.NATS.StoreDir
	}

	// HTTP
	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}
	if other.HTTP.WebhookPrefix != "" {
		c.HTTP.WebhookPrefix = other.HTTP.WebhookPrefix
	}

	// Engine
	if other.Engine.Workers != 0 {
		c.Engine.Workers = other.Engine.Workers
	}
	if other.Engine.DefaultNodeTimeout != 0 {
		c.Engine.DefaultNodeTimeout = other.Engine.DefaultNodeTimeout
	}
	if other.Engine.CancelGrace != 0 {
		c.Engine.CancelGrace = other.Engine.CancelGrace
	}
	if other.Engine.MaxNodeRetries != 0 {
		c.Engine.MaxNodeRetries = other.Engine.MaxNodeRetries
	}
	if other.Engine.ExecutionMaxRetries != 0 {
		c.Engine.ExecutionMaxRetries = other.Engine.ExecutionMaxRetries
	}

	// Scheduler
	if other.Scheduler.MaxConcurrentPerFlow != 0 {
		c.Scheduler.MaxConcurrentPerFlow = other.Scheduler.MaxConcurrentPerFlow
	}

	// Approvals
	if other.Approvals.SweepInterval != 0 {
		c.Approvals.SweepInterval = other.Approvals.SweepInterval
	}

	// Housekeeping
	if other.Housekeeping.Cron != "" {
		c.Housekeeping.Cron = other.Housekeeping.Cron
	}
	if other.Housekeeping.RetentionDays != 0 {
		c.Housekeeping.RetentionDays = other.Housekeeping.RetentionDays
	}
	if other.Housekeeping.HistoryRetentionDays != 0 {
		c.Housekeeping.HistoryRetentionDays = other.Housekeeping.HistoryRetentionDays
	}
	if other.Housekeeping.BatchSize != 0 {
		c.Housekeeping.BatchSize = other.Housekeeping.BatchSize
	}
	if other.Housekeeping.Archive != nil {
		c.Housekeeping.Archive = other.Housekeeping.Archive
	}

	// Flows
	if other.Flows.Dir != "" {
		c.Flows.Dir = other.Flows.Dir
	}
	if other.Flows.Watch {
		c.Flows.Watch = true
	}
}
