// Package config loads proxy configuration from YAML with environment
// variable expansion, falling back to sensible defaults.
//
// DESIGN: the file is optional. A missing config file yields the default
// configuration so the proxy can run with zero setup. ${VAR} references
// anywhere in the file are expanded from the process environment before
// parsing, which keeps credentials out of the file itself.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full proxy configuration tree.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Storage    StorageConfig    `yaml:"storage"`
	Hooks      HooksConfig      `yaml:"hooks"`
	Tasks      TasksConfig      `yaml:"tasks"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig controls the local listener.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	PortRange    int    `yaml:"port_range"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// UpstreamConfig controls outbound provider connections.
type UpstreamConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// StorageConfig locates the sqlite database and session retention policy.
type StorageConfig struct {
	DBPath        string        `yaml:"db_path"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// HooksConfig seeds the initial hook settings. These are runtime-mutable
// through the admin API; the file only provides startup values.
type HooksConfig struct {
	APILogging                bool   `yaml:"api_logging"`
	LogDir                    string `yaml:"log_dir"`
	LogRetentionDays          int    `yaml:"log_retention_days"`
	CompactionInjection       bool   `yaml:"compaction_injection"`
	SummarizationInstructions string `yaml:"summarization_instructions"`
	ContextInjection          string `yaml:"context_injection"`
	CustomTasks               bool   `yaml:"custom_tasks"`
}

// TasksConfig locates custom task definitions.
type TasksConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// ProvidersConfig locates HTTP context provider definitions.
type ProvidersConfig struct {
	Dir string `yaml:"dir"`
}

// WebhookConfig controls outbound webhook delivery.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
}

// MonitoringConfig controls the JSONL request tracker and the live event feed.
type MonitoringConfig struct {
	TelemetryPath string `yaml:"telemetry_path"`
	MaxEvents     int    `yaml:"max_events"`
	LiveFeed      bool   `yaml:"live_feed"`
}

// StateDir returns the per-user state directory, creating it if needed.
func StateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	dir := filepath.Join(home, DefaultStateDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return dir, nil
}

// Default returns the configuration used when no file is present.
// Paths anchored to the state directory are left empty here and resolved
// by Finalize once the state dir is known.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         DefaultPort,
			PortRange:    DefaultPortRange,
			MaxBodyBytes: DefaultMaxBodyBytes,
		},
		Upstream: UpstreamConfig{
			RequestTimeout: DefaultUpstreamTimeout,
			ConnectTimeout: DefaultConnectTimeout,
		},
		Storage: StorageConfig{
			SessionTTL:    DefaultSessionTTL,
			SweepInterval: DefaultSweepInterval,
		},
		Hooks: HooksConfig{
			APILogging:          true,
			LogRetentionDays:    DefaultLogRetentionDays,
			CompactionInjection: false,
			CustomTasks:         true,
		},
		Tasks: TasksConfig{
			Watch: true,
		},
		Webhook: WebhookConfig{
			Enabled: false,
		},
		Monitoring: MonitoringConfig{
			MaxEvents: DefaultTelemetryLimit,
			LiveFeed:  true,
		},
	}
}

// Load reads a YAML config file, expanding ${VAR} environment references.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.Expand(string(raw), func(key string) string {
		return os.Getenv(key)
	})
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Finalize fills path fields that default relative to the state directory
// and backstops zero values after a partial config file.
func (c *Config) Finalize(stateDir string) {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.PortRange <= 0 {
		c.Server.PortRange = DefaultPortRange
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Upstream.RequestTimeout <= 0 {
		c.Upstream.RequestTimeout = DefaultUpstreamTimeout
	}
	if c.Upstream.ConnectTimeout <= 0 {
		c.Upstream.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = filepath.Join(stateDir, DefaultDBFile)
	}
	if c.Storage.SessionTTL <= 0 {
		c.Storage.SessionTTL = DefaultSessionTTL
	}
	if c.Storage.SweepInterval <= 0 {
		c.Storage.SweepInterval = DefaultSweepInterval
	}
	if c.Hooks.LogDir == "" {
		c.Hooks.LogDir = filepath.Join(stateDir, DefaultLogDirName)
	}
	if c.Hooks.LogRetentionDays <= 0 {
		c.Hooks.LogRetentionDays = DefaultLogRetentionDays
	}
	if c.Tasks.File == "" {
		c.Tasks.File = filepath.Join(stateDir, DefaultTasksFile)
	}
	if c.Providers.Dir == "" {
		c.Providers.Dir = filepath.Join(stateDir, DefaultProvidersDir)
	}
	if c.Monitoring.TelemetryPath == "" {
		c.Monitoring.TelemetryPath = filepath.Join(stateDir, DefaultTelemetryFile)
	}
	if c.Monitoring.MaxEvents <= 0 {
		c.Monitoring.MaxEvents = DefaultTelemetryLimit
	}
}
