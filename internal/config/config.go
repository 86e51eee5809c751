// Package config provides configuration loading for goalkeeper.
//
// Configuration comes from an optional YAML file overlaid with GOALKEEPER_*
// environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete goalkeeper configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Store         StoreConfig         `koanf:"store"`
	Hooks         HooksConfig         `koanf:"hooks"`
	GitHub        GitHubConfig        `koanf:"github"`
	Events        EventsConfig        `koanf:"events"`
	Temporal      TemporalConfig      `koanf:"temporal"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
	Goals         GoalsConfig         `koanf:"goals"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// WebhookRateLimit is requests per second allowed per client IP.
	WebhookRateLimit float64 `koanf:"webhook_rate_limit"`
	WebhookBurst     int     `koanf:"webhook_burst"`
}

// StoreConfig selects and configures the goal store backend.
type StoreConfig struct {
	// Driver is one of "memory", "postgres", "badger".
	Driver      string `koanf:"driver"`
	PostgresDSN Secret `koanf:"postgres_dsn"`
	BadgerPath  string `koanf:"badger_path"`
}

// HooksConfig controls pre/post goal hook execution.
type HooksConfig struct {
	Enabled bool `koanf:"enabled"`
	// Dir is the repository-relative hooks directory.
	Dir string `koanf:"dir"`
}

// GitHubConfig holds GitHub credentials.
type GitHubConfig struct {
	Token         Secret `koanf:"token"`
	WebhookSecret Secret `koanf:"webhook_secret"`
	BaseURL       string `koanf:"base_url"`
	// StatusContext prefixes commit status contexts written for goals.
	StatusContext string `koanf:"status_context"`
}

// EventsConfig configures goal state-change distribution.
type EventsConfig struct {
	NATSURL       string   `koanf:"nats_url"`
	EmbeddedNATS  bool     `koanf:"embedded_nats"`
	KafkaBrokers  []string `koanf:"kafka_brokers"`
	KafkaTopic    string   `koanf:"kafka_topic"`
	SubjectPrefix string   `koanf:"subject_prefix"`
}

// TemporalConfig configures optional durable goal execution.
type TemporalConfig struct {
	Enabled   bool   `koanf:"enabled"`
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	Endpoint        string `koanf:"endpoint"`
	ServiceName     string `koanf:"service_name"`
}

// LoggingConfig holds the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// GoalsConfig points at the declarative goal definitions.
type GoalsConfig struct {
	File        string `koanf:"file"`
	WorkspaceID string `koanf:"workspace_id"`
	// CloneDir is where working copies are materialized. Empty means a temp dir.
	CloneDir string `koanf:"clone_dir"`
}

var validStoreDrivers = map[string]bool{
	"memory":   true,
	"postgres": true,
	"badger":   true,
}

// NewDefaultConfig returns a configuration suitable for local use.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Server.WebhookRateLimit <= 0 {
		return errors.New("webhook rate limit must be positive")
	}

	if !validStoreDrivers[c.Store.Driver] {
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && !c.Store.PostgresDSN.IsSet() {
		return errors.New("store.postgres_dsn is required for the postgres driver")
	}
	if c.Store.Driver == "badger" && c.Store.BadgerPath == "" {
		return errors.New("store.badger_path is required for the badger driver")
	}

	if c.Hooks.Dir == "" || strings.HasPrefix(c.Hooks.Dir, "/") || strings.Contains(c.Hooks.Dir, "..") {
		return fmt.Errorf("hooks.dir must be a repository-relative path, got %q", c.Hooks.Dir)
	}

	if len(c.Events.KafkaBrokers) > 0 && c.Events.KafkaTopic == "" {
		return errors.New("events.kafka_topic is required when kafka brokers are configured")
	}

	if c.Temporal.Enabled && c.Temporal.TaskQueue == "" {
		return errors.New("temporal.task_queue is required when temporal is enabled")
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	return nil
}
