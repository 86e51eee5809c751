package telemetry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/goalkeeper/internal/config"
)

const (
	protocolGRPC = "grpc"
	protocolHTTP = "http/protobuf"
)

// Config selects the OTLP collector goalkeeper exports to.
type Config struct {
	Enabled bool

	Endpoint string
	Protocol string // grpc or http/protobuf
	// Insecure disables TLS. It is only accepted for loopback endpoints.
	Insecure bool

	ServiceName    string
	ServiceVersion string

	// SampleRate is the fraction of root spans kept, 0 to 1.
	SampleRate     float64
	MetricInterval time.Duration
	// MetricsDisabled skips the OTLP meter provider. Prometheus
	// collectors are unaffected.
	MetricsDisabled bool
	ShutdownTimeout time.Duration
}

// NewDefaultConfig returns a disabled config pointing at a collector on
// localhost.
func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:        "localhost:4317",
		Protocol:        protocolGRPC,
		Insecure:        true,
		ServiceName:     "goalkeeper",
		ServiceVersion:  "0.1.0",
		SampleRate:      1,
		MetricInterval:  15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// FromConfig overlays the observability section of the application
// config on the defaults.
func FromConfig(obs config.ObservabilityConfig) (*Config, error) {
	cfg := NewDefaultConfig()
	cfg.Enabled = obs.EnableTelemetry
	if obs.Endpoint != "" {
		cfg.Endpoint = obs.Endpoint
		cfg.Insecure = isLoopback(obs.Endpoint)
	}
	if obs.ServiceName != "" {
		cfg.ServiceName = obs.ServiceName
	}
	return cfg, cfg.Validate()
}

// Validate checks an enabled config. A disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch {
	case c.Endpoint == "":
		return errors.New("telemetry endpoint is required")
	case c.ServiceName == "" || c.ServiceVersion == "":
		return errors.New("telemetry service name and version are required")
	case c.Protocol != protocolGRPC && c.Protocol != protocolHTTP:
		return fmt.Errorf("unknown OTLP protocol %q", c.Protocol)
	case c.Insecure && !isLoopback(c.Endpoint):
		return fmt.Errorf("plaintext export to %s is not allowed, only to loopback collectors", c.Endpoint)
	case c.SampleRate < 0 || c.SampleRate > 1:
		return fmt.Errorf("sample rate %v outside [0, 1]", c.SampleRate)
	case !c.MetricsDisabled && c.MetricInterval <= 0:
		return errors.New("metric export interval must be positive")
	case c.ShutdownTimeout <= 0:
		return errors.New("telemetry shutdown timeout must be positive")
	}
	return nil
}

// hostPort strips an http(s) scheme; the OTLP exporters want host:port.
func hostPort(endpoint string) string {
	return strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
}

func isLoopback(endpoint string) bool {
	host := hostPort(endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
