package telemetry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/conductord/internal/config"
)

// Config holds telemetry configuration, read from the "telemetry"
// section. Enabled and ServiceName also follow the observability section.
type Config struct {
	Enabled        bool   `koanf:"enabled"`
	Endpoint       string `koanf:"endpoint"`
	Protocol       string `koanf:"protocol"` // grpc or http/protobuf
	Insecure       bool   `koanf:"insecure"`
	TLSSkipVerify  bool   `koanf:"tls_skip_verify"`
	ServiceName    string `koanf:"service_name"`
	ServiceVersion string `koanf:"service_version"`
	// SampleRate is the root span sampling ratio in [0, 1].
	SampleRate      float64         `koanf:"sample_rate"`
	Metrics         bool            `koanf:"metrics"`
	MetricsInterval config.Duration `koanf:"metrics_interval"`
	ShutdownTimeout config.Duration `koanf:"shutdown_timeout"`
}

// NewDefaultConfig returns disabled telemetry pointed at a local collector.
func NewDefaultConfig() *Config {
	return &Config{
		Endpoint:        "localhost:4317",
		Protocol:        "grpc",
		Insecure:        true,
		ServiceName:     "conductord",
		ServiceVersion:  "dev",
		SampleRate:      1.0,
		Metrics:         true,
		MetricsInterval: config.Duration(15 * time.Second),
		ShutdownTimeout: config.Duration(5 * time.Second),
	}
}

// FromConfig overlays the application config on the defaults.
func FromConfig(cfg *config.Config, version string) (*Config, error) {
	out := NewDefaultConfig()
	if version != "" {
		out.ServiceVersion = version
	}
	if cfg != nil {
		out.Enabled = cfg.Observability.EnableTelemetry
		if cfg.Observability.ServiceName != "" {
			out.ServiceName = cfg.Observability.ServiceName
		}
		if err := cfg.Section("telemetry", out); err != nil {
			return nil, err
		}
	}
	return out, out.Validate()
}

// Validate checks configuration. A disabled config is always valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch {
	case c.Endpoint == "":
		return errors.New("telemetry endpoint is required when telemetry is enabled")
	case c.ServiceName == "":
		return errors.New("telemetry service_name is required when telemetry is enabled")
	case c.Protocol != "grpc" && c.Protocol != "http/protobuf":
		return fmt.Errorf("telemetry protocol must be grpc or http/protobuf, got %q", c.Protocol)
	case c.Insecure && !isLoopback(c.Endpoint):
		return fmt.Errorf("insecure telemetry export is only allowed to a loopback endpoint, got %q", c.Endpoint)
	case c.SampleRate < 0 || c.SampleRate > 1:
		return fmt.Errorf("telemetry sample_rate must be between 0 and 1, got %g", c.SampleRate)
	case c.Metrics && c.MetricsInterval.Duration() <= 0:
		return errors.New("telemetry metrics_interval must be positive")
	case c.ShutdownTimeout.Duration() <= 0:
		return errors.New("telemetry shutdown_timeout must be positive")
	}
	return nil
}

func isLoopback(endpoint string) bool {
	host := stripScheme(endpoint)
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

func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
