// Package config loads conductord configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/knadh/koanf/v2"
)

// Config holds the complete conductord configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Store         StoreConfig         `koanf:"store"`
	Credential    CredentialConfig    `koanf:"credential"`
	Approval      ApprovalConfig      `koanf:"approval"`
	Events        EventsConfig        `koanf:"events"`
	NATS          NATSConfig          `koanf:"nats"`
	Observability ObservabilityConfig `koanf:"observability"`

	k *koanf.Koanf
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// PublicURL is the base URL askpass helpers call back on. Defaults to
	// http://<host>:<port>.
	PublicURL string `koanf:"public_url"`
	// CredentialRate limits /credential-prompt requests per second.
	CredentialRate  float64 `koanf:"credential_rate"`
	CredentialBurst int     `koanf:"credential_burst"`
}

// StoreConfig holds the SQLite database location.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// CredentialConfig controls credential prompts and askpass nonces.
type CredentialConfig struct {
	Timeout  Duration `koanf:"timeout"`
	NonceTTL Duration `koanf:"nonce_ttl"`
}

// ApprovalConfig controls the approval helpers written to disk.
type ApprovalConfig struct {
	HelperDir string `koanf:"helper_dir"`
}

// EventsConfig controls the event hub and SSE stream.
type EventsConfig struct {
	BufferSize int      `koanf:"buffer_size"`
	Heartbeat  Duration `koanf:"heartbeat"`
}

// NATSConfig controls the NATS event mirror and agent runner transport.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	// Embedded starts an in-process nats-server instead of dialing URL.
	Embedded     bool   `koanf:"embedded"`
	EmbeddedPort int    `koanf:"embedded_port"`
	EventPrefix  string `koanf:"event_prefix"`
	RunnerPrefix string `koanf:"runner_prefix"`
	Token        Secret `koanf:"token"`
	// KeepSecrets disables gitleaks redaction of runner events.
	KeepSecrets bool `koanf:"keep_secrets"`
}

// ObservabilityConfig holds service identity for telemetry.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Section unmarshals the raw configuration tree at path into out. Fields
// absent from the file and environment keep the values out already holds,
// so callers pass a struct pre-filled with their defaults.
func (c *Config) Section(path string, out any) error {
	if c.k == nil {
		return nil
	}
	if !c.k.Exists(path) {
		return nil
	}
	if err := c.k.Unmarshal(path, out); err != nil {
		return fmt.Errorf("unmarshal %s config: %w", path, err)
	}
	return nil
}

// Addr returns the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// BaseURL returns the URL clients and askpass helpers use to reach the server.
func (c *Config) BaseURL() string {
	if c.Server.PublicURL != "" {
		return c.Server.PublicURL
	}
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Server.Port)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Server.PublicURL != "" {
		if u, err := url.Parse(c.Server.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid public url: %q", c.Server.PublicURL)
		}
	}
	if c.Server.CredentialRate <= 0 || c.Server.CredentialBurst <= 0 {
		return errors.New("credential rate and burst must be positive")
	}
	if c.Store.Path == "" {
		return errors.New("store path is required")
	}
	if c.Credential.Timeout.Duration() <= 0 {
		return errors.New("credential timeout must be positive")
	}
	if c.Credential.NonceTTL.Duration() < c.Credential.Timeout.Duration() {
		return errors.New("credential nonce ttl must not be shorter than the prompt timeout")
	}
	if c.Events.BufferSize < 1 {
		return fmt.Errorf("event buffer size must be positive, got %d", c.Events.BufferSize)
	}
	if c.Events.Heartbeat.Duration() < time.Second {
		return errors.New("event heartbeat must be at least 1s")
	}
	if c.NATS.Enabled && !c.NATS.Embedded && c.NATS.URL == "" {
		return errors.New("nats url is required unless nats.embedded is set")
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	return nil
}
