package logging

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/conductord/internal/config"
	"go.uber.org/zap/zapcore"
)

// Config holds logging configuration. It is read from the "logging"
// section of the conductord config file.
type Config struct {
	Level      zapcore.Level     `koanf:"level"`
	Format     string            `koanf:"format"`
	Output     OutputConfig      `koanf:"output"`
	Sampling   SamplingConfig    `koanf:"sampling"`
	Caller     bool              `koanf:"caller"`
	Stacktrace zapcore.Level     `koanf:"stacktrace"`
	Fields     map[string]string `koanf:"fields"`
	Redaction  RedactionConfig   `koanf:"redaction"`
}

// OutputConfig selects log sinks.
type OutputConfig struct {
	Stdout bool `koanf:"stdout"`
	OTEL   bool `koanf:"otel"`
}

// SamplingConfig limits log volume below Error. Each level is sampled
// independently per tick.
type SamplingConfig struct {
	Enabled bool            `koanf:"enabled"`
	Tick    config.Duration `koanf:"tick"`
	Debug   LevelSampling   `koanf:"debug"`
	Info    LevelSampling   `koanf:"info"`
	Warn    LevelSampling   `koanf:"warn"`
}

// LevelSampling keeps the first Initial entries with the same message
// per tick, then every Thereafter-th. Thereafter 0 drops the rest.
type LevelSampling struct {
	Initial    int `koanf:"initial"`
	Thereafter int `koanf:"thereafter"`
}

// RedactionConfig controls sensitive data redaction.
type RedactionConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Fields   []string `koanf:"fields"`
	Patterns []string `koanf:"patterns"`
}

const maxPatternLen = 200

// DefaultRedactFields are field names whose values are never logged.
var DefaultRedactFields = []string{
	"password", "passphrase", "secret", "token", "api_key",
	"authorization", "bearer", "credential", "private_key",
	"nonce", "askpass_nonce",
}

// DefaultRedactPatterns match secrets embedded in free text.
var DefaultRedactPatterns = []string{
	`(?i)bearer\s+\S+`,
	`(?i)api[_-]?key[=:]\s*\S+`,
	`(?i)[a-z][a-z0-9+.-]*://[^\s/:@]+:[^\s/@]+@`,
	`\bgh[pousr]_[A-Za-z0-9]{20,}`,
}

// NewDefaultConfig returns the production defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Output: OutputConfig{Stdout: true},
		Sampling: SamplingConfig{
			Enabled: true,
			Tick:    config.Duration(time.Second),
			Debug:   LevelSampling{Initial: 10},
			Info:    LevelSampling{Initial: 100, Thereafter: 10},
			Warn:    LevelSampling{Initial: 100, Thereafter: 100},
		},
		Caller:     true,
		Stacktrace: zapcore.ErrorLevel,
		Fields:     map[string]string{"service": "conductord"},
		Redaction: RedactionConfig{
			Enabled:  true,
			Fields:   append([]string(nil), DefaultRedactFields...),
			Patterns: append([]string(nil), DefaultRedactPatterns...),
		},
	}
}

// FromConfig overlays the "logging" section of cfg on the defaults.
func FromConfig(cfg *config.Config) (*Config, error) {
	out := NewDefaultConfig()
	if cfg != nil {
		if err := cfg.Section("logging", out); err != nil {
			return nil, err
		}
		if cfg.Observability.ServiceName != "" {
			out.Fields["service"] = cfg.Observability.ServiceName
		}
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	return out, nil
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Output.Stdout && !c.Output.OTEL {
		return errors.New("at least one output must be enabled (stdout or otel)")
	}
	if c.Sampling.Enabled && c.Sampling.Tick.Duration() <= 0 {
		return errors.New("sampling tick must be > 0 when sampling enabled")
	}
	if c.Redaction.Enabled {
		for _, p := range c.Redaction.Patterns {
			if len(p) > maxPatternLen {
				return fmt.Errorf("redaction pattern too long (max %d chars): %q", maxPatternLen, p)
			}
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("invalid redaction pattern %q: %w", p, err)
			}
		}
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("constant field %q must have a non-empty key and value", k)
		}
	}
	return nil
}
