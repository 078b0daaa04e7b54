// Package config provides configuration loading for gantryd.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables. Application code receives a validated Config; defaults are
// applied for anything the file and environment leave unset.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete gantryd configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
	NATS          NATSConfig          `koanf:"nats"`
	Store         StoreConfig         `koanf:"store"`
	Engine        EngineConfig        `koanf:"engine"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	Insecure        bool   `koanf:"insecure"`
}

// NATSConfig holds run-event publishing configuration.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// StoreConfig holds run record persistence configuration.
type StoreConfig struct {
	// Backend selects the run store: "memory" or "file".
	Backend string `koanf:"backend"`
	// Dir is the directory for file-backed run records.
	Dir string `koanf:"dir"`
}

// EngineConfig holds pipeline engine defaults.
type EngineConfig struct {
	// CheckTimeout is the default per-check timeout when a definition
	// does not set one.
	CheckTimeout Duration `koanf:"check_timeout"`

	// OverrideTimeout is the default manual-override wait, applied when
	// neither the pipeline definition nor a per-kind entry sets one.
	OverrideTimeout Duration `koanf:"override_timeout"`

	// OverrideTimeouts maps pipeline kinds (commit, release, hotfix, ...)
	// to manual-override waits, overriding OverrideTimeout per kind.
	OverrideTimeouts map[string]Duration `koanf:"override_timeouts"`

	// MaxConcurrentChecks caps the check fan-out within a phase.
	// Zero means no cap.
	MaxConcurrentChecks int `koanf:"max_concurrent_checks"`

	// CheckRateLimit throttles check launches per second across the
	// engine. Zero disables rate limiting.
	CheckRateLimit float64 `koanf:"check_rate_limit"`
}

// OverrideTimeoutFor resolves the manual-override wait for a pipeline kind.
func (e EngineConfig) OverrideTimeoutFor(kind string) time.Duration {
	if d, ok := e.OverrideTimeouts[kind]; ok && d > 0 {
		return d.Duration()
	}
	return e.OverrideTimeout.Duration()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server http_port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("server shutdown_timeout must be > 0")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	switch c.Store.Backend {
	case "memory":
	case "file":
		if c.Store.Dir == "" {
			return errors.New("store dir is required for the file backend")
		}
	default:
		return fmt.Errorf("store backend must be 'memory' or 'file', got %q", c.Store.Backend)
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats url is required when nats is enabled")
	}
	if c.Observability.EnableTelemetry && c.Observability.OTLPEndpoint == "" {
		return errors.New("observability otlp_endpoint is required when telemetry is enabled")
	}
	if c.Engine.CheckTimeout.Duration() <= 0 {
		return errors.New("engine check_timeout must be > 0")
	}
	if c.Engine.OverrideTimeout.Duration() <= 0 {
		return errors.New("engine override_timeout must be > 0")
	}
	if c.Engine.MaxConcurrentChecks < 0 {
		return fmt.Errorf("engine max_concurrent_checks must be >= 0, got %d", c.Engine.MaxConcurrentChecks)
	}
	if c.Engine.CheckRateLimit < 0 {
		return fmt.Errorf("engine check_rate_limit must be >= 0, got %v", c.Engine.CheckRateLimit)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9480
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "gantryd"
	}

	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}

	if cfg.Engine.CheckTimeout == 0 {
		cfg.Engine.CheckTimeout = Duration(5 * time.Minute)
	}
	if cfg.Engine.OverrideTimeout == 0 {
		cfg.Engine.OverrideTimeout = Duration(15 * time.Minute)
	}
}
