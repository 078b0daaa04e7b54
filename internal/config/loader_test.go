package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 9480, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "gantryd", cfg.Observability.ServiceName)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Engine.CheckTimeout.Duration())
	assert.Equal(t, 15*time.Minute, cfg.Engine.OverrideTimeout.Duration())
}

func TestLoad_FromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  http_port: 8080
logging:
  level: debug
  format: console
store:
  backend: file
  dir: /var/lib/gantry
engine:
  check_timeout: 30s
  override_timeout: 5m
  override_timeouts:
    hotfix: 2m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, "/var/lib/gantry", cfg.Store.Dir)
	assert.Equal(t, 30*time.Second, cfg.Engine.CheckTimeout.Duration())
	assert.Equal(t, 2*time.Minute, cfg.Engine.OverrideTimeoutFor("hotfix"))
	assert.Equal(t, 5*time.Minute, cfg.Engine.OverrideTimeoutFor("release"))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: 8080
`)

	t.Setenv("SERVER_HTTP_PORT", "9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = -1 }, "http_port"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "format"},
		{"bad backend", func(c *Config) { c.Store.Backend = "redis" }, "backend"},
		{"file backend without dir", func(c *Config) { c.Store.Backend = "file"; c.Store.Dir = "" }, "store dir"},
		{"nats without url", func(c *Config) { c.NATS.Enabled = true; c.NATS.URL = "" }, "nats url"},
		{"telemetry without endpoint", func(c *Config) { c.Observability.EnableTelemetry = true }, "otlp_endpoint"},
		{"negative rate limit", func(c *Config) { c.Engine.CheckRateLimit = -1 }, "check_rate_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			applyDefaults(cfg)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDuration_JSONRoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"90s"`)))
	assert.Equal(t, 90*time.Second, d.Duration())

	out, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(out))

	// Integer nanoseconds from older records still decode.
	require.NoError(t, d.UnmarshalJSON([]byte("1000000000")))
	assert.Equal(t, time.Second, d.Duration())
}

func TestDuration_RejectsNegative(t *testing.T) {
	var d Duration
	err := d.UnmarshalText([]byte("-5s"))
	require.Error(t, err)
}
