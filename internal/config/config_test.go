package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
server:
  host: 127.0.0.1
  port: 15432
  max_connections: 64
  connection_timeout: 45s
  shutdown_timeout: 20s

pool:
  enabled: true
  min_connections: 3
  max_connections: 12
  max_idle_connections: 6
  idle_timeout: 2m
  acquire_timeout: 8s

notifications:
  max_channels: 200
  payload_max_length: 4000

api:
  port: 9090
  bind: 0.0.0.0
  key: supersecret

health:
  interval: 10s
  failure_threshold: 5

settings:
  server_version: "16.4 (mock)"
  TimeZone: "Europe/Berlin"

custom_types:
  - name: citext
    oid: 16400
    typlen: -1
    typtype: b

log:
  level: debug
  format: json
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 15432 {
		t.Errorf("expected server port 15432, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxConnections != 64 {
		t.Errorf("expected max connections 64, got %d", cfg.Server.MaxConnections)
	}
	if cfg.Server.ConnectionTimeout != 45*time.Second {
		t.Errorf("expected connection timeout 45s, got %v", cfg.Server.ConnectionTimeout)
	}
	if !cfg.Pool.Enabled {
		t.Error("expected pool enabled")
	}
	if cfg.Pool.MaxIdleConnections != 6 {
		t.Errorf("expected max idle 6, got %d", cfg.Pool.MaxIdleConnections)
	}
	if cfg.Pool.IdleTimeout != 2*time.Minute {
		t.Errorf("expected idle timeout 2m, got %v", cfg.Pool.IdleTimeout)
	}
	if cfg.Notifications.MaxChannels != 200 {
		t.Errorf("expected max channels 200, got %d", cfg.Notifications.MaxChannels)
	}
	if cfg.API.Port != 9090 || cfg.API.Bind != "0.0.0.0" {
		t.Errorf("unexpected api listener %s:%d", cfg.API.Bind, cfg.API.Port)
	}
	if cfg.Health.FailureThreshold != 5 {
		t.Errorf("expected failure threshold 5, got %d", cfg.Health.FailureThreshold)
	}
	if cfg.Settings["server_version"] != "16.4 (mock)" {
		t.Errorf("unexpected server_version setting %q", cfg.Settings["server_version"])
	}
	if len(cfg.CustomTypes) != 1 {
		t.Fatalf("expected 1 custom type, got %d", len(cfg.CustomTypes))
	}
	ct := cfg.CustomTypes[0]
	if ct.Name != "citext" || ct.OID != 16400 || ct.Typlen != -1 || ct.Typtype != "b" {
		t.Errorf("unexpected custom type %+v", ct)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("unexpected log config %+v", cfg.Log)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("TEST_API_KEY", "secret123")
	defer os.Unsetenv("TEST_API_KEY")

	yaml := `
api:
  port: 9090
  key: ${TEST_API_KEY}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.API.Key != "secret123" {
		t.Errorf("expected api key secret123, got %s", cfg.API.Key)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "server port out of range",
			yaml: `
server:
  port: 70000
`,
		},
		{
			name: "pool min above max",
			yaml: `
pool:
  min_connections: 30
  max_connections: 10
`,
		},
		{
			name: "custom type missing name",
			yaml: `
custom_types:
  - oid: 16400
`,
		},
		{
			name: "custom type missing oid",
			yaml: `
custom_types:
  - name: citext
`,
		},
		{
			name: "custom type long typtype",
			yaml: `
custom_types:
  - name: citext
    oid: 16400
    typtype: base
`,
		},
		{
			name: "unknown log level",
			yaml: `
log:
  level: verbose
`,
		},
		{
			name: "unknown log format",
			yaml: `
log:
  format: xml
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, tt.yaml)
			_, err := Load(path)
			if err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	yaml := `
server: {}
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected default host 0.0.0.0, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 5432 {
		t.Errorf("expected default port 5432, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxConnections != 100 {
		t.Errorf("expected default max connections 100, got %d", cfg.Server.MaxConnections)
	}
	if cfg.Server.ShutdownTimeout != 10*time.Second {
		t.Errorf("expected default shutdown timeout 10s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Pool.Enabled {
		t.Error("pool should be disabled by default")
	}
	if cfg.Pool.MinConnections != 5 || cfg.Pool.MaxConnections != 50 {
		t.Errorf("unexpected pool defaults %d/%d", cfg.Pool.MinConnections, cfg.Pool.MaxConnections)
	}
	if !cfg.Pool.ValidationEnabled() {
		t.Error("validation should default to on")
	}
	if cfg.Notifications.MaxChannels != 1000 || cfg.Notifications.PayloadMaxLength != 8000 {
		t.Errorf("unexpected notification defaults %+v", cfg.Notifications)
	}
	if cfg.API.Port != 0 {
		t.Errorf("api should stay disabled without a port, got %d", cfg.API.Port)
	}
	if cfg.API.Bind != "127.0.0.1" {
		t.Errorf("expected default api bind 127.0.0.1, got %s", cfg.API.Bind)
	}
	if cfg.Health.Interval != 30*time.Second || cfg.Health.FailureThreshold != 3 {
		t.Errorf("unexpected health defaults %+v", cfg.Health)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("unexpected log defaults %+v", cfg.Log)
	}
}

func TestValidationToggle(t *testing.T) {
	yaml := `
pool:
  enabled: true
  validate_connections: false
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Pool.ValidationEnabled() {
		t.Error("explicit false should disable validation")
	}
}

func TestRedacted(t *testing.T) {
	cfg := &Config{API: APIConfig{Port: 9090, Key: "supersecret"}}

	red := cfg.Redacted()
	if red.API.Key != "***REDACTED***" {
		t.Errorf("expected masked key, got %s", red.API.Key)
	}
	if cfg.API.Key != "supersecret" {
		t.Error("original config must not be mutated")
	}
	if red.API.Port != 9090 {
		t.Error("non-secret fields must survive redaction")
	}
}

func TestWatcher(t *testing.T) {
	path := writeTemp(t, "server:\n  port: 15432\n")

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("server:\n  port: 25432\n"), 0644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Server.Port != 25432 {
			t.Errorf("expected reloaded port 25432, got %d", cfg.Server.Port)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not deliver the reloaded config")
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}
