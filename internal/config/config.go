package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the mock server.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Pool          PoolConfig          `yaml:"pool" json:"pool"`
	Notifications NotificationsConfig `yaml:"notifications" json:"notifications"`
	API           APIConfig           `yaml:"api" json:"api"`
	Health        HealthCheckConfig   `yaml:"health" json:"health"`
	Settings      map[string]string   `yaml:"settings" json:"settings,omitempty"`
	CustomTypes   []CustomType        `yaml:"custom_types" json:"custom_types,omitempty"`
	Log           LogConfig           `yaml:"log" json:"log"`
}

// ServerConfig defines the wire listener address and limits.
type ServerConfig struct {
	Host              string        `yaml:"host" json:"host"`
	Port              int           `yaml:"port" json:"port"`
	MaxConnections    int           `yaml:"max_connections" json:"max_connections"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" json:"connection_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// PoolConfig sets the session pool limits. Pooling is off unless enabled.
type PoolConfig struct {
	Enabled             bool          `yaml:"enabled" json:"enabled"`
	MinConnections      int           `yaml:"min_connections" json:"min_connections"`
	MaxConnections      int           `yaml:"max_connections" json:"max_connections"`
	MaxIdleConnections  int           `yaml:"max_idle_connections" json:"max_idle_connections"`
	IdleTimeout         time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	ValidateConnections *bool         `yaml:"validate_connections,omitempty" json:"validate_connections,omitempty"`
	ValidationInterval  time.Duration `yaml:"validation_interval" json:"validation_interval"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// ValidationEnabled reports whether idle sessions are revalidated. An absent
// key means on.
func (p PoolConfig) ValidationEnabled() bool {
	if p.ValidateConnections == nil {
		return true
	}
	return *p.ValidateConnections
}

// NotificationsConfig bounds the LISTEN/NOTIFY registry.
type NotificationsConfig struct {
	MaxChannels            int           `yaml:"max_channels" json:"max_channels"`
	MaxListenersPerChannel int           `yaml:"max_listeners_per_channel" json:"max_listeners_per_channel"`
	ChannelNameMaxLength   int           `yaml:"channel_name_max_length" json:"channel_name_max_length"`
	PayloadMaxLength       int           `yaml:"payload_max_length" json:"payload_max_length"`
	CleanupInterval        time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// APIConfig defines the admin HTTP listener. Port 0 disables it.
type APIConfig struct {
	Port int    `yaml:"port" json:"port"`
	Bind string `yaml:"bind" json:"bind"`
	Key  string `yaml:"key" json:"key,omitempty"`
}

// HealthCheckConfig tunes the periodic wire self-probe.
type HealthCheckConfig struct {
	Interval          time.Duration `yaml:"interval" json:"interval"`
	FailureThreshold  int           `yaml:"failure_threshold" json:"failure_threshold"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" json:"connection_timeout"`
}

// CustomType declares an extra entry for the type registry. Typlen is -1
// for varlena types; Typtype follows pg_type (b base, e enum, p pseudo).
type CustomType struct {
	Name     string `yaml:"name" json:"name"`
	OID      uint32 `yaml:"oid" json:"oid"`
	Typlen   int16  `yaml:"typlen" json:"typlen"`
	ArrayOID uint32 `yaml:"array_oid,omitempty" json:"array_oid,omitempty"`
	Typtype  string `yaml:"typtype,omitempty" json:"typtype,omitempty"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Redacted returns a copy of the Config with the API key masked.
func (c *Config) Redacted() *Config {
	out := *c
	if out.API.Key != "" {
		out.API.Key = "***REDACTED***"
	}
	return &out
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

// Default returns the configuration used when no file is given: a local
// listener on the standard port with the admin API on loopback.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.API.Port = 8080
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5432
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 100
	}
	if cfg.Server.ConnectionTimeout == 0 {
		cfg.Server.ConnectionTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Pool.MinConnections == 0 {
		cfg.Pool.MinConnections = 5
	}
	if cfg.Pool.MaxConnections == 0 {
		cfg.Pool.MaxConnections = 50
	}
	if cfg.Pool.MaxIdleConnections == 0 {
		cfg.Pool.MaxIdleConnections = 10
	}
	if cfg.Pool.IdleTimeout == 0 {
		cfg.Pool.IdleTimeout = 5 * time.Minute
	}
	if cfg.Pool.AcquireTimeout == 0 {
		cfg.Pool.AcquireTimeout = 5 * time.Second
	}
	if cfg.Pool.ValidationInterval == 0 {
		cfg.Pool.ValidationInterval = time.Minute
	}
	if cfg.Pool.CleanupInterval == 0 {
		cfg.Pool.CleanupInterval = 30 * time.Second
	}
	if cfg.Notifications.MaxChannels == 0 {
		cfg.Notifications.MaxChannels = 1000
	}
	if cfg.Notifications.MaxListenersPerChannel == 0 {
		cfg.Notifications.MaxListenersPerChannel = 100
	}
	if cfg.Notifications.ChannelNameMaxLength == 0 {
		cfg.Notifications.ChannelNameMaxLength = 63
	}
	if cfg.Notifications.PayloadMaxLength == 0 {
		cfg.Notifications.PayloadMaxLength = 8000
	}
	if cfg.Notifications.CleanupInterval == 0 {
		cfg.Notifications.CleanupInterval = time.Minute
	}
	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1"
	}
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 30 * time.Second
	}
	if cfg.Health.FailureThreshold == 0 {
		cfg.Health.FailureThreshold = 3
	}
	if cfg.Health.ConnectionTimeout == 0 {
		cfg.Health.ConnectionTimeout = 5 * time.Second
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server: port %d out of range", cfg.Server.Port)
	}
	if cfg.Server.MaxConnections < 0 {
		return fmt.Errorf("server: max_connections must not be negative")
	}
	if cfg.Pool.MinConnections < 0 || cfg.Pool.MaxConnections < 0 {
		return fmt.Errorf("pool: connection counts must not be negative")
	}
	if cfg.Pool.MaxConnections > 0 && cfg.Pool.MinConnections > cfg.Pool.MaxConnections {
		return fmt.Errorf("pool: min_connections %d exceeds max_connections %d",
			cfg.Pool.MinConnections, cfg.Pool.MaxConnections)
	}
	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		return fmt.Errorf("api: port %d out of range", cfg.API.Port)
	}
	for i, ct := range cfg.CustomTypes {
		if ct.Name == "" {
			return fmt.Errorf("custom_types[%d]: name is required", i)
		}
		if ct.OID == 0 {
			return fmt.Errorf("custom_types[%d] %q: oid is required", i, ct.Name)
		}
		if len(ct.Typtype) > 1 {
			return fmt.Errorf("custom_types[%d] %q: typtype must be a single character", i, ct.Name)
		}
	}
	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log: unknown format %q", cfg.Log.Format)
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	log      *slog.Logger
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		log:      slog.Default(),
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Warn("config watcher error", "error", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		cw.log.Warn("config hot-reload failed", "error", err)
		return
	}

	cw.log.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
