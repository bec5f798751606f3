// Package config holds the devlink configuration and its loading logic.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Connection ConnectionConfig `yaml:"connection"`
	API        APIConfig        `yaml:"api"`
	Cache      CacheConfig      `yaml:"cache"`
	Web        WebConfig        `yaml:"web"`
	MCP        MCPConfig        `yaml:"mcp"`
	Log        LogConfig        `yaml:"log"`
}

// ConnectionConfig controls the real-time connection to the hub.
type ConnectionConfig struct {
	URL string `yaml:"url"`
	// Transport is "websocket" or "tcp".
	Transport string `yaml:"transport"`
	// Discover resolves the hub over mDNS instead of using URL.
	Discover          bool          `yaml:"discover"`
	DiscoveryTimeout  time.Duration `yaml:"discovery_timeout"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	ReconnectCap      time.Duration `yaml:"reconnect_cap"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	// QueueLimit bounds the outbound queue; 0 is unbounded.
	QueueLimit    int    `yaml:"queue_limit"`
	QueueOverflow string `yaml:"queue_overflow"` // "drop_oldest" or "reject_new"
}

// APIConfig controls the request client.
type APIConfig struct {
	Timeout       time.Duration     `yaml:"timeout"`
	RetryAttempts int               `yaml:"retry_attempts"`
	RetryBase     time.Duration     `yaml:"retry_base"`
	RetryCap      time.Duration     `yaml:"retry_cap"`
	DebounceDelay time.Duration     `yaml:"debounce_delay"`
	Services      map[string]string `yaml:"services"`
	Token         string            `yaml:"token"`
	// RateLimit is requests per second; 0 disables client-side limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type CacheConfig struct {
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// WebConfig controls the local status surface.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Metrics bool   `yaml:"metrics"`
}

type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig controls the slog handler. Output is "stdout", "stderr" or a
// file path; files are rotated.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "text" or "json"
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			URL:               "ws://localhost:8080/ws",
			Transport:         "websocket",
			DiscoveryTimeout:  5 * time.Second,
			ReconnectAttempts: 5,
			ReconnectInterval: 5 * time.Second,
			ReconnectCap:      30 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			ConnectTimeout:    10 * time.Second,
			QueueOverflow:     "drop_oldest",
		},
		API: APIConfig{
			Timeout:       30 * time.Second,
			RetryAttempts: 3,
			RetryBase:     time.Second,
			RetryCap:      10 * time.Second,
			DebounceDelay: 300 * time.Millisecond,
			Services: map[string]string{
				"auth":    "http://localhost:8080/api/auth",
				"devices": "http://localhost:8080/api/devices",
				"monitor": "http://localhost:8080/api/monitor",
				"data":    "http://localhost:8080/api/data",
				"config":  "http://localhost:8080/api/config",
				"gateway": "http://localhost:8080",
			},
		},
		Cache: CacheConfig{
			DefaultTTL:    5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Web: WebConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9300",
			Metrics: true,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// Load reads the YAML file at path over Default(). A missing file yields the
// defaults. Environment overrides are applied last:
//
//	DEVLINK_WS_URL       connection.url
//	DEVLINK_TRANSPORT    connection.transport
//	DEVLINK_DISCOVER     connection.discover
//	DEVLINK_API_TOKEN    api.token
//	DEVLINK_GATEWAY_URL  rebases every service onto this gateway
//	DEVLINK_TIMEOUT      api.timeout
//	DEVLINK_LOG_LEVEL    log.level
//	DEVLINK_WEB_ADDR     web.addr and enables the web surface
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("DEVLINK_WS_URL"); v != "" {
		cfg.Connection.URL = v
	}
	if v := os.Getenv("DEVLINK_TRANSPORT"); v != "" {
		cfg.Connection.Transport = v
	}
	if v := os.Getenv("DEVLINK_DISCOVER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DEVLINK_DISCOVER: %w", err)
		}
		cfg.Connection.Discover = b
	}
	if v := os.Getenv("DEVLINK_API_TOKEN"); v != "" {
		cfg.API.Token = v
	}
	if v := os.Getenv("DEVLINK_GATEWAY_URL"); v != "" {
		cfg.API.Services = rebase(cfg.API.Services, v)
	}
	if v := os.Getenv("DEVLINK_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("DEVLINK_TIMEOUT: %w", err)
		}
		cfg.API.Timeout = d
	}
	if v := os.Getenv("DEVLINK_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DEVLINK_WEB_ADDR"); v != "" {
		cfg.Web.Addr = v
		cfg.Web.Enabled = true
	}
	return nil
}

// rebase points every service at gateway, keeping the "/api/<name>" layout.
func rebase(services map[string]string, gateway string) map[string]string {
	gateway = strings.TrimRight(gateway, "/")
	out := make(map[string]string, len(services))
	for name := range services {
		if name == "gateway" {
			out[name] = gateway
			continue
		}
		out[name] = gateway + "/api/" + name
	}
	return out
}

// Validate returns the first inconsistent value found.
func (c *Config) Validate() error {
	if c.Connection.URL == "" && !c.Connection.Discover {
		return errors.New("connection.url must be set unless connection.discover is enabled")
	}
	switch c.Connection.Transport {
	case "websocket", "tcp":
	default:
		return fmt.Errorf(`connection.transport must be "websocket" or "tcp", got %q`, c.Connection.Transport)
	}
	if c.Connection.ReconnectAttempts < 1 {
		return errors.New("connection.reconnect_attempts must be at least 1")
	}
	if c.Connection.ReconnectInterval <= 0 || c.Connection.ReconnectCap < c.Connection.ReconnectInterval {
		return errors.New("connection.reconnect_interval must be positive and not exceed connection.reconnect_cap")
	}
	if c.Connection.HeartbeatInterval < 0 {
		return errors.New("connection.heartbeat_interval must be >= 0")
	}
	if c.Connection.ConnectTimeout <= 0 {
		return errors.New("connection.connect_timeout must be positive")
	}
	if c.Connection.QueueLimit < 0 {
		return errors.New("connection.queue_limit must be >= 0")
	}
	switch c.Connection.QueueOverflow {
	case "drop_oldest", "reject_new":
	default:
		return fmt.Errorf(`connection.queue_overflow must be "drop_oldest" or "reject_new", got %q`, c.Connection.QueueOverflow)
	}
	if c.API.Timeout <= 0 {
		return errors.New("api.timeout must be positive")
	}
	if c.API.RetryAttempts < 0 {
		return errors.New("api.retry_attempts must be >= 0")
	}
	if c.API.RetryBase <= 0 || c.API.RetryCap < c.API.RetryBase {
		return errors.New("api.retry_base must be positive and not exceed api.retry_cap")
	}
	if len(c.API.Services) == 0 {
		return errors.New("api.services must not be empty")
	}
	if c.API.RateLimit < 0 {
		return errors.New("api.rate_limit must be >= 0")
	}
	if c.Cache.DefaultTTL <= 0 || c.Cache.SweepInterval <= 0 {
		return errors.New("cache.default_ttl and cache.sweep_interval must be positive")
	}
	if c.Web.Enabled && c.Web.Addr == "" {
		return errors.New("web.addr must be set when web is enabled")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf(`log.format must be "text" or "json", got %q`, c.Log.Format)
	}
	return nil
}
