package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mbocsi/devlink/config"
)

func TestDefault_MatchesEnvironmentDefaults(t *testing.T) {
	cfg := config.Default()

	if cfg.Connection.URL != "ws://localhost:8080/ws" {
		t.Errorf("expected default ws url, got %s", cfg.Connection.URL)
	}
	if cfg.Connection.ReconnectAttempts != 5 {
		t.Errorf("expected 5 reconnect attempts, got %d", cfg.Connection.ReconnectAttempts)
	}
	if cfg.Connection.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected 30s heartbeat, got %s", cfg.Connection.HeartbeatInterval)
	}
	if cfg.Connection.ConnectTimeout != 10*time.Second {
		t.Errorf("expected 10s connect timeout, got %s", cfg.Connection.ConnectTimeout)
	}
	if cfg.API.Timeout != 30*time.Second || cfg.API.RetryAttempts != 3 {
		t.Errorf("expected 30s timeout and 3 retries, got %s and %d", cfg.API.Timeout, cfg.API.RetryAttempts)
	}
	if cfg.Cache.DefaultTTL != 5*time.Minute {
		t.Errorf("expected 5m cache ttl, got %s", cfg.Cache.DefaultTTL)
	}
	if cfg.API.Services["devices"] != "http://localhost:8080/api/devices" {
		t.Errorf("unexpected devices url %s", cfg.API.Services["devices"])
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Connection.URL != "ws://localhost:8080/ws" {
		t.Errorf("expected default url, got %s", cfg.Connection.URL)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	content := `
connection:
  url: "ws://hub.local:9000/ws"
  reconnect_attempts: 3
  heartbeat_interval: 5s
  queue_limit: 100
  queue_overflow: reject_new
api:
  timeout: 2s
  services:
    devices: "http://api.local/devices"
log:
  format: json
`
	path := filepath.Join(t.TempDir(), "devlink.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Connection.URL != "ws://hub.local:9000/ws" {
		t.Errorf("expected url override, got %s", cfg.Connection.URL)
	}
	if cfg.Connection.ReconnectAttempts != 3 {
		t.Errorf("expected 3 reconnect attempts, got %d", cfg.Connection.ReconnectAttempts)
	}
	if cfg.Connection.HeartbeatInterval != 5*time.Second {
		t.Errorf("expected 5s heartbeat, got %s", cfg.Connection.HeartbeatInterval)
	}
	if cfg.Connection.QueueLimit != 100 || cfg.Connection.QueueOverflow != "reject_new" {
		t.Errorf("unexpected queue settings %d/%s", cfg.Connection.QueueLimit, cfg.Connection.QueueOverflow)
	}
	if cfg.API.Timeout != 2*time.Second {
		t.Errorf("expected 2s timeout, got %s", cfg.API.Timeout)
	}
	// untouched fields keep their defaults
	if cfg.Connection.ConnectTimeout != 10*time.Second {
		t.Errorf("expected default connect timeout, got %s", cfg.Connection.ConnectTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config must validate: %v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("connection: [unterminated"), 0o600)

	if _, err := config.Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DEVLINK_WS_URL", "ws://env.local/ws")
	t.Setenv("DEVLINK_API_TOKEN", "tok")
	t.Setenv("DEVLINK_GATEWAY_URL", "https://gw.example/")
	t.Setenv("DEVLINK_TIMEOUT", "7s")
	t.Setenv("DEVLINK_WEB_ADDR", ":9400")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Connection.URL != "ws://env.local/ws" {
		t.Errorf("expected env url, got %s", cfg.Connection.URL)
	}
	if cfg.API.Token != "tok" {
		t.Errorf("expected env token, got %q", cfg.API.Token)
	}
	if cfg.API.Services["monitor"] != "https://gw.example/api/monitor" || cfg.API.Services["gateway"] != "https://gw.example" {
		t.Errorf("expected services rebased on gateway, got %v", cfg.API.Services)
	}
	if cfg.API.Timeout != 7*time.Second {
		t.Errorf("expected 7s timeout, got %s", cfg.API.Timeout)
	}
	if !cfg.Web.Enabled || cfg.Web.Addr != ":9400" {
		t.Errorf("expected web enabled on :9400, got %v %s", cfg.Web.Enabled, cfg.Web.Addr)
	}
}

func TestLoad_BadEnvDuration(t *testing.T) {
	t.Setenv("DEVLINK_TIMEOUT", "soon")
	if _, err := config.Load(""); err == nil {
		t.Error("expected error for invalid DEVLINK_TIMEOUT")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"empty url", func(c *config.Config) { c.Connection.URL = "" }},
		{"bad transport", func(c *config.Config) { c.Connection.Transport = "udp" }},
		{"no reconnect attempts", func(c *config.Config) { c.Connection.ReconnectAttempts = 0 }},
		{"interval above cap", func(c *config.Config) { c.Connection.ReconnectInterval = time.Minute }},
		{"bad overflow", func(c *config.Config) { c.Connection.QueueOverflow = "block" }},
		{"negative queue limit", func(c *config.Config) { c.Connection.QueueLimit = -1 }},
		{"zero timeout", func(c *config.Config) { c.API.Timeout = 0 }},
		{"negative retries", func(c *config.Config) { c.API.RetryAttempts = -1 }},
		{"no services", func(c *config.Config) { c.API.Services = nil }},
		{"zero ttl", func(c *config.Config) { c.Cache.DefaultTTL = 0 }},
		{"web without addr", func(c *config.Config) { c.Web.Enabled = true; c.Web.Addr = "" }},
		{"bad log format", func(c *config.Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	cfg := config.Default()
	cfg.Connection.URL = ""
	cfg.Connection.Discover = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("discovery without url should validate: %v", err)
	}
}
