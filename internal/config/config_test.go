// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
hub:
  address: "127.0.0.1"
  tcp_port: 4001
  enable_ipv6: true
  address6: "::1"
  auth_timeout: "10s"
  idle_timeout: "45s"
  keepalive_period: "15s"
  max_frame_size: 1048576

http:
  addr: "127.0.0.1:8080"

database:
  path: "./test.db"

auth:
  key: "fleet-key"
  admin_secret: "0123456789abcdef0123456789abcdef"
  token_ttl: "1h"

agents:
  system_info_interval: 120
  heartbeat_interval: 15
  reconnect_interval: 3

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Hub.Address != "127.0.0.1" {
		t.Errorf("Hub.Address = %q, want %q", cfg.Hub.Address, "127.0.0.1")
	}
	if cfg.Hub.TCPPort != 4001 {
		t.Errorf("Hub.TCPPort = %d, want 4001", cfg.Hub.TCPPort)
	}
	if cfg.Hub.MaxFrameSize != 1<<20 {
		t.Errorf("Hub.MaxFrameSize = %d, want %d", cfg.Hub.MaxFrameSize, 1<<20)
	}
	if cfg.Hub.AuthTimeout != 10*time.Second {
		t.Errorf("Hub.AuthTimeout = %v, want 10s", cfg.Hub.AuthTimeout)
	}
	if cfg.Hub.IdleTimeout != 45*time.Second {
		t.Errorf("Hub.IdleTimeout = %v, want 45s", cfg.Hub.IdleTimeout)
	}
	if cfg.Hub.KeepAlivePeriod != 15*time.Second {
		t.Errorf("Hub.KeepAlivePeriod = %v, want 15s", cfg.Hub.KeepAlivePeriod)
	}
	if cfg.HTTP.Addr != "127.0.0.1:8080" {
		t.Errorf("HTTP.Addr = %q", cfg.HTTP.Addr)
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Auth.Key != "fleet-key" {
		t.Errorf("Auth.Key = %q", cfg.Auth.Key)
	}
	if cfg.Auth.TokenTTL != time.Hour {
		t.Errorf("Auth.TokenTTL = %v, want 1h", cfg.Auth.TokenTTL)
	}
	if cfg.Agents.SystemInfoInterval != 120 || cfg.Agents.HeartbeatInterval != 15 || cfg.Agents.ReconnectInterval != 3 {
		t.Errorf("Agents = %+v", cfg.Agents)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}

	addrs := cfg.Hub.ListenAddrs()
	if len(addrs) != 2 || addrs[0] != "127.0.0.1:4001" || addrs[1] != "[::1]:4001" {
		t.Errorf("ListenAddrs() = %v", addrs)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
auth:
  key: "k"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Hub.Address != "0.0.0.0" || cfg.Hub.Address6 != "::" {
		t.Errorf("Hub addresses = %q %q", cfg.Hub.Address, cfg.Hub.Address6)
	}
	if cfg.Hub.TCPPort != 3001 {
		t.Errorf("Hub.TCPPort = %d, want 3001", cfg.Hub.TCPPort)
	}
	if cfg.Hub.AuthTimeout != 120*time.Second {
		t.Errorf("Hub.AuthTimeout = %v, want 120s", cfg.Hub.AuthTimeout)
	}
	if cfg.Hub.IdleTimeout != 60*time.Second {
		t.Errorf("Hub.IdleTimeout = %v, want 60s", cfg.Hub.IdleTimeout)
	}
	if cfg.Hub.WriteTimeout != 10*time.Second {
		t.Errorf("Hub.WriteTimeout = %v, want 10s", cfg.Hub.WriteTimeout)
	}
	if cfg.Hub.MaxFrameSize != 16<<20 {
		t.Errorf("Hub.MaxFrameSize = %d", cfg.Hub.MaxFrameSize)
	}
	if cfg.Agents.SystemInfoInterval != 60 || cfg.Agents.HeartbeatInterval != 30 || cfg.Agents.ReconnectInterval != 5 {
		t.Errorf("Agents = %+v, want 60/30/5", cfg.Agents)
	}
	if cfg.HTTP.Addr != "" {
		t.Errorf("HTTP.Addr = %q, want disabled", cfg.HTTP.Addr)
	}
	if got := cfg.Hub.ListenAddrs(); len(got) != 1 || got[0] != "0.0.0.0:3001" {
		t.Errorf("ListenAddrs() = %v", got)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "hub.toml", `
[hub]
tcp_port = 5005
idle_timeout = "2m"

[database]
path = "/tmp/hub.db"

[auth]
key = "toml-key"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Hub.TCPPort != 5005 {
		t.Errorf("Hub.TCPPort = %d, want 5005", cfg.Hub.TCPPort)
	}
	if cfg.Hub.IdleTimeout != 2*time.Minute {
		t.Errorf("Hub.IdleTimeout = %v, want 2m", cfg.Hub.IdleTimeout)
	}
	if cfg.Database.Path != "/tmp/hub.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Auth.Key != "toml-key" {
		t.Errorf("Auth.Key = %q", cfg.Auth.Key)
	}
	// untouched sections keep defaults
	if cfg.Hub.AuthTimeout != 120*time.Second {
		t.Errorf("Hub.AuthTimeout = %v, want 120s", cfg.Hub.AuthTimeout)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_HUB_KEY", "from-env")
	t.Setenv("TEST_HUB_DB", "/var/lib/hub.db")

	configPath := writeConfig(t, "config.yaml", `
database:
  path: "${TEST_HUB_DB}"
auth:
  key: "${TEST_HUB_KEY}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.Key != "from-env" {
		t.Errorf("Auth.Key = %q, want %q", cfg.Auth.Key, "from-env")
	}
	if cfg.Database.Path != "/var/lib/hub.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/var/lib/hub.db")
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
auth:
  key: "${TEST_HUB_DEFINITELY_UNSET}"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for empty key, got nil")
	}
	if !strings.Contains(err.Error(), "auth.key") {
		t.Errorf("error = %v, want mention of auth.key", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", "hub:\n  tcp_port: [not valid\n")

	if _, err := Load(configPath); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, "config.yaml", `
hub:
  idle_timeout: "soon"
auth:
  key: "k"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration, got nil")
	}
	if !strings.Contains(err.Error(), "hub.idle_timeout") {
		t.Errorf("error = %v, want mention of hub.idle_timeout", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults with key", func(c *Config) {}, ""},
		{"port zero", func(c *Config) { c.Hub.TCPPort = 0 }, "tcp_port"},
		{"port too high", func(c *Config) { c.Hub.TCPPort = 70000 }, "tcp_port"},
		{"no database", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"no key", func(c *Config) { c.Auth.Key = "" }, "auth.key"},
		{"key and hash", func(c *Config) { c.Auth.KeyHash = "$2a$10$x" }, "mutually exclusive"},
		{"zero auth timeout", func(c *Config) { c.Hub.AuthTimeout = 0 }, "auth_timeout"},
		{"zero idle timeout", func(c *Config) { c.Hub.IdleTimeout = 0 }, "idle_timeout"},
		{"zero write timeout", func(c *Config) { c.Hub.WriteTimeout = 0 }, "write_timeout"},
		{"zero frame size", func(c *Config) { c.Hub.MaxFrameSize = 0 }, "max_frame_size"},
		{"ipv6 without address", func(c *Config) { c.Hub.EnableIPv6 = true; c.Hub.Address6 = "" }, "address6"},
		{"http short secret", func(c *Config) { c.HTTP.Addr = ":8080"; c.Auth.AdminSecret = "short" }, "admin_secret"},
		{"http long secret", func(c *Config) {
			c.HTTP.Addr = ":8080"
			c.Auth.AdminSecret = strings.Repeat("x", MinAdminSecretLen)
		}, ""},
		{"zero interval", func(c *Config) { c.Agents.HeartbeatInterval = 0 }, "intervals"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.Key = "k"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
