// ABOUTME: Configuration loading and parsing for agent-hub
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete agent-hub configuration
type Config struct {
	Hub      HubConfig      `yaml:"hub" toml:"hub"`
	HTTP     HTTPConfig     `yaml:"http" toml:"http"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Agents   AgentsConfig   `yaml:"agents" toml:"agents"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// HubConfig holds the agent-facing TCP listener settings
type HubConfig struct {
	Address      string `yaml:"address" toml:"address"`
	Address6     string `yaml:"address6" toml:"address6"`
	TCPPort      int    `yaml:"tcp_port" toml:"tcp_port"`
	EnableIPv6   bool   `yaml:"enable_ipv6" toml:"enable_ipv6"`
	MaxFrameSize uint32 `yaml:"max_frame_size" toml:"max_frame_size"`

	AuthTimeout     time.Duration `yaml:"-" toml:"-"`
	IdleTimeout     time.Duration `yaml:"-" toml:"-"`
	KeepAlivePeriod time.Duration `yaml:"-" toml:"-"`
	WriteTimeout    time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	AuthTimeoutRaw     string `yaml:"auth_timeout" toml:"auth_timeout"`
	IdleTimeoutRaw     string `yaml:"idle_timeout" toml:"idle_timeout"`
	KeepAlivePeriodRaw string `yaml:"keepalive_period" toml:"keepalive_period"`
	WriteTimeoutRaw    string `yaml:"write_timeout" toml:"write_timeout"`
}

// HTTPConfig holds the admin API listener. An empty Addr disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds the agent shared key and the admin token secret.
// Exactly one of Key and KeyHash is set.
type AuthConfig struct {
	Key         string `yaml:"key" toml:"key"`
	KeyHash     string `yaml:"key_hash" toml:"key_hash"`
	AdminSecret string `yaml:"admin_secret" toml:"admin_secret"`

	TokenTTL    time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" toml:"token_ttl"`
}

// AgentsConfig holds the default intervals pushed to agents in CONFIG, in seconds
type AgentsConfig struct {
	SystemInfoInterval int `yaml:"system_info_interval" toml:"system_info_interval"`
	HeartbeatInterval  int `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	ReconnectInterval  int `yaml:"reconnect_interval" toml:"reconnect_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MinAdminSecretLen is the shortest admin_secret accepted when the HTTP API is on.
const MinAdminSecretLen = 32

// Default returns a configuration populated with the built-in defaults.
func Default() *Config {
	cfg := &Config{
		Hub: HubConfig{
			Address:            "0.0.0.0",
			Address6:           "::",
			TCPPort:            3001,
			MaxFrameSize:       16 << 20,
			AuthTimeoutRaw:     "120s",
			IdleTimeoutRaw:     "60s",
			KeepAlivePeriodRaw: "30s",
			WriteTimeoutRaw:    "10s",
		},
		Database: DatabaseConfig{Path: "agent-hub.db"},
		Auth:     AuthConfig{TokenTTLRaw: "24h"},
		Agents: AgentsConfig{
			SystemInfoInterval: 60,
			HeartbeatInterval:  30,
			ReconnectInterval:  5,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
	// the defaults above always parse
	_ = parseDurations(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Values missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Hub.TCPPort < 1 || c.Hub.TCPPort > 65535 {
		return fmt.Errorf("hub.tcp_port %d out of range 1-65535", c.Hub.TCPPort)
	}
	if c.Hub.Address == "" {
		return fmt.Errorf("hub.address is required")
	}
	if c.Hub.EnableIPv6 && c.Hub.Address6 == "" {
		return fmt.Errorf("hub.address6 is required when enable_ipv6 is set")
	}
	if c.Hub.MaxFrameSize == 0 {
		return fmt.Errorf("hub.max_frame_size must be positive")
	}
	if c.Hub.AuthTimeout <= 0 {
		return fmt.Errorf("hub.auth_timeout must be positive")
	}
	if c.Hub.IdleTimeout <= 0 {
		return fmt.Errorf("hub.idle_timeout must be positive")
	}
	if c.Hub.KeepAlivePeriod < 0 {
		return fmt.Errorf("hub.keepalive_period must not be negative")
	}
	if c.Hub.WriteTimeout <= 0 {
		return fmt.Errorf("hub.write_timeout must be positive")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch {
	case c.Auth.Key == "" && c.Auth.KeyHash == "":
		return fmt.Errorf("one of auth.key or auth.key_hash is required")
	case c.Auth.Key != "" && c.Auth.KeyHash != "":
		return fmt.Errorf("auth.key and auth.key_hash are mutually exclusive")
	}

	if c.HTTP.Addr != "" {
		if len(c.Auth.AdminSecret) < MinAdminSecretLen {
			return fmt.Errorf("auth.admin_secret must be at least %d bytes when http.addr is set", MinAdminSecretLen)
		}
		if c.Auth.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be positive")
		}
	}

	if c.Agents.SystemInfoInterval <= 0 || c.Agents.HeartbeatInterval <= 0 || c.Agents.ReconnectInterval <= 0 {
		return fmt.Errorf("agents intervals must be positive")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// ListenAddrs returns the host:port pairs the hub listens on.
func (h HubConfig) ListenAddrs() []string {
	port := strconv.Itoa(h.TCPPort)
	addrs := []string{net.JoinHostPort(h.Address, port)}
	if h.EnableIPv6 {
		addrs = append(addrs, net.JoinHostPort(h.Address6, port))
	}
	return addrs
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"hub.auth_timeout", cfg.Hub.AuthTimeoutRaw, &cfg.Hub.AuthTimeout},
		{"hub.idle_timeout", cfg.Hub.IdleTimeoutRaw, &cfg.Hub.IdleTimeout},
		{"hub.keepalive_period", cfg.Hub.KeepAlivePeriodRaw, &cfg.Hub.KeepAlivePeriod},
		{"hub.write_timeout", cfg.Hub.WriteTimeoutRaw, &cfg.Hub.WriteTimeout},
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
