// ABOUTME: Configuration loading and parsing for the gami management core
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Transport names accepted for agent RPC.
const (
	TransportGRPC = "grpc"
	TransportHTTP = "http"
)

// Config represents the complete management core configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Agents   AgentsConfig   `yaml:"agents"`
	Auth     AuthConfig     `yaml:"auth"`
	Service  ServiceConfig  `yaml:"service"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig holds agent session and RPC timing
type AgentsConfig struct {
	MinDelay         time.Duration `yaml:"-"`
	HeartbeatTimeout time.Duration `yaml:"-"`
	CallTimeout      time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	MinDelayRaw         string `yaml:"min_delay"`
	HeartbeatTimeoutRaw string `yaml:"heartbeat_timeout"`
	CallTimeoutRaw      string `yaml:"call_timeout"`

	Transport string `yaml:"transport"`
	// EventsAddr is handed to agents at registration. It defaults to the
	// server address matching Transport.
	EventsAddr string `yaml:"events_addr"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// ServiceConfig holds the service identity
type ServiceConfig struct {
	// NamespaceID pins the stabilization namespace. Empty means generated and persisted.
	NamespaceID string `yaml:"namespace_id" toml:"namespace_id"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg.Agents); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Agents.MinDelay == 0 {
		c.Agents.MinDelay = 10 * time.Second
	}
	if c.Agents.HeartbeatTimeout == 0 {
		c.Agents.HeartbeatTimeout = 3 * c.Agents.MinDelay
	}
	if c.Agents.CallTimeout == 0 {
		c.Agents.CallTimeout = 10 * time.Second
	}
	if c.Agents.Transport == "" {
		c.Agents.Transport = TransportGRPC
	}
	if c.Agents.EventsAddr == "" {
		c.Agents.EventsAddr = c.Server.GRPCAddr
		if c.Agents.Transport == TransportHTTP {
			c.Agents.EventsAddr = c.Server.HTTPAddr
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.GRPCAddr == "" {
		return fmt.Errorf("server.grpc_addr is required")
	}
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Agents.MinDelay < time.Second {
		return fmt.Errorf("agents.min_delay must be at least 1s, got %s", c.Agents.MinDelay)
	}
	if c.Agents.HeartbeatTimeout <= c.Agents.MinDelay {
		return fmt.Errorf("agents.heartbeat_timeout (%s) must exceed agents.min_delay (%s)", c.Agents.HeartbeatTimeout, c.Agents.MinDelay)
	}
	if err := validTransport(c.Agents.Transport); err != nil {
		return fmt.Errorf("agents.transport: %w", err)
	}
	if _, _, err := net.SplitHostPort(c.Agents.EventsAddr); err != nil {
		return fmt.Errorf("agents.events_addr %q: %w", c.Agents.EventsAddr, err)
	}
	if c.Service.NamespaceID != "" {
		if _, err := uuid.Parse(c.Service.NamespaceID); err != nil {
			return fmt.Errorf("service.namespace_id is not a uuid: %w", err)
		}
	}
	return nil
}

// Namespace returns the configured namespace and whether one was set.
func (c ServiceConfig) Namespace() (uuid.UUID, bool) {
	if c.NamespaceID == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(c.NamespaceID)
	return id, err == nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(a *AgentsConfig) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"min_delay", a.MinDelayRaw, &a.MinDelay},
		{"heartbeat_timeout", a.HeartbeatTimeoutRaw, &a.HeartbeatTimeout},
		{"call_timeout", a.CallTimeoutRaw, &a.CallTimeout},
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

func validTransport(t string) error {
	switch t {
	case TransportGRPC, TransportHTTP:
		return nil
	}
	return fmt.Errorf("must be %q or %q, got %q", TransportGRPC, TransportHTTP, t)
}

// Path resolves a config file location.
// Priority: envVar > XDG_CONFIG_HOME/gami/name > ~/.config/gami/name
func Path(envVar, name string) string {
	if p := os.Getenv(envVar); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return name
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "gami", name)
}

// DataPath resolves the data directory.
// Priority: XDG_DATA_HOME/gami > ~/.local/share/gami
func DataPath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "gami")
}
