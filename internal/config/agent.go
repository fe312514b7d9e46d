// ABOUTME: Configuration loading for gami agents
// ABOUTME: Loads TOML config with environment variable expansion

package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// AgentConfig is the configuration of one agent process.
type AgentConfig struct {
	Agent     AgentSection     `toml:"agent"`
	Core      CoreSection      `toml:"core"`
	Service   ServiceConfig    `toml:"service"`
	Discovery DiscoverySection `toml:"discovery"`
	Database  DatabaseSection  `toml:"database"`
	Auth      AuthSection      `toml:"auth"`
	Logging   LoggingConfig    `toml:"logging"`
}

type AgentSection struct {
	ID             string `toml:"id"`
	Implementation string `toml:"implementation"`
	ListenerIP     string `toml:"listener_ip"`
	ListenerPort   int    `toml:"listener_port"`
	Transport      string `toml:"transport"`
}

type CoreSection struct {
	Address string `toml:"address"`

	CallTimeout       time.Duration `toml:"-"`
	HeartbeatInterval time.Duration `toml:"-"`

	CallTimeoutRaw       string `toml:"call_timeout"`
	HeartbeatIntervalRaw string `toml:"heartbeat_interval"`
}

type DiscoverySection struct {
	// ParentID is the location id of the manager this agent runs under.
	ParentID string `toml:"parent_id"`
	Fixture  string `toml:"fixture"`
}

type DatabaseSection struct {
	Path string `toml:"path"`
}

type AuthSection struct {
	JWTSecret string `toml:"jwt_secret"`
}

// LoadAgent reads agent config from the given path, expanding environment variables.
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ParseAgent(expandEnvVars(string(data)))
}

// ParseAgent parses already expanded TOML.
func ParseAgent(doc string) (*AgentConfig, error) {
	var cfg AgentConfig
	if _, err := toml.Decode(doc, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"core.call_timeout", cfg.Core.CallTimeoutRaw, &cfg.Core.CallTimeout},
		{"core.heartbeat_interval", cfg.Core.HeartbeatIntervalRaw, &cfg.Core.HeartbeatInterval},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func (c *AgentConfig) applyDefaults() {
	if c.Agent.Implementation == "" {
		c.Agent.Implementation = "Stubs"
	}
	if c.Agent.Transport == "" {
		c.Agent.Transport = TransportGRPC
	}
	if c.Core.CallTimeout == 0 {
		c.Core.CallTimeout = 10 * time.Second
	}
	if c.Core.HeartbeatInterval == 0 {
		c.Core.HeartbeatInterval = 15 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// ListenAddr is the host:port the agent serves RPC on.
func (c *AgentConfig) ListenAddr() string {
	return net.JoinHostPort(c.Agent.ListenerIP, fmt.Sprint(c.Agent.ListenerPort))
}

// Validate checks that required config fields are present and valid.
func (c *AgentConfig) Validate() error {
	if c.Agent.ListenerIP == "" {
		return fmt.Errorf("agent.listener_ip is required")
	}
	if c.Agent.ListenerPort < 1 || c.Agent.ListenerPort > 65535 {
		return fmt.Errorf("agent.listener_port must be between 1 and 65535, got %d", c.Agent.ListenerPort)
	}
	if err := validTransport(c.Agent.Transport); err != nil {
		return fmt.Errorf("agent.transport: %w", err)
	}
	if c.Core.Address == "" {
		return fmt.Errorf("core.address is required")
	}
	if _, _, err := net.SplitHostPort(c.Core.Address); err != nil {
		return fmt.Errorf("core.address %q: %w", c.Core.Address, err)
	}
	if c.Service.NamespaceID != "" {
		if _, err := uuid.Parse(c.Service.NamespaceID); err != nil {
			return fmt.Errorf("service.namespace_id is not a uuid: %w", err)
		}
	}
	return nil
}
