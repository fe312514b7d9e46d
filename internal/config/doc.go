// Package config handles configuration loading for the gami binaries.
//
// # Overview
//
// The management core reads YAML; agents read TOML. Both expand
// ${VAR_NAME} references from the environment before parsing and both
// parse duration strings with time.ParseDuration.
//
// # Core Configuration
//
// Default locations (in order):
//
//  1. Path from GAMI_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/gami/core.yaml
//  3. ~/.config/gami/core.yaml
//
// Example:
//
//	server:
//	  grpc_addr: "0.0.0.0:50061"   # agent RPC and registration
//	  http_addr: "0.0.0.0:8086"    # health, API, metrics
//	database:
//	  path: "/var/lib/gami/core.db"
//	agents:
//	  min_delay: "10s"             # heartbeat floor handed to agents
//	  heartbeat_timeout: "45s"     # silence before an agent is marked unknown
//	  call_timeout: "5s"           # per-call RPC timeout toward agents
//	  transport: "grpc"            # grpc or http
//	  events_addr: "10.0.0.1:50061"
//	auth:
//	  jwt_secret: "${GAMI_JWT_SECRET}"
//	service:
//	  namespace_id: ""             # empty: generated once and persisted
//	logging:
//	  level: "info"
//	  format: "text"
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Agent Configuration
//
// Default locations: GAMI_AGENT_CONFIG, then gami/agent.toml under the
// XDG config directory.
//
//	[agent]
//	implementation = "Stubs"
//	listener_ip = "10.0.0.7"
//	listener_port = 7700
//
//	[core]
//	address = "10.0.0.1:50061"
//	heartbeat_interval = "15s"
//
//	[discovery]
//	parent_id = "rack-7"
//	fixture = "/etc/gami/rack.yaml"
package config
