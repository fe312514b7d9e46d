// ABOUTME: Wire shapes of the registration and heartbeat calls.
// ABOUTME: Shared by the core's command handlers and the agent-side heartbeater.

package agent

import "errors"

// Procedure names served by the core.
const (
	MethodRegister              = "register"
	MethodHeartbeat             = "heartbeat"
	MethodComponentNotification = "componentNotification"
)

// ErrNotRegistered is returned for heartbeats from agents the core has never seen.
var ErrNotRegistered = errors.New("agent not registered")

// RegisterRequest announces an agent's listener address.
type RegisterRequest struct {
	ListenerIP   string `json:"listener_ip"`
	ListenerPort int    `json:"listener_port"`
	// AgentID is optional; the core derives one from the listener address when empty.
	AgentID        string `json:"agent_id,omitempty"`
	Implementation string `json:"implementation,omitempty"`
	Version        string `json:"version,omitempty"`
}

// RegisterResponse tells the agent where to send events and how often it may heartbeat.
type RegisterResponse struct {
	MinDelaySeconds int    `json:"min_delay_seconds"`
	EventsIP        string `json:"events_ip"`
	EventsPort      int    `json:"events_port"`
	AgentID         string `json:"agent_id"`
}

// HeartbeatRequest reports the agent's process uptime.
type HeartbeatRequest struct {
	AgentID       string `json:"agent_id"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// HeartbeatResponse repeats the heartbeat floor. Reregister is set when the
// core detected a restart and discarded the session.
type HeartbeatResponse struct {
	MinDelaySeconds int  `json:"min_delay_seconds"`
	Reregister      bool `json:"reregister,omitempty"`
}

// ComponentNotification reports one committed change in an agent's resource store.
// Seq increases per agent process so retried deliveries can be recognised.
type ComponentNotification struct {
	AgentID    string `json:"agent_id"`
	Seq        uint64 `json:"seq"`
	Kind       string `json:"kind"`
	Component  string `json:"component"`
	ID         string `json:"id"`
	PreviousID string `json:"previous_id,omitempty"`
	Parent     string `json:"parent,omitempty"`
}
