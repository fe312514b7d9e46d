// ABOUTME: Per-agent session state as seen by the core, and its CBOR persistence encoding.
// ABOUTME: Encoding is deterministic so identical sessions always produce identical bytes.

package agent

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// State is where an agent is in the session lifecycle.
type State string

const (
	StateUnknown    State = "unknown"
	StateRegistered State = "registered"
	StateAlive      State = "alive"
)

// Session is the core's record of one agent.
type Session struct {
	AgentID        string        `cbor:"agent_id" json:"agent_id"`
	ListenerIP     string        `cbor:"listener_ip" json:"listener_ip"`
	ListenerPort   int           `cbor:"listener_port" json:"listener_port"`
	Implementation string        `cbor:"implementation,omitempty" json:"implementation,omitempty"`
	Version        string        `cbor:"version,omitempty" json:"version,omitempty"`
	MinDelay       time.Duration `cbor:"min_delay" json:"min_delay"`
	State          State         `cbor:"state" json:"state"`
	// LastUptime is only meaningful when HasUptime is set.
	LastUptime   int64     `cbor:"last_uptime" json:"last_uptime"`
	HasUptime    bool      `cbor:"has_uptime" json:"has_uptime"`
	LastSeen     time.Time `cbor:"last_seen" json:"last_seen"`
	RegisteredAt time.Time `cbor:"registered_at" json:"registered_at"`
	// Generation increments with every new session for the same agent.
	Generation int `cbor:"generation" json:"generation"`
	Restarts   int `cbor:"restarts" json:"restarts"`
}

// Address returns the agent's RPC listener as host:port.
func (s Session) Address() string {
	return net.JoinHostPort(s.ListenerIP, strconv.Itoa(s.ListenerPort))
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("agent: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("agent: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeSession serializes a session for the agent_state table.
func EncodeSession(s Session) ([]byte, error) {
	data, err := encMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding session %s: %w", s.AgentID, err)
	}
	return data, nil
}

// DecodeSession parses a stored session.
func DecodeSession(data []byte) (Session, error) {
	var s Session
	if err := decMode.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("decoding session: %w", err)
	}
	return s, nil
}
