// ABOUTME: Router resolves an agent id to its RPC client, verifying the agent is online
// ABOUTME: Used by the mirror walk and the operator call endpoint

package gateway

import (
	"context"
	"errors"

	"github.com/2389/gami/internal/agent"
)

// Router errors
var (
	// ErrUnknownAgent means no session exists for the agent id
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrAgentOffline means the agent has no live session
	ErrAgentOffline = errors.New("agent is offline")
)

// SessionLookup provides read access to agent sessions
type SessionLookup interface {
	Get(agentID string) (agent.Session, bool)
}

// Router routes calls to agents by id
type Router struct {
	sessions SessionLookup
	bridge   *Bridge
}

// NewRouter creates a new Router with the given session lookup and bridge
func NewRouter(sessions SessionLookup, bridge *Bridge) *Router {
	return &Router{
		sessions: sessions,
		bridge:   bridge,
	}
}

// Call invokes method on the agent.
// Returns ErrUnknownAgent if the core has never seen the agent.
// Returns ErrAgentOffline if the agent's session is not registered or alive.
func (r *Router) Call(ctx context.Context, agentID, method string, params, result any) error {
	sess, ok := r.sessions.Get(agentID)
	if !ok {
		return ErrUnknownAgent
	}
	if sess.State == agent.StateUnknown {
		return ErrAgentOffline
	}

	client, err := r.bridge.Client(sess)
	if err != nil {
		return err
	}
	return client.Call(ctx, method, params, result)
}
