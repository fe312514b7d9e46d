// ABOUTME: Bridge holds one RPC client per agent, built lazily from the session's listener address.
// ABOUTME: Clients are dropped when an agent restarts or is lost so the next call reconnects.

package gateway

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/gami/internal/agent"
	"github.com/2389/gami/internal/rpc"
)

// ConnectFunc opens a connector to an agent.
type ConnectFunc func(sess agent.Session) (rpc.Connector, error)

// Bridge caches per-agent clients.
type Bridge struct {
	mu      sync.Mutex
	clients map[string]bridgeEntry
	connect ConnectFunc
	timeout time.Duration
	logger  *slog.Logger
}

type bridgeEntry struct {
	address string
	client  *rpc.Client
}

// NewBridge creates a Bridge. timeout bounds every call made through its clients.
func NewBridge(connect ConnectFunc, timeout time.Duration, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		clients: make(map[string]bridgeEntry),
		connect: connect,
		timeout: timeout,
		logger:  logger.With("component", "bridge"),
	}
}

// Client returns the client for sess, connecting on first use or when the
// agent's address changed since the client was built.
func (b *Bridge) Client(sess agent.Session) (*rpc.Client, error) {
	addr := sess.Address()

	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.clients[sess.AgentID]; ok {
		if e.address == addr {
			return e.client, nil
		}
		_ = e.client.Close()
		delete(b.clients, sess.AgentID)
	}

	conn, err := b.connect(sess)
	if err != nil {
		return nil, fmt.Errorf("connecting to agent %s at %s: %w", sess.AgentID, addr, err)
	}
	client := rpc.NewClient(conn, rpc.ClientConfig{
		Timeout: b.timeout,
		AgentID: sess.AgentID,
		Logger:  b.logger,
	})
	b.clients[sess.AgentID] = bridgeEntry{address: addr, client: client}
	b.logger.Debug("agent client created", "agent_id", sess.AgentID, "address", addr)
	return client, nil
}

// Drop closes and forgets the client for agentID.
func (b *Bridge) Drop(agentID string) {
	b.mu.Lock()
	e, ok := b.clients[agentID]
	delete(b.clients, agentID)
	b.mu.Unlock()

	if ok {
		_ = e.client.Close()
	}
}

// Len returns the number of cached clients.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Close closes every client.
func (b *Bridge) Close() {
	b.mu.Lock()
	clients := b.clients
	b.clients = make(map[string]bridgeEntry)
	b.mu.Unlock()

	for _, e := range clients {
		_ = e.client.Close()
	}
}
