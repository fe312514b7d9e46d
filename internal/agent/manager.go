// ABOUTME: Core-side agent session manager: registration, heartbeats and restart detection.
// ABOUTME: Sessions are persisted so uptime regressions survive a core restart.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/gami/internal/command"
	"github.com/2389/gami/internal/metrics"
	"github.com/2389/gami/internal/store"
)

// DefaultMinDelay is the heartbeat floor handed out when none is configured.
const DefaultMinDelay = 10 * time.Second

// Hooks are invoked after a lifecycle transition, outside the manager's lock.
type Hooks struct {
	// OnJoin fires when a new session starts: registration or the first heartbeat after a teardown.
	OnJoin func(Session)
	// OnRestart fires when a heartbeat reveals the agent restarted.
	OnRestart func(Session)
	// OnLost fires when the reaper gives up on a silent agent.
	OnLost func(Session)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	MinDelay   time.Duration
	EventsIP   string
	EventsPort int
	// HeartbeatTimeout is how long an agent may stay silent before Reap marks it unknown.
	// Zero disables reaping.
	HeartbeatTimeout time.Duration
	// Namespace is used to derive agent ids from listener addresses.
	Namespace uuid.UUID
	Store     store.Store
	Hooks     Hooks
	Logger    *slog.Logger
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Manager tracks agent sessions.
type Manager struct {
	cfg      ManagerConfig
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = DefaultMinDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		logger:   logger.With("component", "agent_manager"),
		now:      now,
	}
}

// Load restores persisted sessions. Restored agents start Unknown: the core has
// no mirror of them, so their next heartbeat starts a new session.
func (m *Manager) Load(ctx context.Context) error {
	if m.cfg.Store == nil {
		return nil
	}
	states, err := m.cfg.Store.ListAgentStates(ctx)
	if err != nil {
		return fmt.Errorf("loading agent sessions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, blob := range states {
		sess, err := DecodeSession(blob)
		if err != nil {
			m.logger.Warn("skipping unreadable agent session", "agent_id", id, "error", err)
			continue
		}
		sess.State = StateUnknown
		m.sessions[id] = &sess
	}
	m.logger.Info("restored agent sessions", "count", len(states))
	return nil
}

// AgentIDFor derives the id of an agent that did not declare one.
func (m *Manager) AgentIDFor(ip string, port int) string {
	return uuid.NewSHA1(m.cfg.Namespace, []byte(net.JoinHostPort(ip, strconv.Itoa(port)))).String()
}

// Register starts a new session for the calling agent.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	if req.ListenerIP == "" || net.ParseIP(req.ListenerIP) == nil && !validHostname(req.ListenerIP) {
		return RegisterResponse{}, fmt.Errorf("%w: listener_ip %q", command.ErrInvalidValue, req.ListenerIP)
	}
	if req.ListenerPort < 1 || req.ListenerPort > 65535 {
		return RegisterResponse{}, fmt.Errorf("%w: listener_port %d out of range", command.ErrInvalidValue, req.ListenerPort)
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = m.AgentIDFor(req.ListenerIP, req.ListenerPort)
	}
	now := m.now()

	m.mu.Lock()
	sess, exists := m.sessions[agentID]
	if !exists {
		sess = &Session{AgentID: agentID}
		m.sessions[agentID] = sess
	}
	sess.ListenerIP = req.ListenerIP
	sess.ListenerPort = req.ListenerPort
	sess.Implementation = req.Implementation
	sess.Version = req.Version
	sess.MinDelay = m.cfg.MinDelay
	sess.State = StateRegistered
	sess.HasUptime = false
	sess.LastUptime = 0
	sess.LastSeen = now
	sess.RegisteredAt = now
	sess.Generation++
	snapshot := *sess
	m.mu.Unlock()

	m.persist(ctx, snapshot)
	m.logger.Info("=== AGENT REGISTERED ===",
		"agent_id", agentID,
		"listener", snapshot.Address(),
		"implementation", snapshot.Implementation,
		"generation", snapshot.Generation)
	m.fire(m.cfg.Hooks.OnJoin, snapshot)

	return RegisterResponse{
		MinDelaySeconds: m.minDelaySeconds(),
		EventsIP:        m.cfg.EventsIP,
		EventsPort:      m.cfg.EventsPort,
		AgentID:         agentID,
	}, nil
}

// minDelaySeconds rounds the floor up so agents never heartbeat faster than configured.
func (m *Manager) minDelaySeconds() int {
	return int((m.cfg.MinDelay + time.Second - 1) / time.Second)
}

// Heartbeat refreshes an agent's liveness. An uptime smaller than the last one
// tears the session down and asks the agent to register again.
func (m *Manager) Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	now := m.now()
	resp := HeartbeatResponse{MinDelaySeconds: m.minDelaySeconds()}

	m.mu.Lock()
	sess, exists := m.sessions[req.AgentID]
	if !exists {
		m.mu.Unlock()
		metrics.ObserveHeartbeat("unregistered")
		m.logger.Debug("heartbeat from unknown agent", "agent_id", req.AgentID)
		return HeartbeatResponse{}, fmt.Errorf("%w: %s", ErrNotRegistered, req.AgentID)
	}

	var hook func(Session)
	var outcome string
	switch {
	case sess.State == StateUnknown:
		// First heartbeat after a teardown: the agent is back under a new session.
		sess.Generation++
		sess.State = StateAlive
		sess.LastUptime = req.UptimeSeconds
		sess.HasUptime = true
		sess.LastSeen = now
		hook = m.cfg.Hooks.OnJoin
		outcome = "new_session"

	case sess.HasUptime && req.UptimeSeconds < sess.LastUptime:
		previous := sess.LastUptime
		sess.State = StateUnknown
		sess.HasUptime = false
		sess.LastUptime = 0
		sess.Restarts++
		sess.LastSeen = now
		resp.Reregister = true
		hook = m.cfg.Hooks.OnRestart
		outcome = "restarted"
		m.logger.Info("=== AGENT RESTARTED ===",
			"agent_id", req.AgentID,
			"previous_uptime", previous,
			"uptime", req.UptimeSeconds,
			"restarts", sess.Restarts)

	default:
		sess.State = StateAlive
		sess.LastUptime = req.UptimeSeconds
		sess.HasUptime = true
		sess.LastSeen = now
		outcome = "alive"
	}
	snapshot := *sess
	m.mu.Unlock()

	metrics.ObserveHeartbeat(outcome)
	m.logger.Debug("heartbeat",
		"agent_id", req.AgentID,
		"uptime", req.UptimeSeconds,
		"outcome", outcome,
		"generation", snapshot.Generation)

	m.persist(ctx, snapshot)
	m.fire(hook, snapshot)
	return resp, nil
}

// Reap marks agents silent for longer than the heartbeat timeout as unknown.
func (m *Manager) Reap(now time.Time) []string {
	if m.cfg.HeartbeatTimeout <= 0 {
		return nil
	}

	var lost []Session
	m.mu.Lock()
	for _, sess := range m.sessions {
		if sess.State == StateUnknown {
			continue
		}
		if now.Sub(sess.LastSeen) > m.cfg.HeartbeatTimeout {
			sess.State = StateUnknown
			sess.HasUptime = false
			lost = append(lost, *sess)
		}
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(lost))
	for _, sess := range lost {
		m.logger.Warn("=== AGENT LOST ===",
			"agent_id", sess.AgentID,
			"last_seen", sess.LastSeen)
		m.persist(context.Background(), sess)
		m.fire(m.cfg.Hooks.OnLost, sess)
		ids = append(ids, sess.AgentID)
	}
	slices.Sort(ids)
	return ids
}

// RunReaper calls Reap on every tick until ctx is done.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap(m.now())
		}
	}
}

// Get returns a copy of an agent's session.
func (m *Manager) Get(agentID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[agentID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// List returns every session sorted by agent id.
func (m *Manager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, *sess)
	}
	slices.SortFunc(out, func(a, b Session) int {
		switch {
		case a.AgentID < b.AgentID:
			return -1
		case a.AgentID > b.AgentID:
			return 1
		}
		return 0
	})
	return out
}

// CountByState counts sessions per state.
func (m *Manager) CountByState() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int)
	for _, sess := range m.sessions {
		out[string(sess.State)]++
	}
	return out
}

// Forget drops an agent entirely, including its persisted state.
func (m *Manager) Forget(ctx context.Context, agentID string) error {
	m.mu.Lock()
	_, ok := m.sessions[agentID]
	delete(m.sessions, agentID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, agentID)
	}
	if m.cfg.Store != nil {
		if err := m.cfg.Store.DeleteAgentState(ctx, agentID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	m.logger.Info("=== AGENT FORGOTTEN ===", "agent_id", agentID)
	return nil
}

func (m *Manager) persist(ctx context.Context, sess Session) {
	if m.cfg.Store == nil {
		return
	}
	blob, err := EncodeSession(sess)
	if err != nil {
		m.logger.Error("failed to encode agent session", "agent_id", sess.AgentID, "error", err)
		return
	}
	if err := m.cfg.Store.SaveAgentState(ctx, sess.AgentID, blob); err != nil {
		m.logger.Warn("failed to persist agent session", "agent_id", sess.AgentID, "error", err)
	}
}

func (m *Manager) fire(hook func(Session), sess Session) {
	if hook != nil {
		go hook(sess)
	}
}

func validHostname(host string) bool {
	if len(host) > 253 {
		return false
	}
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}
