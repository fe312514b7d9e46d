// Package agent implements the registration and heartbeat protocol between
// hardware agents and the management core.
//
// # Manager
//
// The Manager is the core-side view of every agent:
//
//	mgr := agent.NewManager(agent.ManagerConfig{Store: s, MinDelay: 5 * time.Second})
//
// Key operations:
//
//   - Register(ctx, req): start a session and hand out the events address and min delay
//   - Heartbeat(ctx, req): refresh liveness, detect restarts by uptime regression
//   - Reap(now): mark agents that stopped heartbeating as unknown
//   - Get(id), List(): inspect sessions
//
// # Session lifecycle
//
//	Unknown -> Registered -> Alive -> (uptime regression) -> Unknown -> ...
//
// A heartbeat reporting a smaller uptime than the previous one means the agent
// process restarted. The session is torn down, OnRestart fires so cached state
// can be dropped, and the response asks the agent to register again. The next
// heartbeat or registration starts a fresh session and fires OnJoin.
//
// # Heartbeater
//
// The Heartbeater runs inside an agent: it registers with backoff, then
// heartbeats no faster than the min delay the core handed out.
//
// # Persistence
//
// Sessions are saved as deterministic CBOR in the store's agent_state table so
// uptime regressions are still detected after a core restart.
package agent
