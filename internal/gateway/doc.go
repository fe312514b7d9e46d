// Package gateway implements the gami management core.
//
// # Overview
//
// The core accepts agent registrations and heartbeats, keeps one session per
// agent, and mirrors each agent's resource tree so operators can browse it
// without reaching every agent on each request.
//
// # Architecture
//
// The Gateway struct wires together:
//   - agent.Manager: session state (register, heartbeat, restart, reaping)
//   - command.Dispatcher: serves the Core command set over gRPC and HTTP
//   - Bridge: one rpc.Client per agent, built lazily from its listener address
//   - Router: resolves an agent id to a client, refusing agents that are offline
//   - Mirrors: per-agent resource.Store copies fetched over RPC
//   - dedupe.Window: drops component notifications that were delivered twice
//
// # Lifecycle
//
// New builds every component and registers the handlers. Run restores
// persisted sessions, starts the reaper and the sync workers, and serves until
// the context is canceled. Shutdown stops the servers and closes the store.
//
// # Session hooks
//
// A join (first registration or a new session after core restart) schedules
// a mirror sync. A restart drops the agent's client, mirror and dedupe
// entries. A lost agent keeps its mirror, marked stale.
//
// # HTTP surface
//
//   - GET /health, GET /health/ready
//   - GET /api/agents, GET /api/agents/{id}, DELETE /api/agents/{id}
//   - GET /api/agents/{id}/resources, POST /api/agents/{id}/resync
//   - POST /api/agents/{id}/call
//   - POST /rpc (Core command set over the HTTP transport)
//   - GET /metrics when enabled
package gateway
