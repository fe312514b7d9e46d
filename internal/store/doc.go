// Package store provides persistent storage for gami services using SQLite.
//
// # Architecture
//
// Store is the single interface; SQLiteStore implements it and MockStore is an
// in-memory stand-in for tests.
//
// # Data Models
//
//   - service: the process-wide namespace uuid stable ids are derived in
//   - agent_state: opaque per-agent session blobs (CBOR encoded by the agent manager)
//   - identities: which unique key produced which stable id, for audit
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//
// Database file locations:
//
//   - Production: /var/lib/gami/gami.db
//   - Development: ~/.local/share/gami/gami.db
//   - Testing: a file under t.TempDir()
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//
// All methods accept context.Context for cancellation support.
package store
