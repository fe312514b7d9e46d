// ABOUTME: Store interface and data types for gami persistence
// ABOUTME: Holds the service namespace, agent session blobs and the stable identity ledger

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Identity is one ledger row: the unique key a stable id was derived from.
type Identity struct {
	StableID  string
	UniqueKey string
	Component string
	AgentID   string
	FirstSeen time.Time
	LastSeen  time.Time
}

// Store defines the persistence operations used by the core and the agents.
type Store interface {
	// ServiceUUID returns the persisted service namespace, creating it on first use.
	ServiceUUID(ctx context.Context) (uuid.UUID, error)

	SaveAgentState(ctx context.Context, agentID string, state []byte) error
	GetAgentState(ctx context.Context, agentID string) ([]byte, error)
	DeleteAgentState(ctx context.Context, agentID string) error
	ListAgentStates(ctx context.Context) (map[string][]byte, error)

	// RecordIdentity upserts a ledger row, keeping the original first_seen.
	RecordIdentity(ctx context.Context, id Identity) error
	GetIdentity(ctx context.Context, stableID string) (*Identity, error)
	// ListIdentities lists ledger rows, filtered by agent when agentID is non-empty.
	ListIdentities(ctx context.Context, agentID string) ([]*Identity, error)

	Close() error
}
