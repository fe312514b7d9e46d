// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	service    uuid.UUID
	agentState map[string][]byte    // keyed by agentID
	identities map[string]*Identity // keyed by stable id
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agentState: make(map[string][]byte),
		identities: make(map[string]*Identity),
	}
}

// ServiceUUID returns the namespace, generating it on first use.
func (m *MockStore) ServiceUUID(ctx context.Context) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.service == uuid.Nil {
		m.service = uuid.New()
	}
	return m.service, nil
}

// SaveAgentState stores a copy of the state blob.
func (m *MockStore) SaveAgentState(ctx context.Context, agentID string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentState[agentID] = slices.Clone(state)
	return nil
}

// GetAgentState returns the stored blob or ErrNotFound.
func (m *MockStore) GetAgentState(ctx context.Context, agentID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.agentState[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(state), nil
}

// DeleteAgentState removes the stored blob.
func (m *MockStore) DeleteAgentState(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agentState, agentID)
	return nil
}

// ListAgentStates returns copies of every stored blob.
func (m *MockStore) ListAgentStates(ctx context.Context) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(m.agentState))
	for k, v := range m.agentState {
		out[k] = slices.Clone(v)
	}
	return out, nil
}

// RecordIdentity upserts a ledger row, keeping first_seen.
func (m *MockStore) RecordIdentity(ctx context.Context, id Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id.LastSeen.IsZero() {
		id.LastSeen = time.Now()
	}
	if prev, ok := m.identities[id.StableID]; ok {
		id.FirstSeen = prev.FirstSeen
	} else {
		id.FirstSeen = id.LastSeen
	}
	m.identities[id.StableID] = &id
	return nil
}

// GetIdentity returns a copy of the ledger row.
func (m *MockStore) GetIdentity(ctx context.Context, stableID string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[stableID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *id
	return &c, nil
}

// ListIdentities returns ledger rows ordered by stable id.
func (m *MockStore) ListIdentities(ctx context.Context, agentID string) ([]*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Identity
	for _, key := range slices.Sorted(maps.Keys(m.identities)) {
		id := m.identities[key]
		if agentID != "" && id.AgentID != agentID {
			continue
		}
		c := *id
		out = append(out, &c)
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
