// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers namespace persistence, agent state blobs and the identity ledger

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestServiceUUID_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "gami.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	id1, err := first.ServiceUUID(ctx)
	require.NoError(t, err)
	id1again, err := first.ServiceUUID(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Close())
	assert.Equal(t, id1, id1again)

	second, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer second.Close()
	id2, err := second.ServiceUUID(ctx)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
}

func TestAgentState_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetAgentState(ctx, "agent-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveAgentState(ctx, "agent-1", []byte{0x01, 0x02}))
	require.NoError(t, s.SaveAgentState(ctx, "agent-1", []byte{0x03}))
	require.NoError(t, s.SaveAgentState(ctx, "agent-2", []byte{0x04}))

	got, err := s.GetAgentState(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03}, got)

	all, err := s.ListAgentStates(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteAgentState(ctx, "agent-1"))
	_, err = s.GetAgentState(ctx, "agent-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIdentityLedger_KeepsFirstSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	require.NoError(t, s.RecordIdentity(ctx, Identity{StableID: "sid", UniqueKey: "_Drive_SN1", Component: "Drive", AgentID: "a1", LastSeen: t0}))
	require.NoError(t, s.RecordIdentity(ctx, Identity{StableID: "sid", UniqueKey: "_Drive_SN1", Component: "Drive", AgentID: "a1", LastSeen: t1}))
	require.NoError(t, s.RecordIdentity(ctx, Identity{StableID: "other", UniqueKey: "aa:bb", Component: "NetworkInterface", AgentID: "a2", LastSeen: t1}))

	got, err := s.GetIdentity(ctx, "sid")
	require.NoError(t, err)
	assert.Equal(t, "_Drive_SN1", got.UniqueKey)
	assert.True(t, got.FirstSeen.Equal(t0))
	assert.True(t, got.LastSeen.Equal(t1))

	forA1, err := s.ListIdentities(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, forA1, 1)
	assert.Equal(t, "sid", forA1[0].StableID)

	all, err := s.ListIdentities(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.GetIdentity(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMockStore_MatchesSQLiteSemantics(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	ns1, _ := m.ServiceUUID(ctx)
	ns2, _ := m.ServiceUUID(ctx)
	assert.Equal(t, ns1, ns2)

	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, m.RecordIdentity(ctx, Identity{StableID: "sid", LastSeen: t0}))
	require.NoError(t, m.RecordIdentity(ctx, Identity{StableID: "sid", LastSeen: t0.Add(time.Minute)}))
	got, err := m.GetIdentity(ctx, "sid")
	require.NoError(t, err)
	assert.True(t, got.FirstSeen.Equal(t0))

	_, err = m.GetAgentState(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}
