// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides namespace, agent state and identity persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS service (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			uuid TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS agent_state (
			agent_id TEXT PRIMARY KEY,
			state BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS identities (
			stable_id TEXT PRIMARY KEY,
			unique_key TEXT NOT NULL,
			component TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_identities_agent ON identities(agent_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('identities') WHERE name = 'agent_id'`,
			apply:  `ALTER TABLE identities ADD COLUMN agent_id TEXT NOT NULL DEFAULT ''`,
			column: "agent_id",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to identities: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "identities")
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// ServiceUUID returns the persisted namespace uuid, generating one the first time.
func (s *SQLiteStore) ServiceUUID(ctx context.Context) (uuid.UUID, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT uuid FROM service WHERE id = 1`).Scan(&raw)
	if err == nil {
		id, perr := uuid.Parse(raw)
		if perr != nil {
			return uuid.Nil, fmt.Errorf("parsing stored service uuid: %w", perr)
		}
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("querying service uuid: %w", err)
	}

	id := uuid.New()
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO service (id, uuid, created_at) VALUES (1, ?, ?)`,
		id.String(),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("saving service uuid: %w", err)
	}

	// Another writer may have won the insert; the stored row is authoritative.
	if err := s.db.QueryRowContext(ctx, `SELECT uuid FROM service WHERE id = 1`).Scan(&raw); err != nil {
		return uuid.Nil, fmt.Errorf("re-reading service uuid: %w", err)
	}
	s.logger.Info("generated service uuid", "uuid", raw)
	return uuid.Parse(raw)
}

// SaveAgentState saves or updates agent state.
// Uses INSERT OR REPLACE to handle both insert and update cases.
func (s *SQLiteStore) SaveAgentState(ctx context.Context, agentID string, state []byte) error {
	query := `
		INSERT OR REPLACE INTO agent_state (agent_id, state, updated_at)
		VALUES (?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		agentID,
		state,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving agent state: %w", err)
	}

	s.logger.Debug("saved agent state", "agent_id", agentID, "size", len(state))
	return nil
}

// GetAgentState retrieves agent state.
// Returns ErrNotFound if the agent has no saved state.
func (s *SQLiteStore) GetAgentState(ctx context.Context, agentID string) ([]byte, error) {
	query := `SELECT state FROM agent_state WHERE agent_id = ?`

	var state []byte
	err := s.db.QueryRowContext(ctx, query, agentID).Scan(&state)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent state: %w", err)
	}

	return state, nil
}

// DeleteAgentState removes an agent's saved state. Deleting a missing agent is not an error.
func (s *SQLiteStore) DeleteAgentState(ctx context.Context, agentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_state WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("deleting agent state: %w", err)
	}
	return nil
}

// ListAgentStates returns every saved agent state keyed by agent id.
func (s *SQLiteStore) ListAgentStates(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id, state FROM agent_state`)
	if err != nil {
		return nil, fmt.Errorf("querying agent states: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var id string
		var state []byte
		if err := rows.Scan(&id, &state); err != nil {
			return nil, fmt.Errorf("scanning agent state: %w", err)
		}
		out[id] = state
	}
	return out, rows.Err()
}

// RecordIdentity upserts an identity ledger row.
func (s *SQLiteStore) RecordIdentity(ctx context.Context, id Identity) error {
	seen := id.LastSeen
	if seen.IsZero() {
		seen = time.Now()
	}
	ts := seen.UTC().Format(time.RFC3339)

	query := `
		INSERT INTO identities (stable_id, unique_key, component, agent_id, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(stable_id) DO UPDATE SET
			unique_key = excluded.unique_key,
			component = excluded.component,
			agent_id = excluded.agent_id,
			last_seen = excluded.last_seen
	`
	_, err := s.db.ExecContext(ctx, query, id.StableID, id.UniqueKey, id.Component, id.AgentID, ts, ts)
	if err != nil {
		return fmt.Errorf("recording identity: %w", err)
	}
	return nil
}

// GetIdentity retrieves a ledger row by stable id.
func (s *SQLiteStore) GetIdentity(ctx context.Context, stableID string) (*Identity, error) {
	query := `
		SELECT stable_id, unique_key, component, agent_id, first_seen, last_seen
		FROM identities WHERE stable_id = ?
	`
	id, err := scanIdentity(s.db.QueryRowContext(ctx, query, stableID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying identity: %w", err)
	}
	return id, nil
}

// ListIdentities lists ledger rows ordered by stable id.
func (s *SQLiteStore) ListIdentities(ctx context.Context, agentID string) ([]*Identity, error) {
	query := `
		SELECT stable_id, unique_key, component, agent_id, first_seen, last_seen
		FROM identities
		WHERE (? = '' OR agent_id = ?)
		ORDER BY stable_id
	`
	rows, err := s.db.QueryContext(ctx, query, agentID, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying identities: %w", err)
	}
	defer rows.Close()

	var out []*Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning identity: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row scanner) (*Identity, error) {
	var id Identity
	var first, last string
	if err := row.Scan(&id.StableID, &id.UniqueKey, &id.Component, &id.AgentID, &first, &last); err != nil {
		return nil, err
	}
	id.FirstSeen, _ = time.Parse(time.RFC3339, first)
	id.LastSeen, _ = time.Parse(time.RFC3339, last)
	return &id, nil
}
