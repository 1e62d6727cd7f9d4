// Package session persists conversation snapshots in a local sqlite
// database. One row per session id, overwritten wholesale on every save.
package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"sommelier/internal/agent"
	"sommelier/internal/logging"
)

// Store owns the sqlite database holding all sessions.
type Store struct {
	db   *sql.DB
	path string
}

// SessionInfo summarizes one stored session for listing.
type SessionInfo struct {
	ID        string
	Phase     agent.Phase
	UpdatedAt time.Time
}

// Open creates or opens the session database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening session db: %w", err)
	}
	// Single writer; sqlite serializes anyway and this avoids lock churn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Session("session store open at %s", path)
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			phase      TEXT NOT NULL,
			snapshot   TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("creating sessions table: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Session returns the store handle bound to one session id. The handle
// satisfies agent.SessionStore.
func (s *Store) Session(id string) *Handle {
	return &Handle{store: s, id: id}
}

// List returns all stored sessions, most recently updated first.
func (s *Store) List() ([]SessionInfo, error) {
	rows, err := s.db.Query(`SELECT id, phase, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.ID, &info.Phase, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes one session.
func (s *Store) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

// Handle is the per-session view of the store.
type Handle struct {
	store *Store
	id    string
}

// ID returns the bound session id.
func (h *Handle) ID() string { return h.id }

// Save overwrites the stored snapshot for this session.
func (h *Handle) Save(snap *agent.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	_, err = h.store.db.Exec(`
		INSERT INTO sessions (id, phase, snapshot, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			phase = excluded.phase,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		h.id, string(snap.Phase), string(data), snap.LastUpdated.UTC())
	if err != nil {
		return fmt.Errorf("saving session %s: %w", h.id, err)
	}
	logging.SessionDebug("saved session %s in phase %s (%d bytes)", h.id, snap.Phase, len(data))
	return nil
}

// Load returns the stored snapshot, or nil when none exists.
func (h *Handle) Load() (*agent.Snapshot, error) {
	var data string
	err := h.store.db.QueryRow(`SELECT snapshot FROM sessions WHERE id = ?`, h.id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", h.id, err)
	}

	var snap agent.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", h.id, err)
	}
	return &snap, nil
}

// Clear removes this session's snapshot.
func (h *Handle) Clear() error {
	return h.store.Delete(h.id)
}
