// Package store provides SQLite-backed persistence for session records.
//
// Each session is one durable row keyed "session:<id>" whose value is the
// full Session JSON. There is no separate index table; listing scans the
// key prefix. An in-memory cache fronts the table and is kept consistent
// by writing through on every mutation.
//
// The database uses SQLite with WAL mode; max open connections is limited
// to 1 to avoid write conflicts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/pitchey/sessiond/internal/models"
)

const (
	dataDirPerms = 0o750
	keyPrefix    = "session:"
)

// ErrNotFound is returned when no record exists for the requested id.
var ErrNotFound = errors.New("session record not found")

// Store holds the SQLite handle and the in-memory session cache.
type Store struct {
	Path string
	DB   *sql.DB

	mu    sync.RWMutex
	cache map[string]models.Session
}

// Open connects to SQLite, applies pragmas, creates the records table, and
// warms the in-memory cache from durable state.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	if err := applyPragmas(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := conn.Exec(`CREATE TABLE IF NOT EXISTS records (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create records table: %w", err)
	}
	s := &Store{Path: path, DB: conn, cache: make(map[string]models.Session)}
	if err := s.warmCache(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database connection.
//
// It is safe to call Close on a nil Store or a Store with a nil DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Put upserts a session record, durable row first, then the cache.
func (s *Store) Put(ctx context.Context, session models.Session) error {
	if s == nil || s.DB == nil {
		return errors.New("store is nil")
	}
	if session.ID == "" {
		return errors.New("session id is required")
	}
	value, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO records (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		keyPrefix+session.ID, string(value))
	if err != nil {
		return fmt.Errorf("put session %s: %w", session.ID, err)
	}
	s.mu.Lock()
	s.cache[session.ID] = session
	s.mu.Unlock()
	return nil
}

// Get returns the session with the given id, served from the cache.
func (s *Store) Get(ctx context.Context, id string) (models.Session, error) {
	if s == nil || s.DB == nil {
		return models.Session{}, errors.New("store is nil")
	}
	if id == "" {
		return models.Session{}, errors.New("session id is required")
	}
	s.mu.RLock()
	session, ok := s.cache[id]
	s.mu.RUnlock()
	if ok {
		return session, nil
	}
	// Cache miss falls back to the durable row; another process may have
	// written it.
	row := s.DB.QueryRowContext(ctx, `SELECT value FROM records WHERE key = ?`, keyPrefix+id)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Session{}, ErrNotFound
		}
		return models.Session{}, fmt.Errorf("get session %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(value), &session); err != nil {
		return models.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	s.mu.Lock()
	s.cache[id] = session
	s.mu.Unlock()
	return session, nil
}

// Delete removes the durable row and the cache entry. Deleting an absent
// id is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if s == nil || s.DB == nil {
		return errors.New("store is nil")
	}
	if id == "" {
		return errors.New("session id is required")
	}
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, keyPrefix+id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
	return nil
}

// List scans the session key prefix and returns every stored session.
func (s *Store) List(ctx context.Context) ([]models.Session, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is nil")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT value FROM records WHERE key LIKE ?`, keyPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []models.Session
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		var session models.Session
		if err := json.Unmarshal([]byte(value), &session); err != nil {
			return nil, fmt.Errorf("decode session record: %w", err)
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// Count returns the number of stored sessions.
func (s *Store) Count() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// Ping verifies database connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is nil")
	}
	return s.DB.PingContext(ctx)
}

func (s *Store) warmCache(ctx context.Context) error {
	sessions, err := s.List(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, session := range sessions {
		s.cache[session.ID] = session
	}
	s.mu.Unlock()
	return nil
}

func ensureDir(path string) error {
	if path == "" {
		return errors.New("db directory is required")
	}
	if err := os.MkdirAll(path, dataDirPerms); err != nil {
		return fmt.Errorf("create db dir %s: %w", path, err)
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}
