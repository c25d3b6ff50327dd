package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
// The optimistic-locking save is a single conditional upsert, so the version
// check and the write are atomic even with a first-ever insert racing a
// concurrent writer.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	version    INTEGER NOT NULL,
	data       BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors from concurrent callers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageClosed
	}
	return nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return storageErr("sqlite", "ping", s.db.PingContext(ctx))
}

// SaveSession persists a session via a conditional upsert: the insert wins
// only when no row exists, the update only when the stored version equals
// the incoming version minus one.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *Session) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	data, err := MarshalSession(sess)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, state, created_at, updated_at, expires_at, version, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state = excluded.state,
		   updated_at = excluded.updated_at,
		   expires_at = excluded.expires_at,
		   version = excluded.version,
		   data = excluded.data
		 WHERE sessions.version = excluded.version - 1`,
		sess.ID, string(sess.State),
		sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano(), sess.ExpiresAt.UnixNano(),
		sess.Version, data,
	)
	if err != nil {
		return storageErr("sqlite", "save session", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("sqlite", "save session", err)
	}
	if n == 0 {
		var actual int64
		if err := s.db.QueryRowContext(ctx,
			"SELECT version FROM sessions WHERE id = ?", sess.ID).Scan(&actual); err != nil {
			return storageErr("sqlite", "read conflicting version", err)
		}
		return &ConflictError{SessionID: sess.ID, Expected: sess.Version - 1, Actual: actual}
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM sessions WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, storageErr("sqlite", "get session", err)
	}
	return UnmarshalSession(data)
}

// DeleteSession removes a session permanently.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return storageErr("sqlite", "delete session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("sqlite", "delete session", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// HasSession reports whether a session exists.
func (s *SQLiteStore) HasSession(ctx context.Context, id string) (bool, error) {
	if err := s.checkClosed(); err != nil {
		return false, err
	}

	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("sqlite", "check session", err)
	}
	return true, nil
}

// ListSessions returns matching sessions sorted by updated_at descending.
// Filters run in SQL; pagination is applied after filtering.
func (s *SQLiteStore) ListSessions(ctx context.Context, opts ListOptions) ([]*Session, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	query := "SELECT data FROM sessions WHERE 1=1"
	var args []any
	if opts.State != "" {
		query += " AND state = ?"
		args = append(args, string(opts.State))
	}
	if !opts.CreatedAfter.IsZero() {
		query += " AND created_at > ?"
		args = append(args, opts.CreatedAfter.UnixNano())
	}
	query += " ORDER BY updated_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("sqlite", "list sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, storageErr("sqlite", "scan session", err)
		}
		sess, err := UnmarshalSession(data)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("sqlite", "list sessions", err)
	}
	return sessions, nil
}

// SaveSessions saves a batch, aborting on the first failure.
func (s *SQLiteStore) SaveSessions(ctx context.Context, sessions []*Session) error {
	for _, sess := range sessions {
		if err := s.SaveSession(ctx, sess); err != nil {
			return err
		}
	}
	return nil
}

// GetSessions retrieves a batch by ID, skipping missing sessions.
func (s *SQLiteStore) GetSessions(ctx context.Context, ids []string) ([]*Session, error) {
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

// DeleteSessions removes a batch by ID, ignoring missing sessions.
func (s *SQLiteStore) DeleteSessions(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := s.DeleteSession(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return err
		}
	}
	return nil
}

// SetValue stores a keyed blob.
func (s *SQLiteStore) SetValue(ctx context.Context, key string, value []byte) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().UnixNano(),
	)
	return storageErr("sqlite", "set value", err)
}

// GetValue retrieves a keyed blob.
func (s *SQLiteStore) GetValue(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrValueNotFound
	}
	if err != nil {
		return nil, storageErr("sqlite", "get value", err)
	}
	return value, nil
}

// DeleteValue removes a keyed blob.
func (s *SQLiteStore) DeleteValue(ctx context.Context, key string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	return storageErr("sqlite", "delete value", err)
}

// HasValue reports whether a keyed blob exists.
func (s *SQLiteStore) HasValue(ctx context.Context, key string) (bool, error) {
	if err := s.checkClosed(); err != nil {
		return false, err
	}

	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM kv WHERE key = ?", key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("sqlite", "check value", err)
	}
	return true, nil
}

// Clear removes sessions last updated before olderThan. A zero olderThan
// removes all sessions and key-value blobs.
func (s *SQLiteStore) Clear(ctx context.Context, olderThan time.Time) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	if olderThan.IsZero() {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions"); err != nil {
			return storageErr("sqlite", "clear sessions", err)
		}
		_, err := s.db.ExecContext(ctx, "DELETE FROM kv")
		return storageErr("sqlite", "clear values", err)
	}

	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE updated_at < ?", olderThan.UnixNano())
	return storageErr("sqlite", "clear sessions", err)
}

// Stats reports per-state counts and stored record size.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT state, COUNT(*), COALESCE(SUM(LENGTH(data)), 0) FROM sessions GROUP BY state")
	if err != nil {
		return nil, storageErr("sqlite", "stats", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &Stats{
		Backend: "sqlite",
		ByState: make(map[State]int),
	}
	for rows.Next() {
		var state string
		var count int
		var size int64
		if err := rows.Scan(&state, &count, &size); err != nil {
			return nil, storageErr("sqlite", "stats", err)
		}
		stats.Sessions += count
		stats.ByState[State(state)] = count
		stats.TotalBytes += size
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("sqlite", "stats", err)
	}
	return stats, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
