package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrInvalidPathComponent is returned when a path component contains unsafe characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path component.
// It rejects empty strings, path separators, and traversal sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// sanitizeKey maps an arbitrary key to a safe filename. Characters outside
// [A-Za-z0-9._-] become underscores.
func sanitizeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if s == "" || strings.Trim(s, ".") == "" {
		s = "_" + s
	}
	return s
}

// FileStore implements Store using one file per session.
// Storage layout:
//
//	<base-dir>/
//	  ├── sessions/
//	  │   └── <session-id>.json        (or .json.gz above the compression threshold)
//	  └── kv/
//	      └── <sanitized-key>.bin
//
// Writes are atomic: the record is written to a temp file with owner-only
// permissions and renamed over the target. Records whose serialized form
// exceeds CompressThreshold are gzip-compressed; saving removes whichever
// variant (compressed/uncompressed) is stale.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
	closed  bool
}

// NewFileStore creates a file-based storage backend rooted at baseDir.
// If baseDir is empty, uses ~/.agentcore/sessions.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".agentcore", "sessions")
	}

	for _, dir := range []string{baseDir, filepath.Join(baseDir, "sessions"), filepath.Join(baseDir, "kv")} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}

	return &FileStore{baseDir: baseDir}, nil
}

func (f *FileStore) plainPath(id string) string {
	return filepath.Join(f.baseDir, "sessions", id+".json")
}

func (f *FileStore) gzipPath(id string) string {
	return filepath.Join(f.baseDir, "sessions", id+".json.gz")
}

func (f *FileStore) kvPath(key string) string {
	return filepath.Join(f.baseDir, "kv", sanitizeKey(key)+".bin")
}

// atomicWrite writes data to path via a temp file in the same directory,
// restricting permissions to the owner before the rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if err := tmp.Chmod(0600); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// HealthCheck verifies the base directory is writable.
func (f *FileStore) HealthCheck(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	probe := filepath.Join(f.baseDir, ".healthcheck")
	if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
		return storageErr("file", "health check", err)
	}
	return storageErr("file", "health check", os.Remove(probe))
}

// SaveSession persists a session, enforcing the compare-and-swap contract.
func (f *FileStore) SaveSession(ctx context.Context, s *Session) error {
	data, err := MarshalSession(s)
	if err != nil {
		return err
	}
	if err := validatePathComponent(s.ID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	// Version check against whichever variant currently exists.
	if cur, err := f.readUnlocked(s.ID); err == nil {
		if cur.Version != s.Version-1 {
			return &ConflictError{SessionID: s.ID, Expected: s.Version - 1, Actual: cur.Version}
		}
	} else if !errors.Is(err, ErrSessionNotFound) {
		return err
	}

	target := f.plainPath(s.ID)
	stale := f.gzipPath(s.ID)
	if len(data) > CompressThreshold {
		data, err = compress(data)
		if err != nil {
			return storageErr("file", "save session", err)
		}
		target, stale = stale, target
	}

	if err := atomicWrite(target, data); err != nil {
		return storageErr("file", "save session", err)
	}
	if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
		return storageErr("file", "remove stale record", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (f *FileStore) GetSession(ctx context.Context, id string) (*Session, error) {
	if err := validatePathComponent(id); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrStorageClosed
	}
	return f.readUnlocked(id)
}

// readUnlocked loads a session record, preferring the plain variant.
// Caller must hold the lock.
func (f *FileStore) readUnlocked(id string) (*Session, error) {
	for _, path := range []string{f.plainPath(id), f.gzipPath(id)} {
		data, err := os.ReadFile(path) // #nosec G304 - path components validated to prevent traversal
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, storageErr("file", "read session", err)
		}
		return UnmarshalSession(data)
	}
	return nil, ErrSessionNotFound
}

// DeleteSession removes both record variants.
func (f *FileStore) DeleteSession(ctx context.Context, id string) error {
	if err := validatePathComponent(id); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	found := false
	for _, path := range []string{f.plainPath(id), f.gzipPath(id)} {
		err := os.Remove(path)
		if err == nil {
			found = true
			continue
		}
		if !os.IsNotExist(err) {
			return storageErr("file", "delete session", err)
		}
	}
	if !found {
		return ErrSessionNotFound
	}
	return nil
}

// HasSession reports whether a session record exists.
func (f *FileStore) HasSession(ctx context.Context, id string) (bool, error) {
	if err := validatePathComponent(id); err != nil {
		return false, fmt.Errorf("invalid session ID: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false, ErrStorageClosed
	}

	for _, path := range []string{f.plainPath(id), f.gzipPath(id)} {
		if _, err := os.Stat(path); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// ListSessions loads all records, filters them, and returns them sorted by
// UpdatedAt descending.
func (f *FileStore) ListSessions(ctx context.Context, opts ListOptions) ([]*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	sessions, err := f.loadAllUnlocked()
	if err != nil {
		return nil, err
	}

	var matched []*Session
	for _, s := range sessions {
		if opts.State != "" && s.State != opts.State {
			continue
		}
		if !opts.CreatedAfter.IsZero() && !s.CreatedAt.After(opts.CreatedAfter) {
			continue
		}
		matched = append(matched, s)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	return paginate(matched, opts.Offset, opts.Limit), nil
}

// loadAllUnlocked reads every session record. Caller must hold the lock.
func (f *FileStore) loadAllUnlocked() ([]*Session, error) {
	entries, err := os.ReadDir(filepath.Join(f.baseDir, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storageErr("file", "read sessions directory", err)
	}

	var sessions []*Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") && !strings.HasSuffix(entry.Name(), ".json.gz") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(f.baseDir, "sessions", entry.Name())) // #nosec G304 - directory listing, not caller input
		if err != nil {
			return nil, storageErr("file", "read session", err)
		}
		s, err := UnmarshalSession(data)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// SaveSessions saves a batch, aborting on the first failure.
func (f *FileStore) SaveSessions(ctx context.Context, sessions []*Session) error {
	for _, s := range sessions {
		if err := f.SaveSession(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// GetSessions retrieves a batch by ID, skipping missing sessions.
func (f *FileStore) GetSessions(ctx context.Context, ids []string) ([]*Session, error) {
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := f.GetSession(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// DeleteSessions removes a batch by ID, ignoring missing sessions.
func (f *FileStore) DeleteSessions(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := f.DeleteSession(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return err
		}
	}
	return nil
}

// SetValue stores a keyed blob under a sanitized filename with owner-only
// permissions.
func (f *FileStore) SetValue(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}
	return storageErr("file", "set value", atomicWrite(f.kvPath(key), value))
}

// GetValue retrieves a keyed blob.
func (f *FileStore) GetValue(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	data, err := os.ReadFile(f.kvPath(key)) // #nosec G304 - key sanitized to a safe filename
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrValueNotFound
		}
		return nil, storageErr("file", "get value", err)
	}
	return data, nil
}

// DeleteValue removes a keyed blob.
func (f *FileStore) DeleteValue(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	if err := os.Remove(f.kvPath(key)); err != nil && !os.IsNotExist(err) {
		return storageErr("file", "delete value", err)
	}
	return nil
}

// HasValue reports whether a keyed blob exists.
func (f *FileStore) HasValue(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false, ErrStorageClosed
	}

	_, err := os.Stat(f.kvPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, storageErr("file", "stat value", err)
}

// Clear removes sessions last updated before olderThan. A zero olderThan
// removes all sessions and key-value blobs.
func (f *FileStore) Clear(ctx context.Context, olderThan time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	sessions, err := f.loadAllUnlocked()
	if err != nil {
		return err
	}

	for _, s := range sessions {
		if !olderThan.IsZero() && !s.UpdatedAt.Before(olderThan) {
			continue
		}
		for _, path := range []string{f.plainPath(s.ID), f.gzipPath(s.ID)} {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return storageErr("file", "clear session", err)
			}
		}
	}

	if olderThan.IsZero() {
		kvDir := filepath.Join(f.baseDir, "kv")
		entries, err := os.ReadDir(kvDir)
		if err != nil && !os.IsNotExist(err) {
			return storageErr("file", "read kv directory", err)
		}
		for _, entry := range entries {
			if err := os.Remove(filepath.Join(kvDir, entry.Name())); err != nil {
				return storageErr("file", "clear value", err)
			}
		}
	}
	return nil
}

// Stats reports per-state counts and on-disk size of session records.
func (f *FileStore) Stats(ctx context.Context) (*Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	stats := &Stats{
		Backend: "file",
		ByState: make(map[State]int),
	}

	entries, err := os.ReadDir(filepath.Join(f.baseDir, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return nil, storageErr("file", "read sessions directory", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") && !strings.HasSuffix(entry.Name(), ".json.gz") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, storageErr("file", "stat session", err)
		}
		data, err := os.ReadFile(filepath.Join(f.baseDir, "sessions", entry.Name())) // #nosec G304 - directory listing, not caller input
		if err != nil {
			return nil, storageErr("file", "read session", err)
		}
		s, err := UnmarshalSession(data)
		if err != nil {
			return nil, err
		}
		stats.Sessions++
		stats.ByState[s.State]++
		stats.TotalBytes += info.Size()
	}
	return stats, nil
}

// Close releases the backend. Subsequent operations return ErrStorageClosed.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}
