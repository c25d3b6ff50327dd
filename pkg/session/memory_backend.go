package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryRecord holds one stored session: its canonical serialized form plus
// the fields needed for version checks and listing without a full decode.
type memoryRecord struct {
	data      []byte
	version   int64
	state     State
	createdAt time.Time
	updatedAt time.Time
}

// MemoryStore implements Store entirely in memory. It is intended for tests
// and ephemeral deployments. Every read and write passes through the
// canonical serialize/deserialize round trip, so callers can never mutate
// stored state through a returned reference.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memoryRecord
	values   map[string][]byte
	closed   bool
}

// NewMemoryStore creates an empty in-memory storage backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memoryRecord),
		values:   make(map[string][]byte),
	}
}

// HealthCheck verifies the backend is usable.
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStorageClosed
	}
	return nil
}

// SaveSession persists a session, enforcing the compare-and-swap contract.
func (m *MemoryStore) SaveSession(ctx context.Context, s *Session) error {
	data, err := MarshalSession(s)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if cur, ok := m.sessions[s.ID]; ok && cur.version != s.Version-1 {
		return &ConflictError{SessionID: s.ID, Expected: s.Version - 1, Actual: cur.version}
	}

	m.sessions[s.ID] = &memoryRecord{
		data:      data,
		version:   s.Version,
		state:     s.State,
		createdAt: s.CreatedAt,
		updatedAt: s.UpdatedAt,
	}
	return nil
}

// GetSession retrieves a deep copy of a stored session.
func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	rec, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return UnmarshalSession(rec.data)
}

// DeleteSession removes a session permanently.
func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

// HasSession reports whether a session exists.
func (m *MemoryStore) HasSession(ctx context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, ErrStorageClosed
	}
	_, ok := m.sessions[id]
	return ok, nil
}

// ListSessions returns matching sessions sorted by UpdatedAt descending.
func (m *MemoryStore) ListSessions(ctx context.Context, opts ListOptions) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	var matched []*memoryRecord
	for _, rec := range m.sessions {
		if opts.State != "" && rec.state != opts.State {
			continue
		}
		if !opts.CreatedAfter.IsZero() && !rec.createdAt.After(opts.CreatedAfter) {
			continue
		}
		matched = append(matched, rec)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].updatedAt.After(matched[j].updatedAt)
	})

	matched = paginate(matched, opts.Offset, opts.Limit)

	sessions := make([]*Session, 0, len(matched))
	for _, rec := range matched {
		s, err := UnmarshalSession(rec.data)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// SaveSessions saves a batch, aborting on the first failure.
func (m *MemoryStore) SaveSessions(ctx context.Context, sessions []*Session) error {
	for _, s := range sessions {
		if err := m.SaveSession(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// GetSessions retrieves a batch by ID, skipping missing sessions.
func (m *MemoryStore) GetSessions(ctx context.Context, ids []string) ([]*Session, error) {
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := m.GetSession(ctx, id)
		if err != nil {
			if err == ErrSessionNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// DeleteSessions removes a batch by ID, ignoring missing sessions.
func (m *MemoryStore) DeleteSessions(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := m.DeleteSession(ctx, id); err != nil && err != ErrSessionNotFound {
			return err
		}
	}
	return nil
}

// SetValue stores an arbitrary keyed blob.
func (m *MemoryStore) SetValue(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.values[key] = cp
	return nil
}

// GetValue retrieves a keyed blob.
func (m *MemoryStore) GetValue(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	v, ok := m.values[key]
	if !ok {
		return nil, ErrValueNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

// DeleteValue removes a keyed blob.
func (m *MemoryStore) DeleteValue(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	delete(m.values, key)
	return nil
}

// HasValue reports whether a keyed blob exists.
func (m *MemoryStore) HasValue(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, ErrStorageClosed
	}
	_, ok := m.values[key]
	return ok, nil
}

// Clear removes sessions last updated before olderThan. A zero olderThan
// removes all sessions and key-value blobs.
func (m *MemoryStore) Clear(ctx context.Context, olderThan time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	if olderThan.IsZero() {
		m.sessions = make(map[string]*memoryRecord)
		m.values = make(map[string][]byte)
		return nil
	}

	for id, rec := range m.sessions {
		if rec.updatedAt.Before(olderThan) {
			delete(m.sessions, id)
		}
	}
	return nil
}

// Stats reports per-state counts and total stored size.
func (m *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	stats := &Stats{
		Backend: "memory",
		ByState: make(map[State]int),
	}
	for _, rec := range m.sessions {
		stats.Sessions++
		stats.ByState[rec.state]++
		stats.TotalBytes += int64(len(rec.data))
	}
	return stats, nil
}

// Close releases the backend. Subsequent operations return ErrStorageClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// paginate applies offset/limit to a slice.
func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
