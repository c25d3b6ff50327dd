package session

import (
	"context"
	"time"
)

// Store abstracts session persistence.
// Implementations must be safe for concurrent use, including concurrent use
// by multiple Manager instances in separate processes: SaveSession performs
// an atomic compare-and-swap on the session version rather than relying on
// the caller to serialize writes.
type Store interface {
	// HealthCheck verifies the backend is reachable and writable.
	HealthCheck(ctx context.Context) error

	// SaveSession persists a session whose Version has already been
	// incremented by the writer. The save is accepted iff no record exists
	// for the ID, or the stored version equals Version-1. On mismatch it
	// returns a ConflictError carrying both versions. The save is
	// all-or-nothing per call.
	SaveSession(ctx context.Context, s *Session) error

	// GetSession retrieves a session by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	GetSession(ctx context.Context, id string) (*Session, error)

	// DeleteSession removes a session permanently.
	// Returns ErrSessionNotFound if the session doesn't exist.
	DeleteSession(ctx context.Context, id string) error

	// HasSession reports whether a session exists without loading it.
	HasSession(ctx context.Context, id string) (bool, error)

	// ListSessions returns sessions matching the filter options, sorted by
	// UpdatedAt descending.
	ListSessions(ctx context.Context, opts ListOptions) ([]*Session, error)

	// SaveSessions saves a batch of sessions. Each save follows the
	// SaveSession contract; the first failure aborts the batch.
	SaveSessions(ctx context.Context, sessions []*Session) error

	// GetSessions retrieves a batch by ID, skipping missing sessions.
	GetSessions(ctx context.Context, ids []string) ([]*Session, error)

	// DeleteSessions removes a batch by ID, ignoring missing sessions.
	DeleteSessions(ctx context.Context, ids []string) error

	// SetValue stores an arbitrary keyed blob.
	SetValue(ctx context.Context, key string, value []byte) error

	// GetValue retrieves a keyed blob.
	// Returns ErrValueNotFound if the key doesn't exist.
	GetValue(ctx context.Context, key string) ([]byte, error)

	// DeleteValue removes a keyed blob. Missing keys are not an error.
	DeleteValue(ctx context.Context, key string) error

	// HasValue reports whether a keyed blob exists.
	HasValue(ctx context.Context, key string) (bool, error)

	// Clear removes sessions last updated before olderThan.
	// A zero olderThan removes everything, key-value blobs included.
	Clear(ctx context.Context, olderThan time.Time) error

	// Stats reports per-state session counts and storage size.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases any resources held by the backend.
	Close() error
}

// ListOptions provides filtering for session listing.
type ListOptions struct {
	// State filters sessions by lifecycle state. Empty matches all.
	State State
	// CreatedAfter keeps only sessions created strictly after this time.
	CreatedAfter time.Time
	// Limit caps the number of results.
	Limit int
	// Offset skips the first N results.
	Offset int
}

// Stats summarizes a backend's contents.
type Stats struct {
	// Backend is the implementation name ("memory", "file", "redis", "sqlite").
	Backend string `json:"backend"`
	// Sessions is the total session count.
	Sessions int `json:"sessions"`
	// ByState breaks the count down per lifecycle state.
	ByState map[State]int `json:"byState"`
	// TotalBytes is the stored size of all session records.
	TotalBytes int64 `json:"totalBytes"`
}
