package session

import (
	"errors"
	"fmt"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrValueNotFound is returned when a key-value blob doesn't exist.
	ErrValueNotFound = errors.New("value not found")
	// ErrStorageClosed is returned when operating on a closed storage backend.
	ErrStorageClosed = errors.New("storage backend is closed")
)

// ConflictError signals an optimistic-lock version mismatch. It carries both
// versions so callers can decide whether to reload and retry.
type ConflictError struct {
	SessionID string
	// Expected is the version the writer believed was current in storage.
	Expected int64
	// Actual is the version found in storage.
	Actual int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("session %s: version conflict: expected %d, storage has %d",
		e.SessionID, e.Expected, e.Actual)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// ValidationError signals malformed caller input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StorageError signals a backend I/O or connectivity failure. The wrapped
// error is reachable via errors.Unwrap.
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// storageErr wraps a backend failure, passing sentinel and typed errors
// through untouched so callers can still match them.
func storageErr(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrValueNotFound) ||
		errors.Is(err, ErrStorageClosed) || IsConflict(err) || IsValidation(err) {
		return err
	}
	return &StorageError{Backend: backend, Op: op, Err: err}
}
