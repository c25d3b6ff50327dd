package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestSession builds a minimal active session ready for a first save.
func newTestSession(t *testing.T) *Session {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Session{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(time.Hour),
		State:     StateActive,
		Version:   1,
	}
}

// runStoreTests exercises the Store contract against a backend. Every
// backend must pass the same suite so they stay interchangeable.
func runStoreTests(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("save and get round trip", func(t *testing.T) {
		store := open(t)
		s := newTestSession(t)
		s.Metadata = map[string]any{"userId": "user-1"}
		s.AddTurn("hello", AgentResponse{AgentID: "a1", Content: "hi", Timestamp: s.CreatedAt})

		if err := store.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession() error = %v", err)
		}

		got, err := store.GetSession(ctx, s.ID)
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if got.ID != s.ID {
			t.Errorf("ID = %v, want %v", got.ID, s.ID)
		}
		if got.Version != 1 {
			t.Errorf("Version = %d, want 1", got.Version)
		}
		if got.State != StateActive {
			t.Errorf("State = %v, want %v", got.State, StateActive)
		}
		if len(got.History) != 1 || got.History[0].UserMessage != "hello" {
			t.Errorf("History = %+v, want one turn with 'hello'", got.History)
		}
		if got.Metadata["userId"] != "user-1" {
			t.Errorf("Metadata = %v, want userId=user-1", got.Metadata)
		}
		if !got.ExpiresAt.Equal(s.ExpiresAt) {
			t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, s.ExpiresAt)
		}
	})

	t.Run("version conflict detection", func(t *testing.T) {
		store := open(t)
		s := newTestSession(t)
		if err := store.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession() error = %v", err)
		}

		// Version jump: storage has 1, writer claims base version 2.
		stale, err := store.GetSession(ctx, s.ID)
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		stale.Version = 3
		err = store.SaveSession(ctx, stale)
		if !IsConflict(err) {
			t.Fatalf("SaveSession() error = %v, want ConflictError", err)
		}
		var ce *ConflictError
		if errors.As(err, &ce) {
			if ce.Expected != 2 || ce.Actual != 1 {
				t.Errorf("ConflictError = expected %d actual %d, want expected 2 actual 1", ce.Expected, ce.Actual)
			}
		}

		// Correct increment is accepted.
		s.Version = 2
		if err := store.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession() with correct version error = %v", err)
		}

		// Stale writer at the old version now loses.
		s.Version = 2
		if err := store.SaveSession(ctx, s); !IsConflict(err) {
			t.Fatalf("stale SaveSession() error = %v, want ConflictError", err)
		}
	})

	t.Run("get missing session", func(t *testing.T) {
		store := open(t)
		_, err := store.GetSession(ctx, uuid.New().String())
		if !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("GetSession() error = %v, want ErrSessionNotFound", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		store := open(t)
		s := newTestSession(t)
		if err := store.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession() error = %v", err)
		}
		if err := store.DeleteSession(ctx, s.ID); err != nil {
			t.Fatalf("DeleteSession() error = %v", err)
		}
		if _, err := store.GetSession(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("GetSession() after delete error = %v, want ErrSessionNotFound", err)
		}
		if err := store.DeleteSession(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("DeleteSession() missing error = %v, want ErrSessionNotFound", err)
		}
	})

	t.Run("has session", func(t *testing.T) {
		store := open(t)
		s := newTestSession(t)
		ok, err := store.HasSession(ctx, s.ID)
		if err != nil || ok {
			t.Fatalf("HasSession() = %v, %v; want false, nil", ok, err)
		}
		if err := store.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession() error = %v", err)
		}
		ok, err = store.HasSession(ctx, s.ID)
		if err != nil || !ok {
			t.Fatalf("HasSession() = %v, %v; want true, nil", ok, err)
		}
	})

	t.Run("list sorted by updatedAt descending", func(t *testing.T) {
		store := open(t)
		base := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)

		var ids []string
		for i := 0; i < 3; i++ {
			s := newTestSession(t)
			s.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			s.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
			if err := store.SaveSession(ctx, s); err != nil {
				t.Fatalf("SaveSession() error = %v", err)
			}
			ids = append(ids, s.ID)
		}

		got, err := store.ListSessions(ctx, ListOptions{})
		if err != nil {
			t.Fatalf("ListSessions() error = %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("ListSessions() returned %d sessions, want 3", len(got))
		}
		// Most recently updated first.
		for i, want := range []string{ids[2], ids[1], ids[0]} {
			if got[i].ID != want {
				t.Errorf("ListSessions()[%d].ID = %v, want %v", i, got[i].ID, want)
			}
		}
	})

	t.Run("list filters and pagination", func(t *testing.T) {
		store := open(t)
		base := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)

		states := []State{StateActive, StateActive, StatePaused, StateClosed}
		for i, st := range states {
			s := newTestSession(t)
			s.State = st
			s.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			s.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
			if err := store.SaveSession(ctx, s); err != nil {
				t.Fatalf("SaveSession() error = %v", err)
			}
		}

		active, err := store.ListSessions(ctx, ListOptions{State: StateActive})
		if err != nil {
			t.Fatalf("ListSessions(active) error = %v", err)
		}
		if len(active) != 2 {
			t.Errorf("ListSessions(active) returned %d, want 2", len(active))
		}

		after, err := store.ListSessions(ctx, ListOptions{CreatedAfter: base.Add(90 * time.Second)})
		if err != nil {
			t.Fatalf("ListSessions(createdAfter) error = %v", err)
		}
		if len(after) != 2 {
			t.Errorf("ListSessions(createdAfter) returned %d, want 2", len(after))
		}

		page, err := store.ListSessions(ctx, ListOptions{Limit: 2, Offset: 1})
		if err != nil {
			t.Fatalf("ListSessions(paged) error = %v", err)
		}
		if len(page) != 2 {
			t.Errorf("ListSessions(paged) returned %d, want 2", len(page))
		}

		empty, err := store.ListSessions(ctx, ListOptions{Offset: 10})
		if err != nil {
			t.Fatalf("ListSessions(offset past end) error = %v", err)
		}
		if len(empty) != 0 {
			t.Errorf("ListSessions(offset past end) returned %d, want 0", len(empty))
		}
	})

	t.Run("batch operations", func(t *testing.T) {
		store := open(t)
		var batch []*Session
		var ids []string
		for i := 0; i < 3; i++ {
			s := newTestSession(t)
			batch = append(batch, s)
			ids = append(ids, s.ID)
		}
		if err := store.SaveSessions(ctx, batch); err != nil {
			t.Fatalf("SaveSessions() error = %v", err)
		}

		// Missing IDs are skipped, not errors.
		got, err := store.GetSessions(ctx, append(ids, uuid.New().String()))
		if err != nil {
			t.Fatalf("GetSessions() error = %v", err)
		}
		if len(got) != 3 {
			t.Errorf("GetSessions() returned %d, want 3", len(got))
		}

		if err := store.DeleteSessions(ctx, append(ids, uuid.New().String())); err != nil {
			t.Fatalf("DeleteSessions() error = %v", err)
		}
		for _, id := range ids {
			if ok, _ := store.HasSession(ctx, id); ok {
				t.Errorf("session %s still present after DeleteSessions()", id)
			}
		}
	})

	t.Run("batch save aborts on conflict", func(t *testing.T) {
		store := open(t)
		a, b := newTestSession(t), newTestSession(t)
		if err := store.SaveSession(ctx, a); err != nil {
			t.Fatalf("SaveSession() error = %v", err)
		}
		a.Version = 5 // stale base
		err := store.SaveSessions(ctx, []*Session{a, b})
		if !IsConflict(err) {
			t.Fatalf("SaveSessions() error = %v, want ConflictError", err)
		}
		if ok, _ := store.HasSession(ctx, b.ID); ok {
			t.Error("batch continued past the failing save")
		}
	})

	t.Run("key-value operations", func(t *testing.T) {
		store := open(t)
		key := "checkpoint/latest"

		if _, err := store.GetValue(ctx, key); !errors.Is(err, ErrValueNotFound) {
			t.Errorf("GetValue() missing error = %v, want ErrValueNotFound", err)
		}

		if err := store.SetValue(ctx, key, []byte("v1")); err != nil {
			t.Fatalf("SetValue() error = %v", err)
		}
		got, err := store.GetValue(ctx, key)
		if err != nil || string(got) != "v1" {
			t.Fatalf("GetValue() = %q, %v; want v1, nil", got, err)
		}

		// Overwrite is allowed.
		if err := store.SetValue(ctx, key, []byte("v2")); err != nil {
			t.Fatalf("SetValue() overwrite error = %v", err)
		}
		got, _ = store.GetValue(ctx, key)
		if string(got) != "v2" {
			t.Errorf("GetValue() after overwrite = %q, want v2", got)
		}

		ok, err := store.HasValue(ctx, key)
		if err != nil || !ok {
			t.Fatalf("HasValue() = %v, %v; want true, nil", ok, err)
		}

		// Deleting a missing key is not an error.
		if err := store.DeleteValue(ctx, key); err != nil {
			t.Fatalf("DeleteValue() error = %v", err)
		}
		if err := store.DeleteValue(ctx, key); err != nil {
			t.Errorf("DeleteValue() missing error = %v, want nil", err)
		}
		if ok, _ := store.HasValue(ctx, key); ok {
			t.Error("HasValue() after delete = true, want false")
		}
	})

	t.Run("clear", func(t *testing.T) {
		store := open(t)
		cutoff := time.Now().UTC().Truncate(time.Second)

		old := newTestSession(t)
		old.CreatedAt = cutoff.Add(-2 * time.Hour)
		old.UpdatedAt = cutoff.Add(-2 * time.Hour)
		fresh := newTestSession(t)
		fresh.CreatedAt = cutoff.Add(time.Minute)
		fresh.UpdatedAt = cutoff.Add(time.Minute)
		for _, s := range []*Session{old, fresh} {
			if err := store.SaveSession(ctx, s); err != nil {
				t.Fatalf("SaveSession() error = %v", err)
			}
		}
		if err := store.SetValue(ctx, "k", []byte("v")); err != nil {
			t.Fatalf("SetValue() error = %v", err)
		}

		// Time-bounded clear removes only older sessions, leaving KV alone.
		if err := store.Clear(ctx, cutoff); err != nil {
			t.Fatalf("Clear(cutoff) error = %v", err)
		}
		if ok, _ := store.HasSession(ctx, old.ID); ok {
			t.Error("old session survived Clear()")
		}
		if ok, _ := store.HasSession(ctx, fresh.ID); !ok {
			t.Error("fresh session removed by time-bounded Clear()")
		}
		if ok, _ := store.HasValue(ctx, "k"); !ok {
			t.Error("key-value blob removed by time-bounded Clear()")
		}

		// Zero time clears everything.
		if err := store.Clear(ctx, time.Time{}); err != nil {
			t.Fatalf("Clear(zero) error = %v", err)
		}
		if ok, _ := store.HasSession(ctx, fresh.ID); ok {
			t.Error("session survived full Clear()")
		}
		if ok, _ := store.HasValue(ctx, "k"); ok {
			t.Error("key-value blob survived full Clear()")
		}
	})

	t.Run("stats", func(t *testing.T) {
		store := open(t)
		for _, st := range []State{StateActive, StateActive, StatePaused} {
			s := newTestSession(t)
			s.State = st
			if err := store.SaveSession(ctx, s); err != nil {
				t.Fatalf("SaveSession() error = %v", err)
			}
		}

		stats, err := store.Stats(ctx)
		if err != nil {
			t.Fatalf("Stats() error = %v", err)
		}
		if stats.Sessions != 3 {
			t.Errorf("Stats().Sessions = %d, want 3", stats.Sessions)
		}
		if stats.ByState[StateActive] != 2 || stats.ByState[StatePaused] != 1 {
			t.Errorf("Stats().ByState = %v, want 2 active / 1 paused", stats.ByState)
		}
		if stats.TotalBytes <= 0 {
			t.Errorf("Stats().TotalBytes = %d, want > 0", stats.TotalBytes)
		}
		if stats.Backend == "" {
			t.Error("Stats().Backend is empty")
		}
	})

	t.Run("health check", func(t *testing.T) {
		store := open(t)
		if err := store.HealthCheck(ctx); err != nil {
			t.Fatalf("HealthCheck() error = %v", err)
		}
	})

	t.Run("large session compresses losslessly", func(t *testing.T) {
		store := open(t)
		s := newTestSession(t)
		filler := strings.Repeat("x", 1024)
		for i := 0; i < 150; i++ {
			s.AddTurn(fmt.Sprintf("turn %d %s", i, filler))
		}
		data, err := MarshalSession(s)
		if err != nil {
			t.Fatalf("MarshalSession() error = %v", err)
		}
		if len(data) <= CompressThreshold {
			t.Fatalf("test session too small to exercise compression: %d bytes", len(data))
		}

		if err := store.SaveSession(ctx, s); err != nil {
			t.Fatalf("SaveSession() error = %v", err)
		}
		got, err := store.GetSession(ctx, s.ID)
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if len(got.History) != len(s.History) {
			t.Errorf("History length = %d, want %d", len(got.History), len(s.History))
		}
		if got.History[149].UserMessage != s.History[149].UserMessage {
			t.Error("last turn corrupted after compression round trip")
		}
	})
}
