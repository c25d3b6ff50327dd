package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniredisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, "test:", 0)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		return newMiniredisStore(t)
	})
}

func TestRedisStoreConcurrentWritersOneWins(t *testing.T) {
	store := newMiniredisStore(t)
	ctx := context.Background()

	s := newTestSession(t)
	if err := store.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	// Two writers load version 1 and race; the CAS script admits exactly one.
	a, err := store.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	b, err := store.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}

	a.Version++
	if err := store.SaveSession(ctx, a); err != nil {
		t.Fatalf("first writer SaveSession() error = %v", err)
	}

	b.Version++
	err = store.SaveSession(ctx, b)
	if !IsConflict(err) {
		t.Fatalf("second writer SaveSession() error = %v, want ConflictError", err)
	}

	got, err := store.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Version != 2 {
		t.Errorf("stored version = %d, want 2", got.Version)
	}
}

func TestRedisStoreDropsDanglingIndexEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, "test:", 0)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	s := newTestSession(t)
	if err := store.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	// Simulate a record expiring out from under its index entry.
	mr.Del("test:session:" + s.ID)

	got, err := store.ListSessions(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ListSessions() returned %d sessions, want 0", len(got))
	}
}

func TestRedisStoreSessionTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, "test:", time.Minute)
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	s := newTestSession(t)
	if err := store.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	if ttl := mr.TTL("test:session:" + s.ID); ttl <= 0 || ttl > time.Minute {
		t.Errorf("session key TTL = %v, want (0, 1m]", ttl)
	}

	// Past the TTL the record is gone.
	mr.FastForward(2 * time.Minute)
	if ok, _ := store.HasSession(ctx, s.ID); ok {
		t.Error("session survived past its TTL")
	}
}
