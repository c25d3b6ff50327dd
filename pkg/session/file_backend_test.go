package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestFileStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		store, err := NewFileStore(t.TempDir())
		if err != nil {
			t.Fatalf("NewFileStore() error = %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestFileStoreRejectsUnsafeIDs(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	for _, id := range []string{"../escape", "a/b", `a\b`, "..", ""} {
		t.Run(fmt.Sprintf("id=%q", id), func(t *testing.T) {
			s := newTestSession(t)
			s.ID = id
			if err := store.SaveSession(ctx, s); err == nil {
				t.Errorf("SaveSession(%q) accepted unsafe ID", id)
			}
			if _, err := store.GetSession(ctx, id); err == nil {
				t.Errorf("GetSession(%q) accepted unsafe ID", id)
			}
			if err := store.DeleteSession(ctx, id); err == nil {
				t.Errorf("DeleteSession(%q) accepted unsafe ID", id)
			}
		})
	}
}

func TestFileStoreOwnerOnlyPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permissions not enforced on windows")
	}

	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	s := newTestSession(t)
	if err := store.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "sessions", s.ID+".json"))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("session file mode = %o, want 0600", perm)
	}

	if err := store.SetValue(ctx, "secret", []byte("v")); err != nil {
		t.Fatalf("SetValue() error = %v", err)
	}
	info, err = os.Stat(filepath.Join(dir, "kv", "secret.bin"))
	if err != nil {
		t.Fatalf("Stat() kv error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("kv file mode = %o, want 0600", perm)
	}
}

func TestFileStoreCompressedVariantOnDisk(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	s := newTestSession(t)
	if err := store.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sessions", s.ID+".json")); err != nil {
		t.Fatalf("plain variant missing: %v", err)
	}

	// Grow past the threshold; the gzip variant replaces the plain one.
	filler := strings.Repeat("x", 1024)
	for i := 0; i < 150; i++ {
		s.AddTurn(filler)
	}
	s.Version = 2
	if err := store.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession() large error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "sessions", s.ID+".json.gz")); err != nil {
		t.Fatalf("gzip variant missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sessions", s.ID+".json")); !os.IsNotExist(err) {
		t.Errorf("stale plain variant not removed: %v", err)
	}

	got, err := store.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Version != 2 || len(got.History) != 150 {
		t.Errorf("round trip = version %d / %d turns, want 2 / 150", got.Version, len(got.History))
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	ctx := context.Background()

	s := newTestSession(t)
	if err := store.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() reopen error = %v", err)
	}
	defer func() { _ = reopened.Close() }()

	got, err := reopened.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession() after reopen error = %v", err)
	}
	if got.ID != s.ID || got.Version != s.Version {
		t.Errorf("reopened session = %s v%d, want %s v%d", got.ID, got.Version, s.ID, s.Version)
	}
}

func TestSanitizeKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"plain", "plain"},
		{"with space", "with_space"},
		{"path/like/key", "path_like_key"},
		{"dots.and-dashes_ok", "dots.and-dashes_ok"},
		{"..", "_.."},
	}
	for _, tt := range tests {
		if got := sanitizeKey(tt.key); got != tt.want {
			t.Errorf("sanitizeKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
