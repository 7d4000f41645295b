package authkit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newDatabaseHarness(t *testing.T) sessionStoreHarness {
	t.Helper()
	clock := &controllableClock{current: time.Unix(1700000000, 0).UTC()}
	store, err := NewDatabaseSessionStore(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "sessions.db"), clock)
	if err != nil {
		t.Fatalf("open database session store: %v", err)
	}
	return sessionStoreHarness{store: store, advance: clock.Advance}
}

func TestDatabaseSessionStoreContract(t *testing.T) {
	runSessionStoreContract(t, newDatabaseHarness)
}

func TestDatabaseSessionStorePurgeExpired(t *testing.T) {
	clock := &controllableClock{current: time.Unix(1700000000, 0).UTC()}
	store, err := NewDatabaseSessionStore(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "sessions.db"), clock)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if store.Driver() != "sqlite" {
		t.Fatalf("expected sqlite driver, got %s", store.Driver())
	}
	ctx := context.Background()
	if err := store.Set(ctx, "short", "user-1", time.Minute); err != nil {
		t.Fatalf("set short: %v", err)
	}
	if err := store.Set(ctx, "long", "user-1", time.Hour); err != nil {
		t.Fatalf("set long: %v", err)
	}
	clock.Advance(2 * time.Minute)

	removed, err := store.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one expired session purged, got %d", removed)
	}
	if _, err := store.GetOrFail(ctx, "long"); err != nil {
		t.Fatalf("expected live session to survive purge: %v", err)
	}
}

func TestNewDatabaseSessionStoreRejectsEmptyURL(t *testing.T) {
	if _, err := NewDatabaseSessionStore(context.Background(), "", nil); err == nil {
		t.Fatalf("expected error for empty database url")
	}
}
