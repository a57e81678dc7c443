package cache

import (
	"bytes"
	"testing"
	"time"
)

// setupBadger opens an in-memory badger tier cleaned up with the test.
func setupBadger(t *testing.T, capacity int) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore("", capacity)
	if err != nil {
		t.Fatalf("unexpected badger open error: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("unexpected badger close error: %v", err)
		}
	})
	return store
}

func TestBadgerStoreSetGet(t *testing.T) {

	store := setupBadger(t, 10)
	if err := store.Set("a", []byte("alpha"), time.Minute); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}

	value, ok := store.Get("a")
	if !ok || !bytes.Equal(value, []byte("alpha")) {
		t.Errorf("expected alpha, got %q %v", value, ok)
	}
	if _, ok := store.Get("missing"); ok {
		t.Errorf("expected a miss for an absent key")
	}

	if err := store.Delete("a"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, ok := store.Get("a"); ok {
		t.Errorf("expected a miss after delete")
	}
	if err := store.Delete("a"); err != nil {
		t.Errorf("unexpected delete error: %v", err)
	}
}

func TestBadgerStoreTTL(t *testing.T) {

	store := setupBadger(t, 10)
	if err := store.Set("fleeting", []byte("x"), 50*time.Millisecond); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}

	if _, ok := store.Get("fleeting"); !ok {
		t.Fatalf("expected a hit before expiry")
	}
	time.Sleep(100 * time.Millisecond)
	if _, ok := store.Get("fleeting"); ok {
		t.Errorf("expected a miss after the ttl elapsed")
	}
	if store.Len() != 0 {
		t.Errorf("expected the expired key to be untracked, got %d", store.Len())
	}
}

func TestBadgerStoreEvictsOldestInserted(t *testing.T) {

	store := setupBadger(t, 2)
	for _, key := range []string{"a", "b"} {
		if err := store.Set(key, []byte(key), time.Minute); err != nil {
			t.Fatalf("unexpected set error: %v", err)
		}
	}

	// A read must not protect "a" from eviction.
	if _, ok := store.Get("a"); !ok {
		t.Fatalf("expected a hit for a")
	}

	if err := store.Set("c", []byte("c"), time.Minute); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	if _, ok := store.Get("a"); ok {
		t.Errorf("expected the oldest-inserted entry to be evicted")
	}
	for _, key := range []string{"b", "c"} {
		if _, ok := store.Get(key); !ok {
			t.Errorf("expected %q to survive eviction", key)
		}
	}
	if store.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", store.Len())
	}
}

func TestBadgerStoreRewriteKeepsInsertionSlot(t *testing.T) {

	store := setupBadger(t, 2)
	for _, key := range []string{"a", "b"} {
		if err := store.Set(key, []byte(key), time.Minute); err != nil {
			t.Fatalf("unexpected set error: %v", err)
		}
	}

	// Rewriting "a" keeps it the oldest, so it is still first out.
	if err := store.Set("a", []byte("alpha2"), time.Minute); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	if err := store.Set("c", []byte("c"), time.Minute); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	if _, ok := store.Get("a"); ok {
		t.Errorf("expected the rewritten entry to keep its insertion slot")
	}
	if _, ok := store.Get("b"); !ok {
		t.Errorf("expected b to survive")
	}
}

func TestBadgerStorePersistsToDisk(t *testing.T) {

	dir := t.TempDir()
	store, err := NewBadgerStore(dir, 10)
	if err != nil {
		t.Fatalf("unexpected badger open error: %v", err)
	}
	if err := store.Set("a", []byte("alpha"), time.Hour); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	// Entries survive a reopen, the point of the session tier.
	store, err = NewBadgerStore(dir, 10)
	if err != nil {
		t.Fatalf("unexpected badger reopen error: %v", err)
	}
	defer store.Close()

	value, ok := store.Get("a")
	if !ok || !bytes.Equal(value, []byte("alpha")) {
		t.Errorf("expected alpha after reopen, got %q %v", value, ok)
	}
	if store.Len() != 1 {
		t.Errorf("expected the persisted entry to be tracked, got %d", store.Len())
	}
}

func TestBadgerStoreCapacityAppliesOnReopen(t *testing.T) {

	dir := t.TempDir()
	store, err := NewBadgerStore(dir, 4)
	if err != nil {
		t.Fatalf("unexpected badger open error: %v", err)
	}
	for _, key := range []string{"a", "b", "c", "d"} {
		if err := store.Set(key, []byte(key), time.Hour); err != nil {
			t.Fatalf("unexpected set error: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	// Reopening with a smaller capacity trims the persisted entries.
	store, err = NewBadgerStore(dir, 2)
	if err != nil {
		t.Fatalf("unexpected badger reopen error: %v", err)
	}
	defer store.Close()

	if got := store.Len(); got != 2 {
		t.Errorf("expected 2 entries after reopen, got %d", got)
	}
	if err := store.Set("e", []byte("e"), time.Hour); err != nil {
		t.Fatalf("unexpected set error: %v", err)
	}
	if got := store.Len(); got != 2 {
		t.Errorf("expected the bound to hold after a new set, got %d", got)
	}
}
