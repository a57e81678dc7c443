package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
)

// BadgerStore is the session-persisted cache tier, backed by a badger
// database so cached responses survive a dashboard restart. Expiry uses
// badger's native entry TTLs; the entry count is bounded by capacity,
// evicting the oldest-inserted entry on overflow. Entries already on
// disk at open are adopted into the insertion order as found.
type BadgerStore struct {
	db *badger.DB

	mu       sync.Mutex
	order    []string // insertion order, oldest first
	present  map[string]struct{}
	capacity int
}

// NewBadgerStore opens (or creates) the badger database at dir, holding
// at most capacity entries. An empty dir opens an in-memory database,
// used in tests.
func NewBadgerStore(dir string, capacity int) (*BadgerStore, error) {
	if capacity < 1 {
		capacity = 1
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(nil) // badger's own logger is too chatty for a cache
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("could not open session cache: %w", err)
	}
	b := &BadgerStore{
		db:       db,
		present:  make(map[string]struct{}, capacity),
		capacity: capacity,
	}
	if err := b.adoptExisting(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not read session cache keys: %w", err)
	}
	return b, nil
}

// adoptExisting seeds the insertion order from entries persisted by a
// previous run, trimming to capacity.
func (b *BadgerStore) adoptExisting() error {
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().KeyCopy(nil))
			b.order = append(b.order, key)
			b.present[key] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evictOverflow()
}

// evictOverflow removes the oldest-inserted entries until the store is
// within capacity. Callers must hold mu.
func (b *BadgerStore) evictOverflow() error {
	for len(b.order) > b.capacity {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.present, oldest)
		err := b.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(oldest))
		})
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
	}
	return nil
}

// untrack removes key from the insertion order. Callers must hold mu.
func (b *BadgerStore) untrack(key string) {
	if _, ok := b.present[key]; !ok {
		return
	}
	delete(b.present, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Get implements the Store interface. A key badger has already expired
// is dropped from the insertion order.
func (b *BadgerStore) Get(key string) ([]byte, bool) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		b.mu.Lock()
		b.untrack(key)
		b.mu.Unlock()
		return nil, false
	}
	return value, true
}

// Set implements the Store interface. Rewriting an existing key keeps
// its insertion slot.
func (b *BadgerStore) Set(key string, value []byte, ttl time.Duration) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.present[key]; !exists {
		b.order = append(b.order, key)
		b.present[key] = struct{}{}
	}
	return b.evictOverflow()
}

// Delete implements the Store interface.
func (b *BadgerStore) Delete(key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	b.mu.Lock()
	b.untrack(key)
	b.mu.Unlock()
	return nil
}

// Sweep implements the Store interface. Badger expires entries itself;
// the sweep drops expired keys from the insertion order and reclaims
// value log space.
func (b *BadgerStore) Sweep() int {
	b.mu.Lock()
	dropped := 0
	kept := b.order[:0]
	for _, key := range b.order {
		err := b.db.View(func(txn *badger.Txn) error {
			_, err := txn.Get([]byte(key))
			return err
		})
		if err != nil {
			delete(b.present, key)
			dropped++
			continue
		}
		kept = append(kept, key)
	}
	b.order = kept
	b.mu.Unlock()

	// ErrNoRewrite just means there was nothing worth collecting.
	_ = b.db.RunValueLogGC(0.5)
	return dropped
}

// Len returns the number of tracked entries, expired or not.
func (b *BadgerStore) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Close implements the Store interface.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}
