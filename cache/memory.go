package cache

import (
	"sync"
	"time"
)

// Store is one cache tier. Implementations must be safe for concurrent
// use.
type Store interface {
	// Get returns the stored value and whether a live entry was found.
	Get(key string) ([]byte, bool)
	// Set stores value under key for at most ttl.
	Set(key string, value []byte, ttl time.Duration) error
	// Delete removes key if present.
	Delete(key string) error
	// Sweep removes expired entries and returns how many were dropped.
	Sweep() int
	// Close releases the tier's resources.
	Close() error
}

// memoryEntry is one cached value with its expiry deadline.
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process cache tier bounded by entry count. When
// the capacity is exceeded the oldest-inserted entry is evicted first;
// recency of reads plays no part. Expired entries are dropped lazily on
// read and in bulk by Sweep.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]memoryEntry
	order    []string // insertion order, oldest first
	capacity int
}

// NewMemoryStore returns a MemoryStore holding at most capacity entries.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryStore{
		entries:  make(map[string]memoryEntry, capacity),
		capacity: capacity,
	}
}

// Get implements the Store interface. An expired entry is removed and
// reported as a miss.
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		m.Delete(key)
		return nil, false
	}
	return entry.value, true
}

// Set implements the Store interface.
func (m *MemoryStore) Set(key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists {
		m.order = append(m.order, key)
	}
	m.entries[key] = memoryEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}

	for len(m.entries) > m.capacity && len(m.order) > 0 {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.entries, oldest)
	}
	return nil
}

// Delete implements the Store interface.
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return nil
	}
	delete(m.entries, key)
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Sweep implements the Store interface.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	dropped := 0
	kept := m.order[:0]
	for _, key := range m.order {
		entry, ok := m.entries[key]
		if !ok {
			continue
		}
		if now.After(entry.expiresAt) {
			delete(m.entries, key)
			dropped++
			continue
		}
		kept = append(kept, key)
	}
	m.order = kept
	return dropped
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close implements the Store interface.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]memoryEntry, m.capacity)
	m.order = nil
	return nil
}
