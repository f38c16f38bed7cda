// Package cachestore provides cache provider implementations satisfying
// the Cache strategy's provider contract by structural typing — nothing
// here imports the resilium package.
package cachestore

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/zoobzio/clockz"
)

type memoryEntry[T any] struct {
	key          string
	value        T
	createdAt    time.Time
	lastAccessed time.Time
	expiresAt    time.Time // zero means no expiry
}

// Memory is an in-memory cache provider: a mapping from key to entry,
// ordered so the most-recently-accessed key is last, evicting the
// least-recently-used entry once size exceeds maxSize, with an optional
// background sweep for expired entries.
type Memory[T any] struct {
	mu      sync.Mutex
	order   *list.List // front = least recently used, back = most recently used
	items   map[string]*list.Element
	maxSize int
	clock   clockz.Clock

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewMemory creates a Memory provider. maxSize <= 0 means unbounded.
// cleanupInterval <= 0 disables the background sweep; the sweep is optional
// for correctness since Get already evicts an expired entry on access, but
// it bounds memory held by keys nobody ever asks for again.
func NewMemory[T any](maxSize int, cleanupInterval time.Duration) *Memory[T] {
	m := &Memory[T]{
		order:     list.New(),
		items:     make(map[string]*list.Element),
		maxSize:   maxSize,
		clock:     clockz.RealClock,
		stopSweep: make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go m.sweepLoop(cleanupInterval)
	}
	return m
}

// WithClock injects a clock for deterministic TTL/LRU testing.
func (m *Memory[T]) WithClock(clock clockz.Clock) *Memory[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
	return m
}

// Get implements the provider contract's get operation: an expired entry
// is deleted and reported absent; a hit touches the key to the back of
// the order list.
func (m *Memory[T]) Get(_ context.Context, key string) (T, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	elem, ok := m.items[key]
	if !ok {
		return zero, false, nil
	}
	entry := elem.Value.(*memoryEntry[T])

	now := m.clock.Now()
	if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
		m.order.Remove(elem)
		delete(m.items, key)
		return zero, false, nil
	}

	entry.lastAccessed = now
	m.order.MoveToBack(elem)
	return entry.value, true, nil
}

// Set implements the provider contract's set operation: an existing entry
// for the key is replaced, the new entry is appended, and LRU eviction
// runs until size <= maxSize.
func (m *Memory[T]) Set(_ context.Context, key string, value T, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		m.order.Remove(elem)
		delete(m.items, key)
	}

	now := m.clock.Now()
	entry := &memoryEntry[T]{
		key:          key,
		value:        value,
		createdAt:    now,
		lastAccessed: now,
	}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}

	elem := m.order.PushBack(entry)
	m.items[key] = elem

	if m.maxSize > 0 {
		for len(m.items) > m.maxSize {
			oldest := m.order.Front()
			if oldest == nil {
				break
			}
			oldestEntry := oldest.Value.(*memoryEntry[T])
			m.order.Remove(oldest)
			delete(m.items, oldestEntry.key)
		}
	}
	return nil
}

// Remove deletes a single key.
func (m *Memory[T]) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if elem, ok := m.items[key]; ok {
		m.order.Remove(elem)
		delete(m.items, key)
	}
	return nil
}

// Clear empties the provider.
func (m *Memory[T]) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = list.New()
	m.items = make(map[string]*list.Element)
	return nil
}

// Size reports the current entry count.
func (m *Memory[T]) Size() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), true
}

// Close stops the background sweep goroutine, if one was started.
func (m *Memory[T]) Close() error {
	m.sweepOnce.Do(func() { close(m.stopSweep) })
	return nil
}

func (m *Memory[T]) sweepLoop(interval time.Duration) {
	for {
		select {
		case <-m.clock.After(interval):
			m.sweepExpired()
		case <-m.stopSweep:
			return
		}
	}
}

func (m *Memory[T]) sweepExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for key, elem := range m.items {
		entry := elem.Value.(*memoryEntry[T])
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			m.order.Remove(elem)
			delete(m.items, key)
		}
	}
}

// snapshotEntry is the JSON-safe projection of a cache entry used by
// DumpJSON; it deliberately omits the value, which may not be
// JSON-encodable for an arbitrary T.
type snapshotEntry struct {
	Key          string    `json:"key"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
}

// DumpJSON encodes the current key set and timing metadata for diagnostics,
// using goccy/go-json for fast encoding of a potentially large entry set.
func (m *Memory[T]) DumpJSON() ([]byte, error) {
	m.mu.Lock()
	snapshot := make([]snapshotEntry, 0, len(m.items))
	for e := m.order.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*memoryEntry[T])
		snapshot = append(snapshot, snapshotEntry{
			Key:          entry.key,
			CreatedAt:    entry.createdAt,
			LastAccessed: entry.lastAccessed,
			ExpiresAt:    entry.expiresAt,
		})
	}
	m.mu.Unlock()

	return json.Marshal(snapshot)
}
