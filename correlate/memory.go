package correlate

import (
	"context"
	"sync"
	"time"
)

type (
	// MemoryOptions configures a Memory store.
	MemoryOptions struct {
		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// Memory is the in-process Store used by tests and single-node setups.
	// Expired entries are dropped lazily on access.
	Memory struct {
		now     func() time.Time
		mu      sync.Mutex
		entries map[string]memoryEntry
	}

	memoryEntry struct {
		val     string
		expires time.Time
	}
)

var _ Store = (*Memory)(nil)

// NewMemory constructs an in-process correlation store.
func NewMemory(opts MemoryOptions) *Memory {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Memory{
		now:     now,
		entries: make(map[string]memoryEntry),
	}
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, key, val string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	m.entries[key] = memoryEntry{val: val, expires: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false, nil
	}
	if m.now().After(e.expires) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.val, true, nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}
