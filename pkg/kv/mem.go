package kv

import (
	"sync"
	"time"
)

type memEntry struct {
	value   []byte
	rev     uint64
	expires time.Time
}

// Mem is an in-memory Store with per-bucket TTL semantics matching a
// JetStream KV bucket: every Put refreshes the key's expiry, and expired
// keys read as absent even before eviction.
type Mem struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	nextRev uint64
	entries map[string]memEntry
}

// NewMem creates an in-memory store. ttl <= 0 means keys never expire.
func NewMem(ttl time.Duration) *Mem {
	return NewMemWithClock(ttl, time.Now)
}

// NewMemWithClock is NewMem with an injected clock, for deterministic
// expiry in tests.
func NewMemWithClock(ttl time.Duration, now func() time.Time) *Mem {
	return &Mem{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]memEntry),
	}
}

func (m *Mem) Get(key string) ([]byte, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || m.expired(entry) {
		return nil, ErrNotFound
	}
	return entry.value, nil
}

func (m *Mem) GetRev(key string) ([]byte, uint64, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || m.expired(entry) {
		return nil, 0, ErrNotFound
	}
	return entry.value, entry.rev, nil
}

func (m *Mem) Put(key string, value []byte) error {
	m.mu.Lock()
	m.store(key, value)
	m.mu.Unlock()
	return nil
}

func (m *Mem) Update(key string, value []byte, rev uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok || m.expired(entry) || entry.rev != rev {
		return ErrConflict
	}
	m.store(key, value)
	return nil
}

// store writes the entry under an already-held lock, refreshing its expiry
// and bumping the revision.
func (m *Mem) store(key string, value []byte) {
	m.nextRev++
	entry := memEntry{value: value, rev: m.nextRev}
	if m.ttl > 0 {
		entry.expires = m.now().Add(m.ttl)
	}
	m.entries[key] = entry
}

func (m *Mem) Delete(key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Mem) DeleteRev(key string, rev uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil
	}
	if entry.rev != rev {
		return ErrConflict
	}
	delete(m.entries, key)
	return nil
}

func (m *Mem) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k, entry := range m.entries {
		if m.expired(entry) {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *Mem) expired(entry memEntry) bool {
	return !entry.expires.IsZero() && m.now().After(entry.expires)
}
