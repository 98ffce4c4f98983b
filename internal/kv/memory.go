package kv

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store backed by maps. It is single-instance
// only: it provides no cross-process consistency and must not be used when
// the gateway runs with multiple replicas.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	sets    map[string]memorySet

	now func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

type memorySet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		sets:    make(map[string]memorySet),
		now:     time.Now,
	}
}

func (m *MemoryStore) expired(deadline time.Time) bool {
	return !deadline.IsZero() && m.now().After(deadline)
}

func (m *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	if m.expired(entry.expiresAt) {
		delete(m.entries, key)
		return nil, ErrNotFound
	}

	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: stored, expiresAt: m.deadline(ttl)}
	return nil
}

// SetNX implements Store.
func (m *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok && !m.expired(entry.expiresAt) {
		return false, nil
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	m.entries[key] = memoryEntry{value: stored, expiresAt: m.deadline(ttl)}
	return true, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Exists implements Store.
func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if m.expired(entry.expiresAt) {
		delete(m.entries, key)
		return false, nil
	}
	return true, nil
}

// Keys implements Store.
func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for key, entry := range m.entries {
		if m.expired(entry.expiresAt) {
			delete(m.entries, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// SAdd implements Store.
func (m *MemoryStore) SAdd(_ context.Context, key, member string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok || m.expired(set.expiresAt) {
		set = memorySet{members: make(map[string]struct{})}
	}
	set.members[member] = struct{}{}
	set.expiresAt = m.deadline(ttl)
	m.sets[key] = set
	return nil
}

// SMembers implements Store.
func (m *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		return nil, nil
	}
	if m.expired(set.expiresAt) {
		delete(m.sets, key)
		return nil, nil
	}

	members := make([]string, 0, len(set.members))
	for member := range set.members {
		members = append(members, member)
	}
	return members, nil
}

// SRem implements Store.
func (m *MemoryStore) SRem(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	delete(set.members, member)
	if len(set.members) == 0 {
		delete(m.sets, key)
	}
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
