// Package digestcache remembers the digest last verified for a component, so
// repeated integrity checks of an unchanged image can be skipped. Any write
// to a component must invalidate its entry.
package digestcache

import (
	"sync"

	"github.com/i5heu/suit-platform/pkg/component"
)

// Cache maps raw component identifiers to digests.
type Cache interface {
	Store(id component.ID, digest []byte) error
	Lookup(id component.ID) ([]byte, bool)
	// Remove drops the entry for id. Removing a missing entry is not an
	// error.
	Remove(id component.ID) error
}

// Memory is a process-local cache.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]byte)}
}

func (m *Memory) Store(id component.ID, digest []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[string(id)] = append([]byte(nil), digest...)
	return nil
}

func (m *Memory) Lookup(id component.ID) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.entries[string(id)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), d...), true
}

func (m *Memory) Remove(id component.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, string(id))
	return nil
}

// Len returns the number of cached digests.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
