package persistence

import (
	"sync"
)

// readCache holds the serialized form of recently read or written records.
// Entries are whole-value snapshots, so a reader racing a writer for the
// same key observes either the fully-old or fully-new payload.
type readCache struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func newReadCache() *readCache {
	return &readCache{entries: make(map[string][]byte)}
}

func (c *readCache) get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.entries[key]
	return data, ok
}

func (c *readCache) put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = data
}

func (c *readCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *readCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string][]byte)
}

// keyLocks serializes operations per key. Calls for different keys never
// block each other; calls for the same key run one at a time.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*sync.Mutex)}
}

// lock acquires the mutex for key and returns its unlock func.
func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
