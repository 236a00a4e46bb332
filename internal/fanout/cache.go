package fanout

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

const cacheTTL = time.Second

// snapshotCache memoizes expensive snapshot shapes (/sessions, /status)
// for one second. Invalidation is prefix-matched on event names: any
// session:* or respawn:* event clears the cache. Exact-name matching
// would miss subtyped events like session:statusChanged.
type snapshotCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	data     []byte
	cachedAt time.Time
}

func newSnapshotCache() *snapshotCache {
	return &snapshotCache{entries: make(map[string]cacheEntry)}
}

func (c *snapshotCache) get(key string, fill func() (any, error)) ([]byte, error) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && time.Since(entry.cachedAt) < cacheTTL {
		return entry.data, nil
	}

	value, err := fill()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{data: data, cachedAt: time.Now()}
	c.mu.Unlock()
	return data, nil
}

func (c *snapshotCache) invalidateOnEvent(name string) {
	if !strings.HasPrefix(name, "session:") && !strings.HasPrefix(name, "respawn:") {
		return
	}
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
