package metacache

import (
	"sync"
	"time"
)

// Memory is an in-process tablet location cache. Resolution is a pure
// function of (table, key) plus a topology the cache was seeded with, so
// lookups never actually fail unless the deadline has already passed —
// good enough to exercise the batcher's async lookup path without a real
// cluster.
type Memory struct {
	mu       sync.RWMutex
	entries  map[string]*Tablet
	topology map[string][]string // tabletID -> replica addresses
}

// NewMemory creates an empty in-memory cache. replicaAddrs lists the
// addresses that back every synthetic tablet; the first address is treated
// as the leader.
func NewMemory(replicaAddrs []string) *Memory {
	return &Memory{
		entries:  make(map[string]*Tablet),
		topology: map[string][]string{"*": replicaAddrs},
	}
}

func (m *Memory) cacheKey(table string, key []byte) string {
	return table + "/" + string(key)
}

func (m *Memory) LookupTabletByKey(table string, key []byte, deadline time.Time, callback func(*Tablet, error)) {
	go func() {
		if !deadline.IsZero() && time.Now().After(deadline) {
			callback(nil, ErrDeadlineExceeded)
			return
		}

		ck := m.cacheKey(table, key)
		m.mu.RLock()
		if t, ok := m.entries[ck]; ok {
			m.mu.RUnlock()
			logLookup(table, key, t, nil)
			callback(t, nil)
			return
		}
		m.mu.RUnlock()

		tabletID := shardFor(table, key)
		replicas := m.topology["*"]
		if len(replicas) == 0 {
			replicas = []string{"127.0.0.1:9100"}
		}
		t := &Tablet{ID: tabletID, Leader: replicas[0], Replicas: replicas}

		m.mu.Lock()
		m.entries[ck] = t
		m.mu.Unlock()

		logLookup(table, key, t, nil)
		callback(t, nil)
	}()
}

func (m *Memory) Invalidate(table string, key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, m.cacheKey(table, key))
}

func (m *Memory) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
