package metacache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/shardkit/tabletclient/pkg/metrics"
	"github.com/shardkit/tabletclient/pkg/storage"
)

const tabletBucket = "tablet_locations"

// cacheEntry is the on-disk representation of a resolved tablet location,
// with an expiry so stale topology eventually falls out of the cache even
// if nothing ever explicitly invalidates it.
type cacheEntry struct {
	Tablet    *Tablet   `json:"tablet"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Persistent wraps a Cache with a bbolt-backed layer so tablet locations
// survive process restarts, avoiding a cold-cache lookup storm on startup.
// Misses fall through to Source and the result is persisted before the
// callback fires.
type Persistent struct {
	store storage.Store
	ttl   time.Duration
	mu    sync.Mutex
	hot   map[string]*Tablet // small in-memory mirror to avoid a bbolt read per hit
	Source Cache
}

// NewPersistent wraps source with a bbolt-backed cache in store. ttl bounds
// how long a persisted entry is trusted before a fresh lookup is forced.
func NewPersistent(store storage.Store, source Cache, ttl time.Duration) *Persistent {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Persistent{
		store:  store,
		ttl:    ttl,
		hot:    make(map[string]*Tablet),
		Source: source,
	}
}

func (p *Persistent) cacheKey(table string, key []byte) string {
	return table + "/" + string(key)
}

func (p *Persistent) LookupTabletByKey(table string, key []byte, deadline time.Time, callback func(*Tablet, error)) {
	ck := p.cacheKey(table, key)

	p.mu.Lock()
	if t, ok := p.hot[ck]; ok {
		p.mu.Unlock()
		metrics.MetacacheHitsTotal.WithLabelValues("hit").Inc()
		go callback(t, nil)
		return
	}
	p.mu.Unlock()

	if raw, err := p.store.Get(tabletBucket, ck); err == nil && raw != nil {
		var entry cacheEntry
		if json.Unmarshal(raw, &entry) == nil && time.Now().Before(entry.ExpiresAt) {
			p.mu.Lock()
			p.hot[ck] = entry.Tablet
			p.mu.Unlock()
			metrics.MetacacheHitsTotal.WithLabelValues("hit").Inc()
			go callback(entry.Tablet, nil)
			return
		}
	}

	metrics.MetacacheHitsTotal.WithLabelValues("miss").Inc()
	p.Source.LookupTabletByKey(table, key, deadline, func(t *Tablet, err error) {
		if err != nil {
			callback(nil, err)
			return
		}
		p.persist(ck, t)
		callback(t, nil)
	})
}

func (p *Persistent) persist(ck string, t *Tablet) {
	entry := cacheEntry{Tablet: t, ExpiresAt: time.Now().Add(p.ttl)}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	_ = p.store.Put(tabletBucket, ck, raw)

	p.mu.Lock()
	p.hot[ck] = t
	p.mu.Unlock()
	metrics.MetacacheEntries.Set(float64(len(p.hot)))
}

func (p *Persistent) Invalidate(table string, key []byte) {
	ck := p.cacheKey(table, key)
	p.mu.Lock()
	delete(p.hot, ck)
	p.mu.Unlock()
	_ = p.store.Delete(tabletBucket, ck)
	p.Source.Invalidate(table, key)
}

func (p *Persistent) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hot)
}
