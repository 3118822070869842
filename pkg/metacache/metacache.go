// Package metacache resolves a (table, partition key) pair to the tablet
// (shard) that owns it. Lookups are asynchronous: a miss triggers a
// refresh and the caller's callback fires once the tablet location is
// known, mirroring the meta-cache a batcher consults before it can group
// an operation for dispatch.
package metacache

import (
	"hash/fnv"
	"time"

	"github.com/shardkit/tabletclient/pkg/log"
	"github.com/shardkit/tabletclient/pkg/metrics"
)

// Tablet describes a shard: its identity and the addresses of the replicas
// that serve it, with Leader always populated.
type Tablet struct {
	ID       string
	Leader   string
	Replicas []string
}

// Cache resolves partition keys to tablets and may refresh entries lazily.
type Cache interface {
	// LookupTabletByKey resolves the tablet owning (table, key) before
	// deadline elapses, invoking callback exactly once with the result.
	// The callback runs on an arbitrary goroutine, never synchronously on
	// the calling goroutine, matching the async contract batcher.Add
	// relies on to avoid reentering its own lock.
	LookupTabletByKey(table string, key []byte, deadline time.Time, callback func(*Tablet, error))
	// Invalidate drops any cached entry for a partition so the next lookup
	// re-resolves it, used after a tablet-not-found or moved error.
	Invalidate(table string, key []byte)
	// Size reports the number of entries currently cached.
	Size() int
}

// partitionCount is the number of synthetic shards a table is split into.
// A real driver would learn this from the table's partition schema; the
// fixed count here keeps the lookup deterministic for tests and demos.
const partitionCount = 16

func shardFor(table string, key []byte) string {
	h := fnv.New32a()
	h.Write([]byte(table))
	h.Write([]byte{0})
	h.Write(key)
	idx := h.Sum32() % partitionCount
	return idxToTabletID(table, idx)
}

func idxToTabletID(table string, idx uint32) string {
	const hex = "0123456789abcdef"
	return table + "-tablet-" + string(hex[idx])
}

func logLookup(table string, key []byte, tablet *Tablet, err error) {
	l := log.WithComponent("metacache")
	if err != nil {
		l.Warn().Str("table", table).Bytes("key", key).Err(err).Msg("tablet lookup failed")
		metrics.TabletLookupsTotal.WithLabelValues("error").Inc()
		return
	}
	l.Debug().Str("table", table).Bytes("key", key).Str("tablet_id", tablet.ID).Msg("tablet lookup resolved")
	metrics.TabletLookupsTotal.WithLabelValues("ok").Inc()
}
