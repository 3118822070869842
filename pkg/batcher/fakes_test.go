package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/shardkit/tabletclient/pkg/metacache"
	"github.com/shardkit/tabletclient/pkg/rpc"
)

// fakeCache is a metacache.Cache that resolves every key asynchronously, on
// its own goroutine, against a fixed table, optionally failing or delaying lookups to drive
// the batcher's outstanding-lookup gating in tests.
type fakeCache struct {
	mu       sync.Mutex
	tablet   func(table string, key []byte) (*metacache.Tablet, error)
	delay    time.Duration
	gate     chan struct{} // if non-nil, lookups block until closed
	lookups  int
	invalids int
}

func newFakeCache(tablet func(table string, key []byte) (*metacache.Tablet, error)) *fakeCache {
	return &fakeCache{tablet: tablet}
}

func (f *fakeCache) LookupTabletByKey(table string, key []byte, deadline time.Time, callback func(*metacache.Tablet, error)) {
	f.mu.Lock()
	f.lookups++
	gate := f.gate
	delay := f.delay
	f.mu.Unlock()

	go func() {
		if gate != nil {
			<-gate
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		t, err := f.tablet(table, key)
		callback(t, err)
	}()
}

func (f *fakeCache) Invalidate(table string, key []byte) {
	f.mu.Lock()
	f.invalids++
	f.mu.Unlock()
}

func (f *fakeCache) Size() int { return 0 }

func singleTabletCache(id, leader string) *fakeCache {
	return newFakeCache(func(table string, key []byte) (*metacache.Tablet, error) {
		return &metacache.Tablet{ID: id, Leader: leader}, nil
	})
}

// failingKeyCache resolves every key to a fixed tablet except those in
// failFor, which fail lookup with lookupErr.
func failingKeyCache(id, leader string, failFor map[string]bool, lookupErr error) *fakeCache {
	return newFakeCache(func(table string, key []byte) (*metacache.Tablet, error) {
		if failFor[string(key)] {
			return nil, lookupErr
		}
		return &metacache.Tablet{ID: id, Leader: leader}, nil
	})
}

// shardedCache hashes the key's first byte into one of two tablets, enough
// to exercise multi-segment dispatch.
func shardedCache() *fakeCache {
	return newFakeCache(func(table string, key []byte) (*metacache.Tablet, error) {
		if len(key) > 0 && key[0]%2 == 0 {
			return &metacache.Tablet{ID: "tablet-even", Leader: "addr-even"}, nil
		}
		return &metacache.Tablet{ID: "tablet-odd", Leader: "addr-odd"}, nil
	})
}

// fakeTransport is an rpc.Transport recording every call it receives and
// returning caller-controlled responses/errors per tablet address.
type fakeTransport struct {
	mu sync.Mutex

	writeFunc func(addr string, req *rpc.WriteRequest) (*rpc.WriteResponse, error)
	readFunc  func(addr string, req *rpc.ReadRequest) (*rpc.ReadResponse, error)

	writes []*rpc.WriteRequest
	reads  []*rpc.ReadRequest
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		writeFunc: func(addr string, req *rpc.WriteRequest) (*rpc.WriteResponse, error) {
			return &rpc.WriteResponse{HybridTime: 1}, nil
		},
		readFunc: func(addr string, req *rpc.ReadRequest) (*rpc.ReadResponse, error) {
			return &rpc.ReadResponse{HybridTime: 1}, nil
		},
	}
}

func (f *fakeTransport) Write(ctx context.Context, addr string, req *rpc.WriteRequest) (*rpc.WriteResponse, error) {
	f.mu.Lock()
	f.writes = append(f.writes, req)
	fn := f.writeFunc
	f.mu.Unlock()
	return fn(addr, req)
}

func (f *fakeTransport) Read(ctx context.Context, addr string, req *rpc.ReadRequest) (*rpc.ReadResponse, error) {
	f.mu.Lock()
	f.reads = append(f.reads, req)
	fn := f.readFunc
	f.mu.Unlock()
	return fn(addr, req)
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeTransport) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reads)
}

// gatingCoordinator defers Prepare's readiness until release is closed, at
// which point the tablet set is considered registered and further Prepare
// calls for the same flush return true immediately. This mirrors a real
// coordinator: once a tablet set is known-registered, Prepare doesn't defer
// again, so the batcher's retry-on-ready loop converges.
type gatingCoordinator struct {
	mu       sync.Mutex
	release  chan struct{}
	released bool
	prepared [][]string
	flushed  [][]string
}

func newGatingCoordinator() *gatingCoordinator {
	return &gatingCoordinator{release: make(chan struct{})}
}

func (g *gatingCoordinator) Prepare(tabletIDs []string, ready func(error)) bool {
	g.mu.Lock()
	g.prepared = append(g.prepared, tabletIDs)
	released := g.released
	g.mu.Unlock()

	if released {
		return true
	}

	go func() {
		<-g.release
		g.mu.Lock()
		g.released = true
		g.mu.Unlock()
		ready(nil)
	}()
	return false
}

func (g *gatingCoordinator) Flushed(tabletIDs []string, rpcErr error, hybridTime uint64) {
	g.mu.Lock()
	g.flushed = append(g.flushed, tabletIDs)
	g.mu.Unlock()
}

func (g *gatingCoordinator) allowDispatch() {
	close(g.release)
}
