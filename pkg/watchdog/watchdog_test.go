package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardkit/tabletclient/pkg/batcher"
	"github.com/shardkit/tabletclient/pkg/errcollect"
	"github.com/shardkit/tabletclient/pkg/metacache"
	"github.com/shardkit/tabletclient/pkg/ops"
	"github.com/shardkit/tabletclient/pkg/rpc"
)

// hangingCache never resolves a lookup, so a batcher Added against it stays
// in Flushing with outstandingLookups > 0 forever, letting tests push it
// past its deadline without a real tablet server.
type hangingCache struct{}

func (hangingCache) LookupTabletByKey(table string, key []byte, deadline time.Time, callback func(*metacache.Tablet, error)) {
}
func (hangingCache) Invalidate(table string, key []byte) {}
func (hangingCache) Size() int                           { return 0 }

type noopTransport struct{}

func (noopTransport) Write(ctx context.Context, addr string, req *rpc.WriteRequest) (*rpc.WriteResponse, error) {
	return &rpc.WriteResponse{}, nil
}
func (noopTransport) Read(ctx context.Context, addr string, req *rpc.ReadRequest) (*rpc.ReadResponse, error) {
	return &rpc.ReadResponse{}, nil
}
func (noopTransport) Close() error { return nil }

type fakeRegistry struct {
	mu       sync.Mutex
	batchers []*batcher.Batcher
}

func (r *fakeRegistry) ActiveBatchers() []*batcher.Batcher {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*batcher.Batcher, len(r.batchers))
	copy(out, r.batchers)
	return out
}

func (r *fakeRegistry) add(b *batcher.Batcher) {
	r.mu.Lock()
	r.batchers = append(r.batchers, b)
	r.mu.Unlock()
}

func newStuckBatcher(t *testing.T) *batcher.Batcher {
	t.Helper()
	b := batcher.New(batcher.Options{
		ID:        "stuck",
		MetaCache: hangingCache{},
		Transport: noopTransport{},
		Errors:    errcollect.New(),
		Timeout:   time.Millisecond,
	})
	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("k1")}))
	require.NoError(t, b.FlushAsync(func(error) {}))
	return b
}

func TestWatchdogAbortsBatcherPastDeadline(t *testing.T) {
	b := newStuckBatcher(t)
	registry := &fakeRegistry{}
	registry.add(b)

	require.Equal(t, batcher.StateFlushing, b.State())

	// The batcher's one-millisecond timeout puts its deadline in the past
	// well before the watchdog's first tick.
	time.Sleep(5 * time.Millisecond)

	w := New(registry, 10*time.Millisecond)
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		return b.State() == batcher.StateAborted
	}, 3*time.Second, 5*time.Millisecond, "watchdog never aborted the stuck batcher")
}

func TestWatchdogIgnoresBatchersNotPastDeadline(t *testing.T) {
	b := batcher.New(batcher.Options{
		ID:        "healthy",
		MetaCache: hangingCache{},
		Transport: noopTransport{},
		Errors:    errcollect.New(),
		Timeout:   time.Hour,
	})
	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("k1")}))
	require.NoError(t, b.FlushAsync(func(error) {}))

	registry := &fakeRegistry{}
	registry.add(b)

	w := New(registry, 10*time.Millisecond)
	w.Start()
	defer w.Stop()

	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, batcher.StateFlushing, b.State())
}

func TestWatchdogStopStopsScanning(t *testing.T) {
	b := newStuckBatcher(t)
	time.Sleep(5 * time.Millisecond)

	registry := &fakeRegistry{}
	registry.add(b)

	w := New(registry, 10*time.Millisecond)
	w.Stop()
	w.Start() // Start after Stop: the closed stopCh makes run() exit on the first select.

	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, batcher.StateFlushing, b.State(), "a stopped watchdog must not scan")
}

func TestWatchdogIgnoresAlreadyTerminalBatchers(t *testing.T) {
	b := newStuckBatcher(t)
	b.Abort(assert.AnError)
	time.Sleep(5 * time.Millisecond)

	registry := &fakeRegistry{}
	registry.add(b)

	w := New(registry, 10*time.Millisecond)
	w.Start()
	defer w.Stop()

	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, batcher.StateAborted, b.State())
}
