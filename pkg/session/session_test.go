package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardkit/tabletclient/pkg/batcher"
	"github.com/shardkit/tabletclient/pkg/metacache"
	"github.com/shardkit/tabletclient/pkg/ops"
	"github.com/shardkit/tabletclient/pkg/rpc"
)

type fakeCache struct{}

func (fakeCache) LookupTabletByKey(table string, key []byte, deadline time.Time, callback func(*metacache.Tablet, error)) {
	go callback(&metacache.Tablet{ID: "tablet-1", Leader: "addr-1"}, nil)
}
func (fakeCache) Invalidate(table string, key []byte) {}
func (fakeCache) Size() int                           { return 0 }

type fakeTransport struct {
	mu     sync.Mutex
	writes int
}

func (f *fakeTransport) Write(ctx context.Context, addr string, req *rpc.WriteRequest) (*rpc.WriteResponse, error) {
	f.mu.Lock()
	f.writes++
	f.mu.Unlock()
	return &rpc.WriteResponse{HybridTime: 1}, nil
}
func (f *fakeTransport) Read(ctx context.Context, addr string, req *rpc.ReadRequest) (*rpc.ReadResponse, error) {
	return &rpc.ReadResponse{}, nil
}
func (f *fakeTransport) Close() error { return nil }

type rowFailingTransport struct{}

func (rowFailingTransport) Write(ctx context.Context, addr string, req *rpc.WriteRequest) (*rpc.WriteResponse, error) {
	return &rpc.WriteResponse{Errors: []rpc.RowError{{RowIndex: 0, Message: "row rejected"}}}, nil
}
func (rowFailingTransport) Read(ctx context.Context, addr string, req *rpc.ReadRequest) (*rpc.ReadResponse, error) {
	return &rpc.ReadResponse{}, nil
}
func (rowFailingTransport) Close() error { return nil }

func TestSessionAddAndFlush(t *testing.T) {
	transport := &fakeTransport{}
	s := New(Options{MetaCache: fakeCache{}, Transport: transport, Timeout: 5 * time.Second})
	defer s.Close()

	require.NoError(t, s.Add(&ops.WriteOp{TableName: "orders", Key: []byte("k1")}))

	select {
	case res := <-s.Flush():
		assert.NoError(t, res.Err)
		assert.Empty(t, res.Errors)
	case <-time.After(5 * time.Second):
		t.Fatal("flush never completed")
	}

	transport.mu.Lock()
	assert.Equal(t, 1, transport.writes)
	transport.mu.Unlock()
}

func TestSessionAcceptsAddsAcrossFlushCycles(t *testing.T) {
	transport := &fakeTransport{}
	s := New(Options{MetaCache: fakeCache{}, Transport: transport, Timeout: 5 * time.Second})
	defer s.Close()

	require.NoError(t, s.Add(&ops.WriteOp{TableName: "orders", Key: []byte("k1")}))
	ch1 := s.Flush()

	// The session must accept new adds immediately, against a fresh
	// batcher, without waiting for the first flush to finish.
	require.NoError(t, s.Add(&ops.WriteOp{TableName: "orders", Key: []byte("k2")}))

	require.NoError(t, (<-ch1).Err)

	select {
	case res := <-s.Flush():
		assert.NoError(t, res.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("second flush never completed")
	}

	transport.mu.Lock()
	assert.Equal(t, 2, transport.writes)
	transport.mu.Unlock()
}

func TestSessionFlushReportsErrorsFromTheFlushedBatcher(t *testing.T) {
	s := New(Options{MetaCache: fakeCache{}, Transport: rowFailingTransport{}, Timeout: 5 * time.Second})
	defer s.Close()

	require.NoError(t, s.Add(&ops.WriteOp{TableName: "orders", Key: []byte("k1")}))

	select {
	case res := <-s.Flush():
		require.ErrorIs(t, res.Err, batcher.ErrSomeErrorsOccurred)
		require.Len(t, res.Errors, 1)
		assert.Equal(t, "orders", res.Errors[0].Table)
	case <-time.After(5 * time.Second):
		t.Fatal("flush never completed")
	}
}

func TestSessionRejectsAfterClose(t *testing.T) {
	s := New(Options{MetaCache: fakeCache{}, Transport: &fakeTransport{}, Timeout: 5 * time.Second})
	s.Close()
	assert.NotPanics(t, s.Close)

	err := s.Add(&ops.WriteOp{TableName: "orders", Key: []byte("k1")})
	assert.Error(t, err)

	res := <-s.Flush()
	assert.Error(t, res.Err)
}
