package batcher

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardkit/tabletclient/pkg/errcollect"
	"github.com/shardkit/tabletclient/pkg/ops"
	"github.com/shardkit/tabletclient/pkg/rpc"
)

func waitFlush(t *testing.T, b *Batcher) error {
	t.Helper()
	done := make(chan error, 1)
	require.NoError(t, b.FlushAsync(func(err error) { done <- err }))
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("flush callback never fired")
		return nil
	}
}

func newTestBatcher(cache *fakeCache, transport *fakeTransport, errs *errcollect.Collector) *Batcher {
	return New(Options{
		ID:        "test-batcher",
		MetaCache: cache,
		Transport: transport,
		Errors:    errs,
		Timeout:   5 * time.Second,
	})
}

// S1: a single write to a single tablet flushes cleanly.
func TestSingleWriteFlushes(t *testing.T) {
	cache := singleTabletCache("tablet-1", "addr-1")
	transport := newFakeTransport()
	errs := errcollect.New()
	b := newTestBatcher(cache, transport, errs)

	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("k1"), Columns: map[string]any{"amount": 1}}))

	err := waitFlush(t, b)
	assert.NoError(t, err)
	assert.Equal(t, 1, transport.writeCount())
	assert.Equal(t, StateFlushed, b.State())
	assert.False(t, b.HasPendingOperations())
	assert.Equal(t, 0, errs.CountErrors())
	b.AssertDrained()
}

// Multiple writes to the same tablet dispatch as one segment/RPC.
func TestWritesToSameTabletCoalesce(t *testing.T) {
	cache := singleTabletCache("tablet-1", "addr-1")
	transport := newFakeTransport()
	errs := errcollect.New()
	b := newTestBatcher(cache, transport, errs)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte{byte(i)}}))
	}

	require.NoError(t, waitFlush(t, b))
	assert.Equal(t, 1, transport.writeCount())
	assert.Len(t, transport.writes[0].Keys, 5)
}

// Ops that hash to different tablets dispatch as separate segments.
func TestOpsToDifferentTabletsSegment(t *testing.T) {
	cache := shardedCache()
	transport := newFakeTransport()
	errs := errcollect.New()
	b := newTestBatcher(cache, transport, errs)

	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte{0}}))
	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte{1}}))

	require.NoError(t, waitFlush(t, b))
	assert.Equal(t, 2, transport.writeCount())
}

// Writes and reads against the same tablet dispatch as separate segments,
// ordered write-then-read.
func TestWriteAndReadSameTabletSegmentSeparately(t *testing.T) {
	cache := singleTabletCache("tablet-1", "addr-1")
	transport := newFakeTransport()
	errs := errcollect.New()
	b := newTestBatcher(cache, transport, errs)

	require.NoError(t, b.Add(&ops.ReadOp{TableName: "orders", Key: []byte("r1")}))
	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("w1")}))

	require.NoError(t, waitFlush(t, b))
	assert.Equal(t, 1, transport.writeCount())
	assert.Equal(t, 1, transport.readCount())
}

// S3: a tablet lookup failure fails just that op, not the whole flush.
func TestTabletLookupFailureIsolatesOp(t *testing.T) {
	lookupErr := errors.New("tablet not found")
	cache := failingKeyCache("tablet-1", "addr-1", map[string]bool{"bad": true}, lookupErr)
	transport := newFakeTransport()
	errs := errcollect.New()
	b := newTestBatcher(cache, transport, errs)

	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("good")}))
	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("bad")}))

	err := waitFlush(t, b)
	require.ErrorIs(t, err, ErrSomeErrorsOccurred)
	require.Equal(t, 1, errs.CountErrors())
	assert.ErrorIs(t, errs.GetErrors()[0].Err, lookupErr)
	assert.Equal(t, 1, transport.writeCount())
	assert.Len(t, transport.writes[0].Keys, 1)
	assert.Equal(t, []byte("good"), transport.writes[0].Keys[0])
	b.AssertDrained()
}

// S2: three reads against the same tablet split into two segments by
// read group — a LeaderRead segment carrying the strong-consistency reads
// in submission order, dispatched before a ConsistentPrefixRead segment
// carrying the follower-eligible read.
func TestSameTabletReadsSplitByConsistencyGroup(t *testing.T) {
	cache := singleTabletCache("tablet-1", "addr-1")
	transport := newFakeTransport()
	errs := errcollect.New()
	b := newTestBatcher(cache, transport, errs)

	require.NoError(t, b.Add(&ops.ReadOp{TableName: "orders", Key: []byte("r1")}))
	require.NoError(t, b.Add(&ops.ReadOp{TableName: "orders", Key: []byte("r2"), Consistency: ops.ConsistencyPrefix}))
	require.NoError(t, b.Add(&ops.ReadOp{TableName: "orders", Key: []byte("r3")}))

	require.NoError(t, waitFlush(t, b))
	require.Equal(t, 2, transport.readCount())

	var leaderSeg, prefixSeg *rpc.ReadRequest
	for _, req := range transport.reads {
		switch req.Consistency {
		case rpc.ConsistencyStrong:
			leaderSeg = req
		case rpc.ConsistencyPrefix:
			prefixSeg = req
		}
	}
	require.NotNil(t, leaderSeg, "expected a leader-read segment")
	require.NotNil(t, prefixSeg, "expected a consistent-prefix-read segment")
	assert.Equal(t, [][]byte{[]byte("r1"), []byte("r3")}, leaderSeg.Keys)
	assert.Equal(t, [][]byte{[]byte("r2")}, prefixSeg.Keys)
}

// S5: a per-row write error fails only the row the tablet server reported,
// leaving the rest of the segment's rows unaffected.
func TestPerRowWriteErrorIsolatesFailedRow(t *testing.T) {
	cache := singleTabletCache("tablet-1", "addr-1")
	transport := newFakeTransport()
	transport.writeFunc = func(addr string, req *rpc.WriteRequest) (*rpc.WriteResponse, error) {
		return &rpc.WriteResponse{
			HybridTime: 7,
			Errors:     []rpc.RowError{{RowIndex: 1, Message: "write conflict"}},
		}, nil
	}
	errs := errcollect.New()
	b := newTestBatcher(cache, transport, errs)

	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("w1")}))
	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("w2")}))
	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("w3")}))

	err := waitFlush(t, b)
	require.ErrorIs(t, err, ErrSomeErrorsOccurred)
	require.Equal(t, 1, transport.writeCount())
	assert.Equal(t, [][]byte{[]byte("w1"), []byte("w2"), []byte("w3")}, transport.writes[0].Keys)

	require.Equal(t, 1, errs.CountErrors())
	failed := errs.GetErrors()[0]
	assert.Equal(t, "write conflict", failed.Err.Error())
	b.AssertDrained()
}

// S6: dispatch is gated on the transaction coordinator's readiness and
// only proceeds once Prepare's ready callback fires.
func TestDispatchGatedOnTransactionCoordinator(t *testing.T) {
	cache := singleTabletCache("tablet-1", "addr-1")
	transport := newFakeTransport()
	errs := errcollect.New()
	coord := newGatingCoordinator()

	b := New(Options{
		ID:          "txn-batcher",
		MetaCache:   cache,
		Transport:   transport,
		Errors:      errs,
		Transaction: coord,
		Timeout:     5 * time.Second,
	})

	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("k1")}))

	done := make(chan error, 1)
	require.NoError(t, b.FlushAsync(func(err error) { done <- err }))

	select {
	case <-done:
		t.Fatal("flush completed before transaction coordinator released it")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, transport.writeCount())

	coord.allowDispatch()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("flush never completed after coordinator released dispatch")
	}
	assert.Equal(t, 1, transport.writeCount())
}

// Add is rejected once the batcher has left Gathering.
func TestAddAfterFlushRejected(t *testing.T) {
	cache := singleTabletCache("tablet-1", "addr-1")
	transport := newFakeTransport()
	errs := errcollect.New()
	b := newTestBatcher(cache, transport, errs)

	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("k1")}))
	require.NoError(t, waitFlush(t, b))

	err := b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("k2")})
	assert.ErrorIs(t, err, ErrNotGathering)
}

// FlushAsync may only be called once per batcher.
func TestFlushAsyncCalledTwice(t *testing.T) {
	cache := singleTabletCache("tablet-1", "addr-1")
	transport := newFakeTransport()
	errs := errcollect.New()
	b := newTestBatcher(cache, transport, errs)

	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("k1")}))
	require.NoError(t, b.FlushAsync(func(error) {}))
	err := b.FlushAsync(func(error) {})
	assert.ErrorIs(t, err, ErrFlushAlreadyCalled)
}

// Adding more bytes than the buffer budget allows is rejected up front.
func TestAddRejectsOverBudget(t *testing.T) {
	cache := singleTabletCache("tablet-1", "addr-1")
	transport := newFakeTransport()
	errs := errcollect.New()
	b := New(Options{
		ID:            "budget-batcher",
		MetaCache:     cache,
		Transport:     transport,
		Errors:        errs,
		Timeout:       5 * time.Second,
		MaxBufferSize: 4,
	})

	err := b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("way-too-long-a-key")})
	assert.ErrorIs(t, err, ErrBufferFull)
}

// Abort fails already-resolved ops immediately and fires the flush callback
// exactly once with the abort cause, without waiting on the transport.
func TestAbortFailsBufferedOpsAndFiresCallbackOnce(t *testing.T) {
	cache := singleTabletCache("tablet-1", "addr-1")
	transport := newFakeTransport()
	errs := errcollect.New()
	b := New(Options{
		ID:          "test-batcher",
		MetaCache:   cache,
		Transport:   transport,
		Errors:      errs,
		Transaction: newGatingCoordinator(),
		Timeout:     5 * time.Second,
	})

	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("k1")}))

	// Let the lookup resolve before aborting so the op is in the
	// BufferedToTabletServer state Abort fails synchronously; the gating
	// coordinator holds dispatch back so the op is still buffered when
	// Abort runs.
	time.Sleep(50 * time.Millisecond)

	done := make(chan error, 1)
	require.NoError(t, b.FlushAsync(func(err error) { done <- err }))

	cause := errors.New("session closing")
	b.Abort(cause)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, cause)
	case <-time.After(time.Second):
		t.Fatal("abort did not fire flush callback")
	}
	assert.Equal(t, StateAborted, b.State())
	assert.Equal(t, 0, transport.writeCount())
	require.Equal(t, 1, errs.CountErrors())

	// A second Abort call must not panic or fire the callback again.
	assert.NotPanics(t, func() { b.Abort(errors.New("second abort")) })
}

// S4: aborting while ops still have tablet lookups outstanding fails every
// buffered op once those lookups are gated open, fires the flush callback
// with the abort cause, and leaves the batcher in Aborted.
func TestAbortDuringGatheringFailsOutstandingLookups(t *testing.T) {
	cache := singleTabletCache("tablet-1", "addr-1")
	cache.gate = make(chan struct{})
	transport := newFakeTransport()
	errs := errcollect.New()
	b := newTestBatcher(cache, transport, errs)

	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("a")}))
	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("b")}))

	done := make(chan error, 1)
	require.NoError(t, b.FlushAsync(func(err error) { done <- err }))

	cause := errors.New("session closing")
	b.Abort(cause)
	close(cache.gate)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, cause)
	case <-time.After(time.Second):
		t.Fatal("abort did not fire flush callback")
	}
	assert.Equal(t, StateAborted, b.State())
	assert.Equal(t, 0, transport.writeCount())
	require.Eventually(t, func() bool {
		return errs.CountErrors() == 2
	}, time.Second, 5*time.Millisecond, "both outstanding lookups should fail once gated open")
	for _, opErr := range errs.GetErrors() {
		assert.ErrorIs(t, opErr.Err, ErrAborted)
	}
}

// CountBufferedOperations only reports ops while Gathering.
func TestCountBufferedOperations(t *testing.T) {
	cache := singleTabletCache("tablet-1", "addr-1")
	transport := newFakeTransport()
	errs := errcollect.New()
	b := newTestBatcher(cache, transport, errs)

	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("k1")}))
	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("k2")}))
	assert.Equal(t, 2, b.CountBufferedOperations())

	require.NoError(t, waitFlush(t, b))
	assert.Equal(t, 0, b.CountBufferedOperations())
}

// A transport-level RPC failure fails every op in the segment and is
// reflected in the flush outcome, without panicking the dispatch path.
func TestTransportFailureFailsWholeSegment(t *testing.T) {
	cache := singleTabletCache("tablet-1", "addr-1")
	transport := newFakeTransport()
	rpcErr := errors.New("connection refused")
	transport.writeFunc = func(addr string, req *rpc.WriteRequest) (*rpc.WriteResponse, error) {
		return nil, rpcErr
	}
	errs := errcollect.New()
	b := newTestBatcher(cache, transport, errs)

	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("k1")}))
	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("k2")}))

	err := waitFlush(t, b)
	require.ErrorIs(t, err, ErrSomeErrorsOccurred)
	assert.Equal(t, 2, errs.CountErrors())
}

// AssertDrained panics if called while ops are still outstanding.
func TestAssertDrainedPanicsWhileInFlight(t *testing.T) {
	cache := singleTabletCache("tablet-1", "addr-1")
	cache.gate = make(chan struct{})
	transport := newFakeTransport()
	errs := errcollect.New()
	b := newTestBatcher(cache, transport, errs)

	require.NoError(t, b.Add(&ops.WriteOp{TableName: "orders", Key: []byte("k1")}))
	assert.Panics(t, func() { b.AssertDrained() })
	close(cache.gate)
}
