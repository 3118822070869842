// Package batcher implements the client-side write/read batcher: a
// single-use coordinator for one flush cycle of one session. It accepts
// operations via Add, resolves each to the tablet owning its partition key,
// groups ready operations by (tablet, op-group), and dispatches one RPC per
// group once flushing has been requested and every lookup has settled.
package batcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/shardkit/tabletclient/pkg/clock"
	"github.com/shardkit/tabletclient/pkg/errcollect"
	"github.com/shardkit/tabletclient/pkg/executor"
	"github.com/shardkit/tabletclient/pkg/log"
	"github.com/shardkit/tabletclient/pkg/metacache"
	"github.com/shardkit/tabletclient/pkg/metrics"
	"github.com/shardkit/tabletclient/pkg/ops"
	"github.com/shardkit/tabletclient/pkg/rpc"
	"github.com/shardkit/tabletclient/pkg/txn"
)

// State is one of the batcher's four lifecycle states. Gathering, Flushing
// and Flushed form a strict sequence; Aborted is reachable from either
// non-terminal state.
type State int32

const (
	StateGathering State = iota
	StateFlushing
	StateFlushed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateGathering:
		return "gathering"
	case StateFlushing:
		return "flushing"
	case StateFlushed:
		return "flushed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

var (
	ErrNotGathering       = errors.New("batcher: not accepting operations")
	ErrAborted            = errors.New("batcher: aborted")
	ErrFlushAlreadyCalled = errors.New("batcher: flush already requested")
	ErrBufferFull         = errors.New("batcher: buffer size limit exceeded")
	ErrSomeErrorsOccurred = errors.New("batcher: some operations failed, see error collector")
)

// DefaultMaxBufferSize is the per-batcher payload budget Add enforces with
// ErrBufferFull, matching
// the original driver's 7 MiB default.
const DefaultMaxBufferSize int64 = 7 * 1024 * 1024

// SessionHandle is the small, independently-allocated object a Batcher
// holds a weak reference to in place of its owning session. Go packages
// cannot form import cycles the way the original's shared_ptr/weak_ptr pair
// could live in the same translation unit: pkg/session must import
// pkg/batcher to construct one Batcher per flush cycle, so pkg/batcher
// cannot import pkg/session back. A session allocates exactly one
// SessionHandle for its own lifetime and keeps it reachable; once the
// session itself is collected, weak.Pointer.Value on any batcher still
// holding a reference starts returning nil and the flush-finished
// notification is skipped, matching what a failed weak_ptr::lock() does in
// the original.
type SessionHandle struct {
	OnFlushFinished func(*Batcher)
}

type opState int32

const (
	opLookingUpTablet opState = iota
	opBufferedToTabletServer
)

type inFlightOp struct {
	mu             sync.Mutex
	userOp         ops.Op
	partitionKey   []byte
	tablet         *metacache.Tablet
	state          opState
	sequenceNumber uint64
	group          ops.OpGroup
}

// Options configures a new Batcher. MetaCache, Transport and Errors are
// required; Transaction, Pool and Session are optional.
type Options struct {
	ID            string
	MetaCache     metacache.Cache
	Transport     rpc.Transport
	Errors        *errcollect.Collector
	Transaction   txn.Coordinator
	Pool          *executor.Pool
	Session       *SessionHandle
	MaxBufferSize int64
	Timeout       time.Duration
}

// Batcher coordinates one flush cycle: gather operations, resolve tablets
// concurrently, await transactional preparation if attached, group and
// dispatch, collect RPC results, notify.
type Batcher struct {
	id          string
	meta        metacache.Cache
	transport   rpc.Transport
	errs        *errcollect.Collector
	transaction txn.Coordinator
	pool        *executor.Pool
	weakSession weak.Pointer[SessionHandle]

	mu                 sync.Mutex
	state              State
	ops                map[*inFlightOp]struct{}
	opsQueue           []*inFlightOp
	outstandingLookups int
	nextSequenceNumber uint64
	maxBufferSize      int64
	bufferBytesUsed    int64
	deadline           time.Time
	timeout            time.Duration
	flushCallback      func(error)

	hadErrors atomic.Bool
	flushOnce sync.Once
	startedAt time.Time
}

// New creates a Batcher in state Gathering.
func New(opts Options) *Batcher {
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = DefaultMaxBufferSize
	}
	logger := log.WithBatcher(opts.ID)
	if opts.Timeout <= 0 {
		opts.Timeout = clock.DefaultTimeout
		logger.Warn().Msg("batcher timeout unset, using default")
	}
	if opts.Transaction == nil {
		opts.Transaction = txn.Local{}
	}

	b := &Batcher{
		id:            opts.ID,
		meta:          opts.MetaCache,
		transport:     opts.Transport,
		errs:          opts.Errors,
		transaction:   opts.Transaction,
		pool:          opts.Pool,
		state:         StateGathering,
		ops:           make(map[*inFlightOp]struct{}),
		maxBufferSize: opts.MaxBufferSize,
		timeout:       opts.Timeout,
		startedAt:     time.Now(),
	}
	if opts.Session != nil {
		b.weakSession = weak.Make(opts.Session)
	}
	metrics.BatchersActive.Inc()
	return b
}

// Add registers a user operation with the batcher. The batcher must be in
// state Gathering. The op's tablet lookup is started asynchronously; Add
// returns once the op is registered, not once its tablet is known.
func (b *Batcher) Add(op ops.Op) error {
	partitionKey := op.PartitionKey()
	size := int64(op.SizeBytes())
	group := ops.GetOpGroup(op)

	b.mu.Lock()
	if b.state != StateGathering {
		b.mu.Unlock()
		return ErrNotGathering
	}
	if b.bufferBytesUsed+size > b.maxBufferSize {
		b.mu.Unlock()
		return ErrBufferFull
	}

	iop := &inFlightOp{
		userOp:         op,
		partitionKey:   partitionKey,
		state:          opLookingUpTablet,
		sequenceNumber: b.nextSequenceNumber,
		group:          group,
	}
	b.nextSequenceNumber++
	b.ops[iop] = struct{}{}
	b.outstandingLookups++
	b.bufferBytesUsed += size
	bufferBytesUsed := b.bufferBytesUsed
	deadline := b.lookupDeadlineLocked()
	b.mu.Unlock()

	metrics.OpsAddedTotal.WithLabelValues(group.String()).Inc()
	metrics.OpsBuffered.Inc()
	metrics.BufferBytesUsed.Set(float64(bufferBytesUsed))

	b.meta.LookupTabletByKey(op.Table(), partitionKey, deadline, func(t *metacache.Tablet, err error) {
		b.tabletLookupFinished(iop, t, err)
	})
	return nil
}

// lookupDeadlineLocked must be called with mu held.
func (b *Batcher) lookupDeadlineLocked() time.Time {
	if !b.deadline.IsZero() {
		return b.deadline
	}
	return clock.ComputeDeadline(b.timeout)
}

// SetTimeout overrides the relative timeout used to derive deadlines for
// lookups and RPCs issued before FlushAsync sets an absolute deadline.
func (b *Batcher) SetTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timeout = d
}

// tabletLookupFinished is the meta-cache's completion callback for one op's
// tablet resolution.
func (b *Batcher) tabletLookupFinished(iop *inFlightOp, tablet *metacache.Tablet, lookupErr error) {
	b.mu.Lock()
	b.outstandingLookups--

	if b.state == StateAborted {
		b.removeOpLocked(iop)
		b.mu.Unlock()
		b.errs.AddError(opID(iop), iop.userOp.Table(), ErrAborted)
		metrics.OpsBuffered.Dec()
		return
	}

	if lookupErr != nil {
		b.removeOpLocked(iop)
		b.hadErrors.Store(true)
		b.mu.Unlock()

		b.errs.AddError(opID(iop), iop.userOp.Table(), lookupErr)
		metrics.OpsBuffered.Dec()
		metrics.OpsFailedTotal.WithLabelValues("tablet_lookup").Inc()
		b.checkForFinishedFlush()
		b.flushBuffersIfReady()
		return
	}

	iop.mu.Lock()
	iop.tablet = tablet
	iop.state = opBufferedToTabletServer
	iop.mu.Unlock()
	b.opsQueue = append(b.opsQueue, iop)
	b.mu.Unlock()

	b.flushBuffersIfReady()
}

// removeOpLocked removes iop from b.ops and reclaims its buffer accounting.
// Callers must hold mu.
func (b *Batcher) removeOpLocked(iop *inFlightOp) {
	delete(b.ops, iop)
	b.bufferBytesUsed -= int64(iop.userOp.SizeBytes())
	if b.bufferBytesUsed < 0 {
		b.bufferBytesUsed = 0
	}
}

// FlushAsync transitions the batcher to Flushing and arranges for callback
// to run exactly once, after every op has left the in-flight set (or
// immediately, with the abort status, if Abort is called first).
func (b *Batcher) FlushAsync(callback func(error)) error {
	b.mu.Lock()
	if b.state != StateGathering {
		b.mu.Unlock()
		return ErrFlushAlreadyCalled
	}
	b.state = StateFlushing
	b.flushCallback = callback
	if b.deadline.IsZero() {
		b.deadline = clock.ComputeDeadline(b.timeout)
	}
	b.mu.Unlock()

	b.flushBuffersIfReady()
	b.checkForFinishedFlush()
	return nil
}

// flushBuffersIfReady is the dispatch driver (FlushBuffersIfReady). It is
// idempotent: calling it when the gating conditions do not hold is a no-op,
// and calling it repeatedly after a successful dispatch observes an empty
// opsQueue and does nothing further.
func (b *Batcher) flushBuffersIfReady() {
	b.mu.Lock()
	if b.state != StateFlushing || b.outstandingLookups != 0 || len(b.opsQueue) == 0 {
		b.mu.Unlock()
		return
	}

	tabletIDs := distinctTabletIDs(b.opsQueue)

	if b.transaction != nil {
		ready := b.transaction.Prepare(tabletIDs, func(err error) {
			if err != nil {
				b.Abort(err)
				return
			}
			b.flushBuffersIfReady()
		})
		if !ready {
			b.mu.Unlock()
			return
		}
	}

	buf := b.opsQueue
	b.opsQueue = nil
	b.mu.Unlock()

	b.dispatch(buf)
}

// dispatch sorts a batch of ready ops by (tablet, op-group, sequence),
// segments it at every (tablet, op-group) boundary, and emits one RPC per
// segment. Every segment but the last runs on the executor pool; the last
// may run inline on the calling goroutine so no single flush monopolizes a
// worker slot to the exclusion of everything after it.
func (b *Batcher) dispatch(buf []*inFlightOp) {
	sort.Slice(buf, func(i, j int) bool {
		ti, tj := tabletID(buf[i]), tabletID(buf[j])
		if ti != tj {
			return ti < tj
		}
		if buf[i].group != buf[j].group {
			return buf[i].group < buf[j].group
		}
		return buf[i].sequenceNumber < buf[j].sequenceNumber
	})

	segments := segmentOps(buf)
	for i, seg := range segments {
		seg := seg
		if i == len(segments)-1 {
			b.dispatchSegment(seg)
			continue
		}
		if b.pool != nil {
			b.pool.Submit(func() { b.dispatchSegment(seg) })
		} else {
			go b.dispatchSegment(seg)
		}
	}
}

func segmentOps(buf []*inFlightOp) [][]*inFlightOp {
	var segments [][]*inFlightOp
	var cur []*inFlightOp
	for _, iop := range buf {
		if len(cur) > 0 {
			prev := cur[len(cur)-1]
			if tabletID(prev) != tabletID(iop) || prev.group != iop.group {
				segments = append(segments, cur)
				cur = nil
			}
		}
		cur = append(cur, iop)
	}
	if len(cur) > 0 {
		segments = append(segments, cur)
	}
	return segments
}

func (b *Batcher) dispatchSegment(seg []*inFlightOp) {
	group := seg[0].group
	id := tabletID(seg[0])
	addr := tabletAddr(seg[0])
	table := seg[0].userOp.Table()

	b.mu.Lock()
	deadline := b.deadline
	timeout := b.timeout
	b.mu.Unlock()

	var ctx context.Context
	var cancel context.CancelFunc
	if !deadline.IsZero() {
		ctx, cancel = context.WithDeadline(context.Background(), deadline)
	} else {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	}
	defer cancel()

	metrics.RPCsDispatchedTotal.WithLabelValues(group.String()).Inc()
	timer := metrics.NewTimer()

	switch group {
	case ops.OpGroupWrite:
		resp, err := b.sendWrite(ctx, id, addr, table, seg, deadline)
		timer.ObserveDurationVec(metrics.RPCLatency, group.String())
		b.processWriteResponse(seg, resp, err)
	case ops.OpGroupLeaderRead:
		resp, err := b.sendRead(ctx, id, addr, table, seg, deadline, rpc.ConsistencyStrong)
		timer.ObserveDurationVec(metrics.RPCLatency, group.String())
		b.processReadResponse(seg, resp, err)
	case ops.OpGroupConsistentPrefixRead:
		resp, err := b.sendRead(ctx, id, addr, table, seg, deadline, rpc.ConsistencyPrefix)
		timer.ObserveDurationVec(metrics.RPCLatency, group.String())
		b.processReadResponse(seg, resp, err)
	}
}

func (b *Batcher) sendWrite(ctx context.Context, tabletID, addr, table string, seg []*inFlightOp, deadline time.Time) (*rpc.WriteResponse, error) {
	req := &rpc.WriteRequest{
		TabletID: tabletID,
		Table:    table,
		Keys:     make([][]byte, len(seg)),
		Columns:  make([]map[string]interface{}, len(seg)),
	}
	if !deadline.IsZero() {
		req.Deadline = timestamppb.New(deadline)
	}
	for i, iop := range seg {
		iop.mu.Lock()
		req.Keys[i] = iop.partitionKey
		if w, ok := iop.userOp.(*ops.WriteOp); ok {
			req.Columns[i] = w.Columns
		}
		iop.mu.Unlock()
	}
	return b.transport.Write(ctx, addr, req)
}

func (b *Batcher) sendRead(ctx context.Context, tabletID, addr, table string, seg []*inFlightOp, deadline time.Time, consistency rpc.Consistency) (*rpc.ReadResponse, error) {
	req := &rpc.ReadRequest{
		TabletID:    tabletID,
		Table:       table,
		Keys:        make([][]byte, len(seg)),
		Consistency: consistency,
	}
	if !deadline.IsZero() {
		req.Deadline = timestamppb.New(deadline)
	}
	for i, iop := range seg {
		iop.mu.Lock()
		req.Keys[i] = iop.partitionKey
		iop.mu.Unlock()
	}
	return b.transport.Read(ctx, addr, req)
}

// processWriteResponse is the RPC-result ingestion path (ProcessWriteResponse).
func (b *Batcher) processWriteResponse(seg []*inFlightOp, resp *rpc.WriteResponse, rpcErr error) {
	tabletIDs := []string{tabletID(seg[0])}
	var hybridTime uint64

	if rpcErr != nil {
		for _, iop := range seg {
			b.errs.AddError(opID(iop), iop.userOp.Table(), rpcErr)
		}
		b.hadErrors.Store(true)
		metrics.OpsFailedTotal.WithLabelValues("write_rpc").Add(float64(len(seg)))
	} else if resp != nil {
		hybridTime = resp.HybridTime
		for _, rowErr := range resp.Errors {
			if rowErr.RowIndex < 0 || rowErr.RowIndex >= len(seg) {
				log.WithBatcher(b.id).Warn().Int("row_index", rowErr.RowIndex).Int("segment_size", len(seg)).
					Msg("write response row error index out of bounds, dropping")
				continue
			}
			iop := seg[rowErr.RowIndex]
			b.errs.AddError(opID(iop), iop.userOp.Table(), errors.New(rowErr.Message))
			b.hadErrors.Store(true)
			metrics.OpsFailedTotal.WithLabelValues("row_error").Inc()
		}
	}

	b.finishSegment(seg, tabletIDs, rpcErr, hybridTime)
}

// processReadResponse is the read-specific RPC-result ingestion path. Per-row
// errors in a read response (resp.Errors) are not examined (see
// original_source and SPEC_FULL.md §9); only a transport failure fails ops,
// and then every op in the segment.
func (b *Batcher) processReadResponse(seg []*inFlightOp, resp *rpc.ReadResponse, rpcErr error) {
	tabletIDs := []string{tabletID(seg[0])}
	var hybridTime uint64

	if rpcErr != nil {
		for _, iop := range seg {
			b.errs.AddError(opID(iop), iop.userOp.Table(), rpcErr)
		}
		b.hadErrors.Store(true)
		metrics.OpsFailedTotal.WithLabelValues("read_rpc").Add(float64(len(seg)))
	} else if resp != nil {
		hybridTime = resp.HybridTime
	}

	b.finishSegment(seg, tabletIDs, rpcErr, hybridTime)
}

func (b *Batcher) finishSegment(seg []*inFlightOp, tabletIDs []string, rpcErr error, hybridTime uint64) {
	b.mu.Lock()
	for _, iop := range seg {
		if _, ok := b.ops[iop]; !ok {
			log.WithBatcher(b.id).Error().Str("op", opID(iop)).Msg("op missing from in-flight set at RPC completion")
			continue
		}
		b.removeOpLocked(iop)
	}
	b.mu.Unlock()
	metrics.OpsBuffered.Sub(float64(len(seg)))

	if b.transaction != nil {
		b.transaction.Flushed(tabletIDs, rpcErr, hybridTime)
	}

	b.checkForFinishedFlush()
}

// checkForFinishedFlush is CheckForFinishedFlush: run whenever ops might
// have just emptied. If the batcher is done, it transitions to Flushed,
// notifies the session (if still alive) with the lock released, and runs
// the flush callback.
func (b *Batcher) checkForFinishedFlush() {
	b.mu.Lock()
	if b.state != StateFlushing || len(b.ops) != 0 {
		b.mu.Unlock()
		return
	}
	b.state = StateFlushed
	b.mu.Unlock()

	metrics.BatchersActive.Dec()
	metrics.FlushLatency.Observe(time.Since(b.startedAt).Seconds())

	if session := b.weakSession.Value(); session != nil && session.OnFlushFinished != nil {
		session.OnFlushFinished(b)
	}

	var result error
	if b.hadErrors.Load() {
		result = ErrSomeErrorsOccurred
		metrics.FlushesTotal.WithLabelValues("errors").Inc()
	} else {
		metrics.FlushesTotal.WithLabelValues("ok").Inc()
	}
	b.runCallback(result)
}

// Abort transitions the batcher to Aborted. Every op already resolved to a
// tablet (BufferedToTabletServer) is failed immediately with cause; ops
// still awaiting tablet resolution are left in place for their own
// lookup-completion path to fail once it observes the Aborted state. The
// flush callback, if any, fires immediately with cause rather than waiting
// for the in-flight set to drain.
func (b *Batcher) Abort(cause error) {
	if cause == nil {
		cause = ErrAborted
	}

	b.mu.Lock()
	if b.state == StateAborted || b.state == StateFlushed {
		b.mu.Unlock()
		return
	}
	b.state = StateAborted

	var toFail []*inFlightOp
	for iop := range b.ops {
		iop.mu.Lock()
		buffered := iop.state == opBufferedToTabletServer
		iop.mu.Unlock()
		if buffered {
			toFail = append(toFail, iop)
		}
	}
	for _, iop := range toFail {
		b.removeOpLocked(iop)
	}
	b.opsQueue = nil
	b.mu.Unlock()

	metrics.BatchersActive.Dec()
	metrics.OpsBuffered.Sub(float64(len(toFail)))
	b.hadErrors.Store(true)

	for _, iop := range toFail {
		b.errs.AddError(opID(iop), iop.userOp.Table(), cause)
	}

	metrics.FlushesTotal.WithLabelValues("aborted").Inc()
	b.runCallback(cause)
}

// runCallback invokes the flush callback at most once, submitting it to the
// executor pool when available and falling back to running it inline on
// the calling goroutine if submission isn't possible.
func (b *Batcher) runCallback(err error) {
	b.flushOnce.Do(func() {
		cb := b.flushCallback
		if cb == nil {
			return
		}
		run := func() { cb(err) }
		if b.pool != nil {
			b.pool.Submit(run)
		} else {
			run()
		}
	})
}

// HasPendingOperations reports whether any op is still owned by the batcher.
func (b *Batcher) HasPendingOperations() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ops) > 0
}

// CountBufferedOperations returns the number of ops held while Gathering;
// once flushing begins, ops are no longer considered "buffered" from the
// caller's perspective even though they still occupy the in-flight set.
func (b *Batcher) CountBufferedOperations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateGathering {
		return 0
	}
	return len(b.ops)
}

// BufferBytesUsed returns the estimated wire size of ops still buffered
// while Gathering, for Collector's point-in-time gauge polling.
func (b *Batcher) BufferBytesUsed() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateGathering {
		return 0
	}
	return b.bufferBytesUsed
}

// State returns the batcher's current lifecycle state.
func (b *Batcher) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Deadline returns the absolute deadline by which this batcher's flush
// should have completed, or the zero time if none has been set yet (the
// batcher is still Gathering and FlushAsync hasn't run).
func (b *Batcher) Deadline() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deadline
}

// ID returns the batcher's identifier, used to scope log lines and metrics.
func (b *Batcher) ID() string { return b.id }

// AssertDrained panics if the batcher still owns any op or has not reached
// a terminal state. It is the Go analogue of the original's ~Batcher()
// destructor CHECK, since Go has no destructors to run it automatically;
// callers invoke it explicitly from tests and, optionally, a session before
// it drops its last reference to a batcher.
func (b *Batcher) AssertDrained() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ops) != 0 {
		panic(fmt.Sprintf("batcher %s: AssertDrained with %d ops still in flight", b.id, len(b.ops)))
	}
	if b.state != StateFlushed && b.state != StateAborted {
		panic(fmt.Sprintf("batcher %s: AssertDrained in non-terminal state %s", b.id, b.state))
	}
}

// Close asserts the batcher has drained. It does not release any resource
// of its own; it exists so callers have a conventional disposal hook.
func (b *Batcher) Close() {
	b.AssertDrained()
}

func tabletID(iop *inFlightOp) string {
	iop.mu.Lock()
	defer iop.mu.Unlock()
	if iop.tablet == nil {
		return ""
	}
	return iop.tablet.ID
}

func tabletAddr(iop *inFlightOp) string {
	iop.mu.Lock()
	defer iop.mu.Unlock()
	if iop.tablet == nil {
		return ""
	}
	return iop.tablet.Leader
}

func opID(iop *inFlightOp) string {
	return fmt.Sprintf("%s/%d", iop.userOp.Table(), iop.sequenceNumber)
}

func distinctTabletIDs(buf []*inFlightOp) []string {
	seen := make(map[string]bool, len(buf))
	var ids []string
	for _, iop := range buf {
		id := tabletID(iop)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}
