// Package session provides the caller-facing handle a driver process hands
// out per logical unit of work: open a session, add operations to its
// current batcher, flush, repeat. A session owns exactly one active
// batcher at a time and recycles itself into a fresh one after each flush
// completes, mirroring the one-batcher-per-flush-cycle lifecycle the
// batcher package itself assumes.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shardkit/tabletclient/pkg/batcher"
	"github.com/shardkit/tabletclient/pkg/errcollect"
	"github.com/shardkit/tabletclient/pkg/executor"
	"github.com/shardkit/tabletclient/pkg/log"
	"github.com/shardkit/tabletclient/pkg/metacache"
	"github.com/shardkit/tabletclient/pkg/ops"
	"github.com/shardkit/tabletclient/pkg/rpc"
	"github.com/shardkit/tabletclient/pkg/txn"
)

// Options configures a Session. MetaCache and Transport are required.
type Options struct {
	MetaCache     metacache.Cache
	Transport     rpc.Transport
	Pool          *executor.Pool
	Transaction   txn.Coordinator
	MaxBufferSize int64
	Timeout       time.Duration
}

// Session is a caller-facing handle onto a sequence of flush cycles against
// the same transport and meta-cache. It is not safe for concurrent use by
// multiple goroutines adding ops to the same flush cycle; callers that need
// that should serialize Add calls or open one Session per goroutine.
type Session struct {
	id        string
	metaCache metacache.Cache
	transport rpc.Transport
	opts      Options
	handle    *batcher.SessionHandle

	mu          sync.Mutex
	current     *batcher.Batcher
	currentErrs *errcollect.Collector
	inFlight    map[*batcher.Batcher]struct{}
	closed      bool
}

// FlushResult is the outcome of one flush cycle: the batcher's overall
// error (nil, batcher.ErrSomeErrorsOccurred, or an abort cause) plus the
// per-operation errors collected along the way.
type FlushResult struct {
	Err    error
	Errors []*errcollect.OpError
}

// New opens a session. The returned Session owns one SessionHandle for its
// whole lifetime; every batcher it creates holds a weak reference to that
// handle so a batcher outliving its session (e.g. a slow flush the caller
// stopped waiting on) doesn't keep the session itself reachable.
func New(opts Options) *Session {
	s := &Session{
		id:        uuid.NewString(),
		metaCache: opts.MetaCache,
		transport: opts.Transport,
		opts:      opts,
		inFlight:  make(map[*batcher.Batcher]struct{}),
	}
	s.handle = &batcher.SessionHandle{OnFlushFinished: s.onFlushFinished}
	s.mu.Lock()
	s.newBatcherLocked()
	s.mu.Unlock()
	return s
}

// newBatcherLocked replaces s.current with a fresh batcher and its own
// error collector, recorded together in s.currentErrs so a caller swapping
// batchers out from under a flush can still reach the outgoing batcher's
// errors after the swap.
func (s *Session) newBatcherLocked() {
	errs := errcollect.New()

	batcherOpts := batcher.Options{
		ID:        fmt.Sprintf("%s/%d", s.id, time.Now().UnixNano()),
		MetaCache: s.metaCache,
		Transport: s.transport,
		Errors:    errs,
		Session:   s.handle,
		Timeout:   s.opts.Timeout,
	}
	if s.opts.Transaction != nil {
		batcherOpts.Transaction = s.opts.Transaction
	}
	if s.opts.MaxBufferSize > 0 {
		batcherOpts.MaxBufferSize = s.opts.MaxBufferSize
	}
	if s.opts.Pool != nil {
		batcherOpts.Pool = s.opts.Pool
	}

	s.current = batcher.New(batcherOpts)
	s.currentErrs = errs
	s.inFlight[s.current] = struct{}{}
}

// onFlushFinished is the batcher's notification hook, invoked with no
// session lock held by the batcher itself (see checkForFinishedFlush). It
// drops the batcher from the in-flight set a watchdog.Registry scan would
// otherwise keep reporting forever.
func (s *Session) onFlushFinished(b *batcher.Batcher) {
	s.mu.Lock()
	delete(s.inFlight, b)
	s.mu.Unlock()
	log.WithSession(s.id).Debug().Msg("batcher flush finished")
}

// ActiveBatchers implements watchdog.Registry: every batcher this session
// has created since its last completed flush, including ones still
// flushing in the background after a newer one has already taken over as
// current.
func (s *Session) ActiveBatchers() []*batcher.Batcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*batcher.Batcher, 0, len(s.inFlight))
	for b := range s.inFlight {
		out = append(out, b)
	}
	return out
}

// Add buffers op against the session's current batcher.
func (s *Session) Add(op ops.Op) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session: closed")
	}
	b := s.current
	s.mu.Unlock()
	return b.Add(op)
}

// Flush requests the current batcher flush and immediately swaps in a
// fresh one so the caller can keep adding operations for the next round
// without waiting for this one's RPCs to complete. The returned channel
// receives this flush's result exactly once.
func (s *Session) Flush() <-chan FlushResult {
	result := make(chan FlushResult, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		result <- FlushResult{Err: fmt.Errorf("session: closed")}
		return result
	}
	b := s.current
	errs := s.currentErrs
	s.newBatcherLocked()
	s.mu.Unlock()

	if err := b.FlushAsync(func(err error) {
		result <- FlushResult{Err: err, Errors: errs.GetErrors()}
	}); err != nil {
		result <- FlushResult{Err: err, Errors: errs.GetErrors()}
	}
	return result
}

// Close aborts the current batcher and marks the session unusable for
// further Add/Flush calls. Safe to call multiple times.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	b := s.current
	s.mu.Unlock()

	b.Abort(fmt.Errorf("session: closed"))
}

// ID returns the session's identifier, used to scope log lines and metrics.
func (s *Session) ID() string { return s.id }
