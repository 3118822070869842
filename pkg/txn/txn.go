// Package txn gates batcher dispatch on an optional distributed
// transaction coordinator. When a batcher is created in the context of a
// transaction, its dispatch driver must let the coordinator register the
// tablets it is about to touch (and wait for it to be ready) before any
// RPC goes out; when the batcher has no transaction, dispatch proceeds
// unconditionally.
package txn

// Coordinator gates and observes a batcher's dispatch of operations
// against a set of tablets on behalf of a single distributed transaction.
//
// Prepare is called by the batcher's dispatch driver while its internal
// lock is held, so it must return immediately: true means the tablet set
// is already registered and dispatch may proceed now; false means the
// coordinator needs to do further work first, and it will invoke ready
// exactly once, from another goroutine, when that work completes (with a
// non-nil error if the transaction should instead be aborted).
type Coordinator interface {
	Prepare(tabletIDs []string, ready func(error)) bool
	// Flushed reports that an RPC against tabletIDs completed, so the
	// coordinator can track participants for its own commit/abort
	// protocol. hybridTime is the highest timestamp the RPC observed, or 0
	// if the RPC failed.
	Flushed(tabletIDs []string, rpcErr error, hybridTime uint64)
}

// Local is a no-op Coordinator for batchers that aren't part of a
// distributed transaction: every Prepare call is already "ready".
type Local struct{}

func (Local) Prepare(tabletIDs []string, ready func(error)) bool { return true }
func (Local) Flushed(tabletIDs []string, rpcErr error, hybridTime uint64) {}
