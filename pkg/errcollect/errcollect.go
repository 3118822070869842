// Package errcollect accumulates per-operation errors surfaced by a batcher
// flush so the caller can retrieve them once, after the flush callback runs,
// instead of failing the whole batch on the first error.
package errcollect

import (
	"fmt"
	"sync"
)

// OpError pairs a failed operation's identity with the error it failed with.
type OpError struct {
	OpID  string
	Table string
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("op %s (table %s): %v", e.OpID, e.Table, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Collector is a thread-safe accumulator of OpErrors. The zero value is
// ready to use. It is safe to call AddError concurrently from RPC callback
// goroutines while Drain is called from a different goroutine once flushing
// has quiesced.
type Collector struct {
	mu     sync.Mutex
	errors []*OpError
}

// New returns an empty Collector.
func New() *Collector {
	return &Collector{}
}

// AddError records a failure for the given operation.
func (c *Collector) AddError(opID, table string, err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, &OpError{OpID: opID, Table: table, Err: err})
}

// CountErrors returns the number of errors currently collected.
func (c *Collector) CountErrors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errors)
}

// GetErrors returns a snapshot of the collected errors without clearing them.
func (c *Collector) GetErrors() []*OpError {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*OpError, len(c.errors))
	copy(out, c.errors)
	return out
}

// Drain returns the collected errors and clears the collector.
func (c *Collector) Drain() []*OpError {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.errors
	c.errors = nil
	return out
}
