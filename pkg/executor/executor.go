// Package executor provides the bounded goroutine pool a batcher submits
// flush callbacks and per-tablet RPC dispatch onto, so neither ever runs
// inline on the goroutine that is holding the batcher's lock.
package executor

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/shardkit/tabletclient/pkg/log"
)

// Pool is a fixed-size worker pool. Tasks queue on a channel buffer of 1024
// entries and are picked up by whichever worker goroutine is free next;
// when the buffer is full, Submit blocks until a worker takes a task or the
// pool is stopped. If the pool has been
// stopped, Submit runs the task inline instead of dropping it, mirroring
// the original driver's fallback of running the flush callback inline when
// no callback threadpool is available.
type Pool struct {
	tasks   chan func()
	wg      sync.WaitGroup
	stopped chan struct{}
	once    sync.Once
}

// NewPool starts a pool of n worker goroutines. n is clamped to at least 1.
func NewPool(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		tasks:   make(chan func(), 1024),
		stopped: make(chan struct{}),
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	logger := log.WithComponent("executor")
	for {
		select {
		case task := <-p.tasks:
			runSafely(logger, task)
		case <-p.stopped:
			for {
				select {
				case task := <-p.tasks:
					runSafely(logger, task)
				default:
					return
				}
			}
		}
	}
}

func runSafely(logger zerolog.Logger, task func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("executor task panicked")
		}
	}()
	task()
}

// Submit enqueues task to run on a worker goroutine. If the pool has
// already been stopped, task runs synchronously on the calling goroutine
// instead.
func (p *Pool) Submit(task func()) {
	logger := log.WithComponent("executor")
	select {
	case <-p.stopped:
		runSafely(logger, task)
		return
	default:
	}

	select {
	case p.tasks <- task:
	case <-p.stopped:
		runSafely(logger, task)
	}
}

// Stop closes the pool. Already-queued tasks still run; Submit after Stop
// runs inline. Stop does not wait for in-flight tasks to drain; callers
// that need that should call Wait after Stop.
func (p *Pool) Stop() {
	p.once.Do(func() {
		close(p.stopped)
	})
}

// Wait blocks until every worker goroutine has exited, which only happens
// after Stop has been called and the task channel has drained.
func (p *Pool) Wait() {
	p.wg.Wait()
}
