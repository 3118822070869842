package executor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	p := NewPool(4)
	defer p.Stop()

	var n int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			atomic.AddInt32(&n, 1)
		})
	}
	wg.Wait()
	assert.EqualValues(t, 50, atomic.LoadInt32(&n))
}

func TestPoolRecoversPanickingTask(t *testing.T) {
	p := NewPool(2)
	defer p.Stop()

	done := make(chan struct{})
	p.Submit(func() { panic("boom") })
	p.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool stalled after a panicking task")
	}
}

func TestPoolSubmitAfterStopRunsInline(t *testing.T) {
	p := NewPool(1)
	p.Stop()
	p.Wait()

	ran := false
	p.Submit(func() { ran = true })
	assert.True(t, ran, "Submit after Stop must run the task on the calling goroutine")
}

func TestPoolStopIsIdempotent(t *testing.T) {
	p := NewPool(1)
	assert.NotPanics(t, func() {
		p.Stop()
		p.Stop()
	})
}

func TestPoolConcurrentStopAndSubmitDoesNotPanic(t *testing.T) {
	for i := 0; i < 20; i++ {
		p := NewPool(4)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p.Submit(func() {})
			}
		}()
		go func() {
			defer wg.Done()
			p.Stop()
		}()
		require.NotPanics(t, wg.Wait)
		p.Wait()
	}
}
