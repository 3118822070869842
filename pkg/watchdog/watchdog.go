// Package watchdog periodically scans the batchers a Registry reports as
// still outstanding and aborts any that have run past their own deadline,
// the backstop for a tablet server or the network going silent mid-RPC
// without ever invoking the batcher's completion callback.
package watchdog

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shardkit/tabletclient/pkg/batcher"
	"github.com/shardkit/tabletclient/pkg/log"
)

// Registry reports the set of batchers a Watchdog should monitor. A
// session (or a process-wide index of sessions) implements this by
// tracking every batcher.Batcher it has handed a deadline to since the
// last completed flush.
type Registry interface {
	ActiveBatchers() []*batcher.Batcher
}

// Watchdog runs a ticker loop that aborts batchers stuck past their
// deadline.
type Watchdog struct {
	registry Registry
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	once   sync.Once
}

// New creates a Watchdog that scans registry every interval. interval is
// clamped to at least one second.
func New(registry Registry, interval time.Duration) *Watchdog {
	if interval < time.Second {
		interval = time.Second
	}
	return &Watchdog{
		registry: registry,
		interval: interval,
		logger:   log.WithComponent("watchdog"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the scan loop in a background goroutine.
func (w *Watchdog) Start() {
	go w.run()
}

// Stop halts the scan loop. Safe to call multiple times.
func (w *Watchdog) Stop() {
	w.once.Do(func() { close(w.stopCh) })
}

func (w *Watchdog) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.interval).Msg("watchdog started")

	for {
		select {
		case <-ticker.C:
			w.scan()
		case <-w.stopCh:
			w.logger.Info().Msg("watchdog stopped")
			return
		}
	}
}

// scan is one sweep over the registry's active batchers.
func (w *Watchdog) scan() {
	now := time.Now()
	for _, b := range w.registry.ActiveBatchers() {
		deadline := b.Deadline()
		if deadline.IsZero() || now.Before(deadline) {
			continue
		}
		state := b.State()
		if state == batcher.StateFlushed || state == batcher.StateAborted {
			continue
		}

		w.logger.Warn().
			Str("batcher_id", b.ID()).
			Time("deadline", deadline).
			Dur("overrun", now.Sub(deadline)).
			Msg("batcher past deadline, aborting")

		b.Abort(ErrDeadlineExceeded)
	}
}

// ErrDeadlineExceeded is the abort cause the watchdog attaches to batchers
// it reclaims.
var ErrDeadlineExceeded = &deadlineExceededError{}

type deadlineExceededError struct{}

func (*deadlineExceededError) Error() string { return "watchdog: batcher exceeded its deadline" }
