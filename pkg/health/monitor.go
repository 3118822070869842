package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shardkit/tabletclient/pkg/log"
)

// Monitor runs a ticker loop that keeps a Status per tablet server address,
// the same ticker-driven Start/Stop/stopCh shape pkg/watchdog uses to scan
// batchers. A driver process has no cluster-membership service to push it
// tablet server failures, so it has to keep polling the seed addresses it
// was configured with to know whether any of them can still take an RPC.
type Monitor struct {
	config   Config
	checkers map[string]Checker
	logger   zerolog.Logger

	mu       sync.RWMutex
	statuses map[string]*Status

	stopCh chan struct{}
	once   sync.Once
}

// NewMonitor builds a Monitor that TCP-checks each address in addrs.
// config.Interval is clamped to at least one second.
func NewMonitor(addrs []string, config Config) *Monitor {
	if config.Interval < time.Second {
		config.Interval = time.Second
	}

	checkers := make(map[string]Checker, len(addrs))
	statuses := make(map[string]*Status, len(addrs))
	for _, addr := range addrs {
		checkers[addr] = NewTCPChecker(addr).WithTimeout(config.Timeout)
		statuses[addr] = NewStatus()
	}

	return &Monitor{
		config:   config,
		checkers: checkers,
		logger:   log.WithComponent("health"),
		statuses: statuses,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the check loop in a background goroutine, running one round
// immediately rather than waiting out the first interval.
func (m *Monitor) Start() {
	go m.run()
}

// Stop halts the check loop. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.checkAll()
	for {
		select {
		case <-ticker.C:
			m.checkAll()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) checkAll() {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.Timeout)
	defer cancel()

	for addr, checker := range m.checkers {
		m.mu.RLock()
		status := m.statuses[addr]
		m.mu.RUnlock()

		if status.InStartPeriod(m.config) {
			continue
		}

		wasHealthy := status.Healthy
		result := checker.Check(ctx)

		m.mu.Lock()
		status.Update(result, m.config)
		nowHealthy := status.Healthy
		m.mu.Unlock()

		if wasHealthy != nowHealthy {
			event := m.logger.Warn()
			if nowHealthy {
				event = m.logger.Info()
			}
			event.Str("addr", addr).Bool("healthy", nowHealthy).Str("detail", result.Message).
				Msg("tablet server health transition")
		}
	}
}

// Snapshot returns the current Status of every monitored address.
func (m *Monitor) Snapshot() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.statuses))
	for addr, status := range m.statuses {
		out[addr] = *status
	}
	return out
}

// HealthyCount reports how many monitored addresses are currently healthy.
func (m *Monitor) HealthyCount() int {
	snapshot := m.Snapshot()
	n := 0
	for _, status := range snapshot {
		if status.Healthy {
			n++
		}
	}
	return n
}
