package metrics

import "time"

// RaftStatsProvider exposes the subset of hashicorp/raft status the collector
// polls. pkg/txn.RaftCoordinator implements this.
type RaftStatsProvider interface {
	IsLeader() bool
	Stats() map[string]string
}

// BufferStatsProvider exposes aggregate buffering state across the sessions
// a driver process currently owns. cmd/tabletctl's driverBufferStats
// implements this.
type BufferStatsProvider interface {
	ActiveBatchers() int
	BufferedOps() int
	BufferBytesUsed() int64
}

// Collector polls driver-wide state on an interval and republishes it as
// Prometheus gauges. Counters and histograms are updated inline by the
// packages that observe them; Collector only handles point-in-time gauges
// that have no natural call site to update from.
type Collector struct {
	raft    RaftStatsProvider
	buffers BufferStatsProvider
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector. Either provider may be nil
// if that subsystem isn't running in this process.
func NewCollector(raft RaftStatsProvider, buffers BufferStatsProvider) *Collector {
	return &Collector{
		raft:    raft,
		buffers: buffers,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectBufferMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectBufferMetrics() {
	if c.buffers == nil {
		return
	}
	BatchersActive.Set(float64(c.buffers.ActiveBatchers()))
	OpsBuffered.Set(float64(c.buffers.BufferedOps()))
	BufferBytesUsed.Set(float64(c.buffers.BufferBytesUsed()))
}

func (c *Collector) collectRaftMetrics() {
	if c.raft == nil {
		return
	}

	if c.raft.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	stats := c.raft.Stats()
	if stats == nil {
		return
	}
	if v, ok := parseUint(stats["last_log_index"]); ok {
		RaftLogIndex.Set(float64(v))
	}
	if v, ok := parseUint(stats["applied_index"]); ok {
		RaftAppliedIndex.Set(float64(v))
	}
}

func parseUint(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	var v uint64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		v = v*10 + uint64(r-'0')
	}
	return v, true
}
