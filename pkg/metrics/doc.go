// Package metrics defines and registers the driver process's Prometheus
// metrics: counters and histograms updated inline by the packages that
// observe them (pkg/batcher, pkg/rpc, pkg/metacache, pkg/txn, pkg/api), plus
// a handful of gauges that have no natural call site to update from.
//
// Collector polls those gauges on an interval: buffering state across every
// batcher a driver process currently owns (via BufferStatsProvider, which
// cmd/tabletctl's driverBufferStats adapts api.Server's session registry
// into) and Raft leadership/log state when running with a RaftCoordinator
// (via RaftStatsProvider). Both providers are optional; Collector simply
// skips a gauge group whose provider is nil.
//
// pkg/api.MetricsInterceptor wraps the DriverService's gRPC handlers to
// record request counts and latency without every handler doing it by hand.
package metrics
