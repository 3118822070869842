// Package health implements the TCP liveness checks a driver process runs
// against its configured seed tablet servers, plus the consecutive-failure
// bookkeeping (Status) that turns a stream of raw Results into a sticky
// healthy/unhealthy verdict. Tablet servers speak gRPC over TCP, not HTTP,
// so TCPChecker is the only Checker implementation; an HTTP-based variant
// was dropped along with ExecChecker for having nothing in this domain to
// check.
//
// Monitor runs the ticker-driven poll loop, the same Start/Stop/stopCh
// shape pkg/watchdog uses to scan batchers, and keeps a Status per address.
// cmd/tabletctl's serve command starts one Monitor over its seed tablet
// servers and hands it to pkg/api.HealthServer, which folds the snapshot
// into /ready: a driver with zero reachable seeds reports not-ready, since
// it cannot resolve a single tablet without one.
package health
