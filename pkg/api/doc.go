// Package api exposes a driver process's session/batcher surface to
// out-of-process clients. DriverService (service.go) mirrors pkg/rpc's
// tablet-server-facing ServiceDesc pattern one level up the stack: the same
// JSON codec, the same hand-written grpc.ServiceDesc standing in for
// protoc-gen-go-grpc output, the same mTLS server wiring, now carrying
// OpenSession/Add/Flush/CloseSession instead of Write/Read.
//
// HealthServer (health.go) serves /health, /ready and /metrics over plain
// HTTP for process supervisors and Prometheus scraping; readiness reflects
// whether the driver's meta-cache and transaction coordinator are usable,
// not Raft cluster leadership.
package api
