package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shardkit/tabletclient/pkg/health"
	"github.com/shardkit/tabletclient/pkg/metacache"
	"github.com/shardkit/tabletclient/pkg/metrics"
	"github.com/shardkit/tabletclient/pkg/txn"
)

// HealthServer provides HTTP health, readiness and metrics endpoints for a
// driver process, the same three-endpoint shape the teacher's manager API
// exposes, retargeted from Raft-cluster-leadership checks to the driver's
// own dependencies: its meta-cache, its transaction coordinator, and (when
// configured) the seed tablet servers a health.Monitor is polling.
type HealthServer struct {
	coordinator txn.Coordinator
	metaCache   metacache.Cache
	seedMonitor *health.Monitor
	mux         *http.ServeMux
}

// NewHealthServer builds a health server. coordinator and metaCache may be
// nil; Ready reports not-ready when either is missing.
func NewHealthServer(coordinator txn.Coordinator, metaCache metacache.Cache) *HealthServer {
	hs := &HealthServer{
		coordinator: coordinator,
		metaCache:   metaCache,
		mux:         http.NewServeMux(),
	}

	hs.mux.HandleFunc("/health", hs.healthHandler)
	hs.mux.HandleFunc("/ready", hs.readyHandler)
	hs.mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start runs the health check HTTP server until addr can no longer be
// listened on.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// GetHandler returns the HTTP handler for embedding in other servers.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

// WithSeedMonitor attaches a running health.Monitor so /ready can report
// seed tablet server reachability alongside the meta-cache and transaction
// coordinator checks.
func (hs *HealthServer) WithSeedMonitor(monitor *health.Monitor) *HealthServer {
	hs.seedMonitor = monitor
	return hs
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler is a liveness check: 200 if the process can still answer
// HTTP requests at all.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

// readyHandler reports whether this driver can currently resolve tablets
// and coordinate a flush.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.metaCache != nil {
		checks["metacache"] = "ok"
	} else {
		checks["metacache"] = "not initialized"
		ready = false
		message = "meta-cache not initialized"
	}

	if hs.seedMonitor != nil {
		snapshot := hs.seedMonitor.Snapshot()
		healthy := hs.seedMonitor.HealthyCount()
		checks["seed_tablet_servers"] = fmt.Sprintf("%d/%d healthy", healthy, len(snapshot))
		if len(snapshot) > 0 && healthy == 0 {
			ready = false
			message = "no seed tablet server is reachable"
		}
	}

	switch c := hs.coordinator.(type) {
	case nil:
		checks["transaction"] = "not initialized"
		ready = false
	case *txn.RaftCoordinator:
		if c.IsLeader() {
			checks["transaction"] = "raft leader"
		} else {
			checks["transaction"] = "raft follower"
		}
	case txn.Local:
		checks["transaction"] = "local"
	default:
		checks["transaction"] = "ok"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
