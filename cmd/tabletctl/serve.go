package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shardkit/tabletclient/pkg/api"
	"github.com/shardkit/tabletclient/pkg/config"
	"github.com/shardkit/tabletclient/pkg/executor"
	"github.com/shardkit/tabletclient/pkg/health"
	"github.com/shardkit/tabletclient/pkg/log"
	"github.com/shardkit/tabletclient/pkg/metacache"
	"github.com/shardkit/tabletclient/pkg/metrics"
	"github.com/shardkit/tabletclient/pkg/rpc"
	"github.com/shardkit/tabletclient/pkg/session"
	"github.com/shardkit/tabletclient/pkg/storage"
	"github.com/shardkit/tabletclient/pkg/txn"
	"github.com/shardkit/tabletclient/pkg/watchdog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a driver process: a gRPC DriverService plus health/metrics endpoints",
	RunE:  runServe,
}

func init() {
	config.BindFlags(serveCmd, config.Defaults())
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("tabletctl")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	seedMonitor := health.NewMonitor(cfg.SeedTabletServers, health.Config{
		Interval: 10 * time.Second,
		Timeout:  2 * time.Second,
		Retries:  3,
	})
	seedMonitor.Start()
	defer seedMonitor.Stop()

	metaCache, closeCache, err := buildMetaCache(cfg)
	if err != nil {
		return fmt.Errorf("build meta-cache: %w", err)
	}
	defer closeCache()

	coordinator, stopCoordinator, err := buildCoordinator(cfg)
	if err != nil {
		return fmt.Errorf("build transaction coordinator: %w", err)
	}
	defer stopCoordinator()

	transport, err := buildTransport(cfg)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}
	defer transport.Close()

	pool := executor.NewPool(cfg.Workers)
	defer pool.Stop()

	sessionOpts := session.Options{
		MetaCache:     metaCache,
		Transport:     transport,
		Pool:          pool,
		Transaction:   coordinator,
		MaxBufferSize: cfg.MaxBufferSize,
		Timeout:       cfg.Timeout,
	}

	apiServer, err := buildAPIServer(cfg, sessionOpts)
	if err != nil {
		return fmt.Errorf("build API server: %w", err)
	}

	wd := watchdog.New(apiServer, cfg.WatchdogInterval)
	wd.Start()
	defer wd.Stop()

	collector := metrics.NewCollector(raftStatsProvider(coordinator), driverBufferStats{apiServer})
	collector.Start()
	defer collector.Stop()

	healthServer := api.NewHealthServer(coordinator, metaCache).WithSeedMonitor(seedMonitor)

	errCh := make(chan error, 2)

	go func() {
		if err := healthServer.Start(cfg.MetricsAddr); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()
	logger.Info().Str("addr", cfg.MetricsAddr).Msg("health/metrics server listening")

	lis, err := net.Listen("tcp", cfg.DriverAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.DriverAddr, err)
	}
	go func() {
		if err := apiServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("driver API server: %w", err)
		}
	}()
	logger.Info().Str("addr", cfg.DriverAddr).Msg("driver API listening")

	// Give both listeners a beat to fail fast on a bad bind before reporting ready.
	time.Sleep(200 * time.Millisecond)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	apiServer.Stop()
	return nil
}

func buildMetaCache(cfg *config.Config) (metacache.Cache, func(), error) {
	mem := metacache.NewMemory(cfg.SeedTabletServers)

	metaCacheDir := filepath.Join(cfg.DataDir, "metacache")
	if err := os.MkdirAll(metaCacheDir, 0755); err != nil {
		return nil, nil, err
	}
	store, err := storage.NewBoltStore(metaCacheDir)
	if err != nil {
		return nil, nil, err
	}
	persistent := metacache.NewPersistent(store, mem, 10*time.Minute)
	return persistent, func() { store.Close() }, nil
}

func buildCoordinator(cfg *config.Config) (txn.Coordinator, func(), error) {
	if !cfg.RaftBootstrap {
		return txn.Local{}, func() {}, nil
	}

	coordinator, err := txn.NewRaftCoordinator(txn.RaftConfig{
		NodeID:    cfg.DriverAddr,
		BindAddr:  cfg.RaftBindAddr,
		DataDir:   filepath.Join(cfg.DataDir, "raft"),
		Bootstrap: true,
	})
	if err != nil {
		return nil, nil, err
	}
	return coordinator, func() { coordinator.Shutdown() }, nil
}

func buildTransport(cfg *config.Config) (rpc.Transport, error) {
	if cfg.CertDir == "" {
		return rpc.NewInsecureGRPCTransport(), nil
	}
	return rpc.NewGRPCTransport(cfg.CertDir)
}

// driverBufferStats adapts api.Server's watchdog-facing ActiveBatchers,
// which returns the batchers themselves, into the scalar gauges
// metrics.BufferStatsProvider wants.
type driverBufferStats struct {
	server *api.Server
}

func (d driverBufferStats) ActiveBatchers() int {
	active, _, _ := d.server.BufferStats()
	return active
}

func (d driverBufferStats) BufferedOps() int {
	_, ops, _ := d.server.BufferStats()
	return ops
}

func (d driverBufferStats) BufferBytesUsed() int64 {
	_, _, bytes := d.server.BufferStats()
	return bytes
}

// raftStatsProvider returns coordinator as a metrics.RaftStatsProvider when
// it's backed by Raft, or nil when running with txn.Local, so Collector
// simply skips the Raft gauges rather than polling a coordinator that has
// no leadership concept.
func raftStatsProvider(coordinator txn.Coordinator) metrics.RaftStatsProvider {
	raft, ok := coordinator.(*txn.RaftCoordinator)
	if !ok {
		return nil
	}
	return raft
}

func buildAPIServer(cfg *config.Config, sessionOpts session.Options) (*api.Server, error) {
	var srv *api.Server
	var err error
	if cfg.CertDir == "" {
		srv = api.NewInsecureServer(sessionOpts)
	} else {
		srv, err = api.NewServer(cfg.CertDir, sessionOpts)
		if err != nil {
			return nil, err
		}
	}
	return srv.WithFollowerReadPolicy(&cfg.AllowReadsFromFollowers), nil
}
