// Package config loads a tabletctl process's configuration from command
// line flags with an optional YAML file overlay, the same two-source
// pattern cmd/warren's top-level flags plus its apply.go manifest loader
// use for everything else in the teacher.
package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Config holds everything a driver process needs to start: where to listen
// for SDK clients, where to find tablet servers, and the batching knobs a
// session hands to every batcher it creates.
type Config struct {
	// DriverAddr is the address the driver's gRPC API listens on.
	DriverAddr string `yaml:"driverAddr"`
	// MetricsAddr is the address the health/metrics HTTP server listens on.
	MetricsAddr string `yaml:"metricsAddr"`
	// CertDir holds node.crt/node.key/ca.crt for mTLS. Empty disables TLS.
	CertDir string `yaml:"certDir"`
	// DataDir holds the meta-cache's bbolt file and, if RaftBootstrap is
	// set, the Raft log/stable store.
	DataDir string `yaml:"dataDir"`
	// SeedTabletServers are the initial replica addresses the in-memory
	// meta-cache hashes partition keys across before any real tablet
	// topology has been learned.
	SeedTabletServers []string `yaml:"seedTabletServers"`
	// MaxBufferSize overrides batcher.DefaultMaxBufferSize when positive.
	MaxBufferSize int64 `yaml:"maxBufferSize"`
	// Timeout is the default per-batcher flush timeout.
	Timeout time.Duration `yaml:"timeout"`
	// WatchdogInterval is how often the watchdog scans for batchers stuck
	// past their deadline. Values under one second are clamped by
	// watchdog.New.
	WatchdogInterval time.Duration `yaml:"watchdogInterval"`
	// Workers sizes the executor pool shared by every session's batchers.
	Workers int `yaml:"workers"`
	// RaftBootstrap starts a single-node Raft group for the transaction
	// coordinator instead of the in-process txn.Local no-op.
	RaftBootstrap bool `yaml:"raftBootstrap"`
	// RaftBindAddr is this node's Raft transport address.
	RaftBindAddr string `yaml:"raftBindAddr"`
	// LogLevel and LogJSON configure pkg/log.
	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJSON"`

	// AllowReadsFromFollowers is read via an atomic so a running driver can
	// have it flipped by an admin endpoint without a restart. While it is
	// false, api.Server clears AllowFollowerReads on incoming reads; a read
	// whose caller requested ConsistencyPrefix still classifies as
	// OpGroupConsistentPrefixRead.
	AllowReadsFromFollowers atomic.Bool `yaml:"-"`
}

// Defaults returns a Config with the same fallback addresses and sizes the
// teacher's CLI hard-codes for its manager/worker flags.
func Defaults() *Config {
	return &Config{
		DriverAddr:       "127.0.0.1:7070",
		MetricsAddr:      "127.0.0.1:9090",
		DataDir:          "./tabletclient-data",
		Timeout:          60 * time.Second,
		WatchdogInterval: 5 * time.Second,
		Workers:          8,
		LogLevel:         "info",
	}
}

// BindFlags registers a local flag on cmd (cmd.Flags()) for every Config
// field except LogLevel and LogJSON, plus --config, with the defaults'
// values as the flags' own defaults.
func BindFlags(cmd *cobra.Command, defaults *Config) {
	flags := cmd.Flags()
	flags.String("driver-addr", defaults.DriverAddr, "Address the driver gRPC API listens on")
	flags.String("metrics-addr", defaults.MetricsAddr, "Address the health/metrics HTTP server listens on")
	flags.String("cert-dir", defaults.CertDir, "mTLS certificate directory (empty disables TLS)")
	flags.String("data-dir", defaults.DataDir, "Data directory for the meta-cache and Raft store")
	flags.StringSlice("seed-tablet-servers", defaults.SeedTabletServers, "Initial tablet server addresses")
	flags.Int64("max-buffer-size", defaults.MaxBufferSize, "Per-batcher buffer size limit in bytes (0 uses the built-in default)")
	flags.Duration("timeout", defaults.Timeout, "Default per-batcher flush timeout")
	flags.Duration("watchdog-interval", defaults.WatchdogInterval, "Interval between watchdog scans for stuck batchers")
	flags.Int("workers", defaults.Workers, "Size of the shared executor pool")
	flags.Bool("raft-bootstrap", defaults.RaftBootstrap, "Bootstrap a single-node Raft group for the transaction coordinator")
	flags.String("raft-bind-addr", defaults.RaftBindAddr, "Raft transport bind address")
	flags.Bool("allow-reads-from-followers", false, "Allow consistent-prefix reads to be served by tablet followers")
	flags.String("config", "", "Optional YAML config file; flags override its values")
}

// Load builds a Config from cmd's flags, overlaying a YAML file first if
// --config was given so explicit flags still win.
func Load(cmd *cobra.Command) (*Config, error) {
	cfg := Defaults()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := overlayFile(cfg, path); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if v, err := flags.GetString("driver-addr"); err == nil && flags.Changed("driver-addr") {
		cfg.DriverAddr = v
	}
	if v, err := flags.GetString("metrics-addr"); err == nil && flags.Changed("metrics-addr") {
		cfg.MetricsAddr = v
	}
	if v, err := flags.GetString("cert-dir"); err == nil && flags.Changed("cert-dir") {
		cfg.CertDir = v
	}
	if v, err := flags.GetString("data-dir"); err == nil && flags.Changed("data-dir") {
		cfg.DataDir = v
	}
	if v, err := flags.GetStringSlice("seed-tablet-servers"); err == nil && flags.Changed("seed-tablet-servers") {
		cfg.SeedTabletServers = v
	}
	if v, err := flags.GetInt64("max-buffer-size"); err == nil && flags.Changed("max-buffer-size") {
		cfg.MaxBufferSize = v
	}
	if v, err := flags.GetDuration("timeout"); err == nil && flags.Changed("timeout") {
		cfg.Timeout = v
	}
	if v, err := flags.GetDuration("watchdog-interval"); err == nil && flags.Changed("watchdog-interval") {
		cfg.WatchdogInterval = v
	}
	if v, err := flags.GetInt("workers"); err == nil && flags.Changed("workers") {
		cfg.Workers = v
	}
	if v, err := flags.GetBool("raft-bootstrap"); err == nil && flags.Changed("raft-bootstrap") {
		cfg.RaftBootstrap = v
	}
	if v, err := flags.GetString("raft-bind-addr"); err == nil && flags.Changed("raft-bind-addr") {
		cfg.RaftBindAddr = v
	}
	if v, err := flags.GetBool("allow-reads-from-followers"); err == nil {
		cfg.AllowReadsFromFollowers.Store(v)
	}

	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
