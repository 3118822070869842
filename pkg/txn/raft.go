package txn

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/shardkit/tabletclient/pkg/log"
)

// RaftConfig configures a RaftCoordinator's replication group.
type RaftConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
	// Bootstrap starts a brand-new single-node group. Joining an existing
	// group is out of scope here; operators add voters through the raft
	// package's own AddVoter API against the leader's transport address.
	Bootstrap bool
}

// RaftCoordinator is a Coordinator backed by a replicated FSM, so the set
// of tablets a transaction has touched survives a coordinator failover.
// Prepare only blocks the batcher's dispatch driver when this node is not
// currently the Raft leader for the coordinator group; in that case it
// declines synchronously and applies the registration asynchronously,
// invoking ready once the command has been committed (or has failed).
type RaftCoordinator struct {
	nodeID string
	raft   *raft.Raft
	fsm    *FSM
}

// NewRaftCoordinator starts (or rejoins) a Raft group backing the
// transaction coordinator FSM.
func NewRaftCoordinator(cfg RaftConfig) (*RaftCoordinator, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "txn-raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "txn-raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create stable store: %w", err)
	}

	fsm := NewFSM()

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}

	if cfg.Bootstrap {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil {
			return nil, fmt.Errorf("bootstrap cluster: %w", err)
		}
	}

	return &RaftCoordinator{nodeID: cfg.NodeID, raft: r, fsm: fsm}, nil
}

// IsLeader reports whether this node currently leads the coordinator group.
func (c *RaftCoordinator) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// Stats exposes the subset of raft.Stats() pkg/metrics.Collector polls.
func (c *RaftCoordinator) Stats() map[string]string {
	return c.raft.Stats()
}

// Shutdown stops the Raft instance.
func (c *RaftCoordinator) Shutdown() error {
	return c.raft.Shutdown().Error()
}

// NewTxnID mints a fresh transaction identifier for callers that don't
// already have one.
func NewTxnID() string {
	return uuid.NewString()
}

// BeginTxn returns a Coordinator bound to a single transaction ID, the
// handle a session hands to each batcher that participates in the
// transaction.
func (c *RaftCoordinator) BeginTxn(txnID string) *boundCoordinator {
	return &boundCoordinator{txnID: txnID, parent: c}
}

// Prepare implements Coordinator directly on RaftCoordinator for batchers
// not bound to any particular application transaction: each call gets its
// own ephemeral transaction ID, so the FSM still gates dispatch on Raft
// leadership without expecting a caller-managed BeginTxn/commit lifecycle.
func (c *RaftCoordinator) Prepare(tabletIDs []string, ready func(error)) bool {
	return c.BeginTxn(NewTxnID()).Prepare(tabletIDs, ready)
}

// Flushed implements Coordinator directly on RaftCoordinator; with no
// caller-managed transaction ID there is no participant record to update.
func (c *RaftCoordinator) Flushed(tabletIDs []string, rpcErr error, hybridTime uint64) {}

// boundCoordinator adapts RaftCoordinator to the Coordinator interface for
// one specific transaction.
type boundCoordinator struct {
	txnID  string
	parent *RaftCoordinator
}

func (b *boundCoordinator) Prepare(tabletIDs []string, ready func(error)) bool {
	if b.parent.IsLeader() {
		// Fire-and-forget: register these tablets with the transaction
		// record without making the dispatch driver wait on Raft commit
		// latency, matching the original driver's "metadata usually
		// already ready" fast path.
		go b.parent.applyAddTablets(b.txnID, tabletIDs)
		return true
	}

	go func() {
		err := b.parent.applyAddTabletsSync(b.txnID, tabletIDs)
		ready(err)
	}()
	return false
}

func (b *boundCoordinator) Flushed(tabletIDs []string, rpcErr error, hybridTime uint64) {
	status := "open"
	if rpcErr != nil {
		status = "aborted"
	}
	l := log.WithTransaction(b.txnID)
	l.Debug().Strs("tablets", tabletIDs).Str("status", status).Msg("transaction participant flushed")
	if rpcErr != nil {
		go b.parent.applySetStatus(b.txnID, "aborted")
	}
}

func (c *RaftCoordinator) applyAddTablets(txnID string, tabletIDs []string) {
	if err := c.applyAddTabletsSync(txnID, tabletIDs); err != nil {
		log.WithTransaction(txnID).Warn().Err(err).Msg("failed to replicate transaction tablet set")
	}
}

func (c *RaftCoordinator) applyAddTabletsSync(txnID string, tabletIDs []string) error {
	if c.raft.State() != raft.Leader {
		return fmt.Errorf("txn coordinator: not leader")
	}
	payload, err := json.Marshal(addTabletsCmd{TxnID: txnID, Tablets: tabletIDs})
	if err != nil {
		return err
	}
	cmd, err := json.Marshal(command{Op: "add_tablets", Data: payload})
	if err != nil {
		return err
	}
	return c.raft.Apply(cmd, 5*time.Second).Error()
}

func (c *RaftCoordinator) applySetStatus(txnID, status string) {
	if c.raft.State() != raft.Leader {
		return
	}
	payload, _ := json.Marshal(setStatusCmd{TxnID: txnID, Status: status})
	cmd, _ := json.Marshal(command{Op: "set_status", Data: payload})
	_ = c.raft.Apply(cmd, 5*time.Second).Error()
}
