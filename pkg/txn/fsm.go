package txn

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// txnRecord is the replicated state for one distributed transaction: the
// set of tablets it has touched and whether it has been committed or
// aborted.
type txnRecord struct {
	TxnID    string   `json:"txn_id"`
	Tablets  []string `json:"tablets"`
	Status   string   `json:"status"` // "open", "committed", "aborted"
}

// command is a single Raft log entry applied to the FSM.
type command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// FSM replicates transaction participant sets across coordinator replicas.
type FSM struct {
	mu   sync.RWMutex
	txns map[string]*txnRecord
}

// NewFSM creates an empty FSM.
func NewFSM() *FSM {
	return &FSM{txns: make(map[string]*txnRecord)}
}

type addTabletsCmd struct {
	TxnID   string   `json:"txn_id"`
	Tablets []string `json:"tablets"`
}

type setStatusCmd struct {
	TxnID  string `json:"txn_id"`
	Status string `json:"status"`
}

// Apply applies a replicated command to the FSM.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case "add_tablets":
		var c addTabletsCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		rec, ok := f.txns[c.TxnID]
		if !ok {
			rec = &txnRecord{TxnID: c.TxnID, Status: "open"}
			f.txns[c.TxnID] = rec
		}
		rec.Tablets = appendUnique(rec.Tablets, c.Tablets...)
		return nil

	case "set_status":
		var c setStatusCmd
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		rec, ok := f.txns[c.TxnID]
		if !ok {
			rec = &txnRecord{TxnID: c.TxnID}
			f.txns[c.TxnID] = rec
		}
		rec.Status = c.Status
		return nil

	default:
		return fmt.Errorf("unknown txn command: %s", cmd.Op)
	}
}

func appendUnique(existing []string, add ...string) []string {
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		seen[e] = true
	}
	for _, a := range add {
		if !seen[a] {
			existing = append(existing, a)
			seen[a] = true
		}
	}
	return existing
}

// Snapshot returns a point-in-time copy of all transaction records.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	records := make([]*txnRecord, 0, len(f.txns))
	for _, r := range f.txns {
		records = append(records, r)
	}
	return &fsmSnapshot{records: records}, nil
}

// Restore replaces the FSM's state from a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var records []*txnRecord
	if err := json.NewDecoder(rc).Decode(&records); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.txns = make(map[string]*txnRecord, len(records))
	for _, r := range records {
		f.txns[r.TxnID] = r
	}
	return nil
}

// Record returns a copy of a transaction's state, if known.
func (f *FSM) Record(txnID string) (*txnRecord, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.txns[txnID]
	if !ok {
		return nil, false
	}
	cp := *rec
	cp.Tablets = append([]string(nil), rec.Tablets...)
	return &cp, true
}

type fsmSnapshot struct {
	records []*txnRecord
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.records); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
