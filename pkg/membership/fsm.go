package membership

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/heron/pkg/types"
	"github.com/hashicorp/raft"
)

// NodeTable persists the replicated node list
type NodeTable interface {
	ReplaceNodes(nodes []*types.ClusterNode) error
	ListNodes() ([]*types.ClusterNode, error)
}

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const opObserveNodes = "observe_nodes"

// nodeFSM replicates the leader's view of the cluster into a NodeTable
type nodeFSM struct {
	mu    sync.RWMutex
	table NodeTable
}

func newNodeFSM(table NodeTable) *nodeFSM {
	return &nodeFSM{table: table}
}

// Apply applies a Raft log entry to the FSM
func (f *nodeFSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opObserveNodes:
		var nodes []*types.ClusterNode
		if err := json.Unmarshal(cmd.Data, &nodes); err != nil {
			return err
		}
		return f.table.ReplaceNodes(nodes)
	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot captures the node table
func (f *nodeFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	nodes, err := f.table.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return &nodeSnapshot{Nodes: nodes}, nil
}

// Restore replaces the node table from a snapshot
func (f *nodeFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap nodeSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.table.ReplaceNodes(snap.Nodes)
}

func (f *nodeFSM) nodes() ([]*types.ClusterNode, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.table.ListNodes()
}

type nodeSnapshot struct {
	Nodes []*types.ClusterNode `json:"nodes"`
}

// Persist writes the snapshot to the given SnapshotSink
func (s *nodeSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases the snapshot resources
func (s *nodeSnapshot) Release() {}
