package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/heron/pkg/events"
	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/metrics"
	"github.com/cuemby/heron/pkg/storage"
	"github.com/cuemby/heron/pkg/types"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// RaftOptions configures the consensus elector
type RaftOptions struct {
	// NodeID defaults to the node address
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool
	// Peers are "id=host:port" entries for the other voters
	Peers     []string
	Heartbeat time.Duration
}

// RaftElector makes the raft leader the master. The leader periodically
// replicates the server configuration into the node table so every member
// can list the cluster.
type RaftElector struct {
	masterState
	opts RaftOptions

	raft      *raft.Raft
	fsm       *nodeFSM
	table     *storage.BoltStore
	transport raft.Transport
	closers   []func() error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRaftElector opens the node table under DataDir. Raft itself starts in
// Start.
func NewRaftElector(self string, opts RaftOptions, broker *events.Broker) (*RaftElector, error) {
	if opts.NodeID == "" {
		opts.NodeID = self
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 5 * time.Second
	}

	table, err := storage.NewBoltStore(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open node table: %w", err)
	}

	return &RaftElector{
		masterState: masterState{
			self:   self,
			broker: broker,
			logger: log.WithComponent("membership").With().Str("node", self).Logger(),
		},
		opts:  opts,
		fsm:   newNodeFSM(table),
		table: table,
	}, nil
}

// raftConfig tunes timeouts for LAN failover in a few seconds
func (e *RaftElector) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(e.opts.NodeID)
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	config.Logger = hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.Info,
		Output: log.Writer("raft", zerolog.InfoLevel),
	})
	return config
}

// Start brings up raft on a TCP transport with bolt-backed log storage
func (e *RaftElector) Start(ctx context.Context) error {
	addr, err := net.ResolveTCPAddr("tcp", e.opts.BindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}
	logOut := log.Writer("raft", zerolog.DebugLevel)

	transport, err := raft.NewTCPTransport(e.opts.BindAddr, addr, 3, 10*time.Second, logOut)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(e.opts.DataDir, 2, logOut)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(e.opts.DataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(e.opts.DataDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		return fmt.Errorf("failed to create stable store: %w", err)
	}
	e.closers = append(e.closers, transport.Close, logStore.Close, stableStore.Close)

	return e.start(ctx, logStore, stableStore, snapshots, transport)
}

func (e *RaftElector) start(ctx context.Context, logs raft.LogStore, stable raft.StableStore, snaps raft.SnapshotStore, transport raft.Transport) error {
	config := e.raftConfig()

	r, err := raft.NewRaft(config, e.fsm, logs, stable, snaps, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	e.raft = r
	e.transport = transport

	if e.opts.Bootstrap {
		servers, err := e.bootstrapServers(config.LocalID, transport.LocalAddr())
		if err != nil {
			return err
		}
		future := r.BootstrapCluster(raft.Configuration{Servers: servers})
		if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			return fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.observe(ctx)
	return nil
}

func (e *RaftElector) bootstrapServers(id raft.ServerID, addr raft.ServerAddress) ([]raft.Server, error) {
	servers := []raft.Server{{ID: id, Address: addr}}
	for _, p := range e.opts.Peers {
		peerID, peerAddr, ok := strings.Cut(p, "=")
		if !ok || peerID == "" || peerAddr == "" {
			return nil, fmt.Errorf("invalid raft peer %q, want id=host:port", p)
		}
		if raft.ServerID(peerID) == id {
			continue
		}
		servers = append(servers, raft.Server{ID: raft.ServerID(peerID), Address: raft.ServerAddress(peerAddr)})
	}
	return servers, nil
}

func (e *RaftElector) observe(ctx context.Context) {
	defer e.wg.Done()

	leaderCh := e.raft.LeaderCh()
	ticker := time.NewTicker(e.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case leader := <-leaderCh:
			e.set(leader, "raft leadership changed")
			if leader {
				e.recordNodes()
			}
		case <-ticker.C:
			leader := e.raft.State() == raft.Leader
			if leader && e.vetoed(ctx) {
				e.stepDown()
				continue
			}
			e.set(leader, "raft state")
			if e.IsMaster() {
				e.recordNodes()
			}
		case <-ctx.Done():
			return
		}
	}
}

// stepDown hands leadership to another voter. With no other voter the
// transfer fails and this node stays leader.
func (e *RaftElector) stepDown() {
	if err := e.raft.LeadershipTransfer().Error(); err != nil {
		e.logger.Warn().Err(err).Msg("denylisted leader could not transfer leadership")
		e.set(true, "raft state")
		return
	}
	e.set(false, "denylisted")
}

// recordNodes replicates the current server configuration into the node
// table. Only the leader can apply.
func (e *RaftElector) recordNodes() {
	future := e.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		e.logger.Warn().Err(err).Msg("failed to read raft configuration")
		return
	}

	_, leaderID := e.raft.LeaderWithID()
	now := time.Now()
	var nodes []*types.ClusterNode
	for _, srv := range future.Configuration().Servers {
		nodes = append(nodes, &types.ClusterNode{
			Address:  string(srv.ID),
			Master:   srv.ID == leaderID,
			LastSeen: now,
		})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Address < nodes[j].Address })

	data, err := json.Marshal(nodes)
	if err != nil {
		return
	}
	cmd, _ := json.Marshal(Command{Op: opObserveNodes, Data: data})
	if err := e.raft.Apply(cmd, 5*time.Second).Error(); err != nil {
		e.logger.Warn().Err(err).Msg("failed to record nodes")
		return
	}
	metrics.NodesAlive.Set(float64(len(nodes)))
}

// Nodes returns the replicated node table
func (e *RaftElector) Nodes(ctx context.Context) ([]*types.ClusterNode, error) {
	return e.fsm.nodes()
}

// Stop shuts raft down and closes its stores
func (e *RaftElector) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	if e.raft != nil {
		if err := e.raft.Shutdown().Error(); err != nil {
			e.logger.Warn().Err(err).Msg("raft shutdown failed")
		}
	}
	for _, c := range e.closers {
		_ = c()
	}
	_ = e.table.Close()
	e.set(false, "stopped")
}
