package membership

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inmemNode struct {
	elector   *RaftElector
	addr      raft.ServerAddress
	transport *raft.InmemTransport
}

func newInmemNode(t *testing.T, id string) *inmemNode {
	addr, transport := raft.NewInmemTransport("")
	e, err := NewRaftElector(id, RaftOptions{DataDir: t.TempDir(), Heartbeat: 50 * time.Millisecond}, nil)
	require.NoError(t, err)
	return &inmemNode{elector: e, addr: addr, transport: transport}
}

func (n *inmemNode) start(t *testing.T) {
	err := n.elector.start(context.Background(), raft.NewInmemStore(), raft.NewInmemStore(), raft.NewInmemSnapshotStore(), n.transport)
	require.NoError(t, err)
}

func TestRaftSingleNodeBecomesMaster(t *testing.T) {
	n := newInmemNode(t, "10.0.0.1")
	n.elector.opts.Bootstrap = true
	n.start(t)
	defer n.elector.Stop()

	require.Eventually(t, n.elector.IsMaster, 10*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		nodes, err := n.elector.Nodes(context.Background())
		return err == nil && len(nodes) == 1 && nodes[0].Master
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRaftClusterFailover(t *testing.T) {
	nodes := []*inmemNode{
		newInmemNode(t, "n1"),
		newInmemNode(t, "n2"),
		newInmemNode(t, "n3"),
	}
	for _, a := range nodes {
		for _, b := range nodes {
			if a != b {
				a.transport.Connect(b.addr, b.transport)
			}
		}
	}
	nodes[0].elector.opts.Bootstrap = true
	nodes[0].elector.opts.Peers = []string{"n2=" + string(nodes[1].addr), "n3=" + string(nodes[2].addr)}
	for _, n := range nodes {
		n.start(t)
	}
	defer func() {
		for _, n := range nodes {
			n.elector.Stop()
		}
	}()

	masters := func(ns []*inmemNode) []*inmemNode {
		var out []*inmemNode
		for _, n := range ns {
			if n.elector.IsMaster() {
				out = append(out, n)
			}
		}
		return out
	}

	require.Eventually(t, func() bool { return len(masters(nodes)) == 1 }, 10*time.Second, 50*time.Millisecond)
	leader := masters(nodes)[0]

	// followers see the replicated node table
	for _, n := range nodes {
		require.Eventually(t, func() bool {
			table, err := n.elector.Nodes(context.Background())
			return err == nil && len(table) == 3
		}, 5*time.Second, 50*time.Millisecond)
	}

	var rest []*inmemNode
	for _, n := range nodes {
		if n != leader {
			n.transport.Disconnect(leader.addr)
			rest = append(rest, n)
		}
	}
	leader.transport.DisconnectAll()

	require.Eventually(t, func() bool { return len(masters(rest)) == 1 }, 10*time.Second, 50*time.Millisecond)
	assert.Eventually(t, func() bool { return !leader.elector.IsMaster() }, 10*time.Second, 50*time.Millisecond)
}

func TestBootstrapServersRejectsBadPeer(t *testing.T) {
	n := newInmemNode(t, "n1")
	defer n.elector.table.Close()
	n.elector.opts.Peers = []string{"n2"}

	_, err := n.elector.bootstrapServers("n1", n.addr)
	assert.Error(t, err)
}
