package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ravel/pkg/cluster"
	"github.com/cuemby/ravel/pkg/codec"
	"github.com/cuemby/ravel/pkg/raftlog"
	"github.com/cuemby/ravel/pkg/raftpb"
	"github.com/cuemby/ravel/pkg/transport"
)

type testNode struct {
	id   string
	node *Node
	l    *raftlog.Log
	cl   *cluster.Cluster
	tr   *transport.Memory
}

func newTestCluster(t *testing.T, net *transport.Network, ids []string) map[string]*testNode {
	t.Helper()
	members := make([]raftpb.Member, len(ids))
	for i, id := range ids {
		members[i] = raftpb.Member{ID: id, Host: id, Type: raftpb.MemberActive}
	}

	nodes := make(map[string]*testNode, len(ids))
	for _, id := range ids {
		dir := t.TempDir()
		l, err := raftlog.Open(dir, 4096, codec.Default)
		require.NoError(t, err)
		stable, err := raftlog.OpenStableStore(dir, codec.Default)
		require.NoError(t, err)
		t.Cleanup(func() { _ = stable.Close() })

		local := raftpb.Member{ID: id, Host: id, Type: raftpb.MemberActive}
		cl := cluster.New(local)
		cl.Configure(1, members, nil, l.LastIndex())

		tr := net.NewTransport(id)
		require.NoError(t, tr.Listen(id))
		disp := transport.NewDispatcher(tr, codec.Default)

		node, err := New(id, l, stable, cl, disp, Options{
			ElectionTimeout:   30 * time.Millisecond,
			HeartbeatInterval: 10 * time.Millisecond,
		})
		require.NoError(t, err)

		nodes[id] = &testNode{id: id, node: node, l: l, cl: cl, tr: tr}
	}
	return nodes
}

func startAll(nodes map[string]*testNode) {
	for _, n := range nodes {
		n.node.Start()
	}
}

func TestThreeNodeElectionProducesOneLeader(t *testing.T) {
	net := transport.NewNetwork()
	nodes := newTestCluster(t, net, []string{"n1", "n2", "n3"})
	startAll(nodes)

	require.Eventually(t, func() bool {
		leaders := 0
		for _, n := range nodes {
			if n.node.Role() == RoleLeader {
				leaders++
			}
		}
		return leaders == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLeaderReplicatesNoOpToFollowers(t *testing.T) {
	net := transport.NewNetwork()
	nodes := newTestCluster(t, net, []string{"n1", "n2", "n3"})
	startAll(nodes)

	var leader *testNode
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.node.Role() == RoleLeader {
				leader = n
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.l.LastIndex() < leader.l.LastIndex() {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMinorityPartitionCannotElectNewLeader(t *testing.T) {
	net := transport.NewNetwork()
	nodes := newTestCluster(t, net, []string{"n1", "n2", "n3"})
	startAll(nodes)

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.node.Role() == RoleLeader {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// isolate n3 in a minority partition of one.
	net.Partition("n3", "n1")
	net.Partition("n3", "n2")

	time.Sleep(200 * time.Millisecond)

	leaders := 0
	for _, id := range []string{"n1", "n2"} {
		if nodes[id].node.Role() == RoleLeader {
			leaders++
		}
	}
	require.Equal(t, 1, leaders, "majority side must retain exactly one leader")
	require.NotEqual(t, RoleLeader, nodes["n3"].node.Role(), "minority node must not become leader")
}

// TestIsolatedLeaderCannotAdvanceCommitIndex guards against the leader
// counting its own matchIndex twice in the quorum calculation: with both
// followers unreachable, a proposed entry must never satisfy quorum, since
// the leader alone is not a majority of a 3-node active set.
func TestIsolatedLeaderCannotAdvanceCommitIndex(t *testing.T) {
	net := transport.NewNetwork()
	nodes := newTestCluster(t, net, []string{"n1", "n2", "n3"})
	startAll(nodes)

	var leader *testNode
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.node.Role() == RoleLeader {
				leader = n
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	for _, n := range nodes {
		if n.id != leader.id {
			net.Partition(leader.id, n.id)
		}
	}

	before := leader.node.CommitIndex()
	idx, _, err := leader.node.Propose(&raftpb.Entry{Type: raftpb.EntryCommand})
	require.NoError(t, err)
	require.Greater(t, idx, before)

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, before, leader.node.CommitIndex(), "an isolated leader must not commit an entry replicated to nobody but itself")
}

func TestProposeFailsWithoutLeader(t *testing.T) {
	net := transport.NewNetwork()
	nodes := newTestCluster(t, net, []string{"n1", "n2", "n3"})
	// not started: every node remains Follower, no leader known yet.
	_, _, err := nodes["n1"].node.Propose(&raftpb.Entry{Type: raftpb.EntryCommand})
	require.Error(t, err)
}
