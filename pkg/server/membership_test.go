package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ravel/pkg/consensus"
	"github.com/cuemby/ravel/pkg/raftpb"
	"github.com/cuemby/ravel/pkg/transport"
)

// TestMembershipChangeAddsPassiveMemberAndPublishesEvent brings up a
// 3-node active cluster, elects a leader, then adds a fourth member as
// passive and asserts the leader's cluster view lists it and the leader
// publishes a membership.changed event.
func TestMembershipChangeAddsPassiveMemberAndPublishesEvent(t *testing.T) {
	net := transport.NewNetwork()
	ids := []string{"n1", "n2", "n3"}
	members := make([]raftpb.Member, len(ids))
	for i, id := range ids {
		members[i] = raftpb.Member{ID: id, Host: id, Type: raftpb.MemberActive}
	}

	ctxs := make(map[string]*Context, len(ids))
	for _, id := range ids {
		ctxs[id] = newTestContext(t, net, id, members)
	}
	for _, c := range ctxs {
		require.NoError(t, c.Open())
	}

	var leader *Context
	require.Eventually(t, func() bool {
		for _, c := range ctxs {
			if c.Node().Role() == consensus.RoleLeader {
				leader = c
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	sub := leader.Events().Subscribe()
	defer leader.Events().Unsubscribe(sub)

	newMember := raftpb.Member{ID: "n4", Host: "n4", Type: raftpb.MemberPassive}
	idx, err := leader.Node().ProposeConfiguration(leader.cl.ActiveMembers(), append(leader.cl.PassiveMembers(), newMember))
	require.NoError(t, err)
	require.NoError(t, leader.awaitApplied(t.Context(), idx))

	require.Eventually(t, func() bool {
		for _, m := range leader.cl.PassiveMembers() {
			if m.ID == "n4" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	select {
	case ev := <-sub:
		require.Equal(t, "membership.changed", string(ev.Kind))
	case <-time.After(time.Second):
		t.Fatal("expected a membership.changed event")
	}
}

func TestMembershipChangeRejectsConcurrentReconfiguration(t *testing.T) {
	net := transport.NewNetwork()
	ids := []string{"n1", "n2", "n3"}
	members := make([]raftpb.Member, len(ids))
	for i, id := range ids {
		members[i] = raftpb.Member{ID: id, Host: id, Type: raftpb.MemberActive}
	}

	ctxs := make(map[string]*Context, len(ids))
	for _, id := range ids {
		ctxs[id] = newTestContext(t, net, id, members)
	}
	for _, c := range ctxs {
		require.NoError(t, c.Open())
	}

	var leader *Context
	require.Eventually(t, func() bool {
		for _, c := range ctxs {
			if c.Node().Role() == consensus.RoleLeader {
				leader = c
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	_, err := leader.Node().ProposeConfiguration(leader.cl.ActiveMembers(), nil)
	require.NoError(t, err)

	_, err = leader.Node().ProposeConfiguration(leader.cl.ActiveMembers(), nil)
	require.Error(t, err)
}
