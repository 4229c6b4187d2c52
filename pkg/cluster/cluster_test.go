package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ravel/pkg/raftpb"
)

func member(id string) raftpb.Member {
	return raftpb.Member{ID: id, Host: "127.0.0.1", Port: 7000, Type: raftpb.MemberActive, Status: raftpb.StatusAlive}
}

func TestQuorumSize(t *testing.T) {
	c := New(member("n1"))
	c.Configure(1, []raftpb.Member{member("n1"), member("n2"), member("n3")}, nil, 0)
	assert.Equal(t, 2, c.QuorumSize())

	c.Configure(2, []raftpb.Member{member("n1"), member("n2"), member("n3"), member("n4"), member("n5")}, nil, 0)
	assert.Equal(t, 3, c.QuorumSize())
}

func TestConfigurePreservesProgress(t *testing.T) {
	c := New(member("n1"))
	c.Configure(1, []raftpb.Member{member("n1"), member("n2")}, nil, 10)
	c.AdvanceMatch("n2", 7)

	c.Configure(2, []raftpb.Member{member("n1"), member("n2"), member("n3")}, nil, 10)
	p, ok := c.Peer("n2")
	require.True(t, ok)
	assert.Equal(t, uint64(7), p.MatchIndex)

	p3, ok := c.Peer("n3")
	require.True(t, ok)
	assert.Equal(t, uint64(11), p3.NextIndex)
}

func TestMatchIndexQuorum(t *testing.T) {
	c := New(member("n1"))
	c.Configure(1, []raftpb.Member{member("n1"), member("n2"), member("n3")}, nil, 0)
	c.AdvanceMatch("n2", 5)
	c.AdvanceMatch("n3", 3)

	assert.Equal(t, uint64(5), c.MatchIndexQuorum(10))
}

func TestGlobalIndexIsMinimum(t *testing.T) {
	c := New(member("n1"))
	c.Configure(1, []raftpb.Member{member("n1"), member("n2"), member("n3")}, nil, 0)
	c.AdvanceMatch("n2", 5)
	c.AdvanceMatch("n3", 2)

	assert.Equal(t, uint64(2), c.GlobalIndex(10))
}

func TestRetreatNextUsesHint(t *testing.T) {
	c := New(member("n1"))
	c.Configure(1, []raftpb.Member{member("n1"), member("n2")}, nil, 10)
	c.RetreatNext("n2", 3)
	p, _ := c.Peer("n2")
	assert.Equal(t, uint64(3), p.NextIndex)
}

func TestIsActiveIsPassive(t *testing.T) {
	c := New(member("n1"))
	c.Configure(1, []raftpb.Member{member("n1")}, []raftpb.Member{member("n2")}, 0)
	assert.True(t, c.IsActive("n1"))
	assert.False(t, c.IsActive("n2"))
	assert.True(t, c.IsPassive("n2"))
}
