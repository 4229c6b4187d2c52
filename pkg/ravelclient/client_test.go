package ravelclient_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ravel/pkg/cluster"
	"github.com/cuemby/ravel/pkg/codec"
	"github.com/cuemby/ravel/pkg/config"
	"github.com/cuemby/ravel/pkg/consensus"
	"github.com/cuemby/ravel/pkg/raftlog"
	"github.com/cuemby/ravel/pkg/raftpb"
	"github.com/cuemby/ravel/pkg/ravelclient"
	"github.com/cuemby/ravel/pkg/server"
	"github.com/cuemby/ravel/pkg/statemachine"
	"github.com/cuemby/ravel/pkg/transport"
)

func newTestServer(t *testing.T, net *transport.Network, id string, members []raftpb.Member) *server.Context {
	t.Helper()
	dir := t.TempDir()
	l, err := raftlog.Open(dir, 4096, codec.Default)
	require.NoError(t, err)
	stable, err := raftlog.OpenStableStore(dir, codec.Default)
	require.NoError(t, err)

	cl := cluster.New(raftpb.Member{ID: id, Host: id, Type: raftpb.MemberActive})
	cl.Configure(1, members, nil, l.LastIndex())

	cfg := config.Default()
	cfg.NodeID = id
	cfg.Bind = id
	cfg.ElectionTimeout = 30 * time.Millisecond
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.SessionTimeout = 200 * time.Millisecond
	cfg.MinorCompactionInterval = time.Hour
	cfg.MajorCompactionInterval = time.Hour

	ctx := server.New(cfg, l, stable, cl, net.NewTransport(id), statemachine.NewKVStateMachine(codec.Default))
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx
}

func TestClientRoundTripsPutAndGetAcrossLeaderElection(t *testing.T) {
	net := transport.NewNetwork()
	ids := []string{"n1", "n2", "n3"}
	members := make([]raftpb.Member, len(ids))
	for i, id := range ids {
		members[i] = raftpb.Member{ID: id, Host: id, Type: raftpb.MemberActive}
	}

	servers := make(map[string]*server.Context, len(ids))
	for _, id := range ids {
		servers[id] = newTestServer(t, net, id, members)
	}
	for _, s := range servers {
		require.NoError(t, s.Open())
	}

	require.Eventually(t, func() bool {
		for _, s := range servers {
			if s.Node().Role() == consensus.RoleLeader {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	c := ravelclient.New(net.NewTransport("client-1"), 200*time.Millisecond, ids)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Open(ctx))
	defer c.Close()

	op := statemachine.Op{Kind: statemachine.OpPut, Key: "foo", Value: []byte("bar")}
	payload, err := codec.Default.Marshal(op)
	require.NoError(t, err)

	cmdCtx, cmdCancel := context.WithTimeout(context.Background(), time.Second)
	defer cmdCancel()
	_, err = c.Command(cmdCtx, payload)
	require.NoError(t, err)

	getOp := statemachine.Op{Kind: statemachine.OpGet, Key: "foo"}
	getPayload, err := codec.Default.Marshal(getOp)
	require.NoError(t, err)

	queryCtx, queryCancel := context.WithTimeout(context.Background(), time.Second)
	defer queryCancel()
	result, err := c.Query(queryCtx, getPayload, raftpb.ConsistencyLinearizable)
	require.NoError(t, err)
	require.Equal(t, []byte("bar"), result)
}
