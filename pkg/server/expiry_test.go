package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ravel/pkg/consensus"
	"github.com/cuemby/ravel/pkg/events"
	"github.com/cuemby/ravel/pkg/raftpb"
	"github.com/cuemby/ravel/pkg/session"
	"github.com/cuemby/ravel/pkg/transport"
)

// TestSessionExpiresAfterTimeoutAndPublishesEvent registers a session
// against a single-node cluster, then lets the leader-only expiry loop
// time it out without any further keep-alive, asserting both the session
// table and the events.Broker observe the expiry.
func TestSessionExpiresAfterTimeoutAndPublishesEvent(t *testing.T) {
	net := transport.NewNetwork()
	members := []raftpb.Member{{ID: "n1", Host: "n1", Type: raftpb.MemberActive}}
	ctx := newTestContext(t, net, "n1", members)
	ctx.cfg.SessionTimeout = 40 * time.Millisecond
	require.NoError(t, ctx.Open())

	require.Eventually(t, func() bool {
		return ctx.Node().Role() == consensus.RoleLeader
	}, 2*time.Second, 5*time.Millisecond)

	sub := ctx.Events().Subscribe()
	defer ctx.Events().Unsubscribe(sub)

	idx, _, err := ctx.Node().Propose(&raftpb.Entry{Type: raftpb.EntryRegister, Timestamp: time.Now().UnixMilli(), ConnectionID: "client-1"})
	require.NoError(t, err)
	require.NoError(t, ctx.awaitApplied(context.Background(), idx))
	require.True(t, ctx.Sessions().Exists(idx))

	// The expiry loop times sessions out against the leader-clock
	// timestamp of the last applied log entry, not wall time, so idle
	// traffic must keep advancing the log for a timeout to ever be
	// observed. Simulate an otherwise-busy cluster with unrelated
	// keep-alives on a session nobody holds, which apply.go tolerates.
	tickerDone := make(chan struct{})
	defer close(tickerDone)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_, _, _ = ctx.Node().Propose(&raftpb.Entry{Type: raftpb.EntryKeepAlive, Session: 999999, Timestamp: time.Now().UnixMilli()})
			case <-tickerDone:
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		state, ok := ctx.Sessions().State(idx)
		return ok && state == session.Expired
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		select {
		case ev := <-sub:
			return ev.Kind == events.KindSessionExpired
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

// TestKeepAliveResetsExpiryDeadline registers a session and keeps it alive
// on an interval shorter than the session timeout, asserting it never
// expires while keep-alives keep landing.
func TestKeepAliveResetsExpiryDeadline(t *testing.T) {
	net := transport.NewNetwork()
	members := []raftpb.Member{{ID: "n1", Host: "n1", Type: raftpb.MemberActive}}
	ctx := newTestContext(t, net, "n1", members)
	ctx.cfg.SessionTimeout = 80 * time.Millisecond
	require.NoError(t, ctx.Open())

	require.Eventually(t, func() bool {
		return ctx.Node().Role() == consensus.RoleLeader
	}, 2*time.Second, 5*time.Millisecond)

	idx, _, err := ctx.Node().Propose(&raftpb.Entry{Type: raftpb.EntryRegister, Timestamp: time.Now().UnixMilli(), ConnectionID: "client-1"})
	require.NoError(t, err)
	require.NoError(t, ctx.awaitApplied(context.Background(), idx))

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		kaIdx, _, err := ctx.Node().Propose(&raftpb.Entry{Type: raftpb.EntryKeepAlive, Session: idx, Timestamp: time.Now().UnixMilli()})
		require.NoError(t, err)
		require.NoError(t, ctx.awaitApplied(context.Background(), kaIdx))
		state, ok := ctx.Sessions().State(idx)
		require.True(t, ok)
		require.Equal(t, session.Open, state)
		time.Sleep(20 * time.Millisecond)
	}
	state, ok := ctx.Sessions().State(idx)
	require.True(t, ok)
	require.Equal(t, session.Open, state)
}
