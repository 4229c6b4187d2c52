package server

import (
	"context"
	"time"

	"github.com/cuemby/ravel/pkg/metrics"
	"github.com/cuemby/ravel/pkg/raftpb"
	"github.com/cuemby/ravel/pkg/raverrors"
	"github.com/cuemby/ravel/pkg/transport"
)

func pollTicker() *time.Ticker { return time.NewTicker(time.Millisecond) }

// registerClientHandlers installs every client- and membership-facing RPC
// the consensus Node itself does not own: Register, KeepAlive, Join,
// Leave, Promote, Demote, Command, Query. These all funnel through
// Node.Propose, so only the current Leader ever answers with StatusOK;
// every other role answers StatusError. Register and KeepAlive error
// responses also carry the known leader's address; Command, Query and
// membership error responses carry only the error text.
func (c *Context) registerClientHandlers() {
	transport.On(c.disp, transport.TopicRegister, c.handleRegister)
	transport.On(c.disp, transport.TopicKeepAlive, c.handleKeepAlive)
	transport.On(c.disp, transport.TopicJoin, c.handleJoin)
	transport.On(c.disp, transport.TopicLeave, c.handleLeave)
	transport.On(c.disp, transport.TopicPromote, c.handlePromote)
	transport.On(c.disp, transport.TopicDemote, c.handleDemote)
	transport.On(c.disp, transport.TopicCommand, c.handleCommand)
	transport.On(c.disp, transport.TopicQuery, c.handleQuery)
}

func (c *Context) knownLeader() string {
	return c.node.Leader()
}

func (c *Context) handleRegister(ctx context.Context, req *raftpb.RegisterRequest) (*raftpb.RegisterResponse, error) {
	idx, _, err := c.node.Propose(&raftpb.Entry{
		Type:         raftpb.EntryRegister,
		Timestamp:    nowMillis(),
		ConnectionID: req.ConnectionID,
	})
	if err != nil {
		return &raftpb.RegisterResponse{Status: raftpb.StatusError, Error: err.Error(), Leader: c.knownLeader()}, nil
	}
	if err := c.awaitApplied(ctx, idx); err != nil {
		return &raftpb.RegisterResponse{Status: raftpb.StatusError, Error: err.Error(), Leader: c.knownLeader()}, nil
	}
	return &raftpb.RegisterResponse{
		Status:    raftpb.StatusOK,
		SessionID: idx,
		Leader:    c.cl.Local().Address(),
		Active:    c.cl.ActiveMembers(),
		Passive:   c.cl.PassiveMembers(),
	}, nil
}

func (c *Context) handleKeepAlive(ctx context.Context, req *raftpb.KeepAliveRequest) (*raftpb.KeepAliveResponse, error) {
	idx, _, err := c.node.Propose(&raftpb.Entry{
		Type:      raftpb.EntryKeepAlive,
		Timestamp: nowMillis(),
		Session:   req.Session,
		Sequence:  req.CommandSequence,
		EventAck:  req.EventSequence,
	})
	if err != nil {
		return &raftpb.KeepAliveResponse{Status: raftpb.StatusError, Error: err.Error(), Leader: c.knownLeader()}, nil
	}
	if err := c.awaitApplied(ctx, idx); err != nil {
		return &raftpb.KeepAliveResponse{Status: raftpb.StatusError, Error: err.Error(), Leader: c.knownLeader()}, nil
	}
	return &raftpb.KeepAliveResponse{
		Status:  raftpb.StatusOK,
		Leader:  c.cl.Local().Address(),
		Active:  c.cl.ActiveMembers(),
		Passive: c.cl.PassiveMembers(),
	}, nil
}

func (c *Context) handleCommand(ctx context.Context, req *raftpb.CommandRequest) (*raftpb.CommandResponse, error) {
	idx, _, err := c.node.Propose(&raftpb.Entry{
		Type:      raftpb.EntryCommand,
		Timestamp: nowMillis(),
		Session:   req.Session,
		Sequence:  req.Sequence,
		Payload:   req.Operation,
	})
	if err != nil {
		return &raftpb.CommandResponse{Status: raftpb.StatusError, Error: err.Error()}, nil
	}
	if err := c.awaitApplied(ctx, idx); err != nil {
		return &raftpb.CommandResponse{Status: raftpb.StatusError, Error: err.Error()}, nil
	}
	result, ok := c.sessions.Response(req.Session, req.Sequence)
	if !ok {
		return &raftpb.CommandResponse{Status: raftpb.StatusError, Error: raverrors.UnknownSessionError.Error(), Index: idx}, nil
	}
	metrics.CommandsTotal.WithLabelValues("ok").Inc()
	return &raftpb.CommandResponse{Status: raftpb.StatusOK, Index: idx, Result: result}, nil
}

func (c *Context) handleQuery(ctx context.Context, req *raftpb.QueryRequest) (*raftpb.QueryResponse, error) {
	if req.Consistency == raftpb.ConsistencyLinearizable {
		done := make(chan struct{})
		if err := c.sessions.AwaitCommandVersion(req.Session, req.Sequence, func() { close(done) }); err != nil {
			return &raftpb.QueryResponse{Status: raftpb.StatusError, Error: err.Error()}, nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return &raftpb.QueryResponse{Status: raftpb.StatusError, Error: ctx.Err().Error()}, nil
		}
	}
	idx, _, err := c.node.Propose(&raftpb.Entry{
		Type:        raftpb.EntryQuery,
		Timestamp:   nowMillis(),
		Session:     req.Session,
		Sequence:    req.Sequence,
		Payload:     req.Operation,
		Consistency: req.Consistency,
	})
	if err != nil {
		return &raftpb.QueryResponse{Status: raftpb.StatusError, Error: err.Error()}, nil
	}
	if err := c.awaitApplied(ctx, idx); err != nil {
		return &raftpb.QueryResponse{Status: raftpb.StatusError, Error: err.Error()}, nil
	}
	return &raftpb.QueryResponse{Status: raftpb.StatusOK, Index: idx, Result: c.takeQueryResult(idx)}, nil
}

func (c *Context) handleJoin(ctx context.Context, req *raftpb.MembershipRequest) (*raftpb.MembershipResponse, error) {
	active, passive := c.cl.ActiveMembers(), c.cl.PassiveMembers()
	if req.Member.Type == raftpb.MemberPassive {
		passive = append(passive, req.Member)
	} else {
		active = append(active, req.Member)
	}
	return c.proposeMembership(ctx, active, passive)
}

func (c *Context) handleLeave(ctx context.Context, req *raftpb.MembershipRequest) (*raftpb.MembershipResponse, error) {
	active := removeMember(c.cl.ActiveMembers(), req.Member.ID)
	passive := removeMember(c.cl.PassiveMembers(), req.Member.ID)
	return c.proposeMembership(ctx, active, passive)
}

func (c *Context) handlePromote(ctx context.Context, req *raftpb.MembershipRequest) (*raftpb.MembershipResponse, error) {
	active := append(c.cl.ActiveMembers(), req.Member)
	passive := removeMember(c.cl.PassiveMembers(), req.Member.ID)
	return c.proposeMembership(ctx, active, passive)
}

func (c *Context) handleDemote(ctx context.Context, req *raftpb.MembershipRequest) (*raftpb.MembershipResponse, error) {
	active := removeMember(c.cl.ActiveMembers(), req.Member.ID)
	passive := append(c.cl.PassiveMembers(), req.Member)
	return c.proposeMembership(ctx, active, passive)
}

func (c *Context) proposeMembership(ctx context.Context, active, passive []raftpb.Member) (*raftpb.MembershipResponse, error) {
	idx, err := c.node.ProposeConfiguration(active, passive)
	if err != nil {
		return &raftpb.MembershipResponse{Status: raftpb.StatusError, Error: err.Error()}, nil
	}
	if err := c.awaitApplied(ctx, idx); err != nil {
		return &raftpb.MembershipResponse{Status: raftpb.StatusError, Error: err.Error()}, nil
	}
	return &raftpb.MembershipResponse{
		Status:  raftpb.StatusOK,
		Version: idx,
		Active:  c.cl.ActiveMembers(),
		Passive: c.cl.PassiveMembers(),
	}, nil
}

func removeMember(members []raftpb.Member, id string) []raftpb.Member {
	out := members[:0:0]
	for _, m := range members {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

// awaitApplied blocks until the state-machine thread has applied idx (or
// ctx is canceled). It polls rather than registering a per-index waiter
// channel, trading a little latency for not needing a second notification
// path alongside commitSignal.
func (c *Context) awaitApplied(ctx context.Context, idx uint64) error {
	if c.log.LastApplied() >= idx {
		return nil
	}
	ticker := pollTicker()
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.log.LastApplied() >= idx {
				return nil
			}
		case <-ctx.Done():
			return raverrors.Timeout
		}
	}
}
