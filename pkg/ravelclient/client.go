// Package ravelclient implements the client core (spec section 4.F): open
// a session against any known server, round-robin to the current leader,
// submit commands and queries with at-most-once resubmission across a
// leader change, and keep the session alive in the background.
package ravelclient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/ravel/pkg/codec"
	"github.com/cuemby/ravel/pkg/log"
	"github.com/cuemby/ravel/pkg/raftpb"
	"github.com/cuemby/ravel/pkg/raverrors"
	"github.com/cuemby/ravel/pkg/transport"
)

// Client is one session's handle against a Ravel cluster.
type Client struct {
	mu sync.Mutex

	disp          *transport.Dispatcher
	addrs         []string
	leaderHint    int
	connectionID  string
	sessionTimeout time.Duration

	sessionID  uint64
	commandSeq uint64
	queryLow   uint64

	stopKeepAlive chan struct{}
}

// New constructs a Client that will round-robin across addrs until it
// finds the current leader. Open must be called before Command/Query.
func New(tr transport.Transport, sessionTimeout time.Duration, addrs []string) *Client {
	return &Client{
		disp:           transport.NewDispatcher(tr, codec.Default),
		addrs:          addrs,
		connectionID:   uuid.NewString(),
		sessionTimeout: sessionTimeout,
	}
}

// Open registers a new session, trying every known address in turn until
// one accepts (i.e. is, or knows, the leader), then starts the
// background keep-alive loop.
func (c *Client) Open(ctx context.Context) error {
	req := &raftpb.RegisterRequest{ConnectionID: c.connectionID}
	resp, err := c.callAny(ctx, transport.TopicRegister, req, func(r *raftpb.RegisterResponse) *retryHint {
		if r.Status != raftpb.StatusOK {
			return &retryHint{leader: r.Leader}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sessionID = resp.SessionID
	c.mu.Unlock()

	c.stopKeepAlive = make(chan struct{})
	go c.keepAliveLoop()
	return nil
}

type retryHint struct{ leader string }

// callAny sends req to the current leader hint first, then every other
// known address, retrying while the server redirects to a different
// leader. check inspects the decoded response and returns a non-nil hint
// to keep retrying, or nil once satisfied.
func callAny[Req any, Resp any](c *Client, ctx context.Context, topic string, req *Req, check func(*Resp) *retryHint) (*Resp, error) {
	c.mu.Lock()
	order := append([]string(nil), c.addrs[c.leaderHint:]...)
	order = append(order, c.addrs[:c.leaderHint]...)
	c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < len(order)*2; attempt++ {
		addr := order[attempt%len(order)]
		resp, err := transport.Call[Req, Resp](ctx, c.disp, addr, topic, req)
		if err != nil {
			lastErr = err
			if raverrors.IsTransient(err) {
				continue
			}
			return nil, err
		}
		if hint := check(resp); hint != nil {
			lastErr = raverrors.NoLeaderError
			if hint.leader != "" {
				c.setLeaderHint(hint.leader)
			}
			continue
		}
		c.setLeaderHint(addr)
		return resp, nil
	}
	if lastErr == nil {
		lastErr = raverrors.NoLeaderError
	}
	return nil, lastErr
}

func (c *Client) callAny(ctx context.Context, topic string, req *raftpb.RegisterRequest, check func(*raftpb.RegisterResponse) *retryHint) (*raftpb.RegisterResponse, error) {
	return callAny[raftpb.RegisterRequest, raftpb.RegisterResponse](c, ctx, topic, req, check)
}

func (c *Client) setLeaderHint(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, a := range c.addrs {
		if a == addr {
			c.leaderHint = i
			return
		}
	}
}

// Command submits payload as a new sequenced command, retrying with the
// same sequence number on leader change so the server's at-most-once
// dedup collapses duplicate submissions into one application.
func (c *Client) Command(ctx context.Context, payload []byte) ([]byte, error) {
	c.mu.Lock()
	c.commandSeq++
	seq := c.commandSeq
	sessionID := c.sessionID
	c.mu.Unlock()

	req := &raftpb.CommandRequest{Session: sessionID, Sequence: seq, Operation: payload}
	resp, err := callAny[raftpb.CommandRequest, raftpb.CommandResponse](c, ctx, transport.TopicCommand, req,
		func(r *raftpb.CommandResponse) *retryHint {
			if r.Status != raftpb.StatusOK {
				return &retryHint{}
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Query submits a read-only operation at the given consistency level.
func (c *Client) Query(ctx context.Context, payload []byte, consistency raftpb.QueryConsistency) ([]byte, error) {
	c.mu.Lock()
	seq := c.commandSeq
	sessionID := c.sessionID
	c.mu.Unlock()

	req := &raftpb.QueryRequest{Session: sessionID, Sequence: seq, Operation: payload, Consistency: consistency}
	resp, err := callAny[raftpb.QueryRequest, raftpb.QueryResponse](c, ctx, transport.TopicQuery, req,
		func(r *raftpb.QueryResponse) *retryHint {
			if r.Status != raftpb.StatusOK {
				return &retryHint{}
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (c *Client) keepAliveLoop() {
	interval := c.sessionTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sendKeepAlive()
		case <-c.stopKeepAlive:
			return
		}
	}
}

func (c *Client) sendKeepAlive() {
	c.mu.Lock()
	sessionID := c.sessionID
	commandSeq := c.commandSeq
	c.mu.Unlock()

	req := &raftpb.KeepAliveRequest{Session: sessionID, CommandSequence: commandSeq, EventSequence: c.queryLow}
	ctx, cancel := context.WithTimeout(context.Background(), c.sessionTimeout)
	defer cancel()
	_, err := callAny[raftpb.KeepAliveRequest, raftpb.KeepAliveResponse](c, ctx, transport.TopicKeepAlive, req,
		func(r *raftpb.KeepAliveResponse) *retryHint {
			if r.Status != raftpb.StatusOK {
				return &retryHint{leader: r.Leader}
			}
			return nil
		})
	if err != nil {
		log.WithComponent("ravelclient").Debug().Err(err).Msg("keep-alive failed")
	}
}

// Close stops the background keep-alive loop. It does not close the
// session on the server; the server expires it once keep-alives stop.
func (c *Client) Close() {
	if c.stopKeepAlive != nil {
		close(c.stopKeepAlive)
	}
}
