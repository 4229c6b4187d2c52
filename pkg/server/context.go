// Package server wires the consensus role state machine, the session
// table, cluster membership, and an external state machine into the two
// cooperative single-threaded contexts spec section 4.E describes: the
// consensus goroutine (owned by consensus.Node) and this package's own
// apply goroutine, which drains newly committed entries onto the session
// table and the external state machine in strict index order.
package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ravel/pkg/cluster"
	"github.com/cuemby/ravel/pkg/codec"
	"github.com/cuemby/ravel/pkg/config"
	"github.com/cuemby/ravel/pkg/consensus"
	"github.com/cuemby/ravel/pkg/events"
	"github.com/cuemby/ravel/pkg/log"
	"github.com/cuemby/ravel/pkg/metrics"
	"github.com/cuemby/ravel/pkg/raftlog"
	"github.com/cuemby/ravel/pkg/raftpb"
	"github.com/cuemby/ravel/pkg/session"
	"github.com/cuemby/ravel/pkg/statemachine"
	"github.com/cuemby/ravel/pkg/transport"
)

// Context is one server's full runtime: consensus node, replicated log,
// session table, cluster view, compaction scheduler, and the external
// state machine, bound together over one Transport.
type Context struct {
	cfg config.Config
	id  string

	log    *raftlog.Log
	stable *raftlog.StableStore
	cl     *cluster.Cluster
	disp   *transport.Dispatcher
	tr     transport.Transport
	node   *consensus.Node
	sm     statemachine.StateMachine
	compactor *raftlog.Compactor

	sessions *session.Table
	events   *events.Broker

	applyMu      sync.Mutex
	commitSignal chan struct{}
	stopApply    chan struct{}

	queryMu      sync.Mutex
	queryResults map[uint64][]byte

	logger zerolog.Logger
}

// New builds a Context from already-open storage (raftlog.Open,
// raftlog.OpenStableStore) and a cluster primed with the last known
// configuration. The caller is responsible for calling Open to start it.
func New(cfg config.Config, l *raftlog.Log, stable *raftlog.StableStore, cl *cluster.Cluster, tr transport.Transport, sm statemachine.StateMachine) *Context {
	disp := transport.NewDispatcher(tr, codec.Default)
	c := &Context{
		cfg:          cfg,
		id:           cfg.NodeID,
		log:          l,
		stable:       stable,
		cl:           cl,
		disp:         disp,
		tr:           tr,
		sm:           sm,
		sessions:     session.NewTable(),
		events:       events.NewBroker(),
		commitSignal: make(chan struct{}, 1),
		stopApply:    make(chan struct{}),
		queryResults: make(map[uint64][]byte),
		logger:       log.WithServer(cfg.NodeID),
	}

	node, err := consensus.New(cfg.NodeID, l, stable, cl, disp, consensus.Options{
		ElectionTimeout:   cfg.ElectionTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		OnCommit:          c.signalCommit,
		OnConfiguration:   c.onConfiguration,
		OnRoleChange:      c.onRoleChange,
	})
	if err != nil {
		// New only fails reading the stable store; a fresh store never does,
		// so this would indicate on-disk corruption the caller must surface.
		panic(err)
	}
	c.node = node
	return c
}

// Node exposes the underlying consensus.Node for Propose/role inspection.
func (c *Context) Node() *consensus.Node { return c.node }

// Sessions exposes the session table, e.g. for the compaction filter
// context wiring in Open.
func (c *Context) Sessions() *session.Table { return c.sessions }

// Events exposes this node's lifecycle event broker, for a CLI or
// monitoring hook to Subscribe to role changes, membership changes, and
// session expiry without polling.
func (c *Context) Events() *events.Broker { return c.events }

func (c *Context) onRoleChange(role consensus.Role) {
	c.events.Publish(&events.Event{Kind: events.KindRoleChanged, Message: role.String()})
	if role == consensus.RoleLeader {
		c.events.Publish(&events.Event{Kind: events.KindLeaderElected, Message: c.id})
	}
}

func (c *Context) signalCommit(_ uint64) {
	select {
	case c.commitSignal <- struct{}{}:
	default:
	}
}

// storeQueryResult and takeQueryResult hand a Query entry's apply result
// back to the RPC handler awaiting it. The log index is the key since it
// is unique per entry, unlike a client's command sequence which queries
// don't otherwise consume.
func (c *Context) storeQueryResult(index uint64, result []byte) {
	c.queryMu.Lock()
	c.queryResults[index] = result
	c.queryMu.Unlock()
}

func (c *Context) takeQueryResult(index uint64) []byte {
	c.queryMu.Lock()
	defer c.queryMu.Unlock()
	result := c.queryResults[index]
	delete(c.queryResults, index)
	return result
}

func (c *Context) onConfiguration(_ uint64, active, passive []raftpb.Member) {
	_ = c.stable.SaveConfiguration(c.cl.Version(), active, passive)
	c.events.Publish(&events.Event{
		Kind: events.KindMembershipChanged,
		Metadata: map[string]string{
			"active":  fmt.Sprintf("%d", len(active)),
			"passive": fmt.Sprintf("%d", len(passive)),
		},
	})
}

// Open registers the client-facing RPC handlers, starts the consensus
// node, the apply goroutine, and the compaction scheduler. Per spec
// section 4.E this is the only place a server's log and transport are
// bound together.
func (c *Context) Open() error {
	if err := c.tr.Listen(c.cl.Local().Address()); err != nil {
		return err
	}
	c.registerClientHandlers()
	c.events.Start()
	c.node.Start()

	go c.applyLoop()
	go c.expiryLoop()

	c.compactor = raftlog.NewCompactor(c.log, c, c.cfg.MinorCompactionInterval, c.cfg.MajorCompactionInterval, c.filterContext, c.commandFilter)
	c.compactor.Start()

	metrics.RegisterComponent("consensus", true, "")
	metrics.RegisterComponent("raftlog", true, "")
	metrics.RegisterComponent("transport", true, "")
	return nil
}

// MinorIndex implements raftlog.Watermarks: entries at or below
// lastApplied are safe for minor compaction.
func (c *Context) MinorIndex() uint64 { return c.log.LastApplied() }

// MajorIndex implements raftlog.Watermarks: major compaction reaches no
// further than the global index (the lowest index every active member has
// replicated), and never past lastApplied.
func (c *Context) MajorIndex() uint64 { return min(c.node.GlobalIndex(), c.log.LastApplied()) }

func (c *Context) filterContext(kind raftlog.CompactionKind) raftlog.FilterContext {
	return raftlog.FilterContext{
		Kind:                 kind,
		LastApplied:          c.log.LastApplied(),
		ClusterVersion:       c.cl.Version(),
		SessionExists:        c.sessions.Exists,
		SessionCurrentIndex:  c.sessions.CurrentIndex,
	}
}

func (c *Context) commandFilter(ctx context.Context, e *raftpb.Entry, fctx raftlog.FilterContext) (bool, error) {
	keep, err := c.sm.Filter(ctx, statemachine.Commit{
		Index:     e.Index,
		Timestamp: e.Timestamp,
		Session:   e.Session,
		Operation: e.Payload,
	}, statemachine.CompactionContext{
		Kind:           statemachine.CompactionKind(fctx.Kind),
		LastApplied:    fctx.LastApplied,
		ClusterVersion: fctx.ClusterVersion,
	})
	return keep, err
}

// Close stops the consensus node, the apply loop, the expiry loop, and
// the compaction scheduler, then closes the transport, the log and the
// stable store. It does not move the node into the Leave role first and
// does not wait for in-flight commands to be acknowledged.
func (c *Context) Close() error {
	c.node.Stop()
	close(c.stopApply)
	c.events.Stop()
	if c.compactor != nil {
		c.compactor.Stop()
	}
	if err := c.tr.Close(); err != nil {
		return err
	}
	if err := c.log.Close(); err != nil {
		return err
	}
	return c.stable.Close()
}

// Delete removes the on-disk log. Only valid once Close has returned,
// per spec section 4.E.
func (c *Context) Delete(dataDir string) error {
	return raftlog.Remove(dataDir)
}

func (c *Context) expiryLoop() {
	ticker := time.NewTicker(c.cfg.SessionTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.node.Role() != consensus.RoleLeader {
				continue
			}
			nowInLog := c.log.LastApplied()
			last, ok := c.log.Get(nowInLog)
			var logClock int64
			if ok {
				logClock = last.Timestamp
			}
			expired := c.sessions.ExpireTimedOut(logClock, c.cfg.SessionTimeout.Milliseconds())
			for _, id := range expired {
				_ = c.sm.Expire(context.Background(), id)
				metrics.SessionsExpiredTotal.Inc()
				c.events.Publish(&events.Event{Kind: events.KindSessionExpired, Message: fmt.Sprintf("%d", id)})
			}
		case <-c.stopApply:
			return
		}
	}
}
