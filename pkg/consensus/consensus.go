// Package consensus implements the Raft role state machine described in
// spec section 4.D: the Follower/Candidate/Leader/Passive/Join/Leave roles,
// their RPC handlers, leader election, and log replication. It owns the
// raftlog.Log and raftlog.StableStore exclusively — nothing outside this
// package's single consensus goroutine may call either concurrently (spec
// section 3, Ownership).
package consensus

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/ravel/pkg/cluster"
	"github.com/cuemby/ravel/pkg/log"
	"github.com/cuemby/ravel/pkg/metrics"
	"github.com/cuemby/ravel/pkg/raftlog"
	"github.com/cuemby/ravel/pkg/raftpb"
	"github.com/cuemby/ravel/pkg/transport"
)

// Role is one state in the role state machine.
type Role uint8

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
	RolePassive
	RoleJoin
	RoleLeave
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	case RolePassive:
		return "passive"
	case RoleJoin:
		return "join"
	case RoleLeave:
		return "leave"
	default:
		return "unknown"
	}
}

// Options configures a Node.
type Options struct {
	ElectionTimeout   time.Duration
	HeartbeatInterval time.Duration

	// OnCommit is invoked (outside n.mu) whenever commitIndex advances, so
	// the owning server.Context can apply newly committed entries on its
	// own state-machine goroutine. Required.
	OnCommit func(commitIndex uint64)

	// OnConfiguration is invoked when a Configuration entry is appended
	// locally, letting the owner keep its cluster view (and transport
	// peers) in sync even before the entry commits.
	OnConfiguration func(version uint64, active, passive []raftpb.Member)

	// OnRoleChange is invoked (in its own goroutine, outside n.mu)
	// whenever the role state machine transitions, for an owner that
	// wants to observe it (e.g. publishing to an events.Broker) without
	// polling Role().
	OnRoleChange func(role Role)
}

// Node is one server's consensus-thread state: current role, term, log, and
// replication progress against its peers.
type Node struct {
	mu sync.Mutex

	id   string
	opts Options

	log     *raftlog.Log
	stable  *raftlog.StableStore
	cluster *cluster.Cluster
	disp    *transport.Dispatcher
	logger  zerolog.Logger

	role        Role
	currentTerm uint64
	leaderID    string
	commitIndex uint64
	globalIndex uint64

	// pendingConfiguration is non-zero while a Configuration entry has
	// been appended but not yet committed — spec section 4.D's "single
	// pending reconfiguration" rule.
	pendingConfiguration uint64

	electionTimer *time.Timer
	heartbeatStop chan struct{}

	stopCh  chan struct{}
	stopped bool
}

// New constructs a Node in the Follower role. Callers must then call
// Start, which registers the consensus RPC handlers.
func New(id string, l *raftlog.Log, stable *raftlog.StableStore, cl *cluster.Cluster, disp *transport.Dispatcher, opts Options) (*Node, error) {
	term, err := stable.CurrentTerm()
	if err != nil {
		return nil, err
	}
	n := &Node{
		id:          id,
		opts:        opts,
		log:         l,
		stable:      stable,
		cluster:     cl,
		disp:        disp,
		role:        RoleFollower,
		currentTerm: term,
		stopCh:      make(chan struct{}),
		logger:      log.WithServer(id),
	}
	return n, nil
}

// Start registers RPC handlers for the current role and arms the election
// timer. Must be called after the owner's transport.Listen has already
// happened.
func (n *Node) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.registerHandlersLocked()
	n.resetElectionTimerLocked()
	metrics.SetRole(n.role.String())
}

// Stop halts all timers. The Node cannot be restarted.
func (n *Node) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	n.stopped = true
	close(n.stopCh)
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	n.stopHeartbeatLocked()
}

// Role returns the current role.
func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

func (n *Node) RoleString() string { return n.Role().String() }

// Term returns the current term.
func (n *Node) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

// CommitIndex returns the highest index known committed.
func (n *Node) CommitIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

// GlobalIndex returns the highest index replicated to every active member.
func (n *Node) GlobalIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.globalIndex
}

// LastLogIndex returns the log's highest assigned index.
func (n *Node) LastLogIndex() uint64 { return n.log.LastIndex() }

// LastApplied returns the log's last-applied watermark.
func (n *Node) LastApplied() uint64 { return n.log.LastApplied() }

// Leader returns the address this node currently believes is the leader,
// "" if unknown.
func (n *Node) Leader() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.leaderID == "" {
		return ""
	}
	if m, ok := n.cluster.Peer(n.leaderID); ok {
		return m.Member.Address()
	}
	if n.leaderID == n.id {
		return n.cluster.Local().Address()
	}
	return ""
}

func randomizedTimeout(base time.Duration) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return base + time.Duration(rand.Int63n(int64(base)))
}

func (n *Node) resetElectionTimerLocked() {
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	if n.role == RoleLeader || n.role == RoleLeave || n.stopped {
		return
	}
	timeout := randomizedTimeout(n.opts.ElectionTimeout)
	n.electionTimer = time.AfterFunc(timeout, n.onElectionTimeout)
}

func (n *Node) onElectionTimeout() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	switch n.role {
	case RoleFollower, RoleCandidate:
		n.startPreVoteLocked()
	case RolePassive, RoleJoin:
		// Passive/Join members never stand for election; they just keep
		// waiting for a Sync/Append from the active leader.
		n.resetElectionTimerLocked()
	}
}

// stepDownLocked transitions to Follower in a new term, discarding any
// leader-only state. Called on seeing a higher term in any RPC.
func (n *Node) stepDownLocked(newTerm uint64) {
	if newTerm > n.currentTerm {
		n.currentTerm = newTerm
		_ = n.stable.SetCurrentTerm(newTerm)
		_ = n.stable.SetVotedFor("", newTerm)
	}
	if n.role == RoleLeader {
		n.stopHeartbeatLocked()
	}
	if n.role != RolePassive && n.role != RoleJoin && n.role != RoleLeave {
		n.setRoleLocked(RoleFollower)
	}
	n.leaderID = ""
	n.registerHandlersLocked()
	n.resetElectionTimerLocked()
}

// setRoleLocked transitions to role, updates the metrics gauge, and
// notifies OnRoleChange if the owner registered one. Caller holds n.mu.
func (n *Node) setRoleLocked(role Role) {
	n.role = role
	metrics.SetRole(n.role.String())
	if n.opts.OnRoleChange != nil {
		go n.opts.OnRoleChange(role)
	}
}

func (n *Node) stopHeartbeatLocked() {
	if n.heartbeatStop != nil {
		close(n.heartbeatStop)
		n.heartbeatStop = nil
	}
}

