package consensus

import (
	"github.com/cuemby/ravel/pkg/raftpb"
	"github.com/cuemby/ravel/pkg/raverrors"
	"github.com/cuemby/ravel/pkg/transport"
)

// registerHandlersLocked (re-)installs the consensus RPC handlers —
// Vote, Poll, Append, Sync — against the dispatcher. It is called on
// Start, on stepping down, and on becoming leader; the handler bodies here
// read n.role fresh on every call rather than branching by closure, so
// re-registration is a formality that keeps the transport's
// Register-replaces-previous contract exercised, not a functional
// requirement.
func (n *Node) registerHandlersLocked() {
	transport.On(n.disp, transport.TopicVote, n.handleVote)
	transport.On(n.disp, transport.TopicPoll, n.handlePoll)
	transport.On(n.disp, transport.TopicAppend, n.handleAppend)
	transport.On(n.disp, transport.TopicSync, n.handleAppend)
}

// Propose appends a new entry with the node's current term if this node
// is the Leader, and kicks off immediate replication (rather than waiting
// for the next heartbeat tick). Returns raverrors.NoLeaderError with the
// known leader's id folded into the error message if this node is not the
// leader. A Configuration entry takes effect in the local cluster view as
// soon as it is appended, and OnConfiguration is invoked for it.
func (n *Node) Propose(e *raftpb.Entry) (index uint64, term uint64, err error) {
	n.mu.Lock()
	if n.role != RoleLeader {
		leader := n.leaderID
		n.mu.Unlock()
		if leader != "" {
			return 0, 0, raverrors.Wrapf(raverrors.NoLeaderError, "not leader, current leader is %s", leader)
		}
		return 0, 0, raverrors.NoLeaderError
	}
	e.Term = n.currentTerm
	term = n.currentTerm
	n.mu.Unlock()

	idx, err := n.log.Append(e)
	if err != nil {
		return 0, 0, err
	}

	n.mu.Lock()
	n.cluster.AdvanceMatch(n.id, idx)
	if e.Type == raftpb.EntryConfiguration {
		n.pendingConfiguration = idx
		n.cluster.Configure(idx, e.Active, e.Passive, n.log.LastIndex())
		if n.opts.OnConfiguration != nil {
			n.opts.OnConfiguration(idx, e.Active, e.Passive)
		}
	}
	n.recomputeCommitLocked()
	currentTerm := n.currentTerm
	n.mu.Unlock()

	go n.replicateToAll(currentTerm)
	return idx, term, nil
}

// HasPendingConfiguration reports whether a Configuration entry has been
// proposed but not yet committed, per the single-pending-reconfiguration
// rule.
func (n *Node) HasPendingConfiguration() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pendingConfiguration != 0
}
