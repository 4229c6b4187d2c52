package consensus

import (
	"github.com/cuemby/ravel/pkg/raftpb"
	"github.com/cuemby/ravel/pkg/raverrors"
)

// ProposeConfiguration appends a Configuration entry replacing the current
// membership. Only one Configuration may be outstanding (proposed but not
// yet committed) at a time, per spec section 4.D.
func (n *Node) ProposeConfiguration(active, passive []raftpb.Member) (index uint64, err error) {
	if n.HasPendingConfiguration() {
		return 0, raverrors.Wrapf(raverrors.IllegalState, "a configuration change is already pending")
	}
	idx, _, err := n.Propose(&raftpb.Entry{
		Type:      raftpb.EntryConfiguration,
		Timestamp: nowMillis(),
		Active:    active,
		Passive:   passive,
	})
	return idx, err
}

// EnterJoin transitions a brand-new member into the Join role: it accepts
// Sync/Append from the leader to catch its log up but does not yet count
// toward quorum or stand for election. The owning server.Context moves it
// to Passive (or Active, if configured that way) once caught up.
func (n *Node) EnterJoin() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.setRoleLocked(RoleJoin)
	n.resetElectionTimerLocked()
}

// EnterLeave transitions a departing member into the Leave role: it keeps
// applying committed entries (so a client that reached it mid-command
// still gets a response) but stops participating in elections and
// replication fan-out as a sender.
func (n *Node) EnterLeave() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.setRoleLocked(RoleLeave)
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
}

// PromoteToPassive moves a Join node into steady-state Passive membership
// once it has caught up to the leader's log.
func (n *Node) PromoteToPassive() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role == RoleJoin {
		n.setRoleLocked(RolePassive)
		n.resetElectionTimerLocked()
	}
}

// PromoteToActive moves this node from Passive into the active (voting)
// set's Follower role, making it eligible to stand for election.
func (n *Node) PromoteToActive() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role == RolePassive || n.role == RoleJoin {
		n.setRoleLocked(RoleFollower)
		n.resetElectionTimerLocked()
	}
}

// DemoteToPassive moves this node out of the active set back to Passive,
// e.g. when the operator shrinks the active set.
func (n *Node) DemoteToPassive() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role == RoleLeader {
		n.stopHeartbeatLocked()
	}
	n.setRoleLocked(RolePassive)
	n.resetElectionTimerLocked()
}
