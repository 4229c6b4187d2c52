package consensus

import (
	"context"
	"time"

	"github.com/cuemby/ravel/pkg/raftpb"
	"github.com/cuemby/ravel/pkg/transport"
)

// callTyped is a thin wrapper around transport.Call binding the Node's
// dispatcher, so election.go/replication.go read as plain RPC calls.
func callTyped[Req any, Resp any](ctx context.Context, n *Node, addr, topic string, req *Req) (*Resp, error) {
	return transport.Call[Req, Resp](ctx, n.disp, addr, topic, req)
}

// becomeLeaderLocked transitions a winning Candidate into the Leader role:
// resets per-peer replication progress, appends a NoOp entry (spec section
// 4.D — the standard trick for indirectly committing prior-term entries),
// and starts the heartbeat loop. Caller holds n.mu.
func (n *Node) becomeLeaderLocked() {
	n.setRoleLocked(RoleLeader)
	n.leaderID = n.id
	lastIndex := n.log.LastIndex()
	for _, m := range append(n.cluster.ActiveMembers(), n.cluster.PassiveMembers()...) {
		if p, ok := n.cluster.Peer(m.ID); ok {
			p.NextIndex = lastIndex + 1
			p.MatchIndex = 0
		}
	}
	n.registerHandlersLocked()
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}

	noop := &raftpb.Entry{Term: n.currentTerm, Type: raftpb.EntryNoOp, Timestamp: nowMillis()}
	idx, err := n.log.Append(noop)
	if err == nil {
		n.cluster.AdvanceMatch(n.id, idx)
	}

	n.heartbeatStop = make(chan struct{})
	stop := n.heartbeatStop
	interval := n.opts.HeartbeatInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	go n.heartbeatLoop(n.currentTerm, interval, stop)
}

func (n *Node) heartbeatLoop(term uint64, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	n.replicateToAll(term)
	for {
		select {
		case <-ticker.C:
			n.replicateToAll(term)
		case <-stop:
			return
		case <-n.stopCh:
			return
		}
	}
}

func (n *Node) replicateToAll(term uint64) {
	n.mu.Lock()
	if n.role != RoleLeader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	peers := append(n.cluster.ActiveMembers(), n.cluster.PassiveMembers()...)
	n.mu.Unlock()

	for _, p := range peers {
		if p.ID == n.id {
			continue
		}
		go n.replicateTo(term, p)
	}
}

func (n *Node) replicateTo(term uint64, peer raftpb.Member) {
	n.mu.Lock()
	if n.role != RoleLeader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	progress, ok := n.cluster.Peer(peer.ID)
	if !ok {
		n.mu.Unlock()
		return
	}
	nextIndex := progress.NextIndex
	prevIndex := nextIndex - 1
	prevTerm, _ := n.log.Term(prevIndex)

	var entries []*raftpb.Entry
	last := n.log.LastIndex()
	for i := nextIndex; i <= last; i++ {
		if e, ok := n.log.Get(i); ok {
			entries = append(entries, e)
		}
		if len(entries) >= 256 {
			break
		}
	}
	req := &raftpb.AppendRequest{
		RPCHeader:    raftpb.RPCHeader{Term: term, Sender: n.id},
		Leader:       n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		CommitIndex:  n.commitIndex,
		GlobalIndex:  n.globalIndex,
	}
	topic := transport.TopicAppend
	if peer.Type == raftpb.MemberPassive {
		topic = transport.TopicSync
	}
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), n.opts.HeartbeatInterval*4)
	defer cancel()
	resp, err := callTyped[raftpb.AppendRequest, raftpb.AppendResponse](ctx, n, peer.Address(), topic, req)
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleLeader || n.currentTerm != term {
		return
	}
	if resp.Term > n.currentTerm {
		n.stepDownLocked(resp.Term)
		return
	}
	if resp.Succeeded {
		matched := prevIndex + uint64(len(entries))
		n.cluster.AdvanceMatch(peer.ID, matched)
		n.recomputeCommitLocked()
	} else {
		hint := resp.LogIndex
		if hint == 0 {
			hint = 1
		}
		n.cluster.RetreatNext(peer.ID, hint)
	}
}

// recomputeCommitLocked applies the Raft commit rule: a quorum-matched
// index only advances commitIndex if the entry at that index was appended
// in the current term (spec section 4.D); older-term entries ride along
// via the NoOp committed at election. Caller holds n.mu.
func (n *Node) recomputeCommitLocked() {
	candidate := n.cluster.MatchIndexQuorum(n.log.LastIndex())
	if candidate <= n.commitIndex {
		n.updateGlobalIndexLocked()
		return
	}
	if term, ok := n.log.Term(candidate); ok && term == n.currentTerm {
		n.commitIndex = candidate
		n.maybeClearPendingConfigurationLocked()
		if n.opts.OnCommit != nil {
			idx := n.commitIndex
			go n.opts.OnCommit(idx)
		}
	}
	n.updateGlobalIndexLocked()
}

func (n *Node) updateGlobalIndexLocked() {
	n.globalIndex = n.cluster.GlobalIndex(n.log.LastIndex())
}

func (n *Node) maybeClearPendingConfigurationLocked() {
	if n.pendingConfiguration != 0 && n.commitIndex >= n.pendingConfiguration {
		n.pendingConfiguration = 0
	}
}

// handleAppend serves both the Append (active peers) and Sync (passive
// peers) RPCs: they carry identical semantics, differing only in which
// topic the leader chose based on the recipient's membership type.
func (n *Node) handleAppend(_ context.Context, req *raftpb.AppendRequest) (*raftpb.AppendResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return &raftpb.AppendResponse{Term: n.currentTerm, Succeeded: false}, nil
	}
	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	} else if n.role == RoleCandidate {
		n.setRoleLocked(RoleFollower)
	}
	n.leaderID = req.Leader
	n.resetElectionTimerLocked()

	if req.PrevLogIndex > 0 {
		term, ok := n.log.Term(req.PrevLogIndex)
		if !ok || term != req.PrevLogTerm {
			return &raftpb.AppendResponse{Term: n.currentTerm, Succeeded: false, LogIndex: n.log.LastIndex()}, nil
		}
	}

	for _, e := range req.Entries {
		existingTerm, ok := n.log.Term(e.Index)
		if ok && existingTerm != e.Term {
			if err := n.log.Truncate(e.Index - 1); err != nil {
				return &raftpb.AppendResponse{Term: n.currentTerm, Succeeded: false, LogIndex: n.log.LastApplied()}, nil
			}
			ok = false
		}
		if !ok {
			if _, err := n.log.Append(e.Clone()); err != nil {
				return &raftpb.AppendResponse{Term: n.currentTerm, Succeeded: false}, nil
			}
			if e.Type == raftpb.EntryConfiguration {
				n.cluster.Configure(e.Index, e.Active, e.Passive, n.log.LastIndex())
				if n.opts.OnConfiguration != nil {
					n.opts.OnConfiguration(e.Index, e.Active, e.Passive)
				}
			}
		}
	}

	if req.CommitIndex > n.commitIndex {
		last := n.log.LastIndex()
		if req.CommitIndex < last {
			n.commitIndex = req.CommitIndex
		} else {
			n.commitIndex = last
		}
		if n.opts.OnCommit != nil {
			idx := n.commitIndex
			go n.opts.OnCommit(idx)
		}
	}
	if req.GlobalIndex > n.globalIndex {
		n.globalIndex = req.GlobalIndex
	}

	return &raftpb.AppendResponse{Term: n.currentTerm, Succeeded: true, LogIndex: n.log.LastIndex()}, nil
}
