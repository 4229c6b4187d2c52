package consensus

import (
	"context"

	"github.com/cuemby/ravel/pkg/metrics"
	"github.com/cuemby/ravel/pkg/raftpb"
)

// startPreVoteLocked runs the Poll phase (spec section 4.D's pre-vote):
// candidates ask peers whether they'd grant a vote without bumping any
// term, so a partitioned node rejoining the cluster doesn't force a
// disruptive term increase across peers who still have a live leader.
func (n *Node) startPreVoteLocked() {
	lastIndex := n.log.LastIndex()
	lastTerm, _ := n.log.Term(lastIndex)
	req := &raftpb.VoteRequest{
		RPCHeader:    raftpb.RPCHeader{Term: n.currentTerm + 1, Sender: n.id},
		Candidate:    n.id,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	peers := n.cluster.ActiveMembers()
	n.resetElectionTimerLocked()

	go n.runPreVote(req, peers)
}

func (n *Node) runPreVote(req *raftpb.VoteRequest, peers []raftpb.Member) {
	quorum := n.cluster.QuorumSize()
	granted := 1 // vote for self
	ctx, cancel := context.WithTimeout(context.Background(), n.opts.ElectionTimeout)
	defer cancel()

	type result struct {
		resp *raftpb.PollResponse
	}
	results := make(chan result, len(peers))
	for _, p := range peers {
		if p.ID == n.id {
			continue
		}
		p := p
		go func() {
			resp, err := transportCallPoll(ctx, n, p.Address(), req)
			if err != nil {
				results <- result{}
				return
			}
			results <- result{resp: resp}
		}()
	}
	for range peers {
		select {
		case r := <-results:
			if r.resp != nil && r.resp.Accepted {
				granted++
			}
		case <-ctx.Done():
		}
		if granted >= quorum {
			break
		}
	}
	if granted >= quorum {
		n.startElection()
	}
}

// startElection bumps the term, votes for itself, and solicits real votes.
func (n *Node) startElection() {
	n.mu.Lock()
	if n.role == RoleLeader || n.role == RolePassive || n.role == RoleJoin || n.role == RoleLeave || n.stopped {
		n.mu.Unlock()
		return
	}
	n.setRoleLocked(RoleCandidate)
	metrics.ElectionsStartedTotal.Inc()
	n.currentTerm++
	term := n.currentTerm
	_ = n.stable.SetCurrentTerm(term)
	_ = n.stable.SetVotedFor(n.id, term)
	lastIndex := n.log.LastIndex()
	lastTerm, _ := n.log.Term(lastIndex)
	req := &raftpb.VoteRequest{
		RPCHeader:    raftpb.RPCHeader{Term: term, Sender: n.id},
		Candidate:    n.id,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	peers := n.cluster.ActiveMembers()
	n.resetElectionTimerLocked()
	n.mu.Unlock()

	go n.runElection(term, req, peers)
}

func (n *Node) runElection(term uint64, req *raftpb.VoteRequest, peers []raftpb.Member) {
	quorum := n.cluster.QuorumSize()
	granted := 1
	ctx, cancel := context.WithTimeout(context.Background(), n.opts.ElectionTimeout)
	defer cancel()

	results := make(chan *raftpb.VoteResponse, len(peers))
	for _, p := range peers {
		if p.ID == n.id {
			continue
		}
		p := p
		go func() {
			resp, err := transportCallVote(ctx, n, p.Address(), req)
			if err != nil {
				results <- nil
				return
			}
			results <- resp
		}()
	}
	for range peers {
		select {
		case resp := <-results:
			if resp == nil {
				continue
			}
			n.mu.Lock()
			if resp.Term > n.currentTerm {
				n.stepDownLocked(resp.Term)
				n.mu.Unlock()
				return
			}
			n.mu.Unlock()
			if resp.VoteGranted {
				granted++
			}
		case <-ctx.Done():
		}
		if granted >= quorum {
			break
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleCandidate || n.currentTerm != term || n.stopped {
		return
	}
	if granted >= quorum {
		n.becomeLeaderLocked()
	}
}

// handleVote serves the real Vote RPC: grants once per term to whichever
// candidate asks first with an up-to-date log.
func (n *Node) handleVote(_ context.Context, req *raftpb.VoteRequest) (*raftpb.VoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}
	if req.Term < n.currentTerm {
		return &raftpb.VoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}

	votedFor, votedTerm, _ := n.stable.VotedFor()
	alreadyVoted := votedTerm == n.currentTerm && votedFor != "" && votedFor != req.Candidate
	if alreadyVoted {
		return &raftpb.VoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}

	lastIndex := n.log.LastIndex()
	lastTerm, _ := n.log.Term(lastIndex)
	upToDate := req.LastLogTerm > lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)
	if !upToDate {
		return &raftpb.VoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}

	_ = n.stable.SetVotedFor(req.Candidate, n.currentTerm)
	n.resetElectionTimerLocked()
	return &raftpb.VoteResponse{Term: n.currentTerm, VoteGranted: true}, nil
}

// handlePoll serves the pre-vote RPC: answers honestly about whether the
// peer's log is at least as up to date, without recording a real vote or
// bumping term.
func (n *Node) handlePoll(_ context.Context, req *raftpb.VoteRequest) (*raftpb.PollResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	term := n.currentTerm
	if req.Term > term {
		term = req.Term
	}
	// A live leader's heartbeat within the last election timeout means this
	// peer should reject pre-votes, per the standard pre-vote refinement —
	// approximated here by simply checking role/leaderID.
	if n.role == RoleLeader || (n.leaderID != "" && n.leaderID != req.Candidate) {
		return &raftpb.PollResponse{Term: term, Accepted: false}, nil
	}
	lastIndex := n.log.LastIndex()
	lastTerm, _ := n.log.Term(lastIndex)
	upToDate := req.LastLogTerm > lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)
	return &raftpb.PollResponse{Term: term, Accepted: upToDate}, nil
}

func transportCallVote(ctx context.Context, n *Node, addr string, req *raftpb.VoteRequest) (*raftpb.VoteResponse, error) {
	return callTyped[raftpb.VoteRequest, raftpb.VoteResponse](ctx, n, addr, "Vote", req)
}

func transportCallPoll(ctx context.Context, n *Node, addr string, req *raftpb.VoteRequest) (*raftpb.PollResponse, error) {
	return callTyped[raftpb.VoteRequest, raftpb.PollResponse](ctx, n, addr, "Poll", req)
}
