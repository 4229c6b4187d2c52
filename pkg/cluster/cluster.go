// Package cluster holds the membership view a server maintains: the
// local member, every remote member's replication progress, and the
// active/passive sets with their quorum math (spec section 4.C).
package cluster

import (
	"sort"
	"sync"

	"github.com/cuemby/ravel/pkg/raftpb"
)

// PeerState tracks one remote member's replication progress, per spec
// section 4.D's leader bookkeeping: nextIndex/matchIndex per peer.
type PeerState struct {
	Member raftpb.Member

	NextIndex  uint64
	MatchIndex uint64
}

// Cluster is the membership view owned by one server. It is mutated only
// from the consensus context (spec section 3, Ownership).
type Cluster struct {
	mu sync.RWMutex

	local   raftpb.Member
	version uint64

	active  map[string]*PeerState
	passive map[string]*PeerState
}

// New creates a Cluster for local, with no peers and version 0. Configure
// must be called once the first Configuration entry (bootstrap or
// recovered from the stable store) is known.
func New(local raftpb.Member) *Cluster {
	return &Cluster{
		local:   local,
		active:  make(map[string]*PeerState),
		passive: make(map[string]*PeerState),
	}
}

// Local returns the member record for this server.
func (c *Cluster) Local() raftpb.Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.local
}

// Version returns the index of the Configuration entry that produced the
// current membership view.
func (c *Cluster) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Configure atomically replaces the active and passive sets. version is
// the index of the Configuration entry that produced this view. Existing
// peer replication progress is preserved across a reconfiguration that
// keeps the same member id; new members start at the supplied
// lastLogIndex+1 / 0 per spec section 4.D's replication init rule.
func (c *Cluster) Configure(version uint64, active, passive []raftpb.Member, lastLogIndex uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.version = version
	c.active = rebuildPeers(c.active, active, lastLogIndex)
	c.passive = rebuildPeers(c.passive, passive, lastLogIndex)
}

func rebuildPeers(existing map[string]*PeerState, members []raftpb.Member, lastLogIndex uint64) map[string]*PeerState {
	next := make(map[string]*PeerState, len(members))
	for _, m := range members {
		if old, ok := existing[m.ID]; ok {
			old.Member = m
			next[m.ID] = old
			continue
		}
		next[m.ID] = &PeerState{Member: m, NextIndex: lastLogIndex + 1, MatchIndex: 0}
	}
	return next
}

// IsActive reports whether id is a voting member of the current
// configuration.
func (c *Cluster) IsActive(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.active[id]
	return ok
}

// IsPassive reports whether id is a non-voting replicating member.
func (c *Cluster) IsPassive(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.passive[id]
	return ok
}

// QuorumSize is ⌊|ACTIVE|/2⌋ + 1 (spec section 3).
func (c *Cluster) QuorumSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.active)/2 + 1
}

// ActiveMembers returns a snapshot of the active (voting) set.
func (c *Cluster) ActiveMembers() []raftpb.Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]raftpb.Member, 0, len(c.active))
	for _, p := range c.active {
		out = append(out, p.Member)
	}
	return out
}

// PassiveMembers returns a snapshot of the passive (replicating,
// non-voting) set.
func (c *Cluster) PassiveMembers() []raftpb.Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]raftpb.Member, 0, len(c.passive))
	for _, p := range c.passive {
		out = append(out, p.Member)
	}
	return out
}

// Peer returns the replication state for a remote active or passive
// member, or (nil, false) if id is not a current peer.
func (c *Cluster) Peer(id string) (*PeerState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.active[id]; ok {
		return p, true
	}
	if p, ok := c.passive[id]; ok {
		return p, true
	}
	return nil, false
}

// EachPeer calls fn for every active and passive peer (excluding local).
// fn must not call back into Cluster.
func (c *Cluster) EachPeer(fn func(*PeerState)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, p := range c.active {
		if id == c.local.ID {
			continue
		}
		fn(p)
	}
	for id, p := range c.passive {
		if id == c.local.ID {
			continue
		}
		fn(p)
	}
}

// AdvanceMatch records that id has replicated through matchIndex, and
// derives nextIndex = matchIndex + 1 (the common case after a successful
// Append).
func (c *Cluster) AdvanceMatch(id string, matchIndex uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.active[id]; ok {
		if matchIndex > p.MatchIndex {
			p.MatchIndex = matchIndex
		}
		p.NextIndex = matchIndex + 1
		return
	}
	if p, ok := c.passive[id]; ok {
		if matchIndex > p.MatchIndex {
			p.MatchIndex = matchIndex
		}
		p.NextIndex = matchIndex + 1
	}
}

// RetreatNext decrements id's nextIndex after a failed Append, honoring a
// hint from the follower's response if it is smaller than the naive
// decrement (spec section 4.D replication rule).
func (c *Cluster) RetreatNext(id string, hint uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.active[id]
	if !ok {
		p, ok = c.passive[id]
	}
	if !ok {
		return
	}
	next := p.NextIndex
	if next > 1 {
		next--
	}
	if hint > 0 && hint < next {
		next = hint
	}
	p.NextIndex = next
}

// MatchIndexQuorum returns the highest index replicated to a quorum of
// ACTIVE members, including self (matchIndexSelf), per the commit rule in
// spec section 4.D. It does not apply the "same term" restriction — the
// caller must additionally check log[N].term == currentTerm.
//
// The active set always includes the local member's own PeerState (it is
// part of the member list passed to Configure), so self is excluded from
// the loop here and contributed exactly once via matchIndexSelf — counting
// both would let the leader satisfy quorum against itself alone.
func (c *Cluster) MatchIndexQuorum(matchIndexSelf uint64) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	matches := make([]uint64, 0, len(c.active))
	matches = append(matches, matchIndexSelf)
	for id, p := range c.active {
		if id == c.local.ID {
			continue
		}
		matches = append(matches, p.MatchIndex)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	quorum := len(c.active)/2 + 1
	if quorum > len(matches) {
		return 0
	}
	return matches[quorum-1]
}

// GlobalIndex is the minimum matchIndex across all ACTIVE members
// (including self), propagated to followers in Append as the watermark
// for major compaction (spec section 4.A/4.D). Self is excluded from the
// loop for the same reason as MatchIndexQuorum, though a min is unaffected
// by counting self twice; excluding it keeps the two functions consistent.
func (c *Cluster) GlobalIndex(matchIndexSelf uint64) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	min := matchIndexSelf
	for id, p := range c.active {
		if id == c.local.ID {
			continue
		}
		if p.MatchIndex < min {
			min = p.MatchIndex
		}
	}
	return min
}
