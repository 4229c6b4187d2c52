// Package consensus: role state machine.
//
// A Node starts as Follower. An election timeout runs a pre-vote (Poll) to
// confirm a quorum would grant a real vote before bumping term and running
// a real election (Vote). Winning a quorum of votes moves the node to
// Leader, which appends a NoOp entry, starts heartbeating every
// HeartbeatInterval, and replicates outstanding entries to every peer via
// per-peer nextIndex/matchIndex tracked in pkg/cluster. commitIndex only
// advances past an index whose entry was appended in the current term
// (the NoOp guarantees earlier-term entries ride along once it commits).
//
// Passive members receive the same AppendRequest body over the Sync topic
// instead of Append, and never stand for election. Join and Leave are
// transient roles a member occupies while being added to or removed from
// the active/passive sets; see membership.go.
//
// Propose is the only way to get an entry into the log: it assigns the
// leader's current term, appends locally, and kicks replication
// immediately rather than waiting for the next heartbeat. Everything
// above Propose — Register/KeepAlive/Command/Query/Join/Leave handling,
// the session table, and the external state machine — lives in
// pkg/server, which drives its own apply goroutine off Node's OnCommit
// callback.
package consensus
