// Package statemachine defines the external state-machine contract the
// consensus core depends on (spec section 6) and ships one reference
// implementation, KVStateMachine, so every core operation — command
// round-trips, query linearizability, compaction filter delegation,
// session lifecycle hooks — is exercisable in tests and the CLI demo.
package statemachine

import (
	"context"
)

// CompactionKind mirrors raftlog.CompactionKind without importing it:
// the state machine contract is deliberately decoupled from the log's
// storage internals (spec section 1, "specified only through the
// interfaces the core uses").
type CompactionKind int

const (
	CompactionMinor CompactionKind = iota
	CompactionMajor
)

// Commit is what the core hands to Apply/Filter for one applied entry:
// index, the leader-clock timestamp it carried, the session that
// submitted it (0 for entries with no owning session), and the opaque
// operation payload.
type Commit struct {
	Index     uint64
	Timestamp int64
	Session   uint64
	Operation []byte
}

// CompactionContext carries the watermarks Filter needs to decide
// whether a Command entry is still referenced by application state.
type CompactionContext struct {
	Kind           CompactionKind
	LastApplied    uint64
	ClusterVersion uint64
}

// StateMachine is the narrow contract the consensus core depends on
// (spec section 6). Apply is invoked only from the state-machine loop, in
// commit order; Filter is invoked from the compaction scheduler's
// goroutine and Expire from the expiry loop, so those calls can run
// concurrently with Apply.
type StateMachine interface {
	// Apply applies one committed Command entry and returns its result,
	// which is cached for at-most-once replay (spec section 4.B).
	Apply(ctx context.Context, commit Commit) ([]byte, error)

	// Filter decides, during compaction, whether a Command entry is
	// still referenced by application state and must be kept.
	Filter(ctx context.Context, commit Commit, cctx CompactionContext) (keep bool, err error)

	// Register, Expire, and Close are the session lifecycle hooks: a
	// new session was opened, timed out, or was explicitly closed.
	Register(ctx context.Context, session uint64, connectionID string, timestamp int64) error
	Expire(ctx context.Context, session uint64) error
	Close(ctx context.Context, session uint64) error
}
