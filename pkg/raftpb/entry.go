// Package raftpb holds the wire-level data model shared by every other
// package in Ravel: log entries, cluster members, and RPC message bodies.
// None of it depends on raftlog, consensus, or transport, so it can be
// imported from anywhere without a cycle.
package raftpb

// EntryType tags the variant carried by an Entry. The spec reserves the
// 256-415 id space for built-in variants; each on-disk log record stores
// the type in a two-byte field to hold that range (see
// raftlog.encodeRecord) even though a byte-width field would have
// sufficed for the six variants actually defined — see DESIGN.md for the
// resulting trade-off.
type EntryType uint16

const (
	EntryNoOp          EntryType = 256
	EntryRegister      EntryType = 257
	EntryKeepAlive     EntryType = 258
	EntryCommand       EntryType = 259
	EntryQuery         EntryType = 260
	EntryConfiguration EntryType = 261
)

func (t EntryType) String() string {
	switch t {
	case EntryNoOp:
		return "NoOp"
	case EntryRegister:
		return "Register"
	case EntryKeepAlive:
		return "KeepAlive"
	case EntryCommand:
		return "Command"
	case EntryQuery:
		return "Query"
	case EntryConfiguration:
		return "Configuration"
	default:
		return "Unknown"
	}
}

// Entry is the base record for everything replicated through the log.
// Index is assigned at append and strictly increasing; Term is the
// leader's term when it was appended. The remaining fields are populated
// according to Type; irrelevant fields for a given variant are left zero.
type Entry struct {
	Index uint64
	Term  uint64
	Type  EntryType

	// Register, KeepAlive, Command, Query carry a leader-clock timestamp
	// (milliseconds since epoch) used for session expiry — never
	// wall-clock time on the follower applying it.
	Timestamp int64

	// Register only: identifies the connection that created the session.
	// The session id is the entry's own Index, never stored separately.
	ConnectionID string

	// KeepAlive, Command, Query: the session this entry addresses and the
	// client-assigned sequence number within that session. For KeepAlive,
	// Sequence is the command-sequence ack; EventAck is the separate
	// event-sequence ack (spec section 6's commandSequence/eventSequence
	// pair) — they advance two independent low-watermarks on the session.
	Session  uint64
	Sequence uint64
	EventAck uint64

	// Command, Query: opaque operation payload handed to the external
	// state machine unexamined.
	Payload []byte

	// Query only: the consistency level requested by the client.
	Consistency QueryConsistency

	// Configuration only: the full membership replacing whatever was
	// configured before.
	Active  []Member
	Passive []Member
}

// QueryConsistency selects how a Query may be served.
type QueryConsistency uint8

const (
	// ConsistencyLinearizable parks the query until the session's
	// command_version reaches the query's sequence, guaranteeing the
	// client observes its own prior writes.
	ConsistencyLinearizable QueryConsistency = iota
	// ConsistencySequential may be served from any index at or after the
	// query was recorded, without waiting for command_version to catch
	// up.
	ConsistencySequential
)

// Clone returns a deep-enough copy of the entry for safe handoff across a
// context boundary: Payload, Active and Passive are copied, so the clone
// shares no backing array with the original.
func (e *Entry) Clone() *Entry {
	cp := *e
	if e.Payload != nil {
		cp.Payload = append([]byte(nil), e.Payload...)
	}
	if e.Active != nil {
		cp.Active = append([]Member(nil), e.Active...)
	}
	if e.Passive != nil {
		cp.Passive = append([]Member(nil), e.Passive...)
	}
	return &cp
}
