package raftpb

// RPC request/response bodies, per spec section 6. Every request carries
// Term and the sender's id via the embedded RPCHeader; every response
// carries the responder's current Term so the caller can step down.

type RPCHeader struct {
	Term   uint64
	Sender string
}

// VoteRequest is used for both Vote (real) and Poll (pre-vote) RPCs; the
// role layer decides which semantics apply based on which handler it came
// through.
type VoteRequest struct {
	RPCHeader
	Candidate    string
	LastLogIndex uint64
	LastLogTerm  uint64
}

type VoteResponse struct {
	Term        uint64
	VoteGranted bool
}

type PollResponse struct {
	Term     uint64
	Accepted bool
}

// AppendRequest carries a batch of entries from leader to follower, or from
// leader/active peer to a passive member when used as a Sync request.
type AppendRequest struct {
	RPCHeader
	Leader       string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []*Entry
	CommitIndex  uint64
	GlobalIndex  uint64
}

type AppendResponse struct {
	Term      uint64
	Succeeded bool
	// LogIndex is the follower's own last log index: on success, after
	// appending; on a failed prevIndex check (missing entry or term
	// mismatch alike), as a nextIndex hint so the leader can skip the
	// per-term binary search. A failed truncation reports lastApplied.
	LogIndex uint64
}

type RegisterRequest struct {
	RPCHeader
	ConnectionID string
	Timeout      int64 // milliseconds, informational only
}

type RegisterResponse struct {
	Status    Status
	Error     string
	SessionID uint64
	Leader    string
	Active    []Member
	Passive   []Member
}

type KeepAliveRequest struct {
	RPCHeader
	Session         uint64
	CommandSequence uint64
	EventSequence   uint64
}

type KeepAliveResponse struct {
	Status  Status
	Error   string
	Leader  string
	Active  []Member
	Passive []Member
}

// MembershipRequest serves Join, Leave, Promote, and Demote — all four
// carry the same fields; the RPC name on the wire selects the handler.
type MembershipRequest struct {
	RPCHeader
	Member Member
}

type MembershipResponse struct {
	Status  Status
	Error   string
	Version uint64
	Active  []Member
	Passive []Member
}

type CommandRequest struct {
	RPCHeader
	Session   uint64
	Sequence  uint64
	Operation []byte
}

type CommandResponse struct {
	Status Status
	Error  string
	Index  uint64
	Result []byte
}

type QueryRequest struct {
	RPCHeader
	Session     uint64
	Sequence    uint64
	Operation   []byte
	Consistency QueryConsistency
}

type QueryResponse struct {
	Status Status
	Error  string
	Index  uint64
	Result []byte
}

// PublishRequest is pushed server (leader) -> client to deliver an event
// buffered by the client's session.
type PublishRequest struct {
	Session       uint64
	EventSequence uint64
	Message       []byte
}

type PublishResponse struct {
	Status Status
	// Ack is the highest event sequence the client has durably received;
	// on StatusMissed it is the last sequence received in order, letting
	// the session resend events[Ack+1 .. event_version] in order.
	Ack uint64
}

// Status is the coarse outcome of a client-facing RPC.
type Status uint8

const (
	StatusOK Status = iota
	StatusError
	StatusMissed
)
