// Package session implements the session table (spec section 4.B):
// at-most-once command application, sequenced event delivery with
// client-side dedup, and leader-clock-driven expiry.
package session

import (
	"sort"
	"sync"

	"github.com/cuemby/ravel/pkg/raverrors"
)

// State is a session's lifecycle state.
type State uint8

const (
	Open State = iota
	Closed
	Expired
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case Closed:
		return "CLOSED"
	case Expired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

type pendingQuery struct {
	version uint64
	fn      func()
}

// Session is keyed by the index of its Register entry (spec section 3).
type Session struct {
	mu sync.Mutex

	ID           uint64
	ConnectionID string
	Index        uint64 // last log index that touched this session
	Timestamp    int64  // last observed leader clock
	State        State

	CommandVersion  uint64
	CommandLowWater uint64
	EventVersion    uint64
	EventLowWater   uint64

	responses map[uint64][]byte
	events    map[uint64][]byte
	queries   []pendingQuery
}

// Table maintains sessions keyed by id and an index from connection id to
// the sessions it owns.
type Table struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	byConn   map[string]map[uint64]struct{}
}

func NewTable() *Table {
	return &Table{
		sessions: make(map[uint64]*Session),
		byConn:   make(map[string]map[uint64]struct{}),
	}
}

// Register creates a session whose id is the Register entry's own log
// index.
func (t *Table) Register(index uint64, connectionID string, timestamp int64) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &Session{
		ID:           index,
		ConnectionID: connectionID,
		Index:        index,
		Timestamp:    timestamp,
		State:        Open,
		responses:    make(map[uint64][]byte),
		events:       make(map[uint64][]byte),
	}
	t.sessions[index] = s
	if t.byConn[connectionID] == nil {
		t.byConn[connectionID] = make(map[uint64]struct{})
	}
	t.byConn[connectionID][index] = struct{}{}
	return s
}

// Get returns the session for id.
func (t *Table) Get(id uint64) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

// Exists reports whether a session keyed by id is still tracked, for the
// compaction Register filter predicate (spec section 4.A).
func (t *Table) Exists(id uint64) bool {
	_, ok := t.Get(id)
	return ok
}

// CurrentIndex returns the session's recorded Index field, for the
// compaction KeepAlive filter predicate.
func (t *Table) CurrentIndex(id uint64) (uint64, bool) {
	s, ok := t.Get(id)
	if !ok {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Index, true
}

// State returns the session's current lifecycle state, for a caller that
// needs to observe Open/Expired/Closed without racing the session's own
// mutex (Session.State is not safe to read directly from outside).
func (t *Table) State(id uint64) (State, bool) {
	s, ok := t.Get(id)
	if !ok {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State, true
}

// OpenCount returns the number of sessions currently in the Open state,
// for metrics.Sources.SessionsOpen.
func (t *Table) OpenCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, s := range t.sessions {
		s.mu.Lock()
		if s.State == Open {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// ForConnection returns every session id registered for connectionID and
// not yet closed; expired sessions stay listed.
func (t *Table) ForConnection(connectionID string) []uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]uint64, 0, len(t.byConn[connectionID]))
	for id := range t.byConn[connectionID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// KeepAlive advances the session's low-watermarks and refreshes its
// timestamp (spec section 4.B). index is the log index of the KeepAlive
// entry itself.
func (t *Table) KeepAlive(id uint64, index uint64, commandAck, eventAck uint64, timestamp int64) error {
	s, ok := t.Get(id)
	if !ok {
		return raverrors.UnknownSessionError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != Open {
		return raverrors.SessionExpiredError
	}
	s.Index = index
	s.Timestamp = timestamp
	if commandAck > s.CommandLowWater {
		s.CommandLowWater = commandAck
		for seq := range s.responses {
			if seq <= commandAck {
				delete(s.responses, seq)
			}
		}
	}
	if eventAck > s.EventLowWater {
		s.EventLowWater = eventAck
		for seq := range s.events {
			if seq <= eventAck {
				delete(s.events, seq)
			}
		}
	}
	return nil
}

// Expire marks a session EXPIRED. The caller is responsible for invoking
// the external state machine's Expire hook.
func (t *Table) Expire(id uint64) error {
	s, ok := t.Get(id)
	if !ok {
		return raverrors.UnknownSessionError
	}
	s.mu.Lock()
	s.State = Expired
	queries := s.queries
	s.queries = nil
	s.mu.Unlock()
	for _, q := range queries {
		q.fn()
	}
	return nil
}

// Close marks a session CLOSED and removes it from the connection index;
// it is still retrievable by id until compaction discards its Register
// entry.
func (t *Table) Close(id uint64) error {
	s, ok := t.Get(id)
	if !ok {
		return raverrors.UnknownSessionError
	}
	s.mu.Lock()
	s.State = Closed
	connID := s.ConnectionID
	s.mu.Unlock()

	t.mu.Lock()
	if conns := t.byConn[connID]; conns != nil {
		delete(conns, id)
		if len(conns) == 0 {
			delete(t.byConn, connID)
		}
	}
	t.mu.Unlock()
	return nil
}

// Remove deletes a session from the table entirely. Called once its
// Register entry has been compacted out, so SessionExists stays
// consistent with on-disk state.
func (t *Table) Remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

// ExpireTimedOut scans every OPEN session and expires those whose
// nowInLog - Timestamp exceeds timeout (spec section 4.B: driven by the
// leader clock, never wall-clock). Returns the ids that were newly
// expired so the caller can invoke the state machine's Expire hook.
func (t *Table) ExpireTimedOut(nowInLog int64, timeout int64) []uint64 {
	t.mu.RLock()
	var candidates []*Session
	for _, s := range t.sessions {
		candidates = append(candidates, s)
	}
	t.mu.RUnlock()

	var expired []uint64
	for _, s := range candidates {
		s.mu.Lock()
		timedOut := s.State == Open && nowInLog-s.Timestamp > timeout
		s.mu.Unlock()
		if timedOut {
			if err := t.Expire(s.ID); err == nil {
				expired = append(expired, s.ID)
			}
		}
	}
	return expired
}

// ApplyCommand implements at-most-once application (spec section 4.B): if
// sequence was already applied, the cached response is returned without
// calling apply again. Otherwise apply runs, its result is cached, and any
// queries registered at this sequence fire.
func (t *Table) ApplyCommand(id uint64, index uint64, sequence uint64, apply func() ([]byte, error)) ([]byte, error) {
	s, ok := t.Get(id)
	if !ok {
		return nil, raverrors.UnknownSessionError
	}
	s.mu.Lock()
	if s.State != Open {
		s.mu.Unlock()
		return nil, raverrors.SessionExpiredError
	}
	if sequence <= s.CommandVersion {
		if cached, ok := s.responses[sequence]; ok {
			s.mu.Unlock()
			return cached, nil
		}
	}
	s.mu.Unlock()

	result, err := apply()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.responses[sequence] = result
	s.Index = index
	if sequence > s.CommandVersion {
		s.CommandVersion = sequence
	}
	var ready []pendingQuery
	var remaining []pendingQuery
	for _, q := range s.queries {
		if q.version <= s.CommandVersion {
			ready = append(ready, q)
		} else {
			remaining = append(remaining, q)
		}
	}
	s.queries = remaining
	s.mu.Unlock()

	for _, q := range ready {
		q.fn()
	}
	return result, nil
}

// Response returns the cached result of a previously applied command
// sequence, for a handler that needs to return the same bytes ApplyCommand
// produced (or replayed) without re-running it.
func (t *Table) Response(id uint64, sequence uint64) ([]byte, bool) {
	s, ok := t.Get(id)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.responses[sequence]
	return result, ok
}

// AwaitCommandVersion runs fn once CommandVersion reaches version — either
// immediately (if already satisfied) or queued for the next ApplyCommand
// that reaches it. It implements the "queries at version v run iff
// command_version >= v" invariant (spec section 3).
func (t *Table) AwaitCommandVersion(id uint64, version uint64, fn func()) error {
	s, ok := t.Get(id)
	if !ok {
		return raverrors.UnknownSessionError
	}
	s.mu.Lock()
	if s.State != Open {
		s.mu.Unlock()
		return raverrors.SessionExpiredError
	}
	if s.CommandVersion >= version {
		s.mu.Unlock()
		fn()
		return nil
	}
	s.queries = append(s.queries, pendingQuery{version: version, fn: fn})
	s.mu.Unlock()
	return nil
}

// Publish assigns the next event sequence, buffers the payload, and
// returns it for the caller to push to the session's connection (spec
// section 4.B, Event delivery).
func (t *Table) Publish(id uint64, payload []byte) (uint64, error) {
	s, ok := t.Get(id)
	if !ok {
		return 0, raverrors.UnknownSessionError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State != Open {
		return 0, raverrors.SessionExpiredError
	}
	s.EventVersion++
	seq := s.EventVersion
	s.events[seq] = payload
	return seq, nil
}

// AckEvents drops buffered events at or below ack and advances
// EventLowWater.
func (t *Table) AckEvents(id uint64, ack uint64) error {
	s, ok := t.Get(id)
	if !ok {
		return raverrors.UnknownSessionError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ack > s.EventLowWater {
		s.EventLowWater = ack
	}
	for seq := range s.events {
		if seq <= ack {
			delete(s.events, seq)
		}
	}
	return nil
}

// EventRecord is one buffered event awaiting acknowledgment.
type EventRecord struct {
	Sequence uint64
	Payload  []byte
}

// Resend returns every buffered event with sequence in (ack, EventVersion]
// in order, for at-least-once redelivery after a failure response
// indicating missed events.
func (t *Table) Resend(id uint64, ack uint64) ([]EventRecord, error) {
	s, ok := t.Get(id)
	if !ok {
		return nil, raverrors.UnknownSessionError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EventRecord
	for seq, payload := range s.events {
		if seq > ack {
			out = append(out, EventRecord{Sequence: seq, Payload: payload})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}
