package statemachine

import (
	"bytes"
	"context"
	"sync"

	"github.com/cuemby/ravel/pkg/codec"
	"github.com/cuemby/ravel/pkg/log"
	"github.com/cuemby/ravel/pkg/raverrors"
)

// OpKind enumerates the operations KVStateMachine understands.
type OpKind uint8

const (
	OpPut OpKind = iota
	OpGet
	OpDelete
	OpCAS
)

// Op is the wire shape of a KVStateMachine command, encoded into
// Commit.Operation by the caller (typically ravelclient) with the same
// Serializer the core uses elsewhere.
type Op struct {
	Kind   OpKind
	Key    string
	Value  []byte
	Expect []byte // for OpCAS: the value the key must currently hold
}

// KVStateMachine is the reference StateMachine: an in-memory
// map[string][]byte supporting PUT, GET, DELETE, and CAS. It keeps no
// domain-level garbage-collection state, so Filter always keeps Command
// entries — a real application would use Filter to drop superseded
// writes once compacted state reflects them.
type KVStateMachine struct {
	mu   sync.RWMutex
	data map[string][]byte
	ser  codec.Serializer

	sessions map[uint64]string // session -> connection id, for logging only
}

func NewKVStateMachine(ser codec.Serializer) *KVStateMachine {
	if ser == nil {
		ser = codec.Default
	}
	return &KVStateMachine{
		data:     make(map[string][]byte),
		ser:      ser,
		sessions: make(map[uint64]string),
	}
}

func (kv *KVStateMachine) Apply(_ context.Context, commit Commit) ([]byte, error) {
	var op Op
	if err := kv.ser.Unmarshal(commit.Operation, &op); err != nil {
		return nil, raverrors.Wrap(raverrors.IllegalArgument, err)
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	switch op.Kind {
	case OpPut:
		kv.data[op.Key] = op.Value
		return nil, nil
	case OpGet:
		v, ok := kv.data[op.Key]
		if !ok {
			return nil, nil
		}
		return v, nil
	case OpDelete:
		delete(kv.data, op.Key)
		return nil, nil
	case OpCAS:
		cur, exists := kv.data[op.Key]
		if !exists && op.Expect != nil {
			return []byte{0}, nil
		}
		if exists && !bytes.Equal(cur, op.Expect) {
			return []byte{0}, nil
		}
		kv.data[op.Key] = op.Value
		return []byte{1}, nil
	default:
		return nil, raverrors.Wrapf(raverrors.IllegalArgument, "unknown op kind %d", op.Kind)
	}
}

// Filter always keeps Command entries: this reference store has no
// domain-level GC, so compaction only ever discards what the core's own
// built-in predicates already cover (Register/KeepAlive/Configuration/NoOp).
func (kv *KVStateMachine) Filter(_ context.Context, _ Commit, _ CompactionContext) (bool, error) {
	return true, nil
}

func (kv *KVStateMachine) Register(_ context.Context, session uint64, connectionID string, _ int64) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.sessions[session] = connectionID
	log.WithSession(session).Debug().Str("connection_id", connectionID).Msg("session registered")
	return nil
}

func (kv *KVStateMachine) Expire(_ context.Context, session uint64) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.sessions, session)
	log.WithSession(session).Info().Msg("session expired")
	return nil
}

func (kv *KVStateMachine) Close(_ context.Context, session uint64) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.sessions, session)
	log.WithSession(session).Debug().Msg("session closed")
	return nil
}
