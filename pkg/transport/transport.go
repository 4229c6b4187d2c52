// Package transport defines the narrow, connection-oriented
// request/response contract the consensus core depends on (spec section
// 1/6): send a request to an address under a named RPC topic, and listen
// for inbound requests under topics the current role has registered a
// handler for. The core never depends on a concrete transport; two
// implementations are provided — an in-memory one for deterministic tests
// (with partition-simulation hooks), and a grpc-backed one for real
// networked deployment.
package transport

import (
	"context"

	"github.com/cuemby/ravel/pkg/codec"
	"github.com/cuemby/ravel/pkg/raverrors"
)

// Handler processes one inbound request and returns the response bytes.
// Transport implementations never interpret the payload.
type Handler func(ctx context.Context, req []byte) ([]byte, error)

// Transport is the pluggable collaborator spec section 1 calls out as
// "deliberately out of scope": connection-oriented request/response plus
// server listen. Handlers are keyed by topic and are re-registered on
// every role transition (spec section 4, Shared resources) — Register
// always replaces whatever handler previously owned the topic.
type Transport interface {
	// Listen starts accepting connections on addr. Calling Listen twice
	// on the same Transport is an error.
	Listen(addr string) error

	// Register installs the handler for topic, replacing any previous
	// one.
	Register(topic string, h Handler)

	// Send delivers req to addr under topic and returns the peer's
	// response. Returns a transient raverrors error (ConnectionLost,
	// Timeout) on network failure.
	Send(ctx context.Context, addr, topic string, req []byte) ([]byte, error)

	// Close stops listening and releases any held connections.
	Close() error
}

// RPC topics, matching the RPC table in spec section 6.
const (
	TopicVote      = "Vote"
	TopicPoll      = "Poll"
	TopicAppend    = "Append"
	TopicSync      = "Sync"
	TopicRegister  = "Register"
	TopicKeepAlive = "KeepAlive"
	TopicJoin      = "Join"
	TopicLeave     = "Leave"
	TopicPromote   = "Promote"
	TopicDemote    = "Demote"
	TopicCommand   = "Command"
	TopicQuery     = "Query"
	TopicPublish   = "Publish"
)

// Dispatcher adapts a byte-oriented Transport to typed request/response
// RPCs using a codec.Serializer, so role handlers (spec section 4.D) work
// with raftpb structs instead of raw bytes.
type Dispatcher struct {
	t   Transport
	ser codec.Serializer
}

func NewDispatcher(t Transport, ser codec.Serializer) *Dispatcher {
	if ser == nil {
		ser = codec.Default
	}
	return &Dispatcher{t: t, ser: ser}
}

// On registers a typed handler for topic, decoding the request and
// encoding the response with the dispatcher's serializer.
func On[Req any, Resp any](d *Dispatcher, topic string, fn func(ctx context.Context, req *Req) (*Resp, error)) {
	d.t.Register(topic, func(ctx context.Context, raw []byte) ([]byte, error) {
		var req Req
		if err := d.ser.Unmarshal(raw, &req); err != nil {
			return nil, raverrors.Wrap(raverrors.IllegalArgument, err)
		}
		resp, err := fn(ctx, &req)
		if err != nil {
			return nil, err
		}
		return d.ser.Marshal(resp)
	})
}

// Call sends a typed request to addr under topic and decodes the typed
// response.
func Call[Req any, Resp any](ctx context.Context, d *Dispatcher, addr, topic string, req *Req) (*Resp, error) {
	raw, err := d.ser.Marshal(req)
	if err != nil {
		return nil, raverrors.Wrap(raverrors.IllegalArgument, err)
	}
	respRaw, err := d.t.Send(ctx, addr, topic, raw)
	if err != nil {
		return nil, err
	}
	var resp Resp
	if err := d.ser.Unmarshal(respRaw, &resp); err != nil {
		return nil, raverrors.Wrap(raverrors.IllegalArgument, err)
	}
	return &resp, nil
}
