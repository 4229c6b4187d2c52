package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ravel/pkg/raverrors"
)

func TestMemorySendReceive(t *testing.T) {
	net := NewNetwork()
	a := net.NewTransport("a")
	b := net.NewTransport("b")
	require.NoError(t, a.Listen("a"))
	require.NoError(t, b.Listen("b"))

	b.Register("ping", func(ctx context.Context, req []byte) ([]byte, error) {
		return append([]byte("pong:"), req...), nil
	})

	resp, err := a.Send(context.Background(), "b", "ping", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "pong:hi", string(resp))
}

func TestMemoryNoHandler(t *testing.T) {
	net := NewNetwork()
	a := net.NewTransport("a")
	b := net.NewTransport("b")
	require.NoError(t, a.Listen("a"))
	require.NoError(t, b.Listen("b"))

	_, err := a.Send(context.Background(), "b", "missing", nil)
	assert.Error(t, err)
}

func TestMemoryPartition(t *testing.T) {
	net := NewNetwork()
	a := net.NewTransport("a")
	b := net.NewTransport("b")
	require.NoError(t, a.Listen("a"))
	require.NoError(t, b.Listen("b"))
	b.Register("ping", func(ctx context.Context, req []byte) ([]byte, error) { return req, nil })

	net.Partition("a", "b")
	_, err := a.Send(context.Background(), "b", "ping", []byte("hi"))
	assert.ErrorIs(t, err, raverrors.ConnectionLost)

	net.Heal()
	resp, err := a.Send(context.Background(), "b", "ping", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(resp))
}

func TestDispatcherTypedCall(t *testing.T) {
	type Req struct{ N int }
	type Resp struct{ N int }

	net := NewNetwork()
	a := net.NewTransport("a")
	b := net.NewTransport("b")
	require.NoError(t, a.Listen("a"))
	require.NoError(t, b.Listen("b"))

	db := NewDispatcher(b, nil)
	On(db, "double", func(ctx context.Context, req *Req) (*Resp, error) {
		return &Resp{N: req.N * 2}, nil
	})

	da := NewDispatcher(a, nil)
	resp, err := Call[Req, Resp](context.Background(), da, "b", "double", &Req{N: 21})
	require.NoError(t, err)
	assert.Equal(t, 42, resp.N)
}
