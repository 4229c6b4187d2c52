package statemachine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ravel/pkg/codec"
)

func encodeOp(t *testing.T, op Op) []byte {
	t.Helper()
	data, err := codec.Default.Marshal(op)
	require.NoError(t, err)
	return data
}

func TestKVStateMachinePutGet(t *testing.T) {
	kv := NewKVStateMachine(nil)
	ctx := context.Background()

	_, err := kv.Apply(ctx, Commit{Index: 1, Operation: encodeOp(t, Op{Kind: OpPut, Key: "a", Value: []byte("1")})})
	require.NoError(t, err)

	v, err := kv.Apply(ctx, Commit{Index: 2, Operation: encodeOp(t, Op{Kind: OpGet, Key: "a"})})
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}

func TestKVStateMachineDelete(t *testing.T) {
	kv := NewKVStateMachine(nil)
	ctx := context.Background()

	_, _ = kv.Apply(ctx, Commit{Operation: encodeOp(t, Op{Kind: OpPut, Key: "a", Value: []byte("1")})})
	_, err := kv.Apply(ctx, Commit{Operation: encodeOp(t, Op{Kind: OpDelete, Key: "a"})})
	require.NoError(t, err)

	v, err := kv.Apply(ctx, Commit{Operation: encodeOp(t, Op{Kind: OpGet, Key: "a"})})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestKVStateMachineCAS(t *testing.T) {
	kv := NewKVStateMachine(nil)
	ctx := context.Background()

	_, _ = kv.Apply(ctx, Commit{Operation: encodeOp(t, Op{Kind: OpPut, Key: "a", Value: []byte("1")})})

	ok, err := kv.Apply(ctx, Commit{Operation: encodeOp(t, Op{Kind: OpCAS, Key: "a", Expect: []byte("wrong"), Value: []byte("2")})})
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, ok)

	ok, err = kv.Apply(ctx, Commit{Operation: encodeOp(t, Op{Kind: OpCAS, Key: "a", Expect: []byte("1"), Value: []byte("2")})})
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, ok)

	v, _ := kv.Apply(ctx, Commit{Operation: encodeOp(t, Op{Kind: OpGet, Key: "a"})})
	assert.Equal(t, []byte("2"), v)
}

func TestKVStateMachineFilterAlwaysKeeps(t *testing.T) {
	kv := NewKVStateMachine(nil)
	keep, err := kv.Filter(context.Background(), Commit{Index: 5}, CompactionContext{Kind: CompactionMajor})
	require.NoError(t, err)
	assert.True(t, keep)
}

func TestKVStateMachineSessionLifecycle(t *testing.T) {
	kv := NewKVStateMachine(nil)
	ctx := context.Background()
	require.NoError(t, kv.Register(ctx, 1, "conn-a", 1000))
	require.NoError(t, kv.Expire(ctx, 1))
	require.NoError(t, kv.Close(ctx, 1))
}
