package raftlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ravel/pkg/codec"
	"github.com/cuemby/ravel/pkg/raftpb"
)

type fixedWatermarks uint64

func (w fixedWatermarks) MinorIndex() uint64 { return uint64(w) }
func (w fixedWatermarks) MajorIndex() uint64 { return uint64(w) }

const (
	minimalInterval = 5 * time.Millisecond
	twoSeconds      = 2 * time.Second
	tenMillis       = 10 * time.Millisecond
)

func appendEntry(t *testing.T, l *Log, e *raftpb.Entry) uint64 {
	t.Helper()
	idx, err := l.Append(e)
	require.NoError(t, err)
	return idx
}

func alwaysKeep(context.Context, *raftpb.Entry, FilterContext) (bool, error) {
	return true, nil
}

func TestCompactRangeDiscardsSuperseededRegisterAndKeepAlive(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 2, codec.Default)
	require.NoError(t, err)
	defer l.Close()

	regIdx := appendEntry(t, l, &raftpb.Entry{Type: raftpb.EntryRegister, ConnectionID: "c1"})
	kaIdx := appendEntry(t, l, &raftpb.Entry{Type: raftpb.EntryKeepAlive, Session: regIdx, Sequence: 1})
	// force a segment rotation (segmentSize=2) so the above land in a sealed segment
	appendEntry(t, l, &raftpb.Entry{Type: raftpb.EntryNoOp})
	appendEntry(t, l, &raftpb.Entry{Type: raftpb.EntryNoOp})

	l.SetLastApplied(l.LastIndex())

	fctx := FilterContext{
		LastApplied:         l.LastApplied(),
		SessionExists:       func(uint64) bool { return false },
		SessionCurrentIndex: func(uint64) (uint64, bool) { return 0, false },
	}
	n, err := l.CompactRange(context.Background(), l.LastApplied(), CompactionMinor, fctx, alwaysKeep)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 2)

	_, ok := l.Get(regIdx)
	require.False(t, ok)
	_, ok = l.Get(kaIdx)
	require.False(t, ok)
}

func TestCompactRangeKeepsLiveSessionEntries(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 2, codec.Default)
	require.NoError(t, err)
	defer l.Close()

	regIdx := appendEntry(t, l, &raftpb.Entry{Type: raftpb.EntryRegister, ConnectionID: "c1"})
	appendEntry(t, l, &raftpb.Entry{Type: raftpb.EntryNoOp})
	appendEntry(t, l, &raftpb.Entry{Type: raftpb.EntryNoOp})

	l.SetLastApplied(l.LastIndex())

	fctx := FilterContext{
		LastApplied:         l.LastApplied(),
		SessionExists:       func(idx uint64) bool { return idx == regIdx },
		SessionCurrentIndex: func(uint64) (uint64, bool) { return 0, false },
	}
	_, err = l.CompactRange(context.Background(), l.LastApplied(), CompactionMinor, fctx, alwaysKeep)
	require.NoError(t, err)

	_, ok := l.Get(regIdx)
	require.True(t, ok, "live session's register entry must survive compaction")
}

func TestCompactRangeNeverTouchesActiveSegment(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 1024, codec.Default)
	require.NoError(t, err)
	defer l.Close()

	regIdx := appendEntry(t, l, &raftpb.Entry{Type: raftpb.EntryRegister, ConnectionID: "c1"})
	l.SetLastApplied(l.LastIndex())

	fctx := FilterContext{
		LastApplied:         l.LastApplied(),
		SessionExists:       func(uint64) bool { return false },
		SessionCurrentIndex: func(uint64) (uint64, bool) { return 0, false },
	}
	n, err := l.CompactRange(context.Background(), l.LastApplied(), CompactionMinor, fctx, alwaysKeep)
	require.NoError(t, err)
	require.Equal(t, 0, n, "the only segment is still active, so nothing should be dropped")

	_, ok := l.Get(regIdx)
	require.True(t, ok)
}

func TestCompactorRunsMinorPassOnTicker(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, 2, codec.Default)
	require.NoError(t, err)
	defer l.Close()

	regIdx := appendEntry(t, l, &raftpb.Entry{Type: raftpb.EntryRegister, ConnectionID: "c1"})
	appendEntry(t, l, &raftpb.Entry{Type: raftpb.EntryNoOp})
	appendEntry(t, l, &raftpb.Entry{Type: raftpb.EntryNoOp})
	l.SetLastApplied(l.LastIndex())

	marks := fixedWatermarks(l.LastApplied())
	fctx := func(kind CompactionKind) FilterContext {
		return FilterContext{
			Kind:                kind,
			LastApplied:         l.LastApplied(),
			SessionExists:       func(uint64) bool { return false },
			SessionCurrentIndex: func(uint64) (uint64, bool) { return 0, false },
		}
	}

	c := NewCompactor(l, marks, minimalInterval, minimalInterval, fctx, alwaysKeep)
	c.Start()
	defer c.Stop()

	require.Eventually(t, func() bool {
		_, ok := l.Get(regIdx)
		return !ok
	}, twoSeconds, tenMillis)
}
