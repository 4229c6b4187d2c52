// Package raftlog implements the replicated log: segmented on-disk storage,
// truncation, and the two-tier minor/major compaction scheduler described
// in spec section 4.A.
package raftlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cuemby/ravel/pkg/codec"
	"github.com/cuemby/ravel/pkg/raftpb"
	"github.com/cuemby/ravel/pkg/raverrors"
)

// Log is the append-only, segmented, compactable sequence of Entry
// records for one server. It is owned exclusively by the consensus
// context (spec section 3, Ownership): nothing outside server.Context may
// call it concurrently.
type Log struct {
	mu sync.RWMutex

	dir         string
	segmentSize uint32
	ser         codec.Serializer

	segments []*segment // ascending by first index; last is always active
	active   *segment

	lastApplied uint64
}

// Open opens (or creates) the segment directory under dataDir/log and
// rebuilds in-memory state by scanning every segment file, per spec
// section 6.
func Open(dataDir string, segmentSize uint32, ser codec.Serializer) (*Log, error) {
	if ser == nil {
		ser = codec.Default
	}
	dir := filepath.Join(dataDir, "log")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, raverrors.Wrap(raverrors.IoError, err)
	}
	l := &Log{dir: dir, segmentSize: segmentSize, ser: ser}

	files, err := filepath.Glob(filepath.Join(dir, "*.seg"))
	if err != nil {
		return nil, raverrors.Wrap(raverrors.IoError, err)
	}
	sort.Strings(files)
	for _, f := range files {
		seg, err := openSegment(f, ser)
		if err != nil {
			return nil, err
		}
		l.segments = append(l.segments, seg)
	}
	if len(l.segments) == 0 {
		seg, err := l.newSegment(1)
		if err != nil {
			return nil, err
		}
		l.segments = append(l.segments, seg)
	}
	l.active = l.segments[len(l.segments)-1]
	l.active.active = true
	return l, nil
}

func (l *Log) segmentPath(first uint64) string {
	return filepath.Join(l.dir, fmt.Sprintf("%020d.seg", first))
}

func (l *Log) newSegment(first uint64) (*segment, error) {
	return createSegment(l.segmentPath(first), first, l.segmentSize, nowMillis(), l.ser)
}

// FirstIndex returns the lowest index still tracked by the log (the first
// index of the oldest segment); a fresh, empty log reports 1.
func (l *Log) FirstIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.segments) == 0 {
		return 0
	}
	return l.segments[0].first
}

// LastIndex returns the highest index ever appended (not the highest
// still present — compaction deletes entries, not the tail).
func (l *Log) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndexLocked()
}

func (l *Log) lastIndexLocked() uint64 {
	if l.active == nil || len(l.active.order) == 0 {
		// the active segment may be empty right after a rotation; fall
		// back to the highest index of the previous segment.
		for i := len(l.segments) - 1; i >= 0; i-- {
			if len(l.segments[i].order) > 0 {
				return l.segments[i].order[len(l.segments[i].order)-1]
			}
		}
		return 0
	}
	return l.active.order[len(l.active.order)-1]
}

// Append assigns the next index to e, writes it into the active segment,
// and rotates to a fresh segment if capacity is exceeded. It returns the
// assigned index.
func (l *Log) Append(e *raftpb.Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.lastIndexLocked() + 1
	e.Index = next

	if l.active.count() >= int(l.segmentSize) {
		if err := l.rotateLocked(next); err != nil {
			return 0, err
		}
	}
	if err := l.active.append(e); err != nil {
		return 0, err
	}
	return next, nil
}

func (l *Log) rotateLocked(first uint64) error {
	l.active.active = false
	seg, err := l.newSegment(first)
	if err != nil {
		return err
	}
	l.segments = append(l.segments, seg)
	l.active = seg
	return nil
}

// Get returns the entry at index, or (nil, false) if it was never written
// or has since been compacted out.
func (l *Log) Get(index uint64) (*raftpb.Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seg := l.segmentForLocked(index)
	if seg == nil {
		return nil, false
	}
	return seg.get(index)
}

// Contains reports whether index falls within the log's overall bounds
// and was not discarded by compaction.
func (l *Log) Contains(index uint64) bool {
	_, ok := l.Get(index)
	return ok
}

func (l *Log) segmentForLocked(index uint64) *segment {
	// segments are ordered by first index; binary search for the segment
	// whose [first, bound] window contains index.
	i := sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].bound() >= index
	})
	if i >= len(l.segments) || l.segments[i].first > index {
		return nil
	}
	return l.segments[i]
}

// Term returns the term of the entry at index, or (0, false) if absent.
func (l *Log) Term(index uint64) (uint64, bool) {
	e, ok := l.Get(index)
	if !ok {
		return 0, false
	}
	return e.Term, true
}

// SetLastApplied records the highest index applied to the state machine;
// Truncate refuses to discard at or below this point.
func (l *Log) SetLastApplied(index uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index > l.lastApplied {
		l.lastApplied = index
	}
}

func (l *Log) LastApplied() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastApplied
}

// Truncate discards every entry with index > keep. It fails with
// IllegalState if keep < lastApplied (spec section 4.A). Only a Follower
// ever calls this, on a divergent suffix.
func (l *Log) Truncate(keep uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if keep < l.lastApplied {
		return raverrors.Wrapf(raverrors.IllegalState, "truncate(%d) below lastApplied(%d)", keep, l.lastApplied)
	}

	kept := l.segments[:0:0]
	for _, seg := range l.segments {
		switch {
		case seg.first > keep:
			if err := seg.removeFile(); err != nil {
				return raverrors.Wrap(raverrors.IoError, err)
			}
		case seg.bound() <= keep:
			kept = append(kept, seg)
		default:
			if err := seg.truncateAfter(keep); err != nil {
				return err
			}
			kept = append(kept, seg)
		}
	}
	l.segments = kept
	if len(l.segments) == 0 {
		seg, err := l.newSegment(keep + 1)
		if err != nil {
			return err
		}
		l.segments = append(l.segments, seg)
	}
	for _, seg := range l.segments {
		seg.active = false
	}
	l.active = l.segments[len(l.segments)-1]
	l.active.active = true
	return nil
}

// Close flushes and closes every segment file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	for _, seg := range l.segments {
		if err := seg.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Remove deletes the entire log directory on disk. Only valid once the
// owning server context is closed (spec section 4.E).
func Remove(dataDir string) error {
	return os.RemoveAll(filepath.Join(dataDir, "log"))
}
