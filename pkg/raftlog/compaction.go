package raftlog

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/ravel/pkg/log"
	"github.com/cuemby/ravel/pkg/raftpb"
)

// CompactionKind selects which watermark and filter rules a pass uses.
type CompactionKind int

const (
	CompactionMinor CompactionKind = iota
	CompactionMajor
)

func (k CompactionKind) String() string {
	if k == CompactionMinor {
		return "minor"
	}
	return "major"
}

// FilterContext is handed to every predicate (built-in and external) so it
// can decide whether to keep an entry, per spec section 4.A's filter
// table.
type FilterContext struct {
	Kind           CompactionKind
	LastApplied    uint64
	ClusterVersion uint64

	// SessionExists reports whether a session keyed by this log index
	// (the Register entry's own index) still exists in the session
	// table.
	SessionExists func(sessionIndex uint64) bool

	// SessionCurrentIndex returns the session's recorded "index" field
	// (the last log index that touched it); ok is false if the session
	// is gone.
	SessionCurrentIndex func(session uint64) (index uint64, ok bool)
}

// CommandFilter delegates the keep/discard decision for Command entries to
// the external state machine (spec section 6, StateMachine.Filter).
type CommandFilter func(ctx context.Context, entry *raftpb.Entry, fctx FilterContext) (keep bool, err error)

// builtinFilter implements the filter table for every entry type except
// Command, which the caller must delegate via CommandFilter.
func builtinFilter(e *raftpb.Entry, fctx FilterContext) (handled, keep bool) {
	switch e.Type {
	case raftpb.EntryRegister:
		return true, fctx.SessionExists(e.Index)
	case raftpb.EntryKeepAlive:
		idx, ok := fctx.SessionCurrentIndex(e.Session)
		return true, ok && idx == e.Index
	case raftpb.EntryConfiguration:
		return true, e.Index >= fctx.ClusterVersion || e.Index >= fctx.LastApplied
	case raftpb.EntryNoOp:
		return true, fctx.Kind == CompactionMinor
	default:
		return false, false
	}
}

// CompactRange runs one compaction pass over every sealed segment whose
// entire original index range is <= watermark, per spec section 4.A. It
// never touches the active segment. Returns the number of entries
// discarded.
func (l *Log) CompactRange(ctx context.Context, watermark uint64, kind CompactionKind, fctx FilterContext, cmdFilter CommandFilter) (int, error) {
	fctx.Kind = kind

	l.mu.Lock()
	defer l.mu.Unlock()

	discarded := 0
	for _, seg := range l.segments {
		if seg.active || seg.bound() > watermark {
			continue
		}
		toDrop := make(map[uint64]struct{})
		for _, idx := range seg.sortedIndices() {
			e := seg.entries[idx]
			handled, keep := builtinFilter(e, fctx)
			if !handled {
				var err error
				keep, err = cmdFilter(ctx, e, fctx)
				if err != nil {
					return discarded, err
				}
			}
			if !keep {
				toDrop[idx] = struct{}{}
			}
		}
		if len(toDrop) == 0 {
			continue
		}
		seg.deleteIndices(toDrop)
		if err := seg.rewrite(); err != nil {
			return discarded, err
		}
		discarded += len(toDrop)
	}
	return discarded, nil
}

// Watermarks supplies the highest index each tier may reach: MinorIndex
// bounds minor passes and MajorIndex bounds major passes. The Compactor
// reads them afresh before every pass; server.Context supplies lastApplied
// for minor passes and the global replicated index, capped at lastApplied,
// for major passes.
type Watermarks interface {
	MinorIndex() uint64
	MajorIndex() uint64
}

// Compactor drives the two-tier background compaction scheduler described
// in spec section 4.A: a single goroutine alternates minor and major
// passes on independent tickers, never running more than one pass at a
// time.
type Compactor struct {
	log   *Log
	marks Watermarks

	minorInterval time.Duration
	majorInterval time.Duration

	fctx      func(CompactionKind) FilterContext
	cmdFilter CommandFilter

	mu      sync.Mutex
	running bool

	stop chan struct{}
	done chan struct{}
}

func NewCompactor(l *Log, marks Watermarks, minorInterval, majorInterval time.Duration, fctx func(CompactionKind) FilterContext, cmdFilter CommandFilter) *Compactor {
	return &Compactor{
		log: l, marks: marks,
		minorInterval: minorInterval, majorInterval: majorInterval,
		fctx: fctx, cmdFilter: cmdFilter,
		stop: make(chan struct{}), done: make(chan struct{}),
	}
}

// Start begins the background scheduler. Call Stop to shut it down.
func (c *Compactor) Start() {
	go c.run()
}

func (c *Compactor) run() {
	defer close(c.done)
	minorTicker := time.NewTicker(c.minorInterval)
	majorTicker := time.NewTicker(c.majorInterval)
	defer minorTicker.Stop()
	defer majorTicker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-minorTicker.C:
			c.runPass(CompactionMinor, c.marks.MinorIndex())
		case <-majorTicker.C:
			c.runPass(CompactionMajor, c.marks.MajorIndex())
		}
	}
}

func (c *Compactor) runPass(kind CompactionKind, watermark uint64) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	n, err := c.log.CompactRange(context.Background(), watermark, kind, c.fctx(kind), c.cmdFilter)
	logger := log.WithComponent("compaction")
	if err != nil {
		logger.Error().Err(err).Str("kind", kind.String()).Msg("compaction pass failed")
		return
	}
	if n > 0 {
		logger.Info().Str("kind", kind.String()).Uint64("watermark", watermark).Int("discarded", n).Msg("compaction pass complete")
	}
}

// Stop terminates the scheduler and waits for the in-flight pass, if any,
// to finish.
func (c *Compactor) Stop() {
	close(c.stop)
	<-c.done
}
