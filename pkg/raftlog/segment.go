package raftlog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/cuemby/ravel/pkg/codec"
	"github.com/cuemby/ravel/pkg/raftpb"
	"github.com/cuemby/ravel/pkg/raverrors"
)

// segmentHeaderSize is the on-disk size of the fixed segment header:
// firstIndex (u64) | maxEntries (u32) | createdAt (i64).
const segmentHeaderSize = 8 + 4 + 8

// entryBody carries every Entry field except Index/Term/Type, which are
// written into the fixed part of each record so compaction and the offset
// index never have to deserialize the body just to make a keep/discard or
// lookup decision.
type entryBody struct {
	Timestamp    int64
	ConnectionID string
	Session      uint64
	Sequence     uint64
	EventAck     uint64
	Payload      []byte
	Consistency  raftpb.QueryConsistency
	Active       []raftpb.Member
	Passive      []raftpb.Member
}

// segment is one fixed-capacity slice of the log, backed by one file.
// FirstIndex and capacity are immutable for the segment's lifetime (even
// across a compaction rewrite, which preserves them so compaction
// scheduling can keep reasoning about "this segment's original range" —
// see Log.CompactRange's use of bound): only membership of the in-memory
// and on-disk entry set shrinks as entries are discarded.
type segment struct {
	path     string
	first    uint64
	capacity uint32
	created  int64

	file   *os.File
	ser    codec.Serializer
	active bool // true only for the single segment currently being appended to

	entries map[uint64]*raftpb.Entry
	order   []uint64 // indices in ascending append order; may contain holes (checked via entries map)
}

// bound is the last index ever assignable to this segment's original
// capacity window, used for compaction range checks regardless of holes.
func (s *segment) bound() uint64 {
	return s.first + uint64(s.capacity) - 1
}

func createSegment(path string, first uint64, capacity uint32, createdAt int64, ser codec.Serializer) (*segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, raverrors.Wrap(raverrors.IoError, err)
	}
	s := &segment{
		path: path, first: first, capacity: capacity, created: createdAt,
		file: f, ser: ser, active: true,
		entries: make(map[uint64]*raftpb.Entry),
	}
	if err := s.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *segment) writeHeader() error {
	var hdr [segmentHeaderSize]byte
	binary.BigEndian.PutUint64(hdr[0:8], s.first)
	binary.BigEndian.PutUint32(hdr[8:12], s.capacity)
	binary.BigEndian.PutUint64(hdr[12:20], uint64(s.created))
	if _, err := s.file.WriteAt(hdr[:], 0); err != nil {
		return raverrors.Wrap(raverrors.IoError, err)
	}
	return nil
}

// openSegment reopens an existing segment file, rebuilding the in-memory
// entry map by a full scan, per spec section 6 ("an in-memory offset
// index is rebuilt on open by scan").
func openSegment(path string, ser codec.Serializer) (*segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, raverrors.Wrap(raverrors.IoError, err)
	}
	var hdr [segmentHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		f.Close()
		return nil, raverrors.Wrap(raverrors.LogCorruption, err)
	}
	s := &segment{
		path:     path,
		first:    binary.BigEndian.Uint64(hdr[0:8]),
		capacity: binary.BigEndian.Uint32(hdr[8:12]),
		created:  int64(binary.BigEndian.Uint64(hdr[12:20])),
		file:     f,
		ser:      ser,
		entries:  make(map[uint64]*raftpb.Entry),
	}
	if err := s.scan(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// scan reads every record from the current file offset (just past the
// header) to EOF, populating entries/order. A short trailing record (the
// process crashed mid-write) is treated as the true end of the segment,
// not corruption.
func (s *segment) scan() error {
	if _, err := s.file.Seek(segmentHeaderSize, io.SeekStart); err != nil {
		return raverrors.Wrap(raverrors.IoError, err)
	}
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(s.file, lenBuf[:]); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				break
			}
			return raverrors.Wrap(raverrors.LogCorruption, err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		rec := make([]byte, n)
		if _, err := io.ReadFull(s.file, rec); err != nil {
			break // truncated trailing record from a crash mid-append
		}
		e, err := decodeRecord(rec, s.ser)
		if err != nil {
			return raverrors.Wrap(raverrors.LogCorruption, err)
		}
		s.entries[e.Index] = e
		s.order = append(s.order, e.Index)
	}
	return nil
}

func encodeRecord(e *raftpb.Entry, ser codec.Serializer) ([]byte, error) {
	body := entryBody{
		Timestamp: e.Timestamp, ConnectionID: e.ConnectionID,
		Session: e.Session, Sequence: e.Sequence, EventAck: e.EventAck,
		Payload:     e.Payload,
		Consistency: e.Consistency, Active: e.Active, Passive: e.Passive,
	}
	payload, err := ser.Marshal(body)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 8+8+2+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], e.Index)
	binary.BigEndian.PutUint64(buf[8:16], e.Term)
	binary.BigEndian.PutUint16(buf[16:18], uint16(e.Type))
	copy(buf[18:], payload)
	return buf, nil
}

func decodeRecord(rec []byte, ser codec.Serializer) (*raftpb.Entry, error) {
	if len(rec) < 18 {
		return nil, fmt.Errorf("raftlog: short record (%d bytes)", len(rec))
	}
	e := &raftpb.Entry{
		Index: binary.BigEndian.Uint64(rec[0:8]),
		Term:  binary.BigEndian.Uint64(rec[8:16]),
		Type:  raftpb.EntryType(binary.BigEndian.Uint16(rec[16:18])),
	}
	var body entryBody
	if err := ser.Unmarshal(rec[18:], &body); err != nil {
		return nil, err
	}
	e.Timestamp = body.Timestamp
	e.ConnectionID = body.ConnectionID
	e.Session = body.Session
	e.Sequence = body.Sequence
	e.EventAck = body.EventAck
	e.Payload = body.Payload
	e.Consistency = body.Consistency
	e.Active = body.Active
	e.Passive = body.Passive
	return e, nil
}

// append writes e at the end of the file and records it in memory. The
// caller (Log.Append) is responsible for ensuring e.Index is the next
// expected index and that the segment has spare capacity.
func (s *segment) append(e *raftpb.Entry) error {
	rec, err := encodeRecord(e, s.ser)
	if err != nil {
		return raverrors.Wrap(raverrors.IoError, err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(rec)))
	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return raverrors.Wrap(raverrors.IoError, err)
	}
	if _, err := s.file.Write(lenBuf[:]); err != nil {
		return raverrors.Wrap(raverrors.IoError, err)
	}
	if _, err := s.file.Write(rec); err != nil {
		return raverrors.Wrap(raverrors.IoError, err)
	}
	if err := s.file.Sync(); err != nil {
		return raverrors.Wrap(raverrors.IoError, err)
	}
	s.entries[e.Index] = e
	s.order = append(s.order, e.Index)
	return nil
}

func (s *segment) get(index uint64) (*raftpb.Entry, bool) {
	e, ok := s.entries[index]
	return e, ok
}

func (s *segment) count() int { return len(s.entries) }

// truncateAfter drops every in-memory entry with index > keep and rewrites
// the file to match, used by Follower log truncation of a divergent
// suffix. Log.Truncate calls this on the one segment that straddles the
// truncation point and deletes every later segment outright, so the
// truncated segment becomes the active one.
func (s *segment) truncateAfter(keep uint64) error {
	newOrder := s.order[:0:0]
	for _, idx := range s.order {
		if idx <= keep {
			newOrder = append(newOrder, idx)
		} else {
			delete(s.entries, idx)
		}
	}
	s.order = newOrder
	return s.rewrite()
}

// deleteIndices removes the given indices from memory (used by compaction
// filtering) without touching the file; callers rewrite the whole segment
// file in place afterward via rewrite.
func (s *segment) deleteIndices(indices map[uint64]struct{}) {
	newOrder := s.order[:0:0]
	for _, idx := range s.order {
		if _, gone := indices[idx]; gone {
			delete(s.entries, idx)
			continue
		}
		newOrder = append(newOrder, idx)
	}
	s.order = newOrder
}

// sortedIndices returns the live indices in ascending order.
func (s *segment) sortedIndices() []uint64 {
	out := make([]uint64, 0, len(s.entries))
	for idx := range s.entries {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// rewrite truncates the file and re-writes header + all live entries in
// index order, used after truncateAfter and after compaction discards.
func (s *segment) rewrite() error {
	if err := s.file.Truncate(0); err != nil {
		return raverrors.Wrap(raverrors.IoError, err)
	}
	if err := s.writeHeader(); err != nil {
		return err
	}
	for _, idx := range s.sortedIndices() {
		e := s.entries[idx]
		rec, err := encodeRecord(e, s.ser)
		if err != nil {
			return raverrors.Wrap(raverrors.IoError, err)
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(rec)))
		if _, err := s.file.Write(lenBuf[:]); err != nil {
			return raverrors.Wrap(raverrors.IoError, err)
		}
		if _, err := s.file.Write(rec); err != nil {
			return raverrors.Wrap(raverrors.IoError, err)
		}
	}
	return s.file.Sync()
}

func (s *segment) close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

func (s *segment) removeFile() error {
	if err := s.close(); err != nil {
		return err
	}
	return os.Remove(s.path)
}
