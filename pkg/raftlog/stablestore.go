package raftlog

import (
	"encoding/binary"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/ravel/pkg/codec"
	"github.com/cuemby/ravel/pkg/raftpb"
	"github.com/cuemby/ravel/pkg/raverrors"
)

// StableStore persists the handful of values that must survive a restart
// without being rescanned from the segment directory: currentTerm,
// votedFor, and the most recently applied Configuration. It is bbolt-backed
// (grounded on the teacher's storage.BoltStore bucket-per-concern layout)
// because this is small, frequently-fsynced metadata, not the bulk
// segment data the custom log format is built for.
type StableStore struct {
	db  *bolt.DB
	ser codec.Serializer
}

var (
	bucketMeta  = []byte("meta")
	keyTerm     = []byte("current_term")
	keyVotedFor = []byte("voted_for")
	keyVoteTerm = []byte("voted_for_term")
	keyConfig   = []byte("last_configuration")
)

// OpenStableStore opens (creating if needed) the bbolt-backed metadata
// file under dataDir.
func OpenStableStore(dataDir string, ser codec.Serializer) (*StableStore, error) {
	if ser == nil {
		ser = codec.Default
	}
	path := filepath.Join(dataDir, "stable.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, raverrors.Wrap(raverrors.IoError, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, raverrors.Wrap(raverrors.IoError, err)
	}
	return &StableStore{db: db, ser: ser}, nil
}

func (s *StableStore) Close() error { return s.db.Close() }

// CurrentTerm returns the last persisted term, 0 if never set.
func (s *StableStore) CurrentTerm() (uint64, error) {
	var term uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyTerm)
		if v != nil {
			term = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return term, raverrors.WrapIfErr(err)
}

// SetCurrentTerm persists the new term.
func (s *StableStore) SetCurrentTerm(term uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], term)
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyTerm, buf[:])
	})
	return raverrors.WrapIfErr(err)
}

// VotedFor returns the candidate id this server voted for in
// votedForTerm, or ("", 0) if it has never voted.
func (s *StableStore) VotedFor() (candidate string, term uint64, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if v := b.Get(keyVotedFor); v != nil {
			candidate = string(v)
		}
		if v := b.Get(keyVoteTerm); v != nil {
			term = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return candidate, term, raverrors.WrapIfErr(err)
}

// SetVotedFor persists the vote. Clearing (candidate == "") is only ever
// valid when term is strictly greater than the previously persisted vote
// term — see consensus.Node.stepDownLocked and DESIGN.md's resolution of
// the spec's open question on set_last_voted_for. SetVotedFor itself does
// not check this.
func (s *StableStore) SetVotedFor(candidate string, term uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], term)
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if err := b.Put(keyVotedFor, []byte(candidate)); err != nil {
			return err
		}
		return b.Put(keyVoteTerm, buf[:])
	})
	return raverrors.WrapIfErr(err)
}

// configSnapshot is what LastConfiguration persists: the Configuration
// entry's index (its version) plus the two membership sets.
type configSnapshot struct {
	Version uint64
	Active  []raftpb.Member
	Passive []raftpb.Member
}

// SaveConfiguration persists the latest Configuration this server has
// appended or applied so compaction
// of old Configuration entries (spec section 4.A filter table) never loses
// the cluster's current membership across a restart.
func (s *StableStore) SaveConfiguration(version uint64, active, passive []raftpb.Member) error {
	data, err := s.ser.Marshal(configSnapshot{Version: version, Active: active, Passive: passive})
	if err != nil {
		return raverrors.Wrap(raverrors.IoError, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyConfig, data)
	})
	return raverrors.WrapIfErr(err)
}

// LoadConfiguration returns the last persisted Configuration, ok=false if
// none was ever saved (a brand new server).
func (s *StableStore) LoadConfiguration() (version uint64, active, passive []raftpb.Member, ok bool, err error) {
	var snap configSnapshot
	dberr := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyConfig)
		if v == nil {
			return nil
		}
		ok = true
		return s.ser.Unmarshal(v, &snap)
	})
	if dberr != nil {
		return 0, nil, nil, false, raverrors.Wrap(raverrors.IoError, dberr)
	}
	return snap.Version, snap.Active, snap.Passive, ok, nil
}
