package raftlog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/ravel/pkg/codec"
	"github.com/cuemby/ravel/pkg/raftpb"
)

func TestStableStorePersistsCurrentTerm(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStableStore(dir, codec.Default)
	require.NoError(t, err)
	defer s.Close()

	term, err := s.CurrentTerm()
	require.NoError(t, err)
	require.Equal(t, uint64(0), term)

	require.NoError(t, s.SetCurrentTerm(7))
	term, err = s.CurrentTerm()
	require.NoError(t, err)
	require.Equal(t, uint64(7), term)
}

func TestStableStoreVotedForSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStableStore(dir, codec.Default)
	require.NoError(t, err)
	require.NoError(t, s.SetVotedFor("n2", 3))
	require.NoError(t, s.Close())

	reopened, err := OpenStableStore(dir, codec.Default)
	require.NoError(t, err)
	defer reopened.Close()

	candidate, term, err := reopened.VotedFor()
	require.NoError(t, err)
	require.Equal(t, "n2", candidate)
	require.Equal(t, uint64(3), term)
}

func TestStableStoreConfigurationRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenStableStore(dir, codec.Default)
	require.NoError(t, err)
	defer s.Close()

	_, _, _, ok, err := s.LoadConfiguration()
	require.NoError(t, err)
	require.False(t, ok)

	active := []raftpb.Member{{ID: "n1", Host: "n1", Type: raftpb.MemberActive}}
	passive := []raftpb.Member{{ID: "n2", Host: "n2", Type: raftpb.MemberPassive}}
	require.NoError(t, s.SaveConfiguration(5, active, passive))

	version, gotActive, gotPassive, ok, err := s.LoadConfiguration()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(5), version)
	require.Equal(t, active, gotActive)
	require.Equal(t, passive, gotPassive)
}
