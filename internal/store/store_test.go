package store_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tactlink/tactlink/internal/model"
	"github.com/tactlink/tactlink/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "tactlink.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_BondLifecycle(t *testing.T) {
	s := newTestStore(t)

	b, err := s.LoadBond()
	require.NoError(t, err)
	assert.Nil(t, b)

	require.NoError(t, s.SaveBond("peer-1", model.ZoneRight))

	b, err = s.LoadBond()
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "peer-1", b.PeerID)
	assert.Equal(t, model.ZoneRight, b.PeerZone)
	assert.False(t, b.BondedAt.IsZero())

	bonded, err := s.IsPeerBonded("peer-1")
	require.NoError(t, err)
	assert.True(t, bonded)

	bonded, err = s.IsPeerBonded("stranger")
	require.NoError(t, err)
	assert.False(t, bonded)

	require.NoError(t, s.DeleteBond())
	b, err = s.LoadBond()
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestStore_SaveBondIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveBond("peer-1", model.ZoneLeft))
	first, err := s.LoadBond()
	require.NoError(t, err)

	require.NoError(t, s.SaveBond("peer-1", model.ZoneLeft))
	second, err := s.LoadBond()
	require.NoError(t, err)

	assert.Equal(t, first.BondedAt, second.BondedAt)
	assert.True(t, !second.LastSeen.Before(first.LastSeen))
}

func TestStore_GenerationRoundTrip(t *testing.T) {
	s := newTestStore(t)

	g, err := s.LoadGeneration()
	require.NoError(t, err)
	assert.False(t, g.Valid())

	saved := model.Generation{Seq: 12, BornAtMicros: 5_000_000, CycleMicros: 667_000, Origin: "origin-node"}
	require.NoError(t, s.SaveGeneration(saved))

	g, err = s.LoadGeneration()
	require.NoError(t, err)
	assert.Equal(t, saved, g)

	// The single row is replaced, never appended.
	newer := model.Generation{Seq: 13, BornAtMicros: 6_000_000, CycleMicros: 2_000_000, Origin: "origin-node"}
	require.NoError(t, s.SaveGeneration(newer))

	g, err = s.LoadGeneration()
	require.NoError(t, err)
	assert.Equal(t, newer, g)
}
