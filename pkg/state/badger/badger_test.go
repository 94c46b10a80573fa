package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivegate/drivegate/pkg/state"
	"github.com/drivegate/drivegate/pkg/state/statetest"
)

func TestStoreConformance(t *testing.T) {
	statetest.RunSuite(t, func(t *testing.T) state.Store {
		store, err := NewStore(t.TempDir())
		require.NoError(t, err)
		return store
	})
}

func TestSnapshotSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewStore(dir)
	require.NoError(t, err)

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	snap.Users = []state.User{{Email: "alice@example.com", Allowed: true}}
	require.NoError(t, store.Save(ctx, snap))
	require.NoError(t, store.Close())

	store, err = NewStore(dir)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Generation)
	require.Len(t, got.Users, 1)
	assert.True(t, got.Allowed("alice@example.com"))
}
