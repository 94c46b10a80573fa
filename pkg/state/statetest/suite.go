// Package statetest is a reusable conformance suite run against every
// snapshot store implementation.
package statetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivegate/drivegate/pkg/perm"
	"github.com/drivegate/drivegate/pkg/state"
)

// Factory builds a fresh, empty store for one test. Cleanup goes through
// t.Cleanup.
type Factory func(t *testing.T) state.Store

// RunSuite exercises the Store contract against the given factory.
func RunSuite(t *testing.T, factory Factory) {
	t.Run("FreshLoadIsEmpty", func(t *testing.T) { testFreshLoad(t, factory(t)) })
	t.Run("SaveLoadRoundTrip", func(t *testing.T) { testRoundTrip(t, factory(t)) })
	t.Run("GenerationAdvances", func(t *testing.T) { testGeneration(t, factory(t)) })
	t.Run("StaleSaveConflicts", func(t *testing.T) { testConflict(t, factory(t)) })
	t.Run("UpdateAppliesMutation", func(t *testing.T) { testUpdate(t, factory(t)) })
	t.Run("LoadedSnapshotIsIsolated", func(t *testing.T) { testIsolation(t, factory(t)) })
}

func sampleSnapshot(t *testing.T, store state.Store) *state.Snapshot {
	t.Helper()
	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	snap.Users = []state.User{
		{Email: "admin@example.com", Admin: true, Allowed: true, CreatedAt: time.Now().UTC()},
		{Email: "alice@example.com", Allowed: true, CreatedAt: time.Now().UTC()},
	}
	snap.Servers = []state.ServerDefinition{{
		ID:       "3f1f9f0a-9464-4ac5-b2f2-90d0dbabc819",
		Name:     "alice share",
		Protocol: state.ProtocolWebDAV,
		Port:     8081,
		Owner:    "alice@example.com",
		Root:     "/alice-share",
		Rules: []perm.Rule{
			{PathPrefix: "/", Ops: []perm.Op{perm.OpRead}, AppliesTo: perm.ScopeAll},
		},
		DesiredState: state.StateRunning,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}}
	return snap
}

func testFreshLoad(t *testing.T, store state.Store) {
	defer store.Close()
	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.SchemaVersion, snap.SchemaVersion)
	assert.Zero(t, snap.Generation)
	assert.Empty(t, snap.Users)
	assert.Empty(t, snap.Servers)
}

func testRoundTrip(t *testing.T, store state.Store) {
	defer store.Close()
	ctx := context.Background()

	snap := sampleSnapshot(t, store)
	require.NoError(t, store.Save(ctx, snap))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got.Servers, 1)
	def := got.Servers[0]
	assert.Equal(t, "3f1f9f0a-9464-4ac5-b2f2-90d0dbabc819", def.ID)
	assert.Equal(t, state.ProtocolWebDAV, def.Protocol)
	assert.Equal(t, 8081, def.Port)
	assert.Equal(t, "/alice-share", def.Root)
	assert.Equal(t, state.StateRunning, def.DesiredState)
	require.Len(t, def.Rules, 1)
	assert.Equal(t, perm.ScopeAll, def.Rules[0].AppliesTo)
	assert.True(t, got.Allowed("alice@example.com"))
	assert.False(t, got.Allowed("mallory@example.com"))
	assert.True(t, got.Admin("admin@example.com"))
}

func testGeneration(t *testing.T, store state.Store) {
	defer store.Close()
	ctx := context.Background()

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, snap))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Generation)

	require.NoError(t, store.Save(ctx, got))
	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.Generation)
}

func testConflict(t *testing.T, store state.Store) {
	defer store.Close()
	ctx := context.Background()

	first, err := store.Load(ctx)
	require.NoError(t, err)
	second, err := store.Load(ctx)
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, first))
	err = store.Save(ctx, second)
	assert.ErrorIs(t, err, state.ErrConflict)
}

func testUpdate(t *testing.T, store state.Store) {
	defer store.Close()
	ctx := context.Background()

	_, err := state.Update(ctx, store, func(s *state.Snapshot) error {
		s.Users = append(s.Users, state.User{Email: "alice@example.com", Allowed: true})
		return nil
	})
	require.NoError(t, err)

	_, err = state.Update(ctx, store, func(s *state.Snapshot) error {
		s.Users = append(s.Users, state.User{Email: "bob@example.com", Allowed: true})
		return nil
	})
	require.NoError(t, err)

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got.Users, 2)
	assert.True(t, got.Allowed("alice@example.com"))
	assert.True(t, got.Allowed("bob@example.com"))
}

func testIsolation(t *testing.T, store state.Store) {
	defer store.Close()
	ctx := context.Background()

	snap := sampleSnapshot(t, store)
	require.NoError(t, store.Save(ctx, snap))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	got.Servers[0].Name = "mutated"
	got.Servers[0].Rules[0].PathPrefix = "/mutated"

	fresh, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice share", fresh.Servers[0].Name)
	assert.Equal(t, "/", fresh.Servers[0].Rules[0].PathPrefix)
}
