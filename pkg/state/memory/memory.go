// Package memory holds the configuration snapshot in process memory.
// Used by tests and throwaway development runs; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/drivegate/drivegate/pkg/state"
)

// Store is an in-memory snapshot store. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	snap *state.Snapshot
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Load implements state.Store.
func (s *Store) Load(ctx context.Context) (*state.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return state.NewSnapshot(), nil
	}
	return s.snap.Clone(), nil
}

// Save implements state.Store.
func (s *Store) Save(ctx context.Context, snap *state.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := snap.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current uint64
	if s.snap != nil {
		current = s.snap.Generation
	}
	if snap.Generation != current {
		return fmt.Errorf("%w: have generation %d, store at %d",
			state.ErrConflict, snap.Generation, current)
	}

	stored := snap.Clone()
	stored.Generation = current + 1
	s.snap = stored
	snap.Generation = stored.Generation
	return nil
}

// Close implements state.Store.
func (s *Store) Close() error { return nil }
