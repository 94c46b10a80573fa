// Package badger persists the configuration snapshot in an embedded
// BadgerDB database on local disk.
//
// This is the default store for stateful deployments: the snapshot survives
// restarts and crashes (BadgerDB is WAL-backed), and the database transaction
// gives an atomic generation check on save without any file locking of our
// own.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/drivegate/drivegate/pkg/state"
)

// snapshotKey is the single key the snapshot lives under.
var snapshotKey = []byte("drivegate/snapshot")

// Store is a BadgerDB-backed snapshot store. Safe for concurrent use; the
// database serializes conflicting transactions.
type Store struct {
	db *badger.DB
}

// NewStore opens (or creates) the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	opts := badger.DefaultOptions(dbPath).
		WithCompression(options.None).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open state database at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

// Load implements state.Store.
func (s *Store) Load(ctx context.Context) (*state.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var snap *state.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			snap = state.NewSnapshot()
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			snap = &state.Snapshot{}
			return json.Unmarshal(val, snap)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Save implements state.Store. The generation check and the write happen in
// one transaction, so two racing savers cannot both succeed.
func (s *Store) Save(ctx context.Context, snap *state.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := snap.Validate(); err != nil {
		return err
	}

	next := snap.Generation + 1
	err := s.db.Update(func(txn *badger.Txn) error {
		var current uint64
		item, err := txn.Get(snapshotKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			// First save, generation stays zero.
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				var stored state.Snapshot
				if err := json.Unmarshal(val, &stored); err != nil {
					return err
				}
				current = stored.Generation
				return nil
			}); err != nil {
				return err
			}
		}
		if snap.Generation != current {
			return fmt.Errorf("%w: have generation %d, store at %d",
				state.ErrConflict, snap.Generation, current)
		}

		stored := snap.Clone()
		stored.Generation = next
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		return txn.Set(snapshotKey, data)
	})
	if err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return fmt.Errorf("%w: %v", state.ErrConflict, err)
		}
		return err
	}
	snap.Generation = next
	return nil
}

// Close implements state.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
