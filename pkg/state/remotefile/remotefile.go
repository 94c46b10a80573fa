// Package remotefile persists the configuration snapshot as a single JSON
// file inside the administrator's own remote drive.
//
// This is stateless mode: the gateway host keeps no local state at all, so
// the process can be destroyed and recreated anywhere and pick its
// configuration back up from the drive. The cost is that the store's
// generation check is read-then-write over the network rather than a real
// compare-and-swap; a single-writer mutex covers racing goroutines in this
// process, and the generation field catches a second gateway instance
// writing behind our back at the next save.
package remotefile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/drivegate/drivegate/internal/logger"
	"github.com/drivegate/drivegate/pkg/remote"
	"github.com/drivegate/drivegate/pkg/state"
)

// DefaultPath is where the snapshot lives in the admin drive.
const DefaultPath = "/.drivegate/state.json"

// Store keeps the snapshot at a fixed path of an authenticated drive client.
type Store struct {
	client remote.Client
	path   string

	// mu serializes save's read-modify-write against this process.
	mu sync.Mutex
}

// NewStore returns a store writing to p in the client's drive. An empty p
// selects DefaultPath.
func NewStore(client remote.Client, p string) *Store {
	if p == "" {
		p = DefaultPath
	}
	return &Store{client: client, path: p}
}

// Load implements state.Store.
func (s *Store) Load(ctx context.Context) (*state.Snapshot, error) {
	snap, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Save implements state.Store.
func (s *Store) Save(ctx context.Context, snap *state.Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read(ctx)
	if err != nil {
		return err
	}
	if snap.Generation != current.Generation {
		return fmt.Errorf("%w: have generation %d, drive file at %d",
			state.ErrConflict, snap.Generation, current.Generation)
	}

	stored := snap.Clone()
	stored.Generation = snap.Generation + 1
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return err
	}
	if err := s.write(ctx, data); err != nil {
		return fmt.Errorf("upload snapshot to %s: %w", s.path, err)
	}
	snap.Generation = stored.Generation
	logger.Debug("snapshot generation %d uploaded to %s", stored.Generation, s.path)
	return nil
}

// Close implements state.Store. The drive client is owned by the caller.
func (s *Store) Close() error { return nil }

func (s *Store) read(ctx context.Context) (*state.Snapshot, error) {
	rc, err := s.client.OpenRead(ctx, s.path, 0, -1)
	if errors.Is(err, remote.ErrNotFound) {
		return state.NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("download snapshot from %s: %w", s.path, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("download snapshot from %s: %w", s.path, err)
	}
	snap := &state.Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("snapshot at %s is corrupt: %w", s.path, err)
	}
	return snap, nil
}

func (s *Store) write(ctx context.Context, data []byte) error {
	dir := path.Dir(s.path)
	if dir != "/" {
		if err := s.client.Mkdir(ctx, dir); err != nil && !errors.Is(err, remote.ErrExists) {
			return err
		}
	}

	wc, err := s.client.OpenWrite(ctx, s.path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(wc, bytes.NewReader(data)); err != nil {
		wc.Close()
		return err
	}
	return wc.Close()
}
