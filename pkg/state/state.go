// Package state defines the persisted configuration snapshot and the
// pluggable stores that hold it.
//
// A Snapshot is the full durable state of the orchestrator: users with
// allow-list and admin flags, plus every server definition. It is persisted
// as schema-versioned JSON so a newer build can refuse or migrate an older
// file instead of misreading it. Stores are deliberately tiny (load, save,
// close); all mutation logic lives with the registry, which funnels changes
// through Update for optimistic read-modify-write.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drivegate/drivegate/pkg/perm"
)

// SchemaVersion is the snapshot format understood by this build.
const SchemaVersion = 1

var (
	// ErrConflict indicates a concurrent writer changed the snapshot between
	// load and save. Callers retry with a fresh load.
	ErrConflict = errors.New("state: snapshot modified concurrently")

	// ErrSchemaVersion indicates a persisted snapshot from an incompatible
	// build.
	ErrSchemaVersion = errors.New("state: unsupported snapshot schema version")
)

// DesiredState is a server definition's persisted run intent.
type DesiredState string

const (
	StateRunning DesiredState = "running"
	StateStopped DesiredState = "stopped"
)

// Protocol identifies a front-end kind.
type Protocol string

const (
	ProtocolWebDAV Protocol = "webdav"
	ProtocolFTP    Protocol = "ftp"
	ProtocolSFTP   Protocol = "sftp"
	ProtocolHTTP   Protocol = "http"
)

// User is one known identity.
type User struct {
	// Email is the remote account identifier.
	Email string `json:"email"`

	// Allowed marks allow-list membership. When no user in the snapshot has
	// it set the allow-list is considered open and every account the backend
	// accepts may log in.
	Allowed bool `json:"allowed"`

	// Admin marks the administrative account.
	Admin bool `json:"admin"`

	CreatedAt time.Time `json:"created_at"`
}

// ServerDefinition is one configured protocol server.
type ServerDefinition struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Protocol Protocol `json:"protocol"`
	Port     int      `json:"port"`

	// Owner is the account whose drive the server exposes.
	Owner string `json:"owner"`

	// Root scopes the exposed filesystem to a directory of the owner's
	// drive, "/" for the whole account.
	Root string `json:"root"`

	// ReadOnly masks all mutating operations regardless of rules.
	ReadOnly bool `json:"read_only"`

	// Password, when set, admits protocol clients as the guest identity
	// with any username. Empty disables guest access.
	Password string `json:"password,omitempty"`

	Rules []perm.Rule `json:"rules"`

	DesiredState DesiredState `json:"desired_state"`
	CreatedAt    time.Time    `json:"created_at"`

	// LastError records why the most recent start failed, empty otherwise.
	// Informational only; it never drives reconciliation.
	LastError string `json:"last_error,omitempty"`
}

// Policy returns the slice of the definition the permission evaluator reads.
func (d *ServerDefinition) Policy() perm.ServerPolicy {
	return perm.ServerPolicy{Owner: d.Owner, ReadOnly: d.ReadOnly, Rules: d.Rules}
}

// Snapshot is the full persisted configuration.
//
// Generation is a monotonic counter maintained by stores: every successful
// save increments it, and a save whose input generation no longer matches
// the persisted one fails with ErrConflict.
type Snapshot struct {
	SchemaVersion int                `json:"schema_version"`
	Generation    uint64             `json:"generation"`
	Users         []User             `json:"users"`
	Servers       []ServerDefinition `json:"servers"`
}

// NewSnapshot returns an empty snapshot at the current schema version.
func NewSnapshot() *Snapshot {
	return &Snapshot{SchemaVersion: SchemaVersion}
}

// Validate rejects snapshots this build cannot interpret.
func (s *Snapshot) Validate() error {
	if s.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrSchemaVersion, s.SchemaVersion, SchemaVersion)
	}
	return nil
}

// Clone returns a deep copy, so callers can mutate a working copy without
// racing readers of the original.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		SchemaVersion: s.SchemaVersion,
		Generation:    s.Generation,
		Users:         append([]User(nil), s.Users...),
		Servers:       make([]ServerDefinition, len(s.Servers)),
	}
	for i, def := range s.Servers {
		def.Rules = append([]perm.Rule(nil), def.Rules...)
		out.Servers[i] = def
	}
	return out
}

// Allowed implements the credential store's access policy. An empty
// allow-list admits everyone.
func (s *Snapshot) Allowed(email string) bool {
	open := true
	for _, u := range s.Users {
		if u.Allowed {
			open = false
			if u.Email == email {
				return true
			}
		}
	}
	return open
}

// Admin reports whether email is an administrative account.
func (s *Snapshot) Admin(email string) bool {
	for _, u := range s.Users {
		if u.Email == email && u.Admin {
			return true
		}
	}
	return false
}

// FindServer returns the definition with the given id.
func (s *Snapshot) FindServer(id string) (*ServerDefinition, bool) {
	for i := range s.Servers {
		if s.Servers[i].ID == id {
			return &s.Servers[i], true
		}
	}
	return nil, false
}

// RemoveServer deletes the definition with the given id, reporting whether
// it existed.
func (s *Snapshot) RemoveServer(id string) bool {
	for i := range s.Servers {
		if s.Servers[i].ID == id {
			s.Servers = append(s.Servers[:i], s.Servers[i+1:]...)
			return true
		}
	}
	return false
}

// Store persists snapshots.
//
// Load on a fresh store returns an empty snapshot at generation zero, never
// an error; the orchestrator bootstraps from nothing on first run.
type Store interface {
	// Load returns the current snapshot. The result is owned by the caller.
	Load(ctx context.Context) (*Snapshot, error)

	// Save persists snap if its generation still matches the stored one,
	// failing with ErrConflict otherwise. On success snap's generation is
	// advanced to the newly stored value.
	Save(ctx context.Context, snap *Snapshot) error

	// Close releases underlying resources.
	Close() error
}

// UpdateAttempts bounds Update's optimistic retries.
const UpdateAttempts = 5

// Update applies fn to the current snapshot under read-modify-write
// semantics, retrying on ErrConflict up to UpdateAttempts times. fn may be
// called more than once and must be side-effect free apart from mutating
// its argument.
func Update(ctx context.Context, store Store, fn func(*Snapshot) error) (*Snapshot, error) {
	var lastErr error
	for attempt := 0; attempt < UpdateAttempts; attempt++ {
		snap, err := store.Load(ctx)
		if err != nil {
			return nil, err
		}
		if err := fn(snap); err != nil {
			return nil, err
		}
		err = store.Save(ctx, snap)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("update abandoned after %d attempts: %w", UpdateAttempts, lastErr)
}
