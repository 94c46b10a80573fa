// Package frontend defines the contract every protocol server implements
// and the authorize-then-execute session shared by all of them.
//
// A Frontend owns one listener for one server definition. The registry
// creates it, runs Serve in a goroutine, and calls Stop to drain it. All
// four protocols (WebDAV, FTP, SFTP, plain HTTP) funnel their file
// operations through Session, so authorization happens in exactly one place
// per operation regardless of protocol.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/drivegate/drivegate/pkg/drivefs"
	"github.com/drivegate/drivegate/pkg/perm"
)

// ErrForbidden indicates the permission evaluator denied the operation.
// Front-ends map it to their protocol's "forbidden" response.
var ErrForbidden = errors.New("frontend: operation forbidden")

// Frontend is a running protocol server.
//
// Lifecycle:
//  1. Construction with a server definition, a login function, and a port
//  2. Serve() binds the listener and blocks until shutdown
//  3. Stop() drains: no new connections, bounded grace for in-flight
//     transfers, then forced close
//
// Thread safety: Stop may be called concurrently with Serve and must be
// idempotent.
type Frontend interface {
	// Serve starts the server and blocks until the context is cancelled or
	// an unrecoverable error occurs. Returns nil on graceful shutdown.
	Serve(ctx context.Context) error

	// Stop initiates graceful shutdown, forcing teardown when ctx expires.
	Stop(ctx context.Context) error

	// Protocol returns the protocol name for logging and metrics.
	Protocol() string

	// Port returns the TCP port the front-end listens on.
	Port() int
}

// LoginFunc authenticates one protocol client. The registry supplies it:
// it knows the server's share password (guest access) and can resolve real
// accounts through the credential store. The returned session is scoped to
// the server's filesystem root and carries the authenticated identity.
type LoginFunc func(ctx context.Context, username, password string) (*Session, error)

// Session binds an authenticated identity to a server's scoped filesystem.
// Every method authorizes before touching the filesystem; a denial returns
// ErrForbidden without any backend traffic.
type Session struct {
	fs     *drivefs.FS
	user   perm.Identity
	policy perm.ServerPolicy
}

// NewSession returns a session for user over fs under policy.
func NewSession(fs *drivefs.FS, user perm.Identity, policy perm.ServerPolicy) *Session {
	return &Session{fs: fs, user: user, policy: policy}
}

// User returns the authenticated identity.
func (s *Session) User() perm.Identity { return s.user }

func (s *Session) authorize(p string, op perm.Op) error {
	d := perm.Authorize(s.user, s.policy, p, op)
	if !d.Allow {
		return fmt.Errorf("%w: %s %s for %s: %s", ErrForbidden, op, p, s.user.Name, d.Reason)
	}
	return nil
}

// Authorize checks op on p without executing anything. Front-ends that must
// reject early (before handing control to a protocol library) use it to
// produce their protocol's "forbidden" response.
func (s *Session) Authorize(p string, op perm.Op) error {
	return s.authorize(p, op)
}

// CanRead reports whether the identity may read p at all. Used by listing
// code to filter entries rather than fail the whole listing.
func (s *Session) CanRead(p string) bool {
	return perm.Authorize(s.user, s.policy, p, perm.OpRead).Allow
}

func (s *Session) Stat(ctx context.Context, p string) (drivefs.FileInfo, error) {
	if err := s.authorize(p, perm.OpRead); err != nil {
		return drivefs.FileInfo{}, err
	}
	return s.fs.Stat(ctx, p)
}

func (s *Session) List(ctx context.Context, p string) ([]drivefs.FileInfo, error) {
	if err := s.authorize(p, perm.OpRead); err != nil {
		return nil, err
	}
	return s.fs.List(ctx, p)
}

func (s *Session) OpenRead(ctx context.Context, p string, offset, length int64) (io.ReadCloser, error) {
	if err := s.authorize(p, perm.OpRead); err != nil {
		return nil, err
	}
	return s.fs.OpenRead(ctx, p, offset, length)
}

func (s *Session) OpenWrite(ctx context.Context, p string) (io.WriteCloser, error) {
	if err := s.authorize(p, perm.OpWrite); err != nil {
		return nil, err
	}
	return s.fs.OpenWrite(ctx, p)
}

func (s *Session) Delete(ctx context.Context, p string) error {
	if err := s.authorize(p, perm.OpDelete); err != nil {
		return err
	}
	return s.fs.Delete(ctx, p)
}

func (s *Session) Mkdir(ctx context.Context, p string) error {
	if err := s.authorize(p, perm.OpWrite); err != nil {
		return err
	}
	return s.fs.Mkdir(ctx, p)
}

func (s *Session) Rename(ctx context.Context, from, to string) error {
	if err := s.authorize(from, perm.OpRename); err != nil {
		return err
	}
	if err := s.authorize(to, perm.OpRename); err != nil {
		return err
	}
	return s.fs.Rename(ctx, from, to)
}

// ConnTracker counts live connections so Stop can drain before forcing
// teardown. Closers registered per connection are invoked when the grace
// period expires.
type ConnTracker struct {
	mu      sync.Mutex
	conns   map[int64]func()
	nextID  int64
	drained chan struct{}
}

// NewConnTracker returns an empty tracker.
func NewConnTracker() *ConnTracker {
	return &ConnTracker{conns: make(map[int64]func())}
}

// Add registers a live connection with its force-close function and returns
// a release handle the connection goroutine must call when done.
func (t *ConnTracker) Add(forceClose func()) (release func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.conns[id] = forceClose
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.conns, id)
		if len(t.conns) == 0 && t.drained != nil {
			close(t.drained)
			t.drained = nil
		}
	}
}

// Active returns the number of live connections.
func (t *ConnTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Drain waits for all connections to finish, force-closing any that remain
// when ctx expires.
func (t *ConnTracker) Drain(ctx context.Context) {
	t.mu.Lock()
	if len(t.conns) == 0 {
		t.mu.Unlock()
		return
	}
	drained := make(chan struct{})
	t.drained = drained
	t.mu.Unlock()

	select {
	case <-drained:
		return
	case <-ctx.Done():
	}

	t.mu.Lock()
	for _, forceClose := range t.conns {
		forceClose()
	}
	t.drained = nil
	t.mu.Unlock()
}
