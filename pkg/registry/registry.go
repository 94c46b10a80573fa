// Package registry orchestrates protocol servers.
//
// The Registry owns every server definition's lifecycle: create, start,
// stop, delete, list, reload. Starting a server resolves the owner's
// credentials, builds a filesystem scoped to the definition's root, leases
// the port, and launches the matching front-end; stopping drains it.
// Every state-affecting change is persisted through the configuration
// store before the command returns.
//
// Operations on the same server id are serialized through a per-id lock;
// operations on different servers proceed independently.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/drivegate/drivegate/internal/logger"
	"github.com/drivegate/drivegate/internal/ratelimiter"
	"github.com/drivegate/drivegate/pkg/auth"
	"github.com/drivegate/drivegate/pkg/drivefs"
	"github.com/drivegate/drivegate/pkg/frontend"
	"github.com/drivegate/drivegate/pkg/frontend/ftp"
	"github.com/drivegate/drivegate/pkg/frontend/httpfs"
	"github.com/drivegate/drivegate/pkg/frontend/sftp"
	"github.com/drivegate/drivegate/pkg/frontend/webdav"
	"github.com/drivegate/drivegate/pkg/metrics"
	"github.com/drivegate/drivegate/pkg/state"
)

var (
	// ErrNotFound indicates no server definition with the given id exists.
	ErrNotFound = errors.New("registry: server not found")

	// ErrPortInUse indicates the requested port is already leased to a
	// running server or bound elsewhere on the host.
	ErrPortInUse = errors.New("registry: port in use")

	// ErrInvalidDefinition indicates a create request that cannot be stored.
	ErrInvalidDefinition = errors.New("registry: invalid server definition")
)

// stopGrace bounds how long Stop waits for a front-end to drain when the
// caller's context carries no deadline.
const stopGrace = 30 * time.Second

// Options tunes registry construction. The zero value works for tests.
type Options struct {
	// FTP carries passive-mode settings shared by all FTP servers.
	FTP ftp.Settings

	// HostKey signs SFTP handshakes. Nil makes each SFTP server generate
	// an ephemeral key.
	HostKey ssh.Signer

	// Metrics receives gateway instrumentation. Nil selects the no-op
	// implementation.
	Metrics metrics.GatewayMetrics

	// Retry overrides the adapter retry policy. Zero uses the default.
	Retry drivefs.RetryPolicy

	// MaterialFor supplies ambient credential material for a server owner
	// at start time, typically the admin's configured password or auth
	// config. Nil means owners must already have a cached session.
	MaterialFor func(email string) auth.Material
}

// Registry is the server orchestrator.
//
// Thread safety: all methods are safe for concurrent use.
type Registry struct {
	store state.Store
	creds *auth.Store
	opts  Options

	loginLimiter  *ratelimiter.KeyedLimiter
	globalLimiter *ratelimiter.RateLimiter

	// frontendFactory overrides newFrontend when set. Tests inject
	// misbehaving front-ends through it.
	frontendFactory func(state.ServerDefinition, frontend.LoginFunc) (frontend.Frontend, error)

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	running map[string]*runningServer
	ports   map[int]string // port -> holding server id
}

// runningServer is one live front-end.
type runningServer struct {
	def    state.ServerDefinition
	fe     frontend.Frontend
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a registry persisting through store and resolving owner
// credentials through creds.
func New(store state.Store, creds *auth.Store, opts Options) *Registry {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewGatewayMetrics()
	}
	if opts.MaterialFor == nil {
		opts.MaterialFor = func(email string) auth.Material {
			return auth.Material{Email: email}
		}
	}
	return &Registry{
		store:         store,
		creds:         creds,
		opts:          opts,
		loginLimiter:  ratelimiter.NewKeyed(loginRatePerSecond, loginBurst, loginBucketTTL),
		globalLimiter: ratelimiter.New(globalLoginRatePerSecond, globalLoginBurst),
		locks:         make(map[string]*sync.Mutex),
		running:       make(map[string]*runningServer),
		ports:         make(map[int]string),
	}
}

// lockFor returns the serialization lock for one server id.
func (r *Registry) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// Create validates def, assigns it an id, and persists it stopped.
// The stored definition is returned.
func (r *Registry) Create(ctx context.Context, def state.ServerDefinition) (state.ServerDefinition, error) {
	switch def.Protocol {
	case state.ProtocolWebDAV, state.ProtocolFTP, state.ProtocolSFTP, state.ProtocolHTTP:
	default:
		return def, fmt.Errorf("%w: unknown protocol %q", ErrInvalidDefinition, def.Protocol)
	}
	if def.Port < 1 || def.Port > 65535 {
		return def, fmt.Errorf("%w: port %d out of range", ErrInvalidDefinition, def.Port)
	}
	if def.Owner == "" {
		return def, fmt.Errorf("%w: owner is required", ErrInvalidDefinition)
	}
	if def.Root == "" {
		def.Root = "/"
	}
	if def.Name == "" {
		def.Name = fmt.Sprintf("%s-%d", def.Protocol, def.Port)
	}

	def.ID = uuid.NewString()
	def.DesiredState = state.StateStopped
	def.CreatedAt = time.Now().UTC()
	def.LastError = ""

	_, err := state.Update(ctx, r.store, func(snap *state.Snapshot) error {
		snap.Servers = append(snap.Servers, def)
		return nil
	})
	if err != nil {
		return def, fmt.Errorf("persist new server: %w", err)
	}
	logger.Info("created %s server %q on port %d for %s", def.Protocol, def.Name, def.Port, def.Owner)
	return def, nil
}

// Start launches the server's front-end. Already-running servers are left
// alone. A failed start leaves the definition stopped with the error
// recorded on it.
func (r *Registry) Start(ctx context.Context, id string) error {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	_, alreadyRunning := r.running[id]
	r.mu.Unlock()
	if alreadyRunning {
		return nil
	}

	snap, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	def, ok := snap.FindServer(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := r.startLocked(ctx, *def, snap); err != nil {
		r.recordStartFailure(ctx, id, err)
		return err
	}
	return nil
}

// startLocked performs the lease-resolve-bind sequence. Caller holds the
// per-id lock.
func (r *Registry) startLocked(ctx context.Context, def state.ServerDefinition, snap *state.Snapshot) error {
	if err := r.leasePort(def.Port, def.ID); err != nil {
		return err
	}
	release := func() { r.releasePort(def.Port, def.ID) }

	// Probe the bind before spending a credential round trip: the lease
	// only arbitrates against other servers in this process.
	probe, err := net.Listen("tcp", fmt.Sprintf(":%d", def.Port))
	if err != nil {
		release()
		return fmt.Errorf("%w: port %d: %v", ErrPortInUse, def.Port, err)
	}
	_ = probe.Close()

	client, err := r.creds.Resolve(ctx, r.opts.MaterialFor(def.Owner))
	if err != nil {
		release()
		return fmt.Errorf("resolve owner %s: %w", def.Owner, err)
	}

	fs := drivefs.New(client, def.Root, r.opts.Retry)
	login := r.loginFunc(def, snap, fs)

	newFE := r.newFrontend
	if r.frontendFactory != nil {
		newFE = r.frontendFactory
	}
	fe, err := newFE(def, login)
	if err != nil {
		release()
		return err
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	rs := &runningServer{def: def, fe: fe, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.running[def.ID] = rs
	count := len(r.running)
	r.mu.Unlock()
	r.opts.Metrics.SetRunningServers(count)

	// Persist the running intent before the front-end exists: once Serve is
	// launched it can fail at any moment, and the failure serverExited
	// records must never be overwritten by this success write.
	if _, err := state.Update(ctx, r.store, func(snap *state.Snapshot) error {
		if d, ok := snap.FindServer(def.ID); ok {
			d.DesiredState = state.StateRunning
			d.LastError = ""
		}
		return nil
	}); err != nil {
		r.mu.Lock()
		delete(r.running, def.ID)
		count := len(r.running)
		r.mu.Unlock()
		r.opts.Metrics.SetRunningServers(count)
		cancel()
		release()
		return fmt.Errorf("persist running state: %w", err)
	}

	go func() {
		err := fe.Serve(serveCtx)
		// Cleanup precedes the done signal so a Stop/Start sequence never
		// observes a stale port lease.
		r.serverExited(def.ID, def.Port, err)
		close(rs.done)
	}()

	logger.Info("started %s server %q on port %d", def.Protocol, def.Name, def.Port)
	return nil
}

// serverExited cleans up after a front-end's Serve returns, expectedly or
// not. An unexpected exit is recorded on the definition.
func (r *Registry) serverExited(id string, port int, serveErr error) {
	r.mu.Lock()
	delete(r.running, id)
	if r.ports[port] == id {
		delete(r.ports, port)
	}
	count := len(r.running)
	r.mu.Unlock()
	r.opts.Metrics.SetRunningServers(count)

	if serveErr == nil {
		return
	}
	logger.Error("server %s exited: %v", id, serveErr)
	r.recordStartFailure(context.Background(), id, serveErr)
}

// recordStartFailure persists the failure on the definition and flips it
// to stopped. Best effort: a store error here is only logged.
func (r *Registry) recordStartFailure(ctx context.Context, id string, cause error) {
	_, err := state.Update(ctx, r.store, func(snap *state.Snapshot) error {
		if def, ok := snap.FindServer(id); ok {
			def.DesiredState = state.StateStopped
			def.LastError = cause.Error()
		}
		return nil
	})
	if err != nil {
		logger.Warn("could not record failure for server %s: %v", id, err)
	}
}

// Stop drains the server's front-end and persists the stopped intent.
// Stopping a server that is not running only updates the intent.
func (r *Registry) Stop(ctx context.Context, id string) error {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	r.drainLocked(ctx, id)

	_, err := state.Update(ctx, r.store, func(snap *state.Snapshot) error {
		def, ok := snap.FindServer(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		def.DesiredState = state.StateStopped
		return nil
	})
	return err
}

// drainLocked stops the live front-end for id, if any. Caller holds the
// per-id lock, so the running map cannot gain an entry for id while this
// runs: a Start serialized behind the same lock has either finished (and is
// drained here) or has not begun.
func (r *Registry) drainLocked(ctx context.Context, id string) {
	r.mu.Lock()
	rs := r.running[id]
	r.mu.Unlock()
	if rs == nil {
		return
	}

	stopCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(ctx, stopGrace)
		defer cancel()
	}
	if err := rs.fe.Stop(stopCtx); err != nil {
		logger.Warn("stopping server %s: %v", id, err)
	}
	rs.cancel()
	select {
	case <-rs.done:
	case <-stopCtx.Done():
	}
	logger.Info("stopped %s server on port %d", rs.def.Protocol, rs.def.Port)
}

// Delete removes the definition, stopping it first when running. The
// running check happens under the per-id lock so a Start racing on the
// same id is either fully drained here or never came up at all.
func (r *Registry) Delete(ctx context.Context, id string) error {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	r.drainLocked(ctx, id)

	_, err := state.Update(ctx, r.store, func(snap *state.Snapshot) error {
		if !snap.RemoveServer(id) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.locks, id)
	r.mu.Unlock()
	logger.Info("deleted server %s", id)
	return nil
}

// ServerStatus pairs a persisted definition with its live run state.
type ServerStatus struct {
	Definition state.ServerDefinition
	Running    bool
}

// List returns every definition with its current run state.
func (r *Registry) List(ctx context.Context) ([]ServerStatus, error) {
	snap, err := r.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ServerStatus, 0, len(snap.Servers))
	for _, def := range snap.Servers {
		_, running := r.running[def.ID]
		out = append(out, ServerStatus{Definition: def, Running: running})
	}
	return out, nil
}

// Reload re-reads the persisted configuration and reconciles live servers
// against it: definitions whose desired state is running are started,
// running servers whose desired state is stopped (or whose definition is
// gone) are stopped. Individual start failures are recorded on their
// definitions and do not abort the reload.
func (r *Registry) Reload(ctx context.Context) error {
	snap, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	known := make(map[string]state.DesiredState, len(snap.Servers))
	for _, def := range snap.Servers {
		known[def.ID] = def.DesiredState
	}

	// Stop what should not run anymore.
	r.mu.Lock()
	var toStop []string
	for id := range r.running {
		if desired, ok := known[id]; !ok || desired == state.StateStopped {
			toStop = append(toStop, id)
		}
	}
	r.mu.Unlock()
	for _, id := range toStop {
		if err := r.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			logger.Warn("reload: stopping server %s: %v", id, err)
		}
	}

	// Start what should.
	for _, def := range snap.Servers {
		if def.DesiredState != state.StateRunning {
			continue
		}
		if err := r.Start(ctx, def.ID); err != nil {
			logger.Warn("reload: starting server %s (%s): %v", def.ID, def.Name, err)
		}
	}
	return nil
}

// Shutdown stops every running server. Used at process exit.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.mu.Lock()
			rs := r.running[id]
			r.mu.Unlock()
			if rs == nil {
				return
			}
			if err := rs.fe.Stop(ctx); err != nil {
				logger.Warn("shutdown: stopping server %s: %v", id, err)
			}
			rs.cancel()
			select {
			case <-rs.done:
			case <-ctx.Done():
			}
		}(id)
	}
	wg.Wait()
}

// newFrontend constructs the front-end matching the definition's protocol.
func (r *Registry) newFrontend(def state.ServerDefinition, login frontend.LoginFunc) (frontend.Frontend, error) {
	switch def.Protocol {
	case state.ProtocolWebDAV:
		return webdav.New(def.Port, login, r.opts.Metrics), nil
	case state.ProtocolHTTP:
		return httpfs.New(def.Port, login, r.opts.Metrics), nil
	case state.ProtocolFTP:
		return ftp.New(def.Port, login, r.opts.FTP, r.opts.Metrics), nil
	case state.ProtocolSFTP:
		return sftp.New(def.Port, login, r.opts.HostKey, r.opts.Metrics)
	default:
		return nil, fmt.Errorf("%w: unknown protocol %q", ErrInvalidDefinition, def.Protocol)
	}
}
