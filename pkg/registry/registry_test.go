package registry

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivegate/drivegate/pkg/auth"
	"github.com/drivegate/drivegate/pkg/frontend"
	"github.com/drivegate/drivegate/pkg/perm"
	"github.com/drivegate/drivegate/pkg/remote/memory"
	"github.com/drivegate/drivegate/pkg/state"
	statemem "github.com/drivegate/drivegate/pkg/state/memory"
)

type openPolicy struct{}

func (openPolicy) Allowed(string) bool { return true }
func (openPolicy) Admin(string) bool   { return false }

func newRegistryFixture(t *testing.T) (*Registry, state.Store, *memory.Driver) {
	t.Helper()
	driver := memory.NewDriver()
	driver.AddAccount("alice@example.com", "pw", "")

	store := statemem.NewStore()
	t.Cleanup(func() { _ = store.Close() })
	creds := auth.NewStore(driver, openPolicy{})

	reg := New(store, creds, Options{
		MaterialFor: func(email string) auth.Material {
			return auth.Material{Email: email, Password: "pw"}
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reg.Shutdown(ctx)
	})
	return reg, store, driver
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func httpDefinition(port int) state.ServerDefinition {
	return state.ServerDefinition{
		Name:     "test-http",
		Protocol: state.ProtocolHTTP,
		Port:     port,
		Owner:    "alice@example.com",
		Root:     "/",
		Rules: []perm.Rule{{
			PathPrefix: "/",
			Ops:        []perm.Op{perm.OpRead, perm.OpWrite, perm.OpDelete, perm.OpRename},
			AppliesTo:  perm.ScopeAll,
		}},
	}
}

// waitListening polls until the port accepts connections.
func waitListening(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 100*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("port %d never came up", port)
}

func getWithAuth(t *testing.T, port int, path, user, pass string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d%s", port, path), nil)
	require.NoError(t, err)
	req.SetBasicAuth(user, pass)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestCreateValidation(t *testing.T) {
	reg, _, _ := newRegistryFixture(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, state.ServerDefinition{Protocol: "gopher", Port: 7070, Owner: "a@b.c"})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = reg.Create(ctx, state.ServerDefinition{Protocol: state.ProtocolHTTP, Port: 0, Owner: "a@b.c"})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = reg.Create(ctx, state.ServerDefinition{Protocol: state.ProtocolHTTP, Port: 8080})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	def, err := reg.Create(ctx, httpDefinition(8080))
	require.NoError(t, err)
	assert.NotEmpty(t, def.ID)
	assert.Equal(t, state.StateStopped, def.DesiredState)

	statuses, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Running)
}

func TestStartServeStop(t *testing.T) {
	reg, store, driver := newRegistryFixture(t)
	ctx := context.Background()

	client, err := driver.Login(ctx, "alice@example.com", "pw", "")
	require.NoError(t, err)
	w, err := client.OpenWrite(ctx, "/hello.txt")
	require.NoError(t, err)
	_, _ = w.Write([]byte("hi"))
	require.NoError(t, w.Close())

	port := freePort(t)
	def, err := reg.Create(ctx, httpDefinition(port))
	require.NoError(t, err)

	require.NoError(t, reg.Start(ctx, def.ID))
	waitListening(t, port)

	resp := getWithAuth(t, port, "/hello.txt", "alice@example.com", "pw")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "hi", string(body))

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	stored, ok := snap.FindServer(def.ID)
	require.True(t, ok)
	assert.Equal(t, state.StateRunning, stored.DesiredState)

	require.NoError(t, reg.Stop(ctx, def.ID))

	snap, err = store.Load(ctx)
	require.NoError(t, err)
	stored, _ = snap.FindServer(def.ID)
	assert.Equal(t, state.StateStopped, stored.DesiredState)

	// The port is free again: the same definition restarts cleanly.
	require.NoError(t, reg.Start(ctx, def.ID))
	waitListening(t, port)
	require.NoError(t, reg.Stop(ctx, def.ID))
}

func TestStartUnknownServer(t *testing.T) {
	reg, _, _ := newRegistryFixture(t)
	err := reg.Start(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentStartsSamePort(t *testing.T) {
	reg, _, _ := newRegistryFixture(t)
	ctx := context.Background()
	port := freePort(t)

	a, err := reg.Create(ctx, httpDefinition(port))
	require.NoError(t, err)
	b, err := reg.Create(ctx, httpDefinition(port))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{a.ID, b.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = reg.Start(ctx, id)
		}(i, id)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, ErrPortInUse):
			conflict++
		}
	}
	assert.Equal(t, 1, ok, "exactly one start wins the port")
	assert.Equal(t, 1, conflict)
}

func TestStartFailureRecordsError(t *testing.T) {
	driver := memory.NewDriver()
	store := statemem.NewStore()
	creds := auth.NewStore(driver, openPolicy{})
	// No MaterialFor: owners need a cached session and none exists.
	reg := New(store, creds, Options{})
	ctx := context.Background()

	def, err := reg.Create(ctx, httpDefinition(freePort(t)))
	require.NoError(t, err)

	err = reg.Start(ctx, def.ID)
	require.Error(t, err)

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	stored, ok := snap.FindServer(def.ID)
	require.True(t, ok)
	assert.Equal(t, state.StateStopped, stored.DesiredState)
	assert.NotEmpty(t, stored.LastError)
}

func TestDeleteStopsRunningServer(t *testing.T) {
	reg, store, _ := newRegistryFixture(t)
	ctx := context.Background()
	port := freePort(t)

	def, err := reg.Create(ctx, httpDefinition(port))
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, def.ID))
	waitListening(t, port)

	require.NoError(t, reg.Delete(ctx, def.ID))

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	_, ok := snap.FindServer(def.ID)
	assert.False(t, ok)

	statuses, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, statuses)

	err = reg.Delete(ctx, def.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteDuringSlowStart(t *testing.T) {
	driver := memory.NewDriver()
	driver.AddAccount("alice@example.com", "pw", "")
	store := statemem.NewStore()
	t.Cleanup(func() { _ = store.Close() })
	creds := auth.NewStore(driver, openPolicy{})

	// The first credential resolution parks inside the start sequence, with
	// the per-id lock held, until the test releases it.
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	reg := New(store, creds, Options{
		MaterialFor: func(email string) auth.Material {
			once.Do(func() {
				close(entered)
				<-release
			})
			return auth.Material{Email: email, Password: "pw"}
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reg.Shutdown(ctx)
	})

	ctx := context.Background()
	port := freePort(t)
	def, err := reg.Create(ctx, httpDefinition(port))
	require.NoError(t, err)

	startErr := make(chan error, 1)
	go func() { startErr <- reg.Start(ctx, def.ID) }()
	<-entered

	deleteErr := make(chan error, 1)
	go func() { deleteErr <- reg.Delete(ctx, def.ID) }()

	// Give the delete time to queue up behind the start, then let the
	// start finish first.
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, <-startErr)
	require.NoError(t, <-deleteErr)

	// The delete drained the freshly started front-end: nothing is listed
	// and the port is bindable again.
	statuses, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, statuses)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	require.NoError(t, err)
	_ = ln.Close()
}

// crashingFrontend fails its Serve immediately, like a listener lost right
// after startup.
type crashingFrontend struct {
	port int
	err  error
}

func (c *crashingFrontend) Serve(ctx context.Context) error { return c.err }
func (c *crashingFrontend) Stop(ctx context.Context) error  { return nil }
func (c *crashingFrontend) Protocol() string                { return "http" }
func (c *crashingFrontend) Port() int                       { return c.port }

func TestImmediateServeFailureStaysRecorded(t *testing.T) {
	reg, store, _ := newRegistryFixture(t)
	ctx := context.Background()
	port := freePort(t)

	boom := fmt.Errorf("listener lost")
	reg.frontendFactory = func(def state.ServerDefinition, _ frontend.LoginFunc) (frontend.Frontend, error) {
		return &crashingFrontend{port: def.Port, err: boom}, nil
	}

	def, err := reg.Create(ctx, httpDefinition(port))
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, def.ID))

	// The serve goroutine crashes asynchronously; its failure record must
	// survive, never overwritten by the start's own success write.
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := store.Load(ctx)
		require.NoError(t, err)
		stored, ok := snap.FindServer(def.ID)
		require.True(t, ok)
		if stored.DesiredState == state.StateStopped && stored.LastError != "" {
			assert.Contains(t, stored.LastError, "listener lost")
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("crash never recorded: %+v", stored)
		}
		time.Sleep(10 * time.Millisecond)
	}

	statuses, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Running)
}

func TestReloadReconcilesDesiredState(t *testing.T) {
	reg, store, _ := newRegistryFixture(t)
	ctx := context.Background()

	runPort := freePort(t)
	running, err := reg.Create(ctx, httpDefinition(runPort))
	require.NoError(t, err)
	stopped, err := reg.Create(ctx, httpDefinition(freePort(t)))
	require.NoError(t, err)

	// Simulate a previous process that left one server marked running.
	_, err = state.Update(ctx, store, func(snap *state.Snapshot) error {
		if def, ok := snap.FindServer(running.ID); ok {
			def.DesiredState = state.StateRunning
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, reg.Reload(ctx))
	waitListening(t, runPort)

	statuses, err := reg.List(ctx)
	require.NoError(t, err)
	for _, st := range statuses {
		switch st.Definition.ID {
		case running.ID:
			assert.True(t, st.Running)
		case stopped.ID:
			assert.False(t, st.Running)
		}
	}

	// Flip the intent and reload again: the server is drained.
	_, err = state.Update(ctx, store, func(snap *state.Snapshot) error {
		if def, ok := snap.FindServer(running.ID); ok {
			def.DesiredState = state.StateStopped
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, reg.Reload(ctx))

	statuses, err = reg.List(ctx)
	require.NoError(t, err)
	for _, st := range statuses {
		assert.False(t, st.Running)
	}
}

func TestGuestLoginWithSharePassword(t *testing.T) {
	reg, _, driver := newRegistryFixture(t)
	ctx := context.Background()

	client, err := driver.Login(ctx, "alice@example.com", "pw", "")
	require.NoError(t, err)
	w, err := client.OpenWrite(ctx, "/shared.txt")
	require.NoError(t, err)
	_, _ = w.Write([]byte("for guests"))
	require.NoError(t, w.Close())

	port := freePort(t)
	def := httpDefinition(port)
	def.Password = "open-sesame"
	def.Rules = []perm.Rule{{PathPrefix: "/", Ops: []perm.Op{perm.OpRead}, AppliesTo: perm.ScopeAll}}

	created, err := reg.Create(ctx, def)
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, created.ID))
	waitListening(t, port)

	// Any username with the share password reads as guest.
	resp := getWithAuth(t, port, "/shared.txt", "whoever", "open-sesame")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Wrong password is rejected outright.
	resp = getWithAuth(t, port, "/shared.txt", "whoever", "nope")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	require.NoError(t, reg.Stop(ctx, created.ID))
}

func TestGuestCannotUseOwnerScopedRules(t *testing.T) {
	reg, _, _ := newRegistryFixture(t)
	ctx := context.Background()

	port := freePort(t)
	def := httpDefinition(port)
	def.Password = "open-sesame"
	def.Rules = []perm.Rule{{PathPrefix: "/", Ops: []perm.Op{perm.OpRead}, AppliesTo: perm.ScopeOwner}}

	created, err := reg.Create(ctx, def)
	require.NoError(t, err)
	require.NoError(t, reg.Start(ctx, created.ID))
	waitListening(t, port)

	resp := getWithAuth(t, port, "/", "whoever", "open-sesame")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	require.NoError(t, reg.Stop(ctx, created.ID))
}
