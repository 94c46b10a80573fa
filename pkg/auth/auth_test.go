package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drivegate/drivegate/pkg/remote"
	"github.com/drivegate/drivegate/pkg/remote/memory"
)

type testPolicy struct {
	allowed map[string]bool
	admin   string
	open    bool // empty allow-list semantics
}

func (p *testPolicy) Allowed(email string) bool {
	if p.open {
		return true
	}
	return p.allowed[email]
}

func (p *testPolicy) Admin(email string) bool { return email == p.admin }

// countingDriver counts backend round trips to verify gating and collapse.
type countingDriver struct {
	remote.Driver
	logins   atomic.Int64
	restores atomic.Int64
	gate     chan struct{} // when non-nil, Login blocks until closed
}

func (d *countingDriver) Login(ctx context.Context, email, password, code string) (remote.Client, error) {
	d.logins.Add(1)
	if d.gate != nil {
		<-d.gate
	}
	return d.Driver.Login(ctx, email, password, code)
}

func (d *countingDriver) Restore(ctx context.Context, cfg *remote.AuthConfig) (remote.Client, error) {
	d.restores.Add(1)
	return d.Driver.Restore(ctx, cfg)
}

func newFixture(policy *testPolicy) (*Store, *countingDriver, *memory.Driver) {
	mem := memory.NewDriver()
	mem.AddAccount("alice@example.com", "pw", "")
	counting := &countingDriver{Driver: mem}
	return NewStore(counting, policy), counting, mem
}

func TestResolveLogin(t *testing.T) {
	store, driver, _ := newFixture(&testPolicy{open: true})

	client, err := store.Resolve(context.Background(), Material{Email: "alice@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", client.Email())
	assert.EqualValues(t, 1, driver.logins.Load())

	// Second resolve hits the cache.
	again, err := store.Resolve(context.Background(), Material{Email: "alice@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.Same(t, client, again)
	assert.EqualValues(t, 1, driver.logins.Load())
}

func TestAllowListRejectsBeforeBackend(t *testing.T) {
	policy := &testPolicy{allowed: map[string]bool{"bob@example.com": true}}
	store, driver, _ := newFixture(policy)

	_, err := store.Resolve(context.Background(), Material{Email: "alice@example.com", Password: "pw"})
	assert.ErrorIs(t, err, ErrAccountNotAllowed)
	assert.EqualValues(t, 0, driver.logins.Load(), "denied identity must not reach the backend")
}

func TestAdminBypassesAllowList(t *testing.T) {
	policy := &testPolicy{allowed: map[string]bool{}, admin: "alice@example.com"}
	store, _, _ := newFixture(policy)

	_, err := store.Resolve(context.Background(), Material{Email: "alice@example.com", Password: "pw"})
	require.NoError(t, err)
}

func TestInvalidCredential(t *testing.T) {
	store, _, _ := newFixture(&testPolicy{open: true})

	_, err := store.Resolve(context.Background(), Material{Email: "alice@example.com", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestRemoteUnreachable(t *testing.T) {
	store, _, mem := newFixture(&testPolicy{open: true})
	mem.FailOps(1, nil)

	_, err := store.Resolve(context.Background(), Material{Email: "alice@example.com", Password: "pw"})
	assert.ErrorIs(t, err, ErrRemoteUnreachable)

	// The failure was transient; the next attempt succeeds.
	_, err = store.Resolve(context.Background(), Material{Email: "alice@example.com", Password: "pw"})
	require.NoError(t, err)
}

func TestAuthConfigRestore(t *testing.T) {
	store, driver, mem := newFixture(&testPolicy{open: true})

	cfg, err := mem.Export("alice@example.com")
	require.NoError(t, err)
	blob, err := remote.EncodeAuthConfig(cfg)
	require.NoError(t, err)

	client, err := store.Resolve(context.Background(), Material{Email: "alice@example.com", AuthConfig: blob})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", client.Email())
	assert.EqualValues(t, 1, driver.restores.Load())
	assert.EqualValues(t, 0, driver.logins.Load(), "restore must not trigger interactive login")
}

func TestDeadBlobFallsBackToPassword(t *testing.T) {
	store, driver, _ := newFixture(&testPolicy{open: true})

	forged, err := remote.EncodeAuthConfig(&remote.AuthConfig{
		Backend: memory.BackendName,
		Email:   "alice@example.com",
		Secrets: map[string]string{"token": "stale"},
	})
	require.NoError(t, err)

	client, err := store.Resolve(context.Background(), Material{
		Email:      "alice@example.com",
		AuthConfig: forged,
		Password:   "pw",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", client.Email())
	assert.EqualValues(t, 1, driver.restores.Load())
	assert.EqualValues(t, 1, driver.logins.Load())
}

func TestNoCredentialMaterial(t *testing.T) {
	store, _, _ := newFixture(&testPolicy{open: true})

	_, err := store.Resolve(context.Background(), Material{Email: "alice@example.com"})
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestConcurrentResolveCollapses(t *testing.T) {
	store, driver, _ := newFixture(&testPolicy{open: true})
	driver.gate = make(chan struct{})

	const callers = 16
	var wg sync.WaitGroup
	results := make([]remote.Client, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.Resolve(context.Background(),
				Material{Email: "alice@example.com", Password: "pw"})
		}(i)
	}

	close(driver.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
	assert.Less(t, driver.logins.Load(), int64(callers),
		"concurrent resolves must collapse, not storm the backend")
}

func TestCachedHandleRequiresMatchingPassword(t *testing.T) {
	store, driver, _ := newFixture(&testPolicy{open: true})

	_, err := store.Resolve(context.Background(), Material{Email: "alice@example.com", Password: "pw"})
	require.NoError(t, err)
	require.EqualValues(t, 1, driver.logins.Load())

	// A wrong password must not ride the cached session.
	_, err = store.Resolve(context.Background(), Material{Email: "alice@example.com", Password: "wrong"})
	assert.ErrorIs(t, err, ErrInvalidCredential)
	assert.EqualValues(t, 2, driver.logins.Load())
}

func TestAmbientResolveAcceptsCachedHandle(t *testing.T) {
	store, driver, _ := newFixture(&testPolicy{open: true})

	client, err := store.Resolve(context.Background(), Material{Email: "alice@example.com", Password: "pw"})
	require.NoError(t, err)

	// No material at all: the caller trusts whatever handle exists.
	again, err := store.Resolve(context.Background(), Material{Email: "alice@example.com"})
	require.NoError(t, err)
	assert.Same(t, client, again)
	assert.EqualValues(t, 1, driver.logins.Load())
}

func TestInvalidate(t *testing.T) {
	store, driver, _ := newFixture(&testPolicy{open: true})

	_, err := store.Resolve(context.Background(), Material{Email: "alice@example.com", Password: "pw"})
	require.NoError(t, err)
	store.Invalidate("alice@example.com")

	_, err = store.Resolve(context.Background(), Material{Email: "alice@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, driver.logins.Load())
}
