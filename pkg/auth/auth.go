// Package auth is the credential store: it turns a user identity plus
// configured credential material into a live authenticated client for the
// remote drive backend.
//
// Resolution is gated by the access policy (allow-list) before any network
// round trip, cached per user, and collapsed so that concurrent requests for
// the same user share a single in-flight login instead of storming the
// backend.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/drivegate/drivegate/internal/logger"
	"github.com/drivegate/drivegate/pkg/remote"
)

// Credential store error taxonomy.
var (
	// ErrInvalidCredential indicates the backend rejected the supplied
	// password, two-factor code, or auth-config blob.
	ErrInvalidCredential = errors.New("auth: invalid credential")

	// ErrRemoteUnreachable indicates the backend could not be reached.
	// Retryable; the cache entry is left untouched so a later attempt can
	// succeed without re-deriving.
	ErrRemoteUnreachable = errors.New("auth: remote backend unreachable")

	// ErrAccountNotAllowed indicates the allow-list rejected the identity.
	// Terminal; no credential material was used and no backend call made.
	ErrAccountNotAllowed = errors.New("auth: account not on allow-list")

	// ErrNoCredential indicates no credential material is configured for the
	// user and nothing is cached.
	ErrNoCredential = errors.New("auth: no credential material for user")
)

// AccessPolicy answers allow-list and admin questions for an identity.
// The configuration snapshot implements it; an empty allow-list admits
// every account the backend itself accepts.
type AccessPolicy interface {
	// Allowed reports whether email may authenticate at all.
	Allowed(email string) bool

	// Admin reports whether email is the administrative account.
	Admin(email string) bool
}

// Material is the configured credential input for one user. At least one of
// AuthConfig or Password must be set unless a cached handle exists.
type Material struct {
	// Email identifies the remote account.
	Email string

	// AuthConfig is an exported credential blob, tried first when present
	// since restoring it needs no interactive login.
	AuthConfig string

	// Password is the account password for interactive login.
	Password string

	// TwoFactorCode accompanies Password when the account has two-factor
	// authentication enabled.
	TwoFactorCode string
}

// Store resolves users to authenticated backend clients.
//
// Thread safety: all methods are safe for concurrent use. Concurrent Resolve
// calls for the same email collapse into one backend round trip.
type Store struct {
	driver remote.Driver
	policy AccessPolicy

	mu    sync.RWMutex
	cache map[string]cacheEntry

	group singleflight.Group
}

// cacheEntry remembers which password produced the handle. A resolution that
// presents a password only hits the cache when it matches; callers that
// present none (the registry resolving a server owner) accept any entry.
type cacheEntry struct {
	client   remote.Client
	password string
}

// NewStore returns a Store resolving through driver under policy.
func NewStore(driver remote.Driver, policy AccessPolicy) *Store {
	return &Store{
		driver: driver,
		policy: policy,
		cache:  make(map[string]cacheEntry),
	}
}

// Resolve returns an authenticated client for the user described by m.
//
// Strategies are tried in order: cached handle, auth-config restore,
// password login. The allow-list is checked before anything else; a
// rejected identity fails with ErrAccountNotAllowed and never reaches the
// backend. A successful resolution populates the cache; an invalid
// credential evicts any stale entry.
func (s *Store) Resolve(ctx context.Context, m Material) (remote.Client, error) {
	if m.Email == "" {
		return nil, fmt.Errorf("%w: empty email", ErrInvalidCredential)
	}
	if !s.policy.Allowed(m.Email) && !s.policy.Admin(m.Email) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotAllowed, m.Email)
	}

	if client, ok := s.cached(m.Email, m.Password); ok {
		return client, nil
	}

	// Keyed by email and password so two clients racing with the same
	// credentials share one login, while a wrong password never rides along
	// with a correct one.
	v, err, _ := s.group.Do(m.Email+"\x00"+m.Password, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have resolved
		// while this one was queued.
		if client, ok := s.cached(m.Email, m.Password); ok {
			return client, nil
		}
		client, err := s.resolveUncached(ctx, m)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[m.Email] = cacheEntry{client: client, password: m.Password}
		s.mu.Unlock()
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(remote.Client), nil
}

// Invalidate drops the cached handle for email, forcing the next Resolve to
// re-derive. Called when a session is observed dead mid-use.
func (s *Store) Invalidate(email string) {
	s.mu.Lock()
	delete(s.cache, email)
	s.mu.Unlock()
	logger.Debug("credential cache invalidated for %s", email)
}

func (s *Store) cached(email, password string) (remote.Client, bool) {
	s.mu.RLock()
	entry, ok := s.cache[email]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if password != "" && entry.password != password {
		return nil, false
	}
	return entry.client, true
}

func (s *Store) resolveUncached(ctx context.Context, m Material) (remote.Client, error) {
	if m.AuthConfig != "" {
		cfg, err := remote.DecodeAuthConfig(m.AuthConfig)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
		}
		if cfg.Email != m.Email {
			return nil, fmt.Errorf("%w: auth config is for %s, not %s",
				ErrInvalidCredential, cfg.Email, m.Email)
		}
		client, err := s.driver.Restore(ctx, cfg)
		if err == nil {
			logger.Info("restored session for %s from auth config", m.Email)
			return client, nil
		}
		// A dead exported session falls through to password login when one
		// is configured.
		if m.Password == "" {
			return nil, s.classify(m.Email, err)
		}
		logger.Warn("auth config restore failed for %s, falling back to login: %v", m.Email, err)
	}

	if m.Password == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoCredential, m.Email)
	}
	client, err := s.driver.Login(ctx, m.Email, m.Password, m.TwoFactorCode)
	if err != nil {
		return nil, s.classify(m.Email, err)
	}
	logger.Info("logged in %s", m.Email)
	return client, nil
}

// classify maps a backend failure onto the store's taxonomy and evicts the
// cache entry when the credential itself is at fault.
func (s *Store) classify(email string, err error) error {
	switch {
	case errors.Is(err, remote.ErrInvalidCredential):
		s.Invalidate(email)
		return fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	case remote.IsTransient(err):
		return fmt.Errorf("%w: %v", ErrRemoteUnreachable, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
}
