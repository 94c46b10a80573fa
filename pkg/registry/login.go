package registry

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/drivegate/drivegate/internal/logger"
	"github.com/drivegate/drivegate/pkg/auth"
	"github.com/drivegate/drivegate/pkg/drivefs"
	"github.com/drivegate/drivegate/pkg/frontend"
	"github.com/drivegate/drivegate/pkg/perm"
	"github.com/drivegate/drivegate/pkg/state"
)

// Login throttling: per username, shared across every server this registry
// runs. Generous enough for WebDAV clients that authenticate per request
// (those hit the credential cache, not the backend), tight enough to slow
// a password guesser to a crawl.
const (
	loginRatePerSecond = 20
	loginBurst         = 50
	loginBucketTTL     = 10 * time.Minute

	// A second, global cap bounds total authentication traffic no matter how
	// many usernames an attacker sprays.
	globalLoginRatePerSecond = 200
	globalLoginBurst         = 400
)

// loginFunc builds the authentication entry point handed to a front-end.
//
// Two identities can come out of it: a real account, verified through the
// credential store against the remote backend, or the guest pseudo-identity
// admitted by the definition's share password. The share password is checked
// first and without any backend traffic; whoever presents it is a guest no
// matter what username they typed.
//
// Allow-list and admin flags are read from the configuration as of server
// start; changing them takes effect when the server is restarted.
func (r *Registry) loginFunc(def state.ServerDefinition, snap *state.Snapshot, fs *drivefs.FS) frontend.LoginFunc {
	policy := def.Policy()
	return func(ctx context.Context, username, password string) (*frontend.Session, error) {
		if !r.globalLimiter.Allow() {
			logger.Warn("global login rate limit hit on %s port %d", def.Protocol, def.Port)
			return nil, fmt.Errorf("%w: too many attempts", auth.ErrInvalidCredential)
		}
		if !r.loginLimiter.Allow(username) {
			logger.Warn("login rate limit hit for %q on %s port %d", username, def.Protocol, def.Port)
			return nil, fmt.Errorf("%w: too many attempts for %q", auth.ErrInvalidCredential, username)
		}

		if def.Password != "" &&
			subtle.ConstantTimeCompare([]byte(password), []byte(def.Password)) == 1 {
			return frontend.NewSession(fs, perm.Guest(), policy), nil
		}

		_, err := r.creds.Resolve(ctx, auth.Material{Email: username, Password: password})
		if err != nil {
			return nil, err
		}
		user := perm.Identity{
			Name:    username,
			Allowed: snap.Allowed(username),
			Admin:   snap.Admin(username),
		}
		return frontend.NewSession(fs, user, policy), nil
	}
}
