// Package perm decides whether a given identity may perform a given
// operation on a given path of a shared server.
//
// Authorize is a pure function of its inputs. It holds no state and has no
// side effects, so the same (identity, policy, path, operation) always
// produces the same decision regardless of call order or concurrency. The
// registry and every protocol front-end consult it before touching the
// filesystem layer.
package perm

import (
	"path"
	"strings"
)

// Op is a file operation class subject to authorization.
type Op string

const (
	// OpRead covers stat, list, and content reads.
	OpRead Op = "read"

	// OpWrite covers content writes and directory creation.
	OpWrite Op = "write"

	// OpDelete covers file and directory removal.
	OpDelete Op = "delete"

	// OpRename covers moves within the share.
	OpRename Op = "rename"
)

// Scope selects which identities a rule applies to.
type Scope string

const (
	// ScopeOwner restricts the rule to the server's owning account.
	ScopeOwner Scope = "owner"

	// ScopeAll extends the rule to every allowed identity, guests included.
	ScopeAll Scope = "all"
)

// Rule grants a set of operations below a path prefix.
//
// Rules are matched most-specific-prefix-first: of all rules whose prefix
// contains the requested path, the longest prefix wins and is the only rule
// consulted. A path matched by no rule is denied.
type Rule struct {
	// PathPrefix is an absolute share-relative prefix, "/" matching
	// everything.
	PathPrefix string `json:"path_prefix" mapstructure:"path_prefix" validate:"required,startswith=/"`

	// Ops is the set of operations the rule grants.
	Ops []Op `json:"ops" mapstructure:"ops" validate:"required,min=1,dive,oneof=read write delete rename"`

	// AppliesTo selects owner-only or all allowed identities.
	AppliesTo Scope `json:"applies_to" mapstructure:"applies_to" validate:"required,oneof=owner all"`
}

// Grants reports whether the rule's operation set contains op.
func (r Rule) Grants(op Op) bool {
	for _, o := range r.Ops {
		if o == op {
			return true
		}
	}
	return false
}

// Identity is the authenticated (or guest) principal requesting an
// operation. The credential store and front-ends fill it in; the evaluator
// only reads it.
type Identity struct {
	// Name is the account identifier, or the fixed guest name for
	// password-authenticated anonymous access.
	Name string

	// Admin marks the orchestrator's administrative account. Admins pass the
	// allow-list check unconditionally but are still subject to rules.
	Admin bool

	// Allowed records allow-list membership as computed by the credential
	// store (an empty allow-list admits everyone).
	Allowed bool

	// Guest marks identities admitted by a share password rather than a
	// remote account login. Guests never match owner-scoped rules.
	Guest bool
}

// GuestName is the pseudo-identity under which share-password logins run.
const GuestName = "guest"

// Guest returns the identity for a client admitted by the share password.
func Guest() Identity {
	return Identity{Name: GuestName, Allowed: true, Guest: true}
}

// ServerPolicy is the slice of a server definition the evaluator needs.
type ServerPolicy struct {
	// Owner is the account the server's filesystem is scoped to.
	Owner string

	// ReadOnly masks write, delete, and rename regardless of rules.
	ReadOnly bool

	// Rules is the server's permission rule set.
	Rules []Rule
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allow bool

	// Reason explains a denial for logging. Empty on allow.
	Reason string
}

// Allowed is the positive decision.
var Allowed = Decision{Allow: true}

// Deny returns a negative decision carrying reason.
func Deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Authorize decides whether user may perform op on p under policy.
//
// The checks run in a fixed order: allow-list membership first, then the
// server's read-only mask, then longest-prefix rule matching. Absence of a
// matching rule denies.
func Authorize(user Identity, policy ServerPolicy, p string, op Op) Decision {
	if !user.Allowed && !user.Admin && user.Name != policy.Owner {
		return Deny("identity not on allow-list")
	}
	if policy.ReadOnly && op != OpRead {
		return Deny("server is read-only")
	}

	rule, ok := matchRule(policy.Rules, p)
	if !ok {
		return Deny("no rule matches path")
	}
	if rule.AppliesTo == ScopeOwner && (user.Guest || user.Name != policy.Owner) {
		return Deny("rule applies to owner only")
	}
	if !rule.Grants(op) {
		return Deny("operation not granted by matching rule")
	}
	return Allowed
}

// matchRule returns the rule with the longest prefix containing p.
func matchRule(rules []Rule, p string) (Rule, bool) {
	p = path.Clean("/" + strings.TrimPrefix(p, "/"))

	var best Rule
	bestLen := -1
	for _, r := range rules {
		prefix := path.Clean("/" + strings.TrimPrefix(r.PathPrefix, "/"))
		if !prefixContains(prefix, p) {
			continue
		}
		if len(prefix) > bestLen {
			best = r
			bestLen = len(prefix)
		}
	}
	return best, bestLen >= 0
}

// prefixContains reports whether p equals prefix or lives below it.
// Containment is segment-wise: "/doc" does not contain "/docs".
func prefixContains(prefix, p string) bool {
	if prefix == "/" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
