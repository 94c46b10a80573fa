package perm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ownerPolicy(rules ...Rule) ServerPolicy {
	return ServerPolicy{Owner: "alice@example.com", Rules: rules}
}

var (
	alice = Identity{Name: "alice@example.com", Allowed: true}
	bob   = Identity{Name: "bob@example.com", Allowed: true}
	eve   = Identity{Name: "eve@example.com", Allowed: false}
	admin = Identity{Name: "root@example.com", Admin: true}
)

func TestAuthorize(t *testing.T) {
	readAll := Rule{PathPrefix: "/", Ops: []Op{OpRead}, AppliesTo: ScopeAll}
	writeDocs := Rule{PathPrefix: "/docs", Ops: []Op{OpRead, OpWrite, OpDelete, OpRename}, AppliesTo: ScopeAll}
	ownerPriv := Rule{PathPrefix: "/private", Ops: []Op{OpRead, OpWrite}, AppliesTo: ScopeOwner}

	tests := []struct {
		name   string
		user   Identity
		policy ServerPolicy
		path   string
		op     Op
		allow  bool
	}{
		{name: "read allowed by catch-all", user: bob, policy: ownerPolicy(readAll), path: "/file.txt", op: OpRead, allow: true},
		{name: "write denied by read-only rule", user: bob, policy: ownerPolicy(readAll), path: "/secret.txt", op: OpWrite, allow: false},
		{name: "no rules denies everything", user: alice, policy: ownerPolicy(), path: "/file.txt", op: OpRead, allow: false},
		{name: "longest prefix wins over catch-all", user: bob, policy: ownerPolicy(readAll, writeDocs), path: "/docs/report.txt", op: OpWrite, allow: true},
		{name: "longest prefix is the only rule consulted", user: bob, policy: ownerPolicy(writeDocs, readAll), path: "/docs/report.txt", op: OpDelete, allow: true},
		{name: "prefix match is segment-wise", user: bob, policy: ownerPolicy(writeDocs), path: "/docs-old/x", op: OpRead, allow: false},
		{name: "owner rule admits owner", user: alice, policy: ownerPolicy(ownerPriv), path: "/private/key", op: OpWrite, allow: true},
		{name: "owner rule rejects others", user: bob, policy: ownerPolicy(ownerPriv), path: "/private/key", op: OpRead, allow: false},
		{name: "off allow-list denied", user: eve, policy: ownerPolicy(readAll), path: "/file.txt", op: OpRead, allow: false},
		{name: "owner bypasses allow-list", user: Identity{Name: "alice@example.com"}, policy: ownerPolicy(readAll), path: "/f", op: OpRead, allow: true},
		{name: "admin bypasses allow-list", user: admin, policy: ownerPolicy(readAll), path: "/f", op: OpRead, allow: true},
		{name: "admin still bound by rules", user: admin, policy: ownerPolicy(readAll), path: "/f", op: OpWrite, allow: false},
		{name: "path normalized before matching", user: bob, policy: ownerPolicy(writeDocs), path: "/docs/../docs/a", op: OpWrite, allow: true},
		{name: "dotdot cannot reach a wider rule", user: bob, policy: ownerPolicy(writeDocs), path: "/docs/..", op: OpWrite, allow: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Authorize(tt.user, tt.policy, tt.path, tt.op)
			assert.Equal(t, tt.allow, got.Allow, "reason: %s", got.Reason)
			if !got.Allow {
				assert.NotEmpty(t, got.Reason)
			}
		})
	}
}

func TestReadOnlyMasksWrites(t *testing.T) {
	full := Rule{PathPrefix: "/", Ops: []Op{OpRead, OpWrite, OpDelete, OpRename}, AppliesTo: ScopeAll}
	policy := ServerPolicy{Owner: "alice@example.com", ReadOnly: true, Rules: []Rule{full}}

	assert.True(t, Authorize(alice, policy, "/f", OpRead).Allow)
	for _, op := range []Op{OpWrite, OpDelete, OpRename} {
		d := Authorize(alice, policy, "/f", op)
		assert.False(t, d.Allow, "op %s should be masked", op)
		assert.Equal(t, "server is read-only", d.Reason)
	}
}

func TestGuestIdentity(t *testing.T) {
	readAll := Rule{PathPrefix: "/", Ops: []Op{OpRead}, AppliesTo: ScopeAll}
	ownerOnly := Rule{PathPrefix: "/private", Ops: []Op{OpRead}, AppliesTo: ScopeOwner}
	policy := ownerPolicy(readAll, ownerOnly)

	g := Guest()
	assert.True(t, Authorize(g, policy, "/pub/file", OpRead).Allow)
	assert.False(t, Authorize(g, policy, "/private/file", OpRead).Allow)

	// A guest never counts as the owner, even under a forged name.
	forged := Identity{Name: "alice@example.com", Allowed: true, Guest: true}
	assert.False(t, Authorize(forged, policy, "/private/file", OpRead).Allow)
}

func TestAuthorizeIsPure(t *testing.T) {
	rule := Rule{PathPrefix: "/docs", Ops: []Op{OpRead}, AppliesTo: ScopeAll}
	policy := ownerPolicy(rule)

	first := Authorize(bob, policy, "/docs/a", OpRead)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Authorize(bob, policy, "/docs/a", OpRead))
	}
}
