// Package memory implements an in-memory drive backend.
//
// It exists for local development and for tests: accounts are seeded through
// AddAccount, file content lives in process memory, and transient failures
// can be injected with FailOps to exercise retry paths.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drivegate/drivegate/pkg/remote"
)

// BackendName identifies this driver in exported auth configs.
const BackendName = "memory"

// Driver is an in-memory remote.Driver. Safe for concurrent use.
type Driver struct {
	mu       sync.RWMutex
	accounts map[string]*account

	// failMu guards injected failures.
	failMu   sync.Mutex
	failOps  int
	failWith error
}

type account struct {
	mu            sync.RWMutex
	email         string
	password      string
	twoFactorCode string
	sessionToken  string
	quota         int64 // bytes, 0 = unlimited
	used          int64
	root          *node
}

type node struct {
	name     string
	isDir    bool
	data     []byte
	modTime  time.Time
	children map[string]*node
}

// NewDriver returns an empty driver with no accounts.
func NewDriver() *Driver {
	return &Driver{accounts: make(map[string]*account)}
}

// AddAccount seeds an account. The two-factor code may be empty.
// Replaces any existing account with the same email.
func (d *Driver) AddAccount(email, password, twoFactorCode string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[email] = &account{
		email:         email,
		password:      password,
		twoFactorCode: twoFactorCode,
		sessionToken:  uuid.NewString(),
		root: &node{
			isDir:    true,
			modTime:  time.Now(),
			children: make(map[string]*node),
		},
	}
}

// SetQuota limits the account to n bytes of content. Zero means unlimited.
func (d *Driver) SetQuota(email string, n int64) {
	d.mu.RLock()
	acct := d.accounts[email]
	d.mu.RUnlock()
	if acct == nil {
		return
	}
	acct.mu.Lock()
	acct.quota = n
	acct.mu.Unlock()
}

// FailOps makes the next n client operations fail with err (defaults to
// remote.ErrUnreachable when err is nil). Used by retry tests.
func (d *Driver) FailOps(n int, err error) {
	if err == nil {
		err = remote.ErrUnreachable
	}
	d.failMu.Lock()
	d.failOps = n
	d.failWith = err
	d.failMu.Unlock()
}

func (d *Driver) injectedFailure() error {
	d.failMu.Lock()
	defer d.failMu.Unlock()
	if d.failOps > 0 {
		d.failOps--
		return d.failWith
	}
	return nil
}

// Login implements remote.Driver.
func (d *Driver) Login(ctx context.Context, email, password, twoFactorCode string) (remote.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.injectedFailure(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	acct := d.accounts[email]
	d.mu.RUnlock()

	if acct == nil || acct.password != password {
		return nil, fmt.Errorf("login for %s: %w", email, remote.ErrInvalidCredential)
	}
	if acct.twoFactorCode != "" && acct.twoFactorCode != twoFactorCode {
		return nil, fmt.Errorf("two-factor code rejected for %s: %w", email, remote.ErrInvalidCredential)
	}
	return &client{driver: d, acct: acct}, nil
}

// Restore implements remote.Driver. The memory backend stores a session token
// in the auth config and matches it against the live account.
func (d *Driver) Restore(ctx context.Context, cfg *remote.AuthConfig) (remote.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.injectedFailure(); err != nil {
		return nil, err
	}
	if cfg.Backend != BackendName {
		return nil, fmt.Errorf("auth config is for backend %q, not %q", cfg.Backend, BackendName)
	}

	d.mu.RLock()
	acct := d.accounts[cfg.Email]
	d.mu.RUnlock()

	if acct == nil || cfg.Secrets["token"] != acct.sessionToken {
		return nil, fmt.Errorf("session restore for %s: %w", cfg.Email, remote.ErrInvalidCredential)
	}
	return &client{driver: d, acct: acct}, nil
}

// Export produces the auth config blob for a seeded account, the way an
// interactive tool would export it for headless deployments.
func (d *Driver) Export(email string) (*remote.AuthConfig, error) {
	d.mu.RLock()
	acct := d.accounts[email]
	d.mu.RUnlock()
	if acct == nil {
		return nil, fmt.Errorf("account %s: %w", email, remote.ErrNotFound)
	}
	return &remote.AuthConfig{
		Backend: BackendName,
		Email:   email,
		Secrets: map[string]string{"token": acct.sessionToken},
	}, nil
}

// client is an authenticated handle to one in-memory account.
type client struct {
	driver *Driver
	acct   *account
}

func (c *client) Email() string { return c.acct.email }

// splitPath normalizes p and returns its cleaned components.
func splitPath(p string) []string {
	cleaned := path.Clean("/" + strings.TrimPrefix(p, "/"))
	if cleaned == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(cleaned, "/"), "/")
}

// lookup walks the tree to p. Caller must hold acct.mu (read or write).
func (c *client) lookup(p string) (*node, error) {
	parts := splitPath(p)
	cur := c.acct.root
	for _, part := range parts {
		if !cur.isDir {
			return nil, fmt.Errorf("%s: %w", p, remote.ErrNotDir)
		}
		next, ok := cur.children[part]
		if !ok {
			return nil, fmt.Errorf("%s: %w", p, remote.ErrNotFound)
		}
		cur = next
	}
	return cur, nil
}

// lookupParent returns the parent directory of p and the leaf name.
// Caller must hold acct.mu.
func (c *client) lookupParent(p string) (*node, string, error) {
	parts := splitPath(p)
	if len(parts) == 0 {
		return nil, "", fmt.Errorf("%s: %w", p, remote.ErrExists)
	}
	dir, err := c.lookup(path.Dir(path.Clean("/" + strings.TrimPrefix(p, "/"))))
	if err != nil {
		return nil, "", err
	}
	if !dir.isDir {
		return nil, "", fmt.Errorf("%s: %w", p, remote.ErrNotDir)
	}
	return dir, parts[len(parts)-1], nil
}

func infoFor(p string, n *node) remote.Info {
	size := int64(0)
	if !n.isDir {
		size = int64(len(n.data))
	}
	return remote.Info{
		Name:    path.Base(p),
		Path:    p,
		Size:    size,
		ModTime: n.modTime,
		IsDir:   n.isDir,
	}
}

func (c *client) Stat(ctx context.Context, p string) (remote.Info, error) {
	if err := ctx.Err(); err != nil {
		return remote.Info{}, err
	}
	if err := c.driver.injectedFailure(); err != nil {
		return remote.Info{}, err
	}
	c.acct.mu.RLock()
	defer c.acct.mu.RUnlock()
	n, err := c.lookup(p)
	if err != nil {
		return remote.Info{}, err
	}
	return infoFor(path.Clean("/"+strings.TrimPrefix(p, "/")), n), nil
}

func (c *client) List(ctx context.Context, p string) ([]remote.Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.driver.injectedFailure(); err != nil {
		return nil, err
	}
	c.acct.mu.RLock()
	defer c.acct.mu.RUnlock()
	n, err := c.lookup(p)
	if err != nil {
		return nil, err
	}
	if !n.isDir {
		return nil, fmt.Errorf("%s: %w", p, remote.ErrNotDir)
	}
	base := path.Clean("/" + strings.TrimPrefix(p, "/"))
	infos := make([]remote.Info, 0, len(n.children))
	for name, child := range n.children {
		infos = append(infos, infoFor(path.Join(base, name), child))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (c *client) OpenRead(ctx context.Context, p string, offset, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.driver.injectedFailure(); err != nil {
		return nil, err
	}
	c.acct.mu.RLock()
	defer c.acct.mu.RUnlock()
	n, err := c.lookup(p)
	if err != nil {
		return nil, err
	}
	if n.isDir {
		return nil, fmt.Errorf("%s: %w", p, remote.ErrIsDir)
	}
	if offset < 0 || offset > int64(len(n.data)) {
		return nil, fmt.Errorf("offset %d out of range for %s", offset, p)
	}
	data := n.data[offset:]
	if length >= 0 && length < int64(len(data)) {
		data = data[:length]
	}
	// Copy so later writes do not race with the reader.
	buf := make([]byte, len(data))
	copy(buf, data)
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func (c *client) OpenWrite(ctx context.Context, p string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.driver.injectedFailure(); err != nil {
		return nil, err
	}
	c.acct.mu.RLock()
	_, _, err := c.lookupParent(p)
	c.acct.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return &memWriter{client: c, path: p}, nil
}

// memWriter buffers writes and commits the file on Close, mirroring how the
// real backend finalizes an upload.
type memWriter struct {
	client *client
	path   string
	buf    bytes.Buffer
	closed bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("write to closed writer for %s", w.path)
	}
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	c := w.client
	c.acct.mu.Lock()
	defer c.acct.mu.Unlock()

	dir, name, err := c.lookupParent(w.path)
	if err != nil {
		return err
	}
	if existing, ok := dir.children[name]; ok && existing.isDir {
		return fmt.Errorf("%s: %w", w.path, remote.ErrIsDir)
	}

	var prev int64
	if existing, ok := dir.children[name]; ok {
		prev = int64(len(existing.data))
	}
	newUsed := c.acct.used - prev + int64(w.buf.Len())
	if c.acct.quota > 0 && newUsed > c.acct.quota {
		return fmt.Errorf("upload %s (%d bytes): %w", w.path, w.buf.Len(), remote.ErrQuota)
	}

	dir.children[name] = &node{
		name:    name,
		data:    append([]byte(nil), w.buf.Bytes()...),
		modTime: time.Now(),
	}
	dir.modTime = time.Now()
	c.acct.used = newUsed
	return nil
}

func (c *client) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.driver.injectedFailure(); err != nil {
		return err
	}
	c.acct.mu.Lock()
	defer c.acct.mu.Unlock()
	dir, name, err := c.lookupParent(p)
	if err != nil {
		return err
	}
	n, ok := dir.children[name]
	if !ok {
		return fmt.Errorf("%s: %w", p, remote.ErrNotFound)
	}
	c.acct.used -= treeSize(n)
	delete(dir.children, name)
	dir.modTime = time.Now()
	return nil
}

func (c *client) Mkdir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.driver.injectedFailure(); err != nil {
		return err
	}
	c.acct.mu.Lock()
	defer c.acct.mu.Unlock()
	dir, name, err := c.lookupParent(p)
	if err != nil {
		return err
	}
	if _, ok := dir.children[name]; ok {
		return fmt.Errorf("%s: %w", p, remote.ErrExists)
	}
	dir.children[name] = &node{
		name:     name,
		isDir:    true,
		modTime:  time.Now(),
		children: make(map[string]*node),
	}
	dir.modTime = time.Now()
	return nil
}

func (c *client) Rename(ctx context.Context, from, to string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.driver.injectedFailure(); err != nil {
		return err
	}
	c.acct.mu.Lock()
	defer c.acct.mu.Unlock()

	fromDir, fromName, err := c.lookupParent(from)
	if err != nil {
		return err
	}
	n, ok := fromDir.children[fromName]
	if !ok {
		return fmt.Errorf("%s: %w", from, remote.ErrNotFound)
	}
	toDir, toName, err := c.lookupParent(to)
	if err != nil {
		return err
	}
	if existing, ok := toDir.children[toName]; ok && existing.isDir {
		return fmt.Errorf("%s: %w", to, remote.ErrIsDir)
	}

	delete(fromDir.children, fromName)
	n.name = toName
	n.modTime = time.Now()
	toDir.children[toName] = n
	fromDir.modTime = time.Now()
	toDir.modTime = time.Now()
	return nil
}

func treeSize(n *node) int64 {
	if !n.isDir {
		return int64(len(n.data))
	}
	var total int64
	for _, child := range n.children {
		total += treeSize(child)
	}
	return total
}
