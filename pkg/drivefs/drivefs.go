// Package drivefs is the uniform filesystem layer between the protocol
// front-ends and the remote drive backend.
//
// An FS is scoped to one authenticated account and one root directory inside
// it. Every front-end operation funnels through here, which gives a single
// place for the three guarantees the gateway depends on:
//
//   - path confinement: no request resolves outside the configured root
//   - streaming: reads and writes never buffer whole files
//   - error discipline: every failure maps onto the taxonomy in errors.go,
//     with transient backend faults retried under a bounded backoff first
package drivefs

import (
	"context"
	"io"
	"time"

	"github.com/drivegate/drivegate/pkg/remote"
)

// FileInfo describes one entry, with Path relative to the FS root.
type FileInfo struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// FS exposes a rooted slice of one drive account.
//
// FS is stateless apart from its configuration; it is safe for concurrent
// use by any number of protocol connections.
type FS struct {
	client remote.Client
	root   string
	retry  RetryPolicy
}

// New returns an FS scoped to root within the client's account.
// A zero policy falls back to DefaultRetryPolicy.
func New(client remote.Client, root string, policy RetryPolicy) *FS {
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy
	}
	cleanRoot, err := Resolve("/", root)
	if err != nil {
		// Resolve against "/" cannot fail; keep the zero-value root safe.
		cleanRoot = "/"
	}
	return &FS{client: client, root: cleanRoot, retry: policy}
}

// Owner returns the account identity this FS is bound to.
func (fs *FS) Owner() string { return fs.client.Email() }

// Root returns the absolute account path this FS is rooted at.
func (fs *FS) Root() string { return fs.root }

// rel converts an absolute account path back to the FS-relative form
// returned to callers.
func (fs *FS) rel(abs string) string {
	if fs.root == "/" {
		return abs
	}
	if abs == fs.root {
		return "/"
	}
	return abs[len(fs.root):]
}

// Stat returns metadata for the entry at p.
func (fs *FS) Stat(ctx context.Context, p string) (FileInfo, error) {
	abs, err := Resolve(fs.root, p)
	if err != nil {
		return FileInfo{}, err
	}
	var info remote.Info
	err = withRetry(ctx, fs.retry, func() error {
		var opErr error
		info, opErr = fs.client.Stat(ctx, abs)
		return opErr
	})
	if err != nil {
		return FileInfo{}, mapRemoteError(err)
	}
	return fs.toFileInfo(info), nil
}

// List returns the direct children of the directory at p.
func (fs *FS) List(ctx context.Context, p string) ([]FileInfo, error) {
	abs, err := Resolve(fs.root, p)
	if err != nil {
		return nil, err
	}
	var entries []remote.Info
	err = withRetry(ctx, fs.retry, func() error {
		var opErr error
		entries, opErr = fs.client.List(ctx, abs)
		return opErr
	})
	if err != nil {
		return nil, mapRemoteError(err)
	}
	infos := make([]FileInfo, len(entries))
	for i, e := range entries {
		infos[i] = fs.toFileInfo(e)
	}
	return infos, nil
}

// OpenRead opens p for reading at offset. A negative length streams to EOF.
// Only the open is retried; a stream failing mid-transfer surfaces to the
// protocol client, which owns the decision to resume.
func (fs *FS) OpenRead(ctx context.Context, p string, offset, length int64) (io.ReadCloser, error) {
	abs, err := Resolve(fs.root, p)
	if err != nil {
		return nil, err
	}
	var rc io.ReadCloser
	err = withRetry(ctx, fs.retry, func() error {
		var opErr error
		rc, opErr = fs.client.OpenRead(ctx, abs, offset, length)
		return opErr
	})
	if err != nil {
		return nil, mapRemoteError(err)
	}
	return rc, nil
}

// OpenWrite opens p for writing. The file is finalized when the returned
// writer is closed; closing can fail (quota, network) and callers must treat
// Close errors as write failures.
func (fs *FS) OpenWrite(ctx context.Context, p string) (io.WriteCloser, error) {
	abs, err := Resolve(fs.root, p)
	if err != nil {
		return nil, err
	}
	var wc io.WriteCloser
	err = withRetry(ctx, fs.retry, func() error {
		var opErr error
		wc, opErr = fs.client.OpenWrite(ctx, abs)
		return opErr
	})
	if err != nil {
		return nil, mapRemoteError(err)
	}
	return &writeCloser{wc: wc}, nil
}

// Delete removes the entry at p, recursively for directories.
func (fs *FS) Delete(ctx context.Context, p string) error {
	abs, err := Resolve(fs.root, p)
	if err != nil {
		return err
	}
	return mapRemoteError(withRetry(ctx, fs.retry, func() error {
		return fs.client.Delete(ctx, abs)
	}))
}

// Mkdir creates the directory at p.
func (fs *FS) Mkdir(ctx context.Context, p string) error {
	abs, err := Resolve(fs.root, p)
	if err != nil {
		return err
	}
	return mapRemoteError(withRetry(ctx, fs.retry, func() error {
		return fs.client.Mkdir(ctx, abs)
	}))
}

// Rename moves from to to. Both paths are confined to the root; a rename
// cannot be used to move content out of the share.
func (fs *FS) Rename(ctx context.Context, from, to string) error {
	absFrom, err := Resolve(fs.root, from)
	if err != nil {
		return err
	}
	absTo, err := Resolve(fs.root, to)
	if err != nil {
		return err
	}
	return mapRemoteError(withRetry(ctx, fs.retry, func() error {
		return fs.client.Rename(ctx, absFrom, absTo)
	}))
}

func (fs *FS) toFileInfo(info remote.Info) FileInfo {
	return FileInfo{
		Name:    info.Name,
		Path:    fs.rel(info.Path),
		Size:    info.Size,
		ModTime: info.ModTime,
		IsDir:   info.IsDir,
	}
}

// writeCloser maps backend errors on the write path.
type writeCloser struct {
	wc io.WriteCloser
}

func (w *writeCloser) Write(p []byte) (int, error) {
	n, err := w.wc.Write(p)
	return n, mapRemoteError(err)
}

func (w *writeCloser) Close() error {
	return mapRemoteError(w.wc.Close())
}
