// Package remote defines the interface to the remote cloud-drive backend.
//
// A Driver authenticates drive accounts and hands out Clients. A Client is an
// authenticated handle to exactly one account and exposes the file operations
// the rest of the gateway is built on. Implementations live in subpackages
// (memory, s3) and are selected through the configuration factories.
//
// All paths are POSIX-style and absolute within the account ("/docs/a.txt").
// Streaming: OpenRead and OpenWrite return streams; implementations must not
// buffer whole files in memory.
package remote

import (
	"context"
	"io"
	"time"
)

// Info describes a single file or directory in a drive account.
type Info struct {
	// Name is the base name of the entry.
	Name string

	// Path is the absolute path of the entry within the account.
	Path string

	// Size is the file size in bytes. Zero for directories.
	Size int64

	// ModTime is the last modification time reported by the backend.
	ModTime time.Time

	// IsDir reports whether the entry is a directory.
	IsDir bool
}

// Client is an authenticated handle to a single drive account.
//
// Clients are safe for concurrent use. Operations respect context
// cancellation; a cancelled context aborts the underlying transfer.
type Client interface {
	// Email returns the account identity this client is bound to.
	Email() string

	// Stat returns metadata for the entry at path.
	// Returns ErrNotFound if no entry exists.
	Stat(ctx context.Context, path string) (Info, error)

	// List returns the direct children of the directory at path.
	// Returns ErrNotFound if the directory does not exist.
	List(ctx context.Context, path string) ([]Info, error)

	// OpenRead opens the file at path for reading, starting at offset.
	// If length is negative the stream runs to end of file. The caller must
	// close the returned reader.
	OpenRead(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error)

	// OpenWrite opens the file at path for writing. Data is streamed to the
	// backend and the file becomes visible when the returned writer is
	// closed. An existing file at path is replaced.
	OpenWrite(ctx context.Context, path string) (io.WriteCloser, error)

	// Delete removes the file or directory (recursively) at path.
	Delete(ctx context.Context, path string) error

	// Mkdir creates the directory at path. Parent must exist.
	Mkdir(ctx context.Context, path string) error

	// Rename moves the entry at from to to, replacing any existing file.
	Rename(ctx context.Context, from, to string) error
}

// Driver opens authenticated Clients for drive accounts.
//
// Login performs an interactive authentication round trip against the
// backend. Restore rebuilds a Client from a previously exported AuthConfig
// without a login round trip.
type Driver interface {
	// Login authenticates the account with its password. The two-factor code
	// may be empty when the account has no second factor enrolled.
	// Returns ErrInvalidCredential for bad credentials and ErrUnreachable
	// when the backend cannot be reached.
	Login(ctx context.Context, email, password, twoFactorCode string) (Client, error)

	// Restore rebuilds an authenticated Client from an exported AuthConfig.
	Restore(ctx context.Context, cfg *AuthConfig) (Client, error)
}
