package remote

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// Sentinel errors returned by Driver and Client implementations.
//
// Implementations wrap these with fmt.Errorf("...: %w", Err...) so callers
// can classify failures with errors.Is while keeping backend detail in the
// message.
var (
	// ErrNotFound indicates the entry does not exist.
	ErrNotFound = errors.New("remote: not found")

	// ErrExists indicates the entry already exists.
	ErrExists = errors.New("remote: already exists")

	// ErrPermission indicates the backend refused the operation for this
	// account (remote-side permission, not gateway policy).
	ErrPermission = errors.New("remote: permission denied")

	// ErrQuota indicates the account is out of storage quota.
	ErrQuota = errors.New("remote: quota exceeded")

	// ErrInvalidCredential indicates login or session restore failed because
	// the supplied credentials are wrong or the session was invalidated.
	ErrInvalidCredential = errors.New("remote: invalid credential")

	// ErrUnreachable indicates a transient network failure reaching the
	// backend. Operations failing with ErrUnreachable are retryable.
	ErrUnreachable = errors.New("remote: backend unreachable")

	// ErrNotDir indicates a directory operation targeted a regular file.
	ErrNotDir = errors.New("remote: not a directory")

	// ErrIsDir indicates a file operation targeted a directory.
	ErrIsDir = errors.New("remote: is a directory")
)

// IsTransient reports whether err is worth retrying: either an explicit
// ErrUnreachable or a low-level network failure that usually clears on its
// own (timeouts, connection resets, unexpected EOF mid-stream).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnreachable) {
		return true
	}
	// Context cancellation is a deliberate abort, never retried.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}
