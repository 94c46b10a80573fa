package drivefs

import (
	"context"
	"errors"
	"fmt"

	"github.com/drivegate/drivegate/pkg/remote"
)

// Adapter error taxonomy. Every failure surfaced by an FS operation wraps
// exactly one of these sentinels, so front-ends can map errors to protocol
// status codes with errors.Is and nothing else.
var (
	// ErrNotFound indicates the path does not exist.
	ErrNotFound = errors.New("drivefs: not found")

	// ErrPermissionDenied indicates the remote backend refused the
	// operation. Gateway-policy denials come from the permission evaluator,
	// not from here.
	ErrPermissionDenied = errors.New("drivefs: permission denied")

	// ErrQuotaExceeded indicates the account is out of storage.
	ErrQuotaExceeded = errors.New("drivefs: quota exceeded")

	// ErrTransient indicates a network failure that persisted through the
	// adapter's retry budget.
	ErrTransient = errors.New("drivefs: transient network error")

	// ErrPathEscape indicates the requested path resolves outside the
	// configured root. Requests failing with ErrPathEscape never reach the
	// backend.
	ErrPathEscape = errors.New("drivefs: path escapes share root")

	// ErrExists indicates the target already exists.
	ErrExists = errors.New("drivefs: already exists")

	// ErrIsDir indicates a file operation targeted a directory.
	ErrIsDir = errors.New("drivefs: is a directory")

	// ErrNotDir indicates a directory operation targeted a file.
	ErrNotDir = errors.New("drivefs: not a directory")

	// ErrUnknown wraps backend failures outside the taxonomy.
	ErrUnknown = errors.New("drivefs: unknown backend error")
)

// mapRemoteError converts a remote-layer failure into the adapter taxonomy.
func mapRemoteError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrTransient):
		// Already mapped by the retry loop.
		return err
	case errors.Is(err, remote.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, remote.ErrPermission):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, remote.ErrQuota):
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	case errors.Is(err, remote.ErrExists):
		return fmt.Errorf("%w: %v", ErrExists, err)
	case errors.Is(err, remote.ErrIsDir):
		return fmt.Errorf("%w: %v", ErrIsDir, err)
	case errors.Is(err, remote.ErrNotDir):
		return fmt.Errorf("%w: %v", ErrNotDir, err)
	case remote.IsTransient(err):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Cancellations are deliberate aborts, not backend faults.
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnknown, err)
	}
}
