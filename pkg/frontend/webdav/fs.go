package webdav

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path"
	"time"

	"golang.org/x/net/webdav"

	"github.com/drivegate/drivegate/pkg/drivefs"
	"github.com/drivegate/drivegate/pkg/frontend"
)

// davFS adapts one authenticated session to webdav.FileSystem.
//
// golang.org/x/net/webdav reports errors by errors.Is against the os
// sentinels, so every session failure is translated before returning.
type davFS struct {
	sess *frontend.Session
}

// mapErr folds the gateway taxonomy onto the os sentinels the webdav
// handler understands.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, drivefs.ErrNotFound):
		return fmt.Errorf("%v: %w", err, iofs.ErrNotExist)
	case errors.Is(err, frontend.ErrForbidden),
		errors.Is(err, drivefs.ErrPermissionDenied),
		errors.Is(err, drivefs.ErrPathEscape):
		return fmt.Errorf("%v: %w", err, iofs.ErrPermission)
	case errors.Is(err, drivefs.ErrExists):
		return fmt.Errorf("%v: %w", err, iofs.ErrExist)
	default:
		return err
	}
}

func (f *davFS) Mkdir(ctx context.Context, name string, _ os.FileMode) error {
	return mapErr(f.sess.Mkdir(ctx, name))
}

func (f *davFS) RemoveAll(ctx context.Context, name string) error {
	return mapErr(f.sess.Delete(ctx, name))
}

func (f *davFS) Rename(ctx context.Context, oldName, newName string) error {
	return mapErr(f.sess.Rename(ctx, oldName, newName))
}

func (f *davFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	info, err := f.sess.Stat(ctx, name)
	if err != nil {
		return nil, mapErr(err)
	}
	return davInfo{info}, nil
}

func (f *davFS) OpenFile(ctx context.Context, name string, flag int, _ os.FileMode) (webdav.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		// PUT path. The write stream is opened lazily on first Write so an
		// immediately-closed empty upload still creates the file via Close.
		return &davWriteFile{ctx: ctx, sess: f.sess, name: name}, nil
	}

	info, err := f.sess.Stat(ctx, name)
	if err != nil {
		return nil, mapErr(err)
	}
	return &davReadFile{ctx: ctx, sess: f.sess, name: name, info: info}, nil
}

// davInfo adapts drivefs.FileInfo to os.FileInfo.
type davInfo struct {
	fi drivefs.FileInfo
}

func (i davInfo) Name() string { return i.fi.Name }
func (i davInfo) Size() int64  { return i.fi.Size }
func (i davInfo) Mode() os.FileMode {
	if i.fi.IsDir {
		return os.ModeDir | 0o755
	}
	return 0o644
}
func (i davInfo) ModTime() time.Time { return i.fi.ModTime }
func (i davInfo) IsDir() bool        { return i.fi.IsDir }
func (i davInfo) Sys() any           { return nil }

// davReadFile serves GET and PROPFIND. Seeking is implemented by reopening
// the backend stream at the new offset, which keeps Range requests cheap
// without buffering the file.
type davReadFile struct {
	ctx  context.Context
	sess *frontend.Session
	name string
	info drivefs.FileInfo

	stream io.ReadCloser
	offset int64

	// readdir pagination state
	entries    []drivefs.FileInfo
	hasEntries bool
	dirPos     int
}

func (f *davReadFile) Read(p []byte) (int, error) {
	if f.info.IsDir {
		return 0, fmt.Errorf("%s: %w", f.name, iofs.ErrInvalid)
	}
	if f.stream == nil {
		stream, err := f.sess.OpenRead(f.ctx, f.name, f.offset, -1)
		if err != nil {
			return 0, mapErr(err)
		}
		f.stream = stream
	}
	n, err := f.stream.Read(p)
	f.offset += int64(n)
	return n, err
}

func (f *davReadFile) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = f.offset + offset
	case io.SeekEnd:
		target = f.info.Size + offset
	default:
		return 0, fmt.Errorf("seek %s: %w", f.name, iofs.ErrInvalid)
	}
	if target < 0 {
		return 0, fmt.Errorf("seek %s: negative offset: %w", f.name, iofs.ErrInvalid)
	}
	if target != f.offset && f.stream != nil {
		_ = f.stream.Close()
		f.stream = nil
	}
	f.offset = target
	return target, nil
}

func (f *davReadFile) Readdir(count int) ([]os.FileInfo, error) {
	if !f.info.IsDir {
		return nil, fmt.Errorf("%s: %w", f.name, iofs.ErrInvalid)
	}
	if !f.hasEntries {
		entries, err := f.sess.List(f.ctx, f.name)
		if err != nil {
			return nil, mapErr(err)
		}
		// Hide entries the identity may not read rather than failing the
		// whole listing.
		visible := entries[:0]
		for _, e := range entries {
			if f.sess.CanRead(path.Join(f.name, e.Name)) {
				visible = append(visible, e)
			}
		}
		f.entries = visible
		f.hasEntries = true
	}

	if count <= 0 {
		out := toOSInfos(f.entries[f.dirPos:])
		f.dirPos = len(f.entries)
		return out, nil
	}
	if f.dirPos >= len(f.entries) {
		return nil, io.EOF
	}
	end := f.dirPos + count
	if end > len(f.entries) {
		end = len(f.entries)
	}
	out := toOSInfos(f.entries[f.dirPos:end])
	f.dirPos = end
	return out, nil
}

func (f *davReadFile) Stat() (os.FileInfo, error) { return davInfo{f.info}, nil }

func (f *davReadFile) Write([]byte) (int, error) {
	return 0, fmt.Errorf("%s opened read-only: %w", f.name, iofs.ErrPermission)
}

func (f *davReadFile) Close() error {
	if f.stream != nil {
		return f.stream.Close()
	}
	return nil
}

func toOSInfos(entries []drivefs.FileInfo) []os.FileInfo {
	out := make([]os.FileInfo, len(entries))
	for i, e := range entries {
		out[i] = davInfo{e}
	}
	return out
}

// davWriteFile accepts a PUT body and streams it to the backend. The upload
// is finalized on Close; a failed finalize surfaces as the PUT's error.
type davWriteFile struct {
	ctx  context.Context
	sess *frontend.Session
	name string

	stream  io.WriteCloser
	written int64
}

func (f *davWriteFile) Write(p []byte) (int, error) {
	if f.stream == nil {
		stream, err := f.sess.OpenWrite(f.ctx, f.name)
		if err != nil {
			return 0, mapErr(err)
		}
		f.stream = stream
	}
	n, err := f.stream.Write(p)
	f.written += int64(n)
	return n, mapErr(err)
}

func (f *davWriteFile) Close() error {
	if f.stream == nil {
		// Zero-byte PUT: create the empty file now.
		stream, err := f.sess.OpenWrite(f.ctx, f.name)
		if err != nil {
			return mapErr(err)
		}
		f.stream = stream
	}
	return mapErr(f.stream.Close())
}

func (f *davWriteFile) Read([]byte) (int, error) {
	return 0, fmt.Errorf("%s opened write-only: %w", f.name, iofs.ErrPermission)
}

func (f *davWriteFile) Seek(offset int64, whence int) (int64, error) {
	// The handler seeks to 0 before writing; anything else is unsupported.
	if offset == 0 && (whence == io.SeekStart || whence == io.SeekCurrent) && f.written == 0 {
		return 0, nil
	}
	return 0, fmt.Errorf("seek on upload %s: %w", f.name, iofs.ErrInvalid)
}

func (f *davWriteFile) Readdir(int) ([]os.FileInfo, error) {
	return nil, fmt.Errorf("%s: %w", f.name, iofs.ErrInvalid)
}

func (f *davWriteFile) Stat() (os.FileInfo, error) {
	return davInfo{drivefs.FileInfo{Name: path.Base(f.name), Size: f.written}}, nil
}
