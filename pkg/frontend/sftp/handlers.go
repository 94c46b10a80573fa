package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"

	"github.com/drivegate/drivegate/pkg/drivefs"
	"github.com/drivegate/drivegate/pkg/frontend"
	"github.com/drivegate/drivegate/pkg/metrics"
)

// maxWriteReorder bounds how many bytes of out-of-order write chunks are
// buffered before the upload is failed. SFTP clients pipeline writes, so
// chunks can arrive slightly ahead of the stream position.
const maxWriteReorder = 8 << 20

// handlers dispatches sftp requests onto one authenticated session.
type handlers struct {
	ctx     context.Context
	sess    *frontend.Session
	metrics metrics.GatewayMetrics
}

func (s *Server) newHandlers(ctx context.Context, sess *frontend.Session) sftp.Handlers {
	h := &handlers{ctx: ctx, sess: sess, metrics: s.metrics}
	return sftp.Handlers{
		FileGet:  h,
		FilePut:  h,
		FileCmd:  h,
		FileList: h,
	}
}

// mapErr folds the gateway taxonomy onto the os sentinels the sftp status
// encoder understands.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, drivefs.ErrNotFound):
		return os.ErrNotExist
	case errors.Is(err, frontend.ErrForbidden),
		errors.Is(err, drivefs.ErrPermissionDenied),
		errors.Is(err, drivefs.ErrPathEscape):
		return os.ErrPermission
	case errors.Is(err, drivefs.ErrExists):
		return os.ErrExist
	default:
		return err
	}
}

// Fileread implements sftp.FileReader.
func (h *handlers) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	info, err := h.sess.Stat(h.ctx, r.Filepath)
	if err != nil {
		return nil, mapErr(err)
	}
	if info.IsDir {
		return nil, os.ErrInvalid
	}
	return &readerAt{ctx: h.ctx, sess: h.sess, path: r.Filepath, metrics: h.metrics}, nil
}

// Filewrite implements sftp.FileWriter.
func (h *handlers) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	stream, err := h.sess.OpenWrite(h.ctx, r.Filepath)
	if err != nil {
		return nil, mapErr(err)
	}
	return &writerAt{
		stream:  stream,
		path:    r.Filepath,
		pending: make(map[int64][]byte),
		metrics: h.metrics,
	}, nil
}

// Filecmd implements sftp.FileCmder.
func (h *handlers) Filecmd(r *sftp.Request) error {
	start := time.Now()
	var err error
	var op string
	switch r.Method {
	case "Mkdir":
		op = "mkdir"
		err = h.sess.Mkdir(h.ctx, r.Filepath)
	case "Remove", "Rmdir":
		op = "delete"
		err = h.sess.Delete(h.ctx, r.Filepath)
	case "Rename", "PosixRename":
		op = "rename"
		err = h.sess.Rename(h.ctx, r.Filepath, r.Target)
	case "Setstat":
		// Attribute changes have no meaning on the remote drive; accept and
		// ignore so clients that chmod after upload do not fail.
		return nil
	default:
		return sftp.ErrSSHFxOpUnsupported
	}
	h.metrics.RecordOperation(protocolName, op, time.Since(start), err)
	return mapErr(err)
}

// Filelist implements sftp.FileLister.
func (h *handlers) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	switch r.Method {
	case "List":
		entries, err := h.sess.List(h.ctx, r.Filepath)
		if err != nil {
			return nil, mapErr(err)
		}
		infos := make([]os.FileInfo, 0, len(entries))
		for _, e := range entries {
			infos = append(infos, fileInfo{e})
		}
		return listerAt(infos), nil
	case "Stat", "Lstat":
		info, err := h.sess.Stat(h.ctx, r.Filepath)
		if err != nil {
			return nil, mapErr(err)
		}
		return listerAt{fileInfo{info}}, nil
	default:
		return nil, sftp.ErrSSHFxOpUnsupported
	}
}

// fileInfo adapts drivefs.FileInfo to os.FileInfo.
type fileInfo struct {
	fi drivefs.FileInfo
}

func (i fileInfo) Name() string { return i.fi.Name }
func (i fileInfo) Size() int64  { return i.fi.Size }
func (i fileInfo) Mode() iofs.FileMode {
	if i.fi.IsDir {
		return iofs.ModeDir | 0o755
	}
	return 0o644
}
func (i fileInfo) ModTime() time.Time { return i.fi.ModTime }
func (i fileInfo) IsDir() bool        { return i.fi.IsDir }
func (i fileInfo) Sys() any           { return nil }

// listerAt serves directory pages from a materialized slice.
type listerAt []os.FileInfo

func (l listerAt) ListAt(dst []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(dst, l[offset:])
	if offset+int64(n) >= int64(len(l)) {
		return n, io.EOF
	}
	return n, nil
}

// readerAt adapts the streaming read API to the random-access reads the
// sftp protocol issues. Sequential access reuses one backend stream;
// a jump closes it and reopens at the new offset.
type readerAt struct {
	ctx     context.Context
	sess    *frontend.Session
	path    string
	metrics metrics.GatewayMetrics

	mu     sync.Mutex
	stream io.ReadCloser
	offset int64
	closed bool
}

func (r *readerAt) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, os.ErrClosed
	}
	if r.stream != nil && off != r.offset {
		_ = r.stream.Close()
		r.stream = nil
	}
	if r.stream == nil {
		stream, err := r.sess.OpenRead(r.ctx, r.path, off, -1)
		if err != nil {
			return 0, mapErr(err)
		}
		r.stream = stream
		r.offset = off
	}

	n, err := io.ReadFull(r.stream, p)
	r.offset += int64(n)
	r.metrics.RecordBytesTransferred(protocolName, "download", int64(n))
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n, err
}

// Close is found via interface probing by the request server on CLOSE.
func (r *readerAt) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.stream != nil {
		err := r.stream.Close()
		r.stream = nil
		return err
	}
	return nil
}

// writerAt adapts random-access writes onto the sequential upload stream.
// In-order chunks flow straight through; slightly out-of-order chunks are
// parked until the gap fills. A chunk behind the stream position or a
// reorder buffer past its bound fails the upload.
type writerAt struct {
	path    string
	metrics metrics.GatewayMetrics

	mu      sync.Mutex
	stream  io.WriteCloser
	offset  int64
	pending map[int64][]byte
	parked  int
	closed  bool
}

func (w *writerAt) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, os.ErrClosed
	}
	if off < w.offset {
		return 0, fmt.Errorf("overlapping write at %d (stream at %d): %w",
			off, w.offset, sftp.ErrSSHFxOpUnsupported)
	}

	if off > w.offset {
		if w.parked+len(p) > maxWriteReorder {
			return 0, fmt.Errorf("write reorder buffer exceeded for %s: %w",
				w.path, sftp.ErrSSHFxFailure)
		}
		buf := make([]byte, len(p))
		copy(buf, p)
		w.pending[off] = buf
		w.parked += len(p)
		return len(p), nil
	}

	if err := w.flushLocked(p); err != nil {
		return 0, mapErr(err)
	}
	return len(p), nil
}

// flushLocked writes p and any parked chunks that now fit. Caller holds mu.
func (w *writerAt) flushLocked(p []byte) error {
	n, err := w.stream.Write(p)
	w.offset += int64(n)
	w.metrics.RecordBytesTransferred(protocolName, "upload", int64(n))
	if err != nil {
		return err
	}
	for {
		chunk, ok := w.pending[w.offset]
		if !ok {
			return nil
		}
		delete(w.pending, w.offset)
		w.parked -= len(chunk)
		n, err := w.stream.Write(chunk)
		w.offset += int64(n)
		w.metrics.RecordBytesTransferred(protocolName, "upload", int64(n))
		if err != nil {
			return err
		}
	}
}

func (w *writerAt) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if len(w.pending) > 0 {
		_ = w.stream.Close()
		return fmt.Errorf("upload %s closed with %d unfilled gaps: %w",
			w.path, len(w.pending), sftp.ErrSSHFxFailure)
	}
	return mapErr(w.stream.Close())
}
