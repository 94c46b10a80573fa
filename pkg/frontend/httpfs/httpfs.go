// Package httpfs serves one server definition over plain HTTP.
//
// The surface is deliberately small: GET and HEAD download files and list
// directories (as JSON), PUT uploads, DELETE removes. It exists for clients
// that speak neither WebDAV nor FTP, such as curl in a provisioning script
// or a browser pointed at a read-only share.
package httpfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/drivegate/drivegate/internal/logger"
	"github.com/drivegate/drivegate/pkg/drivefs"
	"github.com/drivegate/drivegate/pkg/frontend"
	"github.com/drivegate/drivegate/pkg/metrics"
)

const protocolName = "http"

// Server is a plain-HTTP front-end.
type Server struct {
	port    int
	login   frontend.LoginFunc
	metrics metrics.GatewayMetrics

	httpServer *http.Server
	stopOnce   sync.Once
}

// New returns an HTTP server listening on port. m may be nil.
func New(port int, login frontend.LoginFunc, m metrics.GatewayMetrics) *Server {
	if m == nil {
		m = metrics.NewGatewayMetrics()
	}
	return &Server{port: port, login: login, metrics: m}
}

func (s *Server) Protocol() string { return protocolName }
func (s *Server) Port() int        { return s.port }

// Serve implements frontend.Frontend.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("http listener on port %d: %w", s.port, err)
	}

	s.httpServer = &http.Server{
		Handler:     http.HandlerFunc(s.handle),
		IdleTimeout: 120 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("http server listening on port %d", s.port)
	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop implements frontend.Frontend.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.httpServer == nil {
			return
		}
		err = s.httpServer.Shutdown(ctx)
		if err != nil {
			_ = s.httpServer.Close()
		}
	})
	return err
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.metrics.ConnectionOpened(protocolName)
	defer s.metrics.ConnectionClosed(protocolName)

	username, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="drivegate"`)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	sess, err := s.login(r.Context(), username, password)
	if err != nil {
		s.metrics.RecordAuthentication(protocolName, false)
		logger.Warn("http login failed for %q from %s: %v", username, r.RemoteAddr, err)
		w.Header().Set("WWW-Authenticate", `Basic realm="drivegate"`)
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	s.metrics.RecordAuthentication(protocolName, true)

	start := time.Now()
	p := path.Clean("/" + r.URL.Path)

	var opErr error
	var op string
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		op = "read"
		opErr = s.serveGet(w, r, sess, p)
	case http.MethodPut:
		op = "write"
		opErr = s.servePut(w, r, sess, p)
	case http.MethodDelete:
		op = "delete"
		opErr = s.serveDelete(w, r, sess, p)
	default:
		op = "other"
		w.Header().Set("Allow", "GET, HEAD, PUT, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
	s.metrics.RecordOperation(protocolName, op, time.Since(start), opErr)
}

// writeError maps the gateway taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, drivefs.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, frontend.ErrForbidden),
		errors.Is(err, drivefs.ErrPermissionDenied),
		errors.Is(err, drivefs.ErrPathEscape):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, drivefs.ErrQuotaExceeded):
		http.Error(w, "insufficient storage", http.StatusInsufficientStorage)
	case errors.Is(err, drivefs.ErrIsDir), errors.Is(err, drivefs.ErrNotDir):
		http.Error(w, "conflict", http.StatusConflict)
	default:
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

// listEntry is one row of a directory listing response.
type listEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	IsDir   bool      `json:"is_dir"`
}

func (s *Server) serveGet(w http.ResponseWriter, r *http.Request, sess *frontend.Session, p string) error {
	info, err := sess.Stat(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return err
	}

	if info.IsDir {
		entries, err := sess.List(r.Context(), p)
		if err != nil {
			writeError(w, err)
			return err
		}
		out := make([]listEntry, 0, len(entries))
		for _, e := range entries {
			if !sess.CanRead(path.Join(p, e.Name)) {
				continue
			}
			out = append(out, listEntry{Name: e.Name, Size: e.Size, ModTime: e.ModTime, IsDir: e.IsDir})
		}
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodHead {
			return nil
		}
		return json.NewEncoder(w).Encode(out)
	}

	offset, length, partial, err := parseRange(r.Header.Get("Range"), info.Size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
		http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Last-Modified", info.ModTime.UTC().Format(http.TimeFormat))
	if partial {
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, info.Size))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}

	if r.Method == http.MethodHead {
		if partial {
			w.WriteHeader(http.StatusPartialContent)
		}
		return nil
	}

	stream, err := sess.OpenRead(r.Context(), p, offset, length)
	if err != nil {
		writeError(w, err)
		return err
	}
	defer stream.Close()

	if partial {
		w.WriteHeader(http.StatusPartialContent)
	}
	n, err := io.Copy(w, stream)
	s.metrics.RecordBytesTransferred(protocolName, "download", n)
	// Headers are gone by now; a mid-stream failure can only cut the
	// connection short.
	return err
}

func (s *Server) servePut(w http.ResponseWriter, r *http.Request, sess *frontend.Session, p string) error {
	stream, err := sess.OpenWrite(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return err
	}

	n, err := io.Copy(stream, r.Body)
	if err != nil {
		_ = stream.Close()
		writeError(w, err)
		return err
	}
	if err := stream.Close(); err != nil {
		writeError(w, err)
		return err
	}
	s.metrics.RecordBytesTransferred(protocolName, "upload", n)
	w.WriteHeader(http.StatusCreated)
	return nil
}

func (s *Server) serveDelete(w http.ResponseWriter, r *http.Request, sess *frontend.Session, p string) error {
	if err := sess.Delete(r.Context(), p); err != nil {
		writeError(w, err)
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// parseRange handles a single bytes=start-end range. length of -1 means to
// EOF. partial reports whether a Range header was honored.
func parseRange(header string, size int64) (offset, length int64, partial bool, err error) {
	if header == "" {
		return 0, -1, false, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		// Multipart ranges are not supported; serve the whole file.
		return 0, -1, false, nil
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, false, fmt.Errorf("malformed range %q", header)
	}

	if startStr == "" {
		// Suffix range: last N bytes.
		n, convErr := strconv.ParseInt(endStr, 10, 64)
		if convErr != nil || n <= 0 {
			return 0, 0, false, fmt.Errorf("malformed range %q", header)
		}
		if n > size {
			n = size
		}
		return size - n, n, true, nil
	}

	start, convErr := strconv.ParseInt(startStr, 10, 64)
	if convErr != nil || start < 0 || start >= size {
		return 0, 0, false, fmt.Errorf("unsatisfiable range %q", header)
	}
	if endStr == "" {
		return start, size - start, true, nil
	}
	end, convErr := strconv.ParseInt(endStr, 10, 64)
	if convErr != nil || end < start {
		return 0, 0, false, fmt.Errorf("malformed range %q", header)
	}
	if end >= size {
		end = size - 1
	}
	return start, end - start + 1, true, nil
}
