// Package webdav serves one server definition over WebDAV.
//
// The heavy lifting (PROPFIND rendering, verb parsing, lock bookkeeping) is
// delegated to golang.org/x/net/webdav; this package contributes the
// authentication layer and a webdav.FileSystem bridging onto the gateway's
// authorize-then-execute session.
package webdav

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/webdav"

	"github.com/drivegate/drivegate/internal/logger"
	"github.com/drivegate/drivegate/pkg/frontend"
	"github.com/drivegate/drivegate/pkg/metrics"
	"github.com/drivegate/drivegate/pkg/perm"
)

const protocolName = "webdav"

// Server is a WebDAV front-end.
type Server struct {
	port    int
	login   frontend.LoginFunc
	metrics metrics.GatewayMetrics

	// lockSystem is shared across requests so LOCK tokens issued to one
	// request survive to the next.
	lockSystem webdav.LockSystem

	httpServer *http.Server
	stopOnce   sync.Once
}

// New returns a WebDAV server listening on port. m may be nil.
func New(port int, login frontend.LoginFunc, m metrics.GatewayMetrics) *Server {
	if m == nil {
		m = metrics.NewGatewayMetrics()
	}
	return &Server{port: port, login: login, metrics: m, lockSystem: webdav.NewMemLS()}
}

func (s *Server) Protocol() string { return protocolName }
func (s *Server) Port() int        { return s.port }

// Serve implements frontend.Frontend.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("webdav listener on port %d: %w", s.port, err)
	}

	s.httpServer = &http.Server{
		Handler:     s.handler(),
		ReadTimeout: 0, // large uploads stream at client pace
		IdleTimeout: 120 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("webdav server listening on port %d", s.port)
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

// handler wires basic auth in front of the webdav.Handler. Each request
// authenticates and gets a filesystem scoped to the resulting session; the
// credential store behind the login function makes repeat logins cheap.
func (s *Server) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
			logger.Warn("webdav login failed for %q from %s: %v", username, r.RemoteAddr, err)
			w.Header().Set("WWW-Authenticate", `Basic realm="drivegate"`)
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		s.metrics.RecordAuthentication(protocolName, true)

		// The webdav library reports filesystem denials as 404/405, so
		// mutating verbs are authorized here first to give the correct 403.
		if err := preauthorize(r, sess); err != nil {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		h := &webdav.Handler{
			FileSystem: &davFS{sess: sess},
			LockSystem: s.lockSystem,
		}
		h.ServeHTTP(rec, r)

		var opErr error
		if rec.status >= 500 {
			opErr = fmt.Errorf("status %d", rec.status)
		}
		s.metrics.RecordOperation(protocolName, opClass(r.Method), time.Since(start), opErr)
		logger.Debug("webdav %s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, sess.User().Name)
	})
}

// preauthorize maps mutating WebDAV verbs to permission checks on the
// request path (and the Destination path for MOVE/COPY).
func preauthorize(r *http.Request, sess *frontend.Session) error {
	p := r.URL.Path
	switch r.Method {
	case http.MethodPut:
		return sess.Authorize(p, perm.OpWrite)
	case "MKCOL":
		return sess.Authorize(p, perm.OpWrite)
	case http.MethodDelete:
		return sess.Authorize(p, perm.OpDelete)
	case "MOVE":
		if err := sess.Authorize(p, perm.OpRename); err != nil {
			return err
		}
		if dest, ok := destinationPath(r); ok {
			return sess.Authorize(dest, perm.OpRename)
		}
		return nil
	case "COPY":
		if err := sess.Authorize(p, perm.OpRead); err != nil {
			return err
		}
		if dest, ok := destinationPath(r); ok {
			return sess.Authorize(dest, perm.OpWrite)
		}
		return nil
	default:
		return nil
	}
}

func destinationPath(r *http.Request) (string, bool) {
	dest := r.Header.Get("Destination")
	if dest == "" {
		return "", false
	}
	u, err := url.Parse(dest)
	if err != nil || u.Path == "" {
		return "", false
	}
	return u.Path, true
}

// opClass folds WebDAV verbs into the metric operation classes.
func opClass(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodPut:
		return "write"
	case http.MethodDelete:
		return "delete"
	case "MOVE":
		return "rename"
	case "MKCOL":
		return "mkdir"
	case "PROPFIND":
		return "list"
	case "COPY":
		return "copy"
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
