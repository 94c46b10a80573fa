// Package ftp serves one server definition over FTP.
//
// Only the command set needed for browse, read, write, delete, and rename is
// implemented (USER/PASS, CWD/PWD, LIST/NLST, RETR, STOR, DELE, MKD, RMD,
// RNFR/RNTO, SIZE, TYPE, PASV/PORT); anything else gets a 502. Each control
// connection allows one data channel at a time, and passive listeners are
// drawn from a bounded port range so the front-end cannot exhaust the host's
// ephemeral ports.
package ftp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/drivegate/drivegate/internal/logger"
	"github.com/drivegate/drivegate/pkg/frontend"
	"github.com/drivegate/drivegate/pkg/metrics"
)

const protocolName = "ftp"

// drainGrace bounds how long Stop waits for in-flight transfers.
const drainGrace = 15 * time.Second

// Settings configures the data-channel behavior.
type Settings struct {
	// PublicHost is the IPv4 address advertised in PASV replies. Empty uses
	// the control connection's local address. Required behind NAT.
	PublicHost string

	// PasvMinPort and PasvMaxPort bound the passive listener range. Both
	// zero lets the OS pick.
	PasvMinPort int
	PasvMaxPort int
}

// Server is an FTP front-end.
type Server struct {
	port     int
	login    frontend.LoginFunc
	settings Settings
	metrics  metrics.GatewayMetrics

	listener net.Listener
	tracker  *frontend.ConnTracker
	stopOnce sync.Once
	stopped  chan struct{}

	// nextPasvPort rotates through the passive range.
	nextPasvPort int
	pasvMu       sync.Mutex
}

// New returns an FTP server listening on port. m may be nil.
func New(port int, login frontend.LoginFunc, settings Settings, m metrics.GatewayMetrics) *Server {
	if m == nil {
		m = metrics.NewGatewayMetrics()
	}
	return &Server{
		port:     port,
		login:    login,
		settings: settings,
		metrics:  m,
		tracker:  frontend.NewConnTracker(),
		stopped:  make(chan struct{}),
	}
}

func (s *Server) Protocol() string { return protocolName }
func (s *Server) Port() int        { return s.port }

// Serve implements frontend.Frontend.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("ftp listener on port %d: %w", s.port, err)
	}
	s.listener = listener
	logger.Info("ftp server listening on port %d", s.port)

	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopped:
		}
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.stopped:
				return nil
			default:
				logger.Debug("ftp accept error: %v", err)
				continue
			}
		}

		sess := s.newSession(conn)
		release := s.tracker.Add(func() { _ = conn.Close() })
		s.metrics.ConnectionOpened(protocolName)
		go func() {
			defer release()
			defer s.metrics.ConnectionClosed(protocolName)
			sess.serve(ctx)
		}()
	}
}

// Stop implements frontend.Frontend. New connections are refused
// immediately; in-flight transfers get a bounded grace period before their
// sockets are closed.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stopped)
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})

	drainCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, drainGrace)
		defer cancel()
	}
	s.tracker.Drain(drainCtx)
	return nil
}

// listenPassive opens a data listener inside the configured range, rotating
// the starting port so sequential transfers spread across it.
func (s *Server) listenPassive() (net.Listener, error) {
	minPort, maxPort := s.settings.PasvMinPort, s.settings.PasvMaxPort
	if minPort <= 0 || maxPort < minPort {
		return net.Listen("tcp", ":0")
	}

	rangeLen := maxPort - minPort + 1
	s.pasvMu.Lock()
	start := s.nextPasvPort
	s.nextPasvPort++
	s.pasvMu.Unlock()

	for i := 0; i < rangeLen; i++ {
		port := minPort + (start+i)%rangeLen
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, nil
		}
	}
	return nil, fmt.Errorf("no free passive port in range [%d, %d]", minPort, maxPort)
}
